package store

import (
	"context"
	"database/sql"
	"fmt"

	"sensornet/ingest-server/internal/model"
)

// AlertRangesFor returns the ranges that apply to a type code on a node: the node's own
// ranges plus the ranges without a node.
func (c conn) AlertRangesFor(ctx context.Context, typeCode, nodeID int64) ([]model.AlertRange, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	rows, err := c.query(
		ctx,
		`SELECT id, type_code, node_id, min_value, max_value FROM alert_ranges
		 WHERE type_code = ? AND (node_id IS NULL OR node_id = ?)
		 ORDER BY id;`,
		typeCode,
		nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query alert ranges: %w", err)
	}
	defer rows.Close()

	var ranges []model.AlertRange
	for rows.Next() {
		var (
			r      model.AlertRange
			node   sql.NullInt64
			lo, hi sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.TypeCode, &node, &lo, &hi); err != nil {
			return nil, fmt.Errorf("scan alert range: %w", err)
		}
		if node.Valid {
			r.NodeID = &node.Int64
		}
		if lo.Valid {
			r.Min = &lo.Float64
		}
		if hi.Valid {
			r.Max = &hi.Float64
		}
		ranges = append(ranges, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert ranges: %w", err)
	}
	return ranges, nil
}

// ReplaceAlertRanges swaps the stored alert ranges for the given set.
func (c conn) ReplaceAlertRanges(ctx context.Context, ranges []model.AlertRange) error {
	if err := c.ready(); err != nil {
		return err
	}

	if _, err := c.exec(ctx, `DELETE FROM alert_ranges;`); err != nil {
		return fmt.Errorf("clear alert ranges: %w", err)
	}

	for _, r := range ranges {
		var node sql.NullInt64
		if r.NodeID != nil {
			node = sql.NullInt64{Int64: *r.NodeID, Valid: true}
		}
		if _, err := c.exec(
			ctx,
			`INSERT INTO alert_ranges (type_code, node_id, min_value, max_value) VALUES (?, ?, ?, ?);`,
			r.TypeCode,
			node,
			nullFloat(r.Min),
			nullFloat(r.Max),
		); err != nil {
			return fmt.Errorf("insert alert range: %w", err)
		}
	}
	return nil
}

// InsertAlert records a fired alert and returns its id.
func (c conn) InsertAlert(ctx context.Context, a model.Alert) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	var id int64
	err := c.queryRow(
		ctx,
		`INSERT INTO alerts (reading_id, node_id, type_code, value, bound, limit_value, observed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id;`,
		a.ReadingID,
		a.NodeID,
		a.TypeCode,
		a.Value,
		a.Bound,
		a.Limit,
		formatTime(a.ObservedAt),
		formatTime(a.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	return id, nil
}

// RecentAlerts returns the newest alerts first, optionally restricted to one node.
func (c conn) RecentAlerts(ctx context.Context, nodeID *int64, limit int) ([]model.Alert, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, reading_id, node_id, type_code, value, bound, limit_value, observed_at, created_at FROM alerts`
	var args []any
	if nodeID != nil {
		query += ` WHERE node_id = ?`
		args = append(args, *nodeID)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []model.Alert{}
	for rows.Next() {
		var (
			a          model.Alert
			observedAt string
			createdAt  string
		)
		if err := rows.Scan(&a.ID, &a.ReadingID, &a.NodeID, &a.TypeCode, &a.Value, &a.Bound, &a.Limit, &observedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.ObservedAt = parseTime(observedAt)
		a.CreatedAt = parseTime(createdAt)
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}
