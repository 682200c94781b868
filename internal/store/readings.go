package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sensornet/ingest-server/internal/model"
)

// batchSize bounds the rows written or deleted per statement, keeping well under
// the bound-parameter limits of both engines.
const batchSize = 200

// InsertAccepted persists a validated reading and returns its generated id.
func (c conn) InsertAccepted(ctx context.Context, r model.Reading) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	var id int64
	err := c.queryRow(
		ctx,
		`INSERT INTO readings (node_id, type_id, value, observed_at, received_at) VALUES (?, ?, ?, ?, ?) RETURNING id;`,
		r.NodeID,
		r.TypeID,
		r.Value,
		formatTime(r.ObservedAt),
		formatTime(time.Now()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert accepted reading: %w", err)
	}
	return id, nil
}

// InsertRejected records a reading that failed validation. A second rejection for the
// same node at the same instant replaces the first.
func (c conn) InsertRejected(ctx context.Context, r model.Reading, reason string) error {
	if err := c.ready(); err != nil {
		return err
	}

	_, err := c.exec(
		ctx,
		`INSERT INTO rejected_readings (node_id, observed_at, type_id, value, reason, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(node_id, observed_at)
		 DO UPDATE SET type_id = excluded.type_id,
				 value = excluded.value,
				 reason = excluded.reason,
				 recorded_at = excluded.recorded_at;`,
		r.NodeID,
		formatTime(r.ObservedAt),
		r.TypeID,
		r.Value,
		reason,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert rejected reading: %w", err)
	}
	return nil
}

// SelectAcceptedByNode returns every accepted reading of the node ordered by id.
func (c conn) SelectAcceptedByNode(ctx context.Context, nodeID int64) ([]model.AcceptedReading, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	rows, err := c.query(
		ctx,
		`SELECT id, node_id, type_id, value, observed_at, received_at FROM readings WHERE node_id = ? ORDER BY id;`,
		nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query accepted readings: %w", err)
	}
	defer rows.Close()

	var readings []model.AcceptedReading
	for rows.Next() {
		r, err := scanAccepted(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accepted readings: %w", err)
	}
	return readings, nil
}

// BulkInsertArchived copies accepted readings into the archive and returns the number of rows written.
func (c conn) BulkInsertArchived(ctx context.Context, readings []model.AcceptedReading, archivedAt time.Time) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	stamp := formatTime(archivedAt)
	var total int64
	for start := 0; start < len(readings); start += batchSize {
		end := min(start+batchSize, len(readings))
		chunk := readings[start:end]

		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*6)
		for _, r := range chunk {
			values = append(values, "("+placeholders(6)+")")
			args = append(args, r.ID, r.NodeID, r.TypeID, r.Value, formatTime(r.ObservedAt), stamp)
		}

		res, err := c.exec(
			ctx,
			`INSERT INTO archived_readings (origin_id, node_id, type_id, value, observed_at, archived_at) VALUES `+strings.Join(values, ", ")+`;`,
			args...,
		)
		if err != nil {
			return total, fmt.Errorf("insert archived readings: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("insert archived readings: %w", err)
		}
		total += n
	}
	return total, nil
}

// DeleteAcceptedByIDs removes the listed accepted readings and returns how many were deleted.
func (c conn) DeleteAcceptedByIDs(ctx context.Context, ids []int64) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	var total int64
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		res, err := c.exec(ctx, `DELETE FROM readings WHERE id IN (`+placeholders(len(chunk))+`);`, args...)
		if err != nil {
			return total, fmt.Errorf("delete accepted readings: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("delete accepted readings: %w", err)
		}
		total += n
	}
	return total, nil
}

func scanAccepted(row rowScanner) (model.AcceptedReading, error) {
	var r model.AcceptedReading
	var observedAt, receivedAt string
	if err := row.Scan(&r.ID, &r.NodeID, &r.TypeID, &r.Value, &observedAt, &receivedAt); err != nil {
		return model.AcceptedReading{}, fmt.Errorf("scan accepted reading: %w", err)
	}
	r.ObservedAt = parseTime(observedAt)
	r.ReceivedAt = parseTime(receivedAt)
	return r, nil
}
