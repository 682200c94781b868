package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sensornet/ingest-server/internal/model"
)

// ErrUnknownSortField is returned for sort names outside the permitted set.
var ErrUnknownSortField = errors.New("unknown sort field")

// SortField names a column a listing may be ordered by.
type SortField string

const (
	SortID         SortField = "id"
	SortNode       SortField = "node_id"
	SortType       SortField = "type_id"
	SortValue      SortField = "value"
	SortObservedAt SortField = "observed_at"
)

// ParseSortField maps a caller-supplied name onto a permitted sort field.
// The empty name selects the default ordering of the listing.
func ParseSortField(name string) (SortField, error) {
	switch f := SortField(strings.ToLower(strings.TrimSpace(name))); f {
	case "", SortID, SortNode, SortType, SortValue, SortObservedAt:
		return f, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownSortField, name)
	}
}

// ReadingFilter selects, orders and pages a reading listing. Nil fields do not filter.
type ReadingFilter struct {
	NodeID   *int64
	TypeID   *int64
	From     *time.Time
	To       *time.Time
	MinValue *float64
	MaxValue *float64
	Sort     SortField
	Desc     bool
	Limit    int
	Offset   int
}

// listing describes one readings table for the generic filter builder.
type listing struct {
	table       string
	columns     string
	defaultSort SortField
	sortable    map[SortField]string
}

var (
	acceptedListing = listing{
		table:       "readings",
		columns:     "id, node_id, type_id, value, observed_at, received_at",
		defaultSort: SortID,
		sortable: map[SortField]string{
			SortID: "id", SortNode: "node_id", SortType: "type_id", SortValue: "value", SortObservedAt: "observed_at",
		},
	}
	archivedListing = listing{
		table:       "archived_readings",
		columns:     "id, origin_id, node_id, type_id, value, observed_at, archived_at",
		defaultSort: SortID,
		sortable: map[SortField]string{
			SortID: "id", SortNode: "node_id", SortType: "type_id", SortValue: "value", SortObservedAt: "observed_at",
		},
	}
	rejectedListing = listing{
		table:       "rejected_readings",
		columns:     "node_id, type_id, value, observed_at, reason, recorded_at",
		defaultSort: SortObservedAt,
		sortable: map[SortField]string{
			SortNode: "node_id", SortType: "type_id", SortValue: "value", SortObservedAt: "observed_at",
		},
	}
)

func (l listing) build(f ReadingFilter) (where string, order string, args []any, err error) {
	var clauses []string
	if f.NodeID != nil {
		clauses = append(clauses, "node_id = ?")
		args = append(args, *f.NodeID)
	}
	if f.TypeID != nil {
		clauses = append(clauses, "type_id = ?")
		args = append(args, *f.TypeID)
	}
	if f.From != nil {
		clauses = append(clauses, "observed_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "observed_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	if f.MinValue != nil {
		clauses = append(clauses, "value >= ?")
		args = append(args, *f.MinValue)
	}
	if f.MaxValue != nil {
		clauses = append(clauses, "value <= ?")
		args = append(args, *f.MaxValue)
	}
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	sort := f.Sort
	if sort == "" {
		sort = l.defaultSort
	}
	column, ok := l.sortable[sort]
	if !ok {
		return "", "", nil, fmt.Errorf("%w %q for %s", ErrUnknownSortField, sort, l.table)
	}
	direction := "ASC"
	if f.Desc {
		direction = "DESC"
	}
	order = fmt.Sprintf(" ORDER BY %s %s", column, direction)
	if column != "id" && l.sortable[SortID] != "" {
		order += ", id " + direction
	}
	return where, order, args, nil
}

// page counts matching rows and returns the query selecting the requested slice.
func (c conn) page(ctx context.Context, l listing, f ReadingFilter) (string, []any, model.Page, error) {
	where, order, args, err := l.build(f)
	if err != nil {
		return "", nil, model.Page{}, err
	}

	var total int
	if err := c.queryRow(ctx, `SELECT COUNT(*) FROM `+l.table+where+`;`, args...).Scan(&total); err != nil {
		return "", nil, model.Page{}, fmt.Errorf("count %s: %w", l.table, err)
	}

	query := `SELECT ` + l.columns + ` FROM ` + l.table + where + order
	limit, offset := f.Limit, f.Offset
	if limit > 0 {
		if offset < 0 {
			offset = 0
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	} else {
		limit, offset = total, 0
	}

	info := model.Page{TotalItems: total, TotalPages: 1, CurrentPage: 1, Limit: limit, Offset: offset}
	if limit > 0 {
		info.TotalPages = (total + limit - 1) / limit
		info.CurrentPage = offset/limit + 1
	}
	return query + ";", args, info, nil
}

// ListAccepted returns the accepted readings matching the filter.
func (c conn) ListAccepted(ctx context.Context, f ReadingFilter) ([]model.AcceptedReading, model.Page, error) {
	if err := c.ready(); err != nil {
		return nil, model.Page{}, err
	}

	query, args, info, err := c.page(ctx, acceptedListing, f)
	if err != nil {
		return nil, model.Page{}, err
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, model.Page{}, fmt.Errorf("query accepted readings: %w", err)
	}
	defer rows.Close()

	readings := []model.AcceptedReading{}
	for rows.Next() {
		r, err := scanAccepted(rows)
		if err != nil {
			return nil, model.Page{}, err
		}
		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, model.Page{}, fmt.Errorf("iterate accepted readings: %w", err)
	}
	return readings, info, nil
}

// ListArchived returns the archived readings matching the filter.
func (c conn) ListArchived(ctx context.Context, f ReadingFilter) ([]model.ArchivedReading, model.Page, error) {
	if err := c.ready(); err != nil {
		return nil, model.Page{}, err
	}

	query, args, info, err := c.page(ctx, archivedListing, f)
	if err != nil {
		return nil, model.Page{}, err
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, model.Page{}, fmt.Errorf("query archived readings: %w", err)
	}
	defer rows.Close()

	readings := []model.ArchivedReading{}
	for rows.Next() {
		var (
			r          model.ArchivedReading
			observedAt string
			archivedAt string
		)
		if err := rows.Scan(&r.ID, &r.OriginID, &r.NodeID, &r.TypeID, &r.Value, &observedAt, &archivedAt); err != nil {
			return nil, model.Page{}, fmt.Errorf("scan archived reading: %w", err)
		}
		r.ObservedAt = parseTime(observedAt)
		r.ArchivedAt = parseTime(archivedAt)
		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, model.Page{}, fmt.Errorf("iterate archived readings: %w", err)
	}
	return readings, info, nil
}

// ListRejected returns the rejected readings matching the filter.
func (c conn) ListRejected(ctx context.Context, f ReadingFilter) ([]model.RejectedReading, model.Page, error) {
	if err := c.ready(); err != nil {
		return nil, model.Page{}, err
	}

	query, args, info, err := c.page(ctx, rejectedListing, f)
	if err != nil {
		return nil, model.Page{}, err
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, model.Page{}, fmt.Errorf("query rejected readings: %w", err)
	}
	defer rows.Close()

	readings := []model.RejectedReading{}
	for rows.Next() {
		var (
			r          model.RejectedReading
			observedAt string
			recordedAt string
		)
		if err := rows.Scan(&r.NodeID, &r.TypeID, &r.Value, &observedAt, &r.Reason, &recordedAt); err != nil {
			return nil, model.Page{}, fmt.Errorf("scan rejected reading: %w", err)
		}
		r.ObservedAt = parseTime(observedAt)
		r.RecordedAt = parseTime(recordedAt)
		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, model.Page{}, fmt.Errorf("iterate rejected readings: %w", err)
	}
	return readings, info, nil
}
