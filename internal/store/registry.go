package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"sensornet/ingest-server/internal/model"
)

// FindTypeByCode returns the measurement type registered under the wire code, or nil when none is.
func (c conn) FindTypeByCode(ctx context.Context, code int64) (*model.MeasurementType, error) {
	return c.findType(ctx, `SELECT id, type_code, symbol, name FROM measurement_types WHERE type_code = ?;`, code)
}

// FindTypeByID returns the measurement type with the storage id, or nil when none exists.
func (c conn) FindTypeByID(ctx context.Context, id int64) (*model.MeasurementType, error) {
	return c.findType(ctx, `SELECT id, type_code, symbol, name FROM measurement_types WHERE id = ?;`, id)
}

func (c conn) findType(ctx context.Context, query string, arg int64) (*model.MeasurementType, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var t model.MeasurementType
	err := c.queryRow(ctx, query, arg).Scan(&t.ID, &t.TypeCode, &t.Symbol, &t.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find measurement type: %w", err)
	}
	return &t, nil
}

// ListTypes returns every registered measurement type ordered by wire code.
func (c conn) ListTypes(ctx context.Context) ([]model.MeasurementType, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	rows, err := c.query(ctx, `SELECT id, type_code, symbol, name FROM measurement_types ORDER BY type_code;`)
	if err != nil {
		return nil, fmt.Errorf("query measurement types: %w", err)
	}
	defer rows.Close()

	types := []model.MeasurementType{}
	for rows.Next() {
		var t model.MeasurementType
		if err := rows.Scan(&t.ID, &t.TypeCode, &t.Symbol, &t.Name); err != nil {
			return nil, fmt.Errorf("scan measurement type: %w", err)
		}
		types = append(types, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate measurement types: %w", err)
	}
	return types, nil
}

// UpsertType inserts a measurement type or updates the one sharing its wire code.
func (c conn) UpsertType(ctx context.Context, t model.MeasurementType) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	var id int64
	err := c.queryRow(
		ctx,
		`INSERT INTO measurement_types (type_code, symbol, name) VALUES (?, ?, ?)
		 ON CONFLICT(type_code) DO UPDATE SET symbol = excluded.symbol, name = excluded.name
		 RETURNING id;`,
		t.TypeCode,
		t.Symbol,
		t.Name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert measurement type: %w", err)
	}
	return id, nil
}

const nodeColumns = `id, identifier, description, battery_percent, latitude, longitude, is_active`

// FindNodeByID returns the node with the id, or nil when none exists.
func (c conn) FindNodeByID(ctx context.Context, id int64) (*model.Node, error) {
	return c.findNode(ctx, id, false)
}

// LockNode reads the node like FindNodeByID. On PostgreSQL the row stays locked
// until the surrounding transaction ends; SQLite transactions already hold the
// database write lock.
func (tx *Tx) LockNode(ctx context.Context, id int64) (*model.Node, error) {
	return tx.findNode(ctx, id, tx.dialect == postgresDialect)
}

func (c conn) findNode(ctx context.Context, id int64, forUpdate bool) (*model.Node, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	n, err := scanNode(c.queryRow(ctx, query+";", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find node %d: %w", id, err)
	}

	rows, err := c.query(ctx, `SELECT type_id FROM node_types WHERE node_id = ? ORDER BY type_id;`, id)
	if err != nil {
		return nil, fmt.Errorf("query node %d types: %w", id, err)
	}
	defer rows.Close()

	n.TypeIDs = []int64{}
	for rows.Next() {
		var typeID int64
		if err := rows.Scan(&typeID); err != nil {
			return nil, fmt.Errorf("scan node type: %w", err)
		}
		n.TypeIDs = append(n.TypeIDs, typeID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node types: %w", err)
	}
	return &n, nil
}

// ListNodes returns the nodes whose active flag matches, ordered by id.
func (c conn) ListNodes(ctx context.Context, active bool) ([]model.Node, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	rows, err := c.query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE is_active = ? ORDER BY id;`, boolToInt(active))
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}

	nodes := []model.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	rows.Close()

	// The SQLite pool holds a single connection, so the node rows must be
	// closed before the association query runs.
	typeIDs, err := c.nodeTypeIDs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		nodes[i].TypeIDs = typeIDs[nodes[i].ID]
		if nodes[i].TypeIDs == nil {
			nodes[i].TypeIDs = []int64{}
		}
	}
	return nodes, nil
}

func (c conn) nodeTypeIDs(ctx context.Context) (map[int64][]int64, error) {
	rows, err := c.query(ctx, `SELECT node_id, type_id FROM node_types ORDER BY node_id, type_id;`)
	if err != nil {
		return nil, fmt.Errorf("query node types: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var nodeID, typeID int64
		if err := rows.Scan(&nodeID, &typeID); err != nil {
			return nil, fmt.Errorf("scan node type: %w", err)
		}
		out[nodeID] = append(out[nodeID], typeID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node types: %w", err)
	}
	return out, nil
}

// UpsertNode inserts or updates a node keyed by id (when set) or identifier,
// then replaces its measurement type associations.
func (c conn) UpsertNode(ctx context.Context, n model.Node) (int64, error) {
	return c.upsertNode(ctx, n, true)
}

// seedNode is UpsertNode for reference data: a node that already exists keeps its active flag.
func (c conn) seedNode(ctx context.Context, n model.Node) (int64, error) {
	return c.upsertNode(ctx, n, false)
}

func (c conn) upsertNode(ctx context.Context, n model.Node, overwriteActive bool) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	key := "identifier"
	columns := []string{"identifier", "description", "battery_percent", "latitude", "longitude", "is_active"}
	args := []any{n.Identifier, n.Description, n.BatteryPercent, nullFloat(n.Latitude), nullFloat(n.Longitude), boolToInt(n.Active)}
	updates := []string{
		"description = excluded.description",
		"battery_percent = excluded.battery_percent",
		"latitude = excluded.latitude",
		"longitude = excluded.longitude",
	}
	if n.ID != 0 {
		key = "id"
		columns = append([]string{"id"}, columns...)
		args = append([]any{n.ID}, args...)
		updates = append([]string{"identifier = excluded.identifier"}, updates...)
	}
	if overwriteActive {
		updates = append(updates, "is_active = excluded.is_active")
	}

	var id int64
	err := c.queryRow(
		ctx,
		fmt.Sprintf(
			`INSERT INTO nodes (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s RETURNING id;`,
			strings.Join(columns, ", "),
			placeholders(len(columns)),
			key,
			strings.Join(updates, ", "),
		),
		args...,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert node %q: %w", n.Identifier, err)
	}

	if _, err := c.exec(ctx, `DELETE FROM node_types WHERE node_id = ?;`, id); err != nil {
		return 0, fmt.Errorf("clear node types: %w", err)
	}
	for _, typeID := range n.TypeIDs {
		if _, err := c.exec(ctx, `INSERT INTO node_types (node_id, type_id) VALUES (?, ?);`, id, typeID); err != nil {
			return 0, fmt.Errorf("link node %d to type %d: %w", id, typeID, err)
		}
	}

	return id, nil
}

// SetNodeActive flips the node's active flag.
func (c conn) SetNodeActive(ctx context.Context, nodeID int64, active bool) error {
	if err := c.ready(); err != nil {
		return err
	}

	res, err := c.exec(ctx, `UPDATE nodes SET is_active = ? WHERE id = ?;`, boolToInt(active), nodeID)
	if err != nil {
		return fmt.Errorf("set node %d active: %w", nodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set node %d active: %w", nodeID, err)
	}
	if n == 0 {
		return fmt.Errorf("node %d: %w", nodeID, ErrNotFound)
	}
	return nil
}

// syncNodeSequence realigns the PostgreSQL identity after nodes were inserted with explicit ids.
func (c conn) syncNodeSequence(ctx context.Context) error {
	if c.dialect != postgresDialect {
		return nil
	}
	if _, err := c.exec(ctx, `SELECT setval(pg_get_serial_sequence('nodes', 'id'), COALESCE((SELECT MAX(id) FROM nodes), 0) + 1, false);`); err != nil {
		return fmt.Errorf("sync node sequence: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (model.Node, error) {
	var (
		n        model.Node
		lat, lon sql.NullFloat64
		active   int64
	)
	if err := row.Scan(&n.ID, &n.Identifier, &n.Description, &n.BatteryPercent, &lat, &lon, &active); err != nil {
		return model.Node{}, err
	}
	if lat.Valid {
		n.Latitude = &lat.Float64
	}
	if lon.Valid {
		n.Longitude = &lon.Float64
	}
	n.Active = active != 0
	return n, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
