// Package registry defines the read-only view of configured measurement types
// and nodes that incoming readings are checked against.
package registry

import (
	"context"

	"sensornet/ingest-server/internal/model"
)

// Lookup resolves wire identifiers against the current registry. Both methods
// return nil without error when nothing matches; an error means the lookup
// itself failed.
type Lookup interface {
	FindTypeByCode(ctx context.Context, code int64) (*model.MeasurementType, error)
	FindNodeByID(ctx context.Context, id int64) (*model.Node, error)
}
