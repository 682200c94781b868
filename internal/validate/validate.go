// Package validate decides whether a decoded reading may be accepted.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"sensornet/ingest-server/internal/model"
	"sensornet/ingest-server/internal/registry"
)

// Rejection reasons stored with rejected readings.
const (
	ReasonInvalidType = "invalid type"
	ReasonInvalidNode = "invalid or inactive node"
)

// Result holds the outcome of both predicates for one reading.
type Result struct {
	TypeValid bool
	NodeValid bool
}

// Accepted reports whether both predicates passed.
func (r Result) Accepted() bool {
	return r.TypeValid && r.NodeValid
}

// Reason names every failed predicate, or returns "" when the reading is accepted.
func (r Result) Reason() string {
	var reasons []string
	if !r.TypeValid {
		reasons = append(reasons, ReasonInvalidType)
	}
	if !r.NodeValid {
		reasons = append(reasons, ReasonInvalidNode)
	}
	return strings.Join(reasons, "; ")
}

// Validator checks readings against the registry. It holds no state of its own.
type Validator struct {
	lookup registry.Lookup
	logger *slog.Logger
}

// New returns a Validator reading from lookup.
func New(lookup registry.Lookup, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{lookup: lookup, logger: logger}
}

// TypeValid reports whether a measurement type is registered under the wire code.
// The error is non-nil only when the registry could not be read.
func (v *Validator) TypeValid(ctx context.Context, code int64) (bool, error) {
	t, err := v.lookup.FindTypeByCode(ctx, code)
	if err != nil {
		return false, fmt.Errorf("lookup type %d: %w", code, err)
	}
	if t == nil {
		v.logger.Info("invalid measurement type", "type", code)
		return false, nil
	}
	return true, nil
}

// NodeValid reports whether the node exists and is active. The error is non-nil
// only when the registry could not be read.
func (v *Validator) NodeValid(ctx context.Context, nodeID int64) (bool, error) {
	if nodeID == model.NoNode {
		v.logger.Info("reading without node id")
		return false, nil
	}

	n, err := v.lookup.FindNodeByID(ctx, nodeID)
	if err != nil {
		return false, fmt.Errorf("lookup node %d: %w", nodeID, err)
	}
	switch {
	case n == nil:
		v.logger.Info("unknown node", "node", nodeID)
		return false, nil
	case !n.Active:
		v.logger.Info("inactive node", "node", nodeID)
		return false, nil
	}
	return true, nil
}

// Check evaluates both predicates. Neither short-circuits the other so a reading
// failing both records both reasons.
func (v *Validator) Check(ctx context.Context, r model.Reading) (Result, error) {
	var (
		res Result
		err error
	)
	if res.TypeValid, err = v.TypeValid(ctx, r.TypeID); err != nil {
		return Result{}, err
	}
	if res.NodeValid, err = v.NodeValid(ctx, r.NodeID); err != nil {
		return Result{}, err
	}
	return res, nil
}
