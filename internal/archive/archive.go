// Package archive moves a node's accepted readings to cold storage when the node is
// deactivated, and reactivates nodes.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sensornet/ingest-server/internal/metrics"
	"sensornet/ingest-server/internal/model"
	"sensornet/ingest-server/internal/store"
)

var (
	// ErrNodeNotFound is returned when the target node does not exist.
	ErrNodeNotFound = errors.New("node not found")
	// ErrNodeInactive is returned when archiving a node that is already inactive.
	ErrNodeInactive = errors.New("node already inactive")
)

// Tx is the unit of work an archival runs in.
type Tx interface {
	LockNode(ctx context.Context, id int64) (*model.Node, error)
	SelectAcceptedByNode(ctx context.Context, nodeID int64) ([]model.AcceptedReading, error)
	BulkInsertArchived(ctx context.Context, readings []model.AcceptedReading, archivedAt time.Time) (int64, error)
	DeleteAcceptedByIDs(ctx context.Context, ids []int64) (int64, error)
	SetNodeActive(ctx context.Context, nodeID int64, active bool) error
}

// Runner executes fn in one transaction, committing only when fn returns nil.
type Runner interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

type storeRunner struct {
	s *store.Store
}

// FromStore adapts a Store to Runner.
func FromStore(s *store.Store) Runner {
	return storeRunner{s: s}
}

func (r storeRunner) InTx(ctx context.Context, fn func(Tx) error) error {
	return r.s.WithTx(ctx, func(tx *store.Tx) error { return fn(tx) })
}

// Result summarizes one completed archival.
type Result struct {
	NodeID     int64     `json:"node_id"`
	Archived   int64     `json:"archived"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Archiver serializes archival and reactivation per node.
type Archiver struct {
	runner Runner
	logger *slog.Logger
	locks  nodeLocks
	now    func() time.Time
}

// New returns an Archiver running its work through runner.
func New(runner Runner, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{runner: runner, logger: logger, now: time.Now}
}

// Deactivate copies every accepted reading of the node into the archive, deletes the
// originals by id and marks the node inactive, all in one transaction.
func (a *Archiver) Deactivate(ctx context.Context, nodeID int64) (Result, error) {
	unlock := a.locks.lock(nodeID)
	defer unlock()

	res := Result{NodeID: nodeID, ArchivedAt: a.now().UTC()}
	err := a.runner.InTx(ctx, func(tx Tx) error {
		node, err := tx.LockNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("node %d: %w", nodeID, ErrNodeNotFound)
		}
		if !node.Active {
			return fmt.Errorf("node %d: %w", nodeID, ErrNodeInactive)
		}

		readings, err := tx.SelectAcceptedByNode(ctx, nodeID)
		if err != nil {
			return err
		}

		if len(readings) > 0 {
			archived, err := tx.BulkInsertArchived(ctx, readings, res.ArchivedAt)
			if err != nil {
				return err
			}
			if archived != int64(len(readings)) {
				return fmt.Errorf("archive node %d: wrote %d of %d readings", nodeID, archived, len(readings))
			}

			ids := make([]int64, len(readings))
			for i, r := range readings {
				ids[i] = r.ID
			}
			deleted, err := tx.DeleteAcceptedByIDs(ctx, ids)
			if err != nil {
				return err
			}
			if deleted != int64(len(ids)) {
				return fmt.Errorf("archive node %d: deleted %d of %d readings", nodeID, deleted, len(ids))
			}
			res.Archived = archived
		}

		return tx.SetNodeActive(ctx, nodeID, false)
	})
	if err != nil {
		metrics.Archivals.WithLabelValues("failed").Inc()
		return Result{}, err
	}

	metrics.Archivals.WithLabelValues("ok").Inc()
	metrics.ReadingsArchived.Add(float64(res.Archived))
	a.logger.Info("node archived", "node", nodeID, "readings", res.Archived)
	return res, nil
}

// Reactivate marks the node active again. Archived readings stay archived.
func (a *Archiver) Reactivate(ctx context.Context, nodeID int64) error {
	unlock := a.locks.lock(nodeID)
	defer unlock()

	err := a.runner.InTx(ctx, func(tx Tx) error {
		node, err := tx.LockNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("node %d: %w", nodeID, ErrNodeNotFound)
		}
		if node.Active {
			return nil
		}
		return tx.SetNodeActive(ctx, nodeID, true)
	})
	if err != nil {
		return err
	}

	a.logger.Info("node reactivated", "node", nodeID)
	return nil
}

// nodeLocks hands out one mutex per node id, dropping it once no caller holds it.
type nodeLocks struct {
	mu    sync.Mutex
	locks map[int64]*nodeLock
}

type nodeLock struct {
	sync.Mutex
	refs int
}

func (l *nodeLocks) lock(id int64) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[int64]*nodeLock)
	}
	nl, ok := l.locks[id]
	if !ok {
		nl = &nodeLock{}
		l.locks[id] = nl
	}
	nl.refs++
	l.mu.Unlock()

	nl.Lock()
	return func() {
		nl.Unlock()

		l.mu.Lock()
		nl.refs--
		if nl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
