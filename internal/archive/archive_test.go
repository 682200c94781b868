package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensornet/ingest-server/internal/model"
	"sensornet/ingest-server/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newStore returns a store holding active node 7 with five accepted readings and
// active node 8 with one.
func newStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(ctx))

	require.NoError(t, s.ApplySeed(ctx, store.Seed{
		Types: []model.MeasurementType{{TypeCode: 3, Symbol: "C", Name: "temperatura"}},
		Nodes: []store.SeedNode{
			{ID: 7, Identifier: "nodo-7", TypeCodes: []int64{3}},
			{ID: 8, Identifier: "nodo-8", TypeCodes: []int64{3}},
		},
	}))

	for i := 0; i < 5; i++ {
		_, err := s.InsertAccepted(ctx, model.Reading{
			NodeID:     7,
			TypeID:     3,
			Value:      20 + float64(i),
			ObservedAt: time.Unix(1700000000+int64(i), 0).UTC(),
		})
		require.NoError(t, err)
	}
	_, err = s.InsertAccepted(ctx, model.Reading{NodeID: 8, TypeID: 3, Value: 1, ObservedAt: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, err)
	return s
}

func archivedFor(t *testing.T, s *store.Store, node int64) []model.ArchivedReading {
	t.Helper()
	readings, _, err := s.ListArchived(context.Background(), store.ReadingFilter{NodeID: &node})
	require.NoError(t, err)
	return readings
}

func nodeActive(t *testing.T, s *store.Store, id int64) bool {
	t.Helper()
	n, err := s.FindNodeByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, n)
	return n.Active
}

func TestDeactivate_MovesEveryReading(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	before, err := s.SelectAcceptedByNode(ctx, 7)
	require.NoError(t, err)
	require.Len(t, before, 5)

	res, err := New(FromStore(s), quietLogger()).Deactivate(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Archived)

	after, err := s.SelectAcceptedByNode(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, after)
	assert.False(t, nodeActive(t, s, 7))

	archived := archivedFor(t, s, 7)
	require.Len(t, archived, 5)
	for i, a := range archived {
		assert.Equal(t, before[i].ID, a.OriginID)
		assert.Equal(t, before[i].Reading, a.Reading)
	}

	// other nodes are untouched
	other, err := s.SelectAcceptedByNode(ctx, 8)
	require.NoError(t, err)
	assert.Len(t, other, 1)
	assert.True(t, nodeActive(t, s, 8))
}

func TestDeactivate_Errors(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := New(FromStore(s), quietLogger())

	_, err := a.Deactivate(ctx, 99)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = a.Deactivate(ctx, 7)
	require.NoError(t, err)

	_, err = a.Deactivate(ctx, 7)
	assert.ErrorIs(t, err, ErrNodeInactive)
	assert.Len(t, archivedFor(t, s, 7), 5)
}

// faultyTx fails the delete step after the archive copies were written.
type faultyTx struct {
	Tx
	err error
}

func (f faultyTx) DeleteAcceptedByIDs(context.Context, []int64) (int64, error) {
	return 0, f.err
}

type faultyRunner struct {
	Runner
	err error
}

func (f faultyRunner) InTx(ctx context.Context, fn func(Tx) error) error {
	return f.Runner.InTx(ctx, func(tx Tx) error { return fn(faultyTx{Tx: tx, err: f.err}) })
}

func TestDeactivate_RollsBackOnFault(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("disk full")

	_, err := New(faultyRunner{Runner: FromStore(s), err: boom}, quietLogger()).Deactivate(ctx, 7)
	assert.ErrorIs(t, err, boom)

	readings, err := s.SelectAcceptedByNode(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, readings, 5)
	assert.Empty(t, archivedFor(t, s, 7))
	assert.True(t, nodeActive(t, s, 7))
}

func TestDeactivate_ConcurrentCallsArchiveOnce(t *testing.T) {
	s := newStore(t)
	a := New(FromStore(s), quietLogger())

	const callers = 4
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		inactive int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Deactivate(context.Background(), 7)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrNodeInactive):
				inactive++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, inactive)
	assert.Len(t, archivedFor(t, s, 7), 5)
	assert.Empty(t, a.locks.locks)
}

func TestReactivate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := New(FromStore(s), quietLogger())

	_, err := a.Deactivate(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, a.Reactivate(ctx, 7))
	assert.True(t, nodeActive(t, s, 7))

	readings, err := s.SelectAcceptedByNode(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, readings)
	assert.Len(t, archivedFor(t, s, 7), 5)

	require.NoError(t, a.Reactivate(ctx, 7))
	assert.ErrorIs(t, a.Reactivate(ctx, 99), ErrNodeNotFound)
}

func TestDeactivate_SurvivesReseeding(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := New(FromStore(s), quietLogger()).Deactivate(ctx, 7)
	require.NoError(t, err)

	// startup applies the same seed again
	require.NoError(t, s.ApplySeed(ctx, store.Seed{
		Types: []model.MeasurementType{{TypeCode: 3, Symbol: "C", Name: "temperatura"}},
		Nodes: []store.SeedNode{
			{ID: 7, Identifier: "nodo-7", TypeCodes: []int64{3}},
			{ID: 8, Identifier: "nodo-8", TypeCodes: []int64{3}},
		},
	}))

	assert.False(t, nodeActive(t, s, 7))
	assert.True(t, nodeActive(t, s, 8))
}
