package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toole-brendan/handreceipt-custody/internal/conflict"
	"github.com/toole-brendan/handreceipt-custody/internal/crypto"
	"github.com/toole-brendan/handreceipt-custody/internal/db"
	"github.com/toole-brendan/handreceipt-custody/internal/merkle"
	"github.com/toole-brendan/handreceipt-custody/internal/models"
	"github.com/toole-brendan/handreceipt-custody/internal/queue"
	"github.com/toole-brendan/handreceipt-custody/internal/remote"
	syncpkg "github.com/toole-brendan/handreceipt-custody/internal/sync"
)

// stubAuthority acknowledges everything and serves a fixed root.
type stubAuthority struct{}

func (stubAuthority) SubmitOperation(ctx context.Context, op *models.Operation) (*remote.SubmitResponse, error) {
	return &remote.SubmitResponse{Status: remote.SubmitAcknowledged}, nil
}

func (stubAuthority) FetchDeltas(ctx context.Context, since string) (*remote.DeltaBatch, error) {
	return &remote.DeltaBatch{}, nil
}

func (stubAuthority) FetchMerkleRoot(ctx context.Context) (string, error) {
	return merkle.HashLeaf([]byte("root")), nil
}

func (stubAuthority) FetchProof(ctx context.Context, leafHash string) ([]merkle.ProofStep, error) {
	return nil, nil
}

func testEngine(t *testing.T) (*syncpkg.Engine, *db.Store) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB).Up())

	store := db.NewStore(database.DB, crypto.DeriveKey("test-device"))
	q := queue.NewManager(store, queue.DefaultConfig())
	r := conflict.NewResolver(store)
	return syncpkg.NewEngine(store, q, r, stubAuthority{}, merkle.DefaultMaxDepth), store
}

func TestStartStopIdempotent(t *testing.T) {
	engine, _ := testEngine(t)
	s := New(engine, DefaultConfig())

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // second start is a no-op
	s.Stop()
	s.Stop() // second stop is a no-op
}

func TestDirtyCheckTriggersEarlySync(t *testing.T) {
	engine, store := testEngine(t)
	s := New(engine, Config{
		SyncInterval:  time.Hour, // never fires during the test
		DirtyInterval: 10 * time.Millisecond,
		CycleTimeout:  5 * time.Second,
	})

	require.NoError(t, store.UpsertAsset(&models.Asset{
		ID:         "a-1",
		Name:       "a-1",
		Status:     models.AssetStatusActive,
		SyncStatus: models.SyncStatusPending,
	}))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		dirty, err := engine.Dirty()
		return err == nil && !dirty
	}, 5*time.Second, 20*time.Millisecond, "dirty state should trigger a cycle")

	assert.False(t, s.LastSync().IsZero())
}

func TestOfflineGateBlocksDirtySync(t *testing.T) {
	engine, store := testEngine(t)
	s := New(engine, Config{
		SyncInterval:  time.Hour,
		DirtyInterval: 10 * time.Millisecond,
	})

	require.NoError(t, store.UpsertAsset(&models.Asset{
		ID:         "a-1",
		Name:       "a-1",
		Status:     models.AssetStatusActive,
		SyncStatus: models.SyncStatusPending,
	}))

	s.Start(context.Background())
	defer s.Stop()
	s.SetOnline(context.Background(), false)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, s.IsOnline())

	// Flipping online runs a cycle immediately.
	s.SetOnline(context.Background(), true)
	require.Eventually(t, func() bool {
		dirty, err := engine.Dirty()
		return err == nil && !dirty
	}, 5*time.Second, 20*time.Millisecond)
}
