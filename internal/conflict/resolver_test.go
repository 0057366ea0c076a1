package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toole-brendan/handreceipt-custody/internal/crypto"
	"github.com/toole-brendan/handreceipt-custody/internal/db"
	apperrors "github.com/toole-brendan/handreceipt-custody/internal/errors"
	"github.com/toole-brendan/handreceipt-custody/internal/models"
)

func openTestStore(t *testing.T) *db.Store {
	t.Helper()

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.NewMigrator(database.DB).Up())
	return db.NewStore(database.DB, crypto.DeriveKey("test-device"))
}

func baseAsset(id string, updatedAt int64) *models.Asset {
	return &models.Asset{
		ID:          id,
		Name:        "M4 Carbine",
		Type:        "weapon",
		Status:      models.AssetStatusActive,
		Location:    "armory",
		LastScanned: 1000,
		Metadata:    map[string]string{models.MetadataKeyHolder: "sgt.smith"},
		CreatedAt:   1000,
		UpdatedAt:   updatedAt,
		SyncStatus:  models.SyncStatusSynced,
	}
}

func TestReconcileNewAssetApplies(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	remote := baseAsset("a-1", 2000)
	outcome, err := r.Reconcile(remote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
}

func TestReconcileCleanLocalTakesRemote(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	local := baseAsset("a-1", 2000)
	require.NoError(t, store.UpsertAsset(local))

	remote := baseAsset("a-1", 3000)
	remote.Location = "depot"
	remote.Metadata[models.MetadataKeyHolder] = "cpl.jones"

	outcome, err := r.Reconcile(remote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, "depot", got.Location)
	assert.Equal(t, "cpl.jones", got.Metadata[models.MetadataKeyHolder])
}

func TestReconcileCustodyDivergenceNeverAutoResolves(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	local := baseAsset("a-1", 5000)
	local.SyncStatus = models.SyncStatusPending
	local.Metadata[models.MetadataKeyHolder] = "cpl.jones"
	require.NoError(t, store.UpsertAsset(local))

	// Remote is newer, but holders disagree: newer must NOT win.
	remote := baseAsset("a-1", 9000)
	remote.Metadata[models.MetadataKeyHolder] = "pvt.doe"

	outcome, err := r.Reconcile(remote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflicted, outcome)

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, "cpl.jones", got.Metadata[models.MetadataKeyHolder])
	assert.Equal(t, models.SyncStatusConflicted, got.SyncStatus)

	conflicts, err := store.ListUnresolvedConflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictKindConcurrentEdit, conflicts[0].Data.Kind)
	require.NotNil(t, conflicts[0].Data.Remote)
	assert.Equal(t, "pvt.doe", conflicts[0].Data.Remote.Metadata[models.MetadataKeyHolder])
}

func TestReconcileQueuedOperationBlocksCustodyDelta(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	// Row is synced, but a transfer operation is still waiting for the
	// authority's acknowledgement.
	local := baseAsset("a-1", 5000)
	require.NoError(t, store.UpsertAsset(local))
	op := &models.Operation{
		Type:    models.OperationTransfer,
		AssetID: "a-1",
		Payload: models.TransferPayload{TransferID: "t-1", ScanTimestamp: "2026-08-30T10:00:00Z"},
	}
	require.NoError(t, store.EnqueueOperation(op))

	remote := baseAsset("a-1", 9000)
	remote.Metadata[models.MetadataKeyHolder] = "pvt.doe"

	outcome, err := r.Reconcile(remote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflicted, outcome)

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, "sgt.smith", got.Metadata[models.MetadataKeyHolder])

	conflicts, err := store.ListUnresolvedConflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictKindConcurrentEdit, conflicts[0].Data.Kind)
	assert.Equal(t, []string{op.ID}, conflicts[0].Data.OperationIDs)
}

func TestResolveRemoteWinsDiscardsPendingOperation(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	local := baseAsset("a-1", 5000)
	local.SyncStatus = models.SyncStatusPending
	require.NoError(t, store.UpsertAsset(local))
	op := &models.Operation{
		Type:    models.OperationTransfer,
		AssetID: "a-1",
		Payload: models.TransferPayload{TransferID: "t-1", ScanTimestamp: "2026-08-30T10:00:00Z"},
	}
	require.NoError(t, store.EnqueueOperation(op))

	remote := baseAsset("a-1", 9000)
	remote.Location = "depot"

	outcome, err := r.Reconcile(remote)
	require.NoError(t, err)
	require.Equal(t, OutcomeConflicted, outcome)

	conflicts, err := store.ListUnresolvedConflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, []string{op.ID}, conflicts[0].Data.OperationIDs)

	require.NoError(t, r.Resolve(conflicts[0].ID, models.ResolutionRemoteWins, nil))

	// The superseded operation fails instead of resurfacing once the
	// conflict stops blocking the asset.
	discarded, err := store.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusFailed, discarded.Status)

	ready, err := store.ListReadyOperations(10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, "depot", got.Location)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
}

func TestReconcileMetadataOnlyNewerRemoteWins(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	local := baseAsset("a-1", 5000)
	local.SyncStatus = models.SyncStatusPending
	local.Metadata["notes"] = "local note"
	require.NoError(t, store.UpsertAsset(local))

	remote := baseAsset("a-1", 9000)
	remote.Metadata["notes"] = "remote note"

	outcome, err := r.Reconcile(remote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, "remote note", got.Metadata["notes"])
}

func TestReconcileMetadataOnlyLocalNewerOrTieKeepsLocal(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	local := baseAsset("a-1", 9000)
	local.SyncStatus = models.SyncStatusPending
	local.Metadata["notes"] = "local note"
	require.NoError(t, store.UpsertAsset(local))

	remote := baseAsset("a-1", 9000)
	remote.Metadata["notes"] = "remote note"

	outcome, err := r.Reconcile(remote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeKeptLocal, outcome)

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, "local note", got.Metadata["notes"])
	assert.Equal(t, models.SyncStatusPending, got.SyncStatus)
}

func TestReconcileDefersBehindPendingConflict(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	local := baseAsset("a-1", 5000)
	require.NoError(t, store.UpsertAsset(local))
	require.NoError(t, store.RecordConflict(&models.Conflict{
		AssetID: "a-1",
		Data:    models.ConflictData{Kind: models.ConflictKindConcurrentEdit, Local: local},
	}))

	remote := baseAsset("a-1", 9000)
	remote.Location = "depot"

	outcome, err := r.Reconcile(remote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, "armory", got.Location)
}

func recordConcurrentEdit(t *testing.T, store *db.Store, r *Resolver) *models.Conflict {
	t.Helper()

	local := baseAsset("a-1", 5000)
	local.SyncStatus = models.SyncStatusPending
	require.NoError(t, store.UpsertAsset(local))

	remote := baseAsset("a-1", 9000)
	remote.Location = "depot"

	outcome, err := r.Reconcile(remote)
	require.NoError(t, err)
	require.Equal(t, OutcomeConflicted, outcome)

	conflicts, err := store.ListUnresolvedConflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	return conflicts[0]
}

func TestResolveLocalWins(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)
	r.SetClock(func() time.Time { return time.Unix(10_000, 0) })

	c := recordConcurrentEdit(t, store, r)

	require.NoError(t, r.Resolve(c.ID, models.ResolutionLocalWins, nil))

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, "armory", got.Location)
	assert.Equal(t, models.SyncStatusPending, got.SyncStatus, "local winner must re-sync")

	closed, err := store.GetConflict(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, closed.Status)
	assert.Equal(t, models.ResolutionLocalWins, closed.ResolutionType)
}

func TestResolveRemoteWins(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	c := recordConcurrentEdit(t, store, r)

	require.NoError(t, r.Resolve(c.ID, models.ResolutionRemoteWins, nil))

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, "depot", got.Location)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
}

func TestResolveMergedRequiresAsset(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	c := recordConcurrentEdit(t, store, r)

	err := r.Resolve(c.ID, models.ResolutionMerged, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	merged := baseAsset("a-1", 9000)
	merged.Location = "transit"
	require.NoError(t, r.Resolve(c.ID, models.ResolutionMerged, merged))

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, "transit", got.Location)
	assert.Equal(t, models.SyncStatusPending, got.SyncStatus)
}

func TestResolveManualOverrideReinstatesOperation(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	local := baseAsset("a-1", 5000)
	require.NoError(t, store.UpsertAsset(local))

	op := &models.Operation{
		Type:    models.OperationTransfer,
		AssetID: "a-1",
		Payload: models.TransferPayload{TransferID: "t-1", ScanTimestamp: "2026-08-30T10:00:00Z"},
	}
	require.NoError(t, store.EnqueueOperation(op))
	require.NoError(t, store.MarkOperation(op.ID, models.OperationStatusFailed))

	c := &models.Conflict{
		AssetID:        "a-1",
		ResolutionType: models.ResolutionManualOverride,
		Data: models.ConflictData{
			Kind:         models.ConflictKindSyncExhausted,
			Local:        local,
			OperationIDs: []string{op.ID},
		},
	}
	require.NoError(t, store.RecordConflict(c))

	require.NoError(t, r.Resolve(c.ID, models.ResolutionManualOverride, nil))

	reopened, err := store.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusPending, reopened.Status)
	assert.Equal(t, 0, reopened.RetryCount)

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, got.SyncStatus)
}

func TestResolveRejectsDoubleResolution(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	c := recordConcurrentEdit(t, store, r)
	require.NoError(t, r.Resolve(c.ID, models.ResolutionRemoteWins, nil))

	err := r.Resolve(c.ID, models.ResolutionRemoteWins, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestIgnoreClosesWithoutTouchingAsset(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store)

	c := recordConcurrentEdit(t, store, r)
	require.NoError(t, r.Ignore(c.ID))

	got, err := store.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, "armory", got.Location)

	closed, err := store.GetConflict(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusIgnored, closed.Status)
}
