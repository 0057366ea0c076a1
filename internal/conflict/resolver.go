// Package conflict detects and settles divergences between local and remote
// asset state. Custody divergence is never auto-resolved; only metadata-only
// drift is settled automatically, by strict timestamp comparison.
package conflict

import (
	"time"

	"github.com/toole-brendan/handreceipt-custody/internal/db"
	apperrors "github.com/toole-brendan/handreceipt-custody/internal/errors"
	"github.com/toole-brendan/handreceipt-custody/internal/logging"
	"github.com/toole-brendan/handreceipt-custody/internal/models"
)

// Outcome is the result of reconciling one remote delta.
type Outcome string

const (
	// OutcomeApplied means the remote snapshot was written locally.
	OutcomeApplied Outcome = "applied"
	// OutcomeKeptLocal means the local snapshot won automatically.
	OutcomeKeptLocal Outcome = "kept_local"
	// OutcomeConflicted means a pending conflict was recorded and the remote
	// snapshot was deferred for a human.
	OutcomeConflicted Outcome = "conflicted"
	// OutcomeDeferred means an earlier pending conflict already blocks the
	// asset, so the delta was dropped without a new record.
	OutcomeDeferred Outcome = "deferred"
)

// Resolver owns conflict detection and resolution policy.
type Resolver struct {
	store *db.Store
	now   func() time.Time
}

// NewResolver creates a resolver over the store.
func NewResolver(store *db.Store) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// SetClock replaces the resolver's time source. Test hook.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Reconcile folds one remote asset snapshot into local state.
//
// A clean local asset always takes the remote snapshot. A locally dirty
// asset takes it only when the divergence is metadata-only, and then the
// strictly newer side wins; any custody divergence becomes a pending
// conflict instead.
func (r *Resolver) Reconcile(remote *models.Asset) (Outcome, error) {
	local, err := r.store.GetAsset(remote.ID)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return "", err
		}
		local = nil
	}

	if local == nil {
		return r.applyRemote(remote)
	}

	if local.SyncStatus == models.SyncStatusSynced {
		// The row itself is clean, but an unacknowledged operation may still
		// carry a custody change the authority has not seen.
		pendingOps, err := r.store.PendingOperationIDs(remote.ID)
		if err != nil {
			return "", err
		}
		if len(pendingOps) > 0 && custodyDiverges(local, remote) {
			if err := r.recordConcurrentEdit(local, remote, pendingOps,
				"remote custody update overlaps an unacknowledged operation"); err != nil {
				return "", err
			}
			return OutcomeConflicted, nil
		}
		return r.applyRemote(remote)
	}

	if local.SyncStatus == models.SyncStatusConflicted {
		logging.Debug("Delta deferred behind pending conflict", map[string]interface{}{
			"asset_id": remote.ID,
		})
		return OutcomeDeferred, nil
	}

	// Local has unsynced changes.
	if custodyDiverges(local, remote) {
		pendingOps, err := r.store.PendingOperationIDs(remote.ID)
		if err != nil {
			return "", err
		}
		if err := r.recordConcurrentEdit(local, remote, pendingOps,
			"local pending changes and remote update touch custody state"); err != nil {
			return "", err
		}
		return OutcomeConflicted, nil
	}

	// Metadata-only drift: strictly newer side wins, ties keep local.
	if local.UpdatedAt >= remote.UpdatedAt {
		return OutcomeKeptLocal, nil
	}
	return r.applyRemote(remote)
}

// recordConcurrentEdit raises a pending conflict carrying both snapshots and
// the local operations a remote-wins resolution must discard.
func (r *Resolver) recordConcurrentEdit(local, remote *models.Asset,
	pendingOps []string, detail string) error {

	if err := r.store.RecordConflict(&models.Conflict{
		AssetID: remote.ID,
		Data: models.ConflictData{
			Kind:         models.ConflictKindConcurrentEdit,
			Local:        local,
			Remote:       remote,
			OperationIDs: pendingOps,
			Detail:       detail,
		},
	}); err != nil {
		return err
	}
	logging.Warn("Concurrent custody edit detected", map[string]interface{}{
		"asset_id":   remote.ID,
		"operations": len(pendingOps),
	})
	return nil
}

func (r *Resolver) applyRemote(remote *models.Asset) (Outcome, error) {
	cp := remote.Clone()
	cp.SyncStatus = models.SyncStatusSynced
	if err := r.store.UpsertAsset(cp); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// custodyDiverges reports whether the two snapshots disagree on any field
// that records who holds the asset, where, or in what state. These fields
// are exactly the ones policy forbids auto-resolving.
func custodyDiverges(local, remote *models.Asset) bool {
	if local.Status != remote.Status {
		return true
	}
	if local.Location != remote.Location {
		return true
	}
	if local.LastScanned != remote.LastScanned {
		return true
	}
	return local.Metadata[models.MetadataKeyHolder] != remote.Metadata[models.MetadataKeyHolder]
}

// RecordVerificationFailure raises a conflict for a provisionally accepted
// scan that failed re-verification against the authoritative root.
func (r *Resolver) RecordVerificationFailure(asset *models.Asset, leafHash, detail string) error {
	return r.store.RecordConflict(&models.Conflict{
		AssetID: asset.ID,
		Data: models.ConflictData{
			Kind:   models.ConflictKindVerificationFailed,
			Local:  asset,
			Detail: detail + " (leaf " + leafHash + ")",
		},
	})
}

// Resolve settles a pending conflict with an explicit decision. merged is
// required for ResolutionMerged and ignored otherwise.
func (r *Resolver) Resolve(conflictID string, resolution models.ResolutionType,
	merged *models.Asset) error {

	c, err := r.store.GetConflict(conflictID)
	if err != nil {
		return err
	}
	if c.Status != models.ConflictStatusPending {
		return apperrors.Newf(apperrors.ErrInvalid, "conflict %s is already %s",
			conflictID, c.Status)
	}

	var apply *models.Asset
	var discardOps []string

	switch resolution {
	case models.ResolutionLocalWins:
		if c.Data.Local == nil {
			return apperrors.New(apperrors.ErrInvalid, "conflict has no local snapshot")
		}
		apply = c.Data.Local.Clone()
		apply.Touch(r.now())

	case models.ResolutionRemoteWins:
		if c.Data.Remote == nil {
			return apperrors.New(apperrors.ErrInvalid, "conflict has no remote snapshot")
		}
		apply = c.Data.Remote.Clone()
		apply.SyncStatus = models.SyncStatusSynced
		// The remote snapshot supersedes whatever the discarded operations
		// would have submitted; they fail instead of resurfacing.
		discardOps = c.Data.OperationIDs

	case models.ResolutionMerged:
		if merged == nil {
			return apperrors.New(apperrors.ErrInvalid, "merged resolution needs an asset")
		}
		apply = merged.Clone()
		apply.Touch(r.now())

	case models.ResolutionManualOverride:
		// The operator vouches for local state: reinstate it as dirty so it
		// re-enters submission from scratch.
		if c.Data.Local != nil {
			apply = c.Data.Local.Clone()
			delete(apply.Metadata, models.MetadataKeyUnverified)
			apply.Touch(r.now())
		}

	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown resolution %q", resolution)
	}

	if err := r.store.ApplyResolution(conflictID, models.ConflictStatusResolved,
		resolution, apply, discardOps); err != nil {
		return err
	}

	if resolution == models.ResolutionManualOverride {
		// Re-open the exhausted or rejected operations with a fresh retry
		// budget; the operator's decision restarts delivery from scratch.
		for _, opID := range c.Data.OperationIDs {
			if err := r.store.ReinstateOperation(opID); err != nil &&
				!apperrors.Is(err, apperrors.ErrNotFound) {
				return err
			}
		}
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": conflictID,
		"asset_id":    c.AssetID,
		"resolution":  resolution,
	})
	return nil
}

// Ignore closes a conflict without changing any asset state.
func (r *Resolver) Ignore(conflictID string) error {
	return r.store.ApplyResolution(conflictID, models.ConflictStatusIgnored, "", nil, nil)
}
