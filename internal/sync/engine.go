// Package sync coordinates reconciliation between the local store and the
// remote authority: it refreshes the trusted Merkle root, drains the
// operation queue, pulls remote deltas through conflict detection, and
// re-verifies scans that committed offline.
package sync

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/toole-brendan/handreceipt-custody/internal/conflict"
	"github.com/toole-brendan/handreceipt-custody/internal/db"
	apperrors "github.com/toole-brendan/handreceipt-custody/internal/errors"
	"github.com/toole-brendan/handreceipt-custody/internal/logging"
	"github.com/toole-brendan/handreceipt-custody/internal/merkle"
	"github.com/toole-brendan/handreceipt-custody/internal/models"
	"github.com/toole-brendan/handreceipt-custody/internal/queue"
	"github.com/toole-brendan/handreceipt-custody/internal/remote"
)

// StateSyncedCounter records the store change counter as of the last
// completed sync; it backs the nothing-changed fast path.
const StateSyncedCounter = "synced_change_counter"

// Summary reports what one sync cycle did.
type Summary struct {
	Pushed       int
	Acknowledged int
	Rejected     int
	Deltas       int
	Conflicts    int
	Reverified   int
	// Offline is set when a transient network failure cut the cycle short.
	Offline bool
}

// Engine runs sync cycles. At most one cycle runs at a time; a second
// caller gets ErrSyncInProgress instead of queueing behind the first.
type Engine struct {
	store     *db.Store
	queue     *queue.Manager
	resolver  *conflict.Resolver
	authority remote.Authority
	maxDepth  int

	mu          sync.Mutex
	running     bool
	lastSummary *Summary
	lastErr     error

	now func() time.Time
}

// NewEngine wires a sync engine from its collaborators.
func NewEngine(store *db.Store, q *queue.Manager, r *conflict.Resolver,
	authority remote.Authority, maxDepth int) *Engine {

	if maxDepth <= 0 {
		maxDepth = merkle.DefaultMaxDepth
	}
	return &Engine{
		store:     store,
		queue:     q,
		resolver:  r,
		authority: authority,
		maxDepth:  maxDepth,
		now:       time.Now,
	}
}

// SetClock replaces the engine's time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// LastCycle returns the summary and error of the most recent completed
// cycle. Both are nil before the first cycle finishes.
func (e *Engine) LastCycle() (*Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSummary, e.lastErr
}

// Dirty reports whether local state changed since the last completed sync.
func (e *Engine) Dirty() (bool, error) {
	counter, err := e.store.ChangeCounter()
	if err != nil {
		return false, err
	}
	recorded, err := e.store.GetState(StateSyncedCounter)
	if err != nil {
		return false, err
	}
	last, _ := strconv.ParseInt(recorded, 10, 64)
	return counter != last, nil
}

// Sync runs one full cycle: root refresh, push, pull, re-verify. Transient
// network failures end the cycle early with Offline set rather than an
// error; the next cycle resumes from durable state.
func (e *Engine) Sync(ctx context.Context) (summary *Summary, err error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync cycle already running")
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.lastSummary = summary
		e.lastErr = err
		e.mu.Unlock()
	}()

	summary = &Summary{}
	start := e.now()

	if err := e.refreshRoot(ctx); err != nil {
		if apperrors.Is(err, apperrors.ErrTransientNetwork) {
			summary.Offline = true
			logging.Info("Sync skipped, authority unreachable")
			return summary, nil
		}
		return summary, err
	}

	if err := e.pushPending(ctx, summary); err != nil {
		return summary, err
	}
	if summary.Offline {
		return summary, nil
	}

	if err := e.pullDeltas(ctx, summary); err != nil {
		return summary, err
	}
	if summary.Offline {
		return summary, nil
	}

	if err := e.reverifyProvisional(ctx, summary); err != nil {
		return summary, err
	}

	counter, err := e.store.ChangeCounter()
	if err != nil {
		return summary, err
	}
	if err := e.store.SetState(StateSyncedCounter, strconv.FormatInt(counter, 10)); err != nil {
		return summary, err
	}
	if err := e.store.SetState(db.StateLastSync,
		strconv.FormatInt(e.now().Unix(), 10)); err != nil {
		return summary, err
	}

	logging.Info("Sync cycle completed", map[string]interface{}{
		"pushed":       summary.Pushed,
		"acknowledged": summary.Acknowledged,
		"rejected":     summary.Rejected,
		"deltas":       summary.Deltas,
		"conflicts":    summary.Conflicts,
		"reverified":   summary.Reverified,
		"duration":     e.now().Sub(start).String(),
	})
	return summary, nil
}

// refreshRoot fetches and persists the authority's current Merkle root.
func (e *Engine) refreshRoot(ctx context.Context) error {
	root, err := e.authority.FetchMerkleRoot(ctx)
	if err != nil {
		return err
	}
	return e.store.SetState(db.StateTrustedRoot, root)
}

// pushPending drains eligible operations in priority order. An operation
// whose submission is cut off by cancellation is released back to Pending:
// its remote result is unknown and idempotent resubmission settles it later.
func (e *Engine) pushPending(ctx context.Context, summary *Summary) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		op, err := e.queue.NextReady()
		if err != nil {
			return err
		}
		if op == nil {
			return nil
		}
		summary.Pushed++

		resp, err := e.authority.SubmitOperation(ctx, op)
		if err != nil {
			if ctx.Err() != nil {
				if relErr := e.queue.Release(op.ID); relErr != nil {
					return relErr
				}
				return ctx.Err()
			}
			if apperrors.Is(err, apperrors.ErrTransientNetwork) {
				summary.Offline = true
				if repErr := e.queue.ReportResult(op.ID, queue.Result{
					Outcome: queue.OutcomeTransient,
					Detail:  err.Error(),
				}); repErr != nil && !apperrors.Is(repErr, apperrors.ErrRetryExhausted) {
					return repErr
				}
				return nil
			}
			return err
		}

		switch resp.Status {
		case remote.SubmitAcknowledged:
			summary.Acknowledged++
			if err := e.queue.ReportResult(op.ID, queue.Result{
				Outcome: queue.OutcomeAcknowledged,
			}); err != nil {
				return err
			}
		case remote.SubmitRejected:
			summary.Rejected++
			summary.Conflicts++
			if err := e.queue.ReportResult(op.ID, queue.Result{
				Outcome: queue.OutcomeRejected,
				Detail:  resp.Reason,
			}); err != nil {
				return err
			}
		}
	}
}

// pullDeltas pages remote changes from the durable cursor, feeding each
// snapshot through conflict detection. The cursor only advances after a
// fully reconciled page, so a crash re-reads at most one page.
func (e *Engine) pullDeltas(ctx context.Context, summary *Summary) error {
	cursor, err := e.store.GetState(db.StateRemoteCursor)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := e.authority.FetchDeltas(ctx, cursor)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrTransientNetwork) {
				summary.Offline = true
				return nil
			}
			return err
		}
		if len(batch.Deltas) == 0 {
			return nil
		}

		for _, asset := range batch.Deltas {
			outcome, err := e.resolver.Reconcile(asset)
			if err != nil {
				return err
			}
			summary.Deltas++
			if outcome == conflict.OutcomeConflicted {
				summary.Conflicts++
			}
		}

		if batch.NextCursor == "" || batch.NextCursor == cursor {
			return nil
		}
		cursor = batch.NextCursor
		if err := e.store.SetState(db.StateRemoteCursor, cursor); err != nil {
			return err
		}
	}
}

// reverifyProvisional settles scans that committed offline without a proof:
// each unverified asset's recorded leaf hash is checked against the freshly
// fetched trusted root, clearing the marker on success and raising a
// verification conflict on failure.
func (e *Engine) reverifyProvisional(ctx context.Context, summary *Summary) error {
	assets, err := e.store.ListUnverifiedAssets()
	if err != nil {
		return err
	}
	if len(assets) == 0 {
		return nil
	}

	root, err := e.store.GetState(db.StateTrustedRoot)
	if err != nil {
		return err
	}
	if root == "" {
		return nil
	}

	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return err
		}

		leaf := asset.Metadata[models.MetadataKeyUnverified]
		if leaf == "" {
			continue
		}

		proof, err := e.authority.FetchProof(ctx, leaf)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrTransientNetwork) {
				summary.Offline = true
				return nil
			}
			return err
		}

		ok, verr := merkle.VerifyInclusion(leaf, proof, root, e.maxDepth)
		if verr != nil || !ok {
			summary.Conflicts++
			if err := e.resolver.RecordVerificationFailure(asset, leaf,
				"provisional scan not present in authoritative tree"); err != nil {
				return err
			}
			logging.Warn("Provisional scan failed re-verification", map[string]interface{}{
				"asset_id": asset.ID,
				"leaf":     leaf,
			})
			continue
		}

		delete(asset.Metadata, models.MetadataKeyUnverified)
		asset.LastVerified = e.now().Unix()
		if err := e.store.UpsertAsset(asset); err != nil {
			return err
		}
		summary.Reverified++
	}
	return nil
}
