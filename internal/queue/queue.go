// Package queue orders and throttles delivery of custody operations to the
// remote authority: priority bands, one in-flight operation per asset, and
// exponential backoff with a bounded retry ceiling.
package queue

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/toole-brendan/handreceipt-custody/internal/db"
	apperrors "github.com/toole-brendan/handreceipt-custody/internal/errors"
	"github.com/toole-brendan/handreceipt-custody/internal/logging"
	"github.com/toole-brendan/handreceipt-custody/internal/models"
)

// Outcome classifies the remote authority's response to a submission.
type Outcome int

const (
	// OutcomeAcknowledged is terminal success; the operation is archived.
	OutcomeAcknowledged Outcome = iota
	// OutcomeTransient covers timeouts and 5xx responses; the operation
	// re-enters the backoff path.
	OutcomeTransient
	// OutcomeRejected is a permanent validation rejection; the operation
	// fails and surfaces as a conflict.
	OutcomeRejected
)

// Result is the submission outcome reported back to the manager.
type Result struct {
	Outcome Outcome
	Detail  string
}

// Config bounds the retry behaviour.
type Config struct {
	// RetryCeiling is the transient-failure count after which an operation
	// escalates to a manual-override conflict instead of retrying.
	RetryCeiling int
	// BackoffBase and BackoffCap bound the delay curve
	// min(base * 2^retry, cap), with jitter.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultConfig returns the field defaults.
func DefaultConfig() Config {
	return Config{
		RetryCeiling: 8,
		BackoffBase:  2 * time.Second,
		BackoffCap:   5 * time.Minute,
	}
}

// Manager owns the durable operation queue. Ordering and the one-in-flight
// invariant live in the store's queries; the manager adds backoff gating
// (in memory only: the persisted column set carries retry_count but no next
// attempt time, and resetting delays on restart is safe because submission
// is idempotent by operation id).
type Manager struct {
	store *db.Store
	cfg   Config

	mu        sync.Mutex
	notBefore map[string]time.Time
	backoffs  map[string]*backoff.ExponentialBackOff

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a queue manager over the store.
func NewManager(store *db.Store, cfg Config) *Manager {
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = DefaultConfig().RetryCeiling
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = DefaultConfig().BackoffCap
	}
	return &Manager{
		store:     store,
		cfg:       cfg,
		notBefore: make(map[string]time.Time),
		backoffs:  make(map[string]*backoff.ExponentialBackOff),
		now:       time.Now,
	}
}

// Enqueue assigns the priority band for the operation type and persists the
// operation as Pending.
func (m *Manager) Enqueue(op *models.Operation) error {
	if op.Type == "" {
		return apperrors.New(apperrors.ErrInvalid, "operation has no type")
	}
	if op.AssetID == "" {
		return apperrors.New(apperrors.ErrInvalid, "operation has no asset id")
	}
	op.Priority = models.PriorityFor(op.Type)
	op.Status = models.OperationStatusPending

	if err := m.store.EnqueueOperation(op); err != nil {
		return err
	}

	logging.Info("Operation enqueued", map[string]interface{}{
		"operation_id": op.ID,
		"type":         op.Type,
		"asset_id":     op.AssetID,
		"priority":     op.Priority,
	})
	return nil
}

// NextReady returns the highest-priority pending operation whose asset has
// no in-flight operation and whose backoff delay has elapsed, marking it
// InFlight. Returns nil when nothing is eligible; the per-asset in-flight
// limit is the queue's back-pressure mechanism.
func (m *Manager) NextReady() (*models.Operation, error) {
	candidates, err := m.store.ListReadyOperations(64)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, op := range candidates {
		if nb, ok := m.notBefore[op.ID]; ok && now.Before(nb) {
			continue
		}
		if err := m.store.MarkOperation(op.ID, models.OperationStatusInFlight); err != nil {
			return nil, err
		}
		op.Status = models.OperationStatusInFlight
		return op, nil
	}
	return nil, nil
}

// Release returns an in-flight operation to Pending without counting a
// retry. This is the cancellation path: a submission whose remote result is
// unknown must come back as Pending, never as Acknowledged.
func (m *Manager) Release(opID string) error {
	return m.store.MarkOperation(opID, models.OperationStatusPending)
}

// ReportResult feeds a submission outcome back into the queue.
func (m *Manager) ReportResult(opID string, res Result) error {
	switch res.Outcome {
	case OutcomeAcknowledged:
		m.clearBackoff(opID)
		if err := m.store.MarkOperation(opID, models.OperationStatusAcknowledged); err != nil {
			return err
		}
		logging.Info("Operation acknowledged", map[string]interface{}{
			"operation_id": opID,
		})
		return nil

	case OutcomeTransient:
		return m.reportTransient(opID, res.Detail)

	case OutcomeRejected:
		return m.reportRejected(opID, res.Detail)

	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown outcome %d", res.Outcome)
	}
}

func (m *Manager) reportTransient(opID, detail string) error {
	count, err := m.store.RetryOperation(opID)
	if err != nil {
		return err
	}

	if count >= m.cfg.RetryCeiling {
		// Retry ceiling hit: stop retrying and hand the operation to a
		// human as a manual-override conflict.
		m.clearBackoff(opID)
		if err := m.store.MarkOperation(opID, models.OperationStatusFailed); err != nil {
			return err
		}
		if err := m.escalate(opID, models.ConflictKindSyncExhausted,
			models.ResolutionManualOverride, detail); err != nil {
			return err
		}
		logging.Warn("Operation retry ceiling reached", map[string]interface{}{
			"operation_id": opID,
			"retry_count":  count,
		})
		return apperrors.Newf(apperrors.ErrRetryExhausted,
			"operation %s exhausted %d retries", opID, count)
	}

	delay := m.nextDelay(opID)
	m.mu.Lock()
	m.notBefore[opID] = m.now().Add(delay)
	m.mu.Unlock()

	logging.Warn("Operation submission failed, will retry", map[string]interface{}{
		"operation_id": opID,
		"retry_count":  count,
		"delay":        delay.String(),
		"detail":       detail,
	})
	return nil
}

func (m *Manager) reportRejected(opID, detail string) error {
	m.clearBackoff(opID)
	if err := m.store.MarkOperation(opID, models.OperationStatusFailed); err != nil {
		return err
	}
	if err := m.escalate(opID, models.ConflictKindRejected, "", detail); err != nil {
		return err
	}
	logging.Warn("Operation rejected by remote authority", map[string]interface{}{
		"operation_id": opID,
		"detail":       detail,
	})
	return nil
}

// escalate records a conflict carrying the local snapshot and the operation
// that caused it. Failed operations are never dropped silently.
func (m *Manager) escalate(opID string, kind models.ConflictKind,
	resolution models.ResolutionType, detail string) error {

	op, err := m.store.GetOperation(opID)
	if err != nil {
		return err
	}

	local, err := m.store.GetAsset(op.AssetID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	return m.store.RecordConflict(&models.Conflict{
		AssetID:        op.AssetID,
		ResolutionType: resolution,
		Data: models.ConflictData{
			Kind:         kind,
			Local:        local,
			OperationIDs: []string{opID},
			Detail:       detail,
		},
	})
}

// nextDelay advances the operation's backoff curve.
func (m *Manager) nextDelay(opID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.backoffs[opID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = m.cfg.BackoffBase
		b.MaxInterval = m.cfg.BackoffCap
		b.Multiplier = 2
		b.RandomizationFactor = 0.25
		b.Reset()
		m.backoffs[opID] = b
	}
	return b.NextBackOff()
}

func (m *Manager) clearBackoff(opID string) {
	m.mu.Lock()
	delete(m.backoffs, opID)
	delete(m.notBefore, opID)
	m.mu.Unlock()
}

// SetClock replaces the manager's time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}
