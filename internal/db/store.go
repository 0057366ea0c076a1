// Package db provides the transactional Store all engine components share.
package db

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/toole-brendan/handreceipt-custody/internal/crypto"
	apperrors "github.com/toole-brendan/handreceipt-custody/internal/errors"
	"github.com/toole-brendan/handreceipt-custody/internal/models"
	"github.com/toole-brendan/handreceipt-custody/internal/uuid"
)

// State keys in the sync_state table.
const (
	StateChangeCounter = "change_counter"
	StateRemoteCursor  = "remote_cursor"
	StateTrustedRoot   = "trusted_root"
	StateLastSync      = "last_sync"
)

// Store is the single shared mutable resource of the engine. All writes go
// through its transactional API under a single-writer discipline; no
// component ever holds a reference into its rows.
type Store struct {
	db      *sql.DB
	sealKey []byte

	// Serializes logical transactions. The sql.DB is already limited to one
	// connection; this keeps multi-statement transactions from interleaving.
	writeMu sync.Mutex
}

// NewStore creates a Store. sealKey protects the encrypted_data column.
func NewStore(db *sql.DB, sealKey []byte) *Store {
	return &Store{db: db, sealKey: sealKey}
}

// sensitiveFields is the plaintext shape of the encrypted_data column.
type sensitiveFields struct {
	Classification string `json:"classification,omitempty"`
	LastVerified   int64  `json:"last_verified,omitempty"`
}

// withTx runs fn inside a transaction and bumps the change counter on
// success, so the sync coordinator can fast-path "nothing changed".
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, '1')
		ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)`,
		StateChangeCounter); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "bump change counter", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "commit transaction", err)
	}
	return nil
}

// ChangeCounter returns the on-disk change counter.
func (s *Store) ChangeCounter() (int64, error) {
	val, err := s.GetState(StateChangeCounter)
	if err != nil {
		return 0, err
	}
	if val == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "corrupt change counter", err)
	}
	return n, nil
}

// GetState reads a sync_state value; missing keys return "".
func (s *Store) GetState(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM sync_state WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "read sync state", err)
	}
	return val, nil
}

// SetState writes a sync_state value. State writes do not bump the change
// counter: cursors and roots track the remote, not local data.
func (s *Store) SetState(key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "write sync state", err)
	}
	return nil
}

// =====================================================
// Asset operations
// =====================================================

// GetAsset retrieves an asset by id.
func (s *Store) GetAsset(id string) (*models.Asset, error) {
	row := s.db.QueryRow(`
		SELECT id, name, type, status, location, last_scanned, metadata,
		       created_at, updated_at, sync_status, encrypted_data
		FROM assets WHERE id = ?`, id)
	return s.scanAsset(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanAsset(row rowScanner) (*models.Asset, error) {
	var a models.Asset
	var metadata string
	var encrypted sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.Type, &a.Status, &a.Location,
		&a.LastScanned, &metadata, &a.CreatedAt, &a.UpdatedAt,
		&a.SyncStatus, &encrypted)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "asset not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "scan asset row", err)
	}

	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "corrupt asset metadata", err)
		}
	}

	if encrypted.Valid && encrypted.String != "" {
		plain, err := crypto.Decrypt(encrypted.String, s.sealKey)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCrypto, "unseal asset fields", err)
		}
		var sf sensitiveFields
		if err := json.Unmarshal(plain, &sf); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "corrupt sealed fields", err)
		}
		a.Classification = sf.Classification
		a.LastVerified = sf.LastVerified
	}

	return &a, nil
}

// assetColumns serializes the derived column values for an asset write.
func (s *Store) assetColumns(a *models.Asset) (metadata, encrypted string, err error) {
	md := a.Metadata
	if md == nil {
		md = map[string]string{}
	}
	// Canonical form keeps the ordered string-to-string mapping stable
	// across writes, so unchanged assets produce byte-identical rows.
	mdBytes, err := crypto.Canonicalize(md)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrStorage, "encode asset metadata", err)
	}

	sf := sensitiveFields{Classification: a.Classification, LastVerified: a.LastVerified}
	plain, err := json.Marshal(sf)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrStorage, "encode sealed fields", err)
	}
	sealed, err := crypto.Encrypt(plain, s.sealKey)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrCrypto, "seal asset fields", err)
	}

	return string(mdBytes), sealed, nil
}

// upsertAssetTx writes an asset inside an open transaction, enforcing the
// monotonic updated_at invariant against whatever is already on disk.
func (s *Store) upsertAssetTx(tx *sql.Tx, a *models.Asset) error {
	now := time.Now().Unix()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	if a.UpdatedAt == 0 {
		a.UpdatedAt = now
	}

	var existing int64
	err := tx.QueryRow("SELECT updated_at FROM assets WHERE id = ?", a.ID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return apperrors.Wrap(apperrors.ErrStorage, "read existing asset", err)
	}
	if err == nil && a.UpdatedAt < existing {
		a.UpdatedAt = existing
	}

	metadata, encrypted, err := s.assetColumns(a)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO assets (id, name, type, status, location, last_scanned,
			metadata, created_at, updated_at, sync_status, encrypted_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			location = excluded.location,
			last_scanned = excluded.last_scanned,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status,
			encrypted_data = excluded.encrypted_data`,
		a.ID, a.Name, a.Type, a.Status, a.Location, a.LastScanned,
		metadata, a.CreatedAt, a.UpdatedAt, a.SyncStatus, encrypted)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "upsert asset", err)
	}
	return nil
}

// UpsertAsset writes an asset in its own transaction.
func (s *Store) UpsertAsset(a *models.Asset) error {
	if a.ID == "" {
		a.ID = uuid.New()
	}
	return s.withTx(func(tx *sql.Tx) error {
		return s.upsertAssetTx(tx, a)
	})
}

// SoftDeleteAsset marks an asset deleted. Rows are never physically removed
// while unsynced operations may still reference them.
func (s *Store) SoftDeleteAsset(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE assets SET status = ?, sync_status = ?,
				updated_at = MAX(updated_at, ?)
			WHERE id = ?`,
			models.AssetStatusDeleted, models.SyncStatusPending,
			time.Now().Unix(), id)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "soft delete asset", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperrors.New(apperrors.ErrNotFound, "asset not found")
		}
		return nil
	})
}

// ListAssetsBySyncStatus returns assets in a given reconciliation state.
func (s *Store) ListAssetsBySyncStatus(status models.SyncStatus) ([]*models.Asset, error) {
	rows, err := s.db.Query(`
		SELECT id, name, type, status, location, last_scanned, metadata,
		       created_at, updated_at, sync_status, encrypted_data
		FROM assets WHERE sync_status = ? ORDER BY updated_at`, status)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list assets", err)
	}
	defer rows.Close()
	return s.collectAssets(rows)
}

// ListUnverifiedAssets returns assets whose last scan committed without an
// inclusion proof. The marker lives in the canonical metadata JSON, so a
// LIKE on the quoted key is exact.
func (s *Store) ListUnverifiedAssets() ([]*models.Asset, error) {
	rows, err := s.db.Query(`
		SELECT id, name, type, status, location, last_scanned, metadata,
		       created_at, updated_at, sync_status, encrypted_data
		FROM assets WHERE metadata LIKE ? ORDER BY updated_at`,
		`%"`+models.MetadataKeyUnverified+`"%`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list unverified assets", err)
	}
	defer rows.Close()
	return s.collectAssets(rows)
}

func (s *Store) collectAssets(rows *sql.Rows) ([]*models.Asset, error) {
	var assets []*models.Asset
	for rows.Next() {
		a, err := s.scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// =====================================================
// Operation queue
// =====================================================

// EnqueueOperation persists a queued operation in its own transaction.
func (s *Store) EnqueueOperation(op *models.Operation) error {
	return s.withTx(func(tx *sql.Tx) error {
		return s.enqueueOperationTx(tx, op)
	})
}

func (s *Store) enqueueOperationTx(tx *sql.Tx, op *models.Operation) error {
	if op.ID == "" {
		op.ID = uuid.New()
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = time.Now().Unix()
	}
	if op.Status == "" {
		op.Status = models.OperationStatusPending
	}

	data, err := models.EncodePayload(op.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode operation payload", err)
	}

	_, err = tx.Exec(`
		INSERT INTO operations (id, type, asset_id, data, status, priority, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Type, op.AssetID, string(data), op.Status, op.Priority,
		op.CreatedAt, op.RetryCount)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "insert operation", err)
	}
	return nil
}

// CommitScan atomically upserts the scanned asset and enqueues its derived
// operation. Either both are visible afterwards or neither is.
func (s *Store) CommitScan(a *models.Asset, op *models.Operation) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := s.upsertAssetTx(tx, a); err != nil {
			return err
		}
		return s.enqueueOperationTx(tx, op)
	})
}

func (s *Store) scanOperation(row rowScanner) (*models.Operation, error) {
	var op models.Operation
	var data string
	err := row.Scan(&op.ID, &op.Type, &op.AssetID, &data, &op.Status,
		&op.Priority, &op.CreatedAt, &op.RetryCount)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "operation not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "scan operation row", err)
	}
	payload, err := models.DecodePayload([]byte(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "corrupt operation payload", err)
	}
	op.Payload = payload
	return &op, nil
}

const operationColumns = "id, type, asset_id, data, status, priority, created_at, retry_count"

// GetOperation retrieves an operation by id.
func (s *Store) GetOperation(id string) (*models.Operation, error) {
	row := s.db.QueryRow("SELECT "+operationColumns+" FROM operations WHERE id = ?", id)
	return s.scanOperation(row)
}

// ListReadyOperations returns pending operations eligible for submission:
// highest priority first, FIFO within a band, skipping any asset that has an
// in-flight operation or an unresolved conflict.
func (s *Store) ListReadyOperations(limit int) ([]*models.Operation, error) {
	rows, err := s.db.Query(`
		SELECT `+operationColumns+` FROM operations o
		WHERE o.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM operations f
			WHERE f.asset_id = o.asset_id AND f.status = ?)
		  AND NOT EXISTS (
			SELECT 1 FROM conflicts c
			WHERE c.asset_id = o.asset_id AND c.status = ?)
		ORDER BY o.priority DESC, o.created_at ASC, o.id ASC
		LIMIT ?`,
		models.OperationStatusPending, models.OperationStatusInFlight,
		models.ConflictStatusPending, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list ready operations", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := s.scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// DequeueNextOperation returns the single next ready operation, or nil when
// the queue has nothing eligible.
func (s *Store) DequeueNextOperation() (*models.Operation, error) {
	ops, err := s.ListReadyOperations(1)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return ops[0], nil
}

// ListOperationsByStatus returns operations in a given delivery state.
func (s *Store) ListOperationsByStatus(status models.OperationStatus) ([]*models.Operation, error) {
	rows, err := s.db.Query(
		"SELECT "+operationColumns+" FROM operations WHERE status = ? ORDER BY priority DESC, created_at ASC",
		status)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list operations", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := s.scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// PendingOperationIDs returns the ids of an asset's unacknowledged
// operations (pending or in flight), oldest first.
func (s *Store) PendingOperationIDs(assetID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM operations
		WHERE asset_id = ? AND status IN (?, ?)
		ORDER BY created_at ASC, id ASC`,
		assetID, models.OperationStatusPending, models.OperationStatusInFlight)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list pending operations", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "scan operation id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkOperation transitions an operation's delivery status.
func (s *Store) MarkOperation(id string, status models.OperationStatus) error {
	return s.withTx(func(tx *sql.Tx) error {
		return s.markOperationTx(tx, id, status)
	})
}

func (s *Store) markOperationTx(tx *sql.Tx, id string, status models.OperationStatus) error {
	res, err := tx.Exec("UPDATE operations SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "mark operation", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "operation not found")
	}
	return nil
}

// RetryOperation returns a failed submission to Pending with an incremented
// retry count, and reports the new count.
func (s *Store) RetryOperation(id string) (int, error) {
	var count int
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE operations SET status = ?, retry_count = retry_count + 1
			WHERE id = ?`, models.OperationStatusPending, id)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "retry operation", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperrors.New(apperrors.ErrNotFound, "operation not found")
		}
		return tx.QueryRow("SELECT retry_count FROM operations WHERE id = ?", id).Scan(&count)
	})
	return count, err
}

// ReinstateOperation returns a failed operation to Pending with a fresh
// retry budget. Used when an operator overrides the retry ceiling.
func (s *Store) ReinstateOperation(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE operations SET status = ?, retry_count = 0
			WHERE id = ? AND status = ?`,
			models.OperationStatusPending, id, models.OperationStatusFailed)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "reinstate operation", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperrors.New(apperrors.ErrNotFound, "failed operation not found")
		}
		return nil
	})
}

// PruneAcknowledged removes acknowledged operations older than the cutoff.
// Acknowledged is terminal, so this only reclaims space.
func (s *Store) PruneAcknowledged(before time.Time) (int64, error) {
	var pruned int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM operations WHERE status = ? AND created_at < ?`,
			models.OperationStatusAcknowledged, before.Unix())
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "prune operations", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	return pruned, err
}

// =====================================================
// Conflicts
// =====================================================

// RecordConflict persists a conflict and marks its asset Conflicted in the
// same transaction, which removes the asset from automatic submission.
func (s *Store) RecordConflict(c *models.Conflict) error {
	return s.withTx(func(tx *sql.Tx) error {
		return s.recordConflictTx(tx, c)
	})
}

func (s *Store) recordConflictTx(tx *sql.Tx, c *models.Conflict) error {
	if c.ID == "" {
		c.ID = uuid.New()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().Unix()
	}
	if c.Status == "" {
		c.Status = models.ConflictStatusPending
	}

	data, err := models.EncodeConflictData(c.Data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode conflict data", err)
	}

	_, err = tx.Exec(`
		INSERT INTO conflicts (id, asset_id, conflict_data, created_at, resolved_at, status, resolution_type)
		VALUES (?, ?, ?, ?, NULLIF(?, 0), ?, NULLIF(?, ''))`,
		c.ID, c.AssetID, string(data), c.CreatedAt, c.ResolvedAt, c.Status,
		string(c.ResolutionType))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "insert conflict", err)
	}

	if c.Status == models.ConflictStatusPending {
		if _, err := tx.Exec("UPDATE assets SET sync_status = ? WHERE id = ?",
			models.SyncStatusConflicted, c.AssetID); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "mark asset conflicted", err)
		}
	}
	return nil
}

func (s *Store) scanConflict(row rowScanner) (*models.Conflict, error) {
	var c models.Conflict
	var data string
	var resolvedAt sql.NullInt64
	var resolution sql.NullString
	err := row.Scan(&c.ID, &c.AssetID, &data, &c.CreatedAt, &resolvedAt,
		&c.Status, &resolution)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "conflict not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "scan conflict row", err)
	}
	if resolvedAt.Valid {
		c.ResolvedAt = resolvedAt.Int64
	}
	if resolution.Valid {
		c.ResolutionType = models.ResolutionType(resolution.String)
	}
	cd, err := models.DecodeConflictData([]byte(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "corrupt conflict data", err)
	}
	c.Data = cd
	return &c, nil
}

const conflictColumns = "id, asset_id, conflict_data, created_at, resolved_at, status, resolution_type"

// GetConflict retrieves a conflict by id.
func (s *Store) GetConflict(id string) (*models.Conflict, error) {
	row := s.db.QueryRow("SELECT "+conflictColumns+" FROM conflicts WHERE id = ?", id)
	return s.scanConflict(row)
}

// ListUnresolvedConflicts returns all conflicts awaiting resolution.
func (s *Store) ListUnresolvedConflicts() ([]*models.Conflict, error) {
	rows, err := s.db.Query(
		"SELECT "+conflictColumns+" FROM conflicts WHERE status = ? ORDER BY created_at",
		models.ConflictStatusPending)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list conflicts", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		c, err := s.scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// HasUnresolvedConflict reports whether an asset is blocked by a pending
// conflict.
func (s *Store) HasUnresolvedConflict(assetID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM conflicts WHERE asset_id = ? AND status = ?",
		assetID, models.ConflictStatusPending).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "count conflicts", err)
	}
	return n > 0, nil
}

// ApplyResolution closes a conflict atomically: the conflict row is marked,
// the chosen snapshot (if any) is written, and every discarded local
// operation is marked Failed rather than silently dropped.
func (s *Store) ApplyResolution(conflictID string, status models.ConflictStatus,
	resolution models.ResolutionType, apply *models.Asset, discardOperationIDs []string) error {

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE conflicts SET status = ?, resolution_type = ?, resolved_at = ?
			WHERE id = ? AND status = ?`,
			status, string(resolution), time.Now().Unix(), conflictID,
			models.ConflictStatusPending)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "close conflict", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperrors.New(apperrors.ErrNotFound, "pending conflict not found")
		}

		if apply != nil {
			if err := s.upsertAssetTx(tx, apply); err != nil {
				return err
			}
		}

		// Only unsettled operations are discarded; anything the authority
		// already acknowledged stays acknowledged.
		for _, opID := range discardOperationIDs {
			if _, err := tx.Exec(`
				UPDATE operations SET status = ? WHERE id = ? AND status IN (?, ?)`,
				models.OperationStatusFailed, opID,
				models.OperationStatusPending, models.OperationStatusInFlight); err != nil {
				return apperrors.Wrap(apperrors.ErrStorage, "discard operation", err)
			}
		}
		return nil
	})
}

// Stats summarizes queue and conflict counts for operational surfaces.
func (s *Store) Stats() (map[string]int, error) {
	stats := map[string]int{}

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM operations GROUP BY status")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "operation stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "operation stats", err)
		}
		stats["operations_"+status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "operation stats", err)
	}

	var pendingConflicts int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM conflicts WHERE status = ?",
		models.ConflictStatusPending).Scan(&pendingConflicts); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "conflict stats", err)
	}
	stats["conflicts_pending"] = pendingConflicts

	return stats, nil
}
