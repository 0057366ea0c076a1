// Package models provides data model definitions for the custody engine.
package models

import (
	"encoding/json"
	"time"
)

// ConflictStatus represents the resolution state of a recorded divergence.
type ConflictStatus string

const (
	ConflictStatusPending  ConflictStatus = "pending"
	ConflictStatusResolved ConflictStatus = "resolved"
	ConflictStatusIgnored  ConflictStatus = "ignored"
)

// ResolutionType represents how a conflict was, or must be, settled.
type ResolutionType string

const (
	ResolutionLocalWins      ResolutionType = "local_wins"
	ResolutionRemoteWins     ResolutionType = "remote_wins"
	ResolutionMerged         ResolutionType = "merged"
	ResolutionManualOverride ResolutionType = "manual_override"
)

// ConflictKind classifies what produced the conflict.
type ConflictKind string

const (
	// ConflictKindConcurrentEdit means a local pending operation and a remote
	// update touched the same asset.
	ConflictKindConcurrentEdit ConflictKind = "concurrent_edit"
	// ConflictKindRejected means the remote authority rejected an operation.
	ConflictKindRejected ConflictKind = "rejected"
	// ConflictKindSyncExhausted means an operation hit the retry ceiling.
	ConflictKindSyncExhausted ConflictKind = "sync_exhausted"
	// ConflictKindVerificationFailed means a provisionally accepted scan failed
	// re-verification against the authoritative Merkle root.
	ConflictKindVerificationFailed ConflictKind = "verification_failed"
)

// ConflictData holds both sides of a divergence plus what caused it.
// OperationIDs lists the local operations implicated in the conflict; a
// resolution that discards local state must settle each of them.
type ConflictData struct {
	Kind         ConflictKind `json:"kind"`
	Local        *Asset       `json:"local,omitempty"`
	Remote       *Asset       `json:"remote,omitempty"`
	OperationIDs []string     `json:"operation_ids,omitempty"`
	Detail       string       `json:"detail,omitempty"`
}

// Conflict records a detected divergence awaiting resolution.
type Conflict struct {
	ID             string         `db:"id" json:"id"`
	AssetID        string         `db:"asset_id" json:"asset_id"`
	Data           ConflictData   `json:"conflict_data"`
	CreatedAt      int64          `db:"created_at" json:"created_at"`
	ResolvedAt     int64          `db:"resolved_at" json:"resolved_at,omitempty"`
	Status         ConflictStatus `db:"status" json:"status"`
	ResolutionType ResolutionType `db:"resolution_type" json:"resolution_type,omitempty"`
}

// TableName returns the table name for Conflict.
func (Conflict) TableName() string {
	return "conflicts"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (c *Conflict) CreatedAtTime() time.Time {
	return time.Unix(c.CreatedAt, 0)
}

// EncodeConflictData serializes the conflict_data column value.
func EncodeConflictData(d ConflictData) ([]byte, error) {
	return json.Marshal(d)
}

// DecodeConflictData deserializes the conflict_data column value.
func DecodeConflictData(data []byte) (ConflictData, error) {
	var d ConflictData
	err := json.Unmarshal(data, &d)
	return d, err
}
