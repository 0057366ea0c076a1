// Package models provides data model definitions for the custody engine.
package models

import "time"

// AssetStatus represents the lifecycle state of a tracked asset.
type AssetStatus string

const (
	AssetStatusActive   AssetStatus = "active"
	AssetStatusInactive AssetStatus = "inactive"
	AssetStatusPending  AssetStatus = "pending"
	AssetStatusArchived AssetStatus = "archived"
	AssetStatusDeleted  AssetStatus = "deleted"
)

// SyncStatus represents the local/remote reconciliation state of an asset.
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusSynced     SyncStatus = "synced"
	SyncStatusConflicted SyncStatus = "conflicted"
)

// MetadataKeyUnverified marks an asset whose last scan committed without a
// Merkle proof and still awaits re-verification against the authoritative root.
const MetadataKeyUnverified = "_unverified_scan"

// MetadataKeyHolder tracks the current holder inside asset metadata.
const MetadataKeyHolder = "holder"

// Asset is a tracked physical item under custody.
//
// Classification and LastVerified are sensitive and are persisted only inside
// the encrypted_data column; the remaining fields map one-to-one onto the
// assets table.
type Asset struct {
	ID             string            `db:"id" json:"id"`
	Name           string            `db:"name" json:"name"`
	Type           string            `db:"type" json:"type"`
	Status         AssetStatus       `db:"status" json:"status"`
	Classification string            `json:"classification,omitempty"`
	Location       string            `db:"location" json:"location"`
	LastScanned    int64             `db:"last_scanned" json:"last_scanned"`
	Metadata       map[string]string `db:"metadata" json:"metadata"`
	CreatedAt      int64             `db:"created_at" json:"created_at"`
	UpdatedAt      int64             `db:"updated_at" json:"updated_at"`
	LastVerified   int64             `json:"last_verified,omitempty"`
	SyncStatus     SyncStatus        `db:"sync_status" json:"sync_status"`
}

// TableName returns the table name for Asset.
func (Asset) TableName() string {
	return "assets"
}

// Touch advances UpdatedAt without ever moving it backwards and marks the
// asset as locally dirty. Every local mutation goes through here.
func (a *Asset) Touch(now time.Time) {
	ts := now.Unix()
	if ts > a.UpdatedAt {
		a.UpdatedAt = ts
	}
	a.SyncStatus = SyncStatusPending
}

// Unverified reports whether the asset carries a provisional, unverified scan.
func (a *Asset) Unverified() bool {
	_, ok := a.Metadata[MetadataKeyUnverified]
	return ok
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (a *Asset) UpdatedAtTime() time.Time {
	return time.Unix(a.UpdatedAt, 0)
}

// Clone returns a deep copy of the asset, including its metadata map.
func (a *Asset) Clone() *Asset {
	cp := *a
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
