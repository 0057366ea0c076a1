// Package models provides data model definitions for the custody engine.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ScanRecord is a decoded QR payload. It is transient: it exists only long
// enough to be verified and turned into an Operation.
//
// Timestamp is kept as the scanned ISO-8601 string so the wire form
// round-trips exactly and the signature covers the bytes the tag carries.
type ScanRecord struct {
	TransferID string    `json:"transferId"`
	PropertyID string    `json:"propertyId"`
	Timestamp  string    `json:"timestamp"`
	Signature  string    `json:"signature,omitempty"`
	Location   *Location `json:"location,omitempty"`
}

// Location is the scanning device's position at capture time.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

// DecodeScanRecord parses and validates a raw QR payload.
func DecodeScanRecord(data []byte) (*ScanRecord, error) {
	var rec ScanRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("malformed scan payload: %w", err)
	}
	if rec.TransferID == "" || rec.PropertyID == "" || rec.Timestamp == "" {
		return nil, fmt.Errorf("scan payload missing required fields")
	}
	if _, err := rec.Time(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Encode serializes the record back to its wire form.
func (r *ScanRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Time parses the scanned timestamp.
func (r *ScanRecord) Time() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed scan timestamp %q: %w", r.Timestamp, err)
	}
	return t, nil
}

// SignedFields returns the exact field set the tag signature covers.
func (r *ScanRecord) SignedFields() map[string]interface{} {
	return map[string]interface{}{
		"transferId": r.TransferID,
		"propertyId": r.PropertyID,
		"timestamp":  r.Timestamp,
	}
}

// VerificationResult is the outcome of the scan verification pipeline's
// cryptographic stages.
type VerificationResult struct {
	IsValid     bool     `json:"isValid"`
	MerkleProof []string `json:"merkleProof,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ScanResult is the pipeline output handed to callers after a commit.
type ScanResult struct {
	ID             string    `json:"id"`
	PropertyID     string    `json:"propertyId"`
	Timestamp      string    `json:"timestamp"`
	Signature      string    `json:"signature"`
	PreviousHolder string    `json:"previousHolder"`
	MerkleRoot     string    `json:"merkleRoot,omitempty"`
	Location       *Location `json:"location,omitempty"`
}
