// Package models provides data model definitions for the custody engine.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationType represents the kind of custody change an operation carries.
type OperationType string

const (
	OperationTransfer    OperationType = "transfer"
	OperationIssue       OperationType = "issue"
	OperationReturn      OperationType = "return"
	OperationMaintenance OperationType = "maintenance"
)

// OperationStatus represents the delivery state of a queued operation.
type OperationStatus string

const (
	OperationStatusPending      OperationStatus = "pending"
	OperationStatusInFlight     OperationStatus = "in_flight"
	OperationStatusAcknowledged OperationStatus = "acknowledged"
	OperationStatusFailed       OperationStatus = "failed"
)

// Priority bands per operation type. FIFO within a band; higher drains sooner.
const (
	PriorityTransfer    = 30
	PriorityReturn      = 20
	PriorityIssue       = 10
	PriorityMaintenance = 0
)

// PriorityFor returns the queue priority band for an operation type.
func PriorityFor(t OperationType) int {
	switch t {
	case OperationTransfer:
		return PriorityTransfer
	case OperationReturn:
		return PriorityReturn
	case OperationIssue:
		return PriorityIssue
	default:
		return PriorityMaintenance
	}
}

// Operation is a durable intent to change custody or state remotely.
// It references its asset by id only; the queue never owns the asset row.
type Operation struct {
	ID         string          `db:"id" json:"id"`
	Type       OperationType   `db:"type" json:"type"`
	AssetID    string          `db:"asset_id" json:"asset_id"`
	Payload    Payload         `json:"payload"`
	Status     OperationStatus `db:"status" json:"status"`
	Priority   int             `db:"priority" json:"priority"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "operations"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (o *Operation) CreatedAtTime() time.Time {
	return time.Unix(o.CreatedAt, 0)
}

// Payload is the tagged variant body of an operation. Unknown variants decode
// to UnknownPayload so forward-incompatible rows survive round-trips intact.
type Payload interface {
	PayloadType() OperationType
}

// TransferPayload records a custody transfer derived from a verified scan.
type TransferPayload struct {
	TransferID     string `json:"transfer_id"`
	PreviousHolder string `json:"previous_holder,omitempty"`
	NewHolder      string `json:"new_holder,omitempty"`
	Location       string `json:"location,omitempty"`
	ScanTimestamp  string `json:"scan_timestamp"`
	Unverified     bool   `json:"unverified,omitempty"`
}

// PayloadType implements Payload.
func (TransferPayload) PayloadType() OperationType { return OperationTransfer }

// IssuePayload records issuing an asset to a holder.
type IssuePayload struct {
	Holder   string `json:"holder"`
	Location string `json:"location,omitempty"`
}

// PayloadType implements Payload.
func (IssuePayload) PayloadType() OperationType { return OperationIssue }

// ReturnPayload records an asset being returned to stock.
type ReturnPayload struct {
	Holder    string `json:"holder"`
	Condition string `json:"condition,omitempty"`
}

// PayloadType implements Payload.
func (ReturnPayload) PayloadType() OperationType { return OperationReturn }

// MaintenancePayload records a maintenance event against an asset.
type MaintenancePayload struct {
	Action string `json:"action"`
	Notes  string `json:"notes,omitempty"`
}

// PayloadType implements Payload.
func (MaintenancePayload) PayloadType() OperationType { return OperationMaintenance }

// UnknownPayload preserves a payload produced by a newer device revision.
type UnknownPayload struct {
	Type OperationType   `json:"-"`
	Raw  json.RawMessage `json:"-"`
}

// PayloadType implements Payload.
func (u UnknownPayload) PayloadType() OperationType { return u.Type }

// envelope is the on-disk wrapper for the data column.
type envelope struct {
	Type    OperationType   `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodePayload serializes a payload into the operations.data column format.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	if u, ok := p.(UnknownPayload); ok {
		return json.Marshal(envelope{Type: u.Type, Payload: u.Raw})
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(envelope{Type: p.PayloadType(), Payload: body})
}

// DecodePayload deserializes an operations.data column value. Types this build
// does not know decode to UnknownPayload rather than failing.
func DecodePayload(data []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}

	var p Payload
	switch env.Type {
	case OperationTransfer:
		p = &TransferPayload{}
	case OperationIssue:
		p = &IssuePayload{}
	case OperationReturn:
		p = &ReturnPayload{}
	case OperationMaintenance:
		p = &MaintenancePayload{}
	default:
		return UnknownPayload{Type: env.Type, Raw: env.Payload}, nil
	}

	if err := json.Unmarshal(env.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}

	switch v := p.(type) {
	case *TransferPayload:
		return *v, nil
	case *IssuePayload:
		return *v, nil
	case *ReturnPayload:
		return *v, nil
	case *MaintenancePayload:
		return *v, nil
	}
	return p, nil
}
