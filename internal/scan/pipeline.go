// Package scan implements the scan verification pipeline: a scanned QR
// payload moves through signature and Merkle-inclusion checks and, if it
// survives, commits an asset update together with its transfer operation in
// one transaction.
package scan

import (
	"context"
	"time"

	"github.com/toole-brendan/handreceipt-custody/internal/crypto"
	"github.com/toole-brendan/handreceipt-custody/internal/db"
	apperrors "github.com/toole-brendan/handreceipt-custody/internal/errors"
	"github.com/toole-brendan/handreceipt-custody/internal/logging"
	"github.com/toole-brendan/handreceipt-custody/internal/merkle"
	"github.com/toole-brendan/handreceipt-custody/internal/models"
	"github.com/toole-brendan/handreceipt-custody/internal/uuid"
)

// State is a pipeline stage. A scan either reaches StateCommitted or exits
// at StateRejected; there are no other terminal states.
type State string

const (
	StateCaptured         State = "captured"
	StateSignatureChecked State = "signature_checked"
	StateProofChecked     State = "proof_checked"
	StateCommitted        State = "committed"
	StateRejected         State = "rejected"
)

// Input is one captured scan. Proof may be empty: an offline device has no
// way to obtain one, and the scan then commits provisionally.
type Input struct {
	Raw       []byte
	Proof     []merkle.ProofStep
	NewHolder string
}

// Decision is the pipeline outcome. On rejection Reason holds the error
// code that stopped the scan; on a provisional commit Unverified is set and
// LeafHash identifies the record awaiting re-verification.
type Decision struct {
	State        State
	Reason       apperrors.ErrorCode
	Unverified   bool
	LeafHash     string
	Verification *models.VerificationResult
	Result       *models.ScanResult
}

// Pipeline validates and commits scans against the local store.
type Pipeline struct {
	store    *db.Store
	verifier *crypto.Service
	maxDepth int
	now      func() time.Time
}

// NewPipeline creates a pipeline. maxDepth bounds accepted Merkle proofs.
func NewPipeline(store *db.Store, verifier *crypto.Service, maxDepth int) *Pipeline {
	if maxDepth <= 0 {
		maxDepth = merkle.DefaultMaxDepth
	}
	return &Pipeline{
		store:    store,
		verifier: verifier,
		maxDepth: maxDepth,
		now:      time.Now,
	}
}

// SetClock overrides the pipeline's clock for tests.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Process runs one scan through the full pipeline. A rejection returns both
// the rejecting Decision and the error that caused it; nothing is persisted
// on any rejection path.
func (p *Pipeline) Process(ctx context.Context, in Input) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := models.DecodeScanRecord(in.Raw)
	if err != nil {
		return reject(apperrors.ErrMalformedPayload),
			apperrors.Wrap(apperrors.ErrMalformedPayload, "decode scan", err)
	}

	valid, code := p.verifier.Verify(rec.SignedFields(), rec.Signature)
	if !valid {
		logging.Warn("scan signature check failed", map[string]interface{}{
			"transfer_id": rec.TransferID,
			"property_id": rec.PropertyID,
			"code":        string(code),
		})
		return reject(code), apperrors.New(code, "scan signature check failed")
	}

	canonical, err := crypto.Canonicalize(rec.SignedFields())
	if err != nil {
		return reject(apperrors.ErrInternal),
			apperrors.Wrap(apperrors.ErrInternal, "canonicalize scan record", err)
	}
	leaf := merkle.HashLeaf(canonical)

	root, err := p.store.GetState(db.StateTrustedRoot)
	if err != nil {
		return nil, err
	}

	verified := false
	if len(in.Proof) > 0 && root != "" {
		ok, verr := merkle.VerifyInclusion(leaf, in.Proof, root, p.maxDepth)
		if verr != nil || !ok {
			logging.Warn("scan proof check failed", map[string]interface{}{
				"transfer_id": rec.TransferID,
				"leaf":        leaf,
			})
			return reject(apperrors.ErrInvalidProof),
				apperrors.New(apperrors.ErrInvalidProof, "merkle inclusion check failed")
		}
		verified = true
	}

	dec, err := p.commit(rec, in.NewHolder, leaf, root, verified)
	if err != nil {
		return nil, err
	}
	dec.Verification = &models.VerificationResult{IsValid: true}
	if verified {
		dec.Verification.MerkleProof = siblingHashes(in.Proof)
	}

	logging.Info("scan committed", map[string]interface{}{
		"transfer_id": rec.TransferID,
		"property_id": rec.PropertyID,
		"unverified":  dec.Unverified,
	})
	return dec, nil
}

// commit applies the verified scan: it upserts the asset and enqueues the
// transfer in one transaction, so a crash never leaves one without the other.
func (p *Pipeline) commit(rec *models.ScanRecord, newHolder, leaf, root string, verified bool) (*Decision, error) {
	now := p.now()
	scanTime, err := rec.Time()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedPayload, "scan timestamp", err)
	}

	asset, err := p.store.GetAsset(rec.PropertyID)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		asset = &models.Asset{
			ID:        rec.PropertyID,
			Name:      rec.PropertyID,
			Status:    models.AssetStatusActive,
			Metadata:  map[string]string{},
			CreatedAt: now.Unix(),
		}
	}
	if asset.Metadata == nil {
		asset.Metadata = map[string]string{}
	}

	previousHolder := asset.Metadata[models.MetadataKeyHolder]
	if newHolder != "" {
		asset.Metadata[models.MetadataKeyHolder] = newHolder
	}

	asset.LastScanned = scanTime.Unix()
	if rec.Location != nil && rec.Location.Label != "" {
		asset.Location = rec.Location.Label
	}
	if verified {
		asset.LastVerified = now.Unix()
		delete(asset.Metadata, models.MetadataKeyUnverified)
	} else {
		asset.Metadata[models.MetadataKeyUnverified] = leaf
	}
	asset.Touch(now)

	op := &models.Operation{
		ID:      uuid.New(),
		Type:    models.OperationTransfer,
		AssetID: asset.ID,
		Payload: models.TransferPayload{
			TransferID:     rec.TransferID,
			PreviousHolder: previousHolder,
			NewHolder:      newHolder,
			Location:       asset.Location,
			ScanTimestamp:  rec.Timestamp,
			Unverified:     !verified,
		},
		Status:    models.OperationStatusPending,
		Priority:  models.PriorityFor(models.OperationTransfer),
		CreatedAt: now.Unix(),
	}

	if err := p.store.CommitScan(asset, op); err != nil {
		return nil, err
	}

	result := &models.ScanResult{
		ID:             op.ID,
		PropertyID:     rec.PropertyID,
		Timestamp:      rec.Timestamp,
		Signature:      rec.Signature,
		PreviousHolder: previousHolder,
		Location:       rec.Location,
	}
	if verified {
		result.MerkleRoot = root
	}

	return &Decision{
		State:      StateCommitted,
		Unverified: !verified,
		LeafHash:   leaf,
		Result:     result,
	}, nil
}

func reject(code apperrors.ErrorCode) *Decision {
	return &Decision{
		State:        StateRejected,
		Reason:       code,
		Verification: &models.VerificationResult{Error: string(code)},
	}
}

func siblingHashes(proof []merkle.ProofStep) []string {
	hashes := make([]string, len(proof))
	for i, step := range proof {
		hashes[i] = step.Sibling
	}
	return hashes
}
