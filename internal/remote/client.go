// Package remote talks to the remote custody authority. The engine depends
// on a narrow surface: idempotent operation submission, ordered asset
// deltas, and the published Merkle root (plus inclusion proofs for
// re-verification of provisionally accepted scans).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/toole-brendan/handreceipt-custody/internal/errors"
	"github.com/toole-brendan/handreceipt-custody/internal/merkle"
	"github.com/toole-brendan/handreceipt-custody/internal/models"
)

// SubmitStatus is the authority's verdict on a submitted operation.
type SubmitStatus string

const (
	SubmitAcknowledged SubmitStatus = "acknowledged"
	SubmitRejected     SubmitStatus = "rejected"
)

// SubmitResponse is the authority's answer to POST /operations.
type SubmitResponse struct {
	Status SubmitStatus `json:"status"`
	// Reason is set on rejection: "stale" when the expected prior state no
	// longer matches, "validation" otherwise.
	Reason string `json:"reason,omitempty"`
}

// DeltaBatch is a page of remote asset changes plus the next cursor.
type DeltaBatch struct {
	Deltas     []*models.Asset `json:"deltas"`
	NextCursor string          `json:"nextCursor"`
}

// Authority is the remote collaborator interface. Submission is idempotent
// by operation id: the authority de-duplicates, so retrying an operation
// whose previous result was lost is always safe.
type Authority interface {
	SubmitOperation(ctx context.Context, op *models.Operation) (*SubmitResponse, error)
	FetchDeltas(ctx context.Context, since string) (*DeltaBatch, error)
	FetchMerkleRoot(ctx context.Context) (string, error)
	FetchProof(ctx context.Context, leafHash string) ([]merkle.ProofStep, error)
}

// Client is the HTTP implementation of Authority.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the authority at baseURL. The timeout
// bounds each call; a timeout surfaces as a transient failure, never as an
// acknowledgement.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// operationWire is the submission body.
type operationWire struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	AssetID   string          `json:"assetId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"`
}

// SubmitOperation posts one operation. Network-level failures and 5xx map
// to TransientNetworkFailure; a well-formed rejection comes back as a
// SubmitResponse, not an error.
func (c *Client) SubmitOperation(ctx context.Context, op *models.Operation) (*SubmitResponse, error) {
	payload, err := models.EncodePayload(op.Payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode operation payload", err)
	}

	body, err := json.Marshal(operationWire{
		ID:        op.ID,
		Type:      string(op.Type),
		AssetID:   op.AssetID,
		Payload:   payload,
		CreatedAt: op.CreatedAt,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode operation", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/operations", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransientNetwork, "submit operation", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, apperrors.Newf(apperrors.ErrTransientNetwork,
			"authority returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		reason := readReason(resp.Body)
		return &SubmitResponse{Status: SubmitRejected, Reason: reason}, nil
	}

	var sr SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransientNetwork, "decode submit response", err)
	}
	if sr.Status != SubmitAcknowledged && sr.Status != SubmitRejected {
		return nil, apperrors.Newf(apperrors.ErrTransientNetwork,
			"authority returned unknown status %q", sr.Status)
	}
	return &sr, nil
}

// FetchDeltas requests asset changes since the given cursor.
func (c *Client) FetchDeltas(ctx context.Context, since string) (*DeltaBatch, error) {
	u := c.baseURL + "/assets/deltas?since=" + url.QueryEscape(since)
	var batch DeltaBatch
	if err := c.getJSON(ctx, u, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// FetchMerkleRoot fetches the currently published trusted root.
func (c *Client) FetchMerkleRoot(ctx context.Context) (string, error) {
	var out struct {
		Root string `json:"root"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/merkle-root", &out); err != nil {
		return "", err
	}
	if out.Root == "" {
		return "", apperrors.New(apperrors.ErrTransientNetwork, "authority returned empty root")
	}
	return out.Root, nil
}

// FetchProof fetches the inclusion proof for a leaf in the current tree.
func (c *Client) FetchProof(ctx context.Context, leafHash string) ([]merkle.ProofStep, error) {
	u := c.baseURL + "/merkle-proof?leaf=" + url.QueryEscape(leafHash)
	var out struct {
		Proof []merkle.ProofStep `json:"proof"`
	}
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out.Proof, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "authority request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.ErrTransientNetwork,
			"authority returned %d for %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "decode authority response", err)
	}
	return nil
}

func readReason(r io.Reader) string {
	var body struct {
		Reason string `json:"reason"`
	}
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "validation"
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Reason == "" {
		return "validation"
	}
	return body.Reason
}

var _ Authority = (*Client)(nil)
