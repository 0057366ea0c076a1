package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/toole-brendan/handreceipt-custody/internal/errors"
	"github.com/toole-brendan/handreceipt-custody/internal/merkle"
	"github.com/toole-brendan/handreceipt-custody/internal/models"
)

func testOperation() *models.Operation {
	return &models.Operation{
		ID:      "op-1",
		Type:    models.OperationTransfer,
		AssetID: "a-1",
		Payload: models.TransferPayload{
			TransferID:    "t-1",
			ScanTimestamp: "2026-08-30T10:00:00Z",
		},
		CreatedAt: 1_700_000_000,
	}
}

func TestSubmitOperationAcknowledged(t *testing.T) {
	var gotBody operationWire
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/operations", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(SubmitResponse{Status: SubmitAcknowledged})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	resp, err := c.SubmitOperation(context.Background(), testOperation())
	require.NoError(t, err)
	assert.Equal(t, SubmitAcknowledged, resp.Status)

	assert.Equal(t, "op-1", gotBody.ID)
	assert.Equal(t, "transfer", gotBody.Type)
	assert.Equal(t, "a-1", gotBody.AssetID)
}

func TestSubmitOperationRejectedWithReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"reason": "stale"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	resp, err := c.SubmitOperation(context.Background(), testOperation())
	require.NoError(t, err, "a well-formed rejection is a response, not an error")
	assert.Equal(t, SubmitRejected, resp.Status)
	assert.Equal(t, "stale", resp.Reason)
}

func TestSubmitOperationRejectionWithoutReasonDefaultsToValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	resp, err := c.SubmitOperation(context.Background(), testOperation())
	require.NoError(t, err)
	assert.Equal(t, SubmitRejected, resp.Status)
	assert.Equal(t, "validation", resp.Reason)
}

func TestSubmitOperationServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.SubmitOperation(context.Background(), testOperation())
	assert.True(t, apperrors.Is(err, apperrors.ErrTransientNetwork))
}

func TestSubmitOperationConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse everything

	c := NewClient(srv.URL, time.Second)
	_, err := c.SubmitOperation(context.Background(), testOperation())
	assert.True(t, apperrors.Is(err, apperrors.ErrTransientNetwork))
}

func TestFetchDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/assets/deltas", r.URL.Path)
		require.Equal(t, "cursor-1", r.URL.Query().Get("since"))
		json.NewEncoder(w).Encode(DeltaBatch{
			Deltas: []*models.Asset{
				{ID: "a-1", Name: "M4 Carbine", Status: models.AssetStatusActive},
			},
			NextCursor: "cursor-2",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	batch, err := c.FetchDeltas(context.Background(), "cursor-1")
	require.NoError(t, err)
	require.Len(t, batch.Deltas, 1)
	assert.Equal(t, "a-1", batch.Deltas[0].ID)
	assert.Equal(t, "cursor-2", batch.NextCursor)
}

func TestFetchMerkleRoot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/merkle-root", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"root": "roothash"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	root, err := c.FetchMerkleRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "roothash", root)
}

func TestFetchMerkleRootEmptyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.FetchMerkleRoot(context.Background())
	assert.Error(t, err)
}

func TestFetchProof(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/merkle-proof", r.URL.Path)
		require.Equal(t, "leafhash", r.URL.Query().Get("leaf"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"proof": []merkle.ProofStep{{Sibling: "sib", Side: merkle.SideLeft}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	proof, err := c.FetchProof(context.Background(), "leafhash")
	require.NoError(t, err)
	require.Len(t, proof, 1)
	assert.Equal(t, merkle.SideLeft, proof[0].Side)
}

func TestContextCancellationPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.SubmitOperation(ctx, testOperation())
	assert.Error(t, err)
}
