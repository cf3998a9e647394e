package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayerTransfer(t *testing.T) {
	ctx := context.Background()
	req := TransferRequest{From: "0xtreasury", To: "0xinvestor", Amount: "1000", Contract: "0xcontract", IdempotencyKey: "order-1"}

	t.Run("should return the transaction hash", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/transfers", r.URL.Path)
			assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
			assert.Equal(t, "order-1", r.Header.Get("Idempotency-Key"))

			var got TransferRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			assert.Equal(t, req, got)

			_, _ = w.Write([]byte(`{"tx_hash":"0xabc","status":"confirmed"}`))
		}))
		defer srv.Close()

		hash, err := NewRelayer(srv.URL, "tkn", time.Second).Transfer(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "0xabc", hash)
	})

	t.Run("should classify client errors as permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":{"code":"invalid_recipient","message":"bad address"}}`))
		}))
		defer srv.Close()

		_, err := NewRelayer(srv.URL, "", time.Second).Transfer(ctx, req)
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
		assert.Contains(t, err.Error(), "invalid_recipient")
	})

	t.Run("should classify server errors as transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := NewRelayer(srv.URL, "", time.Second).Transfer(ctx, req)
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
	})

	t.Run("should respect the caller deadline", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := NewRelayer(srv.URL, "", 5*time.Second).Transfer(tctx, req)
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
	})
}
