package zerion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalletTransactions_PaginationAndAuth(t *testing.T) {
	var gotAuth string
	page := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		page++

		resp := transactionsResponse{
			Data: []Transaction{{
				ID: fmt.Sprintf("tx-%d", page),
				Attributes: TransactionAttributes{
					OperationType: "trade",
					Hash:          fmt.Sprintf("hash-%d", page),
					MinedAt:       time.Now().UTC(),
				},
			}},
		}
		if page < 3 {
			resp.Links.Next = "http://" + r.Host + fmt.Sprintf("/wallets/w/transactions/?page=%d", page+1)
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL)
	txs, err := c.WalletTransactions(context.Background(), "wallet1", "solana", 0)
	require.NoError(t, err)

	assert.Len(t, txs, 3)
	assert.Equal(t, "hash-1", txs[0].Attributes.Hash)
	assert.Equal(t, "hash-3", txs[2].Attributes.Hash)

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("test-key:"))
	assert.Equal(t, wantAuth, gotAuth)
}

func TestWalletTransactions_PageLimit(t *testing.T) {
	pages := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		resp := transactionsResponse{
			Data: []Transaction{{ID: fmt.Sprintf("tx-%d", pages)}},
		}
		resp.Links.Next = "http://" + r.Host + "/next" // never ends on its own
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL)
	txs, err := c.WalletTransactions(context.Background(), "w", "solana", 2)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assert.Equal(t, 2, pages)
}

func TestWalletTransactions_NonRetryableError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"errors":[{"title":"unauthorized"}]}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("bad-key", srv.URL)
	_, err := c.WalletTransactions(context.Background(), "w", "solana", 0)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "401 must not be retried")
}

func TestWalletTransactions_RetriesTransientErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(transactionsResponse{
			Data: []Transaction{{ID: "tx-1"}},
		})
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL)
	txs, err := c.WalletTransactions(context.Background(), "w", "solana", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, 2, calls)
}
