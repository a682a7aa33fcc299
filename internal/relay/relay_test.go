package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-autopilot/internal/model"
)

func testCalls() []model.Call {
	return []model.Call{
		{Target: common.HexToAddress("0x01"), Payload: []byte{0xba, 0x08, 0x76, 0x52}, Value: big.NewInt(0)},
		{Target: common.HexToAddress("0x02"), Payload: []byte{0x09, 0x5e, 0xa7, 0xb3}, Value: big.NewInt(0)},
	}
}

func TestSubmit_SignsAndConfirms(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	polls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/v1/batches":
			var req batchRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, from.Hex(), req.From)
			require.Len(t, req.Calls, 2)
			assert.Equal(t, uint64(500_000), req.GasLimit)

			// The signature must recover to the session address.
			sig, err := hex.DecodeString(req.Signature)
			require.NoError(t, err)
			digest := batchDigest(from, testCalls(), 500_000)
			pub, err := crypto.SigToPub(digest, sig)
			require.NoError(t, err)
			assert.Equal(t, from, crypto.PubkeyToAddress(*pub))

			json.NewEncoder(w).Encode(batchResponse{Ref: "0xbatch1", Status: "pending"})
		case r.Method == "GET" && r.URL.Path == "/v1/batches/0xbatch1":
			polls++
			status := "pending"
			if polls >= 2 {
				status = "confirmed"
			}
			json.NewEncoder(w).Encode(batchResponse{Ref: "0xbatch1", Status: status})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL)
	client.pollInterval = 10 * time.Millisecond

	ref, err := client.Submit(context.Background(), from, crypto.FromECDSA(key), testCalls(), 500_000)
	require.NoError(t, err)
	assert.Equal(t, "0xbatch1", ref)
	assert.GreaterOrEqual(t, polls, 2)
}

func TestSubmit_RevertedBatch(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			json.NewEncoder(w).Encode(batchResponse{Ref: "0xbad", Status: "pending"})
			return
		}
		json.NewEncoder(w).Encode(batchResponse{Ref: "0xbad", Status: "reverted", Error: "vault paused"})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	client.pollInterval = 10 * time.Millisecond

	_, err = client.Submit(context.Background(), from, crypto.FromECDSA(key), testCalls(), 500_000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault paused")
}

func TestSubmit_ContextTimeoutDuringWait(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			json.NewEncoder(w).Encode(batchResponse{Ref: "0xslow", Status: "pending"})
			return
		}
		json.NewEncoder(w).Encode(batchResponse{Ref: "0xslow", Status: "pending"})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	client.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Submit(ctx, from, crypto.FromECDSA(key), testCalls(), 500_000)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmit_RejectsMalformedKey(t *testing.T) {
	client := NewClient("http://localhost:0")
	_, err := client.Submit(context.Background(), common.Address{}, []byte{0x01}, testCalls(), 1)
	assert.Error(t, err)
}

func TestBatchDigest_SensitiveToContents(t *testing.T) {
	from := common.HexToAddress("0xEE")
	base := batchDigest(from, testCalls(), 500_000)

	altered := testCalls()
	altered[1].Payload = []byte{0x6e, 0x55, 0x3f, 0x65}
	assert.NotEqual(t, base, batchDigest(from, altered, 500_000))
	assert.NotEqual(t, base, batchDigest(from, testCalls(), 500_001))
	assert.Equal(t, base, batchDigest(from, testCalls(), 500_000))
}
