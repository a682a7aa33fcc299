// Package relay submits signed call batches to the execution relay as
// one atomic unit and waits for inclusion.
package relay

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/model"
)

// Client talks to the batch relay service.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

// NewClient creates a relay client.
func NewClient(baseURL string) *Client {
	retry := retryablehttp.NewClient()
	retry.RetryMax = 3
	retry.RetryWaitMin = 500 * time.Millisecond
	retry.RetryWaitMax = 3 * time.Second
	retry.Logger = nil
	return &Client{
		baseURL:      baseURL,
		httpClient:   retry.StandardClient(),
		pollInterval: 2 * time.Second,
	}
}

// batchCall is the wire form of one call in a batch.
type batchCall struct {
	Target string `json:"target"`
	Data   string `json:"data"`
	Value  string `json:"value"`
}

type batchRequest struct {
	From      string      `json:"from"`
	Calls     []batchCall `json:"calls"`
	GasLimit  uint64      `json:"gasLimit"`
	Signature string      `json:"signature"`
}

type batchResponse struct {
	Ref    string `json:"ref"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Submit signs the batch with the session key, posts it to the relay
// and blocks until the relay reports inclusion or ctx expires. All
// calls land atomically or not at all.
func (c *Client) Submit(ctx context.Context, from common.Address, signingKey []byte, calls []model.Call, gasLimit uint64) (string, error) {
	key, err := crypto.ToECDSA(signingKey)
	if err != nil {
		return "", fmt.Errorf("parsing session key: %w", err)
	}

	digest := batchDigest(from, calls, gasLimit)
	signature, err := crypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("signing batch: %w", err)
	}

	request := batchRequest{
		From:      from.Hex(),
		GasLimit:  gasLimit,
		Signature: hex.EncodeToString(signature),
		Calls:     make([]batchCall, 0, len(calls)),
	}
	for _, call := range calls {
		value := "0"
		if call.Value != nil {
			value = call.Value.String()
		}
		request.Calls = append(request.Calls, batchCall{
			Target: call.Target.Hex(),
			Data:   hex.EncodeToString(call.Payload),
			Value:  value,
		})
	}

	submitted, err := c.post(ctx, "/v1/batches", request)
	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"ref":   submitted.Ref,
		"from":  from.Hex(),
		"calls": len(calls),
	}).Debug("Batch submitted, awaiting inclusion")

	return c.await(ctx, submitted.Ref)
}

// await polls the relay until the batch is confirmed or fails.
func (c *Client) await(ctx context.Context, ref string) (string, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.get(ctx, "/v1/batches/"+ref)
		if err != nil {
			return "", err
		}
		switch status.Status {
		case "confirmed":
			return ref, nil
		case "failed", "reverted":
			return "", fmt.Errorf("batch %s %s: %s", ref, status.Status, status.Error)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("awaiting batch %s: %w", ref, ctx.Err())
		case <-ticker.C:
		}
	}
}

// batchDigest is the keccak256 commitment the relay verifies: sender,
// gas limit, then each call's target, value and payload in order.
func batchDigest(from common.Address, calls []model.Call, gasLimit uint64) []byte {
	var buf bytes.Buffer
	buf.Write(from.Bytes())
	var gas [8]byte
	for i := 0; i < 8; i++ {
		gas[7-i] = byte(gasLimit >> (8 * i))
	}
	buf.Write(gas[:])
	for _, call := range calls {
		buf.Write(call.Target.Bytes())
		if call.Value != nil {
			buf.Write(common.LeftPadBytes(call.Value.Bytes(), 32))
		} else {
			buf.Write(make([]byte, 32))
		}
		buf.Write(call.Payload)
	}
	return crypto.Keccak256(buf.Bytes())
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*batchResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding relay request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) (*batchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating relay request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*batchResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("relay error: status %d, body: %s", resp.StatusCode, string(body))
	}
	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding relay response: %w", err)
	}
	return &out, nil
}
