// Package adapters provides a uniform interface over yield venues: rate
// and position reads plus venue-specific deposit/withdraw call building.
package adapters

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}
