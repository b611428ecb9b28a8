// Package common holds HTTP and payload helpers shared by backend adapters.
package common

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/memohai/deskbridge/internal/backend"
)

// DefaultTimeout bounds a single backend HTTP call.
const DefaultTimeout = 30 * time.Second

// NewClient returns a resty client rooted at baseURL. A non-nil httpClient
// supplies the transport (tests, OAuth2 clients).
func NewClient(baseURL string, httpClient *http.Client) *resty.Client {
	var client *resty.Client
	if httpClient != nil {
		client = resty.NewWithClient(httpClient)
	} else {
		client = resty.New().SetTimeout(DefaultTimeout)
	}
	return client.
		SetBaseURL(strings.TrimRight(strings.TrimSpace(baseURL), "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "deskbridge")
}

// Check folds a resty result into the backend error taxonomy.
func Check(kind backend.Kind, op string, resp *resty.Response, err error) error {
	if err != nil {
		return backend.TransportError(kind, op, err)
	}
	if resp == nil {
		return backend.TransportError(kind, op, http.ErrHandlerTimeout)
	}
	return backend.CheckResponse(kind, op, resp.StatusCode(), resp.Body())
}
