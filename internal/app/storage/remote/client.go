// Package remote implements the storage interfaces against the network
// relational store's REST API.
//
// The store exposes no transactions to the application; every operation here
// is a single-row command. Multi-step mutations are serialized by the engines
// through in-process key locks, and conditional filters on expected values
// are attached as defense-in-depth, not as the primary guarantee.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	maxResponseBytes  = 8 << 20  // 8 MiB
	maxErrorBodyBytes = 32 << 10 // 32 KiB
)

// ClientConfig holds remote store connection settings.
type ClientConfig struct {
	URL        string
	ServiceKey string
	Timeout    time.Duration
}

// Client wraps the store's REST API.
type Client struct {
	url        string
	serviceKey string
	httpClient *http.Client
}

// NewClient creates a REST client for the remote store.
func NewClient(cfg ClientConfig) (*Client, error) {
	url := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if url == "" {
		return nil, fmt.Errorf("remote store URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		url:        url,
		serviceKey: cfg.ServiceKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// apiError carries the HTTP status of a failed store call so the retry layer
// can classify it. A zero status means the request never reached the store.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	if e.status == 0 {
		return fmt.Sprintf("store request failed: %s", e.message)
	}
	return fmt.Sprintf("store API error %d: %s", e.status, e.message)
}

// transient reports whether the failure is worth retrying.
func (e *apiError) transient() bool {
	switch {
	case e.status == 0:
		return true
	case e.status == http.StatusRequestTimeout, e.status == http.StatusTooManyRequests:
		return true
	case e.status >= 500:
		return true
	}
	return false
}

// request makes one HTTP request against /rest/v1/<table>.
func (c *Client) request(ctx context.Context, method, table string, body interface{}, query string) ([]byte, error) {
	url := fmt.Sprintf("%s/rest/v1/%s", c.url, table)
	if query != "" {
		url += "?" + query
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.serviceKey != "" {
		req.Header.Set("apikey", c.serviceKey)
		req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	}
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apiError{message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &apiError{status: resp.StatusCode, message: extractErrorMessage(raw)}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return respBody, nil
}

// extractErrorMessage pulls the store's structured error message out of the
// response body, falling back to the raw text.
func extractErrorMessage(raw []byte) string {
	if msg := gjson.GetBytes(raw, "message"); msg.Exists() {
		out := msg.String()
		if hint := gjson.GetBytes(raw, "details"); hint.Exists() && hint.String() != "" {
			out += " (" + hint.String() + ")"
		}
		return out
	}
	return strings.TrimSpace(string(raw))
}
