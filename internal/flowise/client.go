// Package flowise is the HTTP client for the upstream chatflow engine.
package flowise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
)

// TransportConfig sizes the shared upstream connection pool.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	ConnectTimeout      time.Duration
}

// Client talks to the upstream engine. One instance is shared by all
// requests; the transport pools connections.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an upstream client with a tuned pooled transport.
func NewClient(baseURL, apiKey string, tc TransportConfig) *Client {
	if tc.ConnectTimeout <= 0 {
		tc.ConnectTimeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        tc.MaxIdleConns,
		MaxIdleConnsPerHost: tc.MaxIdleConnsPerHost,
		MaxConnsPerHost:     tc.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   tc.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   tc.ConnectTimeout,
		ResponseHeaderTimeout: tc.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		// No overall client timeout: streaming responses outlive any
		// fixed deadline. Callers bound lifetimes via context.
		httpClient: &http.Client{Transport: transport},
	}
}

// ListChatflows fetches the full upstream catalog.
func (c *Client) ListChatflows(ctx context.Context) ([]Chatflow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/chatflows", nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to build chatflows request", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "failed to reach upstream", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperrors.Newf(apperrors.KindUpstreamUnavailable, "upstream returned %d: %s", resp.StatusCode, string(body))
	}

	// Decode once into raw messages so each entry keeps its original JSON
	// for defensive per-field parsing downstream.
	var raws []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raws); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "failed to decode chatflow list", err)
	}

	flows := make([]Chatflow, 0, len(raws))
	for _, raw := range raws {
		var cf Chatflow
		if err := json.Unmarshal(raw, &cf); err != nil {
			// Skip entries that do not even have the basic shape; the
			// registry records blob-level errors itself.
			continue
		}
		cf.Raw = raw
		flows = append(flows, cf)
	}
	return flows, nil
}

// Predict issues a streaming prediction request. The caller owns the
// response body and must close it; the request lives until ctx is
// cancelled.
func (c *Client) Predict(ctx context.Context, chatflowID string, pr PredictionRequest) (*http.Response, error) {
	payload, err := json.Marshal(pr)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to encode prediction request", err)
	}

	url := fmt.Sprintf("%s/api/v1/prediction/%s", c.baseURL, chatflowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to build prediction request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(apperrors.KindUpstreamTimeout, "upstream request cancelled", err)
		}
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "failed to reach upstream", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, apperrors.Newf(apperrors.KindUpstreamUnavailable, "upstream returned %d: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
