// Package rest is the HTTP transport client for the remote endpoint. The
// remote follows WordPress-style REST conventions: responses wrap payloads in
// a {"data": ...} envelope, id enumeration uses fields[]=id with
// posts_per_page=-1, and bulk fetch-by-id is a POST body with an
// X-HTTP-Method-Override: GET header because querystrings cap id-list length.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the minimum payload size to compress.
	// Below this, compression overhead isn't worth it.
	compressionThreshold = 1024 // 1KB

	defaultTimeout = 30 * time.Second
)

// ErrUnauthorized is returned when the server returns 401 or 403.
// This typically means the API key is invalid or expired.
var ErrUnauthorized = errors.New("unauthorized")

// ErrBadShape is returned when a response is valid JSON but missing the
// expected {"data": ...} envelope or the expected array inside it.
var ErrBadShape = errors.New("unexpected response shape")

// Config holds the transport configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is a configured HTTP client for making authenticated requests to the
// remote endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	encoder    *zstd.Encoder
	logger     *slog.Logger
}

// envelope is the {"data": ...} wrapper every endpoint responds with.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// NewClient creates a new authenticated client. A nil logger falls back to
// slog.Default().
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	// zstd encoder with default compression level (good balance of speed/ratio)
	encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		encoder:    encoder,
		logger:     logger,
	}
}

// Get performs a GET and returns the raw contents of the data envelope.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, query, nil, nil)
}

// Post performs a POST with a JSON body (create).
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, path, nil, body, nil)
}

// Patch performs a PATCH with a partial document body.
func (c *Client) Patch(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPatch, path, nil, body, nil)
}

// PostOverrideGet performs a logical GET carried in a POST body, for filter
// sets (explicit id lists) too large for a querystring. The override header
// tells the remote to treat it as a read.
func (c *Client) PostOverrideGet(ctx context.Context, path string, query url.Values, body any) (json.RawMessage, error) {
	headers := http.Header{"X-HTTP-Method-Override": []string{http.MethodGet}}
	return c.do(ctx, http.MethodPost, path, query, body, headers)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody any, extra http.Header) (json.RawMessage, error) {
	var bodyReader io.Reader
	var contentEncoding string

	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		if len(payload) >= compressionThreshold {
			compressed := c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
			bodyReader = bytes.NewReader(compressed)
			contentEncoding = "zstd"
		} else {
			bodyReader = bytes.NewReader(payload)
		}
	}

	u := c.cfg.BaseURL + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
		if contentEncoding != "" {
			req.Header.Set("Content-Encoding", contentEncoding)
		}
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("request complete",
		"method", method, "path", path,
		"status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnauthorized, resp.StatusCode, string(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("http request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("%w: missing data envelope", ErrBadShape)
	}
	return env.Data, nil
}

// DataArray decodes an envelope payload as a list of raw JSON objects.
// A non-array payload is a data-shape error.
func DataArray(data json.RawMessage) ([]map[string]any, error) {
	var items []map[string]any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: expected array: %v", ErrBadShape, err)
	}
	return items, nil
}

// DataObject decodes an envelope payload as a single raw JSON object.
func DataObject(data json.RawMessage) (map[string]any, error) {
	var item map[string]any
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("%w: expected object: %v", ErrBadShape, err)
	}
	return item, nil
}
