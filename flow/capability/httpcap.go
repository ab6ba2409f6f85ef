package capability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPCapability exposes outbound HTTP requests to stages under a strict
// contract: GET and POST only, bounded response size, per-call timeout.
type HTTPCapability struct {
	client      *http.Client
	maxBodySize int64
}

// NewHTTPCapability builds the capability with sane bounds. A zero timeout
// defaults to 30s, a zero maxBodySize to 1 MiB.
func NewHTTPCapability(timeout time.Duration, maxBodySize int64) *HTTPCapability {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	return &HTTPCapability{
		client:      &http.Client{Timeout: timeout},
		maxBodySize: maxBodySize,
	}
}

// Name implements Capability.
func (h *HTTPCapability) Name() string { return "http_request" }

// Operations implements Capability.
func (h *HTTPCapability) Operations() map[string]Operation {
	return map[string]Operation{
		"fetch": {
			Description: "Perform an HTTP GET or POST and return status, headers, and body.",
			Schema: `{
				"type": "object",
				"properties": {
					"url": {"type": "string", "format": "uri"},
					"method": {"type": "string", "enum": ["GET", "POST"]},
					"body": {"type": "string"},
					"headers": {"type": "object", "additionalProperties": {"type": "string"}}
				},
				"required": ["url"],
				"additionalProperties": false
			}`,
		},
	}
}

// Start implements Capability.
func (h *HTTPCapability) Start(context.Context) error { return nil }

// Stop implements Capability.
func (h *HTTPCapability) Stop(context.Context) error {
	h.client.CloseIdleConnections()
	return nil
}

// Healthy implements Capability.
func (h *HTTPCapability) Healthy(context.Context) error { return nil }

// Invoke implements Capability.
func (h *HTTPCapability) Invoke(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	if operation != "fetch" {
		return nil, fmt.Errorf("%w: http_request.%s", ErrUnknownOperation, operation)
	}

	url, _ := params["url"].(string)
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if raw, ok := params["body"].(string); ok && raw != "" {
		body = strings.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    string(data),
	}, nil
}
