package ariarpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const maxResponseSize = 64 << 20

// HTTPClient is the stateless transport: every Invoke is one POST carrying
// one envelope and one reply. It has no notification path.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	token      string
	logger     *zap.Logger
	idCounter  atomic.Uint64
}

type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.httpClient = c
		}
	}
}

func WithHTTPToken(token string) HTTPOption { return func(h *HTTPClient) { h.token = token } }

// WithHTTPTimeout bounds each request, reply included.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) { h.httpClient.Timeout = d }
}

func WithHTTPLogger(logger *zap.Logger) HTTPOption {
	return func(h *HTTPClient) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHTTPClient validates an http or https endpoint such as
// http://localhost:6800/jsonrpc.
func NewHTTPClient(endpoint string, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ariarpc: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("ariarpc: missing host")
	}
	h := &HTTPClient{
		endpoint:   u.String(),
		httpClient: &http.Client{Timeout: defaultCallTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HTTPClient) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return h.Invoke(ctx, method, params)
}

// Invoke posts one request and decodes the single response. aria2 answers
// failed calls with a non-2xx status and an error object, so the body is
// decoded whatever the status.
func (h *HTTPClient) Invoke(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	id := h.idCounter.Add(1)
	payload, err := EncodeRequest(newRequest(id, method, applyToken(h.token, method, params)))
	if err != nil {
		return nil, fmt.Errorf("ariarpc: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ariarpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionError{Op: "post", URL: h.endpoint, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			h.logger.Debug("closing response body", zap.Error(err))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &ConnectionError{Op: "read", URL: h.endpoint, Err: err}
	}

	f, err := DecodeFrame(body)
	if err != nil {
		h.logger.Warn("undecodable reply",
			zap.String("method", method),
			zap.Int("status", resp.StatusCode),
			zap.Error(err))
		return nil, err
	}
	if f.Kind != FrameResponse {
		return nil, &ProtocolError{Reason: "expected a response, got a notification", Payload: body}
	}
	if f.ID != id {
		return nil, &ProtocolError{Reason: fmt.Sprintf("response id %d does not match request id %d", f.ID, id), Payload: body}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Result, nil
}
