package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// httpClientTimeout bounds the whole request; streams are long-lived.
const httpClientTimeout = 10 * time.Minute

// defaultIdleTimeout is how long we wait for the first response byte before
// giving up on a silent upstream.
const defaultIdleTimeout = 30 * time.Second

var defaultHTTPClient = &http.Client{
	Timeout: httpClientTimeout,
}

// ProviderRef identifies one upstream endpoint and how to talk to it.
type ProviderRef struct {
	Name    string
	Dialect Dialect
	URL     string
	APIKey  string
	Headers map[string]string
}

// Client issues streaming requests to upstream providers. The idle timer
// starts when the request is dispatched and is cancelled by the first
// response byte; its expiry surfaces as a TimeoutError, distinct from
// credential or quota failures.
type Client struct {
	http        *http.Client
	idleTimeout time.Duration
}

func NewClient(idleTimeout time.Duration) *Client {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Client{http: defaultHTTPClient, idleTimeout: idleTimeout}
}

// UpstreamStream is one in-flight streamed response body.
type UpstreamStream struct {
	body     io.ReadCloser
	cancel   context.CancelFunc
	timer    *time.Timer
	timedOut *atomic.Bool
	started  bool
}

func (s *UpstreamStream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 && !s.started {
		s.started = true
		s.timer.Stop()
	}
	if err != nil && err != io.EOF && s.timedOut.Load() {
		return n, &TimeoutError{Phase: "idle"}
	}
	return n, err
}

func (s *UpstreamStream) Close() error {
	s.timer.Stop()
	s.cancel()
	return s.body.Close()
}

// Stream POSTs body to the provider endpoint and returns the raw response
// body for relaying and decoding. Non-2xx statuses are mapped into the error
// taxonomy before any byte is relayed.
func (c *Client) Stream(ctx context.Context, provider ProviderRef, body []byte) (*UpstreamStream, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, provider.URL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if provider.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
	for key, value := range provider.Headers {
		if value == "" {
			continue
		}
		httpReq.Header.Set(key, value)
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(c.idleTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	resp, err := c.http.Do(httpReq)
	if err != nil {
		timer.Stop()
		cancel()
		if timedOut.Load() {
			return nil, &TimeoutError{Phase: "idle"}
		}
		return nil, fmt.Errorf("%s request failed: %w", provider.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		timer.Stop()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		cancel()
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%s: %w: %s", provider.Name, ErrInvalidCredential, string(respBody))
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("%s: %w: %s", provider.Name, ErrOverQuota, string(respBody))
		default:
			return nil, &UpstreamError{Status: resp.StatusCode, Body: string(respBody)}
		}
	}

	return &UpstreamStream{
		body:     resp.Body,
		cancel:   cancel,
		timer:    timer,
		timedOut: &timedOut,
	}, nil
}
