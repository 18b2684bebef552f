// Package proxy forwards authenticated calls to the upstream API and relays
// the response back while capturing it for the interaction log.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds connect, time to response headers and each idle gap
// between body reads.
const DefaultTimeout = 60 * time.Second

var (
	// ErrUpstreamUnreachable means the upstream call failed before response headers arrived.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrUpstreamTimeout means the upstream did not respond, or stopped sending, within the timeout.
	ErrUpstreamTimeout = errors.New("upstream timed out")
)

// Forwarder issues upstream requests over a shared connection pool. It is safe
// for concurrent use.
type Forwarder struct {
	baseURL   string
	apiKey    string
	timeout   time.Duration
	transport http.RoundTripper
	client    *http.Client
}

// ForwarderOption configures the forwarder.
type ForwarderOption func(*Forwarder)

// WithUpstreamAPIKey sets the bearer credential sent upstream. Empty sends none.
func WithUpstreamAPIKey(apiKey string) ForwarderOption {
	return func(f *Forwarder) {
		f.apiKey = apiKey
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.timeout = d
	}
}

// WithTransport replaces the pooled transport, e.g. with a recorder in tests.
// The transport is still wrapped with OpenTelemetry instrumentation.
func WithTransport(rt http.RoundTripper) ForwarderOption {
	return func(f *Forwarder) {
		f.transport = rt
	}
}

// NewForwarder creates a forwarder for the given upstream base URL.
func NewForwarder(baseURL string, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.transport == nil {
		f.transport = newTransport(f.timeout)
	}

	f.client = &http.Client{
		Transport: otelhttp.NewTransport(f.transport),
		// Redirects are relayed to the caller, not followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return f
}

func newTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		// Bytes must reach the client exactly as the upstream encoded them.
		DisableCompression: true,
	}
}

// TargetURL joins the base URL and subpath under a single /v1 segment.
func (f *Forwarder) TargetURL(subpath string) string {
	if strings.HasSuffix(f.baseURL, "/v1") {
		return f.baseURL + "/" + subpath
	}
	return f.baseURL + "/v1/" + subpath
}

// Forward sends body unmodified to the upstream and returns once response
// headers arrive. The call ignores cancellation of ctx so that a departing
// client does not abort the upstream read; the caller must close the
// response body.
//
// Errors before headers wrap ErrUpstreamTimeout or ErrUpstreamUnreachable. A
// body read that stalls past the timeout fails with an error wrapping
// ErrUpstreamTimeout.
func (f *Forwarder) Forward(ctx context.Context, method, subpath string, body []byte) (*http.Response, error) {
	target := f.TargetURL(subpath)

	upstreamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(upstreamCtx, method, target, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrUpstreamTimeout, method, target, err)
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUpstreamUnreachable, method, target, err)
	}

	resp.Body = newIdleTimeoutBody(resp.Body, f.timeout, cancel)
	return resp, nil
}

// CloseIdleConnections releases pooled connections.
func (f *Forwarder) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// idleTimeoutBody cancels the upstream request when a single Read blocks
// longer than timeout.
type idleTimeoutBody struct {
	rc       io.ReadCloser
	timeout  time.Duration
	timer    *time.Timer
	cancel   context.CancelFunc
	timedOut atomic.Bool
}

func newIdleTimeoutBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	return &idleTimeoutBody{rc: rc, timeout: timeout, cancel: cancel}
}

func (b *idleTimeoutBody) expire() {
	b.timedOut.Store(true)
	b.cancel()
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	if b.timeout <= 0 {
		return b.rc.Read(p)
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.timeout, b.expire)
	} else {
		b.timer.Reset(b.timeout)
	}
	n, err := b.rc.Read(p)
	b.timer.Stop()

	if err != nil && err != io.EOF && b.timedOut.Load() {
		err = fmt.Errorf("%w: no data for %s: %w", ErrUpstreamTimeout, b.timeout, err)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.rc.Close()
	b.cancel()
	return err
}
