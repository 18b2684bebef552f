// Package recorder persists captured proxy exchanges to the interaction log
// without holding up the client-facing response.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/llm-proxier/internal/metrics"
	"github.com/tjfontaine/llm-proxier/internal/server"
	"github.com/tjfontaine/llm-proxier/internal/storage"
)

// DefaultWriteTimeout bounds a single log write when no timeout is configured.
const DefaultWriteTimeout = 5 * time.Second

// Exchange is one forwarded request and the response captured by the relay.
type Exchange struct {
	Method       string
	Path         string
	RequestBody  []byte // Raw inbound bytes
	StatusCode   int
	ResponseBody []byte // Every chunk relayed, in order
}

// Recorder writes exchanges to a LogStore on background goroutines.
type Recorder struct {
	store        storage.LogStore
	logger       *slog.Logger
	metrics      *metrics.Collector
	writeTimeout time.Duration

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used for persistence failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithMetrics records write outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Recorder) {
		r.metrics = c
	}
}

// WithWriteTimeout bounds each log write. Zero or negative disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		r.writeTimeout = d
	}
}

// New creates a recorder that appends to store.
func New(store storage.LogStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:        store,
		logger:       slog.Default(),
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record builds the interaction for ex and persists it asynchronously. It
// returns immediately; ctx supplies only the request id, never cancellation.
func (r *Recorder) Record(ctx context.Context, ex Exchange) {
	rec := storage.NewInteraction(
		ex.Method,
		ex.Path,
		storage.RequestJSON(ex.RequestBody),
		storage.DecodeResponseText(ex.ResponseBody),
		ex.StatusCode,
	)
	requestID := server.GetRequestID(ctx)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Error("recorder closed, dropping interaction",
			slog.String("request_id", requestID),
			slog.String("method", rec.Method),
			slog.String("path", rec.Path),
		)
		return
	}
	r.pending.Add(1)
	r.mu.Unlock()

	persistCtx, cancel := buildPersistenceContext(ctx, r.writeTimeout)
	r.metrics.LogWriteStarted()

	go func() {
		defer r.pending.Done()
		defer cancel()

		start := time.Now()
		id, err := r.store.Append(persistCtx, rec)
		r.metrics.LogWriteFinished(time.Since(start), err)

		if err != nil {
			r.logger.Error("failed to persist interaction",
				slog.String("request_id", requestID),
				slog.String("method", rec.Method),
				slog.String("path", rec.Path),
				slog.Int("status_code", rec.StatusCode),
				slog.String("error", err.Error()),
			)
			return
		}

		r.logger.Debug("interaction persisted",
			slog.String("request_id", requestID),
			slog.Int64("id", id),
		)
	}()
}

// Close stops accepting new exchanges and waits for pending writes, or for
// ctx to end, whichever comes first.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pending log writes: %w", ctx.Err())
	}
}

// buildPersistenceContext detaches persistence from the request lifecycle,
// keeping only the request id, and applies the write timeout.
func buildPersistenceContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	base := context.Background()
	if reqID := server.GetRequestID(ctx); reqID != "" {
		base = server.WithRequestID(base, reqID)
	}

	if timeout <= 0 {
		return context.WithCancel(base)
	}

	return context.WithTimeout(base, timeout)
}
