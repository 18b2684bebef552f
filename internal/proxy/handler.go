package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/llm-proxier/internal/metrics"
	"github.com/tjfontaine/llm-proxier/internal/recorder"
	"github.com/tjfontaine/llm-proxier/internal/server"
)

// RoutePrefix is the inbound path prefix stripped to obtain the subpath.
const RoutePrefix = "/v1/"

const tracerName = "github.com/tjfontaine/llm-proxier/internal/proxy"

// InteractionRecorder receives every exchange that reached the upstream.
type InteractionRecorder interface {
	Record(ctx context.Context, ex recorder.Exchange)
}

// Handler serves POST /v1/{subpath}. It expects authentication to have
// already happened.
type Handler struct {
	forwarder *Forwarder
	recorder  InteractionRecorder
	metrics   *metrics.Collector
	logger    *slog.Logger
	relayOpts []RelayOption
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for stream-level warnings.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics records relay outcomes on c.
func WithMetrics(c *metrics.Collector) HandlerOption {
	return func(h *Handler) {
		h.metrics = c
	}
}

// WithRelayOptions applies opts to every relay the handler starts.
func WithRelayOptions(opts ...RelayOption) HandlerOption {
	return func(h *Handler) {
		h.relayOpts = append(h.relayOpts, opts...)
	}
}

// NewHandler creates the proxy handler.
func NewHandler(f *Forwarder, rec InteractionRecorder, opts ...HandlerOption) *Handler {
	h := &Handler{
		forwarder: f,
		recorder:  rec,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subpath returns the escaped request path following the /v1/ prefix.
func Subpath(r *http.Request) string {
	return strings.TrimPrefix(r.URL.EscapedPath(), RoutePrefix)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subpath := Subpath(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		server.AddError(ctx, err)
		server.WriteError(w, r, http.StatusBadRequest, "Failed to read request body")
		return
	}

	server.AddLogField(ctx, "upstream_url", h.forwarder.TargetURL(subpath))

	ctx, span := otel.Tracer(tracerName).Start(ctx, "proxy.forward",
		trace.WithAttributes(
			attribute.String("proxy.subpath", subpath),
			attribute.Int("proxy.request_bytes", len(body)),
		),
	)
	defer span.End()

	resp, err := h.forwarder.Forward(ctx, r.Method, subpath, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream request failed")
		server.AddError(ctx, err)
		h.writeUpstreamError(w, r, err)
		return
	}

	server.AddLogField(ctx, "upstream_status", strconv.Itoa(resp.StatusCode))
	span.SetAttributes(attribute.Int("http.response.upstream_status", resp.StatusCode))

	relay := NewRelay(w, resp, func(c *Capture) {
		h.finish(ctx, r.Method, subpath, body, c)
	}, h.relayOpts...)

	c := relay.Run(ctx)

	span.SetAttributes(
		attribute.Int64("proxy.response_bytes", c.Bytes()),
		attribute.Int("proxy.chunks", c.Chunks),
		attribute.Bool("proxy.client_gone", c.ClientGone),
	)
	if c.Interrupted() {
		span.RecordError(c.Err)
		span.SetStatus(codes.Error, "upstream stream interrupted")
		server.AddError(ctx, c.Err)
	}
	server.AddLogField(ctx, "upstream_bytes", strconv.FormatInt(c.Bytes(), 10))
	server.AddLogField(ctx, "chunks", strconv.Itoa(c.Chunks))
	if c.ClientGone {
		server.AddLogField(ctx, "client_gone", "true")
	}
}

// finish runs on the relay's transition to closed.
func (h *Handler) finish(ctx context.Context, method, subpath string, body []byte, c *Capture) {
	h.metrics.ObserveStream(c.StatusCode, c.Bytes(), c.Duration, c.ClientGone)
	if c.Interrupted() {
		h.metrics.UpstreamError(metrics.UpstreamInterrupted)
		h.logger.Warn("upstream stream interrupted, recording partial body",
			slog.String("request_id", server.GetRequestID(ctx)),
			slog.String("path", subpath),
			slog.Int64("bytes", c.Bytes()),
			slog.String("error", c.Err.Error()),
		)
	}

	h.recorder.Record(ctx, recorder.Exchange{
		Method:       method,
		Path:         subpath,
		RequestBody:  body,
		StatusCode:   c.StatusCode,
		ResponseBody: c.Body,
	})
}

// writeUpstreamError reports a failure before upstream headers. No interaction
// is recorded for these.
func (h *Handler) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrUpstreamTimeout) {
		h.metrics.UpstreamError(metrics.UpstreamTimeout)
		server.WriteError(w, r, http.StatusGatewayTimeout, "Upstream request timed out")
		return
	}
	h.metrics.UpstreamError(metrics.UpstreamUnreachable)
	server.WriteError(w, r, http.StatusBadGateway, "Upstream request failed")
}
