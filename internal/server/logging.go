package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type requestLogKey struct{}

// requestLog collects attributes handlers add while a request is served.
// Keys keep their first-insertion order; a repeated key overwrites the value.
// Only the goroutine serving the request touches it.
type requestLog struct {
	keys   []string
	values map[string]string
	failed bool
}

func (l *requestLog) set(key, value string) {
	if _, ok := l.values[key]; !ok {
		l.keys = append(l.keys, key)
	}
	l.values[key] = value
}

func (l *requestLog) attrs() []slog.Attr {
	out := make([]slog.Attr, 0, len(l.keys))
	for _, k := range l.keys {
		out = append(out, slog.String(k, l.values[k]))
	}
	return out
}

// LoggingMiddleware emits a "request started" and a "request completed"
// entry per request. The completion entry carries status, response bytes,
// duration and whatever handlers attached with AddLogField or AddError, and
// is logged at Warn when the status is 5xx or an error was attached.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := GetRequestID(r.Context())
			path := r.URL.EscapedPath()

			logger.Info("request started",
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			rl := &requestLog{values: make(map[string]string)}
			ctx := context.WithValue(r.Context(), requestLogKey{}, rl)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r.WithContext(ctx))

			level := slog.LevelInfo
			if sw.status >= http.StatusInternalServerError || rl.failed {
				level = slog.LevelWarn
			}
			attrs := append([]slog.Attr{
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", path),
				slog.Int("status", sw.status),
				slog.Int64("bytes", sw.bytes),
				slog.Duration("duration", time.Since(start)),
			}, rl.attrs()...)

			logger.LogAttrs(ctx, level, "request completed", attrs...)
		})
	}
}

// statusWriter records the first status code and counts body bytes. It
// unwraps for http.ResponseController and passes Flush through so streamed
// responses reach the client chunk by chunk.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int64
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// AddLogField attaches key=value to the completion log entry of the request
// carried by ctx. Empty values are skipped. No-op outside LoggingMiddleware.
func AddLogField(ctx context.Context, key, value string) {
	if value == "" {
		return
	}
	if rl, ok := ctx.Value(requestLogKey{}).(*requestLog); ok {
		rl.set(key, value)
	}
}

// AddError records err under the "error" field and raises the completion
// entry to Warn. A nil err is ignored.
func AddError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if rl, ok := ctx.Value(requestLogKey{}).(*requestLog); ok {
		rl.failed = true
		rl.set("error", err.Error())
	}
}
