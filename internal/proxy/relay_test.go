package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// chunkedBody returns one chunk per Read, then err (io.EOF if nil).
type chunkedBody struct {
	chunks []string
	err    error
	closed bool
	onRead func(i int)
	reads  int
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if b.onRead != nil {
		b.onRead(b.reads)
	}
	b.reads++
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks = b.chunks[1:]
	return n, nil
}

func (b *chunkedBody) Close() error {
	b.closed = true
	return nil
}

func newResponse(status int, contentType string, body io.ReadCloser) *http.Response {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &http.Response{StatusCode: status, Header: h, Body: body}
}

// writeLog records every Write and Flush so tests can check ordering.
type writeLog struct {
	header http.Header
	status int
	events []string
	failAt int // fail the Nth write (1-based); zero never fails
	writes int
}

func newWriteLog() *writeLog {
	return &writeLog{header: make(http.Header)}
}

func (w *writeLog) Header() http.Header { return w.header }

func (w *writeLog) WriteHeader(code int) {
	w.status = code
	w.events = append(w.events, "header")
}

func (w *writeLog) Write(p []byte) (int, error) {
	w.writes++
	if w.failAt > 0 && w.writes >= w.failAt {
		return 0, errors.New("broken pipe")
	}
	w.events = append(w.events, "write:"+string(p))
	return len(p), nil
}

func (w *writeLog) Flush() {
	w.events = append(w.events, "flush")
}

func TestRelay_StreamsChunksInOrder(t *testing.T) {
	body := &chunkedBody{chunks: []string{"a", "b", "c"}}
	resp := newResponse(http.StatusOK, "text/event-stream", body)
	w := newWriteLog()

	var finals []*Capture
	relay := NewRelay(w, resp, func(c *Capture) { finals = append(finals, c) })
	c := relay.Run(context.Background())

	want := []string{"header", "flush", "write:a", "flush", "write:b", "flush", "write:c", "flush"}
	if len(w.events) != len(want) {
		t.Fatalf("events = %v, want %v", w.events, want)
	}
	for i := range want {
		if w.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", w.events, want)
		}
	}

	if string(c.Body) != "abc" {
		t.Errorf("captured body = %q, want abc", c.Body)
	}
	if c.Chunks != 3 || c.Bytes() != 3 {
		t.Errorf("chunks = %d, bytes = %d", c.Chunks, c.Bytes())
	}
	if c.StatusCode != http.StatusOK || c.ContentType != "text/event-stream" {
		t.Errorf("status = %d, content type = %q", c.StatusCode, c.ContentType)
	}
	if c.Err != nil || c.ClientGone {
		t.Errorf("Err = %v, ClientGone = %v", c.Err, c.ClientGone)
	}
	if !body.closed {
		t.Error("upstream body not closed")
	}
	if relay.State() != StateClosed {
		t.Errorf("state = %v, want closed", relay.State())
	}
	if len(finals) != 1 || finals[0] != c {
		t.Errorf("finalizer calls = %d, want 1 with the returned capture", len(finals))
	}
}

func TestRelay_EchoesStatusAndContentType(t *testing.T) {
	body := &chunkedBody{chunks: []string{`{"error":"boom"}`}}
	rec := httptest.NewRecorder()

	c := NewRelay(rec, newResponse(http.StatusInternalServerError, "application/json", body), nil).Run(context.Background())

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.String() != `{"error":"boom"}` || string(c.Body) != rec.Body.String() {
		t.Errorf("client body = %q, captured = %q", rec.Body.String(), c.Body)
	}
}

func TestRelay_NoUpstreamContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := &chunkedBody{chunks: []string{"<html>not sniffed</html>"}}
		NewRelay(w, newResponse(http.StatusOK, "", body), nil).Run(r.Context())
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if _, ok := resp.Header["Content-Type"]; ok {
		t.Errorf("Content-Type = %q, want header absent", resp.Header.Get("Content-Type"))
	}
}

func TestRelay_UpstreamInterrupted(t *testing.T) {
	body := &chunkedBody{chunks: []string{"par", "tial"}, err: io.ErrUnexpectedEOF}
	rec := httptest.NewRecorder()

	var final *Capture
	c := NewRelay(rec, newResponse(http.StatusOK, "text/event-stream", body), func(c *Capture) { final = c }).Run(context.Background())

	if !errors.Is(c.Err, io.ErrUnexpectedEOF) {
		t.Errorf("Err = %v, want ErrUnexpectedEOF", c.Err)
	}
	if !c.Interrupted() {
		t.Error("Interrupted() = false")
	}
	if rec.Body.String() != "partial" || string(c.Body) != "partial" {
		t.Errorf("client body = %q, captured = %q", rec.Body.String(), c.Body)
	}
	if final != c {
		t.Error("finalizer not called with the capture")
	}
	if !body.closed {
		t.Error("upstream body not closed")
	}
}

func TestRelay_ClientCancelledKeepsAccumulating(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var states []State
	var relay *Relay
	body := &chunkedBody{chunks: []string{"a", "b", "c"}}
	body.onRead = func(i int) {
		if relay != nil {
			states = append(states, relay.State())
		}
		if i == 1 {
			cancel() // client leaves after the first chunk
		}
	}

	w := newWriteLog()
	relay = NewRelay(w, newResponse(http.StatusOK, "text/event-stream", body), nil)
	c := relay.Run(ctx)

	if string(c.Body) != "abc" {
		t.Errorf("captured body = %q, want abc", c.Body)
	}
	if !c.ClientGone {
		t.Error("ClientGone = false")
	}
	if c.Err != nil {
		t.Errorf("Err = %v, want nil", c.Err)
	}
	for _, e := range w.events {
		if e == "write:b" || e == "write:c" {
			t.Errorf("chunk forwarded after client left: %v", w.events)
		}
	}
	if states[0] != StateStreaming {
		t.Errorf("first read state = %v, want streaming", states[0])
	}
	if last := states[len(states)-1]; last != StateDraining {
		t.Errorf("final read state = %v, want draining", last)
	}
	if !body.closed {
		t.Error("upstream body not closed")
	}
}

func TestRelay_ClientWriteErrorDegrades(t *testing.T) {
	body := &chunkedBody{chunks: []string{"a", "b", "c"}}
	w := newWriteLog()
	w.failAt = 2

	c := NewRelay(w, newResponse(http.StatusOK, "text/plain", body), nil).Run(context.Background())

	if string(c.Body) != "abc" {
		t.Errorf("captured body = %q, want abc", c.Body)
	}
	if !c.ClientGone {
		t.Error("ClientGone = false after a failed write")
	}
	if w.writes != 2 {
		t.Errorf("writes attempted = %d, want 2", w.writes)
	}
}

func TestRelay_FinalizerRunsOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	body := &chunkedBody{chunks: []string{"x"}}
	relay := NewRelay(httptest.NewRecorder(), newResponse(http.StatusOK, "text/plain", body), func(*Capture) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	c := relay.Run(context.Background())
	relay.close(c, time.Now())

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("finalizer calls = %d, want 1", calls)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateConnecting, "connecting"},
		{StateStreaming, "streaming"},
		{StateDraining, "draining"},
		{StateClosed, "closed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
