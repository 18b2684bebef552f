package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultChunkSize is the read buffer for upstream bodies. Reads return as soon
// as any bytes arrive, so this caps a chunk rather than delaying one.
const DefaultChunkSize = 32 * 1024

// State is a relay lifecycle phase.
type State int32

const (
	// StateConnecting: upstream headers are in hand; status and content type are fixed.
	StateConnecting State = iota
	// StateStreaming: each upstream chunk is written to the client and accumulated.
	StateStreaming
	// StateDraining: the client is gone or the upstream ended; remaining
	// bytes are accumulated only, then the upstream body is released.
	StateDraining
	// StateClosed: terminal; the finalizer has run.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Capture is what a relay observed over one exchange.
type Capture struct {
	StatusCode  int
	ContentType string
	Body        []byte        // Every chunk read from upstream, in order
	Err         error         // Upstream read error; nil on clean end of body
	ClientGone  bool          // Client stopped receiving before the upstream ended
	Chunks      int           // Number of non-empty upstream reads
	Duration    time.Duration // Headers to Closed
}

// Bytes returns the captured body length.
func (c *Capture) Bytes() int64 {
	return int64(len(c.Body))
}

// Interrupted reports whether the upstream failed mid-body.
func (c *Capture) Interrupted() bool {
	return c.Err != nil
}

// Relay tees one upstream response to the client and an accumulation buffer.
// A Relay is single use.
type Relay struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	resp     *http.Response
	finalize func(*Capture)

	chunkSize int
	state     atomic.Int32
	acc       bytes.Buffer
	once      sync.Once
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithChunkSize sets the upstream read buffer size.
func WithChunkSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// NewRelay prepares a relay from resp to w. finalize is invoked exactly once,
// on the transition to StateClosed.
func NewRelay(w http.ResponseWriter, resp *http.Response, finalize func(*Capture), opts ...RelayOption) *Relay {
	r := &Relay{
		w:         w,
		rc:        http.NewResponseController(w),
		resp:      resp,
		finalize:  finalize,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current lifecycle phase.
func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) setState(s State) {
	r.state.Store(int32(s))
}

// Run relays the response until the upstream body ends or fails. clientCtx is
// the inbound request context; its cancellation stops forwarding but not
// reading. Run always closes the upstream body and returns the capture handed
// to the finalizer.
func (r *Relay) Run(clientCtx context.Context) *Capture {
	start := time.Now()
	capture := &Capture{
		StatusCode:  r.resp.StatusCode,
		ContentType: r.resp.Header.Get("Content-Type"),
	}

	defer r.close(capture, start)

	r.writeHeader(capture)
	r.setState(StateStreaming)

	buf := make([]byte, r.chunkSize)
	for {
		n, err := r.resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			r.acc.Write(chunk)
			capture.Chunks++

			if !capture.ClientGone && !r.forward(clientCtx, chunk) {
				capture.ClientGone = true
				r.setState(StateDraining)
			}
		}
		if err == io.EOF {
			return capture
		}
		if err != nil {
			capture.Err = err
			return capture
		}
	}
}

// writeHeader echoes the upstream status and content type. Without an upstream
// Content-Type the header is suppressed rather than sniffed.
func (r *Relay) writeHeader(c *Capture) {
	h := r.w.Header()
	if c.ContentType != "" {
		h.Set("Content-Type", c.ContentType)
	} else {
		h["Content-Type"] = nil
	}
	r.w.WriteHeader(c.StatusCode)
	if err := r.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		c.ClientGone = true
		r.setState(StateDraining)
	}
}

// forward writes and flushes chunk, reporting false once the client is gone.
func (r *Relay) forward(clientCtx context.Context, chunk []byte) bool {
	if clientCtx.Err() != nil {
		return false
	}
	if _, err := r.w.Write(chunk); err != nil {
		return false
	}
	if err := r.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return false
	}
	return true
}

func (r *Relay) close(c *Capture, start time.Time) {
	r.setState(StateDraining)
	r.resp.Body.Close()

	c.Body = r.acc.Bytes()
	c.Duration = time.Since(start)

	r.setState(StateClosed)
	r.once.Do(func() {
		if r.finalize != nil {
			r.finalize(c)
		}
	})
}
