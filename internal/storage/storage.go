// Package storage defines the interaction log record and the append-only
// store contract the proxy writes to.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrNotFound is returned when an interaction lookup matches no row.
var ErrNotFound = errors.New("interaction not found")

// Interaction is the persisted summary of one proxied request/response exchange.
type Interaction struct {
	// ID is assigned by the store on Append and never reused.
	ID int64 `json:"id"`

	// Timestamp is the capture time in UTC, assigned by the store on Append.
	Timestamp time.Time `json:"timestamp"`

	// Method is the inbound HTTP verb, verbatim.
	Method string `json:"method"`

	// Path is the URL path following the /v1/ prefix, verbatim.
	Path string `json:"path"`

	// RequestBody holds the inbound body when it was well-formed JSON, nil otherwise.
	RequestBody json.RawMessage `json:"request_body"`

	// ResponseBody is the concatenation of every relayed chunk, decoded as UTF-8.
	ResponseBody string `json:"response_body"`

	// StatusCode is the upstream status observed on the response headers.
	StatusCode int `json:"status_code"`

	// Fail is true iff StatusCode >= 400.
	Fail bool `json:"fail"`
}

// NewInteraction builds a record with the fail flag derived from statusCode.
func NewInteraction(method, path string, requestBody json.RawMessage, responseBody string, statusCode int) *Interaction {
	return &Interaction{
		Method:       method,
		Path:         path,
		RequestBody:  requestBody,
		ResponseBody: responseBody,
		StatusCode:   statusCode,
		Fail:         IsFailure(statusCode),
	}
}

// FailFlag returns the integer form of Fail used by the log table.
func (i *Interaction) FailFlag() int {
	if i.Fail {
		return 1
	}
	return 0
}

// IsFailure reports whether an upstream status code marks the exchange as failed.
func IsFailure(statusCode int) bool {
	return statusCode >= http.StatusBadRequest
}

// RequestJSON returns body as a JSON value when it is well-formed JSON and nil
// otherwise. Well-formed includes valid UTF-8, which json.Valid alone does not
// check inside strings. The returned slice is a copy; body is never re-encoded.
func RequestJSON(body []byte) json.RawMessage {
	if !json.Valid(body) || !utf8.Valid(body) {
		return nil
	}
	out := make(json.RawMessage, len(body))
	copy(out, body)
	return out
}

// DecodeResponseText decodes captured response bytes as UTF-8, substituting
// U+FFFD for invalid byte sequences.
func DecodeResponseText(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// LogStore is the append-only write side of the interaction log.
type LogStore interface {
	// Append persists rec, assigning its ID and Timestamp, and returns the ID.
	Append(ctx context.Context, rec *Interaction) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
