// Package transport defines the authenticated transport capability the core
// consumes. The core never builds HTTP requests itself; it issues logical
// operations through Interface and receives a status code plus a body stream.
// Transport-level failures surface as *Error so callers can tell transient
// failures from permanent ones.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Request is one logical operation against the drive API.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	// Body is streamed; it is read at most once.
	Body          io.Reader
	ContentLength int64
}

// Response carries the status code and the (possibly streamed) body. The
// caller owns Body and must close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Interface is the narrow contract between the core and whatever carries its
// bytes. A non-2xx status is not an error at this layer; callers decide which
// codes are acceptable for each operation.
type Interface interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

type ErrorKind int

const (
	Timeout ErrorKind = iota
	ConnectionFailed
	HTTPStatus
)

// Error is a typed transport failure.
type Error struct {
	Kind ErrorKind
	// Code is set for HTTPStatus errors.
	Code int
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case Timeout:
		return fmt.Sprintf("transport timeout: %v", e.Err)
	case ConnectionFailed:
		return fmt.Sprintf("connection failed: %v", e.Err)
	case HTTPStatus:
		return fmt.Sprintf("unexpected HTTP status %d", e.Code)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether retrying the operation may succeed. Timeouts,
// connection failures, throttling and 5xx-class statuses are transient.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Timeout, ConnectionFailed:
		return true
	case HTTPStatus:
		return e.Code >= 500 || e.Code == http.StatusTooManyRequests
	default:
		return false
	}
}

// StatusError builds an HTTPStatus error for an unacceptable response code.
func StatusError(code int) *Error {
	return &Error{Kind: HTTPStatus, Code: code}
}
