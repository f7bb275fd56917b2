package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Decorator attaches authentication to an outgoing request. Credential
// acquisition and refresh live outside the core; the core only requires that
// something fills in the auth headers.
type Decorator func(*http.Request)

// HTTPTransport implements Interface over net/http. It supports streamed
// request and response bodies and ranged reads.
type HTTPTransport struct {
	base     string
	client   *http.Client
	decorate Decorator
	logger   *zap.Logger
}

func NewHTTP(base string, decorate Decorator, logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		base: strings.TrimRight(base, "/"),
		client: &http.Client{
			// No overall timeout: downloads stream for a long time.
			// Per-attempt deadlines come from the caller's context.
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
		decorate: decorate,
		logger:   logger,
	}
}

func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	u := t.base + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, req.Body)
	if err != nil {
		return nil, &Error{Kind: ConnectionFailed, Err: err}
	}
	if req.ContentLength > 0 {
		httpReq.ContentLength = req.ContentLength
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if t.decorate != nil {
		t.decorate(httpReq)
	}

	t.logger.Debug("transport request",
		zap.String("method", req.Method),
		zap.String("path", req.Path))

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// classify maps a net/http error to a typed transport error.
func classify(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: Timeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &Error{Kind: Timeout, Err: err}
	}
	return &Error{Kind: ConnectionFailed, Err: err}
}
