package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
)

// Handler produces the scripted response for one mock route.
type Handler func(req *Request) (*Response, error)

// Mock is a scriptable in-memory transport for tests. Routes are keyed by
// "METHOD path"; each route keeps its own call counter.
type Mock struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]int
	requests []*Request
}

func NewMock() *Mock {
	return &Mock{
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
	}
}

func (m *Mock) Handle(method, path string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method+" "+path] = h
}

// Calls returns how often a route was hit.
func (m *Mock) Calls(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method+" "+path]
}

// Requests returns every request seen, in order.
func (m *Mock) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *Mock) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: Timeout, Err: err}
	}

	m.mu.Lock()
	key := req.Method + " " + req.Path
	h, ok := m.handlers[key]
	m.calls[key]++
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if !ok {
		return TextResponse(http.StatusNotFound, "no handler for "+key), nil
	}
	return h(req)
}

// JSONResponse builds a response with a JSON-encoded body.
func JSONResponse(code int, v interface{}) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &Response{
		StatusCode: code,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(data)),
	}
}

// TextResponse builds a response with a plain byte body.
func TextResponse(code int, body string) *Response {
	return &Response{
		StatusCode: code,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}
