// Package httputil provides the HTTP client abstraction shared by the
// collaborator clients (classification service, alert sink, ingest control).
package httputil

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"
)

// Doer abstracts the single HTTP operation the collaborator clients need.
// Production code passes NewClient; tests pass a Mock.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewClient returns an http.Client with a bounded timeout. Every external
// call the engine makes goes through one of these; nothing in the serving
// path may wait on a collaborator indefinitely.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Mock is a Doer returning queued canned responses in order. Once the queue
// is exhausted it returns empty 200s.
type Mock struct {
	mu       sync.Mutex
	Requests []*http.Request
	queue    []mockReply
	next     int
}

type mockReply struct {
	status int
	body   string
	err    error
}

// Reply queues a response with the given status and body.
func (m *Mock) Reply(status int, body string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{status: status, body: body})
	return m
}

// Fail queues a transport-level error.
func (m *Mock) Fail(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{err: err})
	return m
}

// Do records the request and pops the next queued reply.
func (m *Mock) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)

	if m.next < len(m.queue) {
		r := m.queue[m.next]
		m.next++
		if r.err != nil {
			return nil, r.err
		}
		return &http.Response{
			StatusCode: r.status,
			Body:       io.NopCloser(bytes.NewBufferString(r.body)),
			Header:     make(http.Header),
			Request:    req,
		}, nil
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString("")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Count returns how many requests have been recorded.
func (m *Mock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
