// Package httputil holds the JSON response helpers shared by the handlers
// and an HTTP client abstraction the upload sender can be tested against.
package httputil

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"
)

// HTTPClient is the part of *http.Client the sender uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewStandardClient returns an *http.Client with the given overall request
// timeout. Zero means no timeout.
func NewStandardClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// RecordedRequest is a request seen by MockHTTPClient, with its body read
// out so it can be inspected after the caller closed it.
type RecordedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   string
}

// MockResponse is a canned reply. A non-nil Error is returned instead of a
// response.
type MockResponse struct {
	StatusCode int
	Body       string
	Error      error
}

// MockHTTPClient replays queued responses in order and records requests.
// When the queue is exhausted it answers 200 with an ok envelope.
type MockHTTPClient struct {
	mu          sync.Mutex
	DoFunc      func(req *http.Request) (*http.Response, error)
	requests    []RecordedRequest
	responses   []MockResponse
	responseIdx int
}

// NewMockHTTPClient returns an empty mock.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues a reply.
func (m *MockHTTPClient) AddResponse(statusCode int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{StatusCode: statusCode, Body: body})
	return m
}

// AddErrorResponse queues a transport error.
func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{Error: err})
	return m
}

// Do implements HTTPClient.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	rec := RecordedRequest{Method: req.Method, URL: req.URL.String(), Header: req.Header.Clone()}
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		rec.Body = string(b)
	}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	doFunc := m.DoFunc
	var next *MockResponse
	if m.responseIdx < len(m.responses) {
		next = &m.responses[m.responseIdx]
		m.responseIdx++
	}
	m.mu.Unlock()

	if doFunc != nil {
		return doFunc(req)
	}
	if next == nil {
		next = &MockResponse{StatusCode: http.StatusOK, Body: `{"status":"ok","msg":""}`}
	}
	if next.Error != nil {
		return nil, next.Error
	}
	return &http.Response{
		StatusCode: next.StatusCode,
		Body:       io.NopCloser(bytes.NewBufferString(next.Body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Requests returns a copy of everything recorded so far.
func (m *MockHTTPClient) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestCount returns the number of recorded requests.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
