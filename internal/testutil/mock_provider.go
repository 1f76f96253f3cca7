// Package testutil provides testing utilities for agrocache.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// AnalysisPath is the provider endpoint served by MockProvider.
const AnalysisPath = "/v1/analysis"

// MockResponse defines one canned provider response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockProvider is a configurable mock analytics provider for testing.
//
// Queued responses are served in order; once the queue is empty the default
// response echoes the request's entity_id.
type MockProvider struct {
	server *httptest.Server

	mu         sync.Mutex
	queue      []MockResponse
	requests   int
	lastHeader http.Header
	lastQuery  map[string]string
}

// NewMockProvider starts a mock provider server.
func NewMockProvider() *MockProvider {
	m := &MockProvider{}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockProvider) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockProvider) Close() {
	m.server.Close()
}

// Enqueue adds responses served before the default response.
func (m *MockProvider) Enqueue(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resps...)
}

// RequestCount returns the number of requests the server received.
func (m *MockProvider) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// LastHeader returns the headers of the last request.
func (m *MockProvider) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// LastQuery returns the query parameters of the last request.
func (m *MockProvider) LastQuery() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuery
}

func (m *MockProvider) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests++
	m.lastHeader = r.Header.Clone()
	m.lastQuery = make(map[string]string)
	for k := range r.URL.Query() {
		m.lastQuery[k] = r.URL.Query().Get(k)
	}
	var resp *MockResponse
	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		resp = &next
	}
	m.mu.Unlock()

	if r.URL.Path != AnalysisPath {
		http.NotFound(w, r)
		return
	}

	if resp == nil {
		def := NewHealthyResponse(fmt.Sprintf(`{"entity_id":%q,"ndvi":0.72}`, r.URL.Query().Get("entity_id")))
		resp = &def
	}

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewHealthyResponse creates a standard 200 OK response with a healthy quota.
func NewHealthyResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"X-RateLimit-Remaining": "100",
			"X-RateLimit-Reset":     "60",
			"Content-Type":          "application/json",
		},
	}
}

// NewQuotaResponse creates a 200 OK response reporting the given quota.
func NewQuotaResponse(body string, remaining, resetSeconds int) MockResponse {
	resp := NewHealthyResponse(body)
	resp.Headers["X-RateLimit-Remaining"] = fmt.Sprint(remaining)
	resp.Headers["X-RateLimit-Reset"] = fmt.Sprint(resetSeconds)
	return resp
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":"rate limit exceeded"}`,
		Headers: map[string]string{
			"X-RateLimit-Remaining": "30",
			"X-RateLimit-Reset":     "30",
			"Content-Type":          "application/json",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":"internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewBadRequestResponse creates a 400 Bad Request response.
func NewBadRequestResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"error":"invalid coordinates"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}
