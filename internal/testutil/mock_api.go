// Package testutil provides test doubles for balance-monitor: a mock
// billing/session API server, fake pool resources and store helpers.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Paths served by MockAPI.
const (
	LoginPath        = "/api/user/login"
	SelfPath         = "/api/user/self"
	SubscriptionPath = "/v1/dashboard/billing/subscription"
	UsagePath        = "/v1/dashboard/billing/usage"
	CreditGrantsPath = "/v1/dashboard/billing/credit_grants"
)

// SessionCookie is the cookie set by a successful login.
const SessionCookie = "session"

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUser is an account known to the mock login endpoint.
type MockUser struct {
	ID       int
	Username string
	Password string
	Quota    int64
}

// MockAPI is a configurable mock of the upstream API for tests. Billing
// routes and user/session routes are served from one server, as upstream.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	users    map[string]*MockUser
	sessions map[string]*MockUser

	// Tracking
	requests          map[string]int
	RequestCount      int
	LastRequestHeader http.Header
}

// NewMockAPI creates and starts a mock server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		users:    make(map[string]*MockUser),
		sessions: make(map[string]*MockUser),
		requests: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.requests[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		switch r.URL.Path {
		case LoginPath:
			mock.handleLogin(w, r)
		case SelfPath:
			mock.handleSelf(w, r)
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Client returns an HTTP client configured for the server.
func (m *MockAPI) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.requests = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// SetBilling configures the subscription and usage routes.
func (m *MockAPI) SetBilling(hardLimitUSD, totalUsage float64) {
	m.SetResponse(SubscriptionPath, NewJSONResponse(map[string]any{
		"object":         "billing_subscription",
		"hard_limit_usd": hardLimitUSD,
		"soft_limit_usd": hardLimitUSD,
	}))
	m.SetResponse(UsagePath, NewJSONResponse(map[string]any{
		"object":      "list",
		"total_usage": totalUsage,
	}))
}

// AddUser registers an account with the login endpoint.
func (m *MockAPI) AddUser(username, password string, quota int64) *MockUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &MockUser{ID: len(m.users) + 1, Username: username, Password: password, Quota: quota}
	m.users[username] = u
	return u
}

// SetQuota changes the quota reported for a user.
func (m *MockAPI) SetQuota(username string, quota int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[username]; ok {
		u.Quota = quota
	}
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// RequestsTo returns the number of requests made to path.
func (m *MockAPI) RequestsTo(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[path]
}

// Sessions returns the number of live sessions.
func (m *MockAPI) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MockAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"success": false, "message": "method not allowed"})
		return
	}

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid request"})
		return
	}

	m.mu.Lock()
	u, ok := m.users[creds.Username]
	if !ok || u.Password != creds.Password {
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "invalid username or password"})
		return
	}
	token := uuid.NewString()
	m.sessions[token] = u
	m.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: token, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "",
		"data":    map[string]any{"id": u.ID, "username": u.Username},
	})
}

func (m *MockAPI) handleSelf(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "not logged in"})
		return
	}

	m.mu.RLock()
	u, ok := m.sessions[cookie.Value]
	var quota int64
	if ok {
		quota = u.Quota
	}
	m.mu.RUnlock()

	if !ok || r.Header.Get("New-Api-User") != strconv.Itoa(u.ID) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "session mismatch"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "",
		"data": map[string]any{
			"id":         u.ID,
			"username":   u.Username,
			"quota":      quota,
			"used_quota": 0,
		},
	})
}

// NewJSONResponse creates a 200 OK response with a JSON body.
func NewJSONResponse(body any) MockResponse {
	data, _ := json.Marshal(body)
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       string(data),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(int(retryAfter.Seconds())),
			"Content-Type": "application/json",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewStatusResponse creates an empty response with the given status.
func NewStatusResponse(code int) MockResponse {
	return MockResponse{StatusCode: code}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
