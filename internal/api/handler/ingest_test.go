package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/bugshot/internal/ingest"
	"github.com/kiranshivaraju/bugshot/internal/ratelimit"
	"github.com/kiranshivaraju/bugshot/internal/store"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

// --- mock Ingester ---

type mockIngester struct {
	fn func(r ingest.Report, origin string) (*ingest.Result, error)

	got    ingest.Report
	origin string
}

func (m *mockIngester) Ingest(_ context.Context, r ingest.Report, origin string) (*ingest.Result, error) {
	m.got, m.origin = r, origin
	return m.fn(r, origin)
}

func acceptingIngester(id uuid.UUID) *mockIngester {
	return &mockIngester{fn: func(ingest.Report, string) (*ingest.Result, error) {
		return &ingest.Result{Accepted: true, ErrorID: id}, nil
	}}
}

func failingIngester(err error) *mockIngester {
	return &mockIngester{fn: func(ingest.Report, string) (*ingest.Result, error) { return nil, err }}
}

// --- helpers ---

func ingestReq(t *testing.T, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(b))
	r.Header.Set("Content-Type", "application/json")
	r.RemoteAddr = "192.0.2.10:51234"
	return r
}

func validBody() map[string]any {
	return map[string]any{
		"apiKey": "bs_live_abc",
		"error": map[string]any{
			"type":       "TypeError",
			"message":    "Cannot read properties of undefined",
			"stackTrace": "TypeError: ...\n    at pay (checkout.js:42:7)",
			"file":       "checkout.js",
			"line":       42,
			"column":     7,
		},
		"context": map[string]any{
			"url":         "https://shop.example.com/checkout",
			"httpMethod":  "post",
			"userId":      "u-1",
			"timestamp":   "2026-01-02T03:04:05Z",
			"browserInfo": map[string]any{"name": "Chrome", "version": "120", "os": "macOS"},
			"deviceInfo":  map[string]any{"type": "desktop", "viewport": map[string]any{"width": 1440, "height": 900}},
		},
	}
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Error.Code
}

// ========================================
// Ingest Handler Tests
// ========================================

func TestIngest_Created(t *testing.T) {
	id := uuid.New()
	svc := acceptingIngester(id)
	rec := httptest.NewRecorder()

	NewIngestHandler(svc, nil).ServeHTTP(rec, ingestReq(t, validBody()))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var env struct {
		Data struct {
			Accepted bool      `json:"accepted"`
			ErrorID  uuid.UUID `json:"error_id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.True(t, env.Data.Accepted)
	assert.Equal(t, id, env.Data.ErrorID)

	got := svc.got
	assert.Equal(t, "bs_live_abc", got.Credential)
	assert.Equal(t, "TypeError", got.ErrorType)
	require.NotNil(t, got.Line)
	assert.Equal(t, 42, *got.Line)
	assert.Equal(t, "Chrome 120", got.Browser)
	assert.Equal(t, "macOS", got.OS)
	assert.Equal(t, "desktop", got.Device)
	assert.Contains(t, got.Extra, "viewport")
	require.NotNil(t, got.Timestamp)
	assert.True(t, got.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, "192.0.2.10", svc.origin)
}

func TestIngest_HeaderCredentialFallback(t *testing.T) {
	svc := acceptingIngester(uuid.New())
	body := validBody()
	delete(body, "apiKey")
	req := ingestReq(t, body)
	req.Header.Set(APIKeyHeader, "bs_from_header")

	rec := httptest.NewRecorder()
	NewIngestHandler(svc, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "bs_from_header", svc.got.Credential)
}

func TestIngest_MalformedJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()

	NewIngestHandler(acceptingIngester(uuid.New()), nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, rec))
}

func TestIngest_ErrorMapping(t *testing.T) {
	denied := &ingest.AdmissionError{Decision: ratelimit.Decision{
		Kind: ratelimit.KindOrigin, Limit: 20, RetryAfter: 30 * time.Second,
	}}

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"admission", denied, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
		{"credential", ingest.ErrInvalidCredential, http.StatusUnauthorized, "INVALID_CREDENTIAL"},
		{"report", fmt.Errorf("%w: message is required", ingest.ErrInvalidReport), http.StatusBadRequest, "INVALID_REQUEST"},
		{"backend", fmt.Errorf("%w: conn refused", ingest.ErrBackendUnavailable), http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewIngestHandler(failingIngester(tt.err), nil).ServeHTTP(rec, ingestReq(t, validBody()))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errCode(t, rec))
		})
	}
}

func TestIngest_RateLimitHeaders(t *testing.T) {
	svc := failingIngester(&ingest.AdmissionError{Decision: ratelimit.Decision{
		Kind: ratelimit.KindCredential, Limit: 100, RetryAfter: 12 * time.Second,
	}})
	rec := httptest.NewRecorder()

	NewIngestHandler(svc, nil).ServeHTTP(rec, ingestReq(t, validBody()))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "12", rec.Header().Get("Retry-After"))
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestClientIP(t *testing.T) {
	proxies := TrustedProxies{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("::1/128")}

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.2:80", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.9"}, "10.0.0.2:80", "203.0.113.9"},
		{"ipv6 proxy", map[string]string{"X-Real-IP": "203.0.113.9"}, "[::1]:80", "203.0.113.9"},
		{"unknown forwarded", map[string]string{"X-Forwarded-For": "unknown"}, "10.0.0.2:80", "10.0.0.2"},
		{"untrusted peer forwarded", map[string]string{"X-Forwarded-For": "10.0.0.9"}, "198.51.100.7:4000", "198.51.100.7"},
		{"untrusted peer real ip", map[string]string{"X-Real-IP": "203.0.113.9"}, "198.51.100.7:4000", "198.51.100.7"},
		{"remote addr", nil, "198.51.100.7:4000", "198.51.100.7"},
		{"remote without port", nil, "198.51.100.7", "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, proxies.ClientIP(r))
		})
	}
}

func TestClientIP_NoTrustedProxiesIgnoresHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "10.0.0.2:80"
	r.Header.Set("X-Forwarded-For", "203.0.113.5")
	r.Header.Set("X-Real-IP", "203.0.113.9")

	assert.Equal(t, "10.0.0.2", TrustedProxies(nil).ClientIP(r))
}

func TestIngest_RotatingForwardedForFromUntrustedPeerIsOriginLimited(t *testing.T) {
	s := store.NewMemoryStore()
	p := &models.Project{ID: uuid.New(), Name: "shop", APIKey: "bs_live_abc"}
	require.NoError(t, s.CreateProject(context.Background(), p))

	counter := ratelimit.NewMemoryCounter()
	svc := ingest.NewService(s, ratelimit.NewGate(
		ratelimit.NewLimiter(counter, ratelimit.KindCredential, 1000, time.Minute),
		ratelimit.NewLimiter(counter, ratelimit.KindOrigin, 2, time.Minute),
	), nil)
	h := NewIngestHandler(svc, TrustedProxies{netip.MustParsePrefix("10.0.0.0/8")})

	admitted := 0
	for i := 1; i <= 50; i++ {
		req := ingestReq(t, validBody())
		req.RemoteAddr = "198.51.100.7:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, req)

		switch rec.Code {
		case http.StatusCreated:
			admitted++
		case http.StatusTooManyRequests:
			assert.Equal(t, "RATE_LIMIT_EXCEEDED", errCode(t, rec))
		default:
			t.Fatalf("request %d: unexpected status %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	assert.Equal(t, 2, admitted)
}

func TestIngest_TrustedProxyForwardsDistinctOrigins(t *testing.T) {
	svc := acceptingIngester(uuid.New())
	h := NewIngestHandler(svc, TrustedProxies{netip.MustParsePrefix("10.0.0.0/8")})

	req := ingestReq(t, validBody())
	req.RemoteAddr = "10.1.2.3:8080"
	req.Header.Set("X-Forwarded-For", "203.0.113.77, 10.1.2.3")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "203.0.113.77", svc.origin)
}
