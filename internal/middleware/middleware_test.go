package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/config"
	"keygate/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDGeneratesAndEchoes(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDHonorsIncomingHeader(t *testing.T) {
	handler := RequestID(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "caller-supplied", rec.Header().Get("X-Request-ID"))
}

func TestRecovererReturnsProblemJSON(t *testing.T) {
	handler := Recoverer(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "internal-server-error")
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestGlobalRateLimiterDenies(t *testing.T) {
	rl := NewGlobalRateLimiter(0.001, 1, testLogger())
	handler := rl.Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestActionLimiterBlocksPerIP(t *testing.T) {
	ws := ratelimit.NewMemoryWindowStore()
	defer ws.Close()
	limiter := ratelimit.NewLimiter(ws, 15*time.Minute, testLogger())
	al := NewActionLimiter(limiter, testLogger())

	policy := config.RatePolicy{Limit: 2, Window: time.Minute}
	handler := al.Limit("activate", policy)(okHandler())

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/license/activate", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send("198.51.100.1:1000").Code)
	require.Equal(t, http.StatusOK, send("198.51.100.1:1001").Code)

	rec := send("198.51.100.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate-limit-exceeded")
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// A different caller is unaffected.
	assert.Equal(t, http.StatusOK, send("203.0.113.9:7000").Code)
}

func TestTimeoutPassesThroughFastHandlers(t *testing.T) {
	handler := Timeout(time.Second, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
}

func TestTimeoutDiscardsLateHandlerWrites(t *testing.T) {
	handlerDone := make(chan struct{})
	handler := Timeout(10*time.Millisecond, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		// Either swallowed or left in the never-flushed buffer; the
		// bytes must not reach the real writer either way.
		w.Write([]byte("too late"))
		close(handlerDone)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	<-handlerDone
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "request-timeout")
	assert.NotContains(t, rec.Body.String(), "too late")
}

func TestActionLimiterScopesByAction(t *testing.T) {
	ws := ratelimit.NewMemoryWindowStore()
	defer ws.Close()
	limiter := ratelimit.NewLimiter(ws, 15*time.Minute, testLogger())
	al := NewActionLimiter(limiter, testLogger())

	activate := al.Limit("activate", config.RatePolicy{Limit: 1, Window: time.Minute})(okHandler())
	validate := al.Limit("validate", config.RatePolicy{Limit: 1, Window: time.Minute})(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.RemoteAddr = "198.51.100.2:1000"
		return r
	}

	rec := httptest.NewRecorder()
	activate.ServeHTTP(rec, req())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	activate.ServeHTTP(rec, req())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The exhausted activate budget does not bleed into validate.
	rec = httptest.NewRecorder()
	validate.ServeHTTP(rec, req())
	assert.Equal(t, http.StatusOK, rec.Code)
}
