package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditlogs/auditlogs/internal/audit"
	"github.com/auditlogs/auditlogs/internal/auth"
	"github.com/auditlogs/auditlogs/internal/config"
	"github.com/auditlogs/auditlogs/internal/db/repositories"
	"github.com/auditlogs/auditlogs/internal/jobs"
	"github.com/auditlogs/auditlogs/internal/middleware"
	"github.com/auditlogs/auditlogs/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// minimal storage.Storage mock for readiness tests
// ---------------------------------------------------------------------------

type readinessMockStorage struct{ existsErr error }

func (m *readinessMockStorage) Upload(_ context.Context, _ string, _ io.Reader, _ int64) (*storage.UploadResult, error) {
	return nil, nil
}
func (m *readinessMockStorage) Download(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, nil
}
func (m *readinessMockStorage) Delete(_ context.Context, _ string) error { return nil }
func (m *readinessMockStorage) Exists(_ context.Context, _ string) (bool, error) {
	return false, m.existsErr
}

// ---------------------------------------------------------------------------
// probes
// ---------------------------------------------------------------------------

func newProbeDB(t *testing.T, pingErr error) *sql.DB {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectPing().WillReturnError(pingErr)
	return db
}

func probe(t *testing.T, h gin.HandlerFunc) (int, map[string]interface{}) {
	t.Helper()
	r := gin.New()
	r.GET("/probe", h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealthCheckHandler(t *testing.T) {
	code, body := probe(t, healthCheckHandler(newProbeDB(t, nil)))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	code, body = probe(t, healthCheckHandler(newProbeDB(t, sql.ErrConnDone)))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name        string
		pingErr     error
		archive     storage.Storage
		wantCode    int
		wantStorage interface{}
	}{
		{"ready", nil, &readinessMockStorage{}, http.StatusOK, "healthy"},
		{"database down", sql.ErrConnDone, &readinessMockStorage{}, http.StatusServiceUnavailable, nil},
		{"archive unreachable", nil, &readinessMockStorage{existsErr: errors.New("403 Forbidden")}, http.StatusServiceUnavailable, "unhealthy"},
		{"no archive configured", nil, nil, http.StatusOK, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := probe(t, readinessHandler(newProbeDB(t, tt.pingErr), tt.archive))

			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantCode == http.StatusOK, body["ready"])
			checks, _ := body["checks"].(map[string]interface{})
			assert.Equal(t, tt.wantStorage, checks["storage"])
		})
	}
}

func TestVersionHandler(t *testing.T) {
	code, body := probe(t, versionHandler())

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "v1", body["api_version"])
}

// ---------------------------------------------------------------------------
// LoggerMiddleware / CORSMiddleware
// ---------------------------------------------------------------------------

func TestLoggerMiddleware_PassesThrough(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		cfg := &config.Config{}
		cfg.Logging.Format = format

		r := gin.New()
		r.Use(LoggerMiddleware(cfg))
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusTeapot) })

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusTeapot, w.Code, format)
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		wantCode   int
		wantOrigin string
	}{
		{"allowed origin", []string{"https://console.example.com"}, http.MethodGet, "https://console.example.com", http.StatusOK, "https://console.example.com"},
		{"wildcard echoes origin", []string{"*"}, http.MethodGet, "https://anything.example", http.StatusOK, "https://anything.example"},
		{"wildcard without origin", []string{"*"}, http.MethodGet, "", http.StatusOK, "*"},
		{"disallowed origin", []string{"https://console.example.com"}, http.MethodGet, "https://evil.example", http.StatusOK, ""},
		{"preflight", []string{"*"}, http.MethodOptions, "https://console.example.com", http.StatusNoContent, "https://console.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Security.CORS.AllowedOrigins = tt.allowed

			r := gin.New()
			r.Use(CORSMiddleware(cfg))
			r.Handle(tt.method, "/", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(tt.method, "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

// ---------------------------------------------------------------------------
// newEngine route wiring
// ---------------------------------------------------------------------------

const testSecret = "0123456789abcdef0123456789abcdef"

type denyLimiter struct{ calls int }

func (l *denyLimiter) Allow(_ context.Context, _ string) (middleware.Decision, error) {
	l.calls++
	return middleware.Decision{Allowed: false, Limit: 1, RetryAfter: 2 * time.Second}, nil
}

func newTestEngine(t *testing.T, tokens middleware.TokenValidator, limiter middleware.Limiter) (sqlmock.Sqlmock, *gin.Engine) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := repositories.NewAuditRepository(sqlx.NewDb(db, "sqlmock"))
	cfg := &config.Config{}
	cfg.Server.MaxPageSize = 100

	return mock, newEngine(cfg, Deps{
		DB:        db,
		Audit:     repo,
		Users:     repositories.NewUserRepository(db),
		Retention: repositories.NewRetentionRepository(db),
		Recorder:  audit.NewRecorder(repo, nil),
		Exporter:  jobs.NewExporter(repo),
		Limiter:   limiter,
		Tokens:    tokens,
	})
}

func newTestIssuer(t *testing.T) *auth.TokenIssuer {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(&config.AuthConfig{JWTSecret: testSecret, Issuer: "auditlogs", TokenTTL: time.Hour})
	require.NoError(t, err)
	return issuer
}

func TestNewEngine_ProbesArePublicWhenAuthEnabled(t *testing.T) {
	mock, r := newTestEngine(t, newTestIssuer(t), nil)
	mock.ExpectPing()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", w.Header().Get("Content-Security-Policy"))
}

func TestNewEngine_APIRequiresBearerToken(t *testing.T) {
	mock, r := newTestEngine(t, newTestIssuer(t), nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs/1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet(), "no query before authentication")
}

func TestNewEngine_IngestCreditsTokenSubject(t *testing.T) {
	issuer := newTestIssuer(t)
	token, err := issuer.GenerateJWT(7, "alice@example.com", nil, time.Hour)
	require.NoError(t, err)

	mock, r := newTestEngine(t, issuer, nil)
	mock.ExpectQuery("INSERT INTO audit_logs").
		WithArgs(int64(7), "created", "posts", int64(1), nil, `{"title":"a"}`,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/audit-logs",
		strings.NewReader(`{"event_type":"created","table_name":"posts","record_id":1,"new_values":{"title":"a"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewEngine_RateLimitAppliesToIngestOnly(t *testing.T) {
	limiter := &denyLimiter{}
	mock, r := newTestEngine(t, nil, limiter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/audit-logs",
		strings.NewReader(`{"event_type":"created","table_name":"posts"}`)))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	mock.ExpectQuery("FROM audit_logs WHERE id").WillReturnRows(auditRows())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs/5", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, 1, limiter.calls)
}

func TestNewEngine_UserLifecycleRoutes(t *testing.T) {
	mock, r := newTestEngine(t, nil, nil)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/users/3", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewEngine_ScopesGuardRoutes(t *testing.T) {
	issuer := newTestIssuer(t)
	writer, err := issuer.GenerateJWT(7, "", []string{"audit:write"}, time.Hour)
	require.NoError(t, err)

	mock, r := newTestEngine(t, issuer, nil)

	for _, path := range []string{"/api/v1/audit-logs/1", "/api/v1/audit-logs/export", "/api/v1/users/7"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+writer)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
	assert.NoError(t, mock.ExpectationsWereMet(), "no query without the scope")
}

type keyRecordingLimiter struct{ keys []string }

func (l *keyRecordingLimiter) Allow(_ context.Context, key string) (middleware.Decision, error) {
	l.keys = append(l.keys, key)
	return middleware.Decision{Allowed: false, Limit: 1, RetryAfter: time.Second}, nil
}

func TestNewEngine_ForwardedForOnlyFromTrustedProxies(t *testing.T) {
	tests := []struct {
		name     string
		trusted  []string
		wantKeys []string
	}{
		{"no trusted proxies", nil, []string{"ip:192.0.2.1", "ip:192.0.2.1", "ip:192.0.2.1"}},
		{"peer is a trusted proxy", []string{"192.0.2.0/24"}, []string{"ip:203.0.113.0", "ip:203.0.113.1", "ip:203.0.113.2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _, err := sqlmock.New()
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })

			repo := repositories.NewAuditRepository(sqlx.NewDb(db, "sqlmock"))
			cfg := &config.Config{}
			cfg.Server.MaxPageSize = 100
			cfg.Server.TrustedProxies = tt.trusted
			limiter := &keyRecordingLimiter{}
			r := newEngine(cfg, Deps{
				DB:       db,
				Audit:    repo,
				Users:    repositories.NewUserRepository(db),
				Recorder: audit.NewRecorder(repo, nil),
				Exporter: jobs.NewExporter(repo),
				Limiter:  limiter,
			})

			for i := range 3 {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/audit-logs", strings.NewReader(`{}`))
				req.RemoteAddr = "192.0.2.1:40000"
				req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
				w := httptest.NewRecorder()
				r.ServeHTTP(w, req)
				assert.Equal(t, http.StatusTooManyRequests, w.Code)
			}
			assert.Equal(t, tt.wantKeys, limiter.keys)
		})
	}
}
