package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/samber/mo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/userprofile-service/internal/cache"
	"github.com/kjstillabower/userprofile-service/internal/circuitbreaker"
	"github.com/kjstillabower/userprofile-service/internal/lifecycle"
	"github.com/kjstillabower/userprofile-service/internal/models"
	"github.com/kjstillabower/userprofile-service/internal/paging"
	"github.com/kjstillabower/userprofile-service/internal/service"
	"github.com/kjstillabower/userprofile-service/internal/store"
	"github.com/kjstillabower/userprofile-service/internal/traffic"
)

var errStoreDown = errors.New("dial tcp 127.0.0.1:5432: connection refused")

// brokenStore fails every call.
type brokenStore struct{ *store.MemoryStore }

func (brokenStore) Create(ctx context.Context, p *models.UserProfile) error { return errStoreDown }
func (brokenStore) Get(ctx context.Context, id int64) (mo.Option[models.UserProfile], error) {
	return mo.None[models.UserProfile](), errStoreDown
}
func (brokenStore) List(ctx context.Context, req paging.Request) ([]models.UserProfile, int64, error) {
	return nil, 0, errStoreDown
}
func (brokenStore) Update(ctx context.Context, p models.UserProfile) error { return errStoreDown }
func (brokenStore) Delete(ctx context.Context, id int64) (bool, error) { return false, errStoreDown }
func (brokenStore) Ping(ctx context.Context) error { return errStoreDown }

type testServer struct {
	router  http.Handler
	handler *Handler
	logs    *observer.ObservedLogs
}

type serverOption func(*testConfig)

type testConfig struct {
	store   store.Store
	health  *HealthConfig
	limiter *rate.Limiter
	origins []string
}

func withStore(s store.Store) serverOption { return func(c *testConfig) { c.store = s } }
func withHealth(h *HealthConfig) serverOption { return func(c *testConfig) { c.health = h } }
func withLimiter(l *rate.Limiter) serverOption { return func(c *testConfig) { c.limiter = l } }
func withCORS(origins ...string) serverOption { return func(c *testConfig) { c.origins = origins } }

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	cfg := testConfig{store: store.NewMemoryStore()}
	for _, opt := range opts {
		opt(&cfg)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 100, IsFailure: service.StoreIsFailure})
	svc := service.NewUserProfileService(cfg.store, cache.NewInMemoryCache(), service.Options{
		CacheTTL:        time.Minute,
		CoalesceTimeout: time.Second,
		Breaker:         breaker,
	})
	h := NewHandler(svc, cfg.health, PageConfig{DefaultSize: 10, MaxSize: 100}, logger)
	router := NewRouter(h, logger, RouterConfig{
		RequestTimeout:     2 * time.Second,
		Limiter:            cfg.limiter,
		CORSAllowedOrigins: cfg.origins,
	})
	return &testServer{router: router, handler: h, logs: logs}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) create(t *testing.T, email string, active bool) models.UserProfile {
	t.Helper()
	body, _ := json.Marshal(models.UserProfile{Email: email, Active: active})
	w := s.do(t, http.MethodPost, apiPrefix, string(body))
	if w.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, body %s", w.Code, w.Body.String())
	}
	return decodeProfile(t, w)
}

func decodeProfile(t *testing.T, w *httptest.ResponseRecorder) models.UserProfile {
	t.Helper()
	var p models.UserProfile
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	return p
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
	if body.Error.RequestID == "" || body.Error.RequestID != w.Header().Get(correlationHeader) {
		t.Errorf("requestId = %q, want correlation id %q", body.Error.RequestID, w.Header().Get(correlationHeader))
	}
}

// TestHandler_CreateThenGet verifies the round trip: a created profile reads back unchanged.
func TestHandler_CreateThenGet(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, apiPrefix, `{"email":"bar@example.net","active":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, want 201", w.Code)
	}
	created := decodeProfile(t, w)
	if created.ID == nil || created.Email != "bar@example.net" || !created.Active {
		t.Fatalf("created = %+v", created)
	}
	if loc := w.Header().Get("Location"); loc != "/api/v1/user-profiles/1" {
		t.Errorf("Location = %q, want /api/v1/user-profiles/1", loc)
	}

	for i := 0; i < 2; i++ {
		w = s.do(t, http.MethodGet, "/api/v1/user-profiles/1", "")
		if w.Code != http.StatusOK {
			t.Fatalf("GET status = %d, want 200", w.Code)
		}
		if got := decodeProfile(t, w); got.IDValue() != created.IDValue() || got.Email != created.Email || got.Active != created.Active {
			t.Errorf("GET = %+v, want %+v", got, created)
		}
	}
}

// TestHandler_CreateIgnoresBodyID verifies that the server assigns the id.
func TestHandler_CreateIgnoresBodyID(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, apiPrefix, `{"id":500,"email":"foo@example.net","active":false}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST status = %d", w.Code)
	}
	if got := decodeProfile(t, w); got.IDValue() != 1 {
		t.Errorf("id = %d, want 1", got.IDValue())
	}
}

func TestHandler_CreateRejectsBadBodies(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
		code string
	}{
		{"empty", "", "MALFORMED_BODY"},
		{"not json", "email=foo", "MALFORMED_BODY"},
		{"wrong type", `{"email":"foo@example.net","active":"yes"}`, "MALFORMED_BODY"},
		{"unknown field", `{"email":"foo@example.net","admin":true}`, "MALFORMED_BODY"},
		{"trailing data", `{"email":"a@x"}{"email":"b@x"}`, "MALFORMED_BODY"},
		{"email too long", `{"email":"` + strings.Repeat("a", 321) + `"}`, "INVALID_PROFILE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, s.do(t, http.MethodPost, apiPrefix, tt.body), http.StatusBadRequest, tt.code)
		})
	}
}

// TestHandler_GetMissing verifies 404 with the standard error body.
func TestHandler_GetMissing(t *testing.T) {
	s := newTestServer(t)
	assertError(t, s.do(t, http.MethodGet, "/api/v1/user-profiles/42", ""), http.StatusNotFound, "NOT_FOUND")
}

func TestHandler_InvalidID(t *testing.T) {
	s := newTestServer(t)
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		for _, id := range []string{"abc", "0", "-1", "1.5"} {
			w := s.do(t, method, "/api/v1/user-profiles/"+id, `{"email":"a@x","active":true}`)
			assertError(t, w, http.StatusBadRequest, "INVALID_ID")
		}
	}
}

// TestHandler_ListEnvelope verifies the paged envelope for three profiles.
func TestHandler_ListEnvelope(t *testing.T) {
	s := newTestServer(t)
	emails := []string{"foo@example.net", "bar@example.net", "bazz@example.net"}
	for _, e := range emails {
		s.create(t, e, true)
	}

	w := s.do(t, http.MethodGet, apiPrefix, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET list status = %d", w.Code)
	}
	var page paging.Page[models.UserProfile]
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Content) != 3 || page.TotalElements != 3 || page.TotalPages != 1 {
		t.Errorf("content=%d totalElements=%d totalPages=%d, want 3/3/1", len(page.Content), page.TotalElements, page.TotalPages)
	}
	if !page.First || !page.Last || page.Empty || page.NumberOfElements != 3 {
		t.Errorf("first=%v last=%v empty=%v numberOfElements=%d", page.First, page.Last, page.Empty, page.NumberOfElements)
	}
	if page.Size != 10 || page.Number != 0 || page.Pageable.PageSize != 10 || page.Pageable.Offset != 0 || !page.Pageable.Paged {
		t.Errorf("pageable = %+v size=%d number=%d", page.Pageable, page.Size, page.Number)
	}
	if !page.Sort.Unsorted || page.Sort.Sorted || !page.Sort.Empty {
		t.Errorf("sort = %+v, want unsorted and empty", page.Sort)
	}
	for i, p := range page.Content {
		if p.Email != emails[i] {
			t.Errorf("content[%d].email = %q, want %q", i, p.Email, emails[i])
		}
	}
}

func TestHandler_ListPagingAndSort(t *testing.T) {
	s := newTestServer(t)
	for _, e := range []string{"c@x", "a@x", "e@x", "b@x", "d@x"} {
		s.create(t, e, true)
	}

	w := s.do(t, http.MethodGet, apiPrefix+"?page=1&size=2&sort=email,desc", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var page paging.Page[models.UserProfile]
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.TotalElements != 5 || page.TotalPages != 3 || page.First || page.Last {
		t.Errorf("totalElements=%d totalPages=%d first=%v last=%v", page.TotalElements, page.TotalPages, page.First, page.Last)
	}
	if len(page.Content) != 2 || page.Content[0].Email != "c@x" || page.Content[1].Email != "b@x" {
		t.Errorf("content = %+v, want c@x, b@x", page.Content)
	}
	if !page.Sort.Sorted || page.Pageable.Offset != 2 {
		t.Errorf("sort=%+v offset=%d", page.Sort, page.Pageable.Offset)
	}
}

// TestHandler_ListPastLastPage verifies that a page beyond the data, including the
// largest accepted page at max size, answers an empty last page.
func TestHandler_ListPastLastPage(t *testing.T) {
	s := newTestServer(t)
	for _, e := range []string{"b@x", "a@x", "c@x"} {
		s.create(t, e, true)
	}
	for _, query := range []string{"?page=5&size=2&sort=email,desc", "?page=2147483647&size=100&sort=email"} {
		t.Run(query, func(t *testing.T) {
			w := s.do(t, http.MethodGet, apiPrefix+query, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}
			var page paging.Page[models.UserProfile]
			if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
				t.Fatalf("decode page: %v", err)
			}
			if len(page.Content) != 0 || !page.Empty || !page.Last || page.TotalElements != 3 {
				t.Errorf("content=%d empty=%v last=%v totalElements=%d", len(page.Content), page.Empty, page.Last, page.TotalElements)
			}
			if page.Pageable.Offset < 0 {
				t.Errorf("offset = %d, want non-negative", page.Pageable.Offset)
			}
		})
	}
}

// TestHandler_ListMaxSize verifies size equal to the configured maximum is accepted.
func TestHandler_ListMaxSize(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "a@x", true)
	w := s.do(t, http.MethodGet, apiPrefix+"?size=100", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var page paging.Page[models.UserProfile]
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Size != 100 || page.TotalPages != 1 || len(page.Content) != 1 {
		t.Errorf("size=%d totalPages=%d content=%d, want 100/1/1", page.Size, page.TotalPages, len(page.Content))
	}
}

func TestHandler_ListRejectsBadQuery(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		query string
		code  string
	}{
		{"?page=-1", "INVALID_PAGE"},
		{"?page=x", "INVALID_PAGE"},
		{"?page=922337203685477581", "INVALID_PAGE"},
		{"?page=2147483648&size=1", "INVALID_PAGE"},
		{"?size=0", "INVALID_SIZE"},
		{"?size=101", "INVALID_SIZE"},
		{"?sort=password", "INVALID_SORT"},
		{"?sort=email,sideways", "INVALID_SORT"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assertError(t, s.do(t, http.MethodGet, apiPrefix+tt.query, ""), http.StatusBadRequest, tt.code)
		})
	}
}

// TestHandler_UpdatePreservesIdentity verifies that update changes active but not id or email.
func TestHandler_UpdatePreservesIdentity(t *testing.T) {
	s := newTestServer(t)
	created := s.create(t, "foo@example.net", true)

	w := s.do(t, http.MethodPut, "/api/v1/user-profiles/1", `{"id":1,"email":"foo@example.net","active":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", w.Code, w.Body.String())
	}
	if got := decodeProfile(t, w); got.IDValue() != created.IDValue() || got.Active {
		t.Errorf("PUT = %+v", got)
	}

	w = s.do(t, http.MethodGet, "/api/v1/user-profiles/1", "")
	got := decodeProfile(t, w)
	if got.IDValue() != created.IDValue() || got.Email != "foo@example.net" || got.Active {
		t.Errorf("GET after PUT = %+v", got)
	}
}

func TestHandler_UpdateWithoutBodyID(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "foo@example.net", true)
	w := s.do(t, http.MethodPut, "/api/v1/user-profiles/1", `{"email":"new@example.net","active":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d", w.Code)
	}
	if got := decodeProfile(t, w); got.IDValue() != 1 || got.Email != "new@example.net" {
		t.Errorf("PUT = %+v", got)
	}
}

func TestHandler_UpdateErrors(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "foo@example.net", true)

	assertError(t, s.do(t, http.MethodPut, "/api/v1/user-profiles/1", `{"id":2,"email":"a@x","active":true}`), http.StatusBadRequest, "ID_MISMATCH")
	assertError(t, s.do(t, http.MethodPut, "/api/v1/user-profiles/1", `{"email":`), http.StatusBadRequest, "MALFORMED_BODY")
	assertError(t, s.do(t, http.MethodPut, "/api/v1/user-profiles/9", `{"email":"a@x","active":true}`), http.StatusNotFound, "NOT_FOUND")
}

// TestHandler_CreateDeleteGet verifies deletion finality and idempotent delete.
func TestHandler_CreateDeleteGet(t *testing.T) {
	s := newTestServer(t)
	created := s.create(t, "bar@example.net", true)
	path := "/api/v1/user-profiles/1"
	if created.IDValue() != 1 {
		t.Fatalf("created id = %d, want 1", created.IDValue())
	}

	if w := s.do(t, http.MethodDelete, path, ""); w.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", w.Code)
	}
	assertError(t, s.do(t, http.MethodGet, path, ""), http.StatusNotFound, "NOT_FOUND")
	if w := s.do(t, http.MethodDelete, path, ""); w.Code != http.StatusOK {
		t.Errorf("repeated DELETE status = %d, want 200", w.Code)
	}
}

// TestHandler_StoreUnavailable verifies that store failures map to 503 and are logged.
func TestHandler_StoreUnavailable(t *testing.T) {
	s := newTestServer(t, withStore(brokenStore{store.NewMemoryStore()}))
	assertError(t, s.do(t, http.MethodPost, apiPrefix, `{"email":"a@x","active":true}`), http.StatusServiceUnavailable, "STORE_UNAVAILABLE")
	assertError(t, s.do(t, http.MethodGet, "/api/v1/user-profiles/1", ""), http.StatusServiceUnavailable, "STORE_UNAVAILABLE")
	assertError(t, s.do(t, http.MethodGet, apiPrefix, ""), http.StatusServiceUnavailable, "STORE_UNAVAILABLE")
	assertError(t, s.do(t, http.MethodDelete, "/api/v1/user-profiles/1", ""), http.StatusServiceUnavailable, "STORE_UNAVAILABLE")

	if s.logs.FilterMessage("store error").Len() != 4 {
		t.Errorf("store error logs = %d, want 4", s.logs.FilterMessage("store error").Len())
	}
}

func TestHandler_RateLimited(t *testing.T) {
	s := newTestServer(t, withLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))

	if w := s.do(t, http.MethodGet, apiPrefix, ""); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	assertError(t, s.do(t, http.MethodGet, apiPrefix, ""), http.StatusTooManyRequests, "RATE_LIMITED")
	if w := s.do(t, http.MethodGet, "/health", ""); w.Code == http.StatusTooManyRequests {
		t.Error("/health was rate limited")
	}
}

func TestHandler_CORSPreflight(t *testing.T) {
	s := newTestServer(t, withCORS("http://localhost:3000"))
	req := httptest.NewRequest(http.MethodOptions, apiPrefix, nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q, want http://localhost:3000", got)
	}
}

func TestHandler_Metrics(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "a@x", true)
	w := s.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `route="/api/v1/user-profiles"`) {
		t.Error("metrics missing route-templated httpRequestsTotal")
	}
}

type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func getHealth(t *testing.T, s *testServer) (int, healthBody) {
	t.Helper()
	w := s.do(t, http.MethodGet, "/health", "")
	var body healthBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, body
}

func TestHandler_GetHealth(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	health := &HealthConfig{
		OverloadWindow:       time.Minute,
		OverloadThresholdPct: 50,
		RateLimitRPS:         1, // threshold: 30 denials per minute
		DegradedWindow:       time.Minute,
		DegradedErrorPct:     50,
	}

	t.Run("healthy", func(t *testing.T) {
		traffic.Reset()
		s := newTestServer(t, withHealth(health))
		code, body := getHealth(t, s)
		if code != http.StatusOK || body.Status != "healthy" || body.Checks["store"] != "healthy" {
			t.Errorf("health = %d %+v", code, body)
		}
	})

	t.Run("store unreachable", func(t *testing.T) {
		traffic.Reset()
		s := newTestServer(t, withHealth(health), withStore(brokenStore{store.NewMemoryStore()}))
		code, body := getHealth(t, s)
		if code != http.StatusServiceUnavailable || body.Status != "degraded" || body.Checks["store"] != "unhealthy" {
			t.Errorf("health = %d %+v", code, body)
		}
	})

	t.Run("overloaded", func(t *testing.T) {
		traffic.Reset()
		for i := 0; i < 31; i++ {
			traffic.RecordDenied()
		}
		s := newTestServer(t, withHealth(health))
		if code, body := getHealth(t, s); code != http.StatusServiceUnavailable || body.Status != "overloaded" {
			t.Errorf("health = %d %+v", code, body)
		}
	})

	t.Run("error rate", func(t *testing.T) {
		traffic.Reset()
		traffic.RecordSuccess()
		traffic.RecordError()
		s := newTestServer(t, withHealth(health))
		if code, body := getHealth(t, s); code != http.StatusServiceUnavailable || body.Status != "degraded" {
			t.Errorf("health = %d %+v", code, body)
		}
	})

	t.Run("shutting down", func(t *testing.T) {
		traffic.Reset()
		lifecycle.SetShuttingDown(true)
		defer lifecycle.SetShuttingDown(false)
		s := newTestServer(t, withHealth(health))
		if code, body := getHealth(t, s); code != http.StatusServiceUnavailable || body.Status != "shutting-down" {
			t.Errorf("health = %d %+v", code, body)
		}
	})
}

// TestHandler_GetHealth_LogsTransitions verifies that a status change is logged once.
func TestHandler_GetHealth_LogsTransitions(t *testing.T) {
	traffic.Reset()
	s := newTestServer(t)

	getHealth(t, s)
	lifecycle.SetShuttingDown(true)
	getHealth(t, s)
	getHealth(t, s)
	lifecycle.SetShuttingDown(false)

	entries := s.logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "shutting-down" {
		t.Errorf("transition fields = %v", fields)
	}
}

// TestHandler_ServerErrorsFeedDegraded verifies that 503s from the API count towards the error rate.
func TestHandler_ServerErrorsFeedDegraded(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	s := newTestServer(t, withStore(brokenStore{store.NewMemoryStore()}))
	s.do(t, http.MethodGet, apiPrefix, "")
	s.do(t, http.MethodGet, "/health", "")

	errs, total := traffic.ErrorRate(time.Minute)
	if errs != 1 || total != 1 {
		t.Errorf("ErrorRate() = %d/%d, want 1/1 (health not counted)", errs, total)
	}
}
