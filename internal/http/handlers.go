package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/userprofile-service/internal/circuitbreaker"
	"github.com/kjstillabower/userprofile-service/internal/lifecycle"
	"github.com/kjstillabower/userprofile-service/internal/models"
	"github.com/kjstillabower/userprofile-service/internal/observability"
	"github.com/kjstillabower/userprofile-service/internal/paging"
	"github.com/kjstillabower/userprofile-service/internal/service"
	"github.com/kjstillabower/userprofile-service/internal/store"
	"github.com/kjstillabower/userprofile-service/internal/traffic"
	"github.com/kjstillabower/userprofile-service/internal/validation"
)

const (
	apiPrefix    = "/api/v1/user-profiles"
	maxBodyBytes = 1 << 20
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// PageConfig bounds list requests.
type PageConfig struct {
	DefaultSize int
	MaxSize     int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	profiles         *service.UserProfileService
	healthConfig     *HealthConfig
	pageConfig       PageConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(profiles *service.UserProfileService, healthConfig *HealthConfig, pageConfig PageConfig, logger *zap.Logger) *Handler {
	if pageConfig.DefaultSize <= 0 {
		pageConfig.DefaultSize = paging.DefaultSize
	}
	if pageConfig.MaxSize <= 0 {
		pageConfig.MaxSize = paging.DefaultMaxSize
	}
	return &Handler{
		profiles:     profiles,
		healthConfig: healthConfig,
		pageConfig:   pageConfig,
		logger:       logger,
	}
}

// CreateUserProfile handles POST /api/v1/user-profiles.
func (h *Handler) CreateUserProfile(w http.ResponseWriter, r *http.Request) {
	var body models.UserProfile
	if !decodeBody(w, r, &body) {
		return
	}
	if err := validation.ValidateProfile(body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PROFILE", err.Error())
		return
	}

	created, err := h.profiles.Create(r.Context(), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", apiPrefix+"/"+strconv.FormatInt(created.IDValue(), 10))
	writeJSON(w, http.StatusCreated, created)
}

// GetUserProfile handles GET /api/v1/user-profiles/{id}.
func (h *Handler) GetUserProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := h.profiles.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	p, found := result.Get()
	if !found {
		writeNotFound(w, r, id)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListUserProfiles handles GET /api/v1/user-profiles?page=&size=&sort=.
func (h *Handler) ListUserProfiles(w http.ResponseWriter, r *http.Request) {
	req, err := paging.ParseRequest(r.URL.Query(), h.pageConfig.DefaultSize, h.pageConfig.MaxSize, store.SortProperties)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, pagingErrorCode(err), err.Error())
		return
	}
	page, err := h.profiles.List(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// UpdateUserProfile handles PUT /api/v1/user-profiles/{id}.
func (h *Handler) UpdateUserProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body models.UserProfile
	if !decodeBody(w, r, &body) {
		return
	}
	if err := validation.ValidateUpdate(id, body); err != nil {
		code := "INVALID_PROFILE"
		if errors.Is(err, validation.ErrIDMismatch) {
			code = "ID_MISMATCH"
		}
		writeError(w, r, http.StatusBadRequest, code, err.Error())
		return
	}

	updated, err := h.profiles.Update(r.Context(), id, body)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeNotFound(w, r, id)
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteUserProfile handles DELETE /api/v1/user-profiles/{id}. Deleting an
// absent id also answers 200.
func (h *Handler) DeleteUserProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	removed, err := h.profiles.Delete(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !removed {
		observability.LoggerFromContext(r.Context()).Debug("delete of absent user profile", zap.Int64("id", id))
	}
	w.WriteHeader(http.StatusOK)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	storeErr   error
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"store": "healthy"}
	if result.storeErr != nil {
		checks["store"] = "unhealthy"
	}
	if h.profiles.BreakerState() != circuitbreaker.StateClosed {
		checks["circuitBreaker"] = h.profiles.BreakerState().String()
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":        result.status,
		"service":       "userprofile-service",
		"version":       "dev",
		"checks":        checks,
		"uptimeSeconds": int64(lifecycle.Uptime().Seconds()),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > store unreachable > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{status: "shutting-down", statusCode: http.StatusServiceUnavailable, reason: "signal"}
	}
	if err := h.profiles.Ping(ctx); err != nil {
		return healthResult{status: "degraded", statusCode: http.StatusServiceUnavailable, reason: "store_unreachable", storeErr: err}
	}
	if h.healthConfig == nil {
		return healthResult{status: "healthy", statusCode: http.StatusOK}
	}
	if h.healthConfig.RateLimitRPS > 0 && h.healthConfig.OverloadWindow > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(traffic.DenialCount(h.healthConfig.OverloadWindow)) > threshold {
			return healthResult{status: "overloaded", statusCode: http.StatusServiceUnavailable, reason: "overload_threshold"}
		}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(h.healthConfig.DegradedErrorPct) {
			return healthResult{status: "degraded", statusCode: http.StatusServiceUnavailable, reason: "error_rate_breach"}
		}
	}
	return healthResult{status: "healthy", statusCode: http.StatusOK}
}

// pathID parses {id}, writing 400 INVALID_ID when it is not a positive integer.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := validation.ParseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ID", err.Error())
		return 0, false
	}
	return id, true
}

// decodeBody decodes exactly one JSON object into v, rejecting unknown fields
// and trailing data. Writes 400 MALFORMED_BODY on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errors.New("request body must contain a single JSON object")
	}
	if err != nil {
		message := "request body is not a valid user profile"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			message = "request body too large"
		}
		observability.LoggerFromContext(r.Context()).Debug("malformed body", zap.Error(err))
		writeError(w, r, http.StatusBadRequest, "MALFORMED_BODY", message)
		return false
	}
	return true
}

func pagingErrorCode(err error) string {
	switch {
	case errors.Is(err, paging.ErrInvalidPage):
		return "INVALID_PAGE"
	case errors.Is(err, paging.ErrInvalidSize):
		return "INVALID_SIZE"
	default:
		return "INVALID_SORT"
	}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message and the request correlation id.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

func writeNotFound(w http.ResponseWriter, r *http.Request, id int64) {
	writeError(w, r, http.StatusNotFound, "NOT_FOUND", "user profile "+strconv.FormatInt(id, 10)+" not found")
}

// writeServiceError maps store-side failures to 503 STORE_UNAVAILABLE and logs the cause.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context())
	switch {
	case errors.Is(err, paging.ErrInvalidSort):
		writeError(w, r, http.StatusBadRequest, "INVALID_SORT", err.Error())
		return
	case errors.Is(err, circuitbreaker.ErrOpen):
		logger.Warn("store circuit open", zap.Error(err))
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("store call timed out", zap.Error(err))
	default:
		logger.Error("store error", zap.Error(err))
	}
	writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Unable to reach user profile store")
}
