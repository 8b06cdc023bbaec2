package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/userprofile-service/internal/observability"
)

// RouterConfig holds the middleware settings for NewRouter.
type RouterConfig struct {
	RequestTimeout     time.Duration
	Limiter            *rate.Limiter // nil disables rate limiting
	CORSAllowedOrigins []string
}

// NewRouter wires routes and middleware. Rate limiting and the request timeout
// apply to the profile API only; /health and /metrics stay reachable under load.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) http.Handler {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix(apiPrefix).Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("", h.CreateUserProfile).Methods(http.MethodPost)
	api.HandleFunc("", h.ListUserProfiles).Methods(http.MethodGet)
	api.HandleFunc("/{id}", h.GetUserProfile).Methods(http.MethodGet)
	api.HandleFunc("/{id}", h.UpdateUserProfile).Methods(http.MethodPut)
	api.HandleFunc("/{id}", h.DeleteUserProfile).Methods(http.MethodDelete)

	return CORSMiddleware(cfg.CORSAllowedOrigins)(router)
}
