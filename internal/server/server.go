// Package server exposes the admin HTTP API: subscription management, order
// submission, delivery failures, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rewired-gh/polyalert/internal/command"
	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/metrics"
	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/rewired-gh/polyalert/internal/order"
)

// Commands handles subscription commands.
type Commands interface {
	Subscribe(ctx context.Context, req command.Request) (models.Subscription, error)
	Unsubscribe(ctx context.Context, key models.SubscriptionKey) error
	List(ctx context.Context, userID string) ([]models.Subscription, error)
}

// Orders submits orders.
type Orders interface {
	SubmitOrder(ctx context.Context, req order.Request) (string, error)
}

// FailureLog lists recent delivery failures.
type FailureLog interface {
	ListDeliveryFailures(ctx context.Context, limit int) ([]models.DeliveryFailure, error)
}

// Deps are the services behind the routes. Orders, Failures, Phases and
// Metrics may be nil; their routes then answer 404 or omit the data.
type Deps struct {
	Commands Commands
	Orders   Orders
	Failures FailureLog
	Phases   func(models.Domain) string
	Metrics  *metrics.Registry
}

// Server is the admin HTTP server.
type Server struct {
	router  *mux.Router
	server  *http.Server
	deps    Deps
	started time.Time
}

const requestTimeout = 15 * time.Second

// New creates a server listening on addr.
func New(addr string, deps Deps) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		started: time.Now(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	api.Use(timeoutMiddleware)
	api.HandleFunc("/subscriptions", s.subscribe).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions", s.unsubscribe).Methods(http.MethodDelete)
	api.HandleFunc("/users/{userID}/subscriptions", s.listSubscriptions).Methods(http.MethodGet)
	if s.deps.Orders != nil {
		api.HandleFunc("/orders", s.submitOrder).Methods(http.MethodPost)
	}
	if s.deps.Failures != nil {
		api.HandleFunc("/delivery-failures", s.listFailures).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Admin API listening on %s", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	logger.Info("Shutting down admin API...")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin api shutdown: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Phases map[string]string `json:"phases,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.deps.Phases != nil {
		resp.Phases = make(map[string]string, len(models.Domains))
		for _, d := range models.Domains {
			resp.Phases[string(d)] = s.deps.Phases(d)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req command.Request
	if !decode(w, r, &req) {
		return
	}
	sub, err := s.deps.Commands.Subscribe(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	var key models.SubscriptionKey
	if !decode(w, r, &key) {
		return
	}
	if err := s.deps.Commands.Unsubscribe(r.Context(), key); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Commands.List(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

type orderResponse struct {
	OrderID string `json:"order_id"`
}

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req order.Request
	if !decode(w, r, &req) {
		return
	}
	id, err := s.deps.Orders.SubmitOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse{OrderID: id})
}

func (s *Server) listFailures(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	failures, err := s.deps.Failures.ListDeliveryFailures(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if failures == nil {
		failures = []models.DeliveryFailure{}
	}
	writeJSON(w, http.StatusOK, failures)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var traderErr *order.TraderError
	switch {
	case errors.Is(err, models.ErrDuplicateSubscription), errors.Is(err, models.ErrMarketClosed):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrUnknownMarket):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidSubscriptionRequest), errors.Is(err, models.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUpstreamUnavailable), errors.Is(err, models.ErrUpstreamMalformed),
		errors.As(err, &traderErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("Admin API request failed: %v", err)
		msg = "internal error"
	}
	writeError(w, status, msg)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response: %v", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Debug("REQ %s %s %s %d %v", w.Header().Get("X-Request-ID"), r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

func timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
