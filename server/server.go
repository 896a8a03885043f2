// Package server exposes the marketplace API over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/DomeLiquid/escrowmarket/settlement"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const maxRequestBody = 1 << 20

// GatewayProbe checks the gateway credentials; gateway.Client satisfies it.
type GatewayProbe interface {
	Ping(ctx context.Context) (int, error)
}

type Config struct {
	Orchestrator *settlement.Orchestrator
	Gateway      GatewayProbe
	Metrics      http.Handler
	AdminToken   string
	Log          core.Log
}

type Server struct {
	orch       *settlement.Orchestrator
	gateway    GatewayProbe
	metrics    http.Handler
	adminToken string
	log        core.Log

	router http.Handler
}

func New(cfg Config) *Server {
	s := &Server{
		orch:       cfg.Orchestrator,
		gateway:    cfg.Gateway,
		metrics:    cfg.Metrics,
		adminToken: strings.TrimSpace(cfg.AdminToken),
		log:        cfg.Log,
	}
	if s.log == nil {
		s.log = core.NopLog()
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLog)
	r.Use(chimw.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Post("/create-order", s.CreateOrder)
		api.Post("/verify-payment", s.VerifyPayment)

		api.Get("/listings", s.ListListings)
		api.Post("/listings", s.CreateListing)
		api.Get("/listings/{id}", s.GetListing)
		api.Patch("/listings/{id}", s.UpdateListing)

		api.Get("/transactions", s.ListTransactions)
		api.With(s.requireAdmin).Post("/transactions/{id}/release", s.RetryRelease)

		api.Get("/payouts", s.ListPayouts)
		api.Get("/gateway/health", s.GatewayHealth)
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("requestId", chimw.GetReqID(r.Context())).
			Msg("http")
	})
}

// requireAdmin guards operator routes with a static bearer token. No token configured means
// the routes are closed.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.adminToken == "" || !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.adminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "UNAUTHORIZED"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindValidation, core.KindSecurity:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		if core.CodeOf(err) == core.CodeInvalidState {
			return http.StatusBadRequest
		}
		return http.StatusConflict
	case core.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: core.MessageOf(err), Code: core.CodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.InvalidRequest("Invalid request")
	}
	return nil
}
