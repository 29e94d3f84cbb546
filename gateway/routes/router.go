// Package routes assembles the public HTTP surface.
package routes

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"satgate/auth"
	"satgate/catalog"
	"satgate/credit"
	"satgate/gateway/middleware"
	"satgate/refund"
	"satgate/wallet"
)

// Config carries everything the router mounts.
type Config struct {
	Engine        http.Handler
	Store         *credit.Store
	Authenticator *auth.Authenticator
	Registry      *wallet.Registry
	Refunds       *refund.Service
	Catalog       *catalog.Catalog

	AdminAuth     *middleware.AdminAuthenticator
	AdminPassword string

	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

// New builds the chi router. Explicit balance, models and admin routes win
// over the wildcard proxy mount.
func New(cfg Config) (http.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	balance := &balanceRoutes{
		store:    cfg.Store,
		auth:     cfg.Authenticator,
		registry: cfg.Registry,
		refunds:  cfg.Refunds,
		logger:   logger,
	}
	models := &modelsRoutes{catalog: cfg.Catalog, passthrough: cfg.Engine}

	r.Route("/v1", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware("proxy"))
		}
		sr.Route("/balance", func(br chi.Router) {
			if cfg.RateLimiter != nil {
				br.Use(cfg.RateLimiter.Middleware("balance"))
			}
			br.Get("/info", balance.info)
			br.Get("/create", balance.create)
			br.Post("/topup", balance.topup)
			br.Post("/refund", balance.refundBalance)
		})
		sr.Get("/models", models.list)
		sr.Handle("/*", cfg.Engine)
	})

	if cfg.AdminAuth != nil {
		admin := &adminRoutes{
			store:    cfg.Store,
			auth:     cfg.AdminAuth,
			password: cfg.AdminPassword,
			logger:   logger,
		}
		r.Route("/admin", func(ar chi.Router) {
			if cfg.RateLimiter != nil {
				ar.Use(cfg.RateLimiter.Middleware("admin"))
			}
			ar.Post("/login", admin.login)
			ar.Group(func(gr chi.Router) {
				gr.Use(cfg.AdminAuth.Middleware())
				gr.Get("/settings", admin.getSettings)
				gr.Put("/settings", admin.putSettings)
			})
		})
	}

	return r, nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: kind}})
}
