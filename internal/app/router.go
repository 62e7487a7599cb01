// Package app assembles the controller and ledger services: routers,
// background loops, and the HTTP server lifecycle.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swarmos/swarmos/internal/adapter/httpserver"
	"github.com/swarmos/swarmos/internal/adapter/observability"
	"github.com/swarmos/swarmos/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func baseRouter(cfg config.Config) chi.Router {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	return r
}

// BuildControllerRouter constructs the dispatch controller's HTTP handler.
func BuildControllerRouter(cfg config.Config, srv *httpserver.ControllerServer) http.Handler {
	r := baseRouter(cfg)

	r.Route("/api/v1", func(api chi.Router) {
		// Rate limit mutating endpoints.
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			wr.Post("/jobs/submit", srv.SubmitJob)
			wr.Post("/jobs/claim", srv.ClaimJob)
			wr.Post("/jobs/{id}/complete", srv.CompleteJob)
			wr.Post("/jobs/{id}/fail", srv.FailJob)
			wr.Post("/workers/register", srv.RegisterWorker)
			wr.Post("/workers/heartbeat", srv.Heartbeat)
		})
		api.Get("/jobs/{id}", srv.GetJob)
		api.Get("/jobs/{id}/receipt", srv.GetReceipt)
		api.Get("/status", srv.Status)
		api.Get("/epochs/current", srv.CurrentEpoch)
	})

	return httpserver.SecurityHeaders(r)
}

// BuildLedgerRouter constructs the settlement ledger's HTTP handler.
func BuildLedgerRouter(cfg config.Config, srv *httpserver.LedgerServer) http.Handler {
	r := baseRouter(cfg)

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			wr.Post("/deposit", srv.PostDeposit)
			wr.Post("/reserve", srv.PostReserve)
			wr.Post("/charge", srv.PostCharge)
			wr.Post("/refund", srv.PostRefund)
			wr.Post("/credit", srv.PostCredit)
			wr.Post("/withdrawals", srv.PostWithdraw)
			wr.Post("/withdrawals/{id}/finalize", srv.PostWithdrawFinalize)
			wr.Post("/epochs/open", srv.PostEpochOpen)
			wr.Post("/epochs/begin-seal", srv.PostEpochBeginSeal)
			wr.Post("/epochs/seal", srv.PostEpochSeal)
		})
		api.Get("/accounts/{id}/balance", srv.GetBalance)
		api.Get("/accounts/{id}/transactions", srv.GetTransactions)
		api.Get("/accounts/{id}/deposits", srv.GetDeposits)
		api.Get("/withdrawals/{id}", srv.GetWithdrawal)
		api.Get("/epochs", srv.ListEpochs)
		api.Get("/epochs/{id}", srv.GetEpoch)
		api.Get("/stats", srv.GetStats)
		api.Post("/verify", srv.PostVerify)
	})

	return httpserver.SecurityHeaders(r)
}
