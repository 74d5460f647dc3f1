package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/PoseidonLi0514/zero2api/internal/breaker"
	"github.com/PoseidonLi0514/zero2api/internal/config"
	"github.com/PoseidonLi0514/zero2api/internal/proxy/handlers"
	"github.com/PoseidonLi0514/zero2api/internal/proxy/middleware"
	"github.com/PoseidonLi0514/zero2api/internal/proxy/monitor"
	"github.com/PoseidonLi0514/zero2api/internal/refresher"
	"github.com/PoseidonLi0514/zero2api/internal/scheduler"
	"github.com/PoseidonLi0514/zero2api/internal/selector"
	"github.com/PoseidonLi0514/zero2api/internal/store"
	"github.com/PoseidonLi0514/zero2api/internal/upstream"
	"github.com/PoseidonLi0514/zero2api/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st := store.New(cfg.AccountsFile, cfg.DefaultMaxInflight)
	if err := st.Load(); err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}

	mon, err := monitor.Open(cfg.MonitorDB)
	if err != nil {
		log.Fatalf("Failed to open monitor database: %v", err)
	}

	client := upstream.NewClient(cfg.AuthBase, cfg.AuthAnonKey, cfg.APIBase, cfg.Origin, cfg.HTTPTimeout)
	br := breaker.New(st, breaker.Options{
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		BackoffMaxExp:     cfg.BackoffMaxExp,
		Cooldown:          cfg.AuthCooldown,
		CooldownJitterMin: cfg.AuthCooldownJitterMin,
		CooldownJitterMax: cfg.AuthCooldownJitterMax,
	})
	ref := refresher.New(st, client, br, refresher.Leeways{
		Access: cfg.AccessRefreshLeeway,
		Signed: cfg.SignedRefreshLeeway,
		CSRF:   cfg.CSRFRefreshLeeway,
	})
	sel := selector.New(st)

	sched := scheduler.New(st, ref, br, scheduler.Options{
		Tick:          cfg.BackgroundTick,
		GroupSize:     cfg.BackgroundGroupSize,
		MaxConcurrent: cfg.BackgroundMaxConcurrent,
	})
	go sched.Run(context.Background())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", handlers.HealthzHandler())
	r.Get("/admin", handlers.DashboardHandler())

	r.Route("/admin/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKey))
		r.Get("/accounts", handlers.ListAccountsHandler(st))
		r.Post("/accounts/import", handlers.ImportAccountHandler(st))
		r.Post("/accounts/{id}/toggle", handlers.ToggleAccountHandler(st))
		r.Post("/accounts/{id}/toggle-pro", handlers.ToggleProHandler(st))
		r.Post("/accounts/{id}/max-inflight", handlers.MaxInflightHandler(st))
		r.Post("/accounts/{id}/refresh-access", handlers.RefreshAccessHandler(ref))
		r.Post("/accounts/{id}/refresh-security", handlers.RefreshSecurityHandler(ref))
		r.Delete("/accounts/{id}", handlers.DeleteAccountHandler(st))
		r.Get("/logs", handlers.LogsHandler(mon))
		r.Post("/logs/clear", handlers.ClearLogsHandler(mon))
		r.Get("/stats", handlers.StatsHandler(mon))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKey))
		r.Post("/chat/completions", handlers.ChatHandler(handlers.ChatDeps{
			Store:        st,
			Selector:     sel,
			Refresher:    ref,
			Breaker:      br,
			Client:       client,
			Monitor:      mon,
			MaxBodyBytes: cfg.MaxRequestBodyBytes,
		}))
		r.Get("/models", handlers.ModelsHandler())
	})

	log.Printf("🚀 zero2api %s listening on http://%s", version.Version, cfg.Addr())
	log.Printf("📊 Admin: http://%s/admin", cfg.Addr())
	if cfg.APIKey == "change-me" {
		log.Printf("⚠️ API_KEY is still the default, set it before exposing this service")
	}

	if err := http.ListenAndServe(cfg.Addr(), r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
