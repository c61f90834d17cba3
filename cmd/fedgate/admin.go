package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/httpserver"
	"github.com/polisai/polis-federation/pkg/tasks"
)

// adminRouter serves health, metrics and the operator endpoints.
func (g *gateway) adminRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", g.metrics.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Get("/ratelimit", g.handleRateLimit)
		r.Get("/tasks", g.handleListTasks)
		r.Get("/tasks/{id}", g.handleGetTask)
		r.Get("/replication", g.handleReplication)
	})
	return r
}

func (g *gateway) handleRateLimit(w http.ResponseWriter, _ *http.Request) {
	cfg := g.limiter.Config()
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"config": map[string]any{
			"window_size_ms": cfg.Window.Milliseconds(),
			"sleep_limit":    cfg.SleepLimit,
			"sleep_delay_ms": cfg.SleepDelay.Milliseconds(),
			"reject_limit":   cfg.RejectLimit,
			"concurrent":     cfg.Concurrent,
		},
		"origins": g.limiter.Stats(),
	})
}

func (g *gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := tasks.Filter{
		Actions:     q["action"],
		ResourceIDs: q["resource_id"],
	}
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, tasks.Status(s))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"tasks": g.scheduler.List(filter)})
}

func (g *gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := g.scheduler.Get(chi.URLParam(r, "id"))
	if !ok {
		httpserver.WriteError(w, r, domain.NewError(http.StatusNotFound, domain.CodeNotFound, nil, "No such task"))
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, task)
}

func (g *gateway) handleReplication(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"instance": g.instance,
		"worker":   g.cfg.Worker.IsWorker(),
		"enabled":  g.channel != nil,
	}
	if g.channel != nil {
		body["publish_breaker"] = g.channel.BreakerStats()
	}
	httpserver.WriteJSON(w, http.StatusOK, body)
}
