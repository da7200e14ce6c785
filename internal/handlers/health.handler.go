package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/fasthttp/router"
	xhttp "github.com/nimasrn/campaign-pipeline/pkg/http"
)

const healthTimeout = 2 * time.Second

// Pinger is anything a health probe can reach: the database, redis, the
// worker service.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

type HealthHandler struct {
	checks map[string]Pinger
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func RegisterHealthRoutes(e *router.Group, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
	e.GET("/ready", h.GetReady)
}

func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{
		checks: checks,
	}
}

// GetHealth is a liveness probe; it never touches dependencies.
func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	writeJSON(ctx, xhttp.StatusOK, healthResponse{Status: "ok"})
}

// GetReady runs every registered check and fails if any of them does.
func (h *HealthHandler) GetReady(ctx *xhttp.RequestCtx) {
	c, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		if err := h.checks[name].Ping(c); err != nil {
			resp.Status = "unavailable"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := xhttp.StatusOK
	if resp.Status != "ok" {
		status = xhttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, resp)
}
