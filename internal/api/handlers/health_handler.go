package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker проверка доступности зависимости (БД, Redis)
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthResponse ответ /health
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Clients int               `json:"clients"`
}

// HealthHandler liveness и readiness сервиса
type HealthHandler struct {
	checks  map[string]HealthChecker
	running func() int
	timeout time.Duration
}

// NewHealthHandler создает обработчик. running возвращает число запущенных клиентов.
func NewHealthHandler(checks map[string]HealthChecker, running func() int) *HealthHandler {
	return &HealthHandler{checks: checks, running: running, timeout: 2 * time.Second}
}

// Health 200 если все зависимости отвечают, иначе 503 с причинами
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	for name, c := range h.checks {
		if c == nil {
			continue
		}
		if err := c.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.running != nil {
		resp.Clients = h.running()
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, resp)
}
