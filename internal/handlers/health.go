package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
)

const version = "0.1.0"

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Sessions  int              `json:"sessions"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// HealthHandler probes every dependency in checks. A nil Pinger means the
// dependency is not configured and is skipped.
func HealthHandler(checks map[string]Pinger, registry *SessionRegistry) fiber.Handler {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()

		results := make(map[string]Check, len(names))
		allHealthy := true
		for _, name := range names {
			p := checks[name]
			if p == nil {
				results[name] = Check{Status: "pass", Message: "not configured"}
				continue
			}
			start := time.Now()
			if err := p.Ping(ctx); err != nil {
				results[name] = Check{Status: "fail", Message: "connection failed"}
				allHealthy = false
				continue
			}
			results[name] = Check{Status: "pass", Latency: time.Since(start).String()}
		}

		status := "healthy"
		statusCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		resp := HealthResponse{
			Status:    status,
			Version:   version,
			Checks:    results,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if registry != nil {
			resp.Sessions = registry.Count()
		}
		return c.Status(statusCode).JSON(resp)
	}
}
