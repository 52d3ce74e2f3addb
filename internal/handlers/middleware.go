package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"posologicos-backend/internal/metrics"
)

// RequestLogger logs one line per request using zerolog.
func RequestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		logger.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", c.Response().StatusCode()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetRespHeader(fiber.HeaderXRequestID)).
			Str("remote_addr", c.IP()).
			Msg("request completed")
		return err
	}
}

// Metrics records Prometheus request metrics labelled by route pattern.
func Metrics(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	// the matched route pattern keeps label cardinality bounded
	path := c.Route().Path
	metrics.HTTPRequestsTotal.WithLabelValues(
		c.Method(), path, strconv.Itoa(c.Response().StatusCode()),
	).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(c.Method(), path).Observe(time.Since(start).Seconds())
	return err
}
