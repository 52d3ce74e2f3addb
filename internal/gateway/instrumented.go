package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"posologicos-backend/internal/metrics"
)

// Instrumented records latency and outcome of every invocation.
type Instrumented struct {
	next   Gateway
	driver string
}

func NewInstrumented(next Gateway, driver string) *Instrumented {
	return &Instrumented{next: next, driver: driver}
}

func (g *Instrumented) Invoke(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := g.next.Invoke(ctx, req)
	elapsed := time.Since(start)

	outcome := Outcome(err)
	metrics.GatewayLatency.WithLabelValues(g.driver).Observe(elapsed.Seconds())
	metrics.GatewayInvocations.WithLabelValues(g.driver, outcome).Inc()

	event := log.Debug()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.Str("module", "gateway").
		Str("driver", g.driver).
		Str("agent_id", req.AgentID).
		Str("outcome", outcome).
		Dur("latency", elapsed).
		Int("history", len(req.History)).
		Msg("agent invocation")
	return resp, err
}
