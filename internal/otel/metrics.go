package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ActiveAgents     metric.Int64UpDownCounter
	LoopIterations   metric.Int64Counter
	HeartbeatTicks   metric.Int64Counter
	HeartbeatCostUSD metric.Float64Counter
	ChildSessions    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LLMCallDuration, err = meter.Float64Histogram("dyno.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("dyno.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("dyno.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("dyno.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("dyno.agents.active",
		metric.WithDescription("Number of currently cached agent runtimes"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopIterations, err = meter.Int64Counter("dyno.loop.iterations",
		metric.WithDescription("Total loop iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatTicks, err = meter.Int64Counter("dyno.heartbeat.ticks",
		metric.WithDescription("Heartbeat ticks by outcome status"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatCostUSD, err = meter.Float64Counter("dyno.heartbeat.cost_usd",
		metric.WithDescription("Estimated heartbeat spend in USD"),
	)
	if err != nil {
		return nil, err
	}

	m.ChildSessions, err = meter.Int64Counter("dyno.sessions.spawned",
		metric.WithDescription("Child sessions spawned"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
