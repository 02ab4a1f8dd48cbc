// Package pricing provides per-tier cost estimation for token usage.
//
// The rates are fixed approximations (USD per million tokens) configured at
// startup; there is no real-time pricing lookup. Logged costs are estimates.
package pricing

// Rates holds per-million-token costs in USD for one model tier.
type Rates struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Cost returns the estimated USD cost for the given token counts.
func (r Rates) Cost(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)/1_000_000)*r.InputPer1M +
		(float64(outputTokens)/1_000_000)*r.OutputPer1M
}

// Table maps the two heartbeat tiers to their rates.
type Table struct {
	Triage Rates
	Action Rates
}

// TickCost returns the combined cost of a heartbeat tick: triage tokens at
// triage-tier rates plus action tokens at action-tier rates.
func (t Table) TickCost(triageIn, triageOut, actionIn, actionOut int) float64 {
	return t.Triage.Cost(triageIn, triageOut) + t.Action.Cost(actionIn, actionOut)
}
