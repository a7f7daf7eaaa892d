package simulation

import (
	"context"

	"lockstep-net/server/logging"
)

const (
	// EventTickBudgetOverrun is emitted when a frame exceeds the allotted frame budget.
	EventTickBudgetOverrun logging.EventType = "simulation.tick_budget_overrun"
	// EventStallResolved is emitted when the loop resumes after waiting on control.
	EventStallResolved logging.EventType = "simulation.stall_resolved"
)

// TickBudgetOverrunPayload captures timing details for a frame budget breach.
type TickBudgetOverrunPayload struct {
	Frame          int64   `json:"frame"`
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
	Streak         uint64  `json:"streak"`
}

// TickBudgetOverrun publishes a warning when a frame exceeds the configured budget.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, tick uint64, payload TickBudgetOverrunPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickBudgetOverrun,
		Tick:     tick,
		Severity: logging.SeverityWarn,
		Category: "simulation",
		Payload:  payload,
	})
}

// StallResolvedPayload describes how long the loop waited for a control tick.
type StallResolvedPayload struct {
	Tick       int32 `json:"tick"`
	WaitMillis int64 `json:"waitMillis"`
	Retries    int   `json:"retries"`
}

// StallResolved publishes a stall that ended.
func StallResolved(ctx context.Context, pub logging.Publisher, tick uint64, payload StallResolvedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventStallResolved,
		Tick:     tick,
		Severity: logging.SeverityInfo,
		Category: "simulation",
		Payload:  payload,
	})
}
