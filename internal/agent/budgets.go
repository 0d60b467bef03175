package agent

import (
	"time"

	"github.com/localagent/localagent/internal/runrecord"
)

// Budgets bound the loop's authority, not the model's. They are set
// before the loop starts and immutable for the run.
type Budgets struct {
	MaxTurns            int
	MaxToolCalls        int
	WallClock           time.Duration
	PerToolTimeout      time.Duration
	PerNodeRetries      int
	SchemaRepairRetries int
}

// DefaultBudgets are the conservative out-of-the-box bounds.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxTurns:            20,
		MaxToolCalls:        40,
		WallClock:           10 * time.Minute,
		PerToolTimeout:      60 * time.Second,
		PerNodeRetries:      0,
		SchemaRepairRetries: 1,
	}
}

// Record converts the budgets into their run-record shape.
func (b Budgets) Record() runrecord.Budget {
	return runrecord.Budget{
		MaxTurns:         b.MaxTurns,
		MaxToolCalls:     b.MaxToolCalls,
		WallClockSeconds: int64(b.WallClock / time.Second),
		PerToolTimeoutMS: b.PerToolTimeout.Milliseconds(),
		PerNodeRetries:   b.PerNodeRetries,
	}
}
