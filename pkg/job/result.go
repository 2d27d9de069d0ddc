package job

import (
	"encoding/json"
	"time"
)

// Result is the terminal outcome of a job. Exactly one exists per
// terminal job and none before; it is written in the same transition
// that reaches the terminal state.
type Result struct {
	JobID           string          `json:"job_id"`
	Status          State           `json:"status"`
	Error           *string         `json:"error,omitempty"`
	Data            json.RawMessage `json:"result_data,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	Shots           int             `json:"shots"`
	CreatedAt       time.Time       `json:"created_at"`
}
