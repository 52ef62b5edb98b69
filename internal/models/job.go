package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the state of one scheduled job run
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobRun records one execution of a scheduled job such as the expiry sweep.
type JobRun struct {
	ID          int64      `json:"id"`
	JobType     string     `json:"job_type"`
	WorkerID    string     `json:"worker_id"`
	Status      JobStatus  `json:"status"`
	Result      JSONB      `json:"result"`
	LastError   *string    `json:"last_error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration is how long the run took, or zero while it is still running.
func (r *JobRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = JSONB{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// JobStats summarises recorded runs of one job type
type JobStats struct {
	JobType       string     `json:"job_type"`
	Running       int        `json:"running"`
	Completed     int        `json:"completed"`
	Failed        int        `json:"failed"`
	Total         int        `json:"total"`
	LastStartedAt *time.Time `json:"last_started_at,omitempty"`
}
