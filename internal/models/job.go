package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the state of a queued unit of work
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:     {JobProcessing},
	JobProcessing: {JobCompleted, JobFailed, JobRetrying},
	JobRetrying:   {JobQueued},
}

func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobType names the handler a job is dispatched to
type JobType string

const (
	JobTypeTransfer JobType = "transfer"
)

// Job is a durable unit of deferred settlement work
type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       JobStatus       `json:"status"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// JobUpdate carries the fields written alongside a job transition
type JobUpdate struct {
	Status      JobStatus
	ScheduledAt *time.Time
	// Attempts overwrites the counter; a postponed claim hands its attempt back
	Attempts     *int
	ErrorMessage string
	UpdatedAt    time.Time
}

func (u JobUpdate) Apply(j *Job) {
	j.Status = u.Status
	if u.ScheduledAt != nil {
		j.ScheduledAt = *u.ScheduledAt
	}
	if u.Attempts != nil {
		j.Attempts = *u.Attempts
	}
	if u.ErrorMessage != "" {
		j.ErrorMessage = u.ErrorMessage
	}
	j.UpdatedAt = u.UpdatedAt
}

// TransferPayload is the body of a transfer job
type TransferPayload struct {
	OrderID       string `json:"order_id"`
	FromAddress   string `json:"from_address"`
	ToAddress     string `json:"to_address"`
	Amount        string `json:"amount"`
	TokenContract string `json:"token_contract"`
	Decimals      int32  `json:"decimals"`
}
