package models

import "time"

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a final status. Terminal jobs never
// transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

type Job struct {
	ID         string     `json:"id"`
	Phone      string     `json:"phone"`
	Submitter  string     `json:"submitter,omitempty"`
	Status     JobStatus  `json:"status"`
	Message    string     `json:"message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     *Location  `json:"result,omitempty"`
	Error      *JobError  `json:"error,omitempty"`
}

type JobError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
	// Raw transcript text kept for diagnosis on parse/UI failures.
	Raw string `json:"raw,omitempty"`
}
