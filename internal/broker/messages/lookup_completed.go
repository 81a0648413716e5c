package messages

import "time"

// LookupCompleted is published for every job that reaches completed.
// The audit consumer turns these into lookup_history rows; the map
// overlay backend consumes the same topic.
type LookupCompleted struct {
	JobID     string `json:"job_id"`
	Phone     string `json:"phone"`
	Submitter string `json:"submitter,omitempty"`

	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AccuracyMeters *float64 `json:"accuracy_meters,omitempty"`
	Address        string   `json:"address,omitempty"`
	Source         string   `json:"source"`

	FinishedAt time.Time `json:"finished_at"`
}
