package models

import "time"

// JobStatus represents the lifecycle state of an anchor queue item.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobAnchored   JobStatus = "anchored"
	JobFailed     JobStatus = "failed"
)

// Valid returns true if the job status is a known variant.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobProcessing, JobAnchored, JobFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for the two end states: anchored (success) and
// failed (dead-letter).
func (s JobStatus) Terminal() bool {
	return s == JobAnchored || s == JobFailed
}

// String returns the string representation.
func (s JobStatus) String() string {
	return string(s)
}

// AnchorJob is an item in the anchor_queue collection. Each public_id appears
// at most once; a worker only mutates a job it holds an unexpired lease for.
type AnchorJob struct {
	PublicID    string     `json:"public_id" bson:"public_id"`
	PublicHash  string     `json:"public_hash" bson:"public_hash"`
	Status      JobStatus  `json:"status" bson:"status"`
	Tries       int        `json:"tries" bson:"tries"`
	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	LockedUntil *time.Time `json:"locked_until,omitempty" bson:"locked_until,omitempty"`
	LastTry     *time.Time `json:"last_try,omitempty" bson:"last_try,omitempty"`
	TxHash      string     `json:"tx_hash,omitempty" bson:"tx_hash,omitempty"`
	AnchoredAt  string     `json:"anchored_at,omitempty" bson:"anchored_at,omitempty"`
	LastError   string     `json:"last_error,omitempty" bson:"last_error,omitempty"`
}

// LeaseExpired reports whether the job's lease has lapsed as of now.
func (j *AnchorJob) LeaseExpired(now time.Time) bool {
	return j.LockedUntil == nil || j.LockedUntil.Before(now)
}
