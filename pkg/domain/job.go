package domain

import (
	"encoding"
	"time"
)

type JobStatus string

const (
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Job is one submitted batch. EndTime is set exactly once, when the job
// reaches a terminal status.
type Job struct {
	ID         string     `json:"id"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	Status     JobStatus  `json:"status"`
	TotalItems int        `json:"totalItems"`
	// TraceParent stores the W3C trace context of the submission so result
	// ingestion spans can be correlated with it.
	TraceParent string `json:"traceParent,omitempty"`
}

// JobProgress is the reporting view of a job used by the job history.
type JobProgress struct {
	JobID     string    `json:"jobId"`
	StartTime time.Time `json:"startTime"`
	Status    JobStatus `json:"status"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
}

var (
	_ encoding.BinaryMarshaler = JobStatus("")
	_ encoding.TextMarshaler   = JobStatus("")
)

func (s JobStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s JobStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// Percent returns completed/total as a percentage, 0 for empty jobs.
func (p JobProgress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Completed) * 100 / float64(p.Total)
}
