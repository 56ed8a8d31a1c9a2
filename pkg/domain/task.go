package domain

import (
	"encoding"
	"time"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// Task is one item of a job. Status only moves forward:
// PENDING -> PROCESSING -> COMPLETED | FAILED.
type Task struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"jobId"`
	ItemName   string     `json:"itemName"`
	Status     TaskStatus `json:"status"`
	OutputFile string     `json:"outputFile,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}

var (
	_ encoding.BinaryMarshaler = TaskStatus("")
	_ encoding.TextMarshaler   = TaskStatus("")
)

func (s TaskStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s TaskStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

// Rank orders statuses along the task lifecycle. Terminal statuses share
// the highest rank so neither can replace the other.
func (s TaskStatus) Rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskProcessing:
		return 1
	case TaskCompleted, TaskFailed:
		return 2
	default:
		return -1
	}
}

func (s TaskStatus) Valid() bool { return s.Rank() >= 0 }

func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.Rank() > s.Rank()
}
