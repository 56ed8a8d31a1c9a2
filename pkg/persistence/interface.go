package persistence

import (
	"context"
	"errors"

	"github.com/osvaldoandrade/pixelq/pkg/domain"
)

var (
	// ErrNotFound is returned when a job or task does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a job or task already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition is returned when a task update would move its
	// status backwards or replace a terminal status
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobStore is the durable record of jobs and their tasks.
//
// Implementations must make UpdateTask and the job status derivation that
// follows it atomic per job: concurrent completions of tasks in the same job
// must never double-complete the job or miss the last completion.
type JobStore interface {
	// CreateJob persists a new job. job.ID must be set by the caller.
	CreateJob(ctx context.Context, job *domain.Job) error

	// CreateTask adds a PENDING task for itemName to an existing job.
	CreateTask(ctx context.Context, jobID, itemName string) error

	// UpdateTask moves the task to status. outputOrReason is stored as the
	// output file for COMPLETED and as the error for FAILED. The job status is
	// re-derived in the same atomic step and the resulting job is returned.
	UpdateTask(ctx context.Context, jobID, itemName string, status domain.TaskStatus, outputOrReason string) (*domain.Job, error)

	// FailJob marks a PROCESSING job FAILED and stamps its end time.
	FailJob(ctx context.Context, jobID string) error

	// GetJob retrieves a job by ID
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// ListTasks returns the tasks of a job in creation order
	ListTasks(ctx context.Context, jobID string) ([]domain.Task, error)

	// ListJobsWithProgress returns every job, newest first, with task counts
	ListJobsWithProgress(ctx context.Context) ([]domain.JobProgress, error)

	// DeleteJob removes a job and all of its tasks
	DeleteJob(ctx context.Context, jobID string) error

	// Health checks if the persistence backend is healthy
	Health(ctx context.Context) error

	// Close releases resources held by the persistence backend
	Close() error
}
