package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/osvaldoandrade/pixelq/pkg/domain"
	"github.com/osvaldoandrade/pixelq/pkg/persistence"
)

// Plugin implements JobStore in process memory.
// This is primarily for testing and single-run setups; nothing survives a restart.
type Plugin struct {
	mu     sync.RWMutex
	jobs   map[string]*domain.Job
	tasks  map[string][]*domain.Task
	nextID int64
	tz     *time.Location
}

// NewPlugin creates a new in-memory job store
func NewPlugin(config persistence.PluginConfig) (persistence.JobStore, error) {
	tz := config.Timezone
	if tz == nil {
		tz = time.UTC
	}
	return &Plugin{
		jobs:  make(map[string]*domain.Job),
		tasks: make(map[string][]*domain.Task),
		tz:    tz,
	}, nil
}

func init() {
	persistence.RegisterProvider("memory", NewPlugin)
}

func (p *Plugin) now() time.Time { return time.Now().In(p.tz) }

func (p *Plugin) CreateJob(ctx context.Context, job *domain.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, persistence.ErrAlreadyExists)
	}
	jobCopy := *job
	if jobCopy.Status == "" {
		jobCopy.Status = domain.JobProcessing
	}
	if jobCopy.StartTime.IsZero() {
		jobCopy.StartTime = p.now()
	}
	p.jobs[job.ID] = &jobCopy
	p.tasks[job.ID] = nil
	return nil
}

func (p *Plugin) CreateTask(ctx context.Context, jobID, itemName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.jobs[jobID]; !exists {
		return fmt.Errorf("job %s: %w", jobID, persistence.ErrNotFound)
	}
	for _, t := range p.tasks[jobID] {
		if t.ItemName == itemName {
			return fmt.Errorf("task %s/%s: %w", jobID, itemName, persistence.ErrAlreadyExists)
		}
	}
	p.nextID++
	p.tasks[jobID] = append(p.tasks[jobID], &domain.Task{
		ID:        p.nextID,
		JobID:     jobID,
		ItemName:  itemName,
		Status:    domain.TaskPending,
		StartTime: p.now(),
	})
	return nil
}

func (p *Plugin) UpdateTask(ctx context.Context, jobID, itemName string, status domain.TaskStatus, outputOrReason string) (*domain.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, exists := p.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", jobID, persistence.ErrNotFound)
	}
	var task *domain.Task
	for _, t := range p.tasks[jobID] {
		if t.ItemName == itemName {
			task = t
			break
		}
	}
	if task == nil {
		return nil, fmt.Errorf("task %s/%s: %w", jobID, itemName, persistence.ErrNotFound)
	}
	if !task.Status.CanTransition(status) {
		return nil, fmt.Errorf("task %s/%s %s -> %s: %w", jobID, itemName, task.Status, status, persistence.ErrInvalidTransition)
	}

	now := p.now()
	task.Status = status
	switch status {
	case domain.TaskCompleted:
		task.OutputFile = outputOrReason
	case domain.TaskFailed:
		task.Error = outputOrReason
	}
	if status.Terminal() {
		task.EndTime = &now
	}

	if job.Status == domain.JobProcessing {
		remaining := 0
		for _, t := range p.tasks[jobID] {
			if t.Status != domain.TaskCompleted {
				remaining++
			}
		}
		if remaining == 0 {
			job.Status = domain.JobCompleted
			job.EndTime = &now
		}
	}

	out := *job
	return &out, nil
}

func (p *Plugin) FailJob(ctx context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, exists := p.jobs[jobID]
	if !exists {
		return fmt.Errorf("job %s: %w", jobID, persistence.ErrNotFound)
	}
	if job.Status != domain.JobProcessing {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, persistence.ErrInvalidTransition)
	}
	now := p.now()
	job.Status = domain.JobFailed
	job.EndTime = &now
	return nil
}

func (p *Plugin) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	job, exists := p.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", jobID, persistence.ErrNotFound)
	}
	out := *job
	return &out, nil
}

func (p *Plugin) ListTasks(ctx context.Context, jobID string) ([]domain.Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, exists := p.jobs[jobID]; !exists {
		return nil, fmt.Errorf("job %s: %w", jobID, persistence.ErrNotFound)
	}
	out := make([]domain.Task, 0, len(p.tasks[jobID]))
	for _, t := range p.tasks[jobID] {
		out = append(out, *t)
	}
	return out, nil
}

func (p *Plugin) ListJobsWithProgress(ctx context.Context) ([]domain.JobProgress, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.JobProgress, 0, len(p.jobs))
	for id, job := range p.jobs {
		prog := domain.JobProgress{
			JobID:     id,
			StartTime: job.StartTime,
			Status:    job.Status,
			Total:     job.TotalItems,
		}
		for _, t := range p.tasks[id] {
			switch t.Status {
			case domain.TaskCompleted:
				prog.Completed++
			case domain.TaskFailed:
				prog.Failed++
			}
		}
		out = append(out, prog)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

func (p *Plugin) DeleteJob(ctx context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.jobs[jobID]; !exists {
		return fmt.Errorf("job %s: %w", jobID, persistence.ErrNotFound)
	}
	delete(p.jobs, jobID)
	delete(p.tasks, jobID)
	return nil
}

// Health always returns nil for in-memory storage
func (p *Plugin) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op for in-memory storage
func (p *Plugin) Close() error {
	return nil
}
