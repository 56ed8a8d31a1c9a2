package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/osvaldoandrade/pixelq/internal/providers"
	"github.com/osvaldoandrade/pixelq/pkg/domain"
	"github.com/osvaldoandrade/pixelq/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

// Optimistic transactions retry this many times before giving up.
const maxTxRetries = 64

// Config holds Redis-specific configuration
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// Plugin implements JobStore on Redis/KVRocks.
//
// Layout:
//
//	pixelq:job:<id>         STRING  job JSON
//	pixelq:job:<id>:tasks   HASH    field = item name, value = task JSON
//	pixelq:jobs:index       ZSET    member = job id, score = start time (unix ms)
//	pixelq:tasks:seq        STRING  task id counter
//
// Task updates run under WATCH on the job and its task hash so the
// completion check observes every sibling task.
type Plugin struct {
	rdb *redis.Client
	tz  *time.Location
}

// NewPlugin creates a new Redis persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.JobStore, error) {
	var cfg Config
	if len(config.Config) > 0 {
		if err := json.Unmarshal(config.Config, &cfg); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := providers.NewRedisProvider(providers.RedisConfig{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return New(rdb, config.Timezone), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, tz *time.Location) *Plugin {
	if tz == nil {
		tz = time.UTC
	}
	return &Plugin{rdb: rdb, tz: tz}
}

func init() {
	persistence.RegisterProvider("redis", NewPlugin)
}

func (p *Plugin) keyJob(id string) string   { return fmt.Sprintf("pixelq:job:%s", id) }
func (p *Plugin) keyTasks(id string) string { return fmt.Sprintf("pixelq:job:%s:tasks", id) }
func (p *Plugin) keyIndex() string          { return "pixelq:jobs:index" }
func (p *Plugin) keyTaskSeq() string        { return "pixelq:tasks:seq" }

func (p *Plugin) now() time.Time { return time.Now().In(p.tz) }

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (p *Plugin) loadJob(ctx context.Context, c getter, id string) (*domain.Job, error) {
	js, err := c.Get(ctx, p.keyJob(id)).Result()
	if err == redis.Nil || (err == nil && js == "") {
		return nil, fmt.Errorf("job %s: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET job: %w", err)
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(js), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	p.localize(&job)
	return &job, nil
}

func (p *Plugin) localize(job *domain.Job) {
	job.StartTime = job.StartTime.In(p.tz)
	if job.EndTime != nil {
		end := job.EndTime.In(p.tz)
		job.EndTime = &end
	}
}

// withRetry runs an optimistic transaction, retrying when a watched key changes.
func (p *Plugin) withRetry(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := p.rdb.Watch(ctx, fn, keys...)
		if err != redis.TxFailedErr {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("redis transaction: too much contention")
}

func (p *Plugin) CreateJob(ctx context.Context, job *domain.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	stored := *job
	if stored.Status == "" {
		stored.Status = domain.JobProcessing
	}
	if stored.StartTime.IsZero() {
		stored.StartTime = p.now()
	}

	ok, err := p.rdb.SetNX(ctx, p.keyJob(stored.ID), marshal(stored), 0).Result()
	if err != nil {
		return fmt.Errorf("redis SETNX job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s: %w", stored.ID, persistence.ErrAlreadyExists)
	}
	z := &redis.Z{Score: float64(stored.StartTime.UnixMilli()), Member: stored.ID}
	if err := p.rdb.ZAdd(ctx, p.keyIndex(), z).Err(); err != nil {
		return fmt.Errorf("redis ZADD index: %w", err)
	}
	return nil
}

func (p *Plugin) CreateTask(ctx context.Context, jobID, itemName string) error {
	if _, err := p.loadJob(ctx, p.rdb, jobID); err != nil {
		return err
	}
	id, err := p.rdb.Incr(ctx, p.keyTaskSeq()).Result()
	if err != nil {
		return fmt.Errorf("redis INCR task seq: %w", err)
	}
	task := domain.Task{
		ID:        id,
		JobID:     jobID,
		ItemName:  itemName,
		Status:    domain.TaskPending,
		StartTime: p.now(),
	}
	ok, err := p.rdb.HSetNX(ctx, p.keyTasks(jobID), itemName, marshal(task)).Result()
	if err != nil {
		return fmt.Errorf("redis HSETNX task: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %s/%s: %w", jobID, itemName, persistence.ErrAlreadyExists)
	}
	return nil
}

func (p *Plugin) UpdateTask(ctx context.Context, jobID, itemName string, status domain.TaskStatus, outputOrReason string) (*domain.Job, error) {
	var result *domain.Job
	jobKey, tasksKey := p.keyJob(jobID), p.keyTasks(jobID)

	err := p.withRetry(ctx, func(tx *redis.Tx) error {
		job, err := p.loadJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		all, err := tx.HGetAll(ctx, tasksKey).Result()
		if err != nil {
			return fmt.Errorf("redis HGETALL tasks: %w", err)
		}
		js, ok := all[itemName]
		if !ok {
			return fmt.Errorf("task %s/%s: %w", jobID, itemName, persistence.ErrNotFound)
		}
		var task domain.Task
		if err := json.Unmarshal([]byte(js), &task); err != nil {
			return fmt.Errorf("unmarshal task: %w", err)
		}
		if !task.Status.CanTransition(status) {
			return fmt.Errorf("task %s/%s %s -> %s: %w", jobID, itemName, task.Status, status, persistence.ErrInvalidTransition)
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
		all[itemName] = marshal(task)

		jobChanged := false
		if job.Status == domain.JobProcessing && allCompleted(all) {
			job.Status = domain.JobCompleted
			job.EndTime = &now
			jobChanged = true
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, tasksKey, itemName, all[itemName])
			if jobChanged {
				pipe.Set(ctx, jobKey, marshal(job), 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = job
		return nil
	}, jobKey, tasksKey)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func allCompleted(tasks map[string]string) bool {
	for _, js := range tasks {
		var t domain.Task
		if err := json.Unmarshal([]byte(js), &t); err != nil || t.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

func (p *Plugin) FailJob(ctx context.Context, jobID string) error {
	jobKey := p.keyJob(jobID)
	return p.withRetry(ctx, func(tx *redis.Tx) error {
		job, err := p.loadJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobProcessing {
			return fmt.Errorf("job %s is %s: %w", jobID, job.Status, persistence.ErrInvalidTransition)
		}
		now := p.now()
		job.Status = domain.JobFailed
		job.EndTime = &now
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey, marshal(job), 0)
			return nil
		})
		return err
	}, jobKey)
}

func (p *Plugin) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return p.loadJob(ctx, p.rdb, jobID)
}

func (p *Plugin) ListTasks(ctx context.Context, jobID string) ([]domain.Task, error) {
	if _, err := p.loadJob(ctx, p.rdb, jobID); err != nil {
		return nil, err
	}
	all, err := p.rdb.HGetAll(ctx, p.keyTasks(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL tasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(all))
	for _, js := range all {
		var t domain.Task
		if err := json.Unmarshal([]byte(js), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (p *Plugin) ListJobsWithProgress(ctx context.Context) ([]domain.JobProgress, error) {
	ids, err := p.rdb.ZRevRange(ctx, p.keyIndex(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZREVRANGE index: %w", err)
	}
	out := make([]domain.JobProgress, 0, len(ids))
	for _, id := range ids {
		job, err := p.loadJob(ctx, p.rdb, id)
		if errors.Is(err, persistence.ErrNotFound) {
			// index entry outlived its job; drop it
			_ = p.rdb.ZRem(ctx, p.keyIndex(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		vals, err := p.rdb.HVals(ctx, p.keyTasks(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis HVALS tasks: %w", err)
		}
		prog := domain.JobProgress{
			JobID:     job.ID,
			StartTime: job.StartTime,
			Status:    job.Status,
			Total:     job.TotalItems,
		}
		for _, js := range vals {
			var t domain.Task
			if err := json.Unmarshal([]byte(js), &t); err != nil {
				continue
			}
			switch t.Status {
			case domain.TaskCompleted:
				prog.Completed++
			case domain.TaskFailed:
				prog.Failed++
			}
		}
		out = append(out, prog)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

func (p *Plugin) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := p.loadJob(ctx, p.rdb, jobID); err != nil {
		return err
	}
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, p.keyJob(jobID), p.keyTasks(jobID))
	pipe.ZRem(ctx, p.keyIndex(), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Health checks if Redis is healthy
func (p *Plugin) Health(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close releases Redis connection
func (p *Plugin) Close() error {
	return p.rdb.Close()
}
