// Package persistencetest holds the behavioral tests every JobStore
// implementation must pass.
package persistencetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/pixelq/pkg/domain"
	"github.com/osvaldoandrade/pixelq/pkg/persistence"
)

// Factory returns a fresh, empty store. It should register any cleanup on t.
type Factory func(t *testing.T) persistence.JobStore

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGetJob", func(t *testing.T) { testCreateAndGetJob(t, newStore(t)) })
	t.Run("CreateTaskUnknownJob", func(t *testing.T) { testCreateTaskUnknownJob(t, newStore(t)) })
	t.Run("DuplicateTask", func(t *testing.T) { testDuplicateTask(t, newStore(t)) })
	t.Run("TaskLifecycle", func(t *testing.T) { testTaskLifecycle(t, newStore(t)) })
	t.Run("StatusCountsMatchTotal", func(t *testing.T) { testStatusCountsMatchTotal(t, newStore(t)) })
	t.Run("FailedTaskBlocksCompletion", func(t *testing.T) { testFailedTaskBlocksCompletion(t, newStore(t)) })
	t.Run("CompletionIsIdempotent", func(t *testing.T) { testCompletionIsIdempotent(t, newStore(t)) })
	t.Run("ConcurrentCompletion", func(t *testing.T) { testConcurrentCompletion(t, newStore(t)) })
	t.Run("FailJob", func(t *testing.T) { testFailJob(t, newStore(t)) })
	t.Run("ListJobsWithProgress", func(t *testing.T) { testListJobsWithProgress(t, newStore(t)) })
	t.Run("DeleteJobCascades", func(t *testing.T) { testDeleteJobCascades(t, newStore(t)) })
	t.Run("Health", func(t *testing.T) {
		if err := newStore(t).Health(context.Background()); err != nil {
			t.Fatalf("Health() error = %v", err)
		}
	})
}

func seedJob(t *testing.T, s persistence.JobStore, id string, start time.Time, items ...string) *domain.Job {
	t.Helper()
	ctx := context.Background()
	job := &domain.Job{
		ID:         id,
		StartTime:  start,
		Status:     domain.JobProcessing,
		TotalItems: len(items),
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob(%s) error = %v", id, err)
	}
	for _, item := range items {
		if err := s.CreateTask(ctx, id, item); err != nil {
			t.Fatalf("CreateTask(%s, %s) error = %v", id, item, err)
		}
	}
	return job
}

func taskByItem(t *testing.T, s persistence.JobStore, jobID, item string) domain.Task {
	t.Helper()
	tasks, err := s.ListTasks(context.Background(), jobID)
	if err != nil {
		t.Fatalf("ListTasks(%s) error = %v", jobID, err)
	}
	for _, task := range tasks {
		if task.ItemName == item {
			return task
		}
	}
	t.Fatalf("task %s not found in job %s", item, jobID)
	return domain.Task{}
}

func testCreateAndGetJob(t *testing.T, s persistence.JobStore) {
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &domain.Job{ID: "job-1", StartTime: start, Status: domain.JobProcessing, TotalItems: 2, TraceParent: "00-abc-def-01"}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.ID != "job-1" || got.Status != domain.JobProcessing || got.TotalItems != 2 {
		t.Errorf("GetJob() = %+v", got)
	}
	if !got.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, start)
	}
	if got.EndTime != nil {
		t.Errorf("EndTime = %v, want nil", got.EndTime)
	}
	if got.TraceParent != "00-abc-def-01" {
		t.Errorf("TraceParent = %q", got.TraceParent)
	}

	if err := s.CreateJob(ctx, job); !errors.Is(err, persistence.ErrAlreadyExists) {
		t.Errorf("duplicate CreateJob() error = %v, want ErrAlreadyExists", err)
	}
	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("GetJob(missing) error = %v, want ErrNotFound", err)
	}
}

func testCreateTaskUnknownJob(t *testing.T, s persistence.JobStore) {
	err := s.CreateTask(context.Background(), "nope", "a.png")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("CreateTask() error = %v, want ErrNotFound", err)
	}
}

func testDuplicateTask(t *testing.T, s persistence.JobStore) {
	seedJob(t, s, "job-dup", time.Now(), "a.png")
	err := s.CreateTask(context.Background(), "job-dup", "a.png")
	if !errors.Is(err, persistence.ErrAlreadyExists) {
		t.Fatalf("duplicate CreateTask() error = %v, want ErrAlreadyExists", err)
	}
}

func testTaskLifecycle(t *testing.T, s persistence.JobStore) {
	ctx := context.Background()
	seedJob(t, s, "job-life", time.Now(), "a.png", "b.png")

	task := taskByItem(t, s, "job-life", "a.png")
	if task.Status != domain.TaskPending {
		t.Fatalf("new task status = %s, want PENDING", task.Status)
	}
	if task.JobID != "job-life" || task.ID == 0 {
		t.Errorf("new task = %+v", task)
	}

	job, err := s.UpdateTask(ctx, "job-life", "a.png", domain.TaskProcessing, "")
	if err != nil {
		t.Fatalf("UpdateTask(PROCESSING) error = %v", err)
	}
	if job.Status != domain.JobProcessing {
		t.Errorf("job status = %s, want PROCESSING", job.Status)
	}

	if _, err := s.UpdateTask(ctx, "job-life", "a.png", domain.TaskPending, ""); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Errorf("regression to PENDING error = %v, want ErrInvalidTransition", err)
	}

	if _, err := s.UpdateTask(ctx, "job-life", "a.png", domain.TaskCompleted, "bw_a.png"); err != nil {
		t.Fatalf("UpdateTask(COMPLETED) error = %v", err)
	}
	task = taskByItem(t, s, "job-life", "a.png")
	if task.Status != domain.TaskCompleted || task.OutputFile != "bw_a.png" || task.Error != "" {
		t.Errorf("completed task = %+v", task)
	}
	if task.EndTime == nil {
		t.Error("completed task has no end time")
	}

	if _, err := s.UpdateTask(ctx, "job-life", "a.png", domain.TaskFailed, "late"); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Errorf("terminal replacement error = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.UpdateTask(ctx, "job-life", "zzz.png", domain.TaskCompleted, "x"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("unknown item error = %v, want ErrNotFound", err)
	}
	if _, err := s.UpdateTask(ctx, "nope", "a.png", domain.TaskCompleted, "x"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("unknown job error = %v, want ErrNotFound", err)
	}
}

func testStatusCountsMatchTotal(t *testing.T, s persistence.JobStore) {
	ctx := context.Background()
	items := []string{"1.png", "2.png", "3.png", "4.png"}
	seedJob(t, s, "job-count", time.Now(), items...)

	check := func(stage string) {
		t.Helper()
		job, err := s.GetJob(ctx, "job-count")
		if err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		tasks, err := s.ListTasks(ctx, "job-count")
		if err != nil {
			t.Fatalf("ListTasks() error = %v", err)
		}
		counts := map[domain.TaskStatus]int{}
		for _, task := range tasks {
			counts[task.Status]++
		}
		sum := 0
		for _, n := range counts {
			sum += n
		}
		if sum != job.TotalItems || len(tasks) != job.TotalItems {
			t.Errorf("%s: status count sum = %d, tasks = %d, total = %d", stage, sum, len(tasks), job.TotalItems)
		}
	}

	check("created")
	if _, err := s.UpdateTask(ctx, "job-count", "1.png", domain.TaskProcessing, ""); err != nil {
		t.Fatal(err)
	}
	check("processing")
	if _, err := s.UpdateTask(ctx, "job-count", "2.png", domain.TaskFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	check("failed")
	if _, err := s.UpdateTask(ctx, "job-count", "1.png", domain.TaskCompleted, "bw_1.png"); err != nil {
		t.Fatal(err)
	}
	check("completed")
}

func testFailedTaskBlocksCompletion(t *testing.T, s persistence.JobStore) {
	ctx := context.Background()
	seedJob(t, s, "job-fail", time.Now(), "a.png", "b.png", "c.png")

	if _, err := s.UpdateTask(ctx, "job-fail", "a.png", domain.TaskCompleted, "bw_a.png"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateTask(ctx, "job-fail", "b.png", domain.TaskFailed, "file not generated"); err != nil {
		t.Fatal(err)
	}
	job, err := s.UpdateTask(ctx, "job-fail", "c.png", domain.TaskCompleted, "bw_c.png")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobProcessing {
		t.Errorf("job status = %s, want PROCESSING while a task is FAILED", job.Status)
	}
	if job.EndTime != nil {
		t.Errorf("job end time = %v, want nil", job.EndTime)
	}

	failed := taskByItem(t, s, "job-fail", "b.png")
	if failed.Error != "file not generated" || failed.OutputFile != "" {
		t.Errorf("failed task = %+v", failed)
	}
}

func testCompletionIsIdempotent(t *testing.T, s persistence.JobStore) {
	ctx := context.Background()
	seedJob(t, s, "job-idem", time.Now(), "a.png", "b.png")

	job, err := s.UpdateTask(ctx, "job-idem", "a.png", domain.TaskCompleted, "bw_a.png")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobProcessing {
		t.Fatalf("job status after first completion = %s", job.Status)
	}
	job, err = s.UpdateTask(ctx, "job-idem", "b.png", domain.TaskCompleted, "bw_b.png")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobCompleted || job.EndTime == nil {
		t.Fatalf("job after last completion = %+v", job)
	}
	end := *job.EndTime

	// A rejected update must not touch the job.
	if _, err := s.UpdateTask(ctx, "job-idem", "b.png", domain.TaskCompleted, "bw_b.png"); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("repeat completion error = %v, want ErrInvalidTransition", err)
	}
	again, err := s.GetJob(ctx, "job-idem")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != domain.JobCompleted || again.EndTime == nil || !again.EndTime.Equal(end) {
		t.Errorf("job mutated by no-op update: %+v (end was %v)", again, end)
	}
}

func testConcurrentCompletion(t *testing.T, s persistence.JobStore) {
	ctx := context.Background()
	const n = 16
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf("img-%02d.png", i)
	}
	seedJob(t, s, "job-race", time.Now(), items...)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		errs      []error
	)
	for _, item := range items {
		wg.Add(1)
		go func(item string) {
			defer wg.Done()
			job, err := s.UpdateTask(ctx, "job-race", item, domain.TaskCompleted, "bw_"+item)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if job.Status == domain.JobCompleted {
				completed++
			}
		}(item)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("concurrent UpdateTask errors: %v", errs)
	}
	if completed != 1 {
		t.Errorf("updates observing COMPLETED = %d, want exactly 1", completed)
	}
	job, err := s.GetJob(ctx, "job-race")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobCompleted || job.EndTime == nil {
		t.Errorf("final job = %+v", job)
	}
}

func testFailJob(t *testing.T, s persistence.JobStore) {
	ctx := context.Background()
	seedJob(t, s, "job-f", time.Now(), "a.png")
	if err := s.FailJob(ctx, "job-f"); err != nil {
		t.Fatalf("FailJob() error = %v", err)
	}
	job, err := s.GetJob(ctx, "job-f")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobFailed || job.EndTime == nil {
		t.Errorf("failed job = %+v", job)
	}
	if err := s.FailJob(ctx, "job-f"); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Errorf("second FailJob() error = %v, want ErrInvalidTransition", err)
	}
	if err := s.FailJob(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("FailJob(missing) error = %v, want ErrNotFound", err)
	}
}

func testListJobsWithProgress(t *testing.T, s persistence.JobStore) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	seedJob(t, s, "old", base, "a.png", "b.png")
	seedJob(t, s, "new", base.Add(time.Hour), "c.png", "d.png", "e.png")
	seedJob(t, s, "empty", base.Add(30*time.Minute))

	if _, err := s.UpdateTask(ctx, "old", "a.png", domain.TaskCompleted, "bw_a.png"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateTask(ctx, "new", "c.png", domain.TaskCompleted, "bw_c.png"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateTask(ctx, "new", "d.png", domain.TaskFailed, "boom"); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListJobsWithProgress(ctx)
	if err != nil {
		t.Fatalf("ListJobsWithProgress() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	wantOrder := []string{"new", "empty", "old"}
	for i, id := range wantOrder {
		if got[i].JobID != id {
			t.Errorf("position %d = %s, want %s", i, got[i].JobID, id)
		}
	}
	if got[0].Completed != 1 || got[0].Failed != 1 || got[0].Total != 3 {
		t.Errorf("new progress = %+v", got[0])
	}
	if got[2].Completed != 1 || got[2].Failed != 0 || got[2].Total != 2 {
		t.Errorf("old progress = %+v", got[2])
	}
	if got[1].Total != 0 || got[1].Completed != 0 {
		t.Errorf("empty progress = %+v", got[1])
	}
}

func testDeleteJobCascades(t *testing.T, s persistence.JobStore) {
	ctx := context.Background()
	seedJob(t, s, "gone", time.Now(), "a.png", "b.png")
	seedJob(t, s, "kept", time.Now(), "a.png")

	if err := s.DeleteJob(ctx, "gone"); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	if _, err := s.GetJob(ctx, "gone"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("GetJob after delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.ListTasks(ctx, "gone"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("ListTasks after delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.UpdateTask(ctx, "gone", "a.png", domain.TaskCompleted, "x"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("UpdateTask after delete error = %v, want ErrNotFound", err)
	}
	tasks, err := s.ListTasks(ctx, "kept")
	if err != nil || len(tasks) != 1 {
		t.Errorf("kept job tasks = %v, err = %v", tasks, err)
	}
	if err := s.DeleteJob(ctx, "gone"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("second DeleteJob() error = %v, want ErrNotFound", err)
	}
}
