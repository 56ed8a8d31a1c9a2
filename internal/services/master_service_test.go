package services

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/pixelq/internal/protocol"
	"github.com/osvaldoandrade/pixelq/internal/providers"
	"github.com/osvaldoandrade/pixelq/pkg/domain"
	"github.com/osvaldoandrade/pixelq/pkg/persistence"
	"github.com/osvaldoandrade/pixelq/pkg/persistence/memory"
)

type masterFixture struct {
	svc    MasterService
	store  persistence.JobStore
	outDir string
	addr   string
}

func newMasterFixture(t *testing.T, cfg MasterConfig) *masterFixture {
	t.Helper()
	store, err := memory.NewPlugin(persistence.PluginConfig{Timezone: time.UTC})
	if err != nil {
		t.Fatal(err)
	}
	return newMasterFixtureWithStore(t, cfg, store)
}

// newMasterFixtureWithStore serves on a loopback port. A negative
// cfg.WriteTimeout leaves worker writes without a deadline.
func newMasterFixtureWithStore(t *testing.T, cfg MasterConfig, store persistence.JobStore) *masterFixture {
	t.Helper()
	outDir := t.TempDir()
	if cfg.ResultPrefix == "" {
		cfg.ResultPrefix = DefaultResultPrefix
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	svc := NewMasterService(store, providers.NewLocalArtifacts(outDir), cfg, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Serve(ln); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return &masterFixture{svc: svc, store: store, outDir: outDir, addr: ln.Addr().String()}
}

type testWorker struct {
	id   string
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder
}

func (f *masterFixture) dial(t *testing.T) *testWorker {
	t.Helper()
	conn, err := net.Dial("tcp", f.addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	w := &testWorker{conn: conn, enc: protocol.NewEncoder(conn), dec: protocol.NewDecoder(conn)}
	m, err := w.dec.Decode()
	if err != nil || m.Tag != protocol.TagIdentity {
		t.Fatalf("handshake: %v %v", m.Tag, err)
	}
	w.id = m.Identity
	return w
}

// serve answers every IMAGE with a RESULT named prefix+name, skipping any in drop.
func (w *testWorker) serve(drop map[string]bool) <-chan []protocol.Message {
	done := make(chan []protocol.Message, 1)
	go func() {
		var seen []protocol.Message
		defer func() { done <- seen }()
		for {
			m, err := w.dec.Decode()
			if err != nil {
				return
			}
			seen = append(seen, m)
			switch m.Tag {
			case protocol.TagImage:
				if drop[m.Packet.Name] {
					continue
				}
				out := protocol.Packet{JobID: m.Packet.JobID, Name: "bw_" + m.Packet.Name, Data: append([]byte("bw:"), m.Packet.Data...)}
				if err := w.enc.Encode(protocol.Result(out)); err != nil {
					return
				}
			case protocol.TagShutdown:
				return
			}
		}
	}()
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func writeFiles(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "script.py")
	if err := os.WriteFile(script, []byte("print('bw')"), 0o644); err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte(n), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	return script, paths
}

func jobStatus(t *testing.T, store persistence.JobStore, id string) domain.JobStatus {
	t.Helper()
	job, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return job.Status
}

func TestValidatePort(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"8080", 8080, true},
		{" 1 ", 1, true},
		{"65535", 65535, true},
		{"0", 0, false},
		{"65536", 0, false},
		{"-1", 0, false},
		{"http", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidatePort(tt.in)
			if tt.ok {
				if err != nil || got != tt.want {
					t.Errorf("ValidatePort(%q) = %d, %v", tt.in, got, err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidPort) {
				t.Errorf("ValidatePort(%q) error = %v, want ErrInvalidPort", tt.in, err)
			}
		})
	}
}

func TestListenerLifecycle(t *testing.T) {
	store, _ := memory.NewPlugin(persistence.PluginConfig{})
	svc := NewMasterService(store, providers.NewLocalArtifacts(t.TempDir()), MasterConfig{}, nil, nil)
	ctx := context.Background()

	if err := svc.Stop(ctx); !errors.Is(err, ErrNotListening) {
		t.Errorf("Stop() before start error = %v, want ErrNotListening", err)
	}
	if _, err := svc.Start(ctx, "not-a-port"); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("Start(invalid) error = %v", err)
	}

	busy, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	port := strconv.Itoa(busy.Addr().(*net.TCPAddr).Port)
	if _, err := svc.Start(ctx, port); !errors.Is(err, ErrPortInUse) {
		t.Errorf("Start(busy) error = %v, want ErrPortInUse", err)
	}
	if svc.Listening() {
		t.Fatal("Listening() after failed start")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Serve(ln); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if !svc.Listening() || svc.Addr() == nil {
		t.Error("not listening after Serve")
	}
	if err := svc.Serve(ln); !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("second Serve() error = %v", err)
	}
	if _, err := svc.Start(ctx, "8080"); !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("Start() while listening error = %v", err)
	}
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if svc.Listening() || svc.Addr() != nil {
		t.Error("still listening after Stop")
	}
	if err := svc.Stop(ctx); !errors.Is(err, ErrNotListening) {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestSubmitWithoutWorkers(t *testing.T) {
	f := newMasterFixture(t, MasterConfig{})
	script, images := writeFiles(t, "a.png")

	_, err := f.svc.Submit(context.Background(), SubmitRequest{ScriptPath: script, ImagePaths: images})
	if !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("Submit() error = %v, want ErrNoWorkers", err)
	}
	jobs, _ := f.store.ListJobsWithProgress(context.Background())
	if len(jobs) != 0 {
		t.Errorf("jobs persisted without workers: %v", jobs)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newMasterFixture(t, MasterConfig{})
	script, images := writeFiles(t, "a.png")
	otherDir := t.TempDir()
	dup := filepath.Join(otherDir, "a.png")
	if err := os.WriteFile(dup, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"no script", SubmitRequest{ImagePaths: images}},
		{"missing script", SubmitRequest{ScriptPath: filepath.Join(otherDir, "nope.py"), ImagePaths: images}},
		{"script is a directory", SubmitRequest{ScriptPath: otherDir, ImagePaths: images}},
		{"no images", SubmitRequest{ScriptPath: script}},
		{"missing image", SubmitRequest{ScriptPath: script, ImagePaths: []string{filepath.Join(otherDir, "gone.png")}}},
		{"duplicate names", SubmitRequest{ScriptPath: script, ImagePaths: []string{images[0], dup}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidSubmission) {
				t.Errorf("Submit() error = %v, want ErrInvalidSubmission", err)
			}
		})
	}
}

func TestSubmitEndToEnd(t *testing.T) {
	f := newMasterFixture(t, MasterConfig{})
	w1, w2 := f.dial(t), f.dial(t)
	waitFor(t, "two workers", func() bool { return f.svc.WorkerCount() == 2 })
	done1, done2 := w1.serve(nil), w2.serve(nil)

	script, images := writeFiles(t, "1.png", "2.png", "3.png")
	job, err := f.svc.Submit(context.Background(), SubmitRequest{ScriptPath: script, ImagePaths: images})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if job.TotalItems != 3 || job.Status != domain.JobProcessing {
		t.Errorf("submitted job = %+v", job)
	}

	waitFor(t, "job completion", func() bool { return jobStatus(t, f.store, job.ID) == domain.JobCompleted })

	_, tasks, err := f.svc.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if task.Status != domain.TaskCompleted || task.OutputFile != "bw_"+task.ItemName {
			t.Errorf("task = %+v", task)
		}
		content, err := os.ReadFile(filepath.Join(f.outDir, job.ID, "bw_"+task.ItemName))
		if err != nil || string(content) != "bw:"+task.ItemName {
			t.Errorf("artifact for %s = %q, %v", task.ItemName, content, err)
		}
	}

	jobs, err := f.svc.Jobs(context.Background())
	if err != nil || len(jobs) != 1 || jobs[0].Completed != 3 {
		t.Errorf("Jobs() = %+v, %v", jobs, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	for _, done := range []<-chan []protocol.Message{done1, done2} {
		seen := <-done
		if len(seen) == 0 || seen[0].Tag != protocol.TagScript {
			t.Errorf("first frame after identity should be SCRIPT: %v", seen)
		}
		if last := seen[len(seen)-1]; last.Tag != protocol.TagShutdown {
			t.Errorf("last frame = %s, want SHUTDOWN", last.Tag)
		}
	}
}

func TestMissingResultKeepsJobProcessing(t *testing.T) {
	f := newMasterFixture(t, MasterConfig{})
	w := f.dial(t)
	waitFor(t, "worker", func() bool { return f.svc.WorkerCount() == 1 })
	w.serve(map[string]bool{"b.png": true})

	script, images := writeFiles(t, "a.png", "b.png")
	job, err := f.svc.Submit(context.Background(), SubmitRequest{ScriptPath: script, ImagePaths: images})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "first result", func() bool {
		_, tasks, err := f.svc.Job(context.Background(), job.ID)
		if err != nil {
			return false
		}
		done := 0
		for _, task := range tasks {
			if (task.ItemName == "a.png" && task.Status == domain.TaskCompleted) ||
				(task.ItemName == "b.png" && task.Status == domain.TaskProcessing) {
				done++
			}
		}
		return done == 2
	})

	_, tasks, _ := f.svc.Job(context.Background(), job.ID)
	for _, task := range tasks {
		if task.ItemName == "b.png" && task.Status != domain.TaskProcessing {
			t.Errorf("unanswered task = %+v, want PROCESSING", task)
		}
	}
	if got := jobStatus(t, f.store, job.ID); got != domain.JobProcessing {
		t.Errorf("job status = %s, want PROCESSING", got)
	}
	if workers := f.svc.Workers(); len(workers) != 1 || workers[0].Outstanding != 1 {
		t.Errorf("Workers() = %+v, want one worker with one outstanding item", workers)
	}
}

func TestWorkerErrorFrameFailsTask(t *testing.T) {
	f := newMasterFixture(t, MasterConfig{})
	w := f.dial(t)
	waitFor(t, "worker", func() bool { return f.svc.WorkerCount() == 1 })

	script, images := writeFiles(t, "a.png")
	job, err := f.svc.Submit(context.Background(), SubmitRequest{ScriptPath: script, ImagePaths: images})
	if err != nil {
		t.Fatal(err)
	}
	for {
		m, err := w.dec.Decode()
		if err != nil {
			t.Fatal(err)
		}
		if m.Tag == protocol.TagImage {
			if err := w.enc.Encode(protocol.Error(protocol.Failure{JobID: m.Packet.JobID, Item: m.Packet.Name, Reason: "script crashed"})); err != nil {
				t.Fatal(err)
			}
			break
		}
	}

	waitFor(t, "task failure", func() bool {
		_, tasks, err := f.svc.Job(context.Background(), job.ID)
		return err == nil && len(tasks) == 1 && tasks[0].Status == domain.TaskFailed
	})
	if got := jobStatus(t, f.store, job.ID); got != domain.JobProcessing {
		t.Errorf("job status = %s, want PROCESSING while a task is FAILED", got)
	}
}

func TestWorkerDisconnectUnregisters(t *testing.T) {
	f := newMasterFixture(t, MasterConfig{})
	w := f.dial(t)
	waitFor(t, "worker", func() bool { return f.svc.WorkerCount() == 1 })

	_ = w.conn.Close()
	waitFor(t, "unregister", func() bool { return f.svc.WorkerCount() == 0 })
}

func TestProtocolViolationUnregisters(t *testing.T) {
	f := newMasterFixture(t, MasterConfig{})
	w := f.dial(t)
	waitFor(t, "worker", func() bool { return f.svc.WorkerCount() == 1 })

	// workers may not send SCRIPT
	if err := w.enc.Encode(protocol.Script(protocol.Packet{Name: "x"})); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "unregister", func() bool { return f.svc.WorkerCount() == 0 })
}

func TestHeartbeatTimeoutEvictsWorker(t *testing.T) {
	f := newMasterFixture(t, MasterConfig{HeartbeatTimeout: 50 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	silent := f.dial(t)
	alive := f.dial(t)
	waitFor(t, "workers", func() bool { return f.svc.WorkerCount() == 2 })

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := alive.enc.Encode(protocol.Heartbeat()); err != nil {
					return
				}
			}
		}
	}()

	waitFor(t, "eviction", func() bool { return f.svc.WorkerCount() == 1 })
	workers := f.svc.Workers()
	if len(workers) != 1 || workers[0].ID != alive.id {
		t.Errorf("Workers() = %+v, want only %s", workers, alive.id)
	}

	// the evicted connection is closed by the master
	_ = silent.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := silent.dec.Decode(); err == nil {
		t.Error("evicted worker connection still open")
	}
}

func TestDeleteJob(t *testing.T) {
	f := newMasterFixture(t, MasterConfig{})
	ctx := context.Background()

	job := &domain.Job{ID: "old", StartTime: time.Now(), Status: domain.JobProcessing, TotalItems: 1}
	if err := f.store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := f.store.CreateTask(ctx, "old", "a.png"); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(f.outDir, "old")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bw_a.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.DeleteJob(ctx, "old"); !errors.Is(err, ErrJobActive) {
		t.Fatalf("DeleteJob(processing) error = %v, want ErrJobActive", err)
	}
	if err := f.store.FailJob(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DeleteJob(ctx, "old"); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	if _, _, err := f.svc.Job(ctx, "old"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("Job() after delete error = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("output directory still present: %v", err)
	}
	if err := f.svc.DeleteJob(ctx, "old"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("second DeleteJob() error = %v, want ErrNotFound", err)
	}
}

func TestStopWithStalledWorker(t *testing.T) {
	f := newMasterFixture(t, MasterConfig{WriteTimeout: -1})
	f.dial(t) // never reads
	waitFor(t, "worker", func() bool { return f.svc.WorkerCount() == 1 })

	script, _ := writeFiles(t)
	big := filepath.Join(t.TempDir(), "big.png")
	if err := os.WriteFile(big, make([]byte, 64<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	job, err := f.svc.Submit(context.Background(), SubmitRequest{ScriptPath: script, ImagePaths: []string{big}})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "image in flight", func() bool {
		workers := f.svc.Workers()
		return len(workers) == 1 && workers[0].Outstanding == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- f.svc.Stop(ctx) }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() blocked behind a stalled worker write")
	}

	if f.svc.Listening() {
		t.Error("still listening after Stop")
	}
	if conn, err := net.DialTimeout("tcp", f.addr, time.Second); err == nil {
		_ = conn.Close()
		t.Error("listener accepted a connection after Stop")
	}
	if f.svc.WorkerCount() != 0 {
		t.Errorf("WorkerCount() = %d after Stop", f.svc.WorkerCount())
	}
	waitFor(t, "undelivered job failed", func() bool { return jobStatus(t, f.store, job.ID) == domain.JobFailed })
}

func TestSubmitRacingStop(t *testing.T) {
	f := newMasterFixture(t, MasterConfig{})
	w := f.dial(t)
	waitFor(t, "worker", func() bool { return f.svc.WorkerCount() == 1 })
	w.serve(nil)

	script, images := writeFiles(t, "a.png")
	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Submit(context.Background(), SubmitRequest{ScriptPath: script, ImagePaths: images})
			errs <- err
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	close(start)
	if err := f.svc.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, ErrNoWorkers) {
			t.Errorf("Submit() error = %v, want nil or ErrNoWorkers", err)
		}
	}
	if _, err := f.svc.Submit(context.Background(), SubmitRequest{ScriptPath: script, ImagePaths: images}); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("Submit() after Stop error = %v, want ErrNoWorkers", err)
	}
}

// gatedStore holds task completions until release is closed.
type gatedStore struct {
	persistence.JobStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) UpdateTask(ctx context.Context, jobID, item string, status domain.TaskStatus, outputOrReason string) (*domain.Job, error) {
	if status == domain.TaskCompleted {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.JobStore.UpdateTask(ctx, jobID, item, status, outputOrReason)
}

func TestStopWaitsForResultIngest(t *testing.T) {
	inner, err := memory.NewPlugin(persistence.PluginConfig{Timezone: time.UTC})
	if err != nil {
		t.Fatal(err)
	}
	store := &gatedStore{JobStore: inner, entered: make(chan struct{}), release: make(chan struct{})}
	f := newMasterFixtureWithStore(t, MasterConfig{}, store)
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(store.release) }) }
	t.Cleanup(release)

	w := f.dial(t)
	waitFor(t, "worker", func() bool { return f.svc.WorkerCount() == 1 })
	w.serve(nil)

	script, images := writeFiles(t, "a.png")
	job, err := f.svc.Submit(context.Background(), SubmitRequest{ScriptPath: script, ImagePaths: images})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("result never reached the store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- f.svc.Stop(ctx) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop() returned %v while a result was being recorded", err)
	case <-time.After(200 * time.Millisecond):
	}
	release()

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return after the result was recorded")
	}
	_, tasks, err := f.svc.Job(context.Background(), job.ID)
	if err != nil || len(tasks) != 1 || tasks[0].Status != domain.TaskCompleted {
		t.Errorf("tasks after Stop = %+v, %v", tasks, err)
	}
}
