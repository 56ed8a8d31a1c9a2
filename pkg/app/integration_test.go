package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/pixelq/pkg/config"
	"github.com/osvaldoandrade/pixelq/pkg/domain"
	"github.com/osvaldoandrade/pixelq/pkg/worker"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Port:          8080,
		WorkerPort:    5000,
		OutputDir:     filepath.Join(t.TempDir(), "out"),
		StoreProvider: "sqlite",
		SqlitePath:    filepath.Join(t.TempDir(), "master.db"),
		Timezone:      "UTC",
		LogLevel:      "error",
		LogFormat:     "json",
		Env:           "test",
	}
	cfg.HeartbeatTimeoutSeconds = 30
	cfg.SweepIntervalSeconds = 10
	cfg.ResultPrefix = "bw_"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*Application, *httptest.Server) {
	t.Helper()
	application, err := NewApplication(cfg, WithLogOutput(io.Discard))
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	SetupMappings(application)
	server := httptest.NewServer(application.Engine)
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Close(ctx)
	})
	return application, server
}

func call(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestHTTPIntegrationFlow(t *testing.T) {
	cfg := testConfig(t)
	application, server := newTestApp(t, cfg)
	base := server.URL + "/v1/pixelq"

	var health map[string]any
	if code := call(t, http.MethodGet, base+"/healthz", nil, &health); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}

	// nothing listening yet
	if code := call(t, http.MethodDelete, base+"/listener", nil, nil); code != http.StatusConflict {
		t.Fatalf("stop before start = %d, want 409", code)
	}
	if code := call(t, http.MethodPost, base+"/listener", map[string]any{"port": 0}, nil); code != http.StatusBadRequest {
		t.Fatalf("port 0 = %d, want 400", code)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := application.Master.Serve(ln); err != nil {
		t.Fatalf("serve: %v", err)
	}
	var state struct {
		Listening bool   `json:"listening"`
		Addr      string `json:"addr"`
	}
	call(t, http.MethodGet, base+"/listener", nil, &state)
	if !state.Listening || state.Addr != ln.Addr().String() {
		t.Fatalf("listener state = %+v", state)
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "demo.py")
	mustWrite(t, script, "print('bw')")
	var images []string
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		p := filepath.Join(dir, name)
		mustWrite(t, p, "pixels-"+name)
		images = append(images, p)
	}
	req := map[string]any{"scriptPath": script, "imagePaths": images}

	if code := call(t, http.MethodPost, base+"/jobs", req, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("submit without workers = %d, want 503", code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 2; i++ {
		w := worker.New(worker.Config{Addr: ln.Addr().String(), HeartbeatInterval: 20 * time.Millisecond}, application.Logger)
		go func() { _ = w.Run(ctx) }()
	}
	waitFor(t, "two workers", func() bool { return application.Master.WorkerCount() == 2 })

	var workers struct {
		Workers []domain.WorkerInfo `json:"workers"`
	}
	call(t, http.MethodGet, base+"/workers", nil, &workers)
	if len(workers.Workers) != 2 {
		t.Fatalf("workers = %+v", workers)
	}

	var job domain.Job
	if code := call(t, http.MethodPost, base+"/jobs", req, &job); code != http.StatusAccepted {
		t.Fatalf("submit = %d", code)
	}
	if job.ID == "" || job.TotalItems != 3 || job.Status != domain.JobProcessing {
		t.Fatalf("submitted job = %+v", job)
	}

	var detail struct {
		domain.Job
		Tasks []domain.Task `json:"tasks"`
	}
	waitFor(t, "job completion", func() bool {
		call(t, http.MethodGet, base+"/jobs/"+job.ID, nil, &detail)
		return detail.Status == domain.JobCompleted
	})
	if len(detail.Tasks) != 3 {
		t.Fatalf("tasks = %+v", detail.Tasks)
	}
	for _, task := range detail.Tasks {
		if task.Status != domain.TaskCompleted || task.OutputFile != "bw_"+task.ItemName {
			t.Errorf("task = %+v", task)
		}
		got, err := os.ReadFile(filepath.Join(cfg.OutputDir, job.ID, task.OutputFile))
		if err != nil {
			t.Errorf("artifact %s: %v", task.OutputFile, err)
			continue
		}
		if string(got) != "pixels-"+task.ItemName {
			t.Errorf("artifact %s = %q", task.OutputFile, got)
		}
	}

	var list struct {
		Jobs []domain.JobProgress `json:"jobs"`
	}
	call(t, http.MethodGet, base+"/jobs", nil, &list)
	if len(list.Jobs) != 1 || list.Jobs[0].Completed != 3 || list.Jobs[0].Percent() != 100 {
		t.Fatalf("job list = %+v", list.Jobs)
	}

	if code := call(t, http.MethodGet, base+"/jobs/does-not-exist", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown job = %d, want 404", code)
	}

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "pixelq_workers_registered") {
		t.Errorf("metrics exposition missing master collector series")
	}

	if code := call(t, http.MethodDelete, base+"/jobs/"+job.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete job = %d, want 204", code)
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, job.ID)); !os.IsNotExist(err) {
		t.Errorf("job output directory survived delete: %v", err)
	}
	if code := call(t, http.MethodGet, base+"/jobs/"+job.ID, nil, nil); code != http.StatusNotFound {
		t.Errorf("deleted job = %d, want 404", code)
	}

	if code := call(t, http.MethodDelete, base+"/listener", nil, &state); code != http.StatusOK {
		t.Fatalf("stop = %d", code)
	}
	if state.Listening {
		t.Fatal("listener still reported as listening")
	}
	waitFor(t, "registry drained", func() bool { return application.Master.WorkerCount() == 0 })
}

func TestApplicationOpensConfiguredStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreProvider = "memory"
	application, _ := newTestApp(t, cfg)
	if err := application.Store.Health(context.Background()); err != nil {
		t.Fatalf("memory store health: %v", err)
	}

	bad := testConfig(t)
	bad.StoreProvider = "redis"
	bad.RedisAddr = ""
	if _, err := NewApplication(bad, WithLogOutput(io.Discard)); err == nil {
		t.Fatal("expected redis store without addr to fail")
	}
}

func TestApplicationLogFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogFile = filepath.Join(t.TempDir(), "pixelq.log")
	cfg.LogLevel = "info"
	application, _ := newTestApp(t, cfg)
	application.Logger.Info("hello from test")

	data, err := os.ReadFile(cfg.LogFile)
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") || !strings.Contains(string(data), `"service":"pixelq"`) {
		t.Fatalf("log file content = %s", data)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
