package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/osvaldoandrade/pixelq/internal/metrics"
	"github.com/osvaldoandrade/pixelq/internal/protocol"
	"github.com/osvaldoandrade/pixelq/internal/providers"
	"github.com/osvaldoandrade/pixelq/internal/session"
	"github.com/osvaldoandrade/pixelq/internal/tracing"
	"github.com/osvaldoandrade/pixelq/pkg/domain"
	"github.com/osvaldoandrade/pixelq/pkg/persistence"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SubmitRequest names a processing script and the images to run it on.
type SubmitRequest struct {
	ScriptPath string   `json:"scriptPath"`
	ImagePaths []string `json:"imagePaths"`
}

// MasterConfig tunes the master. Zero values select defaults.
type MasterConfig struct {
	ResultPrefix     string
	MaxPacketBytes   int64
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	WriteTimeout     time.Duration
}

type MasterService interface {
	// Start binds the worker port and accepts connections in the background.
	Start(ctx context.Context, port string) (net.Addr, error)
	// Serve is Start with a caller-provided listener.
	Serve(ln net.Listener) error
	// Stop closes the listener, sends SHUTDOWN to every worker that is not
	// mid-write, closes every session and cancels in-flight distribution. It
	// waits for distribution and connection goroutines until ctx is done.
	Stop(ctx context.Context) error
	Listening() bool
	Addr() net.Addr

	Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error)
	Jobs(ctx context.Context) ([]domain.JobProgress, error)
	Job(ctx context.Context, id string) (*domain.Job, []domain.Task, error)
	// DeleteJob removes a finished job, its tasks and its output directory.
	DeleteJob(ctx context.Context, id string) error
	Workers() []domain.WorkerInfo
	WorkerCount() int
}

type masterService struct {
	store       persistence.JobStore
	artifacts   providers.ArtifactStore
	registry    *session.Registry
	distributor Distributor
	results     ResultsService
	cfg         MasterConfig
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	ln     net.Listener
	runCtx context.Context
	cancel context.CancelFunc
	// wg counts the accept loop, connection handlers and distribution runs.
	// Add happens under mu while ln is set, or from a goroutine already counted.
	wg sync.WaitGroup
}

// shutdownWriteTimeout bounds the SHUTDOWN frame sent to each worker on Stop.
const shutdownWriteTimeout = 500 * time.Millisecond

func NewMasterService(store persistence.JobStore, artifacts providers.ArtifactStore, cfg MasterConfig, logger *slog.Logger, now func() time.Time) MasterService {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if cfg.MaxPacketBytes <= 0 {
		cfg.MaxPacketBytes = protocol.DefaultMaxBlobSize
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &masterService{
		store:       store,
		artifacts:   artifacts,
		registry:    session.NewRegistry(),
		distributor: NewDistributor(logger.With("component", "distributor")),
		results:     NewResultsService(store, artifacts, cfg.ResultPrefix, logger.With("component", "results")),
		cfg:         cfg,
		logger:      logger,
		now:         now,
	}
}

// ValidatePort parses a TCP port in 1..65535.
func ValidatePort(raw string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, raw)
	}
	return p, nil
}

func (m *masterService) Start(ctx context.Context, port string) (net.Addr, error) {
	p, err := ValidatePort(port)
	if err != nil {
		return nil, err
	}
	if m.Listening() {
		return nil, ErrAlreadyListening
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", p))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %d", ErrPortInUse, p)
		}
		return nil, fmt.Errorf("listen on %d: %w", p, err)
	}
	if err := m.Serve(ln); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln.Addr(), nil
}

func (m *masterService) Serve(ln net.Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln != nil {
		return ErrAlreadyListening
	}
	m.ln = ln
	m.runCtx, m.cancel = context.WithCancel(context.Background())

	monitor := NewHeartbeatMonitor(m.registry, m.cfg.HeartbeatTimeout, m.cfg.SweepInterval, m.now, m.logger.With("component", "heartbeat"))
	monitor.Start(m.runCtx)

	m.logger.Info("listening for workers", "addr", ln.Addr().String())
	m.wg.Add(1)
	go m.acceptLoop(m.runCtx, ln)
	return nil
}

func (m *masterService) acceptLoop(ctx context.Context, ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("accept failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleConn(ctx, conn)
		}()
	}
}

func (m *masterService) handleConn(ctx context.Context, conn net.Conn) {
	opts := []session.Option{
		session.WithClock(m.now),
		session.WithMaxBlobSize(m.cfg.MaxPacketBytes),
	}
	if m.cfg.WriteTimeout > 0 {
		opts = append(opts, session.WithWriteTimeout(m.cfg.WriteTimeout))
	}
	s := session.New(conn, opts...)
	log := m.logger.With("worker_id", s.ID(), "remote", s.RemoteAddr())

	if err := s.Handshake(); err != nil {
		log.Warn("worker handshake failed", "err", err)
		_ = s.Close()
		return
	}
	if err := m.registry.Add(s); err != nil {
		log.Error("worker registration failed", "err", err)
		_ = s.Close()
		return
	}
	// Stop may have drained the registry between accept and Add.
	if ctx.Err() != nil {
		m.registry.Remove(s.ID())
		_ = s.Close()
		return
	}
	metrics.WorkerConnectionsTotal.Inc()
	log.Info("worker connected", "workers", m.registry.Len())

	// results already on the wire are recorded even while Stop is draining
	err := s.Run(&sessionHandler{ctx: context.WithoutCancel(ctx), results: m.results, logger: log})

	if _, removed := m.registry.Remove(s.ID()); removed {
		reason := "disconnect"
		if errors.Is(err, session.ErrUnexpectedTag) || errors.Is(err, protocol.ErrUnknownTag) || errors.Is(err, protocol.ErrFrameTooLarge) {
			reason = "protocol_error"
			metrics.ProtocolErrorsTotal.WithLabelValues(protocolErrorKind(err)).Inc()
		}
		metrics.WorkerDisconnectsTotal.WithLabelValues(reason).Inc()
	}
	_ = s.Close()

	lost := s.Outstanding()
	attrs := []any{"outstanding", len(lost)}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	if len(lost) > 0 {
		items := make([]string, 0, len(lost))
		for _, d := range lost {
			items = append(items, d.JobID+"/"+d.Item)
		}
		attrs = append(attrs, "lost_items", items)
	}
	log.Info("worker disconnected", attrs...)
}

func protocolErrorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrUnknownTag):
		return "unknown_tag"
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "frame_too_large"
	default:
		return "unexpected_tag"
	}
}

type sessionHandler struct {
	ctx     context.Context
	results ResultsService
	logger  *slog.Logger
}

func (h *sessionHandler) OnResult(s *session.Session, p protocol.Packet) {
	if _, err := h.results.Ingest(h.ctx, s, p); err != nil {
		h.logger.Debug("result not recorded", "name", p.Name, "err", err)
	}
}

func (h *sessionHandler) OnError(s *session.Session, f protocol.Failure) {
	if _, err := h.results.Fail(h.ctx, s, f); err != nil {
		h.logger.Debug("worker error not recorded", "item", f.Item, "err", err)
	}
}

func (m *masterService) Stop(ctx context.Context) error {
	m.mu.Lock()
	ln, cancel := m.ln, m.cancel
	if ln == nil {
		m.mu.Unlock()
		return ErrNotListening
	}
	m.ln, m.cancel = nil, nil
	m.mu.Unlock()

	// Close the listener and cancel first so no new worker registers while
	// the existing ones are shut down.
	_ = ln.Close()
	cancel()

	sessions := m.registry.Snapshot()
	var sent sync.WaitGroup
	for _, s := range sessions {
		sent.Add(1)
		go func(s *session.Session) {
			defer sent.Done()
			if err := s.TrySendShutdown(shutdownWriteTimeout); err != nil {
				m.logger.Debug("shutdown not delivered", "worker_id", s.ID(), "err", err)
			}
		}(s)
	}
	sent.Wait()

	drained := m.registry.Drain()
	for _, s := range drained {
		_ = s.Close()
		metrics.WorkerDisconnectsTotal.WithLabelValues("shutdown").Inc()
	}
	m.logger.Info("listener stopped", "addr", ln.Addr().String(), "workers_closed", len(drained))

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *masterService) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ln != nil
}

func (m *masterService) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

type preparedSubmission struct {
	script protocol.Packet
	items  []Item
}

func (m *masterService) validate(req SubmitRequest) (*preparedSubmission, error) {
	scriptPath := strings.TrimSpace(req.ScriptPath)
	if scriptPath == "" {
		return nil, fmt.Errorf("%w: script path is required", ErrInvalidSubmission)
	}
	if err := regularFile(scriptPath); err != nil {
		return nil, fmt.Errorf("%w: script: %v", ErrInvalidSubmission, err)
	}
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("%w: script: %v", ErrInvalidSubmission, err)
	}
	if len(req.ImagePaths) == 0 {
		return nil, fmt.Errorf("%w: at least one image is required", ErrInvalidSubmission)
	}

	seen := make(map[string]string, len(req.ImagePaths))
	items := make([]Item, 0, len(req.ImagePaths))
	for _, raw := range req.ImagePaths {
		path := strings.TrimSpace(raw)
		if path == "" {
			return nil, fmt.Errorf("%w: empty image path", ErrInvalidSubmission)
		}
		if err := regularFile(path); err != nil {
			return nil, fmt.Errorf("%w: image: %v", ErrInvalidSubmission, err)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: image: %v", ErrInvalidSubmission, err)
		}
		_ = f.Close()

		name := filepath.Base(path)
		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %s and %s share the name %s", ErrInvalidSubmission, prev, path, name)
		}
		seen[name] = path
		items = append(items, Item{Name: name, Load: func() ([]byte, error) { return os.ReadFile(path) }})
	}
	return &preparedSubmission{
		script: protocol.Packet{Name: filepath.Base(scriptPath), Data: script},
		items:  items,
	}, nil
}

func regularFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return nil
}

func (m *masterService) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	prep, err := m.validate(req)
	if err != nil {
		return nil, err
	}

	sessions := m.registry.Snapshot()
	if len(sessions) == 0 {
		return nil, ErrNoWorkers
	}

	// The distribution run is counted before the lock is released so a
	// concurrent Stop either sees it or runs entirely before this check.
	m.mu.Lock()
	if m.ln == nil {
		m.mu.Unlock()
		return nil, ErrNoWorkers
	}
	runCtx := m.runCtx
	m.wg.Add(1)
	m.mu.Unlock()

	targets := make([]Target, len(sessions))
	for i, s := range sessions {
		targets[i] = s
	}

	ctx, span := tracing.Tracer("master").Start(ctx, "pixelq.job.submit",
		trace.WithAttributes(
			attribute.Int("pixelq.items", len(prep.items)),
			attribute.Int("pixelq.workers", len(targets)),
		),
	)
	defer span.End()

	traceParent := tracing.TraceParent(ctx)
	job := &domain.Job{
		ID:          uuid.NewString(),
		StartTime:   m.now(),
		Status:      domain.JobProcessing,
		TotalItems:  len(prep.items),
		TraceParent: traceParent,
	}
	span.SetAttributes(attribute.String("pixelq.job_id", job.ID))
	log := m.logger.With("job_id", job.ID)

	if err := m.store.CreateJob(ctx, job); err != nil {
		span.RecordError(err)
		log.Error("job not persisted; distributing anyway", "err", err)
	}
	for _, item := range prep.items {
		if err := m.store.CreateTask(ctx, job.ID, item.Name); err != nil {
			log.Error("task not persisted", "item", item.Name, "err", err)
		}
	}
	if _, err := m.artifacts.EnsureJobDir(ctx, job.ID); err != nil {
		log.Error("output directory not created", "err", err)
	}

	plan := Plan{
		JobID:   job.ID,
		Script:  prep.script,
		Items:   prep.items,
		Targets: targets,
		OnDispatched: func(_ string, item string) {
			m.markTask(runCtx, log, job.ID, item, domain.TaskProcessing, "")
		},
		OnDispatchFailed: func(_ string, item string, err error) {
			m.markTask(runCtx, log, job.ID, item, domain.TaskFailed, err.Error())
		},
	}

	distCtx := trace.ContextWithSpanContext(runCtx, span.SpanContext())
	go func() {
		defer m.wg.Done()
		report, err := m.distributor.Distribute(distCtx, plan)
		if err != nil {
			log.Error("distribution failed", "err", err)
		}
		if report.Delivered() == 0 {
			if err := m.store.FailJob(context.Background(), job.ID); err != nil && !errors.Is(err, persistence.ErrInvalidTransition) {
				log.Error("job not marked failed", "err", err)
			}
			log.Warn("no item could be delivered; job failed")
		}
	}()

	metrics.JobSubmittedTotal.Inc()
	span.SetStatus(codes.Ok, "")
	log.Info("job submitted", "items", job.TotalItems, "workers", len(targets), "script", prep.script.Name)
	out := *job
	return &out, nil
}

// markTask applies a dispatch outcome. A result can overtake the PROCESSING
// mark, which the store then rejects as a regression.
func (m *masterService) markTask(ctx context.Context, log *slog.Logger, jobID, item string, status domain.TaskStatus, reason string) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := m.store.UpdateTask(ctx, jobID, item, status, reason); err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			return
		}
		log.Error("task status not persisted", "item", item, "status", status, "err", err)
	}
}

func (m *masterService) Jobs(ctx context.Context) ([]domain.JobProgress, error) {
	return m.store.ListJobsWithProgress(ctx)
}

func (m *masterService) Job(ctx context.Context, id string) (*domain.Job, []domain.Task, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := m.store.ListTasks(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return job, tasks, nil
}

func (m *masterService) DeleteJob(ctx context.Context, id string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrJobActive, id)
	}
	if err := m.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	if err := m.artifacts.RemoveJob(ctx, id); err != nil {
		m.logger.Warn("job output not removed", "job_id", id, "err", err)
	}
	m.logger.Info("job deleted", "job_id", id, "status", job.Status)
	return nil
}

func (m *masterService) Workers() []domain.WorkerInfo {
	sessions := m.registry.Snapshot()
	out := make([]domain.WorkerInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

func (m *masterService) WorkerCount() int {
	return m.registry.Len()
}
