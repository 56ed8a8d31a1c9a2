package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/osvaldoandrade/pixelq/internal/metrics"
	"github.com/osvaldoandrade/pixelq/internal/protocol"
	"github.com/osvaldoandrade/pixelq/internal/providers"
	"github.com/osvaldoandrade/pixelq/internal/session"
	"github.com/osvaldoandrade/pixelq/internal/tracing"
	"github.com/osvaldoandrade/pixelq/pkg/domain"
	"github.com/osvaldoandrade/pixelq/pkg/persistence"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultResultPrefix = "bw_"

// Worker is the part of a session that result attribution needs.
type Worker interface {
	ID() string
	Match(jobID, item string) (session.Dispatch, bool)
	Resolve(d session.Dispatch) bool
}

type ResultsService interface {
	// Ingest stores a RESULT payload and records the task outcome. It returns
	// the job as it stands after the update.
	Ingest(ctx context.Context, w Worker, p protocol.Packet) (*domain.Job, error)
	// Fail records a worker-reported ERROR for one item.
	Fail(ctx context.Context, w Worker, f protocol.Failure) (*domain.Job, error)
}

type resultsService struct {
	store     persistence.JobStore
	artifacts providers.ArtifactStore
	prefix    string
	logger    *slog.Logger
}

func NewResultsService(store persistence.JobStore, artifacts providers.ArtifactStore, prefix string, logger *slog.Logger) ResultsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &resultsService{store: store, artifacts: artifacts, prefix: prefix, logger: logger}
}

// attribute resolves which dispatch a result answers. An exact outstanding
// match wins; otherwise the result prefix is stripped and matched again.
func (s *resultsService) attribute(w Worker, jobID, name string) (session.Dispatch, bool) {
	if d, ok := w.Match(jobID, name); ok {
		return d, true
	}
	if s.prefix != "" && strings.HasPrefix(name, s.prefix) {
		if d, ok := w.Match(jobID, strings.TrimPrefix(name, s.prefix)); ok {
			return d, true
		}
	}
	return session.Dispatch{}, false
}

func (s *resultsService) itemName(name string) string {
	if s.prefix != "" && strings.HasPrefix(name, s.prefix) && len(name) > len(s.prefix) {
		return strings.TrimPrefix(name, s.prefix)
	}
	return name
}

func (s *resultsService) Ingest(ctx context.Context, w Worker, p protocol.Packet) (*domain.Job, error) {
	d, matched := s.attribute(w, p.JobID, p.Name)
	if !matched {
		if p.JobID == "" {
			metrics.ResultsTotal.WithLabelValues("unattributed").Inc()
			s.logger.Warn("result dropped", "worker_id", w.ID(), "name", p.Name, "err", ErrUnattributed)
			return nil, fmt.Errorf("%w: %s from %s", ErrUnattributed, p.Name, w.ID())
		}
		d = session.Dispatch{JobID: p.JobID, Item: s.itemName(p.Name)}
	}

	job, err := s.store.GetJob(ctx, d.JobID)
	if err != nil {
		s.logger.Warn("result for unknown job", "job_id", d.JobID, "item", d.Item, "worker_id", w.ID(), "err", err)
		return nil, err
	}

	ctx = tracing.ContextWithTraceParent(ctx, job.TraceParent)
	ctx, span := tracing.Tracer("results").Start(ctx, "pixelq.result.ingest",
		trace.WithAttributes(
			attribute.String("pixelq.job_id", d.JobID),
			attribute.String("pixelq.item", d.Item),
			attribute.String("pixelq.worker_id", w.ID()),
			attribute.Int("pixelq.result.bytes", len(p.Data)),
		),
	)
	defer span.End()

	status, detail := domain.TaskCompleted, p.Name
	_, werr := s.artifacts.Write(ctx, d.JobID, p.Name, p.Data)
	if werr != nil {
		status, detail = domain.TaskFailed, werr.Error()
		span.RecordError(werr)
	} else if !s.artifacts.Exists(d.JobID, p.Name) {
		status, detail = domain.TaskFailed, "file not generated: "+p.Name
	}

	job, err = s.record(ctx, span, w, d, status, detail)
	// an output for an item the job never had must not stay in its directory
	if werr == nil && errors.Is(err, persistence.ErrNotFound) {
		if rerr := s.artifacts.Remove(ctx, d.JobID, p.Name); rerr != nil {
			s.logger.Warn("orphan result not removed", "job_id", d.JobID, "name", p.Name, "err", rerr)
		}
	}
	return job, err
}

func (s *resultsService) Fail(ctx context.Context, w Worker, f protocol.Failure) (*domain.Job, error) {
	d, matched := s.attribute(w, f.JobID, f.Item)
	if !matched {
		if f.JobID == "" {
			metrics.ResultsTotal.WithLabelValues("unattributed").Inc()
			return nil, fmt.Errorf("%w: error for %s from %s", ErrUnattributed, f.Item, w.ID())
		}
		d = session.Dispatch{JobID: f.JobID, Item: f.Item}
	}

	ctx, span := tracing.Tracer("results").Start(ctx, "pixelq.result.error",
		trace.WithAttributes(
			attribute.String("pixelq.job_id", d.JobID),
			attribute.String("pixelq.item", d.Item),
			attribute.String("pixelq.worker_id", w.ID()),
		),
	)
	defer span.End()

	reason := strings.TrimSpace(f.Reason)
	if reason == "" {
		reason = "worker reported an error"
	}
	return s.record(ctx, span, w, d, domain.TaskFailed, reason)
}

func (s *resultsService) record(ctx context.Context, span trace.Span, w Worker, d session.Dispatch, status domain.TaskStatus, detail string) (*domain.Job, error) {
	w.Resolve(d)

	job, err := s.store.UpdateTask(ctx, d.JobID, d.Item, status, detail)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, persistence.ErrInvalidTransition) {
			s.logger.Debug("duplicate result ignored", "job_id", d.JobID, "item", d.Item, "worker_id", w.ID())
		} else {
			s.logger.Error("task update failed", "job_id", d.JobID, "item", d.Item, "status", status, "err", err)
		}
		return nil, err
	}

	metrics.ResultsTotal.WithLabelValues(strings.ToLower(string(status))).Inc()
	span.SetAttributes(attribute.String("pixelq.task.status", string(status)))
	if status == domain.TaskFailed {
		span.SetStatus(codes.Error, detail)
		s.logger.Warn("task failed", "job_id", d.JobID, "item", d.Item, "worker_id", w.ID(), "reason", detail)
	} else {
		s.logger.Info("task completed", "job_id", d.JobID, "item", d.Item, "worker_id", w.ID(), "output", detail)
	}

	// only the update that completes the last task can observe COMPLETED here
	if job.Status == domain.JobCompleted && job.EndTime != nil {
		latency := job.EndTime.Sub(job.StartTime)
		metrics.JobCompletionLatencySeconds.Observe(latency.Seconds())
		s.logger.Info("job completed", "job_id", job.ID, "items", job.TotalItems, "duration", latency.String())
	}
	return job, nil
}
