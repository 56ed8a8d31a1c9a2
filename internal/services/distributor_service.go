package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/osvaldoandrade/pixelq/internal/metrics"
	"github.com/osvaldoandrade/pixelq/internal/protocol"
	"github.com/osvaldoandrade/pixelq/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Target is the part of a worker session the distributor needs.
type Target interface {
	ID() string
	SendScript(p protocol.Packet) error
	SendImage(p protocol.Packet) error
}

// Item is one input of a batch. Load is called once, right before the send.
type Item struct {
	Name string
	Load func() ([]byte, error)
}

// Plan describes one distribution run. Targets are used in the given order.
type Plan struct {
	JobID   string
	Script  protocol.Packet
	Items   []Item
	Targets []Target

	OnDispatched     func(targetID, item string)
	OnDispatchFailed func(targetID, item string, err error)
}

// Report is the outcome of a distribution run.
type Report struct {
	Assignments    map[string][]string
	Failed         map[string]error
	ScriptFailures map[string]error
}

// Delivered counts the items that were sent successfully.
func (r Report) Delivered() int {
	n := 0
	for _, items := range r.Assignments {
		n += len(items)
	}
	return n
}

type Distributor interface {
	Distribute(ctx context.Context, plan Plan) (Report, error)
}

type distributor struct {
	logger *slog.Logger
}

func NewDistributor(logger *slog.Logger) Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	return &distributor{logger: logger}
}

// RoundRobin returns, for each of m items, the index of the session among n
// that receives it. Assignment is cyclic starting at index 0.
func RoundRobin(n, m int) []int {
	if n <= 0 || m <= 0 {
		return nil
	}
	out := make([]int, m)
	for i := range out {
		out[i] = i % n
	}
	return out
}

// Distribute sends the script to every target once, then deals the items out
// round-robin. A failed send is recorded and distribution moves on.
func (d *distributor) Distribute(ctx context.Context, plan Plan) (Report, error) {
	if len(plan.Targets) == 0 {
		return Report{}, ErrNoWorkers
	}

	ctx, span := tracing.Tracer("distributor").Start(ctx, "pixelq.job.distribute",
		trace.WithAttributes(
			attribute.String("pixelq.job_id", plan.JobID),
			attribute.Int("pixelq.items", len(plan.Items)),
			attribute.Int("pixelq.workers", len(plan.Targets)),
		),
	)
	defer span.End()

	report := Report{
		Assignments:    make(map[string][]string, len(plan.Targets)),
		Failed:         make(map[string]error),
		ScriptFailures: make(map[string]error),
	}

	script := plan.Script
	script.JobID = plan.JobID
	for _, t := range plan.Targets {
		if err := t.SendScript(script); err != nil {
			report.ScriptFailures[t.ID()] = err
			metrics.DispatchTotal.WithLabelValues("script", "error").Inc()
			d.logger.Warn("script send failed", "job_id", plan.JobID, "worker_id", t.ID(), "err", err)
			continue
		}
		metrics.DispatchTotal.WithLabelValues("script", "ok").Inc()
	}

	for i, idx := range RoundRobin(len(plan.Targets), len(plan.Items)) {
		item := plan.Items[i]
		t := plan.Targets[idx]

		if err := ctx.Err(); err != nil {
			d.fail(plan, &report, t.ID(), item.Name, err)
			continue
		}

		var data []byte
		if item.Load != nil {
			var err error
			if data, err = item.Load(); err != nil {
				d.fail(plan, &report, t.ID(), item.Name, fmt.Errorf("load %s: %w", item.Name, err))
				continue
			}
		}
		err := t.SendImage(protocol.Packet{JobID: plan.JobID, Name: item.Name, Data: data})
		if err != nil {
			d.fail(plan, &report, t.ID(), item.Name, err)
			continue
		}
		metrics.DispatchTotal.WithLabelValues("image", "ok").Inc()
		report.Assignments[t.ID()] = append(report.Assignments[t.ID()], item.Name)
		if plan.OnDispatched != nil {
			plan.OnDispatched(t.ID(), item.Name)
		}
	}

	span.SetAttributes(
		attribute.Int("pixelq.delivered", report.Delivered()),
		attribute.Int("pixelq.failed", len(report.Failed)),
	)
	d.logger.Info("distribution finished",
		"job_id", plan.JobID,
		"delivered", report.Delivered(),
		"failed", len(report.Failed),
		"workers", len(plan.Targets),
	)
	return report, nil
}

func (d *distributor) fail(plan Plan, report *Report, targetID, item string, err error) {
	metrics.DispatchTotal.WithLabelValues("image", "error").Inc()
	report.Failed[item] = err
	d.logger.Warn("item dispatch failed", "job_id", plan.JobID, "worker_id", targetID, "item", item, "err", err)
	if plan.OnDispatchFailed != nil {
		plan.OnDispatchFailed(targetID, item, err)
	}
}
