package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/osvaldoandrade/pixelq/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Source is the read side of the master that the collector scrapes.
type Source interface {
	WorkerCount() int
	Jobs(ctx context.Context) ([]domain.JobProgress, error)
}

type masterCollector struct {
	src    Source
	logger *slog.Logger

	workersDesc *prometheus.Desc
	jobsDesc    *prometheus.Desc
	tasksDesc   *prometheus.Desc
}

func newMasterCollector(src Source, logger *slog.Logger) *masterCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &masterCollector{
		src:    src,
		logger: logger,
		workersDesc: prometheus.NewDesc(
			"pixelq_workers_registered",
			"Current number of registered worker sessions.",
			nil,
			nil,
		),
		jobsDesc: prometheus.NewDesc(
			"pixelq_jobs",
			"Current number of jobs by status.",
			[]string{"status"},
			nil,
		),
		tasksDesc: prometheus.NewDesc(
			"pixelq_tasks_in_flight",
			"Tasks of PROCESSING jobs, by outcome so far.",
			[]string{"state"},
			nil,
		),
	}
}

func (c *masterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workersDesc
	ch <- c.jobsDesc
	ch <- c.tasksDesc
}

func (c *masterCollector) Collect(ch chan<- prometheus.Metric) {
	if c.src == nil {
		return
	}
	emitGauge(ch, c.workersDesc, float64(c.src.WorkerCount()))

	// Keep store reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	jobs, err := c.src.Jobs(ctx)
	if err != nil {
		c.logger.Warn("prometheus master collector failed", "err", err)
		return
	}

	byStatus := map[domain.JobStatus]int{
		domain.JobProcessing: 0,
		domain.JobCompleted:  0,
		domain.JobFailed:     0,
	}
	var done, failed, pending int
	for _, j := range jobs {
		byStatus[j.Status]++
		if j.Status == domain.JobProcessing {
			done += j.Completed
			failed += j.Failed
			pending += j.Total - j.Completed - j.Failed
		}
	}
	for status, n := range byStatus {
		emitGauge(ch, c.jobsDesc, float64(n), string(status))
	}
	emitGauge(ch, c.tasksDesc, float64(done), "completed")
	emitGauge(ch, c.tasksDesc, float64(failed), "failed")
	emitGauge(ch, c.tasksDesc, float64(pending), "pending")
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var registerMasterCollectorOnce sync.Once

func RegisterMasterCollector(src Source, logger *slog.Logger) {
	registerMasterCollectorOnce.Do(func() {
		prometheus.MustRegister(newMasterCollector(src, logger))
	})
}
