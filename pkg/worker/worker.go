// Package worker is a reference worker node. It connects to a master,
// reports liveness with HEARTBEAT frames and answers every IMAGE with a
// RESULT or an ERROR produced by a Processor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/osvaldoandrade/pixelq/internal/backoff"
	"github.com/osvaldoandrade/pixelq/internal/protocol"
)

const (
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultResultPrefix      = "bw_"
)

var errShutdown = errors.New("worker: shutdown requested")

// Processor turns one image into one result. script is the latest SCRIPT
// received for the image's job.
type Processor interface {
	Process(ctx context.Context, script, image protocol.Packet) (protocol.Packet, error)
}

type ProcessorFunc func(ctx context.Context, script, image protocol.Packet) (protocol.Packet, error)

func (f ProcessorFunc) Process(ctx context.Context, script, image protocol.Packet) (protocol.Packet, error) {
	return f(ctx, script, image)
}

// PrefixProcessor returns the image bytes unchanged under Prefix+name.
type PrefixProcessor struct {
	Prefix string
}

func (p PrefixProcessor) Process(_ context.Context, _, image protocol.Packet) (protocol.Packet, error) {
	prefix := p.Prefix
	if prefix == "" {
		prefix = DefaultResultPrefix
	}
	return protocol.Packet{JobID: image.JobID, Name: prefix + image.Name, Data: image.Data}, nil
}

type Config struct {
	Addr              string
	HeartbeatInterval time.Duration
	Processor         Processor
	MaxBlobSize       int64
	DialTimeout       time.Duration

	// Reconnect keeps the worker dialing after a lost connection until ctx
	// ends or the master sends SHUTDOWN.
	Reconnect     bool
	BackoffPolicy string
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

type Worker struct {
	cfg    Config
	logger *slog.Logger
	rng    *rand.Rand
	wait   func(ctx context.Context, d time.Duration) error

	identity  atomic.Value
	processed atomic.Int64
	failed    atomic.Int64
}

func New(cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Processor == nil {
		cfg.Processor = PrefixProcessor{}
	}
	if cfg.MaxBlobSize <= 0 {
		cfg.MaxBlobSize = protocol.DefaultMaxBlobSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.BackoffPolicy == "" {
		cfg.BackoffPolicy = string(backoff.ExpFullJitter)
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Worker{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		wait:   sleepCtx,
	}
}

// ID is the identity assigned by the master on the current or last connection.
func (w *Worker) ID() string {
	id, _ := w.identity.Load().(string)
	return id
}

// Processed counts images answered with a RESULT.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Failed counts images answered with an ERROR.
func (w *Worker) Failed() int64 { return w.failed.Load() }

// Run serves the master until it sends SHUTDOWN (nil), ctx ends (ctx.Err())
// or, without Reconnect, the connection fails.
func (w *Worker) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := w.session(ctx)
		if errors.Is(err, errShutdown) {
			w.logger.Info("master requested shutdown", "processed", w.Processed())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !w.cfg.Reconnect {
			return err
		}
		if connected {
			attempt = 0
		}
		delay := backoff.Delay(backoff.Policy(w.cfg.BackoffPolicy), w.cfg.BackoffBase, w.cfg.BackoffMax, attempt, w.rng)
		attempt++
		w.logger.Warn("connection lost; reconnecting", "err", err, "delay", delay.String(), "attempt", attempt)
		if err := w.wait(ctx, delay); err != nil {
			return err
		}
	}
}

func (w *Worker) session(ctx context.Context) (bool, error) {
	d := net.Dialer{Timeout: w.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", w.cfg.Addr)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", w.cfg.Addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	dec := protocol.NewDecoder(conn, protocol.WithMaxBlobSize(w.cfg.MaxBlobSize))
	enc := protocol.NewEncoder(conn)
	var wmu sync.Mutex
	send := func(m protocol.Message) error {
		wmu.Lock()
		defer wmu.Unlock()
		return enc.Encode(m)
	}

	m, err := dec.Decode()
	if err != nil {
		return false, fmt.Errorf("handshake: %w", err)
	}
	if m.Tag != protocol.TagIdentity {
		return false, fmt.Errorf("handshake: expected IDENTITY, got %s", m.Tag)
	}
	w.identity.Store(m.Identity)
	log := w.logger.With("worker_id", m.Identity)
	log.Info("connected to master", "addr", w.cfg.Addr)

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeat(hbCtx, send, log)

	scripts := make(map[string]protocol.Packet)
	var latest protocol.Packet
	for {
		m, err := dec.Decode()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read: %w", err)
		}
		switch m.Tag {
		case protocol.TagScript:
			scripts[m.Packet.JobID] = m.Packet
			latest = m.Packet
			log.Debug("script received", "job_id", m.Packet.JobID, "name", m.Packet.Name)
		case protocol.TagImage:
			script, ok := scripts[m.Packet.JobID]
			if !ok {
				script = latest
			}
			if err := send(w.process(ctx, log, script, m.Packet)); err != nil {
				return true, fmt.Errorf("write: %w", err)
			}
		case protocol.TagShutdown:
			return true, errShutdown
		default:
			log.Warn("ignoring unexpected frame", "tag", m.Tag.String())
		}
	}
}

func (w *Worker) process(ctx context.Context, log *slog.Logger, script, image protocol.Packet) protocol.Message {
	fail := func(reason string) protocol.Message {
		w.failed.Add(1)
		log.Warn("image failed", "job_id", image.JobID, "item", image.Name, "reason", reason)
		return protocol.Error(protocol.Failure{JobID: image.JobID, Item: image.Name, Reason: reason})
	}
	if script.Name == "" {
		return fail("no script received")
	}
	out, err := w.cfg.Processor.Process(ctx, script, image)
	if err != nil {
		return fail(err.Error())
	}
	if out.JobID == "" {
		out.JobID = image.JobID
	}
	w.processed.Add(1)
	log.Debug("image processed", "job_id", image.JobID, "item", image.Name, "result", out.Name, "bytes", len(out.Data))
	return protocol.Result(out)
}

func (w *Worker) heartbeat(ctx context.Context, send func(protocol.Message) error, log *slog.Logger) {
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := send(protocol.Heartbeat()); err != nil {
				log.Debug("heartbeat not sent", "err", err)
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
