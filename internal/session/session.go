// Package session holds the master-side state of connected workers.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/osvaldoandrade/pixelq/internal/protocol"
	"github.com/osvaldoandrade/pixelq/pkg/domain"

	"github.com/google/uuid"
)

var (
	ErrClosed        = errors.New("session: closed")
	ErrBusy          = errors.New("session: write in progress")
	ErrUnexpectedTag = errors.New("session: unexpected message tag")
)

// Handler receives the worker's results and failures from Run.
type Handler interface {
	OnResult(s *Session, p protocol.Packet)
	OnError(s *Session, f protocol.Failure)
}

// Dispatch identifies one item sent to a worker and not yet answered.
type Dispatch struct {
	JobID string
	Item  string
}

// Session is one connected worker. Writes are serialized by an internal
// mutex; the heartbeat timestamp is read atomically so the monitor never
// blocks the receive path.
type Session struct {
	id          string
	conn        net.Conn
	remote      string
	connectedAt time.Time
	seq         uint64
	now         func() time.Time

	wmu          sync.Mutex
	enc          *protocol.Encoder
	dec          *protocol.Decoder
	writeTimeout time.Duration

	lastHeartbeat atomic.Int64

	omu         sync.Mutex
	outstanding map[Dispatch]struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

type Option func(*Session)

// WithClock replaces time.Now for heartbeat stamping.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxBlobSize bounds inbound result payloads.
func WithMaxBlobSize(n int64) Option {
	return func(s *Session) {
		s.dec = protocol.NewDecoder(s.conn, protocol.WithMaxBlobSize(n))
	}
}

// WithWriteTimeout sets a deadline on every outbound frame.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) { s.writeTimeout = d }
}

// WithID overrides the generated identity.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// New wraps an accepted connection with a fresh identity. The heartbeat
// timestamp starts at the connection time.
func New(conn net.Conn, opts ...Option) *Session {
	s := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		now:         time.Now,
		enc:         protocol.NewEncoder(conn),
		dec:         protocol.NewDecoder(conn),
		outstanding: make(map[Dispatch]struct{}),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.remote = addr.String()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.connectedAt = s.now()
	s.lastHeartbeat.Store(s.connectedAt.UnixNano())
	return s
}

func (s *Session) ID() string             { return s.id }
func (s *Session) RemoteAddr() string     { return s.remote }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Seq is the registration order assigned by the Registry.
func (s *Session) Seq() uint64 { return s.seq }

// Handshake sends the IDENTITY frame. It must be the first frame written.
func (s *Session) Handshake() error {
	return s.send(protocol.Identity(s.id))
}

func (s *Session) SendScript(p protocol.Packet) error {
	return s.send(protocol.Script(p))
}

// SendImage sends one item and records it as outstanding until Resolve.
func (s *Session) SendImage(p protocol.Packet) error {
	d := Dispatch{JobID: p.JobID, Item: p.Name}
	s.track(d)
	if err := s.send(protocol.Image(p)); err != nil {
		s.Resolve(d)
		return err
	}
	return nil
}

func (s *Session) SendShutdown() error {
	return s.send(protocol.Shutdown())
}

// TrySendShutdown sends SHUTDOWN only if no other frame is being written,
// bounding the write by timeout. It returns ErrBusy instead of waiting.
func (s *Session) TrySendShutdown(timeout time.Duration) error {
	if !s.wmu.TryLock() {
		return ErrBusy
	}
	defer s.wmu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := s.enc.Encode(protocol.Shutdown()); err != nil {
		return fmt.Errorf("send %s to %s: %w", protocol.TagShutdown, s.id, err)
	}
	return nil
}

func (s *Session) send(m protocol.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := s.enc.Encode(m); err != nil {
		return fmt.Errorf("send %s to %s: %w", m.Tag, s.id, err)
	}
	return nil
}

// Touch records a heartbeat at t.
func (s *Session) Touch(t time.Time) {
	s.lastHeartbeat.Store(t.UnixNano())
}

func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

func (s *Session) track(d Dispatch) {
	s.omu.Lock()
	s.outstanding[d] = struct{}{}
	s.omu.Unlock()
}

// Resolve forgets an outstanding dispatch and reports whether it was present.
func (s *Session) Resolve(d Dispatch) bool {
	s.omu.Lock()
	defer s.omu.Unlock()
	if _, ok := s.outstanding[d]; !ok {
		return false
	}
	delete(s.outstanding, d)
	return true
}

// Match finds the outstanding dispatch for item. An empty jobID matches any
// job, but only when exactly one outstanding dispatch carries that item.
func (s *Session) Match(jobID, item string) (Dispatch, bool) {
	s.omu.Lock()
	defer s.omu.Unlock()

	if jobID != "" {
		d := Dispatch{JobID: jobID, Item: item}
		_, ok := s.outstanding[d]
		return d, ok
	}
	var (
		found Dispatch
		n     int
	)
	for d := range s.outstanding {
		if d.Item == item {
			found = d
			n++
		}
	}
	return found, n == 1
}

// Outstanding returns a copy of the unanswered dispatches.
func (s *Session) Outstanding() []Dispatch {
	s.omu.Lock()
	defer s.omu.Unlock()
	out := make([]Dispatch, 0, len(s.outstanding))
	for d := range s.outstanding {
		out = append(out, d)
	}
	return out
}

func (s *Session) OutstandingCount() int {
	s.omu.Lock()
	defer s.omu.Unlock()
	return len(s.outstanding)
}

// Close closes the connection once; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Session) Closed() bool { return s.closed.Load() }

// Run reads frames until the connection fails or the worker sends a frame
// it is not allowed to send. Heartbeats are handled inline; results and
// failures go to h. Run returns nil when the session was closed locally.
func (s *Session) Run(h Handler) error {
	for {
		m, err := s.dec.Decode()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return err
		}
		switch m.Tag {
		case protocol.TagHeartbeat:
			s.Touch(s.now())
		case protocol.TagResult:
			h.OnResult(s, m.Packet)
		case protocol.TagError:
			h.OnError(s, m.Failure)
		default:
			return fmt.Errorf("%w: %s from %s", ErrUnexpectedTag, m.Tag, s.id)
		}
	}
}

// Info returns the reporting view of the session.
func (s *Session) Info() domain.WorkerInfo {
	return domain.WorkerInfo{
		ID:            s.id,
		RemoteAddr:    s.remote,
		ConnectedAt:   s.connectedAt,
		LastHeartbeat: s.LastHeartbeat(),
		Outstanding:   s.OutstandingCount(),
	}
}
