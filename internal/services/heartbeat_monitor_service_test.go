package services

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/osvaldoandrade/pixelq/internal/session"
)

func registerPipe(t *testing.T, r *session.Registry, id string, now func() time.Time) (*session.Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	s := session.New(server, session.WithID(id), session.WithClock(now))
	if err := r.Add(s); err != nil {
		t.Fatalf("Add(%s) error = %v", id, err)
	}
	return s, client
}

func TestSweepEvictsStaleSessions(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return base }
	r := session.NewRegistry()

	stale, _ := registerPipe(t, r, "stale", clock)
	fresh, _ := registerPipe(t, r, "fresh", clock)
	fresh.Touch(base.Add(25 * time.Second))

	m := NewHeartbeatMonitor(r, 30*time.Second, 10*time.Second, clock, nil)
	evicted := m.Sweep(base.Add(31 * time.Second))

	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("evicted = %v, want [stale]", evicted)
	}
	if _, ok := r.Get("stale"); ok {
		t.Error("stale session still registered")
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh session was evicted")
	}
	if !stale.Closed() {
		t.Error("evicted session was not closed")
	}
	if fresh.Closed() {
		t.Error("fresh session was closed")
	}

	if again := m.Sweep(base.Add(31 * time.Second)); len(again) != 0 {
		t.Errorf("second sweep evicted %v, want none", again)
	}
}

func TestSweepThresholdIsStrict(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := session.NewRegistry()
	registerPipe(t, r, "edge", func() time.Time { return base })

	m := NewHeartbeatMonitor(r, 30*time.Second, time.Second, nil, nil)
	if got := m.Sweep(base.Add(30 * time.Second)); len(got) != 0 {
		t.Errorf("session evicted at exactly the timeout: %v", got)
	}
	if got := m.Sweep(base.Add(30*time.Second + time.Millisecond)); len(got) != 1 {
		t.Errorf("session not evicted past the timeout: %v", got)
	}
}

func TestSweepSkipsSessionsRemovedConcurrently(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := session.NewRegistry()
	s, _ := registerPipe(t, r, "gone", func() time.Time { return base })
	r.Remove("gone")

	m := NewHeartbeatMonitor(r, time.Second, time.Second, nil, nil)
	if got := m.Sweep(base.Add(time.Hour)); len(got) != 0 {
		t.Errorf("evicted = %v, want none", got)
	}
	if s.Closed() {
		t.Error("monitor closed a session it did not remove")
	}
}

func TestMonitorStartSweepsOnTick(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	r := session.NewRegistry()
	s, _ := registerPipe(t, r, "old", func() time.Time { return base })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	NewHeartbeatMonitor(r, time.Second, 10*time.Millisecond, time.Now, nil).Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Len() != 0 {
		t.Fatal("monitor did not evict the stale session")
	}
	if !s.Closed() {
		t.Error("evicted session not closed")
	}
}
