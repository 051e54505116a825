package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/sketchdojo-rt/internal/bus"
	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/basket/sketchdojo-rt/internal/session"
)

type fakeConn struct {
	mu       sync.Mutex
	sent     []protocol.Envelope
	attempts int
	fail     bool
	block    bool
	closed   string
}

func (f *fakeConn) Write(ctx context.Context, env protocol.Envelope) error {
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = reason
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeConn) tries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeConn) closeReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// waitFor polls cond until it holds or within elapses.
func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", within)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fixedStats struct{ jobs, total int }

func (s fixedStats) Counts() (int, int) { return s.jobs, s.total }

func TestSend_UnknownClientReturnsFalse(t *testing.T) {
	r := session.NewRegistry(session.Options{})
	if r.Send(context.Background(), "ghost", protocol.Pong()) {
		t.Fatal("send to unknown client should report false")
	}
}

func TestSend_FailureIsolated(t *testing.T) {
	r := session.NewRegistry(session.Options{})
	good := &fakeConn{}
	bad := &fakeConn{fail: true}
	r.Connect("good", good)
	r.Connect("bad", bad)

	ctx := context.Background()
	r.Send(ctx, "bad", protocol.Pong())
	if !r.Send(ctx, "good", protocol.Pong()) {
		t.Fatal("healthy send should be queued")
	}
	waitFor(t, time.Second, func() bool { return good.count() == 1 && bad.tries() == 1 })
	if !r.IsConnected("bad") {
		t.Fatal("a failed write must not disconnect the client")
	}
}

func TestSend_BlockedRecipientDoesNotDelayOthers(t *testing.T) {
	r := session.NewRegistry(session.Options{WriteTimeout: 2 * time.Second})
	slow := &fakeConn{block: true}
	fast := &fakeConn{}
	r.Connect("a-slow", slow)
	r.Connect("b-fast", fast)

	ctx := context.Background()
	start := time.Now()
	for _, id := range []string{"a-slow", "b-fast", "a-slow", "b-fast"} {
		if !r.Send(ctx, id, protocol.Pong()) {
			t.Fatalf("send to %s should be queued", id)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("sends blocked for %v behind a slow peer", elapsed)
	}
	waitFor(t, 500*time.Millisecond, func() bool { return fast.count() == 2 })
}

func TestSend_WriteTimeoutFreesWriter(t *testing.T) {
	r := session.NewRegistry(session.Options{WriteTimeout: 20 * time.Millisecond})
	slow := &fakeConn{block: true}
	r.Connect("slow", slow)

	ctx := context.Background()
	r.Send(ctx, "slow", protocol.Pong())
	r.Send(ctx, "slow", protocol.Pong())
	waitFor(t, time.Second, func() bool { return slow.tries() == 2 })
}

func TestSend_QueueFullReportsFalse(t *testing.T) {
	r := session.NewRegistry(session.Options{WriteTimeout: 500 * time.Millisecond, QueueSize: 1})
	r.Connect("slow", &fakeConn{block: true})
	defer r.DisconnectAll(context.Background())

	// One frame can sit in the writer and one in the queue.
	rejected := 0
	for i := 0; i < 3; i++ {
		if !r.Send(context.Background(), "slow", protocol.Pong()) {
			rejected++
		}
	}
	if rejected == 0 {
		t.Fatal("a full queue should reject frames")
	}
	if !r.IsConnected("slow") {
		t.Fatal("a full queue must not disconnect the client")
	}
}

func TestSend_AfterDisconnectReturnsFalse(t *testing.T) {
	r := session.NewRegistry(session.Options{})
	r.Connect("c1", &fakeConn{})
	r.Disconnect(context.Background(), "c1")
	if r.Send(context.Background(), "c1", protocol.Pong()) {
		t.Fatal("send after disconnect should report false")
	}
}

func TestDisconnect_RunsHooksInOrderOnce(t *testing.T) {
	r := session.NewRegistry(session.Options{})
	var order []string
	r.OnDisconnect("rooms", func(_ context.Context, id string) { order = append(order, "rooms:"+id) })
	r.OnDisconnect("panics", func(context.Context, string) { panic("boom") })
	r.OnDisconnect("permissions", func(_ context.Context, id string) { order = append(order, "permissions:"+id) })

	conn := &fakeConn{}
	r.Connect("c1", conn)
	if !r.Disconnect(context.Background(), "c1") {
		t.Fatal("first disconnect should report true")
	}
	if r.Disconnect(context.Background(), "c1") {
		t.Fatal("second disconnect should be a no-op")
	}
	if len(order) != 2 || order[0] != "rooms:c1" || order[1] != "permissions:c1" {
		t.Fatalf("unexpected hook order %v", order)
	}
	if conn.closeReason() == "" {
		t.Fatal("disconnect should close the handle")
	}
	if r.IsConnected("c1") {
		t.Fatal("client still registered")
	}
}

func TestConnect_DuplicateReplacesAndStaleDisconnectIgnored(t *testing.T) {
	r := session.NewRegistry(session.Options{})
	cleanups := 0
	r.OnDisconnect("count", func(context.Context, string) { cleanups++ })

	first := &fakeConn{}
	second := &fakeConn{}
	r.Connect("dup", first)
	r.Connect("dup", second)

	if first.closeReason() == "" {
		t.Fatal("replaced handle should be closed")
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
	if r.DisconnectConn(context.Background(), "dup", first) {
		t.Fatal("stale handle must not remove the newer connection")
	}
	if cleanups != 0 {
		t.Fatal("stale disconnect must not run cleanup")
	}
	r.Send(context.Background(), "dup", protocol.Pong())
	waitFor(t, time.Second, func() bool { return second.count() == 1 })
	if first.count() != 0 {
		t.Fatalf("frames routed to wrong handle: first=%d second=%d", first.count(), second.count())
	}
	if !r.DisconnectConn(context.Background(), "dup", second) || cleanups != 1 {
		t.Fatal("current handle disconnect should clean up once")
	}
}

func TestStats_UsesSource(t *testing.T) {
	r := session.NewRegistry(session.Options{})
	r.Connect("a", &fakeConn{})
	r.Connect("b", &fakeConn{})
	r.SetStatsSource(fixedStats{jobs: 3, total: 5})

	s := r.Stats()
	if s.ActiveConnections != 2 || s.TaskSubscriptions != 3 || s.TotalSubscriptions != 5 {
		t.Fatalf("unexpected stats %+v", s)
	}
	ids := r.ClientIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestLifecycleEventsOnBus(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("session.")
	defer b.Unsubscribe(sub)

	r := session.NewRegistry(session.Options{Bus: b})
	r.Connect("c1", &fakeConn{})
	r.DisconnectAll(context.Background())

	for _, want := range []string{bus.TopicSessionConnected, bus.TopicSessionDisconnected} {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != want {
				t.Fatalf("topic = %q, want %q", ev.Topic, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}
