// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package tracker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/waypost-io/waypost/internal/logging"
	"github.com/waypost-io/waypost/internal/pipeline"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func TestBackoffDelaySequence(t *testing.T) {
	base := time.Second
	cap := 30 * time.Second

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		attempt := i + 1
		if got := backoffDelay(attempt, base, cap); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", attempt, expected, got)
		}
	}
}

func TestOfflineQueueDropsOldest(t *testing.T) {
	q := newOfflineQueue(3)
	for i := 0; i < 5; i++ {
		q.Push(pipeline.Update{Latitude: float64(i)})
	}

	if q.Len() != 3 {
		t.Fatalf("expected 3 queued, got %d", q.Len())
	}
	if q.Dropped() != 2 {
		t.Errorf("expected 2 dropped, got %d", q.Dropped())
	}

	// The three newest survive, oldest first.
	for _, want := range []float64{2, 3, 4} {
		update, ok := q.Pop()
		if !ok || update.Latitude != want {
			t.Errorf("expected latitude %v, got %+v %v", want, update, ok)
		}
	}
}

func TestOfflineQueueZeroCapacityDoesNotPanic(t *testing.T) {
	q := newOfflineQueue(0)
	q.Push(pipeline.Update{Latitude: 1})
	q.Push(pipeline.Update{Latitude: 2})

	if q.Len() != 1 {
		t.Fatalf("expected 1 queued, got %d", q.Len())
	}
	update, ok := q.Pop()
	if !ok || update.Latitude != 2 {
		t.Errorf("expected the newest item to survive, got %+v %v", update, ok)
	}
}

func TestOfflineQueuePushFront(t *testing.T) {
	q := newOfflineQueue(3)
	q.Push(pipeline.Update{Latitude: 1})
	q.Push(pipeline.Update{Latitude: 2})

	failed, _ := q.Pop()
	q.PushFront(failed)

	update, _ := q.Pop()
	if update.Latitude != 1 {
		t.Errorf("expected re-queued item first, got %v", update.Latitude)
	}
}

// fakeConn is a scriptable connection. failAfter > 0 makes writes fail
// once that many have succeeded.
type fakeConn struct {
	mu         sync.Mutex
	writes     []pipeline.Update
	failWrites bool
	failAfter  int
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

var errConnClosed = errors.New("conn closed")

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("write failed")
	}
	if c.failAfter > 0 && len(c.writes) >= c.failAfter {
		return errors.New("write failed")
	}
	update, ok := v.(pipeline.Update)
	if !ok {
		return errors.New("unexpected payload type")
	}
	c.writes = append(c.writes, update)
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errConnClosed
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) latitudes() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	lats := make([]float64, len(c.writes))
	for i, w := range c.writes {
		lats[i] = w.Latitude
	}
	return lats
}

// scriptedDialer fails a set number of dials, then hands out conns.
type scriptedDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (d *scriptedDialer) dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *scriptedDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// sequenceProvider walks north one step per sample.
type sequenceProvider struct {
	mu      sync.Mutex
	lat     float64
	err     error
	permErr error
}

func (p *sequenceProvider) Permission() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permErr
}

func (p *sequenceProvider) Position() (Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return Position{}, p.err
	}
	p.lat++
	return Position{Latitude: p.lat, Longitude: 0}, nil
}

func fastConfig() Config {
	return Config{
		ServerURL:            "ws://127.0.0.1:1/ws",
		Token:                "t",
		UpdateInterval:       5 * time.Millisecond,
		ConnectTimeout:       50 * time.Millisecond,
		MaxReconnectAttempts: 5,
		QueueCapacity:        50,
		BackoffBase:          time.Millisecond,
		BackoffCap:           4 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTrackerStreamsWhileConnected(t *testing.T) {
	dialer := &scriptedDialer{}
	tr := New(fastConfig(), &sequenceProvider{}, dialer.dial)

	go func() { _ = tr.Run(context.Background()) }()

	waitFor(t, "connected", func() bool { return tr.State() == StateConnected })
	waitFor(t, "samples sent", func() bool {
		c := dialer.conn(0)
		return c != nil && c.writeCount() >= 3
	})

	tr.Stop()
	if tr.State() != StateStopped {
		t.Errorf("expected stopped, got %v", tr.State())
	}
	if tr.QueueLen() != 0 {
		t.Errorf("stop must clear the queue, got %d", tr.QueueLen())
	}
}

func TestTrackerQueuesOfflineAndFlushesInOrder(t *testing.T) {
	cfg := fastConfig()
	cfg.BackoffBase = 20 * time.Millisecond
	cfg.BackoffCap = 30 * time.Millisecond

	dialer := &scriptedDialer{failures: 1}
	tr := New(cfg, &sequenceProvider{}, dialer.dial)

	go func() { _ = tr.Run(context.Background()) }()

	// First dial fails; samples accumulate while reconnecting.
	waitFor(t, "queued samples", func() bool { return tr.QueueLen() >= 2 })

	// Second dial succeeds and the queue flushes.
	waitFor(t, "connected", func() bool { return tr.State() == StateConnected })
	waitFor(t, "flush", func() bool { return tr.QueueLen() == 0 })

	conn := dialer.conn(0)
	waitFor(t, "writes", func() bool { return conn.writeCount() >= 3 })
	tr.Stop()

	lats := conn.latitudes()
	for i := 1; i < len(lats); i++ {
		if lats[i] <= lats[i-1] {
			t.Fatalf("expected strictly increasing order (queue flushed FIFO), got %v", lats)
		}
	}
}

func TestTrackerStopsAtReconnectCeiling(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxReconnectAttempts = 3

	dialer := &scriptedDialer{failures: 1000}
	tr := New(cfg, &sequenceProvider{}, dialer.dial)

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected terminal error after exhausting attempts")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not stop at ceiling")
	}

	if tr.State() != StateStopped {
		t.Errorf("expected stopped, got %v", tr.State())
	}
	// Initial connect plus the bounded retries.
	if got := dialer.dialCount(); got != 4 {
		t.Errorf("expected 4 dials (1 initial + 3 retries), got %d", got)
	}
	if tr.QueueLen() != 0 {
		t.Errorf("ceiling stop must clear the queue, got %d", tr.QueueLen())
	}
}

func TestTrackerFailsStartWithoutPermission(t *testing.T) {
	dialer := &scriptedDialer{}
	provider := &sequenceProvider{permErr: ErrPermissionDenied}
	tr := New(fastConfig(), provider, dialer.dial)

	err := tr.Run(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if tr.State() != StatePermissionDenied {
		t.Errorf("expected permission_denied, got %v", tr.State())
	}
	if got := dialer.dialCount(); got != 0 {
		t.Errorf("expected no connection attempt without permission, got %d dials", got)
	}
}

func TestFlushStopsAtFirstFailureAndRequeues(t *testing.T) {
	tr := New(fastConfig(), &sequenceProvider{}, (&scriptedDialer{}).dial)
	for i := 1; i <= 3; i++ {
		tr.pushQueue(pipeline.Update{Latitude: float64(i)})
	}

	conn := newFakeConn()
	conn.failAfter = 1

	if err := tr.flush(conn); err == nil {
		t.Fatal("expected flush to report the failed send")
	}

	// The first item was delivered; the failed one is back at the front
	// with everything unsent behind it.
	if lats := conn.latitudes(); len(lats) != 1 || lats[0] != 1 {
		t.Fatalf("expected exactly the first item delivered, got %v", lats)
	}
	if tr.QueueLen() != 2 {
		t.Fatalf("expected 2 re-queued, got %d", tr.QueueLen())
	}
	for _, want := range []float64{2, 3} {
		update, ok := tr.queue.Pop()
		if !ok || update.Latitude != want {
			t.Errorf("expected latitude %v next, got %+v %v", want, update, ok)
		}
	}
}

func TestStopBeforeRunDoesNotBlock(t *testing.T) {
	tr := New(fastConfig(), &sequenceProvider{}, (&scriptedDialer{}).dial)

	stopped := make(chan struct{})
	go func() {
		tr.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running tracker")
	}
}

func TestTrackerPermissionDeniedIsTerminal(t *testing.T) {
	dialer := &scriptedDialer{}
	provider := &sequenceProvider{}
	tr := New(fastConfig(), provider, dialer.dial)

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(context.Background()) }()
	waitFor(t, "connected", func() bool { return tr.State() == StateConnected })

	provider.mu.Lock()
	provider.err = ErrPermissionDenied
	provider.mu.Unlock()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("expected ErrPermissionDenied, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not terminate")
	}
	if tr.State() != StatePermissionDenied {
		t.Errorf("expected permission_denied, got %v", tr.State())
	}
}

func TestTrackerReconnectsAfterConnectionLoss(t *testing.T) {
	cfg := fastConfig()
	cfg.BackoffBase = 5 * time.Millisecond

	dialer := &scriptedDialer{}
	tr := New(cfg, &sequenceProvider{}, dialer.dial)

	go func() { _ = tr.Run(context.Background()) }()
	waitFor(t, "first connection", func() bool { return dialer.conn(0) != nil })

	// Server drops the connection; the read pump reports it.
	_ = dialer.conn(0).Close()

	waitFor(t, "second connection", func() bool { return dialer.conn(1) != nil })
	waitFor(t, "reconnected", func() bool { return tr.State() == StateConnected })
	tr.Stop()
}
