// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

// Package tracker is the client side: it samples positions, streams them
// over a socket, and rides out outages with bounded backoff and a bounded
// offline queue.
package tracker

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waypost-io/waypost/internal/logging"
	"github.com/waypost-io/waypost/internal/pipeline"
)

// State is the tracker's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
	StatePermissionDenied
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	case StatePermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// Conn is the socket surface the tracker uses. *websocket.Conn satisfies
// it; tests substitute fakes.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (int, []byte, error)
	Close() error
}

// DialFunc opens a connection to the server.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Config holds tracker settings.
type Config struct {
	// ServerURL is the socket endpoint, e.g. ws://host:port/ws.
	ServerURL string

	// Token authenticates the handshake.
	Token string

	// UpdateInterval is the sampling period.
	UpdateInterval time.Duration

	// ConnectTimeout bounds one dial attempt.
	ConnectTimeout time.Duration

	// MaxReconnectAttempts is the ceiling; reaching it stops the tracker.
	MaxReconnectAttempts int

	// QueueCapacity bounds the offline queue.
	QueueCapacity int

	// BackoffBase and BackoffCap shape the reconnect delay:
	// min(base * 2^attempt, cap).
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultConfig returns the stock tracker settings.
func DefaultConfig() Config {
	return Config{
		UpdateInterval:       4 * time.Second,
		ConnectTimeout:       5 * time.Second,
		MaxReconnectAttempts: 5,
		QueueCapacity:        50,
		BackoffBase:          time.Second,
		BackoffCap:           30 * time.Second,
	}
}

// backoffDelay computes the wait before reconnect attempt number attempt
// (1-based): the base doubled per attempt, capped.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	return delay
}

// Tracker runs the sampling and reconnect state machine. All state
// transitions happen on the Run goroutine; accessors are safe from any
// goroutine.
type Tracker struct {
	cfg      Config
	provider PositionProvider
	dial     DialFunc

	mu      sync.Mutex
	state   State
	lastErr error

	queue    *offlineQueue
	attempts int

	stopOnce   sync.Once
	stop       chan struct{}
	done       chan struct{}
	runStarted atomic.Bool
}

// New creates a tracker. provider must not be nil; dial defaults to a
// gorilla dialer.
func New(cfg Config, provider PositionProvider, dial DialFunc) *Tracker {
	if dial == nil {
		dial = defaultDial(cfg.ConnectTimeout)
	}
	return &Tracker{
		cfg:      cfg,
		provider: provider,
		dial:     dial,
		state:    StateIdle,
		queue:    newOfflineQueue(cfg.QueueCapacity),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError returns the most recent connection or send error.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// QueueLen returns the number of queued offline updates.
func (t *Tracker) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Len()
}

// Stop ends the tracker: timers die, the queue is discarded, and Run
// returns. Safe to call more than once, and before Run has started.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.runStarted.Load() {
		<-t.done
	}
}

// Run drives the tracker until Stop, the context, or a terminal state
// ends it. It returns nil on Stop and the terminal error otherwise.
// Location permission is checked before anything dials; denial fails the
// start without a connection attempt.
func (t *Tracker) Run(ctx context.Context) error {
	t.runStarted.Store(true)
	defer close(t.done)

	if err := t.provider.Permission(); err != nil {
		t.setError(err)
		t.setState(StatePermissionDenied)
		logging.Error().Err(err).Msg("location permission denied, not starting")
		return err
	}

	select {
	case <-t.stop:
		t.setState(StateStopped)
		return nil
	default:
	}

	sample := time.NewTicker(t.cfg.UpdateInterval)
	defer sample.Stop()

	var conn Conn
	var readErr chan error
	var reconnect <-chan time.Time

	disconnect := func(err error) {
		if conn != nil {
			_ = conn.Close()
			conn = nil
		}
		readErr = nil
		t.setError(err)

		t.mu.Lock()
		if t.attempts >= t.cfg.MaxReconnectAttempts {
			t.state = StateStopped
			t.queue.Clear()
			t.mu.Unlock()
			return
		}
		t.attempts++
		delay := backoffDelay(t.attempts, t.cfg.BackoffBase, t.cfg.BackoffCap)
		t.state = StateReconnecting
		attempt := t.attempts
		t.mu.Unlock()

		logging.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("reconnecting")
		reconnect = time.After(delay)
	}

	connect := func() {
		t.setState(StateConnecting)
		c, err := t.dialOnce(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("connect failed")
			disconnect(err)
			return
		}

		conn = c
		readErr = make(chan error, 1)
		go readPump(c, readErr)

		t.mu.Lock()
		t.state = StateConnected
		t.attempts = 0
		t.mu.Unlock()
		logging.Info().Msg("connected")

		if err := t.flush(conn); err != nil {
			logging.Warn().Err(err).Msg("queue flush failed")
			disconnect(err)
		}
	}

	connect()

	for {
		if s := t.State(); s == StateStopped || s == StatePermissionDenied {
			return t.LastError()
		}

		select {
		case <-ctx.Done():
			t.shutdown(conn)
			return ctx.Err()

		case <-t.stop:
			t.shutdown(conn)
			return nil

		case err := <-readErr:
			logging.Warn().Err(err).Msg("connection lost")
			disconnect(err)

		case <-reconnect:
			reconnect = nil
			connect()

		case <-sample.C:
			if terminal := t.handleSample(&conn, disconnect); terminal {
				return t.LastError()
			}
		}
	}
}

// handleSample takes one position sample and delivers or queues it. The
// return value is true when sampling hit a terminal condition.
func (t *Tracker) handleSample(conn *Conn, disconnect func(error)) bool {
	pos, err := t.provider.Position()
	if errors.Is(err, ErrPermissionDenied) {
		if *conn != nil {
			_ = (*conn).Close()
			*conn = nil
		}
		t.setError(err)
		t.setState(StatePermissionDenied)
		logging.Error().Msg("location permission denied, stopping")
		return true
	}
	if err != nil {
		logging.Warn().Err(err).Msg("position sample failed, skipping")
		return false
	}

	update := pipeline.Update{
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
		Accuracy:  pos.Accuracy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if t.State() != StateConnected || *conn == nil {
		t.pushQueue(update)
		return false
	}

	if err := (*conn).WriteJSON(update); err != nil {
		t.pushQueue(update)
		disconnect(err)
	}
	return false
}

// flush drains the offline queue in FIFO order. The first failed send is
// put back at the front and the failure returned.
func (t *Tracker) flush(conn Conn) error {
	for {
		t.mu.Lock()
		update, ok := t.queue.Pop()
		t.mu.Unlock()
		if !ok {
			return nil
		}

		if err := conn.WriteJSON(update); err != nil {
			t.mu.Lock()
			t.queue.PushFront(update)
			t.mu.Unlock()
			return err
		}
	}
}

func (t *Tracker) shutdown(conn Conn) {
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if wc, ok := conn.(*websocket.Conn); ok {
			_ = wc.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = conn.Close()
	}
	t.mu.Lock()
	t.queue.Clear()
	t.state = StateStopped
	t.mu.Unlock()
}

func (t *Tracker) dialOnce(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	return t.dial(dialCtx, t.endpoint())
}

// endpoint appends the auth token to the server URL.
func (t *Tracker) endpoint() string {
	u, err := url.Parse(t.cfg.ServerURL)
	if err != nil {
		return t.cfg.ServerURL
	}
	q := u.Query()
	q.Set("token", t.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *Tracker) pushQueue(update pipeline.Update) {
	t.mu.Lock()
	t.queue.Push(update)
	t.mu.Unlock()
}

func (t *Tracker) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Tracker) setError(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

// readPump drains inbound frames so control frames are processed; the
// default ping handler answers the server's heartbeat with pongs.
func readPump(conn Conn, errCh chan<- error) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			errCh <- err
			return
		}
	}
}

// defaultDial returns a gorilla-based DialFunc.
func defaultDial(timeout time.Duration) DialFunc {
	return func(ctx context.Context, endpoint string) (Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
