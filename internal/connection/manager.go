// Package connection owns the messaging session lifecycle: connect, retry,
// pairing and event fan-out.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/blackstories-bot/internal/obslog"
)

var (
	ErrConnectionFailure = errors.New("connection failure")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNoPairingCode     = errors.New("no pairing code returned")
	ErrPairingFailed     = errors.New("pairing code request failed")
	ErrClosed            = errors.New("connection manager closed")
)

const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 10 * time.Second
)

type Manager struct {
	client Client
	clock  Clock
	sink   *sinkWriter

	maxRetries int
	retryDelay time.Duration

	mu         sync.Mutex
	snap       Snapshot
	connecting bool
	timer      Timer
	retryGen   uint64
	closed     bool
	handler    Handler
	mailboxes  map[string]*mailbox

	baseCtx    context.Context
	baseCancel context.CancelFunc
	inflight   sync.WaitGroup
}

type Option func(*Manager)

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRetry sets how many automatic reconnects follow a failed connect and
// the delay before each.
func WithRetry(max int, delay time.Duration) Option {
	return func(m *Manager) {
		if max >= 0 {
			m.maxRetries = max
		}
		if delay > 0 {
			m.retryDelay = delay
		}
	}
}

type nopSink struct{}

func (nopSink) Persist(context.Context, Snapshot) error { return nil }

// NewManager registers itself as client's event callback. A nil sink
// discards snapshots.
func NewManager(client Client, sink Sink, opts ...Option) *Manager {
	if sink == nil {
		sink = nopSink{}
	}
	m := &Manager{
		client:     client,
		clock:      realClock{},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		snap:       Snapshot{Status: StatusDisconnected},
		mailboxes:  make(map[string]*mailbox),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.baseCtx, m.baseCancel = context.WithCancel(context.Background())
	m.sink = newSinkWriter(sink)
	client.OnEvent(m.onEvent)
	return m
}

// HandleFunc sets the receiver for message and group_join events.
func (m *Manager) HandleFunc(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Start connects unless a connect is already in flight or the session is
// up. It cancels a pending retry and resets the retry counter.
func (m *Manager) Start(ctx context.Context) error {
	return m.start(ctx, true)
}

func (m *Manager) start(ctx context.Context, external bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.connecting || m.snap.Status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if external {
		m.cancelRetryLocked()
		m.snap.RetryCount = 0
	}
	m.connecting = true
	m.snap.Status = StatusConnecting
	m.publishLocked()
	m.mu.Unlock()

	err := m.client.Connect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connecting = false
	if err == nil {
		return nil
	}
	m.snap.Status = StatusFailed
	m.publishLocked()
	obslog.L().Error("conn_connect_failed",
		zap.Int("retry_count", m.snap.RetryCount),
		zap.Error(err),
	)
	m.scheduleRetryLocked()
	return fmt.Errorf("%w: %w", ErrConnectionFailure, err)
}

func (m *Manager) scheduleRetryLocked() {
	if m.closed {
		return
	}
	if m.snap.RetryCount >= m.maxRetries {
		obslog.L().Warn("conn_retry_exhausted", zap.Int("max_retries", m.maxRetries))
		return
	}
	m.snap.RetryCount++
	m.publishLocked()
	m.retryGen++
	gen := m.retryGen
	obslog.L().Info("conn_retry_scheduled",
		zap.Int("attempt", m.snap.RetryCount),
		zap.Duration("delay", m.retryDelay),
	)
	m.timer = m.clock.AfterFunc(m.retryDelay, func() { m.retry(gen) })
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.retryGen || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()
	_ = m.start(m.baseCtx, false)
}

func (m *Manager) cancelRetryLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.retryGen++
}

// RequestPairingCode asks for a phone-number pairing code, starting the
// session first when it is down.
func (m *Manager) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	m.mu.Lock()
	st := m.snap.Status
	m.mu.Unlock()

	if st == StatusConnected {
		return "", ErrAlreadyConnected
	}
	if st == StatusDisconnected || st == StatusFailed {
		if err := m.Start(ctx); err != nil {
			return "", fmt.Errorf("%w: %w", ErrPairingFailed, err)
		}
	}

	code, err := m.client.RequestPairingCode(ctx, phone)
	if err != nil {
		obslog.L().Warn("conn_pairing_failed", zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrPairingFailed, err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrNoPairingCode
	}

	m.mu.Lock()
	m.snap.PairingCode = code
	m.snap.QR = ""
	m.publishLocked()
	m.mu.Unlock()
	return code, nil
}

func (m *Manager) SendMessage(ctx context.Context, chatID, text string, opts SendOptions) error {
	return m.client.SendMessage(ctx, chatID, text, opts)
}

func (m *Manager) Contact(ctx context.Context, id string) (Contact, error) {
	return m.client.Contact(ctx, id)
}

func (m *Manager) onEvent(ev Event) {
	switch ev.Type {
	case EventMessage, EventGroupJoin:
		m.dispatch(ev)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Type {
	case EventQR:
		m.snap.QR = ev.QR
		m.snap.PairingCode = ""
		m.snap.Status = StatusConnecting
	case EventAuthenticated:
		m.snap.QR, m.snap.PairingCode = "", ""
		m.snap.Status = StatusConnecting
	case EventReady:
		m.snap.QR, m.snap.PairingCode = "", ""
		m.snap.Status = StatusConnected
		m.snap.RetryCount = 0
		m.cancelRetryLocked()
	case EventDisconnected:
		m.snap.QR, m.snap.PairingCode = "", ""
		m.snap.Status = StatusDisconnected
	case EventAuthFailure:
		m.snap.QR, m.snap.PairingCode = "", ""
		m.snap.Status = StatusFailed
	default:
		obslog.L().Debug("conn_event_ignored", zap.String("type", string(ev.Type)))
		return
	}
	obslog.L().Info("conn_state",
		zap.String("event", string(ev.Type)),
		zap.String("status", string(m.snap.Status)),
		zap.String("reason", ev.Reason),
	)
	m.publishLocked()
}

// mailbox holds the events of one chat that arrived while an earlier one
// was still being handled.
type mailbox struct {
	queue []Event
}

func eventChat(ev Event) string {
	switch {
	case ev.Message != nil:
		return ev.Message.From
	case ev.Join != nil:
		return ev.Join.ChatID
	default:
		return ""
	}
}

// dispatch queues ev behind earlier events of the same chat. Each chat with
// pending events has one draining goroutine, so a chat sees its events in
// arrival order while different chats run in parallel.
func (m *Manager) dispatch(ev Event) {
	key := eventChat(ev)

	m.mu.Lock()
	h := m.handler
	if m.closed || h == nil {
		m.mu.Unlock()
		return
	}
	if mb, ok := m.mailboxes[key]; ok {
		mb.queue = append(mb.queue, ev)
		m.mu.Unlock()
		return
	}
	mb := &mailbox{queue: []Event{ev}}
	m.mailboxes[key] = mb
	m.inflight.Add(1)
	m.mu.Unlock()

	go m.drain(key, mb, h)
}

func (m *Manager) drain(key string, mb *mailbox, h Handler) {
	defer m.inflight.Done()
	for {
		m.mu.Lock()
		if len(mb.queue) == 0 {
			delete(m.mailboxes, key)
			m.mu.Unlock()
			return
		}
		ev := mb.queue[0]
		mb.queue = mb.queue[1:]
		m.mu.Unlock()

		m.handle(h, ev)
	}
}

func (m *Manager) handle(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			obslog.L().Error("conn_handler_panic", zap.Any("panic", r), zap.String("type", string(ev.Type)))
		}
	}()
	h(m.baseCtx, ev)
}

func (m *Manager) publishLocked() {
	m.sink.enqueue(m.snap)
}

// Close stops retries, closes the client and waits for in-flight handlers
// and the last snapshot write.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancelRetryLocked()
	m.mu.Unlock()

	var errs []error
	if err := m.client.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	m.baseCancel()

	if err := m.sink.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sink writer: %w", err))
	}
	return errors.Join(errs...)
}
