package wabridge

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/blackstories-bot/internal/obslog"
)

const (
	dialTimeout  = 10 * time.Second
	pingInterval = 30 * time.Second
	pingTimeout  = 3 * time.Second
)

// EventStream reads bridge frames from the /events socket. A dropped socket
// is reported once as a "disconnected" frame; reconnecting is up to the
// caller.
type EventStream struct {
	wsURL   string
	headers HeaderProvider

	mu      sync.Mutex
	conn    *websocket.Conn
	state   StreamState
	cancel  context.CancelFunc
	session uint64

	cbM      sync.RWMutex
	frameCb  FrameCallback
	stateCbs []StateCallback

	wg sync.WaitGroup
}

func NewEventStream(wsURL string, headers HeaderProvider) *EventStream {
	return &EventStream{wsURL: wsURL, headers: headers, state: StreamDisconnected}
}

func (s *EventStream) OnFrame(cb FrameCallback) {
	s.cbM.Lock()
	s.frameCb = cb
	s.cbM.Unlock()
}

func (s *EventStream) OnStateChange(cb StateCallback) {
	s.cbM.Lock()
	s.stateCbs = append(s.stateCbs, cb)
	s.cbM.Unlock()
}

func (s *EventStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the socket. It is a no-op while connected.
func (s *EventStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StreamDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamConnecting
	s.mu.Unlock()
	s.notifyState(StreamConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      s.buildHeaders(),
	})
	if err != nil {
		s.setState(StreamDisconnected)
		return err
	}
	conn.SetReadLimit(32 << 20)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.cancel = rootCancel
	s.session++
	session := s.session
	s.state = StreamConnected
	s.mu.Unlock()
	s.notifyState(StreamConnected)

	s.wg.Add(2)
	go s.listen(rootCtx, conn, session)
	go s.pingLoop(rootCtx, conn, session)
	return nil
}

func (s *EventStream) listen(ctx context.Context, conn *websocket.Conn, session uint64) {
	defer s.wg.Done()
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if ctx.Err() != nil {
				return
			}
			obslog.L().Warn("bridge_events_read_failed", zap.Error(err))
			s.drop(session, "socket closed")
			return
		}
		s.cbM.RLock()
		cb := s.frameCb
		s.cbM.RUnlock()
		if cb != nil {
			cb(f)
		}
	}
}

func (s *EventStream) pingLoop(ctx context.Context, conn *websocket.Conn, session uint64) {
	defer s.wg.Done()
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				if ctx.Err() != nil {
					return
				}
				s.drop(session, "ping failure")
				return
			}
		}
	}
}

// drop tears down the given session and reports it once.
func (s *EventStream) drop(session uint64, reason string) {
	s.mu.Lock()
	if s.session != session || s.state != StreamConnected {
		s.mu.Unlock()
		return
	}
	conn, cancel := s.conn, s.cancel
	s.conn, s.cancel = nil, nil
	s.state = StreamDisconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, reason)
	}
	s.notifyState(StreamDisconnected)

	s.cbM.RLock()
	cb := s.frameCb
	s.cbM.RUnlock()
	if cb != nil {
		cb(Frame{Type: "disconnected", Reason: reason})
	}
}

// Close shuts the socket without emitting a disconnected frame.
func (s *EventStream) Close(ctx context.Context) error {
	s.mu.Lock()
	conn, cancel := s.conn, s.cancel
	s.conn, s.cancel = nil, nil
	s.session++
	wasUp := s.state != StreamDisconnected
	s.state = StreamDisconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	if wasUp {
		s.notifyState(StreamDisconnected)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *EventStream) setState(st StreamState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notifyState(st)
}

func (s *EventStream) notifyState(st StreamState) {
	s.cbM.RLock()
	cbs := make([]StateCallback, len(s.stateCbs))
	copy(cbs, s.stateCbs)
	s.cbM.RUnlock()
	for _, cb := range cbs {
		if cb != nil {
			cb(st)
		}
	}
}

func (s *EventStream) buildHeaders() http.Header {
	hdr := http.Header{}
	if s.headers == nil {
		return hdr
	}
	for k, v := range s.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
