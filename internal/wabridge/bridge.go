package wabridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/blackstories-bot/internal/connection"
	"github.com/park285/blackstories-bot/internal/obslog"
)

type Config struct {
	BaseURL string
	WSURL   string
	Token   string
}

// Bridge is a connection.Client backed by the bridge process.
type Bridge struct {
	http   *Client
	events *EventStream

	mu      sync.RWMutex
	onEvent func(connection.Event)
}

var _ connection.Client = (*Bridge)(nil)

func New(cfg Config, opts ...Option) *Bridge {
	var headers HeaderProvider
	if cfg.Token != "" {
		headers = tokenHeaders(cfg.Token)
		opts = append([]Option{WithHeaderProvider(headers)}, opts...)
	}
	b := &Bridge{
		http:   NewClient(cfg.BaseURL, opts...),
		events: NewEventStream(cfg.WSURL, headers),
	}
	b.events.OnFrame(b.handleFrame)
	return b
}

// OnStreamState reports event socket transitions, for diagnostics.
func (b *Bridge) OnStreamState(cb StateCallback) {
	b.events.OnStateChange(cb)
}

func (b *Bridge) OnEvent(fn func(connection.Event)) {
	b.mu.Lock()
	b.onEvent = fn
	b.mu.Unlock()
}

// Connect opens the event socket before asking the bridge to start, so the
// first qr or ready frame is not missed.
func (b *Bridge) Connect(ctx context.Context) error {
	if err := b.events.Connect(ctx); err != nil {
		return fmt.Errorf("dial events: %w", err)
	}
	if err := b.http.Connect(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

func (b *Bridge) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	return b.http.RequestPairingCode(ctx, phone)
}

func (b *Bridge) SendMessage(ctx context.Context, chatID, text string, opts connection.SendOptions) error {
	return b.http.Send(ctx, SendRequest{
		ChatID:   chatID,
		Text:     text,
		QuotedID: opts.QuotedID,
		Media:    opts.Media,
	})
}

func (b *Bridge) Contact(ctx context.Context, id string) (connection.Contact, error) {
	return b.http.Contact(ctx, id)
}

func (b *Bridge) Close(ctx context.Context) error {
	return b.events.Close(ctx)
}

func (b *Bridge) handleFrame(f Frame) {
	ev, err := toEvent(f)
	if err != nil {
		obslog.L().Warn("bridge_frame_invalid", zap.String("type", f.Type), zap.Error(err))
		return
	}
	b.mu.RLock()
	fn := b.onEvent
	b.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

var errMissingPayload = errors.New("frame payload missing")

func toEvent(f Frame) (connection.Event, error) {
	t := connection.EventType(f.Type)
	ev := connection.Event{Type: t, QR: f.QR, Reason: f.Reason}
	switch t {
	case connection.EventQR:
		if f.QR == "" {
			return ev, errMissingPayload
		}
	case connection.EventAuthenticated, connection.EventReady,
		connection.EventDisconnected, connection.EventAuthFailure:
	case connection.EventMessage:
		if f.Message == nil {
			return ev, errMissingPayload
		}
		ev.Message = f.Message
	case connection.EventGroupJoin:
		if f.Join == nil {
			return ev, errMissingPayload
		}
		ev.Join = f.Join
	default:
		return ev, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return ev, nil
}
