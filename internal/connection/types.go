package connection

import "context"

// Status is the lifecycle state of the messaging session.
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusFailed       Status = "FAILED"
)

// Snapshot is the externally visible session state. At most one of QR and
// PairingCode is set.
type Snapshot struct {
	Status      Status `json:"status"`
	QR          string `json:"qr,omitempty"`
	PairingCode string `json:"pairingCode,omitempty"`
	RetryCount  int    `json:"retryCount"`
}

type EventType string

const (
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventDisconnected  EventType = "disconnected"
	EventAuthFailure   EventType = "auth_failure"
	EventMessage       EventType = "message"
	EventGroupJoin     EventType = "group_join"
)

// Message is an inbound chat message. Author is the sender's private chat id
// when From is a group.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
	FromMe    bool   `json:"fromMe,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// GroupJoin reports participants added to a group chat.
type GroupJoin struct {
	ChatID       string   `json:"chatId"`
	Participants []string `json:"participants"`
}

type Event struct {
	Type    EventType
	QR      string
	Reason  string
	Message *Message
	Join    *GroupJoin
}

type Media struct {
	MimeType string `json:"mimetype,omitempty"`
	Data     string `json:"data,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

type SendOptions struct {
	QuotedID string
	Media    *Media
}

type Contact struct {
	ID       string `json:"id"`
	PushName string `json:"pushname"`
	Name     string `json:"name"`
}

// Client is the external messaging transport. OnEvent must be set before
// Connect; the callback may run on any goroutine.
type Client interface {
	Connect(ctx context.Context) error
	OnEvent(fn func(Event))
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	SendMessage(ctx context.Context, chatID, text string, opts SendOptions) error
	Contact(ctx context.Context, id string) (Contact, error)
	Close(ctx context.Context) error
}

// Sink mirrors snapshots somewhere outside the process.
type Sink interface {
	Persist(ctx context.Context, s Snapshot) error
}

// Handler receives message and group_join events. Events of one chat are
// delivered one at a time in arrival order.
type Handler func(ctx context.Context, ev Event)
