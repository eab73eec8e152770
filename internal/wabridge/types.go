package wabridge

import "github.com/park285/blackstories-bot/internal/connection"

// StreamState is the event socket state.
type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
)

// Frame is one message on the /events socket.
type Frame struct {
	Type    string                `json:"type"`
	QR      string                `json:"qr,omitempty"`
	Reason  string                `json:"reason,omitempty"`
	Message *connection.Message   `json:"message,omitempty"`
	Join    *connection.GroupJoin `json:"join,omitempty"`
}

type FrameCallback func(f Frame)

type StateCallback func(s StreamState)

type PairingRequest struct {
	Phone string `json:"phone"`
}

type PairingResponse struct {
	Code string `json:"code"`
}

type SendRequest struct {
	ChatID   string            `json:"chatId"`
	Text     string            `json:"text"`
	QuotedID string            `json:"quotedId,omitempty"`
	Media    *connection.Media `json:"media,omitempty"`
}

type ConnectResponse struct {
	Status string `json:"status,omitempty"`
}
