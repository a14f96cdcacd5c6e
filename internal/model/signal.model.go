package model

import "time"

// SignalKind names an ephemeral, best-effort UI signal. Signals are not
// Messages: short TTL, connected recipients only, silently dropped on
// failure, never backlogged or retried.
type SignalKind string

const (
	SignalTyping      SignalKind = "typing"
	SignalReadReceipt SignalKind = "read"
)

type EphemeralSignal struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Kind           SignalKind `json:"kind"`
	// UpToMessageID is set for read receipts only.
	UpToMessageID int64     `json:"up_to_message_id,omitempty"`
	At            time.Time `json:"at"`
}
