package model

import (
	"errors"
	"time"
)

// MessageKind classifies who produced a message.
type MessageKind string

const (
	KindHuman     MessageKind = "HUMAN"
	KindAutomated MessageKind = "AUTOMATED"
	KindSystem    MessageKind = "SYSTEM"
)

// Priority selects the delivery lane. MAX is the safety-critical class:
// exempt from throttling and from backoff delays.
type Priority string

const (
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityMax    Priority = "MAX"
)

func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh || p == PriorityMax
}

type Message struct {
	ID              int64       `json:"id"                gorm:"primaryKey;autoIncrement;column:id"`
	ConversationID  string      `json:"conversation_id"   gorm:"column:conversation_id;not null;index"`
	SenderID        string      `json:"sender_id"         gorm:"column:sender_id;not null;index"`
	ClientMessageID string      `json:"client_message_id" gorm:"column:client_message_id;not null;uniqueIndex"`
	RecipientIDs    []string    `json:"recipient_ids"     gorm:"-"`
	PayloadRef      string      `json:"payload_ref"       gorm:"column:payload_ref;not null"` // opaque, never interpreted here
	Kind            MessageKind `json:"kind"              gorm:"column:kind;not null"`
	Priority        Priority    `json:"priority"          gorm:"column:priority;not null;default:NORMAL"`
	OriginRegion    string      `json:"origin_region"     gorm:"column:origin_region;not null"`
	BillingState    string      `json:"billing_state"     gorm:"column:billing_state"` // set once upstream, carried opaquely
	CreatedAt       time.Time   `json:"created_at"        gorm:"column:created_at;autoCreateTime"`
}

func (Message) TableName() string { return "messages" }

// EnqueueRequest is the input for submitting a message.
type EnqueueRequest struct {
	ClientMessageID string
	ConversationID  string
	SenderID        string
	RecipientIDs    []string
	PayloadRef      string
	Kind            MessageKind
	Priority        Priority
}

func (r EnqueueRequest) Validate() error {
	if r.ClientMessageID == "" {
		return errors.New("client_message_id is required")
	}
	if r.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if r.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if len(r.RecipientIDs) == 0 {
		return errors.New("at least one recipient is required")
	}
	if r.PayloadRef == "" {
		return errors.New("payload_ref is required")
	}
	if r.Kind != KindHuman && r.Kind != KindAutomated && r.Kind != KindSystem {
		return errors.New("invalid message kind")
	}
	if !r.Priority.Valid() {
		return errors.New("invalid priority")
	}
	return nil
}

// EnqueueStatus distinguishes a fresh accept from a dedup hit.
const (
	EnqueueStatusQueued    = "queued"
	EnqueueStatusDuplicate = "duplicate"
)

type EnqueueResult struct {
	MessageID int64  `json:"message_id"`
	Status    string `json:"status"`
}

// MessageFilter controls List queries.
type MessageFilter struct {
	ConversationID *string
	SenderID       *string
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
	Desc           bool
}
