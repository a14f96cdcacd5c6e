package repository

import (
	"time"

	"github.com/lib/pq"
	"github.com/relaymesh/delivery-engine/internal/model"
)

type MessageEntity struct {
	ID              int64          `db:"id"                gorm:"primaryKey;autoIncrement;column:id"`
	ConversationID  string         `db:"conversation_id"   gorm:"column:conversation_id;not null;index"`
	SenderID        string         `db:"sender_id"         gorm:"column:sender_id;not null;index"`
	ClientMessageID string         `db:"client_message_id" gorm:"column:client_message_id;not null;uniqueIndex"`
	RecipientIDs    pq.StringArray `db:"recipient_ids"     gorm:"column:recipient_ids;type:text[]"`
	PayloadRef      string         `db:"payload_ref"       gorm:"column:payload_ref;not null"`
	Kind            string         `db:"kind"              gorm:"column:kind;not null"`
	Priority        string         `db:"priority"          gorm:"column:priority;not null;default:NORMAL"`
	OriginRegion    string         `db:"origin_region"     gorm:"column:origin_region;not null"`
	BillingState    string         `db:"billing_state"     gorm:"column:billing_state"`
	CreatedAt       time.Time      `db:"created_at"        gorm:"column:created_at;autoCreateTime"`

	DeliveryRecords []*DeliveryRecordEntity `gorm:"foreignKey:MessageID"`
}

func (MessageEntity) TableName() string { return "messages" }

func toMessageEntity(m *model.Message) *MessageEntity {
	if m == nil {
		return nil
	}
	return &MessageEntity{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		ClientMessageID: m.ClientMessageID,
		RecipientIDs:    pq.StringArray(m.RecipientIDs),
		PayloadRef:      m.PayloadRef,
		Kind:            string(m.Kind),
		Priority:        string(m.Priority),
		OriginRegion:    m.OriginRegion,
		BillingState:    m.BillingState,
		CreatedAt:       m.CreatedAt,
	}
}

func toMessageModel(e *MessageEntity) *model.Message {
	if e == nil {
		return nil
	}
	return &model.Message{
		ID:              e.ID,
		ConversationID:  e.ConversationID,
		SenderID:        e.SenderID,
		ClientMessageID: e.ClientMessageID,
		RecipientIDs:    []string(e.RecipientIDs),
		PayloadRef:      e.PayloadRef,
		Kind:            model.MessageKind(e.Kind),
		Priority:        model.Priority(e.Priority),
		OriginRegion:    e.OriginRegion,
		BillingState:    e.BillingState,
		CreatedAt:       e.CreatedAt,
	}
}

func toMessageModels(entities []*MessageEntity) []*model.Message {
	if entities == nil {
		return nil
	}
	models := make([]*model.Message, len(entities))
	for i, e := range entities {
		models[i] = toMessageModel(e)
	}
	return models
}
