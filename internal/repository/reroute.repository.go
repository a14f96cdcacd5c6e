package repository

import (
	"context"
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/pkg/pg"
)

type RerouteEventEntity struct {
	ID              int64     `db:"id"                gorm:"primaryKey;autoIncrement;column:id"`
	MessageID       int64     `db:"message_id"        gorm:"column:message_id;not null;index"`
	ClientMessageID string    `db:"client_message_id" gorm:"column:client_message_id;not null"`
	ConversationID  string    `db:"conversation_id"   gorm:"column:conversation_id;not null"`
	HomeRegion      string    `db:"home_region"       gorm:"column:home_region;not null;index"`
	ServedRegion    string    `db:"served_region"     gorm:"column:served_region;not null"`
	Reconciled      bool      `db:"reconciled"        gorm:"column:reconciled;not null;default:false;index"`
	CreatedAt       time.Time `db:"created_at"        gorm:"column:created_at;autoCreateTime"`
}

func (RerouteEventEntity) TableName() string { return "reroute_events" }

func toRerouteEntity(e *model.RerouteEvent) *RerouteEventEntity {
	if e == nil {
		return nil
	}
	return &RerouteEventEntity{
		ID:              e.ID,
		MessageID:       e.MessageID,
		ClientMessageID: e.ClientMessageID,
		ConversationID:  e.ConversationID,
		HomeRegion:      e.HomeRegion,
		ServedRegion:    e.ServedRegion,
		Reconciled:      e.Reconciled,
		CreatedAt:       e.CreatedAt,
	}
}

func toRerouteModel(e *RerouteEventEntity) *model.RerouteEvent {
	if e == nil {
		return nil
	}
	return &model.RerouteEvent{
		ID:              e.ID,
		MessageID:       e.MessageID,
		ClientMessageID: e.ClientMessageID,
		ConversationID:  e.ConversationID,
		HomeRegion:      e.HomeRegion,
		ServedRegion:    e.ServedRegion,
		Reconciled:      e.Reconciled,
		CreatedAt:       e.CreatedAt,
	}
}

type RerouteRepository struct {
	*pg.DB
}

func NewRerouteRepository(db *pg.DB) *RerouteRepository {
	return &RerouteRepository{
		db,
	}
}

func (r *RerouteRepository) Create(ctx context.Context, ev *model.RerouteEvent) (*model.RerouteEvent, error) {
	entity := toRerouteEntity(ev)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toRerouteModel(entity), nil
}

func (r *RerouteRepository) ListUnreconciled(ctx context.Context, homeRegion string, limit int) ([]*model.RerouteEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var entities []*RerouteEventEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("home_region = ? AND reconciled = ?", homeRegion, false).
		Order("id ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	models := make([]*model.RerouteEvent, len(entities))
	for i, e := range entities {
		models[i] = toRerouteModel(e)
	}
	return models, nil
}

func (r *RerouteRepository) MarkReconciled(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.Write(ctx).WithContext(ctx).Model(&RerouteEventEntity{}).
		Where("id IN ?", ids).
		Update("reconciled", true).Error
}

// PurgeReconciled removes reconciled events older than the cutoff.
func (r *RerouteRepository) PurgeReconciled(ctx context.Context, before time.Time) (int64, error) {
	res := r.Write(ctx).WithContext(ctx).
		Where("reconciled = ? AND created_at < ?", true, before).
		Delete(&RerouteEventEntity{})
	return res.RowsAffected, res.Error
}
