package model

import "time"

// HealthStatus of one region, as reported by its health endpoint.
type HealthStatus string

const (
	HealthOK       HealthStatus = "OK"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthDown     HealthStatus = "DOWN"
)

// RegionProfile maps a region to its delivery endpoint and failover order.
// Profiles are consumed from the region-configuration collaborator, not
// owned by this engine.
type RegionProfile struct {
	Code          string       `json:"code"`
	Endpoint      string       `json:"endpoint"`
	FailoverChain []string     `json:"failover_chain"`
	Health        HealthStatus `json:"health"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// RerouteEvent records that a message was served by a region other than its
// home. The reconciliation job replays these through the home region once it
// recovers, keyed by the original client message id so replay never
// duplicates content.
type RerouteEvent struct {
	ID              int64     `json:"id"                gorm:"primaryKey;autoIncrement;column:id"`
	MessageID       int64     `json:"message_id"        gorm:"column:message_id;not null;index"`
	ClientMessageID string    `json:"client_message_id" gorm:"column:client_message_id;not null"`
	ConversationID  string    `json:"conversation_id"   gorm:"column:conversation_id;not null"`
	HomeRegion      string    `json:"home_region"       gorm:"column:home_region;not null;index"`
	ServedRegion    string    `json:"served_region"     gorm:"column:served_region;not null"`
	Reconciled      bool      `json:"reconciled"        gorm:"column:reconciled;not null;default:false;index"`
	CreatedAt       time.Time `json:"created_at"        gorm:"column:created_at;autoCreateTime"`
}

func (RerouteEvent) TableName() string { return "reroute_events" }
