package models

import "time"

// ListingAlert is an outbox row written in the same transaction that flips
// Listing.Alerted. DeliveredAt stays nil until a notifier accepted it.
type ListingAlert struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ListingID   int64      `gorm:"column:listing_id;not null;index" json:"listing_id"`
	AgentID     string     `gorm:"column:agent_id;size:255;not null" json:"agent_id"`
	Score       float64    `gorm:"column:score;not null" json:"score"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	DeliveredAt *time.Time `gorm:"column:delivered_at;index" json:"delivered_at"`
}

func (ListingAlert) TableName() string { return "listing_alerts" }

// PendingAlert is an undelivered alert together with what a notifier needs
// to render it.
type PendingAlert struct {
	Alert     ListingAlert
	Listing   Listing
	AgentName string
}
