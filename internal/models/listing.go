package models

import (
	"time"

	"gorm.io/datatypes"
)

// RawRecord is one record as produced by a source adapter. Keys and value
// types are source specific.
type RawRecord map[string]any

// ListingKey identifies a listing across scans.
type ListingKey struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
}

func (k ListingKey) String() string {
	return k.Source + ":" + k.ExternalID
}

// Candidate is a normalized raw record that has not been persisted yet.
type Candidate struct {
	Source     string
	ExternalID string
	Title      string
	URL        string
	Price      *float64
	Mileage    *float64
	Year       *int
	Make       *string
	Model      *string
	Raw        RawRecord
}

// Key returns the deduplication key of the candidate.
func (c *Candidate) Key() ListingKey {
	return ListingKey{Source: c.Source, ExternalID: c.ExternalID}
}

// Listing mirrors a row of the listings table shared with the dashboard.
// Column types must not change without a migration.
type Listing struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	AgentID    *string        `gorm:"column:agent_id;size:255;index" json:"agent_id"`
	Source     string         `gorm:"column:source;size:255;not null;uniqueIndex:idx_listings_source_external_id,priority:1" json:"source"`
	ExternalID string         `gorm:"column:external_id;size:255;not null;uniqueIndex:idx_listings_source_external_id,priority:2" json:"external_id"`
	URL        string         `gorm:"column:url;not null" json:"url"`
	Title      string         `gorm:"column:title;size:255;not null" json:"title"`
	Price      *float64       `gorm:"column:price" json:"price"`
	Mileage    *float64       `gorm:"column:mileage" json:"mileage"`
	Year       *float64       `gorm:"column:year" json:"year"`
	Make       *string        `gorm:"column:make;size:255" json:"make"`
	Model      *string        `gorm:"column:model;size:255" json:"model"`
	RawJSON    datatypes.JSON `gorm:"column:raw_json;not null" json:"raw_json"`
	FirstSeen  time.Time      `gorm:"column:first_seen;not null" json:"first_seen"`
	LastSeen   time.Time      `gorm:"column:last_seen;not null" json:"last_seen"`
	Alerted    bool           `gorm:"column:alerted;not null;default:false" json:"alerted"`
	MatchScore float64        `gorm:"column:match_score;not null;default:0" json:"match_score"`
}

func (Listing) TableName() string { return "listings" }

// Key returns the deduplication key of the stored listing.
func (l *Listing) Key() ListingKey {
	return ListingKey{Source: l.Source, ExternalID: l.ExternalID}
}

// OwnedBy reports whether agentID is the discovering agent of the listing.
func (l *Listing) OwnedBy(agentID string) bool {
	return l.AgentID != nil && *l.AgentID == agentID
}

// ListingFilter narrows listing queries for the read API.
type ListingFilter struct {
	AgentID string
	Alerted *bool
	Limit   int
}
