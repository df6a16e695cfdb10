package models

import (
	"time"

	"gorm.io/datatypes"
)

// Agent is a named search configuration that can be paused with Enabled.
type Agent struct {
	ID         string         `gorm:"column:id;primaryKey;size:255" json:"id"`
	Name       string         `gorm:"column:name;size:255;not null" json:"name"`
	Enabled    bool           `gorm:"column:enabled;not null" json:"enabled"`
	ConfigJSON datatypes.JSON `gorm:"column:config_json;not null" json:"config_json"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null" json:"created_at"`
}

func (Agent) TableName() string { return "agents" }
