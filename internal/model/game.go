package model

import "time"

// Game is the catalog entry consulted before crediting a win.
type Game struct {
	GameID    string    `gorm:"primaryKey;size:64" json:"game_id" binding:"required"`
	Name      string    `gorm:"size:128" json:"name"`
	Category  string    `gorm:"size:32" json:"category"`
	IsActive  bool      `gorm:"not null" json:"is_active"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Game) TableName() string { return "game" }
