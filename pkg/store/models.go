package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null"`
	Status       string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ProfileModel struct {
	UserID            string `gorm:"primaryKey"`
	Email             string `gorm:"not null"`
	FullName          string
	Phone             string
	BusinessName      string
	BusinessType      string
	BusinessCategory  string
	AnnualTurnover    *float64
	EmployeeCount     *int
	State             string
	District          string
	Pincode           string
	PreferredLanguage string
	PreferredModel    string
	Role              string    `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

type ConversationModel struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"not null;index"`
	Title        string `gorm:"not null"`
	Language     string
	Model        string
	IsArchived   bool `gorm:"not null;default:false"`
	IsPinned     bool `gorm:"not null;default:false"`
	MessageCount int  `gorm:"not null;default:0"`
	LastActiveAt *time.Time
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID             string         `gorm:"primaryKey"`
	ConversationID string         `gorm:"not null;index"`
	Role           string         `gorm:"not null"`
	Content        string         `gorm:"type:text;not null"`
	Parts          datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null;index"`
}

type UsageStatModel struct {
	Day   string `gorm:"primaryKey;size:10"`
	Event string `gorm:"primaryKey;size:64"`
	Count int64  `gorm:"not null;default:0"`
}
