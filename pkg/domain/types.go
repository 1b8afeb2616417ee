package domain

import (
	"encoding/json"
	"time"
)

type UserRole string

const (
	RoleUser       UserRole = "user"
	RoleAdmin      UserRole = "admin"
	RoleSuperAdmin UserRole = "super_admin"
)

// IsAdmin reports whether the role grants access to admin surfaces.
func (r UserRole) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// MaxMessageContentLength caps message content length in characters.
const MaxMessageContentLength = 50000

// ValidMessageRole reports whether s is an accepted message role.
func ValidMessageRole(s string) bool {
	switch MessageRole(s) {
	case MessageRoleUser, MessageRoleAssistant, MessageRoleSystem:
		return true
	}
	return false
}

// SupportedLanguages are the language codes accepted for profiles and
// conversations.
var SupportedLanguages = []string{"en", "hi", "bn", "ta", "te", "mr", "gu", "kn", "ml", "pa", "or"}

// ValidLanguage reports whether code is a supported language code.
func ValidLanguage(code string) bool {
	for _, l := range SupportedLanguages {
		if l == code {
			return true
		}
	}
	return false
}

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         UserRole   `json:"role"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Profile is the business profile linked 1:1 to a user. All business fields
// are optional; empty values mean "not provided yet".
type Profile struct {
	UserID            string    `json:"userId"`
	Email             string    `json:"email"`
	FullName          string    `json:"fullName,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	BusinessName      string    `json:"businessName,omitempty"`
	BusinessType      string    `json:"businessType,omitempty"`
	BusinessCategory  string    `json:"businessCategory,omitempty"`
	AnnualTurnover    *float64  `json:"annualTurnover,omitempty"`
	EmployeeCount     *int      `json:"employeeCount,omitempty"`
	State             string    `json:"state,omitempty"`
	District          string    `json:"district,omitempty"`
	Pincode           string    `json:"pincode,omitempty"`
	PreferredLanguage string    `json:"preferredLanguage,omitempty"`
	PreferredModel    string    `json:"preferredModel,omitempty"`
	Role              UserRole  `json:"role"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type Conversation struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Title        string     `json:"title"`
	Language     string     `json:"language,omitempty"`
	Model        string     `json:"model,omitempty"`
	IsArchived   bool       `json:"isArchived"`
	IsPinned     bool       `json:"isPinned"`
	MessageCount int        `json:"messageCount"`
	LastActiveAt *time.Time `json:"lastActiveAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Role           MessageRole     `json:"role"`
	Content        string          `json:"content"`
	Parts          json.RawMessage `json:"parts,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Scheme is a static catalog entry describing a government financial scheme.
type Scheme struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Ministry           string   `json:"ministry"`
	Description        string   `json:"description"`
	Tags               []string `json:"tags"`
	Eligibility        string   `json:"eligibility"`
	Benefits           string   `json:"benefits"`
	ApplicationProcess string   `json:"applicationProcess"`
	SourceLinks        []string `json:"sourceLinks,omitempty"`
}

// Transcript is the result of a speech-to-text call.
type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

// UsageStat is a per-day aggregate of one usage event kind, maintained by
// the analytics consumer for the admin dashboard.
type UsageStat struct {
	Day   string `json:"day"` // YYYY-MM-DD, UTC
	Event string `json:"event"`
	Count int64  `json:"count"`
}
