package store

import (
	"time"

	"schemesathi/pkg/domain"
)

// Store defines persistence operations for users, profiles, conversations,
// messages, and usage aggregates.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	ListUsers() ([]domain.User, error)
	UserCount() (int, error)

	// profiles
	SaveProfile(domain.Profile) error
	GetProfile(userID string) (domain.Profile, bool, error)
	UpdateProfile(userID string, update domain.ProfileUpdate) (domain.Profile, error)

	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error)
	UpdateConversation(id string, update domain.ConversationUpdate) (domain.Conversation, error)
	DeleteConversation(id string) error

	// messages
	AppendMessage(msg domain.Message) (domain.Message, error)
	ListMessages(conversationID string, limit, offset int) ([]domain.Message, error)
	CountMessages(conversationID string) (int64, error)

	// usage aggregates
	IncrementUsage(day, event string, delta int64) error
	ListUsage(sinceDay string) ([]domain.UsageStat, error)
}

// SessionStore issues and validates access tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// JWKSProvider is implemented by session stores that can publish their
// public signing keys.
type JWKSProvider interface {
	JWKS() []JWK
}

// RefreshTokenStore persists refresh tokens for rotation + replay detection.
type RefreshTokenStore interface {
	NewToken(userID string, ttl time.Duration) (string, error)
	RotateToken(token string, ttl time.Duration) (userID string, newToken string, err error)
	DeleteToken(token string) error
}
