package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"schemesathi/pkg/domain"
	"schemesathi/pkg/events"
	"schemesathi/pkg/store"
)

const (
	defaultConversationTitle = "New conversation"
	maxConversationTitleLen  = 200

	maxMessageLimit = 1000

	conversationListLimit = 200
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Events      events.Publisher
}

// App wires the gateway's persistence and usage-event publishing.
type App struct {
	store  store.Store
	events events.Publisher
}

// New constructs the application. A pre-built Store (tests) takes precedence
// over DatabaseURL.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required (no in-memory store allowed)")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &App{store: dataStore, events: publisher}, nil
}

// authorizeConversation loads a conversation and enforces ownership. Admins
// pass the ownership check.
func (a *App) authorizeConversation(user domain.User, id string) (domain.Conversation, error) {
	conv, ok, err := a.store.GetConversation(id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	if conv.UserID != user.ID && !user.Role.IsAdmin() {
		return domain.Conversation{}, ErrConversationForbidden
	}
	return conv, nil
}

// CreateConversation starts an empty conversation for the user.
func (a *App) CreateConversation(user domain.User, title, language, model string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultConversationTitle
	}
	if len([]rune(title)) > maxConversationTitleLen {
		return domain.Conversation{}, invalid("title", fmt.Sprintf("must be at most %d characters", maxConversationTitleLen))
	}
	language = strings.TrimSpace(language)
	if language != "" && !domain.ValidLanguage(language) {
		return domain.Conversation{}, invalid("language", fmt.Sprintf("unsupported language code %q", language))
	}
	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:        store.NewID(),
		UserID:    user.ID,
		Title:     title,
		Language:  language,
		Model:     strings.TrimSpace(model),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateConversation(conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the user's conversations, most recently active
// first.
func (a *App) ListConversations(user domain.User) ([]domain.Conversation, error) {
	return a.store.ListConversationsByUser(user.ID, conversationListLimit)
}

// GetConversation returns one conversation together with its full message
// history.
func (a *App) GetConversation(user domain.User, id string) (domain.Conversation, []domain.Message, error) {
	conv, err := a.authorizeConversation(user, id)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	messages, err := a.store.ListMessages(id, 0, 0)
	if err != nil {
		return domain.Conversation{}, nil, fmt.Errorf("list messages: %w", err)
	}
	return conv, messages, nil
}

// UpdateConversation applies a partial update. An update carrying no
// recognized fields is rejected.
func (a *App) UpdateConversation(user domain.User, id string, update domain.ConversationUpdate) (domain.Conversation, error) {
	if _, err := a.authorizeConversation(user, id); err != nil {
		return domain.Conversation{}, err
	}
	if update.Empty() {
		return domain.Conversation{}, ErrEmptyUpdate
	}
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return domain.Conversation{}, invalid("title", "must not be empty")
		}
		if len([]rune(title)) > maxConversationTitleLen {
			return domain.Conversation{}, invalid("title", fmt.Sprintf("must be at most %d characters", maxConversationTitleLen))
		}
		update.Title = &title
	}
	if update.Language != nil && !domain.ValidLanguage(*update.Language) {
		return domain.Conversation{}, invalid("language", fmt.Sprintf("unsupported language code %q", *update.Language))
	}
	conv, err := a.store.UpdateConversation(id, update)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	return conv, nil
}

// DeleteConversation removes a conversation and all of its messages.
func (a *App) DeleteConversation(user domain.User, id string) error {
	if _, err := a.authorizeConversation(user, id); err != nil {
		return err
	}
	if err := a.store.DeleteConversation(id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// CreateMessage validates and appends one message to a conversation the user
// owns. The insert also bumps the conversation's message counter and
// last-active timestamp.
func (a *App) CreateMessage(ctx context.Context, user domain.User, conversationID, role, content string, parts json.RawMessage) (domain.Message, error) {
	if _, err := a.authorizeConversation(user, conversationID); err != nil {
		return domain.Message{}, err
	}
	if !domain.ValidMessageRole(role) {
		return domain.Message{}, invalid("role", "must be one of user, assistant, system")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, invalid("content", "must not be empty")
	}
	if utf8.RuneCountInString(content) > domain.MaxMessageContentLength {
		return domain.Message{}, invalid("content", fmt.Sprintf("must be at most %d characters", domain.MaxMessageContentLength))
	}
	if len(parts) > 0 {
		if err := validateParts(parts); err != nil {
			return domain.Message{}, err
		}
	} else {
		parts = nil
	}
	msg, err := a.store.AppendMessage(domain.Message{
		ID:             store.NewID(),
		ConversationID: conversationID,
		Role:           domain.MessageRole(role),
		Content:        content,
		Parts:          parts,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	if err := a.events.Publish(ctx, events.UsageEvent{Event: events.EventMessageCreated, UserID: user.ID}); err != nil {
		slog.Warn("failed to publish usage event", "event", events.EventMessageCreated, "err", err)
	}
	return msg, nil
}

// MessagePage is one window of a conversation's history, oldest first.
type MessagePage struct {
	Messages []domain.Message `json:"messages"`
	Count    int64            `json:"count"`
	Limit    int              `json:"limit,omitempty"`
	Offset   int              `json:"offset,omitempty"`
}

// ListMessages returns a window of the conversation's messages. Without a
// limit the whole history comes back in creation order; a supplied limit must
// be in [1,1000] and offset must be >= 0.
func (a *App) ListMessages(user domain.User, conversationID string, limit, offset int) (MessagePage, error) {
	if _, err := a.authorizeConversation(user, conversationID); err != nil {
		return MessagePage{}, err
	}
	if limit != 0 && (limit < 1 || limit > maxMessageLimit) {
		return MessagePage{}, invalid("limit", fmt.Sprintf("must be between 1 and %d", maxMessageLimit))
	}
	if offset < 0 {
		return MessagePage{}, invalid("offset", "must not be negative")
	}
	messages, err := a.store.ListMessages(conversationID, limit, offset)
	if err != nil {
		return MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	count, err := a.store.CountMessages(conversationID)
	if err != nil {
		return MessagePage{}, fmt.Errorf("count messages: %w", err)
	}
	return MessagePage{Messages: messages, Count: count, Limit: limit, Offset: offset}, nil
}

// GetProfile returns the user's profile.
func (a *App) GetProfile(user domain.User) (domain.Profile, error) {
	profile, ok, err := a.store.GetProfile(user.ID)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if !ok {
		return domain.Profile{}, ErrProfileNotFound
	}
	return profile, nil
}

// UpdateProfile validates the raw PATCH body against the profile rule table
// and applies it. The first failing rule aborts the whole update.
func (a *App) UpdateProfile(user domain.User, fields map[string]json.RawMessage) (domain.Profile, error) {
	update, err := buildProfileUpdate(fields)
	if err != nil {
		return domain.Profile{}, err
	}
	if _, ok, err := a.store.GetProfile(user.ID); err != nil {
		return domain.Profile{}, fmt.Errorf("get profile: %w", err)
	} else if !ok {
		return domain.Profile{}, ErrProfileNotFound
	}
	profile, err := a.store.UpdateProfile(user.ID, update)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return profile, nil
}

// Analytics returns per-day usage counters for the admin dashboard. days
// bounds the window; <= 0 means the last 30 days.
func (a *App) Analytics(days int) ([]domain.UsageStat, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	return a.store.ListUsage(since)
}

func validateParts(parts json.RawMessage) error {
	trimmed := strings.TrimSpace(string(parts))
	if trimmed == "" {
		return nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return invalid("parts", "must be a JSON object or array")
	}
	if !json.Valid(parts) {
		return invalid("parts", "must be valid JSON")
	}
	return nil
}
