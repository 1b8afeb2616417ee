package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"schemesathi/pkg/ai"
	"schemesathi/pkg/domain"
	"schemesathi/pkg/events"
	"schemesathi/pkg/store"
)

const defaultConversationTitle = "New conversation"

const systemPrompt = "You are Scheme Sathi, an assistant that helps small business " +
	"owners in India discover central and state government schemes they may be " +
	"eligible for. Answer in the user's language when you can. Ground your answers " +
	"in well-known schemes (PMMY, PMEGP, CGTMSE, Stand-Up India, Udyam and similar), " +
	"state eligibility criteria plainly, and say so when you are not sure instead " +
	"of inventing scheme details."

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	Store         store.Store
	Generator     ai.StreamingGenerator
	GatewayURL    string
	GatewayAPIKey string
	DefaultModel  string
	HistoryLimit  int
	Events        events.Publisher
}

// App is the core application service wiring together storage and chat logic.
type App struct {
	store        store.Store
	generator    ai.StreamingGenerator
	defaultModel string
	historyLimit int
	events       events.Publisher
}

// New constructs the application with database-backed storage for messages.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.DefaultModel == "" {
		return nil, fmt.Errorf("default model required")
	}
	generator := cfg.Generator
	if generator == nil {
		if cfg.GatewayURL == "" {
			return nil, fmt.Errorf("gateway URL required")
		}
		generator = ai.NewOpenRouterGenerator(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.DefaultModel)
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 20
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &App{
		store:        dataStore,
		generator:    generator,
		defaultModel: cfg.DefaultModel,
		historyLimit: historyLimit,
		events:       publisher,
	}, nil
}

// ChatRequest is one chat turn submitted by a user.
type ChatRequest struct {
	User           domain.User
	ConversationID string
	Message        string
	Model          string
	Language       string
}

// ChatResult is the persisted outcome of a chat turn.
type ChatResult struct {
	Conversation     domain.Conversation `json:"conversation"`
	UserMessage      domain.Message      `json:"userMessage"`
	AssistantMessage domain.Message      `json:"assistantMessage"`
}

// Chat runs one conversational turn: it persists the user message,
// streams the assistant reply through onDelta, persists the full reply
// and returns both stored messages.
func (a *App) Chat(ctx context.Context, req ChatRequest, onDelta func(string)) (ChatResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return ChatResult{}, ErrMessageRequired
	}
	if utf8.RuneCountInString(message) > domain.MaxMessageContentLength {
		return ChatResult{}, ErrMessageTooLong
	}

	conversation, err := a.ensureConversation(req.User, message, req.ConversationID, req.Language, req.Model)
	if err != nil {
		return ChatResult{}, err
	}

	userMessage, err := a.store.AppendMessage(domain.Message{
		ID:             store.NewID(),
		ConversationID: conversation.ID,
		Role:           domain.MessageRoleUser,
		Content:        message,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return ChatResult{}, fmt.Errorf("save user message: %w", err)
	}

	// The prompt window must end at the just-persisted user message, so the
	// newest messages win when the conversation outgrows the limit.
	window := a.historyLimit * 2
	count, err := a.store.CountMessages(conversation.ID)
	if err != nil {
		return ChatResult{}, fmt.Errorf("count messages: %w", err)
	}
	offset := int(count) - window
	if offset < 0 {
		offset = 0
	}
	history, err := a.store.ListMessages(conversation.ID, window, offset)
	if err != nil {
		return ChatResult{}, fmt.Errorf("load history: %w", err)
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = conversation.Model
	}
	if model == "" {
		model = a.defaultModel
	}

	reply, err := a.generator.StreamChat(ctx, model, buildPrompt(history), onDelta)
	if err != nil {
		return ChatResult{}, fmt.Errorf("generate reply: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return ChatResult{}, fmt.Errorf("model returned empty reply")
	}

	assistantMessage, err := a.store.AppendMessage(domain.Message{
		ID:             store.NewID(),
		ConversationID: conversation.ID,
		Role:           domain.MessageRoleAssistant,
		Content:        reply,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return ChatResult{}, fmt.Errorf("save assistant message: %w", err)
	}

	updated, ok, err := a.store.GetConversation(conversation.ID)
	if err == nil && ok {
		conversation = updated
	}

	if err := a.events.Publish(ctx, events.UsageEvent{
		Event:  events.EventChatCompleted,
		UserID: req.User.ID,
	}); err != nil {
		slog.Warn("failed to publish usage event", "event", events.EventChatCompleted, "err", err)
	}

	return ChatResult{
		Conversation:     conversation,
		UserMessage:      userMessage,
		AssistantMessage: assistantMessage,
	}, nil
}

func (a *App) ensureConversation(user domain.User, message, conversationID, language, model string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID != "" {
		conversation, ok, err := a.store.GetConversation(conversationID)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
		}
		if !ok {
			return domain.Conversation{}, ErrConversationNotFound
		}
		if conversation.UserID != user.ID && !user.Role.IsAdmin() {
			return domain.Conversation{}, ErrConversationForbidden
		}
		return conversation, nil
	}

	if language != "" && !domain.ValidLanguage(language) {
		language = ""
	}
	now := time.Now().UTC()
	conversation := domain.Conversation{
		ID:        store.NewID(),
		UserID:    user.ID,
		Title:     generateConversationTitle(message),
		Language:  language,
		Model:     strings.TrimSpace(model),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateConversation(conversation); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

// generateConversationTitle derives a short title from the first message.
func generateConversationTitle(message string) string {
	text := strings.TrimSpace(strings.ReplaceAll(message, "\n", " "))
	if text == "" {
		return defaultConversationTitle
	}
	lowered := strings.ToLower(text)
	for _, prefix := range []string{
		"please tell me about", "please tell me", "can you tell me about",
		"can you tell me", "could you tell me", "tell me about", "tell me",
		"i want to know about", "i want to know", "what is", "what are",
		"how do i", "how can i", "please", "can you", "could you",
	} {
		if strings.HasPrefix(lowered, prefix+" ") {
			text = strings.TrimSpace(text[len(prefix):])
			break
		}
	}
	text = strings.TrimRight(text, "?？ ")
	if text == "" {
		return defaultConversationTitle
	}
	runes := []rune(text)
	if len(runes) > 48 {
		return string(runes[:48]) + "…"
	}
	return text
}

func buildPrompt(history []domain.Message) []ai.ChatMessage {
	out := make([]ai.ChatMessage, 0, len(history)+1)
	out = append(out, ai.ChatMessage{Role: "system", Content: systemPrompt})
	for _, msg := range history {
		role := string(msg.Role)
		if role != "user" && role != "assistant" && role != "system" {
			continue
		}
		out = append(out, ai.ChatMessage{Role: role, Content: msg.Content})
	}
	return out
}
