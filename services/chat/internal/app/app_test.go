package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"schemesathi/pkg/ai"
	"schemesathi/pkg/domain"
	"schemesathi/pkg/store"
)

// capturingGenerator records the prompt it was handed and replies with a
// fixed string.
type capturingGenerator struct {
	prompt []ai.ChatMessage
	reply  string
}

func (g *capturingGenerator) GenerateChat(ctx context.Context, model string, messages []ai.ChatMessage) (string, error) {
	g.prompt = messages
	return g.reply, nil
}

func (g *capturingGenerator) StreamChat(ctx context.Context, model string, messages []ai.ChatMessage, onDelta func(string)) (string, error) {
	g.prompt = messages
	if onDelta != nil {
		onDelta(g.reply)
	}
	return g.reply, nil
}

func newTestApp(t *testing.T, gen ai.StreamingGenerator) (*App, *store.MemoryStore, domain.User) {
	t.Helper()
	dataStore := store.NewMemoryStore()
	user := domain.User{
		ID:        store.NewID(),
		Email:     "owner@example.com",
		Role:      domain.RoleUser,
		Status:    domain.StatusActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := dataStore.SaveUser(user); err != nil {
		t.Fatalf("save user: %v", err)
	}
	appCore, err := New(Config{
		Store:        dataStore,
		Generator:    gen,
		DefaultModel: "test-model",
	})
	if err != nil {
		t.Fatalf("init app: %v", err)
	}
	return appCore, dataStore, user
}

func TestChatPromptKeepsNewestMessagesInLongConversation(t *testing.T) {
	gen := &capturingGenerator{reply: "noted"}
	appCore, dataStore, user := newTestApp(t, gen)

	now := time.Now().UTC()
	conversation := domain.Conversation{
		ID: store.NewID(), UserID: user.ID, Title: "Loans", CreatedAt: now, UpdatedAt: now,
	}
	if err := dataStore.CreateConversation(conversation); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i := 0; i < 60; i++ {
		role := domain.MessageRoleUser
		if i%2 == 1 {
			role = domain.MessageRoleAssistant
		}
		_, err := dataStore.AppendMessage(domain.Message{
			ID:             store.NewID(),
			ConversationID: conversation.ID,
			Role:           role,
			Content:        fmt.Sprintf("turn %d", i),
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}

	question := "Does my shop qualify for a CGTMSE guarantee?"
	_, err := appCore.Chat(context.Background(), ChatRequest{
		User:           user,
		ConversationID: conversation.ID,
		Message:        question,
	}, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if len(gen.prompt) == 0 {
		t.Fatal("generator received no prompt")
	}
	if gen.prompt[0].Role != "system" {
		t.Errorf("first prompt role = %q, want system", gen.prompt[0].Role)
	}
	last := gen.prompt[len(gen.prompt)-1]
	if last.Role != "user" || last.Content != question {
		t.Fatalf("last prompt message = %+v, want the current question", last)
	}
	// Default history window is 40 messages plus the system prompt; the
	// oldest turns must have been dropped, not the newest.
	if len(gen.prompt) != 41 {
		t.Errorf("prompt length = %d, want 41", len(gen.prompt))
	}
	for _, msg := range gen.prompt[1:] {
		if msg.Content == "turn 0" || msg.Content == "turn 10" {
			t.Errorf("prompt still contains old message %q", msg.Content)
		}
	}
	if gen.prompt[1].Content != "turn 21" {
		t.Errorf("oldest prompt message = %q, want turn 21", gen.prompt[1].Content)
	}
}

func TestChatMessageLimitCountsCharacters(t *testing.T) {
	gen := &capturingGenerator{reply: "ok"}
	appCore, _, user := newTestApp(t, gen)

	// A Devanagari message is three bytes per rune; it must be measured in
	// characters, not bytes.
	atLimit := strings.Repeat("क", domain.MaxMessageContentLength)
	if _, err := appCore.Chat(context.Background(), ChatRequest{User: user, Message: atLimit}, nil); err != nil {
		t.Fatalf("message at character limit rejected: %v", err)
	}

	over := atLimit + "क"
	_, err := appCore.Chat(context.Background(), ChatRequest{User: user, Message: over}, nil)
	if !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("over-limit message error = %v, want ErrMessageTooLong", err)
	}
}
