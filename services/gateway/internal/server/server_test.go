package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"schemesathi/pkg/domain"
	"schemesathi/pkg/store"
	"schemesathi/pkg/voice"
	"schemesathi/services/gateway/internal/app"
	"schemesathi/services/gateway/internal/authclient"
	"schemesathi/services/gateway/internal/schemes"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTranscriber struct {
	transcript domain.Transcript
	err        error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _ string) (domain.Transcript, error) {
	if f.err != nil {
		return domain.Transcript{}, f.err
	}
	return f.transcript, nil
}

type testEnv struct {
	server    *httptest.Server
	store     *store.MemoryStore
	authSrv   *httptest.Server
	userToken map[string]domain.User
}

// newTestEnv stands up the gateway against a memory store and a stub auth
// service that resolves tokens from a fixed table.
func newTestEnv(t *testing.T, transcriber *fakeTranscriber) *testEnv {
	t.Helper()

	dataStore := store.NewMemoryStore()
	env := &testEnv{store: dataStore, userToken: map[string]domain.User{}}

	env.authSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/me" {
			http.NotFound(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		user, ok := env.userToken[strings.TrimPrefix(header, "Bearer ")]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"unauthorized"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(user)
	}))
	t.Cleanup(env.authSrv.Close)

	catalog, err := schemes.New([]domain.Scheme{
		{ID: "pmmy", Name: "Pradhan Mantri MUDRA Yojana", Ministry: "Ministry of Finance", Description: "Collateral-free micro-enterprise loans.", Tags: []string{"loan"}},
		{ID: "pmegp", Name: "Prime Minister's Employment Generation Programme", Ministry: "Ministry of MSME", Description: "Credit-linked subsidy.", Tags: []string{"subsidy"}},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	if transcriber == nil {
		transcriber = &fakeTranscriber{transcript: domain.Transcript{Text: "hello", Confidence: 0.9, Language: "en"}}
	}

	appCore, err := app.New(app.Config{Store: dataStore})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}

	voiceManager := voice.NewManager(transcriber, testLogger())

	srv := New(Config{
		App:         appCore,
		Auth:        authclient.NewClient(env.authSrv.URL, nil),
		Schemes:     catalog,
		Voice:       voiceManager,
		Transcriber: transcriber,
		HealthChecks: map[string]HealthFunc{
			"schemeData": func(context.Context) error { return nil },
			"database":   func(context.Context) error { return nil },
		},
	})
	env.server = httptest.NewServer(srv.Router())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) addUser(t *testing.T, token string, role domain.UserRole) domain.User {
	t.Helper()
	user := domain.User{
		ID:        store.NewID(),
		Email:     token + "@example.com",
		Role:      role,
		Status:    domain.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.SaveUser(user); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if err := e.store.SaveProfile(domain.Profile{
		UserID:            user.ID,
		Email:             user.Email,
		Role:              user.Role,
		PreferredLanguage: "en",
		CreatedAt:         user.CreatedAt,
		UpdatedAt:         user.CreatedAt,
	}); err != nil {
		t.Fatalf("save profile: %v", err)
	}
	e.userToken[token] = user
	return user
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		switch p := payload.(type) {
		case string:
			body = strings.NewReader(p)
		case []byte:
			body = bytes.NewReader(p)
		default:
			data, err := json.Marshal(p)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			body = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (e *testEnv) createConversation(t *testing.T, token, title string) domain.Conversation {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/conversations", token, map[string]string{"title": title})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create conversation: status %d body %s", resp.StatusCode, body)
	}
	var conv domain.Conversation
	if err := json.Unmarshal(body, &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	return conv
}

func TestUnauthenticatedRequestsRejectedBeforeValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	// No token at all, with a body that would otherwise fail validation.
	resp, _ := env.do(t, http.MethodPost, "/api/conversations/whatever/messages", "", `{"role":"bogus","content":""}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/profile", "nope", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", resp.StatusCode)
	}
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "alice", domain.RoleUser)

	conv := env.createConversation(t, "alice", "Loan options")

	resp, body := env.do(t, http.MethodGet, "/api/conversations", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d body %s", resp.StatusCode, body)
	}
	var list struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].ID != conv.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	resp, body = env.do(t, http.MethodPatch, "/api/conversations/"+conv.ID, "alice", `{"title":"Mudra loans","isPinned":true,"unknownField":1}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: status %d body %s", resp.StatusCode, body)
	}
	var updated domain.Conversation
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Title != "Mudra loans" || !updated.IsPinned {
		t.Fatalf("patch not applied: %+v", updated)
	}

	// A PATCH with nothing recognized is rejected.
	resp, _ = env.do(t, http.MethodPatch, "/api/conversations/"+conv.ID, "alice", `{"unknownField":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty update, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "alice", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestMessageCreationAndWindowing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "alice", domain.RoleUser)
	conv := env.createConversation(t, "alice", "History")

	for i := 1; i <= 4; i++ {
		payload := fmt.Sprintf(`{"role":"user","content":"message %d"}`, i)
		resp, body := env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice", payload)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create message %d: status %d body %s", i, resp.StatusCode, body)
		}
	}

	// Counters follow the inserts.
	resp, body := env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", resp.StatusCode)
	}
	var detail struct {
		Conversation domain.Conversation `json:"conversation"`
		Messages     []domain.Message    `json:"messages"`
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Conversation.MessageCount != 4 || detail.Conversation.LastActiveAt == nil {
		t.Fatalf("counters not maintained: %+v", detail.Conversation)
	}
	if len(detail.Messages) != 4 || detail.Messages[0].Content != "message 1" {
		t.Fatalf("expected oldest-first history, got %+v", detail.Messages)
	}

	resp, body = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit=2&offset=1", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("window: status %d body %s", resp.StatusCode, body)
	}
	var page app.MessagePage
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}
	if page.Count != 4 || len(page.Messages) != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Messages[0].Content != "message 2" || page.Messages[1].Content != "message 3" {
		t.Fatalf("wrong window: %+v", page.Messages)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit=1001", "alice", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit over cap, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?offset=-1", "alice", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative offset, got %d", resp.StatusCode)
	}
}

func TestMessageListWithoutLimitReturnsFullHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "alice", domain.RoleUser)
	conv := env.createConversation(t, "alice", "Long history")

	now := time.Now().UTC()
	for i := 0; i < 150; i++ {
		_, err := env.store.AppendMessage(domain.Message{
			ID:             store.NewID(),
			ConversationID: conv.ID,
			Role:           domain.MessageRoleUser,
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}

	// No limit means the whole history in creation order, not a default page.
	resp, body := env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d body %s", resp.StatusCode, body)
	}
	var page app.MessagePage
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}
	if page.Count != 150 || len(page.Messages) != 150 {
		t.Fatalf("expected all 150 messages, got count=%d len=%d", page.Count, len(page.Messages))
	}
	if page.Messages[0].Content != "message 0" || page.Messages[149].Content != "message 149" {
		t.Fatalf("history not in creation order: first=%q last=%q", page.Messages[0].Content, page.Messages[149].Content)
	}

	// The conversation detail carries the same untruncated history.
	resp, body = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", resp.StatusCode)
	}
	var detail struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatal(err)
	}
	if len(detail.Messages) != 150 {
		t.Fatalf("conversation detail has %d messages, want 150", len(detail.Messages))
	}
}

func TestMessageValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "alice", domain.RoleUser)
	conv := env.createConversation(t, "alice", "Validation")

	cases := []struct {
		name    string
		payload string
	}{
		{"bad role", `{"role":"robot","content":"hi"}`},
		{"empty content", `{"role":"user","content":"   "}`},
		{"scalar parts", `{"role":"user","content":"hi","parts":"not-a-container"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice", tc.payload)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}

	// Exactly at the cap passes; one over fails.
	atCap := fmt.Sprintf(`{"role":"user","content":%q}`, strings.Repeat("a", domain.MaxMessageContentLength))
	resp, _ := env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice", atCap)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 at content cap, got %d", resp.StatusCode)
	}
	overCap := fmt.Sprintf(`{"role":"user","content":%q}`, strings.Repeat("a", domain.MaxMessageContentLength+1))
	resp, _ = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice", overCap)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 over content cap, got %d", resp.StatusCode)
	}

	// The cap counts characters, so a Devanagari message at the limit passes
	// even though it is three bytes per rune.
	multibyteAtCap := fmt.Sprintf(`{"role":"user","content":%q}`, strings.Repeat("क", domain.MaxMessageContentLength))
	resp, _ = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice", multibyteAtCap)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for multibyte content at cap, got %d", resp.StatusCode)
	}
	multibyteOverCap := fmt.Sprintf(`{"role":"user","content":%q}`, strings.Repeat("क", domain.MaxMessageContentLength+1))
	resp, _ = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice", multibyteOverCap)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for multibyte content over cap, got %d", resp.StatusCode)
	}

	// Structured parts are accepted and round-trip.
	resp, body := env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice", `{"role":"assistant","content":"see sources","parts":[{"type":"citation","schemeId":"pmmy"}]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with parts, got %d: %s", resp.StatusCode, body)
	}
	var msg domain.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatal(err)
	}
	if len(msg.Parts) == 0 {
		t.Fatalf("parts dropped: %+v", msg)
	}
}

func TestCrossUserAccessIsForbiddenWithoutMutation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "alice", domain.RoleUser)
	env.addUser(t, "bob", domain.RoleUser)
	conv := env.createConversation(t, "alice", "Private")

	resp, _ := env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "bob", `{"role":"user","content":"sneaky"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "bob", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on delete, got %d", resp.StatusCode)
	}

	// Nothing was written and the conversation survived.
	count, err := env.store.CountMessages(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected no messages after forbidden writes, got %d", count)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner should still see conversation, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/conversations/does-not-exist", "bob", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing conversation, got %d", resp.StatusCode)
	}
}

func TestConversationDeleteCascadesToMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "alice", domain.RoleUser)
	conv := env.createConversation(t, "alice", "Ephemeral")

	for i := 0; i < 3; i++ {
		resp, _ := env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice", `{"role":"user","content":"hello"}`)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed message: got %d", resp.StatusCode)
		}
	}
	resp, _ := env.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "alice", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: got %d", resp.StatusCode)
	}
	count, err := env.store.CountMessages(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected cascade to remove messages, found %d", count)
	}
}

func TestProfileUpdateRules(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "alice", domain.RoleUser)

	resp, body := env.do(t, http.MethodGet, "/api/profile", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get profile: status %d body %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodPatch, "/api/profile", "alice", `{"businessName":"Asha Tailoring","pincode":"110001","employeeCount":3}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid patch: status %d body %s", resp.StatusCode, body)
	}
	var ok struct {
		Profile domain.Profile `json:"profile"`
	}
	if err := json.Unmarshal(body, &ok); err != nil {
		t.Fatal(err)
	}
	if ok.Profile.BusinessName != "Asha Tailoring" || ok.Profile.EmployeeCount == nil || *ok.Profile.EmployeeCount != 3 {
		t.Fatalf("patch not applied: %+v", ok.Profile)
	}

	for _, payload := range []string{
		`{"pincode":"12345"}`,
		`{"employeeCount":-1}`,
		`{"employeeCount":3.5}`,
		`{"role":"admin"}`,
		`{}`,
	} {
		resp, _ := env.do(t, http.MethodPatch, "/api/profile", "alice", payload)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("payload %s: expected 422, got %d", payload, resp.StatusCode)
		}
	}

	// A rejected update leaves the stored profile untouched.
	profile, found, err := env.store.GetProfile(env.userToken["alice"].ID)
	if err != nil || !found {
		t.Fatalf("profile lookup: %v found=%v", err, found)
	}
	if profile.Pincode != "110001" {
		t.Fatalf("failed update mutated profile: %+v", profile)
	}
}

func TestSchemeCatalogEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/api/schemes?q=mudra", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("schemes: status %d", resp.StatusCode)
	}
	var list struct {
		Schemes []domain.Scheme `json:"schemes"`
		Count   int             `json:"count"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 || list.Schemes[0].ID != "pmmy" {
		t.Fatalf("unexpected schemes: %+v", list)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/schemes/pmegp", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scheme by id: status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/schemes/unknown", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown scheme: expected 404, got %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/api/schemes/categories", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("categories: status %d", resp.StatusCode)
	}
	var cats struct {
		Categories []string `json:"categories"`
	}
	if err := json.Unmarshal(body, &cats); err != nil {
		t.Fatal(err)
	}
	if len(cats.Categories) != 2 {
		t.Fatalf("unexpected categories: %+v", cats)
	}
}

func TestVoiceRecordingLifecycle(t *testing.T) {
	env := newTestEnv(t, &fakeTranscriber{transcript: domain.Transcript{Text: "mudra loan", Confidence: 0.95, Language: "hi"}})
	env.addUser(t, "alice", domain.RoleUser)

	resp, body := env.do(t, http.MethodPost, "/api/voice/recordings", "alice", `{"mimeType":"audio/webm","language":"hi"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d body %s", resp.StatusCode, body)
	}
	var info voice.Info
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatal(err)
	}

	// A second start reuses the live session.
	resp, body = env.do(t, http.MethodPost, "/api/voice/recordings", "alice", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second start: status %d", resp.StatusCode)
	}
	var again voice.Info
	if err := json.Unmarshal(body, &again); err != nil {
		t.Fatal(err)
	}
	if again.ID != info.ID {
		t.Fatalf("expected same session, got %s and %s", info.ID, again.ID)
	}

	base := "/api/voice/recordings/" + info.ID
	resp, _ = env.do(t, http.MethodPost, base+"/chunks", "alice", []byte("audio-bytes"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chunk: status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, base+"/pause", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: status %d", resp.StatusCode)
	}
	// Chunks are rejected while paused.
	resp, _ = env.do(t, http.MethodPost, base+"/chunks", "alice", []byte("more"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("chunk while paused: expected 409, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, base+"/resume", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume: status %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPost, base+"/stop", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: status %d body %s", resp.StatusCode, body)
	}
	var result struct {
		Transcript domain.Transcript `json:"transcript"`
		Warning    string            `json:"warning"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if result.Transcript.Text != "mudra loan" || result.Warning != "" {
		t.Fatalf("unexpected result: %+v", result)
	}

	// Session is gone after stop.
	resp, _ = env.do(t, http.MethodPost, base+"/stop", "alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after stop, got %d", resp.StatusCode)
	}
}

func TestVoiceOwnershipAndCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "alice", domain.RoleUser)
	env.addUser(t, "bob", domain.RoleUser)

	resp, body := env.do(t, http.MethodPost, "/api/voice/recordings", "alice", `{}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d", resp.StatusCode)
	}
	var info voice.Info
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatal(err)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/voice/recordings/"+info.ID+"/pause", "bob", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign pause: expected 403, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/voice/recordings/"+info.ID, "alice", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/voice/recordings/"+info.ID, "alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after cancel, got %d", resp.StatusCode)
	}
}

func TestOneShotTranscriptionWarnsOnLowConfidence(t *testing.T) {
	env := newTestEnv(t, &fakeTranscriber{transcript: domain.Transcript{Text: "maybe", Confidence: 0.4, Language: "en"}})
	env.addUser(t, "alice", domain.RoleUser)

	resp, body := env.do(t, http.MethodPost, "/api/transcriptions", "alice", []byte("audio"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transcription: status %d body %s", resp.StatusCode, body)
	}
	var result struct {
		Transcript domain.Transcript `json:"transcript"`
		Warning    string            `json:"warning"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if result.Transcript.Text != "maybe" || result.Warning == "" {
		t.Fatalf("expected low-confidence warning, got %+v", result)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/transcriptions", "alice", []byte{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty audio: expected 400, got %d", resp.StatusCode)
	}
}

func TestAdminAnalyticsRequiresAdminRole(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "alice", domain.RoleUser)
	env.addUser(t, "root", domain.RoleAdmin)

	resp, _ := env.do(t, http.MethodGet, "/api/admin/analytics", "alice", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403, got %d", resp.StatusCode)
	}

	day := time.Now().UTC().Format("2006-01-02")
	if err := env.store.IncrementUsage(day, "message_created", 5); err != nil {
		t.Fatal(err)
	}
	resp, body := env.do(t, http.MethodGet, "/api/admin/analytics", "root", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin: status %d body %s", resp.StatusCode, body)
	}
	var stats struct {
		Usage []domain.UsageStat `json:"usage"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatal(err)
	}
	if len(stats.Usage) != 1 || stats.Usage[0].Count != 5 {
		t.Fatalf("unexpected usage: %+v", stats)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d body %s", resp.StatusCode, body)
	}
	var health struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Services["database"] != "ok" {
		t.Fatalf("unexpected health: %+v", health)
	}
}
