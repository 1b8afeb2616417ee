package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStreamChatAccumulatesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req oaiChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hello", " ", "world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := NewOpenRouterGenerator(srv.URL+"/v1", "", "test-model")
	var deltas []string
	full, err := g.StreamChat(context.Background(), "", []ChatMessage{{Role: "user", Content: "hi"}}, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}
	if full != "Hello world" {
		t.Fatalf("full = %q, want %q", full, "Hello world")
	}
	if strings.Join(deltas, "") != "Hello world" {
		t.Fatalf("deltas = %q", deltas)
	}
}

func TestStreamChatStopsOnFinishReasonWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\n")
		// No [DONE] sentinel on purpose.
	}))
	defer srv.Close()

	g := NewOpenRouterGenerator(srv.URL, "", "test-model")
	full, err := g.StreamChat(context.Background(), "test-model", []ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}
	if full != "ok" {
		t.Fatalf("full = %q, want %q", full, "ok")
	}
}

func TestGenerateChatSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "insufficient credits"}})
	}))
	defer srv.Close()

	g := NewOpenRouterGenerator(srv.URL, "key", "test-model")
	_, err := g.GenerateChat(context.Background(), "", []ChatMessage{{Role: "user", Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "insufficient credits") {
		t.Fatalf("expected api error message, got %v", err)
	}
}
