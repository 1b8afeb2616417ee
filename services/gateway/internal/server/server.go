package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"schemesathi/internal/ratelimit"
	"schemesathi/internal/usertoken"
	"schemesathi/internal/util"
	"schemesathi/pkg/ai"
	"schemesathi/pkg/domain"
	"schemesathi/pkg/events"
	"schemesathi/pkg/voice"
	"schemesathi/services/gateway/internal/app"
	"schemesathi/services/gateway/internal/authclient"
	"schemesathi/services/gateway/internal/chatclient"
	"schemesathi/services/gateway/internal/schemes"
)

const defaultMaxUploadBytes = 16 << 20

// HealthFunc probes one downstream dependency.
type HealthFunc func(ctx context.Context) error

// Config wires the HTTP server.
type Config struct {
	App            *app.App
	Auth           *authclient.Client
	Chat           *chatclient.Client
	Schemes        *schemes.Catalog
	Voice          *voice.Manager
	Transcriber    ai.Transcriber
	Events         events.Publisher
	TokenVerifier  *usertoken.Verifier
	TrustedProxies *util.TrustedProxies
	HealthChecks   map[string]HealthFunc
	MaxUploadBytes int64

	SignupLimiter  *ratelimit.FixedWindowLimiter
	LoginLimiter   *ratelimit.FixedWindowLimiter
	RefreshLimiter *ratelimit.FixedWindowLimiter
}

// Server exposes the consumer-facing HTTP API.
type Server struct {
	app            *app.App
	auth           *authclient.Client
	chat           *chatclient.Client
	schemes        *schemes.Catalog
	voice          *voice.Manager
	transcriber    ai.Transcriber
	events         events.Publisher
	tokenVerifier  *usertoken.Verifier
	trustedProxies *util.TrustedProxies
	healthChecks   map[string]HealthFunc
	maxUploadBytes int64

	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
	refreshLimiter *ratelimit.FixedWindowLimiter

	mux *http.ServeMux
}

// New constructs the server and registers routes.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		auth:           cfg.Auth,
		chat:           cfg.Chat,
		schemes:        cfg.Schemes,
		voice:          cfg.Voice,
		transcriber:    cfg.Transcriber,
		events:         cfg.Events,
		tokenVerifier:  cfg.TokenVerifier,
		trustedProxies: cfg.TrustedProxies,
		healthChecks:   cfg.HealthChecks,
		maxUploadBytes: cfg.MaxUploadBytes,
		signupLimiter:  cfg.SignupLimiter,
		loginLimiter:   cfg.LoginLimiter,
		refreshLimiter: cfg.RefreshLimiter,
		mux:            http.NewServeMux(),
	}
	if s.events == nil {
		s.events = events.NopPublisher{}
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = defaultMaxUploadBytes
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/api/health", s.handleHealth)

	// auth proxies
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))

	// conversations + messages
	s.mux.Handle("/api/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/api/conversations/", s.authenticated(s.handleConversationByID))

	// profile
	s.mux.Handle("/api/profile", s.authenticated(s.handleProfile))

	// scheme catalog
	s.mux.HandleFunc("/api/schemes", s.handleSchemes)
	s.mux.HandleFunc("/api/schemes/", s.handleSchemeByID)

	// voice capture + one-shot transcription
	s.mux.Handle("/api/voice/recordings", s.authenticated(s.handleStartRecording))
	s.mux.Handle("/api/voice/recordings/", s.authenticated(s.handleRecordingByID))
	s.mux.Handle("/api/transcriptions", s.authenticated(s.handleTranscription))

	// chat proxy
	s.mux.Handle("/api/chats", s.authenticated(s.handleChatProxy))

	// admin
	s.mux.Handle("/api/admin/analytics", s.adminOnly(s.handleAdminAnalytics))
	s.mux.Handle("/api/admin/users", s.adminOnly(s.handleAdminUsers))

	return s
}

// Router returns the HTTP handler with shared middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(s.mux))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, user domain.User, token string)

// authenticated resolves the caller before the request body is touched.
// Local JWKS verification rejects garbage cheaply; the auth service stays
// authoritative for identity and role.
func (s *Server) authenticated(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if s.tokenVerifier != nil {
			if _, err := s.tokenVerifier.VerifySubject(token); err != nil {
				s.audit(r, "token_rejected")
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}
		user, err := s.auth.Me(token)
		if err != nil {
			var apiErr *authclient.APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			slog.Error("auth lookup failed", "err", err)
			writeError(w, http.StatusBadGateway, "auth service unavailable")
			return
		}
		next(w, r, user, token)
	})
}

func (s *Server) adminOnly(next authedHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User, token string) {
		if !user.Role.IsAdmin() {
			s.audit(r, "admin_denied", "user_id", user.ID)
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, r, user, token)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth fans out to the downstream dependencies concurrently and
// reports per-service status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(s.healthChecks))
	g, ctx := errgroup.WithContext(ctx)
	for name, check := range s.healthChecks {
		name, check := name, check
		g.Go(func() error {
			results <- result{name: name, err: check(ctx)}
			return nil
		})
	}
	g.Wait()
	close(results)

	services := map[string]string{}
	healthy := true
	for res := range results {
		if res.err != nil {
			slog.Warn("health check failed", "service", res.name, "err", res.err)
			services[res.name] = "error"
			healthy = false
		} else {
			services[res.name] = "ok"
		}
	}
	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "services": services})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(s.signupLimiter, w, r) {
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"fullName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, access, refresh, err := s.auth.SignUp(req.Email, req.Password, req.FullName)
	if err != nil {
		s.writeAuthError(w, r, err, "signup_failed")
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{AccessToken: access, RefreshToken: refresh, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(s.loginLimiter, w, r) {
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, access, refresh, err := s.auth.Login(req.Email, req.Password)
	if err != nil {
		s.writeAuthError(w, r, err, "login_failed")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{AccessToken: access, RefreshToken: refresh, User: user})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(s.refreshLimiter, w, r) {
		return
	}
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, access, refresh, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		s.writeAuthError(w, r, err, "refresh_failed")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{AccessToken: access, RefreshToken: refresh, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.auth.Logout(token, req.RefreshToken); err != nil {
		s.writeAuthError(w, r, err, "logout_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User, _ string) {
	switch r.Method {
	case http.MethodGet:
		conversations, err := s.app.ListConversations(user)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
	case http.MethodPost:
		var req struct {
			Title    string `json:"title"`
			Language string `json:"language"`
			Model    string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		conv, err := s.app.CreateConversation(user, req.Title, req.Language, req.Model)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, user domain.User, _ string) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handleConversation(w, r, user, parts[0])
	case len(parts) == 2 && parts[1] == "messages":
		s.handleMessages(w, r, user, parts[0])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	switch r.Method {
	case http.MethodGet:
		conv, messages, err := s.app.GetConversation(user, id)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "messages": messages})
	case http.MethodPatch:
		var req struct {
			Title      *string `json:"title"`
			Language   *string `json:"language"`
			Model      *string `json:"model"`
			IsArchived *bool   `json:"isArchived"`
			IsPinned   *bool   `json:"isPinned"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		conv, err := s.app.UpdateConversation(user, id, domain.ConversationUpdate{
			Title:      req.Title,
			Language:   req.Language,
			Model:      req.Model,
			IsArchived: req.IsArchived,
			IsPinned:   req.IsPinned,
		})
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	case http.MethodDelete:
		if err := s.app.DeleteConversation(user, id); err != nil {
			s.writeAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User, conversationID string) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Role    string          `json:"role"`
			Content string          `json:"content"`
			Parts   json.RawMessage `json:"parts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		msg, err := s.app.CreateMessage(r.Context(), user, conversationID, req.Role, req.Content, req.Parts)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	case http.MethodGet:
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "offset must be an integer")
			return
		}
		page, err := s.app.ListMessages(user, conversationID, limit, offset)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, user domain.User, _ string) {
	switch r.Method {
	case http.MethodGet:
		profile, err := s.app.GetProfile(user)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"profile": profile})
	case http.MethodPatch:
		var fields map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		profile, err := s.app.UpdateProfile(user, fields)
		if err != nil {
			// Field-level failures come back as 422 with the offending field.
			if app.IsValidation(err) || errors.Is(err, app.ErrEmptyUpdate) {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"profile": profile})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSchemes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	list := s.schemes.List(r.URL.Query().Get("q"), r.URL.Query().Get("category"))
	writeJSON(w, http.StatusOK, map[string]any{"schemes": list, "count": len(list)})
}

func (s *Server) handleSchemeByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/schemes/"), "/")
	if id == "categories" {
		writeJSON(w, http.StatusOK, map[string]any{"categories": s.schemes.Categories()})
		return
	}
	scheme, ok := s.schemes.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "scheme not found")
		return
	}
	writeJSON(w, http.StatusOK, scheme)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request, user domain.User, _ string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		MimeType string `json:"mimeType"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	info, created, err := s.voice.Start(user.ID, req.MimeType, req.Language)
	if err != nil {
		s.writeVoiceError(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		// A second start while recording hands back the active session.
		status = http.StatusOK
	}
	writeJSON(w, status, info)
}

func (s *Server) handleRecordingByID(w http.ResponseWriter, r *http.Request, user domain.User, _ string) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/voice/recordings/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 1 && parts[0] != "" {
		switch r.Method {
		case http.MethodGet:
			info, err := s.voice.Get(parts[0], user.ID)
			if err != nil {
				s.writeVoiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, info)
		case http.MethodDelete:
			if err := s.voice.Cancel(parts[0], user.ID); err != nil {
				s.writeVoiceError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w)
		}
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id := parts[0]
	switch parts[1] {
	case "chunks":
		chunk, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "chunk too large")
			return
		}
		if len(chunk) == 0 {
			writeError(w, http.StatusBadRequest, "empty chunk")
			return
		}
		info, err := s.voice.AppendChunk(id, user.ID, chunk)
		if err != nil {
			s.writeVoiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case "pause":
		info, err := s.voice.Pause(id, user.ID)
		if err != nil {
			s.writeVoiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case "resume":
		info, err := s.voice.Resume(id, user.ID)
		if err != nil {
			s.writeVoiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case "stop":
		result, err := s.voice.Stop(r.Context(), id, user.ID)
		if err != nil {
			s.writeVoiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, transcriptionResponse{
			SessionID:    result.SessionID,
			Transcript:   result.Transcript,
			Warning:      result.Warning,
			RecordingKey: result.RecordingKey,
			DurationMS:   result.Duration.Milliseconds(),
		})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleTranscription is the one-shot path: a single audio upload in the
// request body, transcribed without a capture session.
func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request, user domain.User, _ string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "audio too large")
		return
	}
	if len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "empty audio")
		return
	}
	transcript, err := s.transcriber.Transcribe(r.Context(), audio, r.Header.Get("Content-Type"))
	if err != nil {
		slog.Error("transcription failed", "user_id", user.ID, "err", err)
		writeError(w, http.StatusBadGateway, "transcription failed")
		return
	}
	resp := transcriptionResponse{Transcript: transcript}
	if transcript.Confidence < 0.6 {
		resp.Warning = "low transcription confidence"
	}
	if err := s.events.Publish(r.Context(), events.UsageEvent{Event: events.EventTranscriptionCompleted, UserID: user.ID}); err != nil {
		slog.Warn("failed to publish usage event", "event", events.EventTranscriptionCompleted, "err", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatProxy pipes the SSE chat stream from the chat service through to
// the client unchanged.
func (s *Server) handleChatProxy(w http.ResponseWriter, r *http.Request, user domain.User, token string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	resp, err := s.chat.Stream(r.Context(), token, r.Body)
	if err != nil {
		slog.Error("chat proxy failed", "user_id", user.ID, "err", err)
		writeError(w, http.StatusBadGateway, "chat service unavailable")
		return
	}
	defer resp.Body.Close()
	for _, header := range []string{"Content-Type", "Cache-Control"} {
		if v := resp.Header.Get(header); v != "" {
			w.Header().Set(header, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

func (s *Server) handleAdminAnalytics(w http.ResponseWriter, r *http.Request, _ domain.User, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	days, err := queryInt(r, "days", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "days must be an integer")
		return
	}
	stats, err := s.app.Analytics(days)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": stats})
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ domain.User, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.auth.InternalUsers()
	if err != nil {
		s.writeAuthError(w, r, err, "admin_users_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": users,
		"count": len(users),
	})
}

// allowRate applies a fixed-window limiter keyed by path and client IP.
// A nil limiter disables limiting for that route.
func (s *Server) allowRate(limiter *ratelimit.FixedWindowLimiter, w http.ResponseWriter, r *http.Request) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + s.clientIP(r)
	if limiter.Allow(key) {
		return true
	}
	s.audit(r, "rate_limited")
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func (s *Server) audit(r *http.Request, event string, extra ...any) {
	args := append([]any{"event", event, "path", r.URL.Path, "ip", s.clientIP(r)}, extra...)
	slog.Warn("security_event", args...)
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, app.ErrConversationForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "profile not found")
	case errors.Is(err, app.ErrEmptyUpdate), app.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeVoiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, voice.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "recording session not found")
	case errors.Is(err, voice.ErrSessionForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, voice.ErrNotRecording), errors.Is(err, voice.ErrNotPaused),
		errors.Is(err, voice.ErrNoAudio), errors.Is(err, voice.ErrTranscribing):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("voice request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error, event string) {
	var apiErr *authclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusTooManyRequests {
			s.audit(r, event)
		}
		writeError(w, apiErr.Status, apiErr.Message)
		return
	}
	slog.Error("auth request failed", "err", err)
	writeError(w, http.StatusBadGateway, "auth service unavailable")
}

type authResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         domain.User `json:"user"`
}

type transcriptionResponse struct {
	SessionID    string            `json:"sessionId,omitempty"`
	Transcript   domain.Transcript `json:"transcript"`
	Warning      string            `json:"warning,omitempty"`
	RecordingKey string            `json:"recordingKey,omitempty"`
	DurationMS   int64             `json:"durationMs,omitempty"`
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
