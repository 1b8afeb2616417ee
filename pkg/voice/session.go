package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"schemesathi/pkg/ai"
	"schemesathi/pkg/domain"
	"schemesathi/pkg/storage"
	"schemesathi/pkg/store"
)

// State is the lifecycle phase of a recording session.
type State string

const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StatePaused       State = "paused"
	StateStopped      State = "stopped"
	StateTranscribing State = "transcribing"
)

const (
	// MaxDuration is the wall-clock ceiling after which a session is
	// stopped automatically.
	MaxDuration = 5 * time.Minute

	// lowConfidenceThreshold marks transcripts that should carry a
	// warning rather than fail.
	lowConfidenceThreshold = 0.6
)

var (
	ErrSessionNotFound  = errors.New("recording session not found")
	ErrSessionForbidden = errors.New("recording session belongs to another user")
	ErrNotRecording     = errors.New("session is not recording")
	ErrNotPaused        = errors.New("session is not paused")
	ErrNoAudio          = errors.New("session has no audio")
	ErrTranscribing     = errors.New("transcription already in progress")
)

// Result is what a finished session produces.
type Result struct {
	SessionID    string
	UserID       string
	Transcript   domain.Transcript
	RecordingKey string
	Duration     time.Duration
	Warning      string
	AutoStopped  bool
}

// ResultFunc receives the outcome of a transcription, including ones
// triggered by the duration ceiling where no HTTP caller is waiting.
type ResultFunc func(res Result, err error)

// Session is a single in-progress voice capture.
type Session struct {
	ID        string
	UserID    string
	MimeType  string
	Language  string
	StartedAt time.Time

	state State
	buf   bytes.Buffer
	timer *time.Timer
}

// Info is the externally visible snapshot of a session.
type Info struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	MimeType  string    `json:"mimeType"`
	Language  string    `json:"language,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	ByteSize  int       `json:"byteSize"`
}

// Manager tracks at most one active session per user and drives each
// session through its transitions.
type Manager struct {
	transcriber ai.Transcriber
	objects     storage.ObjectStore
	onResult    ResultFunc
	maxDuration time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	byID   map[string]*Session
	byUser map[string]*Session
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMaxDuration overrides the auto-stop ceiling.
func WithMaxDuration(d time.Duration) Option {
	return func(m *Manager) { m.maxDuration = d }
}

// WithObjectStore enables uploading finished recordings.
func WithObjectStore(os storage.ObjectStore) Option {
	return func(m *Manager) { m.objects = os }
}

// WithResultFunc registers a callback invoked after every transcription
// attempt, whether triggered by Stop or by the duration ceiling.
func WithResultFunc(fn ResultFunc) Option {
	return func(m *Manager) { m.onResult = fn }
}

func NewManager(transcriber ai.Transcriber, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		transcriber: transcriber,
		maxDuration: MaxDuration,
		logger:      logger,
		byID:        make(map[string]*Session),
		byUser:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Start begins a recording session for the user. If the user already
// has an active session the existing one is returned unchanged.
func (m *Manager) Start(userID, mimeType, language string) (Info, bool, error) {
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byUser[userID]; ok {
		return m.infoLocked(s), false, nil
	}
	s := &Session{
		ID:        store.NewID(),
		UserID:    userID,
		MimeType:  mimeType,
		Language:  language,
		StartedAt: time.Now().UTC(),
		state:     StateRecording,
	}
	id := s.ID
	s.timer = time.AfterFunc(m.maxDuration, func() { m.autoStop(id) })
	m.byID[s.ID] = s
	m.byUser[userID] = s
	return m.infoLocked(s), true, nil
}

// AppendChunk adds audio data to an actively recording session.
func (m *Manager) AppendChunk(sessionID, userID string, chunk []byte) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupLocked(sessionID, userID)
	if err != nil {
		return Info{}, err
	}
	if s.state != StateRecording {
		return Info{}, ErrNotRecording
	}
	s.buf.Write(chunk)
	return m.infoLocked(s), nil
}

// Pause suspends capture. Chunks are rejected until Resume.
func (m *Manager) Pause(sessionID, userID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupLocked(sessionID, userID)
	if err != nil {
		return Info{}, err
	}
	if s.state != StateRecording {
		return Info{}, ErrNotRecording
	}
	s.state = StatePaused
	return m.infoLocked(s), nil
}

// Resume continues a paused session.
func (m *Manager) Resume(sessionID, userID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupLocked(sessionID, userID)
	if err != nil {
		return Info{}, err
	}
	if s.state != StatePaused {
		return Info{}, ErrNotPaused
	}
	s.state = StateRecording
	return m.infoLocked(s), nil
}

// Stop finalizes the audio, uploads it when an object store is
// configured, and transcribes it. The session is removed regardless of
// the transcription outcome.
func (m *Manager) Stop(ctx context.Context, sessionID, userID string) (Result, error) {
	m.mu.Lock()
	s, err := m.lookupLocked(sessionID, userID)
	if err != nil {
		m.mu.Unlock()
		return Result{}, err
	}
	if s.state == StateTranscribing {
		m.mu.Unlock()
		return Result{}, ErrTranscribing
	}
	audio, err := m.finalizeLocked(s)
	m.mu.Unlock()
	if err != nil {
		return Result{}, err
	}
	res, err := m.transcribe(ctx, s, audio, false)
	if m.onResult != nil {
		m.onResult(res, err)
	}
	return res, err
}

// Cancel discards captured audio without transcribing. A session whose
// transcription is already in flight cannot be cancelled.
func (m *Manager) Cancel(sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupLocked(sessionID, userID)
	if err != nil {
		return err
	}
	if s.state == StateTranscribing {
		return ErrTranscribing
	}
	m.removeLocked(s)
	return nil
}

// Get returns the current snapshot of a session.
func (m *Manager) Get(sessionID, userID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupLocked(sessionID, userID)
	if err != nil {
		return Info{}, err
	}
	return m.infoLocked(s), nil
}

func (m *Manager) lookupLocked(sessionID, userID string) (*Session, error) {
	s, ok := m.byID[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.UserID != userID {
		return nil, ErrSessionForbidden
	}
	return s, nil
}

func (m *Manager) infoLocked(s *Session) Info {
	return Info{
		ID:        s.ID,
		State:     s.state,
		MimeType:  s.MimeType,
		Language:  s.Language,
		StartedAt: s.StartedAt,
		ByteSize:  s.buf.Len(),
	}
}

// finalizeLocked moves the session to transcribing and hands back the
// captured audio. Callers hold m.mu.
func (m *Manager) finalizeLocked(s *Session) ([]byte, error) {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.buf.Len() == 0 {
		m.removeLocked(s)
		return nil, ErrNoAudio
	}
	s.state = StateStopped
	audio := make([]byte, s.buf.Len())
	copy(audio, s.buf.Bytes())
	s.state = StateTranscribing
	return audio, nil
}

func (m *Manager) removeLocked(s *Session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(m.byID, s.ID)
	delete(m.byUser, s.UserID)
}

func (m *Manager) transcribe(ctx context.Context, s *Session, audio []byte, auto bool) (Result, error) {
	defer func() {
		m.mu.Lock()
		m.removeLocked(s)
		m.mu.Unlock()
	}()

	res := Result{
		SessionID:   s.ID,
		UserID:      s.UserID,
		Duration:    time.Since(s.StartedAt),
		AutoStopped: auto,
	}
	if m.objects != nil {
		key := storage.RecordingKey(s.UserID, s.ID)
		if err := m.objects.Put(ctx, key, bytes.NewReader(audio), int64(len(audio)), s.MimeType); err != nil {
			// The recording copy is best effort; transcription
			// still proceeds from the in-memory buffer.
			m.logger.Warn("upload recording failed", "session_id", s.ID, "error", err)
		} else {
			res.RecordingKey = key
		}
	}
	tr, err := m.transcriber.Transcribe(ctx, audio, s.MimeType)
	if err != nil {
		return res, fmt.Errorf("transcribe recording: %w", err)
	}
	res.Transcript = tr
	if tr.Confidence < lowConfidenceThreshold {
		res.Warning = fmt.Sprintf("low transcription confidence (%.2f)", tr.Confidence)
	}
	return res, nil
}

// autoStop fires when a session outlives the duration ceiling.
func (m *Manager) autoStop(sessionID string) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if !ok || s.state == StateTranscribing {
		m.mu.Unlock()
		return
	}
	audio, err := m.finalizeLocked(s)
	m.mu.Unlock()
	if err != nil {
		if m.onResult != nil {
			m.onResult(Result{SessionID: sessionID, UserID: s.UserID, AutoStopped: true}, err)
		}
		return
	}
	m.logger.Info("recording hit duration ceiling", "session_id", sessionID, "user_id", s.UserID)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := m.transcribe(ctx, s, audio, true)
	if m.onResult != nil {
		m.onResult(res, err)
	}
}
