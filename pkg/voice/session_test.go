package voice

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"schemesathi/pkg/domain"
)

type fakeTranscriber struct {
	transcript domain.Transcript
	err        error
	calls      int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (domain.Transcript, error) {
	f.calls++
	if f.err != nil {
		return domain.Transcript{}, f.err
	}
	return f.transcript, nil
}

func newTestManager(t *testing.T, tr *fakeTranscriber, opts ...Option) *Manager {
	t.Helper()
	if tr == nil {
		tr = &fakeTranscriber{transcript: domain.Transcript{Text: "hello", Confidence: 0.9, Language: "en"}}
	}
	return NewManager(tr, slog.Default(), opts...)
}

func TestStartIsPerUserSingleton(t *testing.T) {
	m := newTestManager(t, nil)
	first, created, err := m.Start("u1", "audio/webm", "hi")
	if err != nil || !created {
		t.Fatalf("start: created=%v err=%v", created, err)
	}
	if first.State != StateRecording {
		t.Fatalf("state = %s, want recording", first.State)
	}
	second, created, err := m.Start("u1", "audio/ogg", "")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if created {
		t.Error("second start should be a no-op")
	}
	if second.ID != first.ID || second.MimeType != "audio/webm" {
		t.Errorf("second start returned %+v, want existing session %s", second, first.ID)
	}

	other, created, err := m.Start("u2", "", "")
	if err != nil || !created {
		t.Fatalf("other user start: created=%v err=%v", created, err)
	}
	if other.ID == first.ID {
		t.Error("sessions must be per user")
	}
}

func TestChunksOnlyWhileRecording(t *testing.T) {
	m := newTestManager(t, nil)
	info, _, _ := m.Start("u1", "", "")

	if _, err := m.AppendChunk(info.ID, "u1", []byte("abc")); err != nil {
		t.Fatalf("append while recording: %v", err)
	}
	if _, err := m.Pause(info.ID, "u1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := m.AppendChunk(info.ID, "u1", []byte("x")); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("append while paused = %v, want ErrNotRecording", err)
	}
	if _, err := m.Pause(info.ID, "u1"); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("double pause = %v, want ErrNotRecording", err)
	}
	if _, err := m.Resume(info.ID, "u1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, err := m.AppendChunk(info.ID, "u1", []byte("def"))
	if err != nil {
		t.Fatalf("append after resume: %v", err)
	}
	if got.ByteSize != 6 {
		t.Errorf("byte size = %d, want 6", got.ByteSize)
	}
}

func TestOwnershipChecks(t *testing.T) {
	m := newTestManager(t, nil)
	info, _, _ := m.Start("u1", "", "")

	if _, err := m.AppendChunk(info.ID, "u2", []byte("x")); !errors.Is(err, ErrSessionForbidden) {
		t.Fatalf("cross-user append = %v, want ErrSessionForbidden", err)
	}
	if err := m.Cancel(info.ID, "u2"); !errors.Is(err, ErrSessionForbidden) {
		t.Fatalf("cross-user cancel = %v, want ErrSessionForbidden", err)
	}
	if _, err := m.Get("missing", "u1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing session = %v, want ErrSessionNotFound", err)
	}
}

func TestStopTranscribes(t *testing.T) {
	tr := &fakeTranscriber{transcript: domain.Transcript{Text: "namaste", Confidence: 0.92, Language: "hi"}}
	m := newTestManager(t, tr)
	info, _, _ := m.Start("u1", "audio/webm", "hi")
	if _, err := m.AppendChunk(info.ID, "u1", []byte("audio-bytes")); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := m.Stop(context.Background(), info.ID, "u1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Transcript.Text != "namaste" || res.Transcript.Language != "hi" {
		t.Errorf("transcript = %+v", res.Transcript)
	}
	if res.Warning != "" {
		t.Errorf("unexpected warning %q", res.Warning)
	}
	if tr.calls != 1 {
		t.Errorf("transcriber calls = %d, want 1", tr.calls)
	}
	if _, err := m.Get(info.ID, "u1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session should be gone after stop, got %v", err)
	}
	// The user can start again.
	if _, created, err := m.Start("u1", "", ""); err != nil || !created {
		t.Errorf("restart after stop: created=%v err=%v", created, err)
	}
}

func TestLowConfidenceWarnsButSucceeds(t *testing.T) {
	tr := &fakeTranscriber{transcript: domain.Transcript{Text: "mumble", Confidence: 0.3, Language: "en"}}
	m := newTestManager(t, tr)
	info, _, _ := m.Start("u1", "", "")
	m.AppendChunk(info.ID, "u1", []byte("noisy"))

	res, err := m.Stop(context.Background(), info.ID, "u1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Transcript.Text != "mumble" {
		t.Errorf("transcript = %q", res.Transcript.Text)
	}
	if res.Warning == "" {
		t.Error("expected a low-confidence warning")
	}
}

func TestStopWithoutAudio(t *testing.T) {
	m := newTestManager(t, nil)
	info, _, _ := m.Start("u1", "", "")
	if _, err := m.Stop(context.Background(), info.ID, "u1"); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("stop empty = %v, want ErrNoAudio", err)
	}
}

func TestCancelSkipsTranscription(t *testing.T) {
	tr := &fakeTranscriber{}
	m := newTestManager(t, tr)
	info, _, _ := m.Start("u1", "", "")
	m.AppendChunk(info.ID, "u1", []byte("discard me"))

	if err := m.Cancel(info.ID, "u1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if tr.calls != 0 {
		t.Errorf("transcriber calls = %d, want 0", tr.calls)
	}
	if _, err := m.Get(info.ID, "u1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session should be gone after cancel, got %v", err)
	}
}

func TestDurationCeilingAutoStops(t *testing.T) {
	tr := &fakeTranscriber{transcript: domain.Transcript{Text: "cut off", Confidence: 0.8, Language: "en"}}
	results := make(chan Result, 1)
	m := newTestManager(t, tr,
		WithMaxDuration(30*time.Millisecond),
		WithResultFunc(func(res Result, err error) {
			if err != nil {
				t.Errorf("auto-stop result error: %v", err)
			}
			results <- res
		}),
	)
	info, _, _ := m.Start("u1", "", "")
	m.AppendChunk(info.ID, "u1", []byte("long recording"))

	select {
	case res := <-results:
		if !res.AutoStopped {
			t.Error("result should be marked auto-stopped")
		}
		if res.Transcript.Text != "cut off" {
			t.Errorf("transcript = %q", res.Transcript.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auto-stop")
	}
	if _, err := m.Get(info.ID, "u1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session should be gone after auto-stop, got %v", err)
	}
}
