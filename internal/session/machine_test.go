package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/pixelpower/support-widget/internal/transcript"
)

type recordSink struct {
	entries []string
}

func (s *recordSink) Append(role transcript.Role, text, id string) (transcript.Message, bool) {
	s.entries = append(s.entries, fmt.Sprintf("%s|%s|%s", role, text, id))
	return transcript.Message{ID: id, Role: role, Text: text}, true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestBackoffSequence(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestClosedRetriesThenFails(t *testing.T) {
	m := NewMachine(&recordSink{}, Hooks{}, quietLogger())

	for i := 1; i <= MaxAttempts; i++ {
		action, delay := m.Closed(1006)
		if action != ActionRetry {
			t.Fatalf("attempt %d: action = %v, want ActionRetry", i, action)
		}
		if delay != Backoff(i) {
			t.Errorf("attempt %d: delay = %v, want %v", i, delay, Backoff(i))
		}
		if m.State() != StateReconnecting {
			t.Errorf("attempt %d: state = %v, want reconnecting", i, m.State())
		}
	}

	action, _ := m.Closed(1006)
	if action != ActionFail {
		t.Fatalf("after %d attempts: action = %v, want ActionFail", MaxAttempts, action)
	}
	if m.State() != StateFailed {
		t.Errorf("state = %v, want failed", m.State())
	}
}

func TestOpenedResetsAttempts(t *testing.T) {
	m := NewMachine(&recordSink{}, Hooks{}, quietLogger())

	m.Closed(1006)
	m.Closed(1006)
	m.Opened()
	if m.State() != StateOpen {
		t.Fatalf("state = %v, want open", m.State())
	}

	_, delay := m.Closed(1006)
	if delay != Backoff(1) {
		t.Errorf("delay after reopen = %v, want %v", delay, Backoff(1))
	}
}

func TestClosedAuthCodes(t *testing.T) {
	for _, code := range []int{4001, 4401, 4403, 1008} {
		m := NewMachine(&recordSink{}, Hooks{}, quietLogger())
		action, _ := m.Closed(code)
		if action != ActionReauth {
			t.Errorf("code %d: action = %v, want ActionReauth", code, action)
		}
		if m.State() != StateIdle {
			t.Errorf("code %d: state = %v, want idle", code, m.State())
		}
	}
}

func TestFrameMessageDelivery(t *testing.T) {
	sink := &recordSink{}
	m := NewMachine(sink, Hooks{}, quietLogger())
	m.Opened()

	m.Frame([]byte(`{"type":"message","id":"m1","sender":"agent","text":"hello"}`))
	if len(sink.entries) != 1 || sink.entries[0] != "agent|hello|m1" {
		t.Fatalf("entries = %v", sink.entries)
	}
}

func TestFrameDuplicateIDDropped(t *testing.T) {
	sink := &recordSink{}
	m := NewMachine(sink, Hooks{}, quietLogger())
	m.Opened()

	m.Frame([]byte(`{"type":"message","id":"m1","sender":"bot","text":"hi"}`))
	m.Frame([]byte(`{"type":"message","id":"m1","sender":"bot","text":"hi"}`))
	if len(sink.entries) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(sink.entries))
	}

	// A fresh connection starts with a clean seen set.
	m.Opened()
	m.Frame([]byte(`{"type":"message","id":"m1","sender":"bot","text":"hi"}`))
	if len(sink.entries) != 2 {
		t.Fatalf("got %d deliveries after reopen, want 2", len(sink.entries))
	}
}

func TestFrameTenantScopeFiltered(t *testing.T) {
	sink := &recordSink{}
	m := NewMachine(sink, Hooks{}, quietLogger())
	m.Opened()

	m.Frame([]byte(`{"type":"message","id":"m1","sender":"agent","text":"broadcast","scope":"tenant"}`))
	if len(sink.entries) != 0 {
		t.Fatalf("tenant-scoped frame delivered: %v", sink.entries)
	}
}

func TestFrameMessageCreated(t *testing.T) {
	sink := &recordSink{}
	m := NewMachine(sink, Hooks{}, quietLogger())
	m.Opened()

	m.Frame([]byte(`{"type":"message.created","message":{"id":"m2","sender":"user","text":"echo"}}`))
	if len(sink.entries) != 1 || sink.entries[0] != "user|echo|m2" {
		t.Fatalf("entries = %v", sink.entries)
	}
}

func TestFrameBatchMessages(t *testing.T) {
	sink := &recordSink{}
	m := NewMachine(sink, Hooks{}, quietLogger())
	m.Opened()

	m.Frame([]byte(`{"messages":[{"id":"a","sender":"bot","text":"one"},{"id":"b","sender":"agent","text":"two"}]}`))
	if len(sink.entries) != 2 {
		t.Fatalf("entries = %v", sink.entries)
	}
}

func TestFrameAgentAssigned(t *testing.T) {
	var assigned string
	m := NewMachine(&recordSink{}, Hooks{
		AgentAssigned: func(name string) { assigned = name },
	}, quietLogger())
	m.Opened()

	m.Frame([]byte(`{"type":"agent.assigned","name":"Priya"}`))
	if assigned != "Priya" {
		t.Errorf("assigned = %q, want Priya", assigned)
	}

	m.Frame([]byte(`{"type":"agent.assigned"}`))
	if assigned != "Agent" {
		t.Errorf("assigned = %q, want default Agent", assigned)
	}
}

func TestFrameMalformedDropped(t *testing.T) {
	sink := &recordSink{}
	m := NewMachine(sink, Hooks{}, quietLogger())
	m.Opened()

	m.Frame([]byte(`{not json`))
	m.Frame([]byte(`{"type":"message","id":"ok","sender":"bot","text":"still alive"}`))
	if len(sink.entries) != 1 {
		t.Fatalf("entries = %v", sink.entries)
	}
}

func TestFrameEmptyTextDropped(t *testing.T) {
	sink := &recordSink{}
	m := NewMachine(sink, Hooks{}, quietLogger())
	m.Opened()

	m.Frame([]byte(`{"type":"message","id":"m1","sender":"bot","text":"  "}`))
	if len(sink.entries) != 0 {
		t.Fatalf("entries = %v", sink.entries)
	}
}

func TestBuildURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:8000", "ws://127.0.0.1:8000/ws/conversations/c1?token=tok"},
		{"https://api.example.com/v2", "wss://api.example.com/ws/conversations/c1?token=tok"},
	}
	for _, tc := range cases {
		got, err := BuildURL(tc.base, "c1", "tok")
		if err != nil {
			t.Fatalf("BuildURL(%q): %v", tc.base, err)
		}
		if got != tc.want {
			t.Errorf("BuildURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}

	if _, err := BuildURL("ftp://example.com", "c1", "tok"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestPingFrame(t *testing.T) {
	at := time.UnixMilli(1712345678901)
	var got struct {
		Type string `json:"type"`
		At   int64  `json:"at"`
	}
	if err := json.Unmarshal(pingFrame(at), &got); err != nil {
		t.Fatalf("ping frame is not valid JSON: %v", err)
	}
	if got.Type != "ping" || got.At != 1712345678901 {
		t.Errorf("ping frame = %+v", got)
	}
}
