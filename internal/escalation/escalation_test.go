package escalation

import (
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func (m *Machine) currentGen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timerGen
}

func TestEscalateOnce(t *testing.T) {
	var reasons []Reason
	m := NewMachine(Hooks{
		Escalated: func(r Reason) { reasons = append(reasons, r) },
	}, nil, false, quietLogger())

	if !m.Escalate(ReasonUserIntent) {
		t.Fatal("first Escalate returned false")
	}
	if m.Escalate(ReasonNetworkError) {
		t.Fatal("second Escalate should be a no-op")
	}
	if len(reasons) != 1 || reasons[0] != ReasonUserIntent {
		t.Errorf("reasons = %v", reasons)
	}
	if m.Mode() != ModeAgentJoining {
		t.Errorf("mode = %v, want agent_joining", m.Mode())
	}
}

func TestBotTimeoutFires(t *testing.T) {
	var got Reason
	m := NewMachine(Hooks{
		Escalated: func(r Reason) { got = r },
	}, nil, false, quietLogger())

	m.UserSent()
	m.botTimeout(m.currentGen())

	if got != ReasonBotTimeout {
		t.Fatalf("reason = %q, want bot_timeout", got)
	}
	if m.Mode() != ModeAgentJoining {
		t.Errorf("mode = %v, want agent_joining", m.Mode())
	}
}

func TestBotReplyDisarmsTimer(t *testing.T) {
	fired := false
	m := NewMachine(Hooks{
		Escalated: func(Reason) { fired = true },
	}, nil, false, quietLogger())

	m.UserSent()
	gen := m.currentGen()
	m.BotReplied()
	m.botTimeout(gen)

	if fired {
		t.Fatal("stale timeout escalated after bot reply")
	}
	if m.Mode() != ModeBot {
		t.Errorf("mode = %v, want bot", m.Mode())
	}
}

func TestResendRestartsTimer(t *testing.T) {
	fired := 0
	m := NewMachine(Hooks{
		Escalated: func(Reason) { fired++ },
	}, nil, false, quietLogger())

	m.UserSent()
	stale := m.currentGen()
	m.UserSent()
	m.botTimeout(stale)
	if fired != 0 {
		t.Fatal("stale timer generation escalated")
	}

	m.botTimeout(m.currentGen())
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestAgentAssignedIsTerminal(t *testing.T) {
	joins := 0
	m := NewMachine(Hooks{
		AgentJoined: func(string) { joins++ },
	}, nil, false, quietLogger())

	if !m.AgentAssigned("Priya") {
		t.Fatal("first assignment returned false")
	}
	if m.AgentAssigned("Priya") {
		t.Fatal("repeated assignment returned true")
	}
	if joins != 1 {
		t.Errorf("joins = %d, want 1", joins)
	}
	if m.Mode() != ModeAgentActive {
		t.Errorf("mode = %v, want agent_active", m.Mode())
	}

	// A late bot timeout must not pull the conversation back.
	m.UserSent()
	m.botTimeout(m.currentGen())
	if m.Mode() != ModeAgentActive {
		t.Errorf("mode regressed to %v", m.Mode())
	}
}

func TestPendingSinceTracksOutstandingReply(t *testing.T) {
	m := NewMachine(Hooks{}, nil, false, quietLogger())

	if _, ok := m.PendingSince(); ok {
		t.Fatal("reply outstanding before any send")
	}
	m.UserSent()
	since, ok := m.PendingSince()
	if !ok {
		t.Fatal("no outstanding reply after send")
	}
	if time.Since(since) > time.Second {
		t.Errorf("pending since %v, want roughly now", since)
	}
	m.BotReplied()
	if _, ok := m.PendingSince(); ok {
		t.Fatal("reply still outstanding after bot answered")
	}
}

func TestAgentIntent(t *testing.T) {
	yes := []string{
		"I want to talk to agent",
		"can you ESCALATE this",
		"this is not helpful at all",
		"please connect with team",
		"...",
		"-",
		"??",
		"hi",
		"ok",
	}
	for _, s := range yes {
		if !AgentIntent(s) {
			t.Errorf("AgentIntent(%q) = false, want true", s)
		}
	}

	no := []string{
		"how do I reset my password",
		"yes please",
	}
	for _, s := range no {
		if AgentIntent(s) {
			t.Errorf("AgentIntent(%q) = true, want false", s)
		}
	}
}

func TestUnhelpfulReply(t *testing.T) {
	yes := []string{
		"",
		"   ",
		"...",
		"-",
		"ok",
		"Sorry, I'm not sure about that.",
		"I do not have that information right now.",
	}
	for _, s := range yes {
		if !UnhelpfulReply(s) {
			t.Errorf("UnhelpfulReply(%q) = false, want true", s)
		}
	}

	if UnhelpfulReply("Your order ships tomorrow.") {
		t.Error("substantive reply classified as unhelpful")
	}
}

func TestWantsIdentity(t *testing.T) {
	if !WantsIdentity("Before we continue, Please share your name or phone number.") {
		t.Error("marker phrase not detected")
	}
	if WantsIdentity("here is your answer") {
		t.Error("false positive on plain reply")
	}
}

func TestValidateContact(t *testing.T) {
	if err := ValidateContact("Asha / 98765 43210"); err != nil {
		t.Errorf("valid contact rejected: %v", err)
	}
	if err := ValidateContact("  "); err == nil {
		t.Error("empty contact accepted")
	}
	if err := ValidateContact("asha@example.com"); err == nil {
		t.Error("email accepted as contact")
	}
}

func TestPromptIdentityOnce(t *testing.T) {
	m := NewMachine(Hooks{}, nil, false, quietLogger())

	reply := "To proceed, please share your name or phone number."
	if !m.PromptIdentity(reply) {
		t.Fatal("first marker reply did not prompt")
	}
	if m.PromptIdentity(reply) {
		t.Fatal("second marker reply prompted again")
	}
}

func TestPromptIdentityRespectsPersistedFlag(t *testing.T) {
	m := NewMachine(Hooks{}, nil, true, quietLogger())
	if m.PromptIdentity("please share your name or phone number") {
		t.Fatal("prompted despite persisted form-shown flag")
	}
}
