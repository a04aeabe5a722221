// Package escalation decides when a conversation leaves the bot and
// moves to a human agent, and tracks that handoff's progress. The mode
// only ever moves forward: once an agent is involved the bot never
// comes back for the life of the session.
package escalation

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Mode is the conversation's current handler.
type Mode int

const (
	// ModeBot is the default: the AI answers.
	ModeBot Mode = iota
	// ModeAgentJoining means a handoff was requested and the widget is
	// waiting for an agent to pick up.
	ModeAgentJoining
	// ModeAgentActive means a human agent holds the conversation.
	ModeAgentActive
)

func (m Mode) String() string {
	switch m {
	case ModeBot:
		return "bot"
	case ModeAgentJoining:
		return "agent_joining"
	case ModeAgentActive:
		return "agent_active"
	default:
		return "unknown"
	}
}

// Reason explains why a handoff was triggered.
type Reason string

const (
	ReasonBotTimeout   Reason = "bot_timeout"
	ReasonNetworkError Reason = "network_error"
	ReasonEmptyReply   Reason = "empty_reply"
	ReasonUserIntent   Reason = "user_intent"
)

// BotReplyTimeout is how long a user message may go unanswered before
// the widget gives up on the bot.
const BotReplyTimeout = 15 * time.Second

var (
	errEmptyContact = errors.New("contact is required")
	errEmailContact = errors.New("enter a name or phone number, not an email")
)

// Hooks are the machine's outward callbacks.
type Hooks struct {
	// Escalated fires exactly once, on the transition out of ModeBot.
	Escalated func(Reason)
	// AgentJoined fires when a named agent takes over.
	AgentJoined func(name string)
}

// Machine tracks the bot-to-agent handoff. Callbacks and timer fires
// run through dispatch, which the owner points at its event loop; with
// a nil dispatch they run inline.
type Machine struct {
	mu        sync.Mutex
	mode      Mode
	escalated bool
	formShown bool

	timer        *time.Timer
	timerGen     int
	pendingSince time.Time

	hooks    Hooks
	dispatch func(func())
	logger   *slog.Logger
}

// NewMachine starts in ModeBot. formShown seeds the one-time contact
// form flag from persisted state.
func NewMachine(hooks Hooks, dispatch func(func()), formShown bool, logger *slog.Logger) *Machine {
	if dispatch == nil {
		dispatch = func(f func()) { f() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		formShown: formShown,
		hooks:     hooks,
		dispatch:  dispatch,
		logger:    logger,
	}
}

// Mode returns the current handler.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Escalated reports whether the handoff already happened.
func (m *Machine) Escalated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escalated
}

// UserSent records a user message. While the bot is still in charge it
// arms the no-reply timer; a second send before the bot answers
// restarts the clock.
func (m *Machine) UserSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != ModeBot || m.escalated {
		return
	}
	m.stopTimerLocked()
	m.pendingSince = time.Now()
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(BotReplyTimeout, func() {
		m.dispatch(func() { m.botTimeout(gen) })
	})
}

// BotReplied records that the bot answered; the no-reply timer is
// disarmed.
func (m *Machine) BotReplied() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
}

func (m *Machine) botTimeout(gen int) {
	m.mu.Lock()
	stale := gen != m.timerGen || m.mode != ModeBot || m.escalated
	m.mu.Unlock()
	if stale {
		return
	}
	m.logger.Info("bot reply timed out", "after", BotReplyTimeout.String())
	m.Escalate(ReasonBotTimeout)
}

// Escalate requests the handoff. Only the first call does anything;
// every later call, whatever its reason, is a no-op. It reports whether
// this call performed the transition.
func (m *Machine) Escalate(reason Reason) bool {
	m.mu.Lock()
	if m.escalated {
		m.mu.Unlock()
		return false
	}
	m.escalated = true
	m.mode = ModeAgentJoining
	m.stopTimerLocked()
	m.mu.Unlock()

	m.logger.Info("escalating to human agent", "reason", string(reason))
	if m.hooks.Escalated != nil {
		m.dispatch(func() { m.hooks.Escalated(reason) })
	}
	return true
}

// AgentAssigned records a human agent taking over. It reports whether
// this was the transition into ModeAgentActive; a repeated assignment
// frame changes nothing.
func (m *Machine) AgentAssigned(name string) bool {
	m.mu.Lock()
	if m.mode == ModeAgentActive {
		m.mu.Unlock()
		return false
	}
	// An assignment can arrive without a prior local escalation, e.g.
	// when a dashboard operator jumps in unprompted.
	m.escalated = true
	m.mode = ModeAgentActive
	m.stopTimerLocked()
	m.mu.Unlock()

	m.logger.Info("agent assigned", "name", name)
	if m.hooks.AgentJoined != nil {
		m.dispatch(func() { m.hooks.AgentJoined(name) })
	}
	return true
}

// PendingSince reports when the oldest unanswered user message was
// sent. ok is false when no reply is outstanding.
func (m *Machine) PendingSince() (t time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingSince, m.timer != nil
}

// PromptIdentity reports whether the contact form should be shown for
// this bot reply. The form shows at most once per persisted session;
// the first affirmative answer flips the flag, and the caller persists
// it.
func (m *Machine) PromptIdentity(reply string) bool {
	if !WantsIdentity(reply) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.formShown {
		return false
	}
	m.formShown = true
	return true
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}
