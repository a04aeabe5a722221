// Package session owns the widget's live-feed connection: the
// WebSocket lifecycle (connect, heartbeat, reconnect with backoff,
// auth-failure recovery) and the dispatch of inbound frames into the
// transcript. The protocol logic lives in [Machine], which consumes
// typed events synchronously and never touches a socket, so the whole
// transition table is testable without a network. [Conn] adapts a real
// gorilla WebSocket onto the machine.
package session

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/pixelpower/support-widget/internal/transcript"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HeartbeatInterval is how often the client pings an open connection.
const HeartbeatInterval = 20 * time.Second

// MaxAttempts caps reconnection tries before the connection goes
// permanently Failed.
const MaxAttempts = 6

// Backoff returns the reconnect delay for a 1-based attempt number:
// 1s, 2s, 4s, 8s, then capped at 10s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second << (attempt - 1)
	if d > 10*time.Second || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// isAuthClose reports whether a close code means the token was
// rejected. Reconnecting with the same token would loop forever; the
// session must be re-initialized instead.
func isAuthClose(code int) bool {
	switch code {
	case 4001, 4401, 4403, 1008:
		return true
	}
	return false
}

// CloseAction tells the connection runner what to do after a close.
type CloseAction int

const (
	// ActionRetry schedules a reconnect after the returned delay.
	ActionRetry CloseAction = iota
	// ActionReauth means the token was rejected: discard it and re-run
	// session init instead of reconnecting.
	ActionReauth
	// ActionFail means attempts are exhausted; stay down.
	ActionFail
)

// Sink receives reconciled inbound messages. The transcript satisfies
// it.
type Sink interface {
	Append(role transcript.Role, text, id string) (transcript.Message, bool)
}

// Hooks are the machine's outward callbacks. All run synchronously on
// the event that triggered them. Nil hooks are skipped.
type Hooks struct {
	// AgentAssigned fires when the backend attaches a human agent.
	AgentAssigned func(name string)
	// StateChange fires on every transition.
	StateChange func(State)
}

// Machine is the connection state machine. Events arrive one at a time
// (the runner goroutine serializes them); it is not safe for concurrent
// use.
type Machine struct {
	state    State
	attempts int
	seen     map[string]struct{}
	sink     Sink
	hooks    Hooks
	logger   *slog.Logger
}

// NewMachine creates a machine in StateIdle.
func NewMachine(sink Sink, hooks Hooks, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		seen:   make(map[string]struct{}),
		sink:   sink,
		hooks:  hooks,
		logger: logger,
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	return m.state
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("connection state change", "from", m.state.String(), "to", s.String())
	m.state = s
	if m.hooks.StateChange != nil {
		m.hooks.StateChange(s)
	}
}

// Connecting records a dial in progress.
func (m *Machine) Connecting() {
	m.setState(StateConnecting)
}

// Opened records a successful dial: the attempt counter resets and the
// per-connection seen-id set starts fresh.
func (m *Machine) Opened() {
	m.attempts = 0
	m.seen = make(map[string]struct{})
	m.setState(StateOpen)
}

// Closed consumes a close (or dial-failure) event and decides what
// happens next. Auth-rejection codes route to re-initialization; other
// closes retry with exponential backoff until MaxAttempts, then fail
// permanently.
func (m *Machine) Closed(code int) (CloseAction, time.Duration) {
	if isAuthClose(code) {
		m.logger.Info("connection closed by auth failure", "code", code)
		m.setState(StateIdle)
		return ActionReauth, 0
	}

	m.attempts++
	if m.attempts > MaxAttempts {
		m.logger.Warn("reconnect attempts exhausted", "attempts", m.attempts-1)
		m.setState(StateFailed)
		return ActionFail, 0
	}

	delay := Backoff(m.attempts)
	m.logger.Debug("scheduling reconnect",
		"attempt", m.attempts,
		"delay", delay.String(),
		"code", code,
	)
	m.setState(StateReconnecting)
	return ActionRetry, delay
}

// wireMessage is one chat message as it appears inside live frames.
type wireMessage struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Scope  string `json:"scope"`
}

// frame is the server frame envelope, discriminated by Type. Legacy
// servers batch messages under Messages with no type at all.
type frame struct {
	Type     string        `json:"type"`
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Sender   string        `json:"sender"`
	Text     string        `json:"text"`
	Scope    string        `json:"scope"`
	Message  *wireMessage  `json:"message"`
	Messages []wireMessage `json:"messages"`
}

// Frame consumes one inbound frame. Malformed JSON is logged and
// dropped without touching the connection. Frames carrying an already-
// seen id are dropped here as well. The transcript de-duplicates by id
// too, but catching replays at the connection keeps cross-source races
// out of the reconciler's way.
func (m *Machine) Frame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		m.logger.Warn("malformed frame dropped", "error", err)
		return
	}

	if f.ID != "" {
		if _, dup := m.seen[f.ID]; dup {
			m.logger.Debug("duplicate frame dropped", "id", f.ID)
			return
		}
		m.seen[f.ID] = struct{}{}
	}

	switch f.Type {
	case "agent.assigned":
		name := f.Name
		if name == "" {
			name = "Agent"
		}
		if m.hooks.AgentAssigned != nil {
			m.hooks.AgentAssigned(name)
		}

	case "message":
		// Tenant-scoped broadcasts are dashboard traffic, not part of
		// this conversation.
		if f.Scope == "tenant" {
			return
		}
		m.deliver(wireMessage{ID: f.ID, Sender: f.Sender, Text: f.Text})

	case "message.created":
		if f.Message != nil {
			m.deliver(*f.Message)
		}

	case "pong":
		// Heartbeat reply, nothing to do.

	default:
		if len(f.Messages) > 0 {
			for _, wm := range f.Messages {
				m.deliver(wm)
			}
			return
		}
		m.logger.Debug("unhandled frame type", "type", f.Type)
	}
}

func (m *Machine) deliver(wm wireMessage) {
	if strings.TrimSpace(wm.Text) == "" {
		return
	}
	m.sink.Append(transcript.ParseRole(wm.Sender), wm.Text, wm.ID)
}
