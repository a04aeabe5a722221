// Package widget is the conversation engine behind the support chat
// surface: it resolves identity, drives the session against the
// backend, reconciles the transcript across REST and the live feed,
// and runs the bot-to-agent escalation rules. A front end consumes it
// through Send/Search/quick-action calls and the Events channel.
//
// All conversation state is owned by a single event-loop goroutine;
// network calls happen on caller or connection goroutines and post
// their state changes onto the loop.
package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pixelpower/support-widget/internal/api"
	"github.com/pixelpower/support-widget/internal/config"
	"github.com/pixelpower/support-widget/internal/escalation"
	"github.com/pixelpower/support-widget/internal/identity"
	"github.com/pixelpower/support-widget/internal/session"
	"github.com/pixelpower/support-widget/internal/storage"
	"github.com/pixelpower/support-widget/internal/transcript"
)

// User-visible notices. These strings are part of the product surface;
// keep them in sync with the hosted widget.
const (
	noticeConnectingAgent = "Connecting you to a human agent…"
	noticeNetworkIssue    = "Sorry, there was a network issue."
	noticeSearchError     = "Network error. Please try again."
	noticeAgentUnreached  = "Couldn't reach the agent. We'll keep trying."
	noticeNoAnswer        = "Hmm, I don't have a good answer to that."
)

// searchDebounce is the pause after the last keystroke before a
// type-ahead search fires.
const searchDebounce = 350 * time.Millisecond

// EventKind discriminates Events.
type EventKind int

const (
	// EventMessage carries a message newly admitted to the transcript.
	EventMessage EventKind = iota
	// EventConnState carries a live-feed state change.
	EventConnState
	// EventMode carries an escalation mode change.
	EventMode
	// EventSearch carries type-ahead search results.
	EventSearch
	// EventIdentityPrompt asks the front end to collect contact
	// details.
	EventIdentityPrompt
	// EventNotice carries a transient user-visible notice outside the
	// transcript.
	EventNotice
)

// Tone hints how the front end should style a notice.
type Tone string

const (
	ToneInfo    Tone = "info"
	ToneSuccess Tone = "success"
	ToneError   Tone = "error"
)

// Event is one item on the Events channel.
type Event struct {
	Kind      EventKind
	Message   transcript.Message
	ConnState session.State
	Mode      escalation.Mode
	Search    *api.SearchResponse
	Notice    string
	Tone      Tone
}

// Widget is the conversation engine. Create with New, call Start once,
// then use it from any goroutine.
type Widget struct {
	cfg      *config.Config
	store    storage.Store
	resolver *identity.Resolver
	client   *api.Client
	logger   *slog.Logger

	ops     chan func()
	quit    chan struct{}
	stopped chan struct{}
	events  chan Event

	closeOnce sync.Once

	// Everything below is owned by the loop goroutine.
	transcript     *transcript.Transcript
	esc            *escalation.Machine
	machine        *session.Machine
	conn           *session.Conn
	connState      session.State
	conversationID string
	token          string
	tenantID       string
	senderID       string
	searchTimer    *time.Timer
	bg             context.Context
	bgCancel       context.CancelFunc
}

// New wires a widget from configuration and a state store. Nothing
// touches the network until Start.
func New(cfg *config.Config, store storage.Store, logger *slog.Logger) *Widget {
	if logger == nil {
		logger = slog.Default()
	}
	resolver := identity.NewResolver(cfg, store, logger)

	w := &Widget{
		cfg:        cfg,
		store:      store,
		resolver:   resolver,
		client:     api.NewClient(resolver.APIBase(), logger),
		logger:     logger,
		ops:        make(chan func(), 32),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		events:     make(chan Event, 64),
		transcript: transcript.New(),
		connState:  session.StateIdle,
	}
	w.bg, w.bgCancel = context.WithCancel(context.Background())

	formShown, _ := store.Get(cfg.Keys.FormShown)
	w.esc = escalation.NewMachine(escalation.Hooks{
		Escalated:   w.onEscalated,
		AgentJoined: w.onAgentJoined,
	}, w.post, formShown == "true", logger)

	go w.loop()
	return w
}

// Events exposes the outbound event stream. The channel is never
// closed while the widget is running; after Close it stops receiving.
func (w *Widget) Events() <-chan Event {
	return w.events
}

func (w *Widget) loop() {
	defer close(w.stopped)
	for {
		select {
		case f := <-w.ops:
			f()
		case <-w.quit:
			return
		}
	}
}

// post queues f onto the event loop and returns immediately. After
// Close it runs nothing.
func (w *Widget) post(f func()) {
	select {
	case w.ops <- f:
	case <-w.quit:
	}
}

// call runs f on the event loop and waits for it.
func (w *Widget) call(f func()) {
	done := make(chan struct{})
	w.post(func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
	case <-w.stopped:
	}
}

// emit delivers an event without ever blocking the loop. When the
// consumer lags the oldest event is dropped.
func (w *Widget) emit(e Event) {
	for {
		select {
		case w.events <- e:
			return
		default:
		}
		select {
		case old := <-w.events:
			w.logger.Debug("event dropped, consumer lagging", "kind", old.Kind)
		default:
		}
	}
}

// Start resolves identity, establishes (or resumes) the session, loads
// history, and opens the live feed. A missing tenant id is fatal: the
// widget stays inert rather than retrying a request that can never
// succeed.
func (w *Widget) Start(ctx context.Context) error {
	tenant := w.resolver.EnsureTenant()
	if tenant == "" {
		w.logger.Error("tenant id missing, widget disabled")
		return errors.New("tenant id is not configured")
	}
	sender := w.resolver.SenderID()

	w.call(func() {
		w.tenantID = tenant
		w.senderID = sender
	})

	if err := w.ensureSession(ctx); err != nil {
		// Not fatal: sends retry session init, and the widget can
		// still show the notice state.
		w.logger.Warn("session init failed at startup", "error", err)
		w.call(func() { w.emit(Event{Kind: EventNotice, Notice: noticeNetworkIssue, Tone: ToneError}) })
		return nil
	}

	w.loadHistory(ctx)
	w.call(func() { w.openFeed() })
	return nil
}

// ensureSession makes sure a conversation id and token exist, reusing
// persisted credentials or initializing a fresh session.
func (w *Widget) ensureSession(ctx context.Context) error {
	var conv, token string
	w.call(func() {
		conv, token = w.conversationID, w.token
	})
	if conv == "" {
		conv = w.resolver.Conversation()
	}
	if token == "" {
		token, _ = w.store.Get(w.cfg.Keys.Token)
	}

	if conv == "" || token == "" {
		sess, err := w.client.InitSession(ctx, w.resolver.Tenant())
		if err != nil {
			return fmt.Errorf("init session: %w", err)
		}
		conv = sess.ConversationID
		if sess.Token != "" {
			token = sess.Token
		}
		w.persistSession(conv, token)
	}

	w.call(func() {
		w.conversationID = conv
		w.token = token
	})
	return nil
}

func (w *Widget) persistSession(conv, token string) {
	if conv != "" {
		if err := w.store.Set(w.cfg.Keys.Conversation, conv); err != nil {
			w.logger.Warn("persist conversation id failed", "error", err)
		}
	}
	if token != "" {
		if err := w.store.Set(w.cfg.Keys.Token, token); err != nil {
			w.logger.Warn("persist token failed", "error", err)
		}
	}
}

// loadHistory fetches prior messages and replays them through the
// reconciler.
func (w *Widget) loadHistory(ctx context.Context) {
	var conv, sender string
	w.call(func() { conv, sender = w.conversationID, w.senderID })
	if conv == "" {
		return
	}

	raw, err := w.client.ListMessages(ctx, conv, sender, w.cfg.HistoryLimit)
	if err != nil {
		w.logger.Warn("history fetch failed", "error", err)
		return
	}

	w.call(func() {
		for _, m := range raw {
			role, text, ts := m.Normalize()
			if msg, ok := w.transcript.AppendAt(role, text, m.ID, ts); ok {
				w.emit(Event{Kind: EventMessage, Message: msg})
			}
		}
	})
	w.logger.Debug("history loaded", "fetched", len(raw), "kept", w.Len())
}

// openFeed starts the live connection when enabled and credentialed.
// Loop goroutine only.
func (w *Widget) openFeed() {
	if !w.cfg.WebSocketEnabled() {
		w.logger.Debug("live feed disabled by config")
		return
	}
	if w.conversationID == "" || w.token == "" {
		w.logger.Debug("live feed gated, missing conversation or token")
		return
	}
	if w.conn != nil {
		return
	}

	wsURL, err := session.BuildURL(w.client.Base(), w.conversationID, w.token)
	if err != nil {
		w.logger.Warn("live feed url invalid", "error", err)
		return
	}

	w.machine = session.NewMachine(connSink{w}, session.Hooks{
		AgentAssigned: func(name string) {
			w.post(func() { w.esc.AgentAssigned(name) })
		},
		StateChange: func(s session.State) {
			w.post(func() {
				w.connState = s
				w.emit(Event{Kind: EventConnState, ConnState: s})
			})
		},
	}, w.logger)
	w.conn = session.NewConn(wsURL, w.machine, w.reauthenticate, w.logger)
	w.conn.Start(w.bg)
}

// reauthenticate handles a token rejection: persisted credentials are
// discarded and the session is re-initialized from scratch.
func (w *Widget) reauthenticate() {
	w.post(func() {
		w.logger.Info("token rejected, reinitializing session")
		w.conn = nil
		w.machine = nil
		w.conversationID = ""
		w.token = ""
		if err := w.store.Delete(w.cfg.Keys.Token); err != nil {
			w.logger.Warn("discard token failed", "error", err)
		}
		if err := w.store.Delete(w.cfg.Keys.Conversation); err != nil {
			w.logger.Warn("discard conversation failed", "error", err)
		}

		bg := w.bg
		go func() {
			if err := w.ensureSession(bg); err != nil {
				w.logger.Warn("session reinit failed", "error", err)
				return
			}
			w.post(func() { w.openFeed() })
		}()
	})
}

// connSink feeds live-frame messages into the loop-owned transcript.
type connSink struct{ w *Widget }

func (s connSink) Append(role transcript.Role, text, id string) (transcript.Message, bool) {
	s.w.post(func() {
		if msg, ok := s.w.transcript.Append(role, text, id); ok {
			s.w.afterInbound(msg)
		}
	})
	return transcript.Message{}, false
}

// afterInbound runs the post-admission rules for a message that came in
// from the network. Loop goroutine only.
func (w *Widget) afterInbound(msg transcript.Message) {
	w.emit(Event{Kind: EventMessage, Message: msg})
	if msg.Role != transcript.RoleBot {
		return
	}
	w.esc.BotReplied()
	w.maybePromptIdentity(msg.Text)
}

// maybePromptIdentity shows the one-time contact form when a bot reply
// asks for it. Loop goroutine only.
func (w *Widget) maybePromptIdentity(reply string) {
	if !w.esc.PromptIdentity(reply) {
		return
	}
	if err := w.store.Set(w.cfg.Keys.FormShown, "true"); err != nil {
		w.logger.Warn("persist form-shown flag failed", "error", err)
	}
	w.emit(Event{Kind: EventIdentityPrompt})
	go w.client.RequestIdentity(w.bg, w.conversationID, w.token)
}

// onEscalated runs on the loop via the escalation machine's dispatch.
func (w *Widget) onEscalated(reason escalation.Reason) {
	w.emit(Event{Kind: EventMode, Mode: w.esc.Mode()})
	w.appendSystem(noticeConnectingAgent)

	conv, bg := w.conversationID, w.bg
	go func() {
		if !w.client.NotifySupport(bg, conv, "connect_agent", string(reason)) {
			w.logger.Warn("agent handoff notification failed", "reason", string(reason))
		}
	}()
}

// onAgentJoined runs on the loop via the escalation machine's dispatch.
func (w *Widget) onAgentJoined(name string) {
	w.emit(Event{Kind: EventMode, Mode: w.esc.Mode()})
	w.appendSystem(name + " joined the chat.")
}

// appendSystem adds a system line to the transcript. Loop goroutine
// only.
func (w *Widget) appendSystem(text string) {
	if msg, ok := w.transcript.Append(transcript.RoleSystem, text, ""); ok {
		w.emit(Event{Kind: EventMessage, Message: msg})
	}
}

// Messages snapshots the transcript in display order.
func (w *Widget) Messages() []transcript.Message {
	var out []transcript.Message
	w.call(func() { out = w.transcript.Messages() })
	return out
}

// Len reports the transcript length.
func (w *Widget) Len() int {
	n := 0
	w.call(func() { n = w.transcript.Len() })
	return n
}

// Mode reports the current escalation mode.
func (w *Widget) Mode() escalation.Mode {
	return w.esc.Mode()
}

// ConnState reports the live-feed state.
func (w *Widget) ConnState() session.State {
	var s session.State
	w.call(func() { s = w.connState })
	return s
}

// Close tears the widget down: the live feed closes, pending timers
// stop, and the loop exits. Safe to call more than once.
func (w *Widget) Close() {
	w.closeOnce.Do(func() {
		var conn *session.Conn
		w.call(func() {
			conn = w.conn
			w.conn = nil
			if w.searchTimer != nil {
				w.searchTimer.Stop()
				w.searchTimer = nil
			}
			if w.bgCancel != nil {
				w.bgCancel()
			}
		})
		if conn != nil {
			conn.Close()
		}
		close(w.quit)
		<-w.stopped
	})
}
