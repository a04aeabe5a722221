package widget

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/pixelpower/support-widget/internal/api"
	"github.com/pixelpower/support-widget/internal/escalation"
	"github.com/pixelpower/support-widget/internal/session"
	"github.com/pixelpower/support-widget/internal/transcript"
)

// Send submits one user message and runs the reply rules. Safe to call
// from any goroutine; transcript and machine mutations go through the
// event loop while the network round-trip happens here.
func (w *Widget) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if err := w.ensureSession(ctx); err != nil {
		w.logger.Warn("send blocked, no session", "error", err)
		w.call(func() {
			w.emit(Event{Kind: EventNotice, Notice: noticeNetworkIssue, Tone: ToneError})
		})
		return err
	}

	var (
		mode escalation.Mode
		conv string
	)
	w.call(func() {
		mode = w.esc.Mode()
		conv = w.conversationID
		// The local echo goes up immediately. When the live feed is
		// open the server copy comes back with an id; the reconciler
		// merges the two.
		if msg, ok := w.transcript.Append(transcript.RoleUser, text, ""); ok {
			w.emit(Event{Kind: EventMessage, Message: msg})
		}
	})

	// A human is (or will be) on the other end: route to the agent.
	if mode != escalation.ModeBot {
		return w.sendToAgent(ctx, conv, text)
	}

	// Still in bot mode: an explicit ask for a human skips the bot
	// entirely.
	if escalation.AgentIntent(text) {
		w.esc.Escalate(escalation.ReasonUserIntent)
		return nil
	}

	w.esc.UserSent()
	return w.askBot(ctx, conv, text)
}

func (w *Widget) sendToAgent(ctx context.Context, conv, text string) error {
	var (
		sender string
		conn   *session.Conn
		open   bool
	)
	w.call(func() {
		sender = w.senderID
		conn = w.conn
		open = w.connState == session.StateOpen
	})

	// The live socket is the fast path; the REST endpoint covers a
	// closed or flapping connection.
	if open && conn != nil {
		payload, _ := json.Marshal(map[string]string{
			"type":   "message",
			"text":   text,
			"sender": sender,
		})
		if err := conn.Send(payload); err == nil {
			return nil
		}
		w.logger.Debug("socket send failed, falling back to rest")
	}

	if w.client.SendToAgent(ctx, conv, text, sender) {
		return nil
	}
	w.call(func() { w.appendSystem(noticeAgentUnreached) })
	return nil
}

func (w *Widget) askBot(ctx context.Context, conv, text string) error {
	var sender, token string
	w.call(func() { sender, token = w.senderID, w.token })

	res, err := w.client.SendMessage(ctx, api.SendRequest{
		ConversationID: conv,
		SenderID:       sender,
		Text:           text,
		Token:          token,
	})
	if err != nil {
		w.logger.Warn("bot request failed", "error", err)
		w.call(func() { w.appendSystem(noticeNetworkIssue) })
		w.esc.Escalate(escalation.ReasonNetworkError)
		return err
	}

	// The backend may migrate the conversation mid-session.
	if res.ConversationID != "" && res.ConversationID != conv {
		w.logger.Info("conversation id revised by backend",
			"old", conv, "new", res.ConversationID)
		w.persistSession(res.ConversationID, "")
		w.call(func() { w.conversationID = res.ConversationID })
	}

	reply := strings.TrimSpace(res.ReplyText)
	if escalation.UnhelpfulReply(reply) {
		w.call(func() {
			if reply != "" {
				if msg, ok := w.transcript.Append(transcript.RoleBot, reply, res.ReplyID); ok {
					w.emit(Event{Kind: EventMessage, Message: msg})
				}
			}
			w.appendSystem(noticeNoAnswer)
		})
		w.esc.Escalate(escalation.ReasonEmptyReply)
		return nil
	}

	w.call(func() {
		if msg, ok := w.transcript.Append(transcript.RoleBot, reply, res.ReplyID); ok {
			w.afterInbound(msg)
		} else {
			// The live feed beat us to it; the timer still needs to
			// stand down.
			w.esc.BotReplied()
		}
	})
	return nil
}

// SubmitContact sends the visitor's name or phone number collected by
// the identity form. A validation error means the form should stay up;
// a network error means the form may retry.
func (w *Widget) SubmitContact(ctx context.Context, value string) error {
	if err := escalation.ValidateContact(value); err != nil {
		return err
	}

	var conv, token string
	w.call(func() { conv, token = w.conversationID, w.token })

	res, err := w.client.SubmitIdentity(ctx, conv, strings.TrimSpace(value), token)
	if err != nil {
		w.logger.Warn("identity submit failed", "error", err)
		return err
	}
	if !res.OK {
		if res.Message != "" {
			return errors.New(res.Message)
		}
		return errors.New("could not save contact details")
	}

	ack := res.Message
	if ack == "" {
		ack = "Thanks! Our team will use this to follow up."
	}
	w.call(func() { w.appendSystem(ack) })
	return nil
}
