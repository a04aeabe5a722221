package api

import (
	"context"
	"fmt"
)

// NotifySupport tells the backend support pipeline that something
// happened (escalation reason, quick-action click). Best effort: a
// failure is logged and reported as false, never returned as an error,
// because nothing in the UI flow can block on it.
func (c *Client) NotifySupport(ctx context.Context, conversationID, action, reason string) bool {
	body := map[string]string{"action": action}
	if conversationID != "" {
		body["conversation_id"] = conversationID
	}
	if reason != "" {
		body["reason"] = reason
	}

	if err := c.postJSON(ctx, "/support/connect", "", body, nil); err != nil {
		c.logger.Warn("support notify failed", "action", action, "error", err)
		return false
	}
	return true
}

// SendToAgent delivers a user message to the human-agent pipeline. It
// tries the dedicated agent endpoint first and falls back to the plain
// messages endpoint with an agent routing target. Best effort.
func (c *Client) SendToAgent(ctx context.Context, conversationID, text, clientID string) bool {
	body := map[string]any{
		"conversation_id": conversationID,
		"text":            text,
	}
	if clientID != "" {
		body["client_id"] = clientID
	}

	err := c.postJSON(ctx, "/agent/messages", "", body, nil)
	if err == nil {
		return true
	}
	c.logger.Warn("agent endpoint failed, trying fallback", "error", err)

	fallback := map[string]any{
		"conversation_id": conversationID,
		"sender":          "user",
		"text":            text,
		"target":          "agent",
		"attachments":     []any{},
	}
	if clientID != "" {
		fallback["client_id"] = clientID
	}

	if err := c.postJSON(ctx, "/messages", "", fallback, nil); err != nil {
		c.logger.Warn("agent fallback endpoint failed", "error", err)
		return false
	}
	return true
}

// IdentityResult is the submit endpoint's verdict on a contact detail.
type IdentityResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// SubmitIdentity sends the contact detail collected by the escalation
// form. Unlike the notify calls this returns an error, because the form
// stays open for retry on failure.
func (c *Client) SubmitIdentity(ctx context.Context, conversationID, text, token string) (*IdentityResult, error) {
	body := map[string]string{
		"conversation_id": conversationID,
		"text":            text,
	}

	var result IdentityResult
	if err := c.postJSON(ctx, "/api/identity/submit", token, body, &result); err != nil {
		return nil, fmt.Errorf("submit identity: %w", err)
	}
	return &result, nil
}

// RequestIdentity asks the backend to prompt for contact details.
// Fire-and-forget.
func (c *Client) RequestIdentity(ctx context.Context, conversationID, token string) {
	body := map[string]string{"conversation_id": conversationID}
	if err := c.postJSON(ctx, "/api/identity/request", token, body, nil); err != nil {
		c.logger.Debug("identity request failed", "error", err)
	}
}
