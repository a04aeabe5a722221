// Package api provides clients for the widget backend's REST endpoints.
// Every call is a stateless wrapper around one HTTP exchange; session
// state (conversation id, token) lives with the caller.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pixelpower/support-widget/internal/httpkit"
	"github.com/pixelpower/support-widget/internal/transcript"
)

// HTTPError reports a non-success status from the backend. Callers that
// distinguish protocol failures from transport failures branch on it.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Client talks to one widget backend origin.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a backend client for the given HTTP origin.
func NewClient(base string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Base returns the backend origin the client was built for.
func (c *Client) Base() string {
	return c.base
}

func (c *Client) url(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.base + path
}

// postJSON sends body as JSON and decodes the response into out when
// out is non-nil. A non-2xx status returns *HTTPError with a bounded
// body excerpt.
func (c *Client) postJSON(ctx context.Context, path string, bearer string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			Status: resp.StatusCode,
			Body:   httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	if out == nil {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	}

	defer httpkit.DrainAndClose(resp.Body, 4096)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Session is the identity material returned by the init endpoint.
type Session struct {
	ConversationID string
	Token          string
}

// InitSession creates (or resumes) a backend conversation for a tenant.
// A response without a token is not fatal (the WebSocket simply stays
// gated until a token appears), but a response without a conversation
// id is, since history and the live feed hang off it.
func (c *Client) InitSession(ctx context.Context, tenantID string) (*Session, error) {
	var resp struct {
		ConversationID string `json:"conversation_id"`
		Token          string `json:"token"`
		AccessToken    string `json:"access_token"`
	}
	err := c.postJSON(ctx, "/api/widget/init",
		"", map[string]string{"tenant_id": tenantID}, &resp)
	if err != nil {
		return nil, fmt.Errorf("widget init: %w", err)
	}

	if resp.ConversationID == "" {
		return nil, fmt.Errorf("widget init: no conversation id in response")
	}

	token := resp.Token
	if token == "" {
		token = resp.AccessToken
	}
	if token == "" {
		c.logger.Warn("widget init returned no token, live feed disabled until one appears")
	}

	return &Session{ConversationID: resp.ConversationID, Token: token}, nil
}

// RawMessage is a history entry as the backend sends it. The text lives
// under one of several aliases depending on backend version.
type RawMessage struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	Sender         string   `json:"sender"`
	Text           string   `json:"text"`
	Message        string   `json:"message"`
	Reply          string   `json:"reply"`
	CreatedAt      WireTime `json:"created_at"`
}

// NormalizedText returns the first populated text alias.
func (m *RawMessage) NormalizedText() string {
	switch {
	case m.Text != "":
		return m.Text
	case m.Message != "":
		return m.Message
	default:
		return m.Reply
	}
}

// Normalize maps the wire shape to a transcript role, text, and epoch-
// millisecond timestamp. A missing or unparsable created_at falls back
// to the current time.
func (m *RawMessage) Normalize() (transcript.Role, string, int64) {
	ts := int64(m.CreatedAt)
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return transcript.ParseRole(m.Sender), m.NormalizedText(), ts
}

// WireTime parses the backend's created_at field, which is either an
// RFC 3339 string or an epoch-millisecond number. The zero value means
// unparsable or absent.
type WireTime int64

func (t *WireTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*t = 0
		return nil
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		*t = WireTime(int64(n))
		return nil
	}

	unquoted, err := strconv.Unquote(s)
	if err != nil {
		*t = 0
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, unquoted); err == nil {
			*t = WireTime(parsed.UnixMilli())
			return nil
		}
	}
	*t = 0
	return nil
}

// ListMessages fetches conversation history. A 404 means the
// conversation has no history yet and yields an empty slice, not an
// error. sender and limit are optional filters.
func (c *Client) ListMessages(ctx context.Context, conversationID, sender string, limit int) ([]RawMessage, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID)
	if sender != "" {
		q.Set("sender", sender)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url("/api/messages")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET /api/messages: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			Status: resp.StatusCode,
			Body:   httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	defer httpkit.DrainAndClose(resp.Body, 4096)
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return decodeHistory(body), nil
}

// decodeHistory accepts a bare array or a {"messages": [...]} envelope.
// Anything else reads as no history; backends have been seen returning
// an object here and the widget must not error out over it.
func decodeHistory(body []byte) []RawMessage {
	var messages []RawMessage
	if err := json.Unmarshal(body, &messages); err == nil {
		return messages
	}
	var env struct {
		Messages []RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		return env.Messages
	}
	return nil
}

// SendRequest is one outbound user message.
type SendRequest struct {
	ConversationID string
	SenderID       string
	Text           string
	Token          string // optional bearer token
	Target         string // optional routing hint ("agent")
}

// SendResult is what the send endpoint gives back. ConversationID is
// set when the backend revised the id; the caller must adopt it.
type SendResult struct {
	ConversationID string
	ReplyText      string
	ReplyID        string
}

// sendEnvelope tolerates the reply-field aliases across backend
// versions: the bot's text may be under text, message (string or
// object), reply, or payload.text, and its id under id, message.id, or
// payload.id.
type sendEnvelope struct {
	ConversationID string          `json:"conversation_id"`
	ID             string          `json:"id"`
	Text           string          `json:"text"`
	Message        json.RawMessage `json:"message"`
	Reply          string          `json:"reply"`
	Payload        *struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"payload"`
}

func (e *sendEnvelope) reply() (text, id string) {
	id = e.ID
	var msgText, msgID string
	if len(e.Message) > 0 {
		if err := json.Unmarshal(e.Message, &msgText); err != nil {
			var obj struct {
				ID   string `json:"id"`
				Text string `json:"text"`
			}
			if json.Unmarshal(e.Message, &obj) == nil {
				msgText, msgID = obj.Text, obj.ID
			}
		}
	}

	switch {
	case e.Text != "":
		text = e.Text
	case msgText != "":
		text = msgText
	case e.Reply != "":
		text = e.Reply
	case e.Payload != nil:
		text = e.Payload.Text
	}

	if id == "" {
		id = msgID
	}
	if id == "" && e.Payload != nil {
		id = e.Payload.ID
	}
	return text, id
}

// SendMessage posts a user message to the bot pipeline and returns the
// synchronous reply, if any.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	body := map[string]string{
		"conversation_id": req.ConversationID,
		"sender_id":       req.SenderID,
		"text":            req.Text,
	}
	if req.Target != "" {
		body["target"] = req.Target
	}

	var env sendEnvelope
	if err := c.postJSON(ctx, "/api/messages", req.Token, body, &env); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	text, id := env.reply()
	result := &SendResult{ReplyText: text, ReplyID: id}
	if env.ConversationID != "" && env.ConversationID != req.ConversationID {
		result.ConversationID = env.ConversationID
	}
	return result, nil
}
