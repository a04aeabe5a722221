package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/pixelpower/support-widget/internal/transcript"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, quietLogger())
}

func TestInitSessionTokenAlias(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"conversation_id": "conv-1",
			"access_token":    "tok-alias",
		})
	}))

	sess, err := c.InitSession(testContext(t), "tenant-1")
	if err != nil {
		t.Fatalf("InitSession: %v", err)
	}
	if sess.ConversationID != "conv-1" || sess.Token != "tok-alias" {
		t.Errorf("session = %+v", sess)
	}
}

func TestInitSessionRequiresConversationID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
	}))

	if _, err := c.InitSession(testContext(t), "tenant-1"); err == nil {
		t.Fatal("expected error without conversation id")
	}
}

func TestInitSessionHTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tenant unknown", http.StatusBadRequest)
	}))

	_, err := c.InitSession(testContext(t), "nope")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want *HTTPError", err)
	}
	if httpErr.Status != http.StatusBadRequest {
		t.Errorf("status = %d", httpErr.Status)
	}
}

func TestListMessages404IsEmpty(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	msgs, err := c.ListMessages(testContext(t), "conv-1", "", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if msgs != nil {
		t.Errorf("msgs = %v, want nil", msgs)
	}
}

func TestListMessagesQueryParams(t *testing.T) {
	var gotQuery url.Values
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`[]`))
	}))

	if _, err := c.ListMessages(testContext(t), "conv-1", "user_abc", 500); err != nil {
		t.Fatal(err)
	}
	if gotQuery.Get("conversation_id") != "conv-1" ||
		gotQuery.Get("sender") != "user_abc" ||
		gotQuery.Get("limit") != "500" {
		t.Errorf("query = %v", gotQuery)
	}
}

func TestListMessagesBodyShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"bare array", `[{"id":"m1","text":"hello"},{"id":"m2","text":"hi"}]`, 2},
		{"messages envelope", `{"messages":[{"id":"m1","text":"hello"}]}`, 1},
		{"unexpected object", `{"error":"oops"}`, 0},
		{"null", `null`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			msgs, err := c.ListMessages(testContext(t), "conv-1", "", 0)
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			if len(msgs) != tc.want {
				t.Errorf("len = %d, want %d", len(msgs), tc.want)
			}
		})
	}
}

func TestWireTimeFormats(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{`1717243200000`, 1717243200000},
		{`"2024-06-01T12:00:00Z"`, 1717243200000},
		{`"2024-06-01T12:00:00.500Z"`, 1717243200500},
		{`"2024-06-01 12:00:00"`, 1717243200000},
		{`null`, 0},
		{`""`, 0},
		{`"yesterday"`, 0},
	}
	for _, tc := range cases {
		var wt WireTime
		if err := json.Unmarshal([]byte(tc.in), &wt); err != nil {
			t.Errorf("unmarshal %s: %v", tc.in, err)
			continue
		}
		if int64(wt) != tc.want {
			t.Errorf("WireTime(%s) = %d, want %d", tc.in, int64(wt), tc.want)
		}
	}
}

func TestRawMessageTextAliases(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"sender":"bot","text":"from text"}`, "from text"},
		{`{"sender":"bot","message":"from message"}`, "from message"},
		{`{"sender":"bot","reply":"from reply"}`, "from reply"},
		{`{"sender":"bot","text":"text wins","reply":"not me"}`, "text wins"},
	}
	for _, tc := range cases {
		var m RawMessage
		if err := json.Unmarshal([]byte(tc.raw), &m); err != nil {
			t.Fatal(err)
		}
		if got := m.NormalizedText(); got != tc.want {
			t.Errorf("NormalizedText(%s) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestRawMessageNormalizeRole(t *testing.T) {
	var m RawMessage
	json.Unmarshal([]byte(`{"sender":"assistant","text":"hi","created_at":5}`), &m)
	role, text, ts := m.Normalize()
	if role != transcript.RoleBot || text != "hi" || ts != 5 {
		t.Errorf("Normalize = %v, %q, %d", role, text, ts)
	}
}

func TestSendMessageReplyAliases(t *testing.T) {
	responses := []struct {
		body     string
		wantText string
		wantID   string
	}{
		{`{"text":"plain","id":"r1"}`, "plain", "r1"},
		{`{"message":"string message"}`, "string message", ""},
		{`{"message":{"id":"m1","text":"object message"}}`, "object message", "m1"},
		{`{"reply":"reply field"}`, "reply field", ""},
		{`{"payload":{"id":"p1","text":"payload text"}}`, "payload text", "p1"},
	}

	for _, tc := range responses {
		body := tc.body
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		res, err := c.SendMessage(testContext(t), SendRequest{
			ConversationID: "conv-1", SenderID: "user_x", Text: "q",
		})
		if err != nil {
			t.Fatalf("SendMessage(%s): %v", body, err)
		}
		if res.ReplyText != tc.wantText || res.ReplyID != tc.wantID {
			t.Errorf("reply(%s) = %q/%q, want %q/%q",
				body, res.ReplyText, res.ReplyID, tc.wantText, tc.wantID)
		}
	}
}

func TestSendMessageRevisedConversation(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"conversation_id":"conv-2","text":"moved"}`))
	}))

	res, err := c.SendMessage(testContext(t), SendRequest{ConversationID: "conv-1", Text: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ConversationID != "conv-2" {
		t.Errorf("ConversationID = %q, want conv-2", res.ConversationID)
	}
}

func TestSendMessageBearerToken(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"text":"ok"}`))
	}))

	c.SendMessage(testContext(t), SendRequest{ConversationID: "c", Text: "q", Token: "tok-1"})
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestSearchFallsBackToTrailingSlash(t *testing.T) {
	var paths []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/api/ai-search" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"answer_markdown":"the answer","citations":[{"title":"Doc","url":"https://d.example.com/a"}]}`))
	}))

	res, err := c.Search(testContext(t), "q", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(paths) != 2 || paths[1] != "/api/ai-search/" {
		t.Errorf("paths tried = %v", paths)
	}
	if res.Answer != "the answer" || len(res.Results) != 1 {
		t.Errorf("res = %+v", res)
	}
}

func TestSearchBareArrayResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"title":"Bare","url":"https://d.example.com/bare"}]`))
	}))

	res, err := c.Search(testContext(t), "q", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 1 || res.Results[0].Title != "Bare" {
		t.Errorf("results = %+v", res.Results)
	}
}

func TestSearchAllPathsFail(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))

	if _, err := c.Search(testContext(t), "q", 5); err == nil {
		t.Fatal("expected error when every search path fails")
	}
}

func TestNotifySupportBestEffort(t *testing.T) {
	ok := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	if !ok.NotifySupport(testContext(t), "conv-1", "connect_agent", "user_intent") {
		t.Error("NotifySupport = false on success")
	}

	down := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	if down.NotifySupport(testContext(t), "conv-1", "connect_agent", "user_intent") {
		t.Error("NotifySupport = true on failure")
	}
}

func TestSendToAgentFallsBack(t *testing.T) {
	var paths []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/agent/messages" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{}`))
	}))

	if !c.SendToAgent(testContext(t), "conv-1", "help", "user_x") {
		t.Fatal("SendToAgent = false")
	}
	if len(paths) != 2 || paths[1] != "/messages" {
		t.Errorf("paths = %v", paths)
	}
}
