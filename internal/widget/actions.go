package widget

import (
	"errors"
	"net/url"
	"strings"

	"github.com/pixelpower/support-widget/internal/escalation"
)

// gmailCompose is the compose endpoint used when no explicit email URL
// is configured.
const gmailCompose = "https://mail.google.com/mail/u/0/?view=cm&fs=1"

// ConnectTeam is the "Connect with team" quick action: it requests the
// human handoff directly, without a chat message.
func (w *Widget) ConnectTeam() {
	w.esc.Escalate(escalation.ReasonUserIntent)
}

// notifyAction reports quick-action usage to the backend. Best-effort;
// the action itself never waits on it.
func (w *Widget) notifyAction(action string) {
	var conv string
	w.call(func() { conv = w.conversationID })
	bg := w.bg
	go w.client.NotifySupport(bg, conv, action, "")
}

// EmailSupportURL returns the destination for the "Email Us" quick
// action: the configured URL as-is, or a Gmail compose link built from
// the configured address, subject, and body.
func (w *Widget) EmailSupportURL() (string, error) {
	s := w.cfg.Support
	if s.EmailURL != "" {
		w.notifyAction("email_support")
		return s.EmailURL, nil
	}
	if s.EmailTo == "" {
		return "", errors.New("no support email configured")
	}

	q := url.Values{}
	q.Set("to", s.EmailTo)
	if s.EmailSubject != "" {
		q.Set("su", s.EmailSubject)
	}
	if s.EmailBody != "" {
		q.Set("body", s.EmailBody)
	}
	w.notifyAction("email_support")
	return gmailCompose + "&" + q.Encode(), nil
}

// LiveSupportURL returns the dashboard destination for the "Live
// Support" quick action, with conversation and tenant placeholders
// filled in.
func (w *Widget) LiveSupportURL() (string, error) {
	tmpl := w.cfg.Support.DashboardURL
	if tmpl == "" {
		return "", errors.New("no live support dashboard configured")
	}

	var conv, tenant string
	w.call(func() { conv, tenant = w.conversationID, w.tenantID })

	r := strings.NewReplacer(
		"{convId}", url.PathEscape(conv),
		"{conversation_id}", url.PathEscape(conv),
		"{tenantId}", url.PathEscape(tenant),
	)
	w.notifyAction("live_support")
	return r.Replace(tmpl), nil
}

// HelpDocsURL returns the "Help Docs" quick action destination.
func (w *Widget) HelpDocsURL() (string, error) {
	if w.cfg.Support.HelpDocsURL == "" {
		w.notifyAction("open_docs_missing_url")
		return "", errors.New("no help docs url configured")
	}
	w.notifyAction("open_docs")
	return w.cfg.Support.HelpDocsURL, nil
}
