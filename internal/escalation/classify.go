package escalation

import (
	"regexp"
	"strings"
)

// fallbackPhrases mark a bot reply that admits it has no real answer.
var fallbackPhrases = []string{
	"message might be incomplete",
	"i'm not sure",
	"i am not sure",
	"i do not have that information",
	"unable to help",
	"cannot help with that",
}

// intentKeywords are the substrings that read as "get me a human".
var intentKeywords = []string{
	"talk to agent",
	"talk to human",
	"connect agent",
	"connect with team",
	"live support",
	"customer care",
	"call me",
	"speak to person",
	"need human",
	"escalate",
	"not helpful",
	"contact support",
	"help me person",
	"transfer to agent",
}

// punctuationOnly matches short runs of filler characters that carry no
// content, like "..." or "-".
var punctuationOnly = regexp.MustCompile(`^[.\-_\s]{1,6}$`)

// AgentIntent reports whether a user message should go to a human.
// Punctuation filler and very short messages count: a visitor mashing
// "..." or "??" at the bot wants a person, not another answer.
func AgentIntent(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if punctuationOnly.MatchString(t) {
		return true
	}
	if len(t) <= 2 {
		return true
	}
	for _, kw := range intentKeywords {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

// UnhelpfulReply reports whether a bot reply is effectively a
// non-answer: empty, punctuation filler, too short to mean anything,
// or one of the stock fallback phrases.
func UnhelpfulReply(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" || punctuationOnly.MatchString(t) || len(t) <= 2 {
		return true
	}
	lower := strings.ToLower(t)
	for _, p := range fallbackPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// identityMarker is the phrase the backend embeds in a bot reply when
// it wants the visitor's contact details collected.
const identityMarker = "please share your name or phone number"

// WantsIdentity reports whether a bot reply is asking the widget to
// run the contact-details form.
func WantsIdentity(text string) bool {
	return strings.Contains(strings.ToLower(text), identityMarker)
}

// ValidateContact checks a value typed into the contact form. The form
// collects a name or phone number; email addresses belong to the
// separate email-support action.
func ValidateContact(value string) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return errEmptyContact
	}
	if strings.Contains(v, "@") {
		return errEmailContact
	}
	return nil
}
