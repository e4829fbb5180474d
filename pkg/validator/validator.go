package validator

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is counted in runes after trimming.
const MaxMessageLength = 4000

// MaxIdentityLength bounds participant identities accepted from clients.
const MaxIdentityLength = 256

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

func ValidateOpenConversation(userID, otherUserID string) ValidationErrors {
	errs := make(ValidationErrors)

	validateIdentity("user_id", otherUserID, errs)
	if !errs.HasErrors() && otherUserID == userID {
		errs.Add("user_id", "Cannot start a conversation with yourself")
	}

	return errs
}

func ValidateMessage(text string) ValidationErrors {
	errs := make(ValidationErrors)

	text = strings.TrimSpace(text)
	if text == "" {
		errs.Add("text", "Message text is required")
	} else if n := utf8.RuneCountInString(text); n > MaxMessageLength {
		errs.Add("text", fmt.Sprintf("Message is too long (%d of %d characters)", n, MaxMessageLength))
	}

	return errs
}

func ValidateClientKey(key string) ValidationErrors {
	errs := make(ValidationErrors)

	if len(key) > 128 {
		errs.Add("client_key", "Client key is too long")
	}

	return errs
}

func validateIdentity(field, id string, errs ValidationErrors) {
	switch {
	case strings.TrimSpace(id) == "":
		errs.Add(field, "User ID is required")
	case len(id) > MaxIdentityLength:
		errs.Add(field, "User ID is too long")
	case !utf8.ValidString(id):
		errs.Add(field, "User ID must be valid UTF-8")
	}
}
