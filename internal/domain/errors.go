package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrPartialSend          = errors.New("message stored but conversation summary not updated")
	ErrEmptyMessage         = errors.New("message text is empty")
	ErrMessageTooLong       = errors.New("message text is too long")
	ErrNotParticipant       = errors.New("you are not a participant of this conversation")
	ErrCannotChatSelf       = errors.New("cannot start a conversation with yourself")
	ErrInvalidIdentity      = errors.New("participant identity is empty")
)

// PartialSendError is returned with a durably stored message whose summary
// update failed after retries. The caller may retry just the summary step.
type PartialSendError struct {
	Message *Message
	Err     error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("message %s: %v: %v", e.Message.ID, ErrPartialSend, e.Err)
}

func (e *PartialSendError) Is(target error) bool {
	return target == ErrPartialSend
}

func (e *PartialSendError) Unwrap() error {
	return e.Err
}

// Unavailable wraps an I/O failure from a backing store.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
