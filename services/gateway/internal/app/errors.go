package app

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationNotFound signals the conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationForbidden signals the conversation belongs to another user.
	ErrConversationForbidden = errors.New("conversation belongs to another user")
	// ErrEmptyUpdate signals a PATCH carried no recognized fields.
	ErrEmptyUpdate = errors.New("no updatable fields provided")
	// ErrProfileNotFound signals the user has no profile row.
	ErrProfileNotFound = errors.New("profile not found")
)

// ValidationError reports a rejected request field. Handlers map it to a
// 400/422 response with the field name in the message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
