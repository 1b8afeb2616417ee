package app

import "errors"

var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationForbidden = errors.New("conversation forbidden")
	ErrMessageRequired       = errors.New("message is required")
	ErrMessageTooLong        = errors.New("message exceeds maximum length")
)
