package store

import "github.com/google/uuid"

// NewID returns a server-assigned record identifier.
func NewID() string {
	return uuid.NewString()
}
