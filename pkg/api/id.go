package api

import "github.com/google/uuid"

// NewID returns a random identifier for buffer items and callback operations.
func NewID() string {
	return uuid.NewString()
}
