package common

import (
	"github.com/google/uuid"
)

// NewEventID generates a short event identifier (first UUID block).
func NewEventID() string {
	return uuid.New().String()[:8]
}
