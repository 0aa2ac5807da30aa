package pkg

import (
	"github.com/google/uuid"
)

// NewJobUUID creates the externally visible handle for a job: a random
// RFC 4122 UUIDv4 with the version and variant bits set.
func NewJobUUID() string {
	return uuid.New().String()
}
