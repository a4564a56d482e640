package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GeneratePeerID returns a server-assigned peer id for connections that
// register without supplying one.
func GeneratePeerID() string {
	return uuid.New().String()
}

// GenerateSessionID returns a unique call session id.
func GenerateSessionID() string {
	return fmt.Sprintf("call_%s", uuid.New().String())
}
