package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/google/uuid"
)

// displayNamePrefix is prepended to the hash prefix of anonymous handles.
const displayNamePrefix = "User"

// GenerateConnectionID generates a unique signaling connection ID
func GenerateConnectionID() string {
	return uuid.NewString()
}

// GeneratePeerHandle generates a unique peer handle for clients that do not
// bring their own.
func GeneratePeerHandle() string {
	return uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

// DefaultInstanceID names this coordinator process when no instance ID is
// configured. The hostname survives restarts, so a restarted instance finds
// its own Redis keys again; a random ID is used when there is none.
func DefaultInstanceID() string {
	if host, err := os.Hostname(); err == nil {
		if host = strings.TrimSpace(host); host != "" {
			return host
		}
	}
	return uuid.NewString()
}

// DefaultDisplayName derives a stable display name from a peer handle:
// "User" followed by the first 6 hex chars of sha256(handle).
func DefaultDisplayName(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return displayNamePrefix + hex.EncodeToString(sum[:])[:6]
}
