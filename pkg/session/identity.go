// Package session composes the per-conversation engine: steering,
// choice negotiation, recovery, rate-limit fallback, the query state
// machine and persistence.
package session

import (
	"fmt"
	"strings"
)

// MainThread is the sentinel thread for unthreaded chats
const MainThread = "main"

// Identity names one conversation: a transport tenant, a channel
// within it, and a thread within the channel.
type Identity struct {
	Tenant  string `json:"tenant"`
	Channel string `json:"channel"`
	Thread  string `json:"thread"`
}

// NewIdentity builds an identity, substituting the main-thread
// sentinel when the chat is unthreaded.
func NewIdentity(tenant, channel, thread string) Identity {
	if thread == "" {
		thread = MainThread
	}
	return Identity{Tenant: tenant, Channel: channel, Thread: thread}
}

// String renders the canonical colon-joined form
func (id Identity) String() string {
	return fmt.Sprintf("%s:%s:%s", id.Tenant, id.Channel, id.Thread)
}

// Key returns the filesystem-safe encoding used for persistence and
// lane names. Characters outside [a-zA-Z0-9._-] are mapped to '-'.
func (id Identity) Key() string {
	return sanitizeKeyPart(id.Tenant) + "_" + sanitizeKeyPart(id.Channel) + "_" + sanitizeKeyPart(id.Thread)
}

// Valid reports whether all identity parts are present
func (id Identity) Valid() bool {
	return id.Tenant != "" && id.Channel != "" && id.Thread != ""
}

func sanitizeKeyPart(part string) string {
	var sb strings.Builder
	for _, r := range part {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '.' || r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	return sb.String()
}
