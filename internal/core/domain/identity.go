package domain

// Identity is what the identity provider yields for a session.
type Identity struct {
	Handle      PeerHandle
	DisplayName string
}
