package domain

type LinkState string

const (
	LinkIdle                      LinkState = "idle"
	LinkCalling                   LinkState = "calling"
	LinkAwaitingRemoteDescription LinkState = "awaiting_remote_description"
	LinkConnected                 LinkState = "connected"
	LinkClosed                    LinkState = "closed"
	LinkFailed                    LinkState = "failed"
)

// Live reports whether a link in this state still owns a session.
func (s LinkState) Live() bool {
	switch s {
	case LinkCalling, LinkAwaitingRemoteDescription, LinkConnected:
		return true
	}
	return false
}

func (s LinkState) Terminal() bool {
	return s == LinkClosed || s == LinkFailed
}

type Direction string

const (
	DirectionCaller Direction = "caller"
	DirectionCallee Direction = "callee"
)
