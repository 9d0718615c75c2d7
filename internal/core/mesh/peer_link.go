package mesh

import (
	"fmt"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
)

var transitions = map[domain.LinkState][]domain.LinkState{
	domain.LinkIdle: {
		domain.LinkCalling,
		domain.LinkAwaitingRemoteDescription,
		domain.LinkFailed,
		domain.LinkClosed,
	},
	domain.LinkCalling: {
		domain.LinkAwaitingRemoteDescription,
		domain.LinkConnected,
		domain.LinkFailed,
		domain.LinkClosed,
	},
	domain.LinkAwaitingRemoteDescription: {
		domain.LinkConnected,
		domain.LinkFailed,
		domain.LinkClosed,
	},
	domain.LinkConnected: {
		domain.LinkFailed,
		domain.LinkClosed,
	},
}

// PeerLink is one local media session toward one remote participant. It is
// owned by the orchestrator loop and never touched from any other goroutine.
type PeerLink struct {
	Remote    domain.PeerHandle
	Direction domain.Direction
	State     domain.LinkState
	Tracks    []ports.Track
	LastError error
	CreatedAt time.Time

	gen     uint64
	session ports.MediaSession

	remoteDescription bool
	pending           []domain.ICECandidate
	// pendingOffer holds an offer while the callee waits for local media.
	pendingOffer string
	attempts     int

	timer *time.Timer
}

func newPeerLink(remote domain.PeerHandle, dir domain.Direction, gen uint64, now time.Time) *PeerLink {
	return &PeerLink{
		Remote:    remote,
		Direction: dir,
		State:     domain.LinkIdle,
		CreatedAt: now,
		gen:       gen,
	}
}

func (l *PeerLink) transition(to domain.LinkState) error {
	if l.State == to {
		return nil
	}
	for _, allowed := range transitions[l.State] {
		if allowed == to {
			l.State = to
			return nil
		}
	}
	return fmt.Errorf("peer link %s: invalid transition %s -> %s", l.Remote, l.State, to)
}

// bufferOrApply adds a remote candidate now, or keeps it until the remote
// description is set.
func (l *PeerLink) bufferOrApply(c domain.ICECandidate) error {
	if !l.remoteDescription || l.session == nil {
		l.pending = append(l.pending, c)
		return nil
	}
	return l.session.AddICECandidate(c)
}

func (l *PeerLink) remoteDescriptionSet() error {
	l.remoteDescription = true
	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.session.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (l *PeerLink) setTimer(t *time.Timer) {
	l.stopTimer()
	l.timer = t
}

func (l *PeerLink) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// replaceTrack swaps the outgoing track of the same kind, or adds it.
func (l *PeerLink) replaceTrack(track ports.Track) {
	for i, t := range l.Tracks {
		if t.Kind() == track.Kind() {
			l.Tracks[i] = track
			return
		}
	}
	l.Tracks = append(l.Tracks, track)
}

func (l *PeerLink) release() error {
	l.stopTimer()
	l.pending = nil
	if l.session == nil {
		return nil
	}
	s := l.session
	l.session = nil
	return s.Close()
}

// LinkInfo is a read-only copy of a PeerLink.
type LinkInfo struct {
	Remote    domain.PeerHandle `json:"peer_handle"`
	Direction domain.Direction  `json:"direction"`
	State     domain.LinkState  `json:"state"`
	Tracks    []string          `json:"tracks"`
	LastError string            `json:"last_error,omitempty"`
}

func (l *PeerLink) info() LinkInfo {
	info := LinkInfo{
		Remote:    l.Remote,
		Direction: l.Direction,
		State:     l.State,
	}
	for _, t := range l.Tracks {
		info.Tracks = append(info.Tracks, t.ID())
	}
	if l.LastError != nil {
		info.LastError = l.LastError.Error()
	}
	return info
}
