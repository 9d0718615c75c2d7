package domain

import (
	"encoding/json"
	"fmt"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal is the negotiation payload exchanged between two peers. The
// coordinator relays it as an opaque blob.
type Signal struct {
	Kind      SignalKind    `json:"kind"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (s Signal) Validate() error {
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidSignal, s.Kind)
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("%w: candidate without body", ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, s.Kind)
	}
	return nil
}

func DecodeSignal(raw json.RawMessage) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	return s, s.Validate()
}

func (s Signal) Encode() (json.RawMessage, error) {
	return json.Marshal(s)
}
