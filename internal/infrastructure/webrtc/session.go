package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Session is one peer connection toward one remote participant.
type Session struct {
	remote domain.PeerHandle
	pc     *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender

	cb     ports.SessionCallbacks
	closed atomic.Bool
	logger *zap.SugaredLogger
}

func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	ctx, span := tracing.TraceNegotiation(ctx, "create_offer", string(s.remote))
	defer span.End()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}
	return offer.SDP, nil
}

func (s *Session) CreateAnswer(ctx context.Context) (string, error) {
	ctx, span := tracing.TraceNegotiation(ctx, "create_answer", string(s.remote))
	defer span.End()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}
	return answer.SDP, nil
}

func (s *Session) ApplyRemoteDescription(ctx context.Context, kind domain.SignalKind, sdp string) error {
	ctx, span := tracing.TraceNegotiation(ctx, "apply_"+string(kind), string(s.remote))
	defer span.End()

	var typ webrtc.SDPType
	switch kind {
	case domain.SignalOffer:
		typ = webrtc.SDPTypeOffer
	case domain.SignalAnswer:
		typ = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("%w: %s is not a session description", domain.ErrInvalidSignal, kind)
	}

	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp})
	tracing.RecordError(ctx, err)
	return err
}

func (s *Session) AddICECandidate(c domain.ICECandidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// ReplaceOutgoingTrack swaps the sender of the track's kind without
// renegotiating.
func (s *Session) ReplaceOutgoingTrack(t ports.Track) error {
	track, ok := t.(*Track)
	if !ok {
		return fmt.Errorf("track %s was not created by this engine", t.ID())
	}

	s.mu.Lock()
	sender, ok := s.senders[track.kind]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no %s sender toward %s", track.kind, s.remote)
	}
	return sender.ReplaceTrack(track.local)
}

func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.pc.Close()
}

func (s *Session) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if c == nil || s.closed.Load() {
		return
	}
	init := c.ToJSON()
	s.cb.OnLocalCandidate(domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

func (s *Session) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// ask for a keyframe so the first frames render
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := s.pc.WriteRTCP(pli); err != nil {
			s.logger.Debugw("failed to send PLI", "error", err)
		}
	}

	s.cb.OnInboundStream(&InboundStream{
		id:   track.StreamID(),
		kind: track.Kind().String(),
		read: func() (*rtp.Packet, error) {
			p, _, err := track.ReadRTP()
			return p, err
		},
	})
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Infow("peer connection state changed", "connection_state", state.String())

	switch state {
	case webrtc.PeerConnectionStateFailed:
		s.cb.OnError(fmt.Errorf("peer connection to %s failed", s.remote))
	case webrtc.PeerConnectionStateClosed:
		if !s.closed.Load() {
			s.cb.OnClosed()
		}
	}
}

// drainRTCP reads sender reports so interceptors keep running, logging
// loss feedback from the remote side.
func (s *Session) drainRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			switch p := p.(type) {
			case *rtcp.ReceiverReport:
				for _, r := range p.Reports {
					s.logger.Debugw("receiver report", "fraction_lost", r.FractionLost, "jitter", r.Jitter)
				}
			case *rtcp.TransportLayerNack:
				s.logger.Debugw("received NACK", "nacks", len(p.Nacks))
			}
		}
	}
}
