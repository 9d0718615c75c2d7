package webrtc

import (
	"fmt"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	rlog "meshroom/pkg/logger"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// EngineConfig WebRTC configuration
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Track is an outgoing media track backed by a static RTP track.
type Track struct {
	local *webrtc.TrackLocalStaticRTP
	kind  string
}

// NewTrack creates an Opus audio or VP8 video track.
func NewTrack(kind, id, streamID string) (*Track, error) {
	var codec webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeAudio.String():
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case webrtc.RTPCodecTypeVideo.String():
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported track kind %q", kind)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	return &Track{local: local, kind: kind}, nil
}

func (t *Track) ID() string       { return t.local.ID() }
func (t *Track) StreamID() string { return t.local.StreamID() }
func (t *Track) Kind() string     { return t.kind }

// WriteRTP fans the packet out to every session the track is bound to.
func (t *Track) WriteRTP(p *rtp.Packet) error {
	return t.local.WriteRTP(p)
}

// Engine creates one peer connection per remote participant.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration

	mu     sync.RWMutex
	tracks []ports.Track

	logger *zap.SugaredLogger
}

func NewEngine(cfg EngineConfig, logger *zap.SugaredLogger) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	if logger == nil {
		logger = rlog.NewNop()
	}
	return &Engine{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine)),
		config: webrtc.Configuration{ICEServers: cfg.ICEServers},
		logger: logger,
	}, nil
}

// SetLocalTracks marks local capture as ready with the given tracks.
func (e *Engine) SetLocalTracks(tracks ...*Track) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracks = e.tracks[:0]
	for _, t := range tracks {
		e.tracks = append(e.tracks, t)
	}
}

func (e *Engine) LocalTracks() ([]ports.Track, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.tracks) == 0 {
		return nil, domain.ErrMediaUnavailable
	}
	return append([]ports.Track(nil), e.tracks...), nil
}

func (e *Engine) NewSession(remote domain.PeerHandle, tracks []ports.Track, cb ports.SessionCallbacks) (ports.MediaSession, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &Session{
		remote:  remote,
		pc:      pc,
		senders: make(map[string]*webrtc.RTPSender),
		cb:      cb,
		logger:  e.logger.With("peer_handle", remote),
	}

	for _, t := range tracks {
		track, ok := t.(*Track)
		if !ok {
			pc.Close()
			return nil, fmt.Errorf("track %s was not created by this engine", t.ID())
		}
		sender, err := pc.AddTrack(track.local)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add %s track: %w", track.kind, err)
		}
		s.senders[track.kind] = sender
		go s.drainRTCP(sender)
	}

	pc.OnICECandidate(s.handleICECandidate)
	pc.OnTrack(s.handleTrack)
	pc.OnConnectionStateChange(s.handleConnectionState)

	return s, nil
}
