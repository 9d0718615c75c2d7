package webrtc

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"meshroom/internal/core/domain"

	"github.com/pion/rtp"
)

// Payload types assigned by RegisterDefaultCodecs.
const (
	opusPayloadType = 111
	vp8PayloadType  = 96
)

// RunTestSource writes synthetic RTP packets to track until ctx is done. It
// stands in for a capture device in the command line peer.
func RunTestSource(ctx context.Context, track *Track, interval time.Duration) error {
	pt := uint8(opusPayloadType)
	tsStep := uint32(48000 * interval / time.Second)
	if track.Kind() == "video" {
		pt = vp8PayloadType
		tsStep = uint32(90000 * interval / time.Second)
	}

	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: uint16(rand.Intn(1 << 16)),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
			Marker:         true,
		},
		Payload: make([]byte, 160),
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := track.WriteRTP(p); err != nil {
				return err
			}
			p.SequenceNumber++
			p.Timestamp += tsStep
		}
	}
}

// CountingSink tallies rendered packets per remote and kind.
type CountingSink struct {
	mu     sync.Mutex
	counts map[domain.PeerHandle]map[string]uint64
}

func NewCountingSink() *CountingSink {
	return &CountingSink{counts: make(map[domain.PeerHandle]map[string]uint64)}
}

func (s *CountingSink) WritePacket(remote domain.PeerHandle, kind string, p *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind, ok := s.counts[remote]
	if !ok {
		byKind = make(map[string]uint64)
		s.counts[remote] = byKind
	}
	byKind[kind]++
}

func (s *CountingSink) Count(remote domain.PeerHandle, kind string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[remote][kind]
}
