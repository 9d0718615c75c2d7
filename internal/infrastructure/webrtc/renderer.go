package webrtc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	rlog "meshroom/pkg/logger"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// InboundStream is one remote track as seen by the renderer.
type InboundStream struct {
	id   string
	kind string
	read func() (*rtp.Packet, error)
}

func NewInboundStream(id, kind string, read func() (*rtp.Packet, error)) *InboundStream {
	return &InboundStream{id: id, kind: kind, read: read}
}

func (s *InboundStream) ID() string   { return s.id }
func (s *InboundStream) Kind() string { return s.kind }

// PacketSink consumes rendered media.
type PacketSink interface {
	WritePacket(remote domain.PeerHandle, kind string, p *rtp.Packet)
}

type output struct {
	ctx     context.Context
	cancel  context.CancelFunc
	kinds   map[string]bool
	packets atomic.Uint64
}

// Renderer pumps inbound RTP into a sink, one output per remote handle.
type Renderer struct {
	mu      sync.Mutex
	outputs map[domain.PeerHandle]*output
	sink    PacketSink
	logger  *zap.SugaredLogger
}

func NewRenderer(sink PacketSink, logger *zap.SugaredLogger) *Renderer {
	if logger == nil {
		logger = rlog.NewNop()
	}
	return &Renderer{
		outputs: make(map[domain.PeerHandle]*output),
		sink:    sink,
		logger:  logger,
	}
}

// Attach starts rendering stream for remote. A remote's audio and video
// share one output; attaching a kind twice is a no-op.
func (r *Renderer) Attach(remote domain.PeerHandle, stream ports.InboundStream) error {
	in, ok := stream.(*InboundStream)
	if !ok {
		return fmt.Errorf("unsupported stream type %T", stream)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out, exists := r.outputs[remote]
	if !exists {
		ctx, cancel := context.WithCancel(context.Background())
		out = &output{ctx: ctx, cancel: cancel, kinds: make(map[string]bool)}
		r.outputs[remote] = out
	}
	if out.kinds[in.kind] {
		return nil
	}
	r.startPump(remote, out, in)
	return nil
}

func (r *Renderer) startPump(remote domain.PeerHandle, out *output, in *InboundStream) {
	out.kinds[in.kind] = true
	r.logger.Infow("rendering remote stream", "peer_handle", remote, "kind", in.kind)

	go func() {
		for {
			p, err := in.read()
			if err != nil {
				return
			}
			select {
			case <-out.ctx.Done():
				return
			default:
			}
			out.packets.Add(1)
			if r.sink != nil {
				r.sink.WritePacket(remote, in.kind, p)
			}
		}
	}()
}

func (r *Renderer) Detach(remote domain.PeerHandle) {
	r.mu.Lock()
	out, ok := r.outputs[remote]
	delete(r.outputs, remote)
	r.mu.Unlock()

	if ok {
		out.cancel()
		r.logger.Infow("output removed", "peer_handle", remote, "packets", out.packets.Load())
	}
}

func (r *Renderer) Outputs() []domain.PeerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PeerHandle, 0, len(r.outputs))
	for h := range r.outputs {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Packets reports how many packets were rendered for remote.
func (r *Renderer) Packets(remote domain.PeerHandle) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if out, ok := r.outputs[remote]; ok {
		return out.packets.Load()
	}
	return 0
}
