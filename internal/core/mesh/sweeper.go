package mesh

import (
	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"go.uber.org/zap"
)

// Sweeper removes rendered outputs that no longer have a live link. Render
// outputs can appear after their link was torn down when inbound media
// races the teardown; the sweep is the backstop for that case only.
type Sweeper struct {
	renderer ports.Renderer
	logger   *zap.SugaredLogger
}

func NewSweeper(renderer ports.Renderer, logger *zap.SugaredLogger) *Sweeper {
	return &Sweeper{renderer: renderer, logger: logger}
}

// Sweep detaches every output whose handle fails live and returns how many
// were removed. It must run on the orchestrator loop.
func (s *Sweeper) Sweep(live func(domain.PeerHandle) bool) int {
	removed := 0
	for _, h := range s.renderer.Outputs() {
		if live(h) {
			continue
		}
		s.renderer.Detach(h)
		removed++
		s.logger.Infow("removed orphaned output", "peer_handle", h)
	}
	return removed
}
