package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/mesh"
	signalinfra "meshroom/internal/infrastructure/signal"
	webrtcinfra "meshroom/internal/infrastructure/webrtc"
	"meshroom/pkg/config"
	apperrors "meshroom/pkg/errors"
	"meshroom/pkg/retry"
	"meshroom/pkg/utils"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagNoVideo bool
	flagPacing  time.Duration
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room and stay until interrupted",
	Long: `Join a room, connect to every participant and relay chat.

Lines typed on stdin are sent as chat messages. Commands:
  /status   print links and participants
  /screen   swap the outgoing video for a second synthetic track
  /quit     leave the room and exit

Examples:
  meshroom-peer join ABC123 --name Alice
  meshroom-peer join ABC123 --server ws://10.0.0.5:8080/ws --token $TOKEN`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runJoin(cmd.Context(), cfg, domain.RoomID(args[0]), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	joinCmd.Flags().BoolVar(&flagNoVideo, "no-video", false, "send audio only")
	joinCmd.Flags().DurationVar(&flagPacing, "pacing", 20*time.Millisecond, "interval between synthetic media packets")
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	if len(cfg.Mesh.ICEServers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	servers := make([]webrtc.ICEServer, 0, len(cfg.Mesh.ICEServers))
	for _, s := range cfg.Mesh.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

// peer bundles the pieces of one running participant.
type peer struct {
	cfg      *config.Config
	engine   *webrtcinfra.Engine
	renderer *webrtcinfra.Renderer
	sink     *webrtcinfra.CountingSink
	client   *signalinfra.Client
	orch     *mesh.Orchestrator
	out      *printer
	logger   *zap.SugaredLogger

	room   domain.RoomID
	handle domain.PeerHandle
	name   string
}

func runJoin(ctx context.Context, cfg *config.Config, room domain.RoomID, in io.Reader, stdout io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg)
	defer log.Sync()

	handle := domain.PeerHandle(utils.FirstNonEmpty(flagHandle, utils.GeneratePeerHandle()))
	p := &peer{
		cfg:    cfg,
		out:    newPrinter(stdout),
		logger: log,
		room:   room,
		handle: handle,
		name:   utils.FirstNonEmpty(flagName, utils.DefaultDisplayName(string(handle))),
	}

	engineCfg := webrtcinfra.EngineConfig{ICEServers: iceServers(cfg)}
	engine, err := webrtcinfra.NewEngine(engineCfg, log)
	if err != nil {
		return err
	}
	p.engine = engine
	if err := p.startMedia(ctx); err != nil {
		return err
	}

	p.sink = webrtcinfra.NewCountingSink()
	p.renderer = webrtcinfra.NewRenderer(p.sink, log)
	p.client = signalinfra.NewClient(cfg.Mesh.ServerURL, flagToken,
		signalinfra.WithServerErrors(p.out.ServerError),
		signalinfra.WithClientLogger(log),
		signalinfra.WithWriteTimeout(cfg.Signal.WriteTimeout),
	)
	p.orch = mesh.NewOrchestrator(mesh.Config{
		DialDelay:          cfg.Mesh.DialDelay,
		StreamRetryDelay:   cfg.Mesh.StreamRetryDelay,
		NegotiationTimeout: cfg.Mesh.NegotiationTimeout,
		SweepInterval:      cfg.Mesh.SweepInterval,
	}, p.client, engine, p.renderer, p.out, log)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		p.orch.Run(runCtx)
	}()

	lines := make(chan string)
	go readLines(in, lines)

	err = p.session(ctx, lines)

	leaveCtx, cancelLeave := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelLeave()
	p.orch.Leave(leaveCtx)
	p.client.Close()
	cancelRun()
	<-runDone

	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errQuit = errors.New("quit")

// session connects and joins, rejoining after every transport loss, until
// the user quits or ctx is done.
func (p *peer) session(ctx context.Context, lines <-chan string) error {
	rejoin := false
	for {
		if err := p.connect(ctx); err != nil {
			return err
		}
		err := p.join(ctx, rejoin)
		rejoin = true
		if apperrors.HasCode(err, apperrors.ErrCodeTransportDisconnected) {
			p.out.printf("! connection lost while joining, reconnecting")
			continue
		}
		if err != nil {
			return err
		}
		p.out.printf("joined %s as %s (%s)", p.room, p.name, p.handle)

		err = p.interact(ctx, lines)
		if !apperrors.HasCode(err, apperrors.ErrCodeTransportDisconnected) {
			return err
		}
		p.out.printf("! connection lost, reconnecting")
	}
}

// join enters the room. After a reconnect the coordinator may still hold
// our handle for the dead connection until its pong timeout, so CONFLICT
// is retried then.
func (p *peer) join(ctx context.Context, rejoin bool) error {
	join := func(ctx context.Context) error {
		return p.orch.Join(ctx, p.room, p.handle, p.name)
	}
	if !rejoin {
		return join(ctx)
	}

	cfg := rejoinConfig(p.cfg.Signal.PongTimeout)
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		p.logger.Infow("handle still held by previous connection, retrying join",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
	return joinWhileConflict(ctx, cfg, join)
}

// rejoinConfig spaces join attempts so that together they outlast
// pongTimeout, after which the coordinator drops the dead connection.
func rejoinConfig(pongTimeout time.Duration) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = 250 * time.Millisecond
	cfg.MaxDelay = 2 * time.Second
	cfg.Jitter = false
	cfg.MaxAttempts = 0

	var waited time.Duration
	for delay := cfg.InitialDelay; waited < pongTimeout+cfg.MaxDelay; cfg.MaxAttempts++ {
		waited += delay
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return cfg
}

// joinWhileConflict retries join as long as it is rejected with CONFLICT.
func joinWhileConflict(ctx context.Context, cfg retry.Config, join func(context.Context) error) error {
	return retry.Retry(ctx, cfg, func() error {
		err := join(ctx)
		if err != nil && !apperrors.HasCode(err, apperrors.ErrCodeConflict) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (p *peer) connect(ctx context.Context) error {
	cfg := retry.ReconnectConfig(p.cfg.Mesh.ReconnectAttempts)
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		p.logger.Warnw("signaling connect failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
	p.logger.Infow("connecting to signaling server",
		"server", p.cfg.Mesh.ServerURL,
		"token", utils.MaskSensitive(flagToken, 8),
	)
	return retry.Retry(ctx, cfg, func() error {
		err := p.client.Connect(ctx, p.orch)
		if apperrors.HasCode(err, apperrors.ErrCodeUnauthorized) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (p *peer) interact(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.client.Done():
			return apperrors.NewTransportDisconnectedError(domain.ErrTransportDisconnected)
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := p.command(ctx, line); err != nil {
				return err
			}
		}
	}
}

func (p *peer) command(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/status":
		snap, err := p.orch.Snapshot(ctx)
		if err != nil {
			return err
		}
		data, _ := json.MarshalIndent(snap, "", "  ")
		p.out.printf("%s", data)
		for _, remote := range p.renderer.Outputs() {
			p.out.printf("  %s: %d packets rendered (audio %d, video %d)", remote,
				p.renderer.Packets(remote), p.sink.Count(remote, "audio"), p.sink.Count(remote, "video"))
		}
		return nil
	case "/screen":
		return p.shareScreen(ctx)
	}

	if err := p.orch.SendChat(ctx, line); err != nil {
		p.out.Problem(err)
		return nil
	}
	p.out.ChatSent(p.name, line, time.Now())
	return nil
}

func (p *peer) shareScreen(ctx context.Context) error {
	track, err := webrtcinfra.NewTrack("video", "screen", string(p.handle))
	if err != nil {
		return err
	}
	go webrtcinfra.RunTestSource(ctx, track, flagPacing)

	result, err := p.orch.ReplaceTrack(ctx, track)
	if err != nil {
		p.out.Problem(err)
		return nil
	}
	p.out.printf("screen shared on %d links", result.Replaced)
	for remote, err := range result.Failed {
		p.out.printf("! %s: %v", remote, err)
	}
	return nil
}

func (p *peer) startMedia(ctx context.Context) error {
	stream := string(p.handle)
	audio, err := webrtcinfra.NewTrack("audio", "microphone", stream)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	tracks := []*webrtcinfra.Track{audio}

	if !flagNoVideo {
		video, err := webrtcinfra.NewTrack("video", "camera", stream)
		if err != nil {
			return fmt.Errorf("failed to create video track: %w", err)
		}
		tracks = append(tracks, video)
	}

	for _, t := range tracks {
		go webrtcinfra.RunTestSource(ctx, t, flagPacing)
	}
	p.engine.SetLocalTracks(tracks...)
	return nil
}

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}
