package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	apperrors "meshroom/pkg/errors"

	"go.uber.org/zap"
)

var (
	ErrStopped = errors.New("orchestrator stopped")
	// ErrJoinAborted fails a pending Join that was overtaken by Leave.
	ErrJoinAborted = errors.New("join aborted by leave")
)

type Config struct {
	// DialDelay postpones the offers a joiner sends to the roster.
	DialDelay time.Duration
	// StreamRetryDelay is the single wait granted when local media is not
	// ready at dial or answer time.
	StreamRetryDelay time.Duration
	// NegotiationTimeout fails links that are not connected in time; 0
	// disables it.
	NegotiationTimeout time.Duration
	SweepInterval      time.Duration
	QueueSize          int
}

func DefaultConfig() Config {
	return Config{
		DialDelay:          time.Second,
		StreamRetryDelay:   time.Second,
		NegotiationTimeout: 30 * time.Second,
		SweepInterval:      5 * time.Second,
		QueueSize:          256,
	}
}

// Notifier surfaces orchestrator activity to the user. Calls are made from
// the event loop and must return quickly.
type Notifier interface {
	ParticipantJoined(m domain.Member)
	ParticipantLeft(m domain.Member)
	ChatReceived(msg domain.ChatMessage)
	LinkChanged(info LinkInfo)
	Problem(err error)
}

type NopNotifier struct{}

func (NopNotifier) ParticipantJoined(domain.Member) {}
func (NopNotifier) ParticipantLeft(domain.Member)   {}
func (NopNotifier) ChatReceived(domain.ChatMessage) {}
func (NopNotifier) LinkChanged(LinkInfo)            {}
func (NopNotifier) Problem(error)                   {}

type Stats struct {
	OffersSent     int `json:"offers_sent"`
	OffersAnswered int `json:"offers_answered"`
	OffersDropped  int `json:"offers_dropped"`
	Sweeps         int `json:"sweeps"`
	Orphans        int `json:"orphans_removed"`
}

type Snapshot struct {
	RoomID       domain.RoomID     `json:"room_id"`
	Self         domain.PeerHandle `json:"peer_handle"`
	Joined       bool              `json:"joined"`
	Participants []domain.Member   `json:"participants"`
	Links        []LinkInfo        `json:"links"`
	Stats        Stats             `json:"stats"`
}

// ReplaceResult reports a track swap across connected links.
type ReplaceResult struct {
	Replaced int
	Failed   map[domain.PeerHandle]error
}

// Loop events. Everything that touches links goes through these.
type (
	joinRequest struct {
		roomID      domain.RoomID
		handle      domain.PeerHandle
		displayName string
		reply       chan error
		// outcome receives room-joined (nil) or the coordinator's rejection.
		outcome chan error
	}
	joinRejected  struct{ err error }
	joinAbandoned struct{ roomID domain.RoomID }
	leaveRequest  struct{ reply chan struct{} }
	presenceEvent struct{ evt domain.PresenceEvent }
	transportLost struct{ err error }
	// attemptEvent fires after the dial delay or the stream retry delay.
	attemptEvent struct {
		remote domain.PeerHandle
		gen    uint64
	}
	timeoutEvent struct {
		remote domain.PeerHandle
		gen    uint64
	}
	sessionClosed struct {
		remote domain.PeerHandle
		gen    uint64
	}
	sessionFailed struct {
		remote domain.PeerHandle
		gen    uint64
		err    error
	}
	localCandidate struct {
		remote    domain.PeerHandle
		gen       uint64
		candidate domain.ICECandidate
	}
	inboundStream struct {
		remote domain.PeerHandle
		gen    uint64
		stream ports.InboundStream
	}
	replaceRequest struct {
		track ports.Track
		reply chan ReplaceResult
	}
	snapshotRequest struct{ reply chan Snapshot }
)

// Orchestrator owns every PeerLink of one client. All state below the
// queue is confined to the Run goroutine.
type Orchestrator struct {
	cfg       Config
	signaling ports.SignalingClient
	engine    ports.MediaEngine
	renderer  ports.Renderer
	notifier  Notifier
	logger    *zap.SugaredLogger

	events chan interface{}
	done   chan struct{}

	ctx         context.Context
	roomID      domain.RoomID
	self        domain.PeerHandle
	displayName string
	joined      bool
	pendingJoin chan error
	roster      map[domain.PeerHandle]domain.Member
	links       map[domain.PeerHandle]*PeerLink
	overrides   map[string]ports.Track
	nextGen     uint64
	sweeper     *Sweeper
	stats       Stats
	now         func() time.Time
}

func NewOrchestrator(
	cfg Config,
	signaling ports.SignalingClient,
	engine ports.MediaEngine,
	renderer ports.Renderer,
	notifier Notifier,
	logger *zap.SugaredLogger,
) *Orchestrator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		cfg:       cfg,
		signaling: signaling,
		engine:    engine,
		renderer:  renderer,
		notifier:  notifier,
		logger:    logger,
		events:    make(chan interface{}, cfg.QueueSize),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		roster:    make(map[domain.PeerHandle]domain.Member),
		links:     make(map[domain.PeerHandle]*PeerLink),
		overrides: make(map[string]ports.Track),
		sweeper:   NewSweeper(renderer, logger),
		now:       time.Now,
	}
}

// Run processes events until ctx is cancelled. Every link is closed on
// exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	o.ctx = ctx

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.closeAll()
			return ctx.Err()
		case <-ticker.C:
			o.sweep()
		case ev := <-o.events:
			o.dispatch(ev)
		}
	}
}

// Join checks local media, asks the coordinator to join roomID and waits
// for its answer. Nothing is sent when media is unavailable. A rejected
// join leaves the orchestrator outside any room, so Join may be retried.
func (o *Orchestrator) Join(ctx context.Context, roomID domain.RoomID, handle domain.PeerHandle, displayName string) error {
	if _, err := o.engine.LocalTracks(); err != nil {
		return apperrors.NewMediaUnavailableError(err)
	}

	reply := make(chan error, 1)
	outcome := make(chan error, 1)
	req := joinRequest{roomID: roomID, handle: handle, displayName: displayName, reply: reply, outcome: outcome}
	if err := o.post(ctx, req); err != nil {
		return err
	}
	if err := o.await(ctx, reply); err != nil {
		return err
	}

	if err := o.signaling.JoinRoom(ctx, roomID, handle, displayName); err != nil {
		if appErr := apperrors.GetAppError(err); appErr != nil && appErr.Code != apperrors.ErrCodeTransportDisconnected {
			o.post(context.Background(), joinRejected{err: appErr})
			return appErr
		}
		o.enqueue(transportLost{err: err})
		return apperrors.NewTransportDisconnectedError(err)
	}

	select {
	case err := <-outcome:
		return err
	case <-ctx.Done():
		o.enqueue(joinAbandoned{roomID: roomID})
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
}

// Leave closes every link without waiting for in-flight negotiations and
// tells the coordinator.
func (o *Orchestrator) Leave(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := o.post(ctx, leaveRequest{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
	return o.signaling.LeaveRoom(ctx)
}

func (o *Orchestrator) SendChat(ctx context.Context, text string) error {
	return o.signaling.SendChat(ctx, text)
}

// ReplaceTrack swaps the outgoing track of track's kind on every connected
// link. Links still negotiating pick it up once connected.
func (o *Orchestrator) ReplaceTrack(ctx context.Context, track ports.Track) (ReplaceResult, error) {
	reply := make(chan ReplaceResult, 1)
	if err := o.post(ctx, replaceRequest{track: track, reply: reply}); err != nil {
		return ReplaceResult{}, err
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return ReplaceResult{}, ctx.Err()
	case <-o.done:
		return ReplaceResult{}, ErrStopped
	}
}

func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := o.post(ctx, snapshotRequest{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-o.done:
		return Snapshot{}, ErrStopped
	}
}

// HandleEvent feeds one server event into the loop. It is called by the
// signaling client's reader.
func (o *Orchestrator) HandleEvent(evt domain.PresenceEvent) {
	o.enqueue(presenceEvent{evt: evt})
}

// HandleTransportLost runs the local side of the leave cascade.
func (o *Orchestrator) HandleTransportLost(err error) {
	o.enqueue(transportLost{err: err})
}

// HandleJoinRejected fails the pending Join with the coordinator's error.
func (o *Orchestrator) HandleJoinRejected(err error) {
	o.enqueue(joinRejected{err: err})
}

func (o *Orchestrator) post(ctx context.Context, ev interface{}) error {
	select {
	case o.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
}

// enqueue never blocks the caller for long: engine callbacks may fire while
// the loop itself is inside a session call.
func (o *Orchestrator) enqueue(ev interface{}) {
	select {
	case o.events <- ev:
	case <-o.done:
	default:
		go func() {
			select {
			case o.events <- ev:
			case <-o.done:
			}
		}()
	}
}

func (o *Orchestrator) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
}

func (o *Orchestrator) after(d time.Duration, ev interface{}) *time.Timer {
	return time.AfterFunc(d, func() { o.enqueue(ev) })
}

func (o *Orchestrator) dispatch(ev interface{}) {
	switch e := ev.(type) {
	case joinRequest:
		e.reply <- o.onJoinRequest(e)
	case leaveRequest:
		o.onLeave()
		e.reply <- struct{}{}
	case presenceEvent:
		o.onPresence(e.evt)
	case transportLost:
		o.onTransportLost(e.err)
	case joinRejected:
		o.onJoinRejected(e.err)
	case joinAbandoned:
		o.onJoinAbandoned(e.roomID)
	case attemptEvent:
		if l := o.current(e.remote, e.gen); l != nil && l.State == domain.LinkIdle {
			o.attempt(l)
		}
	case timeoutEvent:
		o.onTimeout(e)
	case sessionClosed:
		if l := o.current(e.remote, e.gen); l != nil {
			o.teardown(l, domain.LinkClosed, nil)
		}
	case sessionFailed:
		if l := o.current(e.remote, e.gen); l != nil {
			o.fail(l, apperrors.NewNegotiationFailedError(e.err))
		}
	case localCandidate:
		o.onLocalCandidate(e)
	case inboundStream:
		o.onInboundStream(e)
	case replaceRequest:
		e.reply <- o.onReplace(e.track)
	case snapshotRequest:
		e.reply <- o.snapshot()
	default:
		o.logger.Warnw("unknown orchestrator event", "event", fmt.Sprintf("%T", ev))
	}
}

// current returns the link for remote only if it is the generation the
// event was issued for.
func (o *Orchestrator) current(remote domain.PeerHandle, gen uint64) *PeerLink {
	l, ok := o.links[remote]
	if !ok || l.gen != gen {
		return nil
	}
	return l
}

func (o *Orchestrator) onJoinRequest(e joinRequest) error {
	if o.roomID != "" {
		return apperrors.NewAlreadyInRoomError(domain.ErrAlreadyInRoom).WithContext("room_id", o.roomID)
	}
	o.roomID = e.roomID
	o.self = e.handle
	o.displayName = e.displayName
	o.pendingJoin = e.outcome
	return nil
}

// finishJoin hands the join outcome to the waiting Join call, if any.
func (o *Orchestrator) finishJoin(err error) {
	if o.pendingJoin == nil {
		return
	}
	o.pendingJoin <- err
	o.pendingJoin = nil
}

func (o *Orchestrator) onJoinRejected(err error) {
	if o.roomID == "" || o.joined {
		o.logger.Warnw("join rejection without a pending join", "room_id", o.roomID, "error", err)
		return
	}
	o.logger.Warnw("join rejected", "room_id", o.roomID, "error", err)
	o.resetRoom()
	o.finishJoin(err)
}

// onJoinAbandoned undoes a join whose caller gave up waiting. The
// coordinator may still admit us, so it is told to drop the membership.
func (o *Orchestrator) onJoinAbandoned(roomID domain.RoomID) {
	if o.roomID != roomID || o.joined {
		return
	}
	o.logger.Infow("join abandoned", "room_id", roomID)
	o.resetRoom()
	o.pendingJoin = nil
	if err := o.signaling.LeaveRoom(o.ctx); err != nil {
		o.logger.Debugw("leave after abandoned join not sent", "error", err)
	}
}

func (o *Orchestrator) onPresence(evt domain.PresenceEvent) {
	if evt.Type == domain.EventRoomJoined {
		o.onRoomJoined(evt)
		return
	}
	if !o.joined || evt.RoomID != o.roomID {
		o.logger.Debugw("dropping event outside of room", "event", evt.Type, "room_id", evt.RoomID)
		return
	}

	switch evt.Type {
	case domain.EventParticipantJoined:
		// The newcomer dials us; existing members never initiate.
		m := domain.Member{Handle: evt.Handle, DisplayName: evt.DisplayName}
		o.roster[m.Handle] = m
		o.notifier.ParticipantJoined(m)
	case domain.EventParticipantLeft:
		m := domain.Member{Handle: evt.Handle, DisplayName: evt.DisplayName}
		delete(o.roster, m.Handle)
		if l, ok := o.links[m.Handle]; ok {
			o.teardown(l, domain.LinkClosed, nil)
		} else {
			o.renderer.Detach(m.Handle)
		}
		o.notifier.ParticipantLeft(m)
	case domain.EventChatMessage:
		if evt.Chat != nil {
			o.notifier.ChatReceived(*evt.Chat)
		}
	case domain.EventSignal:
		o.onSignal(evt.Handle, evt)
	}
}

func (o *Orchestrator) onRoomJoined(evt domain.PresenceEvent) {
	if o.roomID != evt.RoomID || o.joined {
		o.logger.Warnw("unexpected room-joined", "room_id", evt.RoomID, "pending_room", o.roomID)
		return
	}
	o.joined = true
	o.self = evt.Handle

	o.logger.Infow("joined room",
		"room_id", evt.RoomID,
		"peer_handle", evt.Handle,
		"participants", len(evt.Participants),
	)

	for _, m := range evt.Participants {
		o.roster[m.Handle] = m
		o.notifier.ParticipantJoined(m)
		o.dial(m.Handle)
	}
	o.finishJoin(nil)
}

// dial creates a caller link toward remote, immediately or after DialDelay.
func (o *Orchestrator) dial(remote domain.PeerHandle) {
	if remote == o.self {
		return
	}
	if _, exists := o.links[remote]; exists {
		return
	}
	l := o.newLink(remote, domain.DirectionCaller)
	if o.cfg.DialDelay > 0 {
		l.setTimer(o.after(o.cfg.DialDelay, attemptEvent{remote: remote, gen: l.gen}))
		return
	}
	o.attempt(l)
}

func (o *Orchestrator) newLink(remote domain.PeerHandle, dir domain.Direction) *PeerLink {
	o.nextGen++
	l := newPeerLink(remote, dir, o.nextGen, o.now())
	o.links[remote] = l
	return l
}

// attempt runs the negotiation step of an Idle link.
func (o *Orchestrator) attempt(l *PeerLink) {
	tracks, err := o.localTracks()
	if err != nil {
		if errors.Is(err, domain.ErrMediaUnavailable) && l.attempts == 0 {
			l.attempts++
			o.logger.Infow("local media not ready, retrying once",
				"peer_handle", l.Remote,
				"delay", o.cfg.StreamRetryDelay,
			)
			l.setTimer(o.after(o.cfg.StreamRetryDelay, attemptEvent{remote: l.Remote, gen: l.gen}))
			return
		}
		o.fail(l, apperrors.NewMediaUnavailableError(err))
		return
	}

	session, err := o.engine.NewSession(l.Remote, tracks, o.callbacks(l.Remote, l.gen))
	if err != nil {
		o.fail(l, apperrors.NewNegotiationFailedError(err))
		return
	}
	l.session = session
	l.Tracks = tracks

	if l.Direction == domain.DirectionCaller {
		o.sendOffer(l)
	} else {
		o.sendAnswer(l)
	}
}

func (o *Orchestrator) sendOffer(l *PeerLink) {
	sdp, err := l.session.CreateOffer(o.ctx)
	if err != nil {
		o.fail(l, apperrors.NewNegotiationFailedError(err))
		return
	}
	if err := o.signaling.SendSignal(o.ctx, l.Remote, domain.Signal{Kind: domain.SignalOffer, SDP: sdp}); err != nil {
		o.fail(l, apperrors.NewNegotiationFailedError(err))
		return
	}
	o.stats.OffersSent++
	o.setState(l, domain.LinkCalling)
	o.armTimeout(l)
}

func (o *Orchestrator) sendAnswer(l *PeerLink) {
	offer := l.pendingOffer
	l.pendingOffer = ""

	if err := l.session.ApplyRemoteDescription(o.ctx, domain.SignalOffer, offer); err != nil {
		o.fail(l, apperrors.NewNegotiationFailedError(err))
		return
	}
	if err := l.remoteDescriptionSet(); err != nil {
		o.fail(l, apperrors.NewNegotiationFailedError(err))
		return
	}
	sdp, err := l.session.CreateAnswer(o.ctx)
	if err != nil {
		o.fail(l, apperrors.NewNegotiationFailedError(err))
		return
	}
	if err := o.signaling.SendSignal(o.ctx, l.Remote, domain.Signal{Kind: domain.SignalAnswer, SDP: sdp}); err != nil {
		o.fail(l, apperrors.NewNegotiationFailedError(err))
		return
	}
	o.stats.OffersAnswered++
	o.setState(l, domain.LinkAwaitingRemoteDescription)
	o.armTimeout(l)
}

func (o *Orchestrator) onSignal(from domain.PeerHandle, evt domain.PresenceEvent) {
	sig, err := domain.DecodeSignal(evt.Payload)
	if err != nil {
		o.logger.Warnw("dropping malformed signal", "peer_handle", from, "error", err)
		return
	}

	switch sig.Kind {
	case domain.SignalOffer:
		o.onOffer(from, sig.SDP)
	case domain.SignalAnswer:
		o.onAnswer(from, sig.SDP)
	case domain.SignalCandidate:
		o.onRemoteCandidate(from, *sig.Candidate)
	}
}

func (o *Orchestrator) onOffer(from domain.PeerHandle, sdp string) {
	if l, ok := o.links[from]; ok {
		switch {
		case l.State.Live():
			o.stats.OffersDropped++
			o.logger.Infow("duplicate offer dropped", "peer_handle", from, "state", l.State)
			return
		case l.Direction == domain.DirectionCallee:
			// still waiting for local media; the newest offer wins
			l.pendingOffer = sdp
			return
		default:
			// our own dial has not gone out yet; answer instead
			o.discard(l)
		}
	}

	l := o.newLink(from, domain.DirectionCallee)
	l.pendingOffer = sdp
	o.attempt(l)
}

func (o *Orchestrator) onAnswer(from domain.PeerHandle, sdp string) {
	l, ok := o.links[from]
	if !ok || l.Direction != domain.DirectionCaller || l.session == nil || l.remoteDescription {
		o.logger.Debugw("dropping unexpected answer", "peer_handle", from)
		return
	}
	if err := l.session.ApplyRemoteDescription(o.ctx, domain.SignalAnswer, sdp); err != nil {
		o.fail(l, apperrors.NewNegotiationFailedError(err))
		return
	}
	if err := l.remoteDescriptionSet(); err != nil {
		o.fail(l, apperrors.NewNegotiationFailedError(err))
		return
	}
	if l.State == domain.LinkCalling {
		o.setState(l, domain.LinkAwaitingRemoteDescription)
	}
}

func (o *Orchestrator) onRemoteCandidate(from domain.PeerHandle, c domain.ICECandidate) {
	l, ok := o.links[from]
	if !ok {
		o.logger.Debugw("dropping candidate without link", "peer_handle", from)
		return
	}
	if err := l.bufferOrApply(c); err != nil {
		o.fail(l, apperrors.NewNegotiationFailedError(err))
		return
	}
	if l.Direction == domain.DirectionCaller && l.State == domain.LinkCalling {
		o.setState(l, domain.LinkAwaitingRemoteDescription)
	}
}

func (o *Orchestrator) onLocalCandidate(e localCandidate) {
	l := o.current(e.remote, e.gen)
	if l == nil || l.session == nil {
		return
	}
	c := e.candidate
	if err := o.signaling.SendSignal(o.ctx, l.Remote, domain.Signal{Kind: domain.SignalCandidate, Candidate: &c}); err != nil {
		o.logger.Warnw("failed to send candidate", "peer_handle", l.Remote, "error", err)
	}
}

func (o *Orchestrator) onInboundStream(e inboundStream) {
	l := o.current(e.remote, e.gen)
	if l == nil {
		return
	}
	if err := o.renderer.Attach(l.Remote, e.stream); err != nil {
		l.LastError = err
		o.logger.Warnw("failed to render inbound stream", "peer_handle", l.Remote, "error", err)
	}
	if l.State == domain.LinkConnected {
		return
	}
	l.stopTimer()
	o.setState(l, domain.LinkConnected)

	for kind, track := range o.overrides {
		if hasTrack(l.Tracks, track) {
			continue
		}
		if err := l.session.ReplaceOutgoingTrack(track); err != nil {
			l.LastError = err
			o.logger.Warnw("failed to apply replaced track", "peer_handle", l.Remote, "kind", kind, "error", err)
			continue
		}
		l.replaceTrack(track)
	}
}

func (o *Orchestrator) onTimeout(e timeoutEvent) {
	l := o.current(e.remote, e.gen)
	if l == nil || l.State == domain.LinkConnected {
		return
	}
	o.fail(l, apperrors.NewNegotiationFailedError(
		fmt.Errorf("no media from %s after %s", l.Remote, o.cfg.NegotiationTimeout)))
}

func (o *Orchestrator) onReplace(track ports.Track) ReplaceResult {
	o.overrides[track.Kind()] = track

	res := ReplaceResult{Failed: make(map[domain.PeerHandle]error)}
	for _, l := range o.sortedLinks() {
		if l.State != domain.LinkConnected {
			continue
		}
		if err := l.session.ReplaceOutgoingTrack(track); err != nil {
			l.LastError = err
			res.Failed[l.Remote] = err
			o.logger.Warnw("track replacement failed", "peer_handle", l.Remote, "track", track.ID(), "error", err)
			o.notifier.Problem(fmt.Errorf("replace track for %s: %w", l.Remote, err))
			continue
		}
		l.replaceTrack(track)
		res.Replaced++
	}
	return res
}

func (o *Orchestrator) onLeave() {
	o.closeAll()
	o.logger.Infow("left room", "room_id", o.roomID)
	o.resetRoom()
	o.finishJoin(ErrJoinAborted)
}

func (o *Orchestrator) onTransportLost(err error) {
	if o.roomID == "" {
		return
	}
	o.logger.Warnw("signaling transport lost", "room_id", o.roomID, "error", err)
	o.closeAll()
	o.resetRoom()
	lost := apperrors.NewTransportDisconnectedError(err)
	o.finishJoin(lost)
	o.notifier.Problem(lost)
}

func (o *Orchestrator) resetRoom() {
	o.roomID = ""
	o.self = ""
	o.joined = false
	o.roster = make(map[domain.PeerHandle]domain.Member)
}

func (o *Orchestrator) closeAll() {
	for _, l := range o.sortedLinks() {
		o.teardown(l, domain.LinkClosed, nil)
	}
}

func (o *Orchestrator) armTimeout(l *PeerLink) {
	if o.cfg.NegotiationTimeout <= 0 {
		return
	}
	l.setTimer(o.after(o.cfg.NegotiationTimeout, timeoutEvent{remote: l.Remote, gen: l.gen}))
}

func (o *Orchestrator) setState(l *PeerLink, to domain.LinkState) {
	from := l.State
	if err := l.transition(to); err != nil {
		o.logger.Errorw("rejected link transition", "peer_handle", l.Remote, "error", err)
		return
	}
	o.logger.Debugw("link state changed", "peer_handle", l.Remote, "from", from, "to", to)
	o.notifier.LinkChanged(l.info())
}

func (o *Orchestrator) fail(l *PeerLink, err error) {
	o.logger.Warnw("peer link failed", "peer_handle", l.Remote, "state", l.State, "error", err)
	o.notifier.Problem(err)
	o.teardown(l, domain.LinkFailed, err)
}

// teardown is the single cleanup path: release the session, drop the link,
// free the rendered output.
func (o *Orchestrator) teardown(l *PeerLink, final domain.LinkState, cause error) {
	if cause != nil {
		l.LastError = cause
	}
	if err := l.release(); err != nil {
		o.logger.Debugw("session close error", "peer_handle", l.Remote, "error", err)
	}
	o.setState(l, final)
	delete(o.links, l.Remote)
	o.renderer.Detach(l.Remote)
}

// discard drops an Idle link that never reached the remote side.
func (o *Orchestrator) discard(l *PeerLink) {
	_ = l.release()
	delete(o.links, l.Remote)
}

func (o *Orchestrator) callbacks(remote domain.PeerHandle, gen uint64) ports.SessionCallbacks {
	return ports.SessionCallbacks{
		OnLocalCandidate: func(c domain.ICECandidate) {
			o.enqueue(localCandidate{remote: remote, gen: gen, candidate: c})
		},
		OnInboundStream: func(s ports.InboundStream) {
			o.enqueue(inboundStream{remote: remote, gen: gen, stream: s})
		},
		OnClosed: func() {
			o.enqueue(sessionClosed{remote: remote, gen: gen})
		},
		OnError: func(err error) {
			o.enqueue(sessionFailed{remote: remote, gen: gen, err: err})
		},
	}
}

// localTracks applies replaced tracks on top of the engine's capture set.
func (o *Orchestrator) localTracks() ([]ports.Track, error) {
	tracks, err := o.engine.LocalTracks()
	if err != nil {
		return nil, err
	}
	out := make([]ports.Track, 0, len(tracks))
	seen := make(map[string]bool, len(tracks))
	for _, t := range tracks {
		if override, ok := o.overrides[t.Kind()]; ok {
			t = override
		}
		seen[t.Kind()] = true
		out = append(out, t)
	}
	for kind, t := range o.overrides {
		if !seen[kind] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (o *Orchestrator) sweep() {
	o.stats.Sweeps++
	o.stats.Orphans += o.sweeper.Sweep(func(h domain.PeerHandle) bool {
		_, ok := o.links[h]
		return ok
	})
}

func (o *Orchestrator) sortedLinks() []*PeerLink {
	out := make([]*PeerLink, 0, len(o.links))
	for _, l := range o.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

func (o *Orchestrator) snapshot() Snapshot {
	snap := Snapshot{
		RoomID: o.roomID,
		Self:   o.self,
		Joined: o.joined,
		Stats:  o.stats,
	}
	for _, m := range o.roster {
		snap.Participants = append(snap.Participants, m)
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		return snap.Participants[i].Handle < snap.Participants[j].Handle
	})
	for _, l := range o.sortedLinks() {
		snap.Links = append(snap.Links, l.info())
	}
	return snap
}

func hasTrack(tracks []ports.Track, track ports.Track) bool {
	for _, t := range tracks {
		if t.ID() == track.ID() {
			return true
		}
	}
	return false
}
