package mesh

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id   string
	kind string
}

func (t fakeTrack) ID() string       { return t.id }
func (t fakeTrack) StreamID() string { return "local" }
func (t fakeTrack) Kind() string     { return t.kind }

var (
	camera = fakeTrack{id: "camera", kind: "video"}
	mic    = fakeTrack{id: "mic", kind: "audio"}
	screen = fakeTrack{id: "screen", kind: "video"}
)

type fakeStream struct{ id string }

func (s fakeStream) ID() string { return s.id }

type fakeSession struct {
	mu         sync.Mutex
	remote     domain.PeerHandle
	cb         ports.SessionCallbacks
	tracks     []ports.Track
	offers     int
	answers    int
	applied    []domain.SignalKind
	candidates []domain.ICECandidate
	replaced   []ports.Track
	closed     bool
	replaceErr error
}

func (s *fakeSession) CreateOffer(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers++
	return fmt.Sprintf("offer-from-%s", s.remote), nil
}

func (s *fakeSession) CreateAnswer(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers++
	return fmt.Sprintf("answer-to-%s", s.remote), nil
}

func (s *fakeSession) ApplyRemoteDescription(ctx context.Context, kind domain.SignalKind, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, kind)
	return nil
}

func (s *fakeSession) AddICECandidate(c domain.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *fakeSession) ReplaceOutgoingTrack(track ports.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.replaced = append(s.replaced, track)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) appliedKinds() []domain.SignalKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SignalKind(nil), s.applied...)
}

func (s *fakeSession) addedCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates)
}

func (s *fakeSession) replacedTracks() []ports.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.Track(nil), s.replaced...)
}

func (s *fakeSession) setReplaceErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceErr = err
}

type fakeEngine struct {
	mu       sync.Mutex
	ready    bool
	tracks   []ports.Track
	sessions map[domain.PeerHandle][]*fakeSession
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		ready:    true,
		tracks:   []ports.Track{mic, camera},
		sessions: make(map[domain.PeerHandle][]*fakeSession),
	}
}

func (e *fakeEngine) LocalTracks() ([]ports.Track, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return nil, fmt.Errorf("camera still starting: %w", domain.ErrMediaUnavailable)
	}
	return append([]ports.Track(nil), e.tracks...), nil
}

func (e *fakeEngine) NewSession(remote domain.PeerHandle, tracks []ports.Track, cb ports.SessionCallbacks) (ports.MediaSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &fakeSession{remote: remote, cb: cb, tracks: tracks}
	e.sessions[remote] = append(e.sessions[remote], s)
	return s, nil
}

func (e *fakeEngine) setReady(ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = ready
}

func (e *fakeEngine) sessionsFor(remote domain.PeerHandle) []*fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeSession(nil), e.sessions[remote]...)
}

func (e *fakeEngine) session(t *testing.T, remote domain.PeerHandle) *fakeSession {
	t.Helper()
	sessions := e.sessionsFor(remote)
	require.Len(t, sessions, 1, "sessions toward %s", remote)
	return sessions[0]
}

type sentSignal struct {
	to  domain.PeerHandle
	sig domain.Signal
}

type joinHandler interface {
	HandleEvent(evt domain.PresenceEvent)
	HandleJoinRejected(err error)
}

// fakeSignaling answers join-room like a coordinator would: with the next
// queued rejection, or with room-joined listing roster.
type fakeSignaling struct {
	mu        sync.Mutex
	handler   joinHandler
	roster    []domain.PeerHandle
	rejects   []error
	silent    bool
	beforeAck func()
	joins     []domain.RoomID
	leaves    int
	chats     []string
	signals   []sentSignal
}

func (s *fakeSignaling) JoinRoom(ctx context.Context, roomID domain.RoomID, handle domain.PeerHandle, displayName string) error {
	s.mu.Lock()
	s.joins = append(s.joins, roomID)
	handler, silent, beforeAck := s.handler, s.silent, s.beforeAck
	var reject error
	if len(s.rejects) > 0 {
		reject, s.rejects = s.rejects[0], s.rejects[1:]
	}
	evt := domain.PresenceEvent{Type: domain.EventRoomJoined, RoomID: roomID, Handle: handle, Seq: 1}
	for _, r := range s.roster {
		evt.Participants = append(evt.Participants, domain.Member{Handle: r, DisplayName: "User " + string(r)})
	}
	s.mu.Unlock()

	if handler == nil || silent {
		return nil
	}
	if beforeAck != nil {
		beforeAck()
	}
	if reject != nil {
		handler.HandleJoinRejected(reject)
		return nil
	}
	handler.HandleEvent(evt)
	return nil
}

func (s *fakeSignaling) answerWith(roster ...domain.PeerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = roster
}

func (s *fakeSignaling) rejectNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = append(s.rejects, err)
}

func (s *fakeSignaling) setSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

func (s *fakeSignaling) setBeforeAck(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeAck = fn
}

func (s *fakeSignaling) leaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaves
}

func (s *fakeSignaling) LeaveRoom(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves++
	return nil
}

func (s *fakeSignaling) SendChat(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append(s.chats, text)
	return nil
}

func (s *fakeSignaling) SendSignal(ctx context.Context, to domain.PeerHandle, sig domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sentSignal{to: to, sig: sig})
	return nil
}

func (s *fakeSignaling) sent(kind domain.SignalKind) []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentSignal
	for _, sig := range s.signals {
		if sig.sig.Kind == kind {
			out = append(out, sig)
		}
	}
	return out
}

func (s *fakeSignaling) joinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.joins)
}

type fakeRenderer struct {
	mu      sync.Mutex
	outputs map[domain.PeerHandle]string
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{outputs: make(map[domain.PeerHandle]string)}
}

func (r *fakeRenderer) Attach(remote domain.PeerHandle, stream ports.InboundStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[remote] = stream.ID()
	return nil
}

func (r *fakeRenderer) Detach(remote domain.PeerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outputs, remote)
}

func (r *fakeRenderer) Outputs() []domain.PeerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PeerHandle, 0, len(r.outputs))
	for h := range r.outputs {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// inject simulates an output created behind the orchestrator's back.
func (r *fakeRenderer) inject(remote domain.PeerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[remote] = "late-" + string(remote)
}

type recordingNotifier struct {
	mu       sync.Mutex
	joined   []domain.Member
	left     []domain.Member
	chats    []domain.ChatMessage
	changes  []LinkInfo
	problems []error
}

func (n *recordingNotifier) ParticipantJoined(m domain.Member) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.joined = append(n.joined, m)
}

func (n *recordingNotifier) ParticipantLeft(m domain.Member) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.left = append(n.left, m)
}

func (n *recordingNotifier) ChatReceived(msg domain.ChatMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chats = append(n.chats, msg)
}

func (n *recordingNotifier) LinkChanged(info LinkInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, info)
}

func (n *recordingNotifier) Problem(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.problems = append(n.problems, err)
}

func (n *recordingNotifier) statesOf(remote domain.PeerHandle) []domain.LinkState {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.LinkState
	for _, c := range n.changes {
		if c.Remote == remote {
			out = append(out, c.State)
		}
	}
	return out
}

func (n *recordingNotifier) problemList() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.problems...)
}

func (n *recordingNotifier) chatList() []domain.ChatMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.ChatMessage(nil), n.chats...)
}

type harness struct {
	o        *Orchestrator
	engine   *fakeEngine
	sig      *fakeSignaling
	renderer *fakeRenderer
	notifier *recordingNotifier
}

func testConfig() Config {
	return Config{
		DialDelay:          0,
		StreamRetryDelay:   20 * time.Millisecond,
		NegotiationTimeout: 0,
		SweepInterval:      time.Hour,
	}
}

func startOrchestrator(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		engine:   newFakeEngine(),
		sig:      &fakeSignaling{},
		renderer: newFakeRenderer(),
		notifier: &recordingNotifier{},
	}
	h.o = NewOrchestrator(cfg, h.sig, h.engine, h.renderer, h.notifier, nil)
	h.sig.handler = h.o
	startOrchestrator(t, h.o)
	return h
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := h.o.Snapshot(ctx)
	require.NoError(t, err)
	return snap
}

// joinRoom joins roomID as self; the coordinator answers with roster.
func (h *harness) joinRoom(t *testing.T, roomID domain.RoomID, self domain.PeerHandle, roster ...domain.PeerHandle) {
	t.Helper()
	h.sig.answerWith(roster...)
	require.NoError(t, h.o.Join(context.Background(), roomID, self, ""))
}

func (h *harness) signal(t *testing.T, roomID domain.RoomID, from domain.PeerHandle, sig domain.Signal) {
	t.Helper()
	raw, err := sig.Encode()
	require.NoError(t, err)
	h.o.HandleEvent(domain.PresenceEvent{Type: domain.EventSignal, RoomID: roomID, Handle: from, Payload: raw})
}

func linkOf(snap Snapshot, remote domain.PeerHandle) *LinkInfo {
	for i := range snap.Links {
		if snap.Links[i].Remote == remote {
			return &snap.Links[i]
		}
	}
	return nil
}
