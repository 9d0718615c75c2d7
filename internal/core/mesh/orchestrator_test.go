package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	apperrors "meshroom/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const room = domain.RoomID("ABC123")

func TestJoin_MediaUnavailablePreventsJoin(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.setReady(false)

	err := h.o.Join(context.Background(), room, "p2", "Bob")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaUnavailable))
	assert.Zero(t, h.sig.joinCount(), "join must not be sent")
	assert.Empty(t, h.snapshot(t).RoomID)
}

func TestJoin_Twice(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.o.Join(context.Background(), room, "p2", ""))

	err := h.o.Join(context.Background(), "other", "p2", "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyInRoom))
	assert.Equal(t, 1, h.sig.joinCount())
}

func TestJoin_WaitsForRoomJoined(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p2", "p1")

	snap := h.snapshot(t)
	assert.True(t, snap.Joined, "Join returns only after room-joined")
	assert.Equal(t, room, snap.RoomID)
	require.Len(t, snap.Participants, 1)
}

func TestJoin_RejectionClearsPendingRoom(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sig.rejectNext(apperrors.NewConflictError("peer handle already in use in this room"))

	err := h.o.Join(context.Background(), room, "p2", "")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
	snap := h.snapshot(t)
	assert.Empty(t, snap.RoomID)
	assert.False(t, snap.Joined)

	// Retrying is not refused with ALREADY_IN_ROOM.
	h.sig.answerWith("p1")
	require.NoError(t, h.o.Join(context.Background(), room, "p2", ""))
	assert.True(t, h.snapshot(t).Joined)
	assert.Equal(t, 2, h.sig.joinCount())
}

func TestJoin_LateRejectionAfterJoinedIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p2", "p1")

	h.o.HandleJoinRejected(apperrors.NewConflictError("stale"))
	snap := h.snapshot(t)
	assert.True(t, snap.Joined)
	assert.Len(t, snap.Links, 1)
}

func TestJoin_TransportLossFailsPendingJoin(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sig.setSilent(true)

	errc := make(chan error, 1)
	go func() { errc <- h.o.Join(context.Background(), room, "p2", "") }()
	require.Eventually(t, func() bool { return h.sig.joinCount() == 1 }, time.Second, 5*time.Millisecond)

	h.o.HandleTransportLost(errors.New("read: connection reset"))
	select {
	case err := <-errc:
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransportDisconnected))
	case <-time.After(time.Second):
		t.Fatal("Join still waiting after transport loss")
	}
	assert.Empty(t, h.snapshot(t).RoomID)
}

func TestJoin_CancelledWaitLeavesRoom(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sig.setSilent(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.o.Join(ctx, room, "p2", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool { return h.sig.leaveCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.snapshot(t).RoomID)

	// A room-joined that arrives after giving up is not adopted.
	h.o.HandleEvent(domain.PresenceEvent{Type: domain.EventRoomJoined, RoomID: room, Handle: "p2"})
	assert.False(t, h.snapshot(t).Joined)
}

func TestJoin_LeaveAbortsPendingJoin(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sig.setSilent(true)

	errc := make(chan error, 1)
	go func() { errc <- h.o.Join(context.Background(), room, "p2", "") }()
	require.Eventually(t, func() bool { return h.sig.joinCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.o.Leave(context.Background()))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrJoinAborted)
	case <-time.After(time.Second):
		t.Fatal("Join still waiting after Leave")
	}
}

func TestRoomJoined_NewcomerCallsEveryExistingMember(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p2", "p1", "p3")

	snap := h.snapshot(t)
	require.Len(t, snap.Links, 2)
	for _, l := range snap.Links {
		assert.Equal(t, domain.DirectionCaller, l.Direction)
		assert.Equal(t, domain.LinkCalling, l.State)
		assert.Equal(t, []string{"mic", "camera"}, l.Tracks)
	}
	assert.Len(t, h.sig.sent(domain.SignalOffer), 2)
	assert.Equal(t, 2, snap.Stats.OffersSent)
	assert.Len(t, snap.Participants, 2)
}

func TestParticipantJoined_ExistingMemberNeverInitiates(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p1")

	h.o.HandleEvent(domain.PresenceEvent{Type: domain.EventParticipantJoined, RoomID: room, Handle: "p2", DisplayName: "Bob"})

	snap := h.snapshot(t)
	assert.Empty(t, snap.Links)
	assert.Empty(t, h.sig.sent(domain.SignalOffer))
	assert.Equal(t, []domain.Member{{Handle: "p2", DisplayName: "Bob"}}, snap.Participants)
}

func TestDialDelay(t *testing.T) {
	cfg := testConfig()
	cfg.DialDelay = 30 * time.Millisecond
	h := newHarness(t, cfg)
	h.joinRoom(t, room, "p2", "p1")

	l := linkOf(h.snapshot(t), "p1")
	require.NotNil(t, l)
	assert.Equal(t, domain.LinkIdle, l.State)

	assert.Eventually(t, func() bool {
		return len(h.sig.sent(domain.SignalOffer)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCallee_AnswersAndConnects(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p1")

	h.signal(t, room, "p2", domain.Signal{Kind: domain.SignalOffer, SDP: "offer"})

	l := linkOf(h.snapshot(t), "p2")
	require.NotNil(t, l)
	assert.Equal(t, domain.DirectionCallee, l.Direction)
	assert.Equal(t, domain.LinkAwaitingRemoteDescription, l.State)

	s := h.engine.session(t, "p2")
	assert.Equal(t, []domain.SignalKind{domain.SignalOffer}, s.appliedKinds())
	answers := h.sig.sent(domain.SignalAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.PeerHandle("p2"), answers[0].to)

	s.cb.OnInboundStream(fakeStream{id: "remote-p2"})

	l = linkOf(h.snapshot(t), "p2")
	require.NotNil(t, l)
	assert.Equal(t, domain.LinkConnected, l.State)
	assert.Equal(t, []domain.PeerHandle{"p2"}, h.renderer.Outputs())
	assert.Equal(t, []domain.LinkState{
		domain.LinkAwaitingRemoteDescription,
		domain.LinkConnected,
	}, h.notifier.statesOf("p2"))
}

func TestDuplicateOfferForLiveLinkIsDropped(t *testing.T) {
	for _, connect := range []bool{false, true} {
		name := "awaiting"
		if connect {
			name = "connected"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.joinRoom(t, room, "p1")

			h.signal(t, room, "p2", domain.Signal{Kind: domain.SignalOffer, SDP: "offer"})
			if connect {
				h.engine.session(t, "p2").cb.OnInboundStream(fakeStream{id: "s"})
			}
			h.signal(t, room, "p2", domain.Signal{Kind: domain.SignalOffer, SDP: "offer-again"})

			snap := h.snapshot(t)
			assert.Len(t, snap.Links, 1)
			assert.Len(t, h.engine.sessionsFor("p2"), 1, "no second session")
			assert.Len(t, h.sig.sent(domain.SignalAnswer), 1)
			assert.Equal(t, 1, snap.Stats.OffersDropped)
		})
	}
}

func TestDuplicateOfferWhileCallingIsDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p2", "p1")

	h.signal(t, room, "p1", domain.Signal{Kind: domain.SignalOffer, SDP: "glare"})

	snap := h.snapshot(t)
	require.Len(t, snap.Links, 1)
	assert.Equal(t, domain.DirectionCaller, snap.Links[0].Direction)
	assert.Equal(t, domain.LinkCalling, snap.Links[0].State)
	assert.Empty(t, h.sig.sent(domain.SignalAnswer))
}

func TestCaller_RemoteCandidatesBufferedUntilAnswer(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p2", "p1")

	h.signal(t, room, "p1", domain.Signal{Kind: domain.SignalCandidate, Candidate: &domain.ICECandidate{Candidate: "c1"}})

	l := linkOf(h.snapshot(t), "p1")
	require.NotNil(t, l)
	assert.Equal(t, domain.LinkAwaitingRemoteDescription, l.State)
	s := h.engine.session(t, "p1")
	assert.Zero(t, s.addedCandidates(), "buffered before remote description")

	h.signal(t, room, "p1", domain.Signal{Kind: domain.SignalAnswer, SDP: "answer"})
	h.snapshot(t)
	assert.Equal(t, []domain.SignalKind{domain.SignalAnswer}, s.appliedKinds())
	assert.Equal(t, 1, s.addedCandidates())

	h.signal(t, room, "p1", domain.Signal{Kind: domain.SignalCandidate, Candidate: &domain.ICECandidate{Candidate: "c2"}})
	h.snapshot(t)
	assert.Equal(t, 2, s.addedCandidates())
}

func TestCaller_AnswerMovesToAwaiting(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p2", "p1")

	h.signal(t, room, "p1", domain.Signal{Kind: domain.SignalAnswer, SDP: "answer"})
	assert.Equal(t, domain.LinkAwaitingRemoteDescription, linkOf(h.snapshot(t), "p1").State)

	h.engine.session(t, "p1").cb.OnInboundStream(fakeStream{id: "s"})
	assert.Equal(t, domain.LinkConnected, linkOf(h.snapshot(t), "p1").State)
}

func TestLocalCandidatesAreForwarded(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p2", "p1")

	h.engine.session(t, "p1").cb.OnLocalCandidate(domain.ICECandidate{Candidate: "local"})
	h.snapshot(t)

	sent := h.sig.sent(domain.SignalCandidate)
	require.Len(t, sent, 1)
	assert.Equal(t, domain.PeerHandle("p1"), sent[0].to)
	assert.Equal(t, "local", sent[0].sig.Candidate.Candidate)
}

func connectAll(t *testing.T, h *harness, remotes ...domain.PeerHandle) {
	t.Helper()
	for _, r := range remotes {
		h.signal(t, room, r, domain.Signal{Kind: domain.SignalAnswer, SDP: "answer"})
		h.engine.session(t, r).cb.OnInboundStream(fakeStream{id: "s-" + string(r)})
	}
	h.snapshot(t)
}

func TestReplaceTrack_KeepsStateAndLinkCount(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p9", "p1", "p2", "p3")
	connectAll(t, h, "p1", "p2")

	res, err := h.o.ReplaceTrack(context.Background(), screen)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replaced)
	assert.Empty(t, res.Failed)

	snap := h.snapshot(t)
	require.Len(t, snap.Links, 3)
	assert.Equal(t, domain.LinkConnected, linkOf(snap, "p1").State)
	assert.Equal(t, domain.LinkConnected, linkOf(snap, "p2").State)
	assert.Equal(t, []string{"mic", "screen"}, linkOf(snap, "p1").Tracks)
	assert.Equal(t, domain.LinkCalling, linkOf(snap, "p3").State)
	assert.Empty(t, h.engine.session(t, "p3").replacedTracks(), "not connected yet")

	// p3 picks up the swapped track once connected
	connectAll(t, h, "p3")
	assert.Equal(t, []string{"mic", "screen"}, linkOf(h.snapshot(t), "p3").Tracks)
	assert.Len(t, h.engine.session(t, "p3").replacedTracks(), 1)
}

func TestReplaceTrack_FailureIsIsolated(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p9", "p1", "p2")
	connectAll(t, h, "p1", "p2")

	boom := errors.New("sender gone")
	h.engine.session(t, "p1").setReplaceErr(boom)

	res, err := h.o.ReplaceTrack(context.Background(), screen)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)
	assert.ErrorIs(t, res.Failed["p1"], boom)

	snap := h.snapshot(t)
	require.Len(t, snap.Links, 2)
	assert.Equal(t, domain.LinkConnected, linkOf(snap, "p1").State)
	assert.Equal(t, domain.LinkConnected, linkOf(snap, "p2").State)
	assert.Equal(t, []string{"mic", "camera"}, linkOf(snap, "p1").Tracks)
	assert.Equal(t, "sender gone", linkOf(snap, "p1").LastError)
}

func TestNewLinksUseReplacedTrack(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p1")

	_, err := h.o.ReplaceTrack(context.Background(), screen)
	require.NoError(t, err)

	h.signal(t, room, "p2", domain.Signal{Kind: domain.SignalOffer, SDP: "offer"})
	assert.Equal(t, []string{"mic", "screen"}, linkOf(h.snapshot(t), "p2").Tracks)
}

func TestParticipantLeft_ClosesAndRemovesLink(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p2", "p1")
	connectAll(t, h, "p1")
	s := h.engine.session(t, "p1")

	h.o.HandleEvent(domain.PresenceEvent{Type: domain.EventParticipantLeft, RoomID: room, Handle: "p1"})

	snap := h.snapshot(t)
	assert.Empty(t, snap.Links)
	assert.Empty(t, snap.Participants)
	assert.True(t, s.isClosed())
	assert.Empty(t, h.renderer.Outputs())

	states := h.notifier.statesOf("p1")
	assert.Equal(t, domain.LinkClosed, states[len(states)-1])
}

func TestSessionError_FailsOnlyThatLink(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p9", "p1", "p2")
	connectAll(t, h, "p1", "p2")

	h.engine.session(t, "p1").cb.OnError(errors.New("dtls handshake failed"))

	snap := h.snapshot(t)
	require.Len(t, snap.Links, 1)
	assert.Equal(t, domain.PeerHandle("p2"), snap.Links[0].Remote)
	assert.Equal(t, domain.LinkConnected, snap.Links[0].State)
	assert.Equal(t, []domain.PeerHandle{"p2"}, h.renderer.Outputs())

	problems := h.notifier.problemList()
	require.Len(t, problems, 1)
	assert.True(t, apperrors.HasCode(problems[0], apperrors.ErrCodeNegotiationFailed))
	states := h.notifier.statesOf("p1")
	assert.Equal(t, domain.LinkFailed, states[len(states)-1])
}

func TestSessionClosedByRemote(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p2", "p1")
	connectAll(t, h, "p1")

	h.engine.session(t, "p1").cb.OnClosed()
	assert.Empty(t, h.snapshot(t).Links)
	assert.Empty(t, h.renderer.Outputs())
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p1")
	h.signal(t, room, "p2", domain.Signal{Kind: domain.SignalOffer, SDP: "offer"})
	old := h.engine.session(t, "p2")

	h.o.HandleEvent(domain.PresenceEvent{Type: domain.EventParticipantLeft, RoomID: room, Handle: "p2"})
	h.signal(t, room, "p2", domain.Signal{Kind: domain.SignalOffer, SDP: "new"})
	h.snapshot(t)

	old.cb.OnInboundStream(fakeStream{id: "late"})
	old.cb.OnError(errors.New("late"))

	snap := h.snapshot(t)
	l := linkOf(snap, "p2")
	require.NotNil(t, l)
	assert.Equal(t, domain.LinkAwaitingRemoteDescription, l.State, "new link untouched by old session")
	assert.Empty(t, h.renderer.Outputs())
}

func TestStreamReadinessRetry_Succeeds(t *testing.T) {
	cfg := testConfig()
	cfg.StreamRetryDelay = 100 * time.Millisecond
	h := newHarness(t, cfg)
	// Media goes away between the join check and room-joined.
	h.sig.setBeforeAck(func() { h.engine.setReady(false) })
	h.joinRoom(t, room, "p2", "p1")

	assert.Equal(t, domain.LinkIdle, linkOf(h.snapshot(t), "p1").State)
	assert.Empty(t, h.sig.sent(domain.SignalOffer))

	h.engine.setReady(true)
	assert.Eventually(t, func() bool {
		l := linkOf(h.snapshot(t), "p1")
		return l != nil && l.State == domain.LinkCalling
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, h.sig.sent(domain.SignalOffer), 1)
}

func TestStreamReadinessRetry_OnlyOnce(t *testing.T) {
	cfg := testConfig()
	cfg.StreamRetryDelay = 100 * time.Millisecond
	h := newHarness(t, cfg)
	h.joinRoom(t, room, "p1")
	h.engine.setReady(false)

	h.signal(t, room, "p2", domain.Signal{Kind: domain.SignalOffer, SDP: "offer"})
	assert.Equal(t, domain.LinkIdle, linkOf(h.snapshot(t), "p2").State)

	assert.Eventually(t, func() bool {
		return len(h.snapshot(t).Links) == 0
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, h.engine.sessionsFor("p2"))
	assert.Empty(t, h.sig.sent(domain.SignalAnswer))
	problems := h.notifier.problemList()
	require.Len(t, problems, 1)
	assert.True(t, apperrors.HasCode(problems[0], apperrors.ErrCodeMediaUnavailable))
	assert.Equal(t, []domain.LinkState{domain.LinkFailed}, h.notifier.statesOf("p2"))
}

func TestNegotiationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.NegotiationTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg)
	h.joinRoom(t, room, "p3", "p1", "p2")
	connectAll(t, h, "p2")

	assert.Eventually(t, func() bool {
		return linkOf(h.snapshot(t), "p1") == nil
	}, 2*time.Second, 5*time.Millisecond)

	snap := h.snapshot(t)
	require.Len(t, snap.Links, 1)
	assert.Equal(t, domain.LinkConnected, snap.Links[0].State, "connected links never time out")
	assert.True(t, h.engine.session(t, "p1").isClosed())
}

func TestLeave_ClosesInFlightNegotiations(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p9", "p1", "p2")
	connectAll(t, h, "p2")

	require.NoError(t, h.o.Leave(context.Background()))

	snap := h.snapshot(t)
	assert.Empty(t, snap.Links)
	assert.False(t, snap.Joined)
	assert.True(t, h.engine.session(t, "p1").isClosed())
	assert.True(t, h.engine.session(t, "p2").isClosed())
	assert.Empty(t, h.renderer.Outputs())

	// events for the old room are ignored
	h.o.HandleEvent(domain.PresenceEvent{Type: domain.EventParticipantJoined, RoomID: room, Handle: "p7"})
	assert.Empty(t, h.snapshot(t).Participants)

	require.NoError(t, h.o.Join(context.Background(), room, "p9", ""))
}

func TestTransportLost_RunsLeaveCascade(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p2", "p1")
	connectAll(t, h, "p1")

	h.o.HandleTransportLost(errors.New("read: connection reset"))

	snap := h.snapshot(t)
	assert.Empty(t, snap.Links)
	assert.False(t, snap.Joined)
	problems := h.notifier.problemList()
	require.NotEmpty(t, problems)
	assert.True(t, apperrors.HasCode(problems[len(problems)-1], apperrors.ErrCodeTransportDisconnected))
}

func TestChatIsSurfaced(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p1")

	h.o.HandleEvent(domain.PresenceEvent{
		Type: domain.EventChatMessage, RoomID: room, Handle: "p2",
		Chat: &domain.ChatMessage{RoomID: room, Sender: "p2", DisplayName: "Bob", Text: "hi"},
	})
	h.snapshot(t)

	chats := h.notifier.chatList()
	require.Len(t, chats, 1)
	assert.Equal(t, "hi", chats[0].Text)
}

func TestMalformedSignalIsDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.joinRoom(t, room, "p1")

	h.o.HandleEvent(domain.PresenceEvent{Type: domain.EventSignal, RoomID: room, Handle: "p2", Payload: []byte(`{"kind":"offer"}`)})
	assert.Empty(t, h.snapshot(t).Links)
}

func TestRunStopClosesLinks(t *testing.T) {
	engine := newFakeEngine()
	sig := &fakeSignaling{roster: []domain.PeerHandle{"p1"}}
	o := NewOrchestrator(testConfig(), sig, engine, newFakeRenderer(), nil, nil)
	sig.handler = o
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.NoError(t, o.Join(context.Background(), room, "p2", ""))
	_, err := o.Snapshot(context.Background())
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, engine.sessionsFor("p1")[0].isClosed())

	_, err = o.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
