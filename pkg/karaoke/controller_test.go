package karaoke

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// TestSoloKaraoke полный сценарий соло: приветствие, пение, вариант 1
// (микширование), окончание прослушивания и BYE.
func TestSoloKaraoke(t *testing.T) {
	env := newTestEnv(t)
	key := mscontrol.Key("call-solo")

	leg := env.answeredIncoming(t, key)
	require.Len(t, env.sig.responses(key, mscontrol.StatusOK), 1, "200 OK должен уйти ровно один раз")
	assert.Equal(t, []byte("answer"), env.sig.responses(key, mscontrol.StatusOK)[0].body)
	assert.Equal(t, []string{env.cfg.IntroPrompt}, env.media.played(leg.main))

	env.ctrl.DispatchEvent(key, mscontrol.Signal("1"))
	waitState(t, leg, StateKaraokeStarted)
	assert.Equal(t, []string{env.cfg.IntroPrompt, env.cfg.KaraokeTrack}, env.media.played(leg.main))
	assert.Equal(t, []string{env.dir.LegRecordURI(key)}, env.media.recorded(leg.main))

	// подсказка, прерванная DTMF, приходит уже после выбора и не мешает
	env.ctrl.DispatchEvent(key, mscontrol.PlaybackDone(leg.main, mscontrol.QualifierStoppedBySignal))
	env.ctrl.DispatchEvent(key, mscontrol.PlaybackDone(leg.main, mscontrol.QualifierEndOfData))
	env.ctrl.DispatchEvent(key, mscontrol.Event{Kind: mscontrol.EventRecordCompleted, Handle: leg.main})
	waitState(t, leg, StateSelectListeningOption)

	env.ctrl.DispatchEvent(key, mscontrol.Signal("1"))
	waitState(t, leg, StateListeningKaraoke)
	assert.Len(t, env.media.callsOf("join"), 4, "микширование соединяет player, main и network connection с микшером")

	player := env.media.handleOfKind(key, mscontrol.PlayerGroup)
	mixer := env.media.handleOfKind(key, mscontrol.Mixer)
	require.False(t, player.IsZero())
	require.False(t, mixer.IsZero())
	assert.Equal(t, []string{env.cfg.KaraokeTrack}, env.media.played(player))
	assert.Equal(t, []string{env.cfg.IntroPrompt, env.cfg.KaraokeTrack, env.cfg.ListenPrompt, env.dir.LegRecordURI(key)},
		env.media.played(leg.main))

	env.ctrl.DispatchEvent(key, mscontrol.PlaybackDone(leg.main, mscontrol.QualifierEndOfData))
	waitReleased(t, leg)
	env.ctrl.DispatchEvent(key, mscontrol.PlaybackDone(player, mscontrol.QualifierEndOfData))

	assert.Len(t, env.sig.requests(mscontrol.MethodBye), 1, "BYE должен уйти ровно один раз")
	reason, cause := leg.ReleaseReason()
	assert.Equal(t, ReasonListeningFinished, reason)
	assert.NoError(t, cause)
	assert.Equal(t, StateReleased, leg.State())
	assert.Equal(t, 0, env.ctrl.Count())

	for _, h := range env.media.handlesOf(key) {
		assert.Equal(t, 1, env.media.releaseCount(h), "ресурс %s должен быть освобожден один раз", h)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(env.ctrl.metrics.legsCreated))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.ctrl.metrics.legsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.ctrl.metrics.legsReleased.WithLabelValues(ReasonListeningFinished)))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		env.ctrl.metrics.stateTransitions.WithLabelValues(StatePlayingIntro.String(), StateKaraokeStarted.String())))
}

func TestSoloOwnRecordingOnly(t *testing.T) {
	env := newTestEnv(t)
	key := mscontrol.Key("call-own")
	leg := env.answeredIncoming(t, key)

	env.ctrl.DispatchEvent(key, mscontrol.Signal("1"))
	env.ctrl.DispatchEvent(key, mscontrol.PlaybackDone(leg.main, mscontrol.QualifierEndOfData))
	env.ctrl.DispatchEvent(key, mscontrol.Signal("4"))
	waitState(t, leg, StateListeningKaraoke)

	assert.True(t, env.media.handleOfKind(key, mscontrol.Mixer).IsZero(), "вариант 4 не требует микшера")
	played := env.media.played(leg.main)
	assert.Equal(t, env.dir.LegRecordURI(key), played[len(played)-1])
}

func TestNegotiationRejected(t *testing.T) {
	env := newTestEnv(t)
	env.media.failNegotiate = mscontrol.NegotiationRejectedError("no common codec")
	key := mscontrol.Key("call-bad-sdp")

	leg, err := env.ctrl.CreateLeg(context.Background(), key, RoleIncoming)
	require.NoError(t, err)
	env.ctrl.DispatchEvent(key, mscontrol.Event{Kind: mscontrol.EventOfferReceived, Payload: []byte("bad")})
	waitReleased(t, leg)

	assert.Len(t, env.sig.responses(key, mscontrol.StatusServerInternalError), 1)
	assert.Empty(t, env.sig.responses(key, mscontrol.StatusOK))
	_, cause := leg.ReleaseReason()
	assert.True(t, errors.Is(cause, mscontrol.ErrNegotiationRejected), "причина: %v", cause)
}

func TestUnexpectedEventReleasesLeg(t *testing.T) {
	env := newTestEnv(t)
	key := mscontrol.Key("call-unexpected")

	leg, err := env.ctrl.CreateLeg(context.Background(), key, RoleIncoming)
	require.NoError(t, err)
	env.ctrl.DispatchEvent(key, mscontrol.Signal("1"))
	waitReleased(t, leg)

	reason, cause := leg.ReleaseReason()
	assert.Equal(t, ReasonUnexpectedEvent, reason)
	assert.True(t, errors.Is(cause, mscontrol.ErrUnexpectedEvent))
	assert.Equal(t, mscontrol.CodeUnexpectedEvent, mscontrol.GetErrorCode(cause))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.ctrl.metrics.unexpectedEvents.WithLabelValues(
		StateInitial.String(), mscontrol.EventSignalDetected.String())))
	assert.Equal(t, 0, env.ctrl.Count())
}

func TestAllocationFailureLeavesNoEntry(t *testing.T) {
	env := newTestEnv(t)
	env.media.failAlloc[mscontrol.MediaGroup] = errors.New("no capacity")
	key := mscontrol.Key("call-no-media")

	leg, err := env.ctrl.CreateLeg(context.Background(), key, RoleIncoming)
	require.Error(t, err)
	assert.Nil(t, leg)
	assert.True(t, errors.Is(err, mscontrol.ErrResourceAllocation))
	assert.Equal(t, 0, env.ctrl.Count())

	nc := env.media.handleOfKind(key, mscontrol.NetworkConnection)
	require.False(t, nc.IsZero())
	assert.Equal(t, 1, env.media.releaseCount(nc), "уже выделенный network connection должен быть освобожден")
}

func TestDuplicateKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	key := mscontrol.Key("call-dup")

	_, err := env.ctrl.CreateLeg(context.Background(), key, RoleIncoming)
	require.NoError(t, err)
	_, err = env.ctrl.CreateLeg(context.Background(), key, RoleIncoming)
	assert.Error(t, err)
	assert.Equal(t, 1, env.ctrl.Count())
}

func TestInvalidListeningOption(t *testing.T) {
	env := newTestEnv(t)
	key := mscontrol.Key("call-bad-option")
	leg := env.answeredIncoming(t, key)

	env.ctrl.DispatchEvent(key, mscontrol.Signal("1"))
	env.ctrl.DispatchEvent(key, mscontrol.PlaybackDone(leg.main, mscontrol.QualifierEndOfData))
	waitState(t, leg, StateSelectListeningOption)
	env.ctrl.DispatchEvent(key, mscontrol.Signal("7"))
	waitReleased(t, leg)

	_, cause := leg.ReleaseReason()
	assert.True(t, errors.Is(cause, mscontrol.ErrInvalidOption), "причина: %v", cause)
}

func TestUnknownDigitKeepsIntro(t *testing.T) {
	env := newTestEnv(t)
	key := mscontrol.Key("call-digit")
	leg := env.answeredIncoming(t, key)

	env.ctrl.DispatchEvent(key, mscontrol.Signal("5"))
	env.ctrl.DispatchEvent(key, mscontrol.PlaybackDone(leg.main, mscontrol.QualifierEndOfPrompt))
	env.ctrl.DispatchEvent(key, mscontrol.Signal("1"))
	waitState(t, leg, StateKaraokeStarted)
	assert.False(t, leg.Released())
}

func TestHangupInAnyState(t *testing.T) {
	env := newTestEnv(t)
	key := mscontrol.Key("call-hangup")
	leg := env.answeredIncoming(t, key)

	env.ctrl.DispatchEvent(key, mscontrol.Event{Kind: mscontrol.EventHangup})
	waitReleased(t, leg)

	assert.Len(t, env.sig.responses(key, mscontrol.StatusOK), 2, "200 на INVITE и 200 на BYE")
	reason, _ := leg.ReleaseReason()
	assert.Equal(t, ReasonHangup, reason)
	assert.Empty(t, env.sig.requests(mscontrol.MethodBye))
}

func TestReleaseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	key := mscontrol.Key("call-twice")
	leg, err := env.ctrl.CreateLeg(context.Background(), key, RoleIncoming)
	require.NoError(t, err)

	leg.release(ReasonShutdown, nil)
	leg.release(ReasonError, errors.New("second"))
	waitReleased(t, leg)

	reason, cause := leg.ReleaseReason()
	assert.Equal(t, ReasonShutdown, reason)
	assert.NoError(t, cause)
	for _, h := range env.media.handlesOf(key) {
		assert.Equal(t, 1, env.media.releaseCount(h))
	}
	assert.False(t, leg.post(mscontrol.Signal("1")), "после освобождения события отбрасываются")
}

func TestReleaseDuringMixSetupFreesLateHandles(t *testing.T) {
	env := newTestEnv(t)
	key := mscontrol.Key("call-mix-race")
	leg := env.answeredIncoming(t, key)

	env.ctrl.DispatchEvent(key, mscontrol.Signal("1"))
	env.ctrl.DispatchEvent(key, mscontrol.PlaybackDone(leg.main, mscontrol.QualifierEndOfData))
	waitState(t, leg, StateSelectListeningOption)

	g := env.media.gate(mscontrol.PlayerGroup)
	env.ctrl.DispatchEvent(key, mscontrol.Signal("1"))
	select {
	case <-g.entered:
	case <-time.After(waitTimeout):
		t.Fatal("выделение player group не началось")
	}

	require.NoError(t, env.ctrl.Shutdown(context.Background()))
	waitReleased(t, leg)
	close(g.proceed)

	require.Eventually(t, func() bool {
		player := env.media.handleOfKind(key, mscontrol.PlayerGroup)
		return !player.IsZero() && env.media.releaseCount(player) == 1
	}, waitTimeout, tick, "player group, выделенный после освобождения ноги, должен быть освобожден")
	assert.True(t, env.media.handleOfKind(key, mscontrol.Mixer).IsZero(), "после освобождения микшер не выделяется")
	for _, h := range env.media.handlesOf(key) {
		assert.Equal(t, 1, env.media.releaseCount(h), "ресурс %s должен быть освобожден один раз", h)
	}
	reason, _ := leg.ReleaseReason()
	assert.Equal(t, ReasonShutdown, reason)
}

// TestChorusKaraoke хор из инициатора и двух друзей: один отвечает,
// второй отклоняет приглашение.
func TestChorusKaraoke(t *testing.T) {
	env := newTestEnv(t, "sip:bob@example.com", "sip:carol@example.com")
	ctx := context.Background()
	alice := env.answeredIncoming(t, "call-alice")

	env.ctrl.DispatchEvent(alice.Key(), mscontrol.Signal("2"))
	waitState(t, alice, StateWaitOtherSingers)
	require.Eventually(t, func() bool { return len(env.sig.requests(mscontrol.MethodInvite)) == 2 }, waitTimeout, tick)
	require.Equal(t, 1, env.ctrl.ChorusCount())

	chorus := alice.Chorus()
	require.NotNil(t, chorus)
	assert.Equal(t, []mscontrol.Key{alice.Key()}, chorus.Members())

	invites := env.sig.requests(mscontrol.MethodInvite)
	byTarget := map[string]mscontrol.Key{}
	for _, inv := range invites {
		byTarget[inv.target] = inv.key
		assert.Equal(t, []byte("offer"), inv.body)
	}
	bob, ok := env.ctrl.Leg(byTarget["sip:bob@example.com"])
	require.True(t, ok)
	carol, ok := env.ctrl.Leg(byTarget["sip:carol@example.com"])
	require.True(t, ok)
	waitState(t, bob, StateWaitingForRemoteSDP)
	assert.Equal(t, RoleOutgoing, bob.Role())

	env.ctrl.DispatchEvent(bob.Key(), mscontrol.Event{Kind: mscontrol.EventAnswered, Payload: []byte("bob-sdp")})
	waitState(t, bob, StateWaitOtherSingers)
	assert.Len(t, env.sig.acks(bob.Key()), 1)
	assert.Equal(t, []mscontrol.Key{alice.Key(), bob.Key()}, chorus.Members())
	assert.Equal(t, []string{env.cfg.JoinedPrompt}, env.media.played(bob.main))

	env.ctrl.DispatchEvent(carol.Key(), mscontrol.Event{Kind: mscontrol.EventRejected, Status: 486})
	waitReleased(t, carol)

	env.ctrl.DispatchEvent(alice.Key(), mscontrol.Signal("0"))
	waitState(t, alice, StateKaraokeStarted)
	waitState(t, bob, StateKaraokeStarted)
	assert.True(t, chorus.Started())
	assert.Equal(t, []string{env.dir.LegRecordURI(alice.Key())}, env.media.recorded(alice.main))
	assert.Equal(t, []string{env.dir.LegRecordURI(bob.Key())}, env.media.recorded(bob.main))
	assert.Equal(t, []string{env.cfg.ChorusIntroPrompt, env.cfg.ChorusIntroPrompt, env.cfg.KaraokeTrack}, env.media.played(chorus.group))
	assert.Equal(t, []string{env.dir.GroupRecordURI(chorus.Key())}, env.media.recorded(chorus.group))

	// окончание общего трека останавливает хор
	env.ctrl.DispatchEvent(chorus.Key(), mscontrol.PlaybackDone(chorus.group, mscontrol.QualifierEndOfData))
	waitState(t, alice, StateSelectChorusListeningOption)
	waitState(t, bob, StateSelectChorusListeningOption)
	stops := env.media.callsOf("stop")
	require.Len(t, stops, 3)
	assert.Equal(t, chorus.group, stops[0].h, "сначала останавливается общее медиа")

	env.ctrl.DispatchEvent(alice.Key(), mscontrol.Signal("2"))
	waitState(t, alice, StateListeningKaraoke)
	played := env.media.played(alice.main)
	assert.Equal(t, env.dir.GroupRecordURI(chorus.Key()), played[len(played)-1])

	env.ctrl.DispatchEvent(alice.Key(), mscontrol.PlaybackDone(alice.main, mscontrol.QualifierEndOfData))
	waitReleased(t, alice)
	assert.False(t, chorus.Disbanded(), "bob еще в хоре")

	env.ctrl.DispatchEvent(bob.Key(), mscontrol.Event{Kind: mscontrol.EventHangup})
	waitReleased(t, bob)

	assert.True(t, chorus.Disbanded())
	assert.Equal(t, 0, env.ctrl.ChorusCount())
	assert.Equal(t, 1, env.media.releaseCount(chorus.group))
	assert.Equal(t, 1, env.media.releaseCount(chorus.mixer))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.ctrl.metrics.chorusMembers))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.ctrl.metrics.chorusesActive))
	assert.ErrorIs(t, chorus.Start(ctx), mscontrol.ErrGroupDisbanded)
}

func TestShutdownReleasesEverything(t *testing.T) {
	env := newTestEnv(t, "sip:bob@example.com")
	alice := env.answeredIncoming(t, "call-alice")
	env.ctrl.DispatchEvent(alice.Key(), mscontrol.Signal("2"))
	require.Eventually(t, func() bool { return env.ctrl.Count() == 2 }, waitTimeout, tick)

	require.NoError(t, env.ctrl.Shutdown(context.Background()))
	waitReleased(t, alice)
	assert.Equal(t, 0, env.ctrl.Count())
	assert.Equal(t, 0, env.ctrl.ChorusCount())
}

func TestDispatchUnknownKeyIsNoop(t *testing.T) {
	env := newTestEnv(t)
	assert.NotPanics(t, func() {
		env.ctrl.DispatchEvent("nobody", mscontrol.Signal("1"))
	})
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, env.sig.find(func(sigCall) bool { return true }))
}
