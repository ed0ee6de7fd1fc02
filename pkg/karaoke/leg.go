package karaoke

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// Leg одна нога вызова караоке: входящий абонент или приглашенный друг.
//
// События ноги обрабатываются строго по одному в порядке поступления
// горутиной почтового ящика. Медиа ресурсами владеет медиа сервис,
// нога хранит только handle и освобождает их ровно один раз.
type Leg struct {
	key     mscontrol.Key
	role    Role
	peer    string
	created time.Time

	ctrl   *Controller
	logger zerolog.Logger
	fsm    *fsm.FSM
	box    *mailbox

	ctx    context.Context
	cancel context.CancelFunc

	// выделяются при создании и не меняются
	nc   mscontrol.Handle
	main mscontrol.Handle

	mu     sync.Mutex
	player mscontrol.Handle
	mixer  mscontrol.Handle
	chorus *Chorus
	reason string
	cause  error

	releaseOnce sync.Once
	released    atomic.Bool
}

// LegOption опция создания ноги
type LegOption func(*Leg)

// WithPeer адрес вызываемого друга для исходящей ноги
func WithPeer(peer string) LegOption {
	return func(l *Leg) {
		l.peer = peer
	}
}

// WithChorus хор, в который нога вступит после ответа
func WithChorus(c *Chorus) LegOption {
	return func(l *Leg) {
		l.chorus = c
	}
}

func newLeg(ctrl *Controller, key mscontrol.Key, role Role, nc, main mscontrol.Handle) *Leg {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Leg{
		key:     key,
		role:    role,
		created: time.Now(),
		ctrl:    ctrl,
		box:     newMailbox(),
		ctx:     ctx,
		cancel:  cancel,
		nc:      nc,
		main:    main,
	}
	l.logger = ctrl.logger.With().
		Str("key", key.String()).
		Str("role", role.String()).
		Logger()
	l.fsm = newLegFSM(l.onTransition)
	return l
}

// Key корреляционный ключ ноги
func (l *Leg) Key() mscontrol.Key { return l.key }

// Role роль ноги
func (l *Leg) Role() Role { return l.role }

// Peer адрес друга для исходящей ноги
func (l *Leg) Peer() string { return l.peer }

// State текущее состояние
func (l *Leg) State() State {
	return State(l.fsm.Current())
}

// NetworkConnection RTP соединение ноги
func (l *Leg) NetworkConnection() mscontrol.Handle { return l.nc }

// Chorus хор ноги или nil для соло
func (l *Leg) Chorus() *Chorus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chorus
}

// Released сообщает, что нога освобождена
func (l *Leg) Released() bool {
	return l.released.Load()
}

// ReleaseReason причина освобождения и ошибка, если она была
func (l *Leg) ReleaseReason() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason, l.cause
}

// Done закрывается после освобождения ноги
func (l *Leg) Done() <-chan struct{} {
	return l.box.done
}

func (l *Leg) setChorus(c *Chorus) {
	l.mu.Lock()
	l.chorus = c
	l.mu.Unlock()
}

// post ставит событие в очередь ноги. Не блокирует.
func (l *Leg) post(ev mscontrol.Event) bool {
	if l.released.Load() {
		return false
	}
	return l.box.post(ev)
}

// handle применяет одно событие: ищет правило, меняет состояние и
// выполняет действие. Любая ошибка освобождает ногу.
func (l *Leg) handle(ev mscontrol.Event) {
	if l.released.Load() {
		return
	}

	from := l.State()
	r := resolve(from, l.Chorus() != nil, ev)
	if r == nil {
		err := mscontrol.UnexpectedEventError(from.String(), ev).WithKey(l.key)
		l.ctrl.metrics.unexpectedEvent(from, ev.Kind)
		l.logger.Error().Err(err).Str("state", from.String()).Msg("Неожиданное событие, нога освобождается")
		l.release(ReasonUnexpectedEvent, err)
		return
	}

	if r.event != "" {
		if err := l.fsm.Event(l.ctx, r.event); err != nil {
			l.release(ReasonError, fmt.Errorf("transition %s from %s: %w", r.event, from, err))
			return
		}
	}

	if r.do == nil {
		l.logger.Debug().Str("state", from.String()).Stringer("event", ev).Msg("Событие без смены состояния")
		return
	}
	if err := r.do(l, ev); err != nil {
		if l.released.Load() {
			// нога освобождена во время действия
			return
		}
		l.logger.Error().Err(err).Str("state", l.State().String()).Stringer("event", ev).Msg("Ошибка обработки события")
		l.release(ReasonError, err)
	}
}

func (l *Leg) onTransition(from, to State) {
	l.ctrl.metrics.transition(from, to)
	l.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Смена состояния")
}

// release освобождает ногу: снимает с реестра, выходит из хора,
// освобождает медиа ресурсы и останавливает очередь. Идемпотентна,
// подтверждения от медиа сервиса не ждет.
func (l *Leg) release(reason string, cause error) {
	l.releaseOnce.Do(func() {
		l.released.Store(true)

		l.mu.Lock()
		l.reason = reason
		l.cause = cause
		chorus := l.chorus
		handles := []mscontrol.Handle{l.mixer, l.player, l.main, l.nc}
		l.mu.Unlock()

		ctx := context.WithoutCancel(l.ctx)
		_ = l.fsm.Event(ctx, fsmRelease)
		l.ctrl.registry.Delete(l.key, l)

		if chorus != nil {
			_ = chorus.Leave(ctx, l)
		}
		for _, h := range handles {
			if h.IsZero() {
				continue
			}
			if err := l.ctrl.media.Release(ctx, h); err != nil {
				l.logger.Warn().Err(err).Str("handle", h.String()).Msg("Не удалось освободить медиа ресурс")
			}
		}

		l.cancel()
		l.box.close()
		l.ctrl.metrics.legReleased(reason, time.Since(l.created))

		event := l.logger.Info()
		if cause != nil {
			event = l.logger.Warn().Err(cause)
		}
		event.Str("reason", reason).Dur("lifetime", time.Since(l.created)).Msg("Нога освобождена")
	})
}

// --- действия таблицы переходов ---

func (l *Leg) media() mscontrol.MediaService         { return l.ctrl.media }
func (l *Leg) signaling() mscontrol.SignalingService { return l.ctrl.signaling }

func (l *Leg) playPrompt(uri string) error {
	return l.media().Play(l.ctx, l.main, uri, mscontrol.PolicyStopOnSignal)
}

func (l *Leg) answerOffer(ev mscontrol.Event) error {
	answer, err := l.media().Negotiate(l.ctx, l.nc, ev.Payload)
	if err != nil {
		if rerr := l.signaling().SendResponse(l.ctx, l.key, mscontrol.StatusServerInternalError,
			mscontrol.ReasonUnsupportedMediaType, nil); rerr != nil {
			l.logger.Warn().Err(rerr).Msg("Не удалось отправить отказ")
		}
		return err
	}
	return l.signaling().SendResponse(l.ctx, l.key, mscontrol.StatusOK, mscontrol.ReasonOK, answer)
}

func (l *Leg) playIntro(mscontrol.Event) error {
	return l.playPrompt(l.ctrl.cfg.IntroPrompt)
}

func (l *Leg) sendInvite(ev mscontrol.Event) error {
	return l.signaling().SendRequest(l.ctx, l.key, mscontrol.MethodInvite, l.peer, ev.Payload)
}

func (l *Leg) joinAfterAnswer(ev mscontrol.Event) error {
	if err := l.media().ProcessAnswer(l.ctx, l.nc, ev.Payload); err != nil {
		return err
	}
	if err := l.signaling().SendAck(l.ctx, l.key); err != nil {
		return err
	}
	c := l.Chorus()
	if c == nil {
		return fmt.Errorf("invited leg %s has no chorus", l.key)
	}
	return c.Join(l.ctx, l)
}

func (l *Leg) inviteRejected(ev mscontrol.Event) error {
	l.logger.Info().Int("status", ev.Status).Str("peer", l.peer).Msg("Друг отклонил приглашение")
	l.release(ReasonInviteRejected, nil)
	return nil
}

func (l *Leg) startSolo(mscontrol.Event) error {
	if err := l.media().Play(l.ctx, l.main, l.ctrl.cfg.KaraokeTrack, mscontrol.PolicyNone); err != nil {
		return err
	}
	return l.media().Record(l.ctx, l.main, l.ctrl.directory.LegRecordURI(l.key), mscontrol.PolicyStopRecordOnPlayEnd)
}

func (l *Leg) createChorus(mscontrol.Event) error {
	c, err := l.ctrl.newChorus(l.ctx)
	if err != nil {
		return err
	}
	if err := c.Join(l.ctx, l); err != nil {
		c.Terminate(l.ctx, err)
		return err
	}
	l.ctrl.InviteFriends(l.ctx, c, l.key)
	return nil
}

func (l *Leg) startChorus(mscontrol.Event) error {
	c := l.Chorus()
	if c == nil {
		return fmt.Errorf("leg %s is not a chorus member", l.key)
	}
	return c.Start(l.ctx)
}

func (l *Leg) promptListen(mscontrol.Event) error {
	return l.playPrompt(l.ctrl.cfg.ListenPrompt)
}

func (l *Leg) promptChorusListen(mscontrol.Event) error {
	return l.playPrompt(l.ctrl.cfg.ListenChorusPrompt)
}

func (l *Leg) rejectOption(ev mscontrol.Event) error {
	return mscontrol.InvalidOptionError(ev.Digit).WithKey(l.key).WithState(l.State().String())
}

func (l *Leg) listenSolo(ev mscontrol.Event) error {
	opt, err := ParseListeningOption(ev.Digit)
	if err != nil {
		return err
	}
	return l.applyPlan(planSolo(opt, l.sources()))
}

func (l *Leg) listenChorus(ev mscontrol.Event) error {
	opt, err := ParseListeningOption(ev.Digit)
	if err != nil {
		return err
	}
	return l.applyPlan(planChorus(opt, l.sources()))
}

func (l *Leg) sources() sources {
	src := sources{
		track: l.ctrl.cfg.KaraokeTrack,
		own:   l.ctrl.directory.LegRecordURI(l.key),
	}
	if c := l.Chorus(); c != nil {
		src.group = l.ctrl.directory.GroupRecordURI(c.Key())
	}
	return src
}

func (l *Leg) applyPlan(p listenPlan) error {
	if p.mix {
		if err := l.instantiateMix(); err != nil {
			return err
		}
	}
	for _, step := range p.plays {
		h := l.main
		if step.on == onPlayerGroup {
			l.mu.Lock()
			h = l.player
			l.mu.Unlock()
		}
		if err := l.media().Play(l.ctx, h, step.uri, mscontrol.PolicyNone); err != nil {
			return err
		}
	}
	return nil
}

// instantiateMix выделяет player group и микшер один раз на ногу:
// player -> mixer, main -> mixer, mixer -> network connection
func (l *Leg) instantiateMix() error {
	l.mu.Lock()
	ready := !l.mixer.IsZero()
	l.mu.Unlock()
	if ready {
		return nil
	}

	player, err := l.media().Allocate(l.ctx, l.key, mscontrol.PlayerGroup)
	if err != nil {
		return mscontrol.ResourceAllocationError(mscontrol.PlayerGroup, err).WithKey(l.key)
	}
	if err := l.keep(player, &l.player); err != nil {
		return err
	}

	mixer, err := l.media().Allocate(l.ctx, l.key, mscontrol.Mixer)
	if err != nil {
		return mscontrol.ResourceAllocationError(mscontrol.Mixer, err).WithKey(l.key)
	}
	if err := l.keep(mixer, &l.mixer); err != nil {
		return err
	}

	if err := l.media().Join(l.ctx, player, mixer, mscontrol.Send); err != nil {
		return err
	}
	if err := l.media().Join(l.ctx, l.main, mixer, mscontrol.Send); err != nil {
		return err
	}
	return l.media().Join(l.ctx, l.nc, mixer, mscontrol.Recv)
}

// keep закрепляет выделенный ресурс за ногой. Если нога успела
// освободиться, пока шло выделение, ресурс освобождается здесь же:
// release уже забрал свой список handle и этот не увидит.
func (l *Leg) keep(h mscontrol.Handle, slot *mscontrol.Handle) error {
	l.mu.Lock()
	if !l.released.Load() {
		*slot = h
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.media().Release(context.WithoutCancel(l.ctx), h); err != nil {
		l.logger.Warn().Err(err).Str("handle", h.String()).Msg("Не удалось освободить медиа ресурс")
	}
	return mscontrol.ErrLegReleased
}

func (l *Leg) finishListening(mscontrol.Event) error {
	if err := l.signaling().SendRequest(l.ctx, l.key, mscontrol.MethodBye, "", nil); err != nil {
		l.logger.Warn().Err(err).Msg("Не удалось отправить BYE")
	}
	l.release(ReasonListeningFinished, nil)
	return nil
}

func (l *Leg) hangup(mscontrol.Event) error {
	if err := l.signaling().SendResponse(l.ctx, l.key, mscontrol.StatusOK, mscontrol.ReasonOK, nil); err != nil {
		l.logger.Warn().Err(err).Msg("Не удалось ответить на BYE")
	}
	l.release(ReasonHangup, nil)
	return nil
}
