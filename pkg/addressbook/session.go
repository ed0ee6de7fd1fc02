package addressbook

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// Причины освобождения сессии
const (
	ReasonDialogExited      = "dialog_exited"
	ReasonNegotiationFailed = "negotiation_failed"
	ReasonError             = "error"
	ReasonShutdown          = "shutdown"
)

// TransferEventName имя mid-call события, которым VXML документ
// запрашивает перевод вызова
const TransferEventName = "dialogtransfer"

// Session вызов абонента в адресной книге: network connection, VXML
// диалог и, после перевода, исходящая нога к цели перевода.
// События сессии обрабатываются по одному под мьютексом.
type Session struct {
	key     mscontrol.Key
	svc     *Service
	logger  zerolog.Logger
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	fsm         *fsm.FSM
	nc          mscontrol.Handle
	dialog      mscontrol.Handle
	params      map[string]string
	transferKey mscontrol.Key
	released    bool
	reason      string
}

func newSession(svc *Service, key mscontrol.Key, nc mscontrol.Handle) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		key:     key,
		svc:     svc,
		logger:  svc.logger.With().Str("key", key.String()).Logger(),
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		nc:      nc,
	}
	s.initStateMachine()
	return s
}

// initStateMachine инициализирует конечный автомат диалога
func (s *Session) initStateMachine() {
	live := []string{
		string(StateIdle), string(StateStartRequested), string(StatePrepared),
		string(StateStarted), string(StateTransferring),
	}
	s.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			// диалог загружен до ACK
			{Name: fsmPrepared, Src: []string{string(StateIdle)}, Dst: string(StatePrepared)},
			// ACK пришел раньше подготовки диалога
			{Name: fsmRequestStart, Src: []string{string(StateIdle)}, Dst: string(StateStartRequested)},
			{Name: fsmStarted, Src: []string{string(StatePrepared), string(StateStartRequested)}, Dst: string(StateStarted)},
			{Name: fsmTransfer, Src: []string{string(StatePrepared), string(StateStartRequested), string(StateStarted)}, Dst: string(StateTransferring)},
			{Name: fsmExit, Src: live, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.logger.Info().Str("from", e.Src).Str("to", e.Dst).Msg("Смена состояния диалога")
			},
		},
	)
}

// Key ключ сессии (Call-ID входящего вызова)
func (s *Session) Key() mscontrol.Key { return s.key }

// State текущее состояние
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// TransferKey ключ исходящей ноги перевода, пустой до перевода
func (s *Session) TransferKey() mscontrol.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferKey
}

// Released сообщает, что медиа сессия освобождена, и причину
func (s *Session) Released() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released, s.reason
}

func (s *Session) handle(key mscontrol.Key, ev mscontrol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	if s.transferKey != "" && key == s.transferKey {
		s.onTransferLeg(ev)
		return
	}

	switch ev.Kind {
	case mscontrol.EventOfferReceived:
		s.onOffer(ev)
	case mscontrol.EventAck:
		s.startDialog(s.svc.cfg.DialogParams)
	case mscontrol.EventDialogPrepared:
		s.onPrepared()
	case mscontrol.EventDialogStarted:
		s.fire(fsmStarted)
	case mscontrol.EventDialogTransfer:
		s.onTransfer(ev)
	case mscontrol.EventDialogExited:
		s.fire(fsmExit)
		s.releaseLocked(ReasonDialogExited, nil)
	case mscontrol.EventHangup:
		s.onHangup()
	default:
		s.logger.Error().Stringer("event", ev).Str("state", s.fsm.Current()).Msg("Неожиданное событие")
	}
}

func (s *Session) fire(event string) {
	err := s.fsm.Event(s.ctx, event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	s.logger.Warn().Err(err).Str("event", event).Msg("Переход диалога отклонен")
}

func (s *Session) onOffer(ev mscontrol.Event) {
	media := s.svc.media
	answer, err := media.Negotiate(s.ctx, s.nc, ev.Payload)
	if err != nil {
		s.reject()
		s.releaseLocked(ReasonNegotiationFailed, err)
		return
	}
	if err := s.initDialog(); err != nil {
		s.reject()
		s.releaseLocked(ReasonError, err)
		return
	}
	if err := s.svc.signaling.SendResponse(s.ctx, s.key, mscontrol.StatusOK, mscontrol.ReasonOK, answer); err != nil {
		s.releaseLocked(ReasonError, err)
	}
}

func (s *Session) reject() {
	if err := s.svc.signaling.SendResponse(s.ctx, s.key, mscontrol.StatusServerInternalError,
		mscontrol.ReasonUnsupportedMediaType, nil); err != nil {
		s.logger.Warn().Err(err).Msg("Не удалось отправить отказ")
	}
}

// initDialog создает VXML диалог, соединяет его с абонентом и начинает
// загрузку документа
func (s *Session) initDialog() error {
	media := s.svc.media
	dialog, err := media.Allocate(s.ctx, s.key, mscontrol.VxmlDialog)
	if err != nil {
		return mscontrol.ResourceAllocationError(mscontrol.VxmlDialog, err).WithKey(s.key)
	}
	s.dialog = dialog
	if err := media.Join(s.ctx, s.nc, dialog, mscontrol.Duplex); err != nil {
		return err
	}
	return media.PrepareDialog(s.ctx, dialog, s.svc.cfg.VXMLURL)
}

// startDialog запускает диалог сразу, если он подготовлен, иначе
// запоминает параметры до DialogPrepared
func (s *Session) startDialog(params map[string]string) {
	switch s.State() {
	case StatePrepared:
		if err := s.svc.media.StartDialog(s.ctx, s.dialog, params); err != nil {
			s.releaseLocked(ReasonError, err)
		}
	case StateIdle:
		s.params = params
		s.fire(fsmRequestStart)
	default:
		s.logger.Debug().Str("state", s.fsm.Current()).Msg("Повторный ACK")
	}
}

func (s *Session) onPrepared() {
	switch s.State() {
	case StateIdle:
		s.fire(fsmPrepared)
	case StateStartRequested:
		if err := s.svc.media.StartDialog(s.ctx, s.dialog, s.params); err != nil {
			s.releaseLocked(ReasonError, err)
		}
	}
}

func (s *Session) onTransfer(ev mscontrol.Event) {
	if ev.Name != TransferEventName {
		s.logger.Warn().Str("name", ev.Name).Msg("Неизвестное mid-call событие диалога")
		return
	}
	switch s.State() {
	case StatePrepared, StateStartRequested, StateStarted:
	default:
		s.logger.Warn().Str("state", s.fsm.Current()).Msg("Перевод в текущем состоянии невозможен")
		return
	}
	target := string(ev.Payload)
	if target == "" {
		target = s.svc.cfg.TransferTarget
	}
	if target == "" {
		s.logger.Error().Msg("Перевод без адреса цели")
		s.terminateDialog()
		return
	}

	s.fire(fsmTransfer)
	s.transferKey = mscontrol.Key(uuid.NewString())
	s.svc.alias(s.transferKey, s)
	s.svc.metrics.transfer()

	s.logger.Info().Str("target", target).Str("transfer_key", s.transferKey.String()).Msg("Перевод вызова")
	if err := s.svc.signaling.SendRequest(s.ctx, s.transferKey, mscontrol.MethodInvite, target, nil); err != nil {
		s.logger.Error().Err(err).Msg("Не удалось отправить INVITE перевода")
		s.terminateDialog()
	}
}

// onTransferLeg события исходящей ноги перевода
func (s *Session) onTransferLeg(ev mscontrol.Event) {
	switch ev.Kind {
	case mscontrol.EventAnswered:
		if err := s.svc.signaling.SendAck(s.ctx, s.transferKey); err != nil {
			s.logger.Warn().Err(err).Msg("Не удалось подтвердить ответ цели перевода")
		}
		s.terminateDialog()
	case mscontrol.EventRejected:
		s.logger.Warn().Int("status", ev.Status).Msg("Цель перевода отклонила вызов")
		s.terminateDialog()
	case mscontrol.EventHangup:
		if err := s.svc.signaling.SendResponse(s.ctx, s.transferKey, mscontrol.StatusOK, mscontrol.ReasonOK, nil); err != nil {
			s.logger.Warn().Err(err).Msg("Не удалось ответить на BYE")
		}
	default:
		s.logger.Error().Stringer("event", ev).Msg("Неожиданное событие ноги перевода")
	}
}

// onHangup абонент положил трубку. Во время перевода диалог доживает
// до ответа цели.
func (s *Session) onHangup() {
	if err := s.svc.signaling.SendResponse(s.ctx, s.key, mscontrol.StatusOK, mscontrol.ReasonOK, nil); err != nil {
		s.logger.Warn().Err(err).Msg("Не удалось ответить на BYE")
	}
	if s.State() == StateTransferring {
		return
	}
	if s.dialog.IsZero() {
		s.fire(fsmExit)
		s.releaseLocked(ReasonDialogExited, nil)
		return
	}
	s.terminateDialog()
}

// terminateDialog завершение приходит событием DialogExited
func (s *Session) terminateDialog() {
	if s.dialog.IsZero() {
		return
	}
	if err := s.svc.media.TerminateDialog(s.ctx, s.dialog); err != nil {
		s.releaseLocked(ReasonError, err)
	}
}

func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(ReasonShutdown, nil)
}

// releaseLocked освобождает медиа сессию один раз
func (s *Session) releaseLocked(reason string, cause error) {
	if s.released {
		return
	}
	s.released = true
	s.reason = reason

	ctx := context.WithoutCancel(s.ctx)
	for _, h := range []mscontrol.Handle{s.dialog, s.nc} {
		if h.IsZero() {
			continue
		}
		if err := s.svc.media.Release(ctx, h); err != nil {
			s.logger.Warn().Err(err).Str("handle", h.String()).Msg("Не удалось освободить ресурс")
		}
	}
	s.svc.unregister(s)
	s.cancel()

	s.svc.metrics.released(reason, time.Since(s.created))
	log := s.logger.Info()
	if cause != nil {
		log = s.logger.Error().Err(cause)
	}
	log.Str("reason", reason).Msg("Сессия адресной книги освобождена")
}
