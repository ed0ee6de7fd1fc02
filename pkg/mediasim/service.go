// Package mediasim симулятор медиа сервера для локального запуска и
// интеграционных тестов. Реализует mscontrol.MediaService: выдает
// ресурсы, согласует SDP, отсчитывает проигрывание и запись таймерами,
// распознает DTMF во входящем RTP и ведет жизненный цикл VXML диалогов.
//
// События доставляются в EventSink одной горутиной в порядке генерации
// и никогда не вызываются синхронно из методов сервиса.
package mediasim

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/arzzra/mscontrol_samples/pkg/dtmf"
	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
	"github.com/arzzra/mscontrol_samples/pkg/sdpneg"
)

// Ошибки симулятора
var (
	ErrClosed        = errors.New("mediasim: сервис остановлен")
	ErrUnknownHandle = errors.New("mediasim: неизвестный ресурс")
	ErrWrongKind     = errors.New("mediasim: операция не поддерживается ресурсом")
	ErrDialogState   = errors.New("mediasim: недопустимое состояние диалога")
)

// TransferEventName имя mid-call события перевода VXML диалога
const TransferEventName = "dialogtransfer"

// Service симулятор медиа сервера
type Service struct {
	cfg     Config
	neg     *sdpneg.Negotiator
	logger  zerolog.Logger
	metrics *Metrics
	queue   *eventQueue

	mu        sync.Mutex
	resources map[mscontrol.Handle]*resource
	failures  map[mscontrol.ResourceKind]error
	nextPort  int
	nextOp    uint64
	closed    bool
}

var _ mscontrol.MediaService = (*Service)(nil)

// New создает и запускает симулятор. reg может быть nil.
func New(cfg *Config, logger zerolog.Logger, reg prometheus.Registerer) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	neg := sdpneg.New(cfg.LocalIP, "mscontrol")
	neg.DTMFPayloadType = cfg.DTMFPayloadType

	s := &Service{
		cfg:       *cfg,
		neg:       neg,
		logger:    logger.With().Str("component", "mediasim").Logger(),
		metrics:   NewMetrics(reg),
		queue:     newEventQueue(),
		resources: make(map[mscontrol.Handle]*resource),
		failures:  make(map[mscontrol.ResourceKind]error),
		nextPort:  cfg.RTPPortMin &^ 1,
	}
	go s.queue.run()
	return s, nil
}

// SetSink задает получателя событий. Обычно это контроллер приложения,
// который создается после сервиса.
func (s *Service) SetSink(sink mscontrol.EventSink) {
	s.queue.setSink(sink)
}

// FailAllocation заставляет Allocate ресурсов kind возвращать err.
// nil снимает отказ.
func (s *Service) FailAllocation(kind mscontrol.ResourceKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, kind)
		return
	}
	s.failures[kind] = err
}

// Close останавливает таймеры и доставку событий
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, r := range s.resources {
		r.stopTimers()
		r.closeRTP()
	}
	s.mu.Unlock()
	s.queue.close()
}

// ResourceCount число выделенных ресурсов
func (s *Service) ResourceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}

// Drained все сгенерированные события доставлены
func (s *Service) Drained() bool {
	return s.queue.drained()
}

// Allocate выделяет ресурс для владельца owner
func (s *Service) Allocate(ctx context.Context, owner mscontrol.Key, kind mscontrol.ResourceKind) (mscontrol.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if err := s.failures[kind]; err != nil {
		return "", errors.Wrapf(err, "allocate %s", kind)
	}

	h := mscontrol.Handle(kind.String() + "-" + uuid.NewString())
	r := newResource(h, owner, kind)
	if kind == mscontrol.NetworkConnection {
		if s.cfg.ListenRTP {
			if err := s.listenRTPLocked(r); err != nil {
				return "", mscontrol.ResourceAllocationError(kind, err)
			}
		} else {
			r.port = s.allocatePortLocked()
		}
		r.dtmfPT = s.cfg.DTMFPayloadType
		r.detector = dtmf.NewDetector(r.dtmfPT)
	}
	s.resources[h] = r
	s.metrics.allocated(kind)

	s.logger.Debug().
		Str("owner", owner.String()).
		Str("handle", h.String()).
		Str("kind", kind.String()).
		Msg("Ресурс выделен")
	return h, nil
}

func (s *Service) allocatePortLocked() int {
	port := s.nextPort
	s.nextPort += 2
	if s.nextPort > s.cfg.RTPPortMax {
		s.nextPort = s.cfg.RTPPortMin &^ 1
	}
	return port
}

// lookupLocked находит живой ресурс и проверяет сервис
func (s *Service) lookupLocked(h mscontrol.Handle) (*resource, error) {
	if s.closed {
		return nil, ErrClosed
	}
	r, ok := s.resources[h]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandle, "handle %s", h)
	}
	return r, nil
}

func (s *Service) lookupKindLocked(h mscontrol.Handle, kinds ...mscontrol.ResourceKind) (*resource, error) {
	r, err := s.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	for _, k := range kinds {
		if r.kind == k {
			return r, nil
		}
	}
	return nil, errors.Wrapf(ErrWrongKind, "handle %s (%s)", h, r.kind)
}

// Negotiate строит SDP answer для network connection
func (s *Service) Negotiate(ctx context.Context, nc mscontrol.Handle, offer []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupKindLocked(nc, mscontrol.NetworkConnection)
	if err != nil {
		return nil, err
	}
	answer, params, err := s.neg.Answer(offer, r.port)
	if err != nil {
		s.logger.Warn().Err(err).Str("handle", nc.String()).Msg("SDP offer отклонен")
		return nil, err
	}
	s.applyParamsLocked(r, params)
	s.metrics.operation("negotiate")
	return answer, nil
}

// GenerateOffer строит SDP offer для исходящего вызова
func (s *Service) GenerateOffer(ctx context.Context, nc mscontrol.Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupKindLocked(nc, mscontrol.NetworkConnection)
	if err != nil {
		return nil, err
	}
	s.metrics.operation("generate_offer")
	return s.neg.Offer(r.port)
}

// ProcessAnswer применяет SDP answer удаленной стороны
func (s *Service) ProcessAnswer(ctx context.Context, nc mscontrol.Handle, answer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupKindLocked(nc, mscontrol.NetworkConnection)
	if err != nil {
		return err
	}
	params, err := s.neg.ParseAnswer(answer)
	if err != nil {
		return err
	}
	s.applyParamsLocked(r, params)
	s.metrics.operation("process_answer")
	return nil
}

func (s *Service) applyParamsLocked(r *resource, params *sdpneg.Params) {
	r.params = params
	if params.DTMFPayloadType != 0 && params.DTMFPayloadType != r.dtmfPT {
		r.dtmfPT = params.DTMFPayloadType
		r.detector = dtmf.NewDetector(r.dtmfPT)
		r.dtmfGen = nil
	}
}

// Play запускает проигрывание. Подсказки (uri с PromptPrefix) завершаются
// с EndOfPrompt, остальное с EndOfData.
func (s *Service) Play(ctx context.Context, h mscontrol.Handle, uri string, policy mscontrol.CompletionPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	if !r.canPlay() {
		return errors.Wrapf(ErrWrongKind, "play on %s", r.kind)
	}

	s.nextOp++
	op := &operation{
		id:     s.nextOp,
		uri:    uri,
		policy: policy,
		prompt: strings.HasPrefix(uri, s.cfg.PromptPrefix),
	}
	d := s.cfg.PlayDuration
	if op.prompt {
		d = s.cfg.PromptDuration
	}
	// таймер не сработает раньше, чем мы отпустим s.mu
	op.timer = time.AfterFunc(d, func() { s.playFinished(h, op.id) })
	r.plays[op.id] = op

	s.metrics.operation("play")
	s.logger.Debug().Str("handle", h.String()).Str("uri", uri).Str("policy", policy.String()).Msg("Проигрывание запущено")
	return nil
}

func (s *Service) playFinished(h mscontrol.Handle, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	r, ok := s.resources[h]
	if !ok {
		return
	}
	op, ok := r.plays[id]
	if !ok {
		return
	}
	delete(r.plays, id)

	q := mscontrol.QualifierEndOfData
	if op.prompt {
		q = mscontrol.QualifierEndOfPrompt
	}
	s.queue.push(r.owner, mscontrol.PlaybackDone(h, q))

	if op.prompt {
		return
	}
	for rid, rec := range r.records {
		if rec.policy == mscontrol.PolicyStopRecordOnPlayEnd {
			delete(r.records, rid)
			s.queue.push(r.owner, mscontrol.Event{
				Kind:      mscontrol.EventRecordCompleted,
				Handle:    h,
				Qualifier: mscontrol.QualifierEndOfData,
			})
		}
	}
}

// Record запускает запись. С PolicyStopRecordOnPlayEnd запись завершается
// вместе с проигрыванием данных на том же ресурсе, иначе до Stop.
func (s *Service) Record(ctx context.Context, h mscontrol.Handle, uri string, policy mscontrol.CompletionPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupKindLocked(h, mscontrol.MediaGroup)
	if err != nil {
		return err
	}
	s.nextOp++
	r.records[s.nextOp] = &operation{id: s.nextOp, uri: uri, policy: policy}

	s.metrics.operation("record")
	s.logger.Debug().Str("handle", h.String()).Str("uri", uri).Msg("Запись запущена")
	return nil
}

// Stop останавливает проигрывание и запись ресурса
func (s *Service) Stop(ctx context.Context, h mscontrol.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	for id, op := range r.plays {
		op.timer.Stop()
		delete(r.plays, id)
		s.queue.push(r.owner, mscontrol.PlaybackDone(h, mscontrol.QualifierStopped))
	}
	for id := range r.records {
		delete(r.records, id)
		s.queue.push(r.owner, mscontrol.Event{
			Kind:      mscontrol.EventRecordCompleted,
			Handle:    h,
			Qualifier: mscontrol.QualifierStopped,
		})
	}
	s.metrics.operation("stop")
	return nil
}

// Join соединяет два ресурса
func (s *Service) Join(ctx context.Context, a, b mscontrol.Handle, dir mscontrol.Direction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ra, err := s.lookupLocked(a)
	if err != nil {
		return err
	}
	rb, err := s.lookupLocked(b)
	if err != nil {
		return err
	}
	if a == b {
		return errors.Wrapf(ErrWrongKind, "join %s с самим собой", a)
	}
	ra.joins[b] = dir
	rb.joins[a] = reverse(dir)
	s.metrics.operation("join")
	return nil
}

// Joins возвращает соединения ресурса h
func (s *Service) Joins(h mscontrol.Handle) map[mscontrol.Handle]mscontrol.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[h]
	if !ok {
		return nil
	}
	out := make(map[mscontrol.Handle]mscontrol.Direction, len(r.joins))
	for k, v := range r.joins {
		out[k] = v
	}
	return out
}

// Release освобождает ресурс без генерации событий
func (s *Service) Release(ctx context.Context, h mscontrol.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	r.stopTimers()
	r.closeRTP()
	for peer := range r.joins {
		if pr, ok := s.resources[peer]; ok {
			delete(pr.joins, h)
		}
	}
	delete(s.resources, h)
	s.metrics.released(r.kind)

	s.logger.Debug().Str("handle", h.String()).Str("kind", r.kind.String()).Msg("Ресурс освобожден")
	return nil
}

// InjectRTP передает входящий RTP пакет network connection. Распознанная
// DTMF цифра доставляется владельцам media group, соединенных с nc.
func (s *Service) InjectRTP(nc mscontrol.Handle, packet *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupKindLocked(nc, mscontrol.NetworkConnection)
	if err != nil {
		return err
	}
	digit, detected, err := r.detector.Process(packet)
	if err != nil {
		return errors.Wrap(err, "dtmf")
	}
	if detected {
		s.signalLocked(r, digit.String())
	}
	return nil
}

// SendDigits имитирует нажатие клавиш абонентом на соединении nc
func (s *Service) SendDigits(nc mscontrol.Handle, digits string) error {
	parsed, err := dtmf.ParseString(digits)
	if err != nil {
		return err
	}

	s.mu.Lock()
	r, err := s.lookupKindLocked(nc, mscontrol.NetworkConnection)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if r.dtmfGen == nil {
		r.dtmfGen = dtmf.NewGenerator(r.dtmfPT, uuid.New().ID())
	}
	var packets []*rtp.Packet
	for _, d := range parsed {
		r.rtpClock += 1600
		train, err := r.dtmfGen.Generate(d, 100*time.Millisecond, r.rtpClock)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		packets = append(packets, train...)
	}
	s.mu.Unlock()

	for _, p := range packets {
		if err := s.InjectRTP(nc, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) signalLocked(nc *resource, digit string) {
	s.metrics.signal()
	delivered := false
	for peer := range nc.joins {
		g, ok := s.resources[peer]
		if !ok || g.kind != mscontrol.MediaGroup {
			continue
		}
		for id, op := range g.plays {
			if op.policy == mscontrol.PolicyStopOnSignal {
				op.timer.Stop()
				delete(g.plays, id)
				s.queue.push(g.owner, mscontrol.PlaybackDone(g.handle, mscontrol.QualifierStoppedBySignal))
			}
		}
		ev := mscontrol.Signal(digit)
		ev.Handle = g.handle
		s.queue.push(g.owner, ev)
		delivered = true
	}
	if !delivered {
		ev := mscontrol.Signal(digit)
		ev.Handle = nc.handle
		s.queue.push(nc.owner, ev)
	}
	s.logger.Debug().Str("handle", nc.handle.String()).Str("digit", digit).Msg("DTMF распознан")
}
