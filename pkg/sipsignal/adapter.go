// Package sipsignal связывает SIP транспорт sipgo с приложениями управления
// вызовами. Входящие INVITE/ACK/BYE превращаются в события приложения,
// а команды SignalingService в SIP ответы и запросы.
package sipsignal

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

var (
	// ErrUnknownCall нет вызова с таким ключом
	ErrUnknownCall = errors.New("unknown call")
	// ErrNoPendingRequest нет запроса, ожидающего ответа
	ErrNoPendingRequest = errors.New("no pending request")
	// ErrNotConfirmed диалог еще не подтвержден 2xx
	ErrNotConfirmed = errors.New("dialog not confirmed")
	// ErrUnsupportedMethod метод не поддерживается SendRequest
	ErrUnsupportedMethod = errors.New("unsupported method")
)

const contentTypeSDP = "application/sdp"

// sender клиентская часть sipgo, через которую уходят наши запросы
type sender interface {
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
	Do(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error)
}

// Adapter реализует mscontrol.SignalingService поверх sipgo
type Adapter struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *Metrics

	ua      *sipgo.UserAgent
	client  sender
	server  *sipgo.Server
	contact sip.Uri

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	app   mscontrol.Application
	calls map[mscontrol.Key]*call
}

var _ mscontrol.SignalingService = (*Adapter)(nil)

// New создает адаптер. Приложение подключается через SetApplication
// до начала приема вызовов.
func New(cfg Config, logger zerolog.Logger, reg prometheus.Registerer) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "sip config")
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.contactHost()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create user agent")
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(cfg.contactHost()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create client")
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "create server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		cfg:     cfg,
		logger:  logger.With().Str("component", "sip").Logger(),
		metrics: NewMetrics(reg),
		ua:      ua,
		client:  client,
		server:  server,
		contact: sip.Uri{
			Scheme: "sip",
			Host:   cfg.contactHost(),
			Port:   cfg.Port,
		},
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[mscontrol.Key]*call),
	}

	server.OnInvite(a.handleInvite)
	server.OnAck(a.handleAck)
	server.OnBye(a.handleBye)
	server.OnCancel(a.handleCancel)

	return a, nil
}

// SetApplication подключает приложение, получающее события вызовов
func (a *Adapter) SetApplication(app mscontrol.Application) {
	a.mu.Lock()
	a.app = app
	a.mu.Unlock()
}

// Listen принимает SIP запросы до отмены ctx
func (a *Adapter) Listen(ctx context.Context) error {
	network := strings.ToLower(a.cfg.Transport)
	a.logger.Info().
		Str("transport", network).
		Str("address", a.cfg.ListenAddr()).
		Msg("Запуск SIP сервера")

	if err := a.server.ListenAndServe(ctx, network, a.cfg.ListenAddr()); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "listen and serve")
	}
	return nil
}

// Close останавливает фоновые ожидания ответов и закрывает транспорты
func (a *Adapter) Close() error {
	a.cancel()
	return a.ua.Close()
}

// Count число вызовов, известных адаптеру
func (a *Adapter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *Adapter) application() mscontrol.Application {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.app
}

func (a *Adapter) lookup(key mscontrol.Key) (*call, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[key]
	return c, ok
}

func (a *Adapter) forget(key mscontrol.Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.calls[key]; ok {
		delete(a.calls, key)
		a.metrics.calls.Dec()
	}
}

// forgetCall удаляет вызов, только если под ключом все еще c
func (a *Adapter) forgetCall(c *call) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls[c.key] == c {
		delete(a.calls, c.key)
		a.metrics.calls.Dec()
	}
}

// forgetLater удаляет завершенный вызов, если приложение так и не
// ответило на Hangup
func (a *Adapter) forgetLater(c *call) {
	time.AfterFunc(a.cfg.ResponseTimeout, func() { a.forgetCall(c) })
}

func (a *Adapter) respond(req *sip.Request, tx sip.ServerTransaction, status int, reason string) {
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Warn().Err(err).Int("status", status).Msg("Не удалось отправить ответ")
		return
	}
	a.metrics.response(status, directionOut)
}

// await держит обработчик sipgo, пока приложение не ответит на запрос
func (a *Adapter) await(key mscontrol.Key, p *pendingRequest) {
	timer := time.NewTimer(a.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return
	case <-p.tx.Done():
	case <-a.ctx.Done():
	case <-timer.C:
		a.logger.Warn().
			Str("key", string(key)).
			Str("method", string(p.req.Method)).
			Msg("Приложение не ответило на запрос")
	}

	a.mu.Lock()
	c, ok := a.calls[key]
	stale := ok && c.pending == p
	if stale {
		c.pending = nil
	}
	a.mu.Unlock()

	if stale {
		a.respond(p.req, p.tx, 500, "Server Internal Error")
	}
}

func (a *Adapter) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	a.metrics.request(string(sip.INVITE), directionIn)
	key := mscontrol.Key(req.CallID().Value())
	log := a.logger.With().Str("key", string(key)).Logger()

	if tagOf(req.To().Params) != "" {
		// re-INVITE внутри диалога не поддерживается
		log.Warn().Msg("Отклонен re-INVITE")
		a.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	app := a.application()
	if app == nil {
		a.respond(req, tx, 503, "Service Unavailable")
		return
	}

	p := &pendingRequest{req: req, tx: tx, done: make(chan struct{})}
	c := &call{
		key:      key,
		incoming: true,
		localTag: newTag(),
		invite:   req,
		pending:  p,
	}

	a.mu.Lock()
	if _, exists := a.calls[key]; exists {
		a.mu.Unlock()
		log.Warn().Msg("Повторный INVITE с известным Call-ID")
		a.respond(req, tx, 482, "Loop Detected")
		return
	}
	a.calls[key] = c
	a.metrics.calls.Inc()
	a.mu.Unlock()

	if err := app.Accept(a.ctx, key); err != nil {
		log.Error().Err(err).Msg("Приложение не приняло вызов")
		a.mu.Lock()
		c.pending = nil
		a.mu.Unlock()
		a.forget(key)
		a.respond(req, tx, 500, "Server Internal Error")
		return
	}

	log.Info().Str("from", req.From().Address.String()).Msg("Входящий вызов")
	app.DispatchEvent(key, mscontrol.Event{Kind: mscontrol.EventOfferReceived, Payload: req.Body()})
	a.await(key, p)
}

func (a *Adapter) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	a.metrics.request(string(sip.ACK), directionIn)
	key := mscontrol.Key(req.CallID().Value())

	if _, ok := a.lookup(key); !ok {
		// на ACK не отвечают, 481 здесь некуда отправить
		a.logger.Warn().Str("key", string(key)).Msg("ACK для неизвестного вызова")
		return
	}
	if app := a.application(); app != nil {
		app.DispatchEvent(key, mscontrol.Event{Kind: mscontrol.EventAck})
	}
}

func (a *Adapter) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	a.metrics.request(string(sip.BYE), directionIn)
	key := mscontrol.Key(req.CallID().Value())

	a.mu.Lock()
	c, ok := a.calls[key]
	if ok {
		c.hungUp = true
	}
	a.mu.Unlock()

	if !ok {
		a.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}

	// на BYE внутри диалога всегда 200, нога приложения может быть уже освобождена
	a.respond(req, tx, sip.StatusOK, "OK")
	a.logger.Info().Str("key", string(key)).Msg("Удаленная сторона завершила вызов")
	if app := a.application(); app != nil {
		app.DispatchEvent(key, mscontrol.Event{Kind: mscontrol.EventHangup})
	}
	a.forgetLater(c)
}

func (a *Adapter) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	a.metrics.request(string(sip.CANCEL), directionIn)
	key := mscontrol.Key(req.CallID().Value())

	a.mu.Lock()
	c, ok := a.calls[key]
	var invite *pendingRequest
	if ok && c.incoming && c.answer == nil && c.pending != nil {
		invite = c.pending
		c.pending = nil
		c.hungUp = true
	}
	a.mu.Unlock()

	if invite == nil {
		a.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}

	a.respond(req, tx, sip.StatusOK, "OK")
	a.respond(invite.req, invite.tx, sip.StatusRequestTerminated, "Request Terminated")
	invite.finish()

	if app := a.application(); app != nil {
		app.DispatchEvent(key, mscontrol.Event{Kind: mscontrol.EventHangup})
	}
	a.forgetLater(c)
}

// SendResponse отвечает на последний входящий запрос вызова key
func (a *Adapter) SendResponse(_ context.Context, key mscontrol.Key, status int, reason string, body []byte) error {
	a.mu.Lock()
	c, ok := a.calls[key]
	if !ok {
		a.mu.Unlock()
		return errors.Wrapf(ErrUnknownCall, "respond %d to %s", status, key)
	}
	p := c.pending
	if p == nil {
		hungUp := c.hungUp
		a.mu.Unlock()
		if hungUp {
			a.forgetCall(c)
			return nil
		}
		return errors.Wrapf(ErrNoPendingRequest, "respond %d to %s", status, key)
	}
	c.pending = nil

	res := sip.NewResponseFromRequest(p.req, status, reason, body)
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	}
	isInvite := p.req.Method == sip.INVITE
	if isInvite && status >= 200 && status < 300 {
		if tagOf(res.To().Params) == "" {
			res.To().Params = withTag(c.localTag)
		} else {
			c.localTag = tagOf(res.To().Params)
		}
		res.AppendHeader(&sip.ContactHeader{Address: a.contact, Params: sip.NewParams()})
		c.answer = res
	}
	a.mu.Unlock()

	err := p.tx.Respond(res)
	p.finish()
	if err != nil {
		return errors.Wrapf(err, "respond %d to %s", status, key)
	}
	a.metrics.response(status, directionOut)

	if isInvite && status >= 300 {
		a.forget(key)
	}
	return nil
}

// SendRequest отправляет INVITE новой ноге или BYE внутри диалога
func (a *Adapter) SendRequest(ctx context.Context, key mscontrol.Key, method, target string, body []byte) error {
	switch sip.RequestMethod(strings.ToUpper(method)) {
	case sip.INVITE:
		return a.invite(ctx, key, target, body)
	case sip.BYE:
		return a.bye(key)
	default:
		return errors.Wrapf(ErrUnsupportedMethod, "%s for %s", method, key)
	}
}

func (a *Adapter) invite(ctx context.Context, key mscontrol.Key, target string, body []byte) error {
	var recipient sip.Uri
	if err := sip.ParseUri(target, &recipient); err != nil {
		return errors.Wrapf(err, "parse target %q", target)
	}

	c := &call{key: key, localTag: newTag(), seq: 1}
	req := sip.NewRequest(sip.INVITE, recipient)
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: a.cfg.UserAgent, Host: a.contact.Host, Port: a.contact.Port},
		Params:  withTag(c.localTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	callID := sip.CallIDHeader(string(key))
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.seq, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: a.contact, Params: sip.NewParams()})
	if len(body) > 0 {
		req.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	}
	req.SetBody(body)
	c.invite = req

	a.mu.Lock()
	if _, exists := a.calls[key]; exists {
		a.mu.Unlock()
		return errors.Errorf("call %s already exists", key)
	}
	a.calls[key] = c
	a.metrics.calls.Inc()
	a.mu.Unlock()

	tx, err := a.client.TransactionRequest(ctx, req)
	if err != nil {
		a.forget(key)
		return errors.Wrapf(err, "send INVITE to %s", target)
	}
	a.metrics.request(string(sip.INVITE), directionOut)
	a.logger.Info().Str("key", string(key)).Str("target", target).Msg("Отправлен INVITE")

	go a.awaitAnswer(c, tx)
	return nil
}

// awaitAnswer ждет финальный ответ на исходящий INVITE
func (a *Adapter) awaitAnswer(c *call, tx sip.ClientTransaction) {
	defer tx.Terminate()
	log := a.logger.With().Str("key", string(c.key)).Logger()

	timer := time.NewTimer(a.cfg.InviteTimeout)
	defer timer.Stop()

	reject := func(status int) {
		a.forget(c.key)
		if app := a.application(); app != nil {
			app.DispatchEvent(c.key, mscontrol.Event{Kind: mscontrol.EventRejected, Status: status})
		}
	}

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				reject(408)
				return
			}
			if res.StatusCode < 200 {
				continue
			}
			a.metrics.response(res.StatusCode, directionIn)
			if res.StatusCode >= 300 {
				log.Info().Int("status", res.StatusCode).Msg("INVITE отклонен")
				reject(res.StatusCode)
				return
			}

			a.mu.Lock()
			c.answer = res
			a.mu.Unlock()
			log.Info().Int("status", res.StatusCode).Msg("INVITE принят")
			if app := a.application(); app != nil {
				app.DispatchEvent(c.key, mscontrol.Event{
					Kind:    mscontrol.EventAnswered,
					Payload: res.Body(),
					Status:  res.StatusCode,
				})
			}
			return

		case <-tx.Done():
			log.Warn().Err(tx.Err()).Msg("Транзакция INVITE завершилась без ответа")
			reject(408)
			return

		case <-timer.C:
			log.Warn().Msg("Нет финального ответа на INVITE")
			reject(408)
			return

		case <-a.ctx.Done():
			return
		}
	}
}

// SendAck подтверждает 2xx на исходящий INVITE
func (a *Adapter) SendAck(_ context.Context, key mscontrol.Key) error {
	a.mu.Lock()
	c, ok := a.calls[key]
	if !ok {
		a.mu.Unlock()
		return errors.Wrapf(ErrUnknownCall, "ack %s", key)
	}
	if c.incoming || c.answer == nil {
		a.mu.Unlock()
		return errors.Wrapf(ErrNotConfirmed, "ack %s", key)
	}
	ack := c.buildAck()
	a.mu.Unlock()

	if err := a.client.WriteRequest(ack); err != nil {
		return errors.Wrapf(err, "ack %s", key)
	}
	a.metrics.request(string(sip.ACK), directionOut)
	return nil
}

func (a *Adapter) bye(key mscontrol.Key) error {
	a.mu.Lock()
	c, ok := a.calls[key]
	if !ok {
		a.mu.Unlock()
		return errors.Wrapf(ErrUnknownCall, "bye %s", key)
	}
	if c.answer == nil {
		a.mu.Unlock()
		return errors.Wrapf(ErrNotConfirmed, "bye %s", key)
	}
	req := c.buildBye()
	a.mu.Unlock()
	a.forget(key)

	a.metrics.request(string(sip.BYE), directionOut)
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, a.cfg.ResponseTimeout)
		defer cancel()

		res, err := a.client.Do(ctx, req)
		if err != nil {
			a.logger.Warn().Err(err).Str("key", string(key)).Msg("BYE не доставлен")
			return
		}
		a.metrics.response(res.StatusCode, directionIn)
		a.logger.Debug().Str("key", string(key)).Int("status", res.StatusCode).Msg("Ответ на BYE")
	}()
	return nil
}
