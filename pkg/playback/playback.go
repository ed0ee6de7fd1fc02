// Package playback минимальное приложение: ответить на вызов, проиграть
// один ресурс и положить трубку.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// Состояния вызова
const (
	StateNew      = "new"
	StateAnswered = "answered"
	StatePlaying  = "playing"
	StateDone     = "done"
)

// Config настройки проигрывания
type Config struct {
	// ResourceURI что проигрывать абоненту
	ResourceURI string
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.ResourceURI == "" {
		return errors.New("playback: не задан ресурс для проигрывания")
	}
	return nil
}

// Dependencies внешние сервисы
type Dependencies struct {
	Media     mscontrol.MediaService
	Signaling mscontrol.SignalingService
	Logger    zerolog.Logger
}

// App реестр вызовов приложения проигрывания
type App struct {
	cfg       Config
	media     mscontrol.MediaService
	signaling mscontrol.SignalingService
	logger    zerolog.Logger

	mu    sync.RWMutex
	calls map[mscontrol.Key]*Call
}

var _ mscontrol.Application = (*App)(nil)

// New создает приложение
func New(cfg Config, deps Dependencies) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Media == nil || deps.Signaling == nil {
		return nil, errors.New("playback: media и signaling обязательны")
	}
	return &App{
		cfg:       cfg,
		media:     deps.Media,
		signaling: deps.Signaling,
		logger:    deps.Logger.With().Str("component", "playback").Logger(),
		calls:     make(map[mscontrol.Key]*Call),
	}, nil
}

// Call один вызов
type Call struct {
	key    mscontrol.Key
	app    *App
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	fsm      *fsm.FSM
	nc       mscontrol.Handle
	player   mscontrol.Handle
	released bool
}

// Accept выделяет network connection для нового вызова
func (a *App) Accept(ctx context.Context, key mscontrol.Key) error {
	if key == "" {
		return errors.New("playback: пустой ключ вызова")
	}
	a.mu.RLock()
	_, exists := a.calls[key]
	a.mu.RUnlock()
	if exists {
		return fmt.Errorf("playback: вызов %s уже существует", key)
	}

	nc, err := a.media.Allocate(ctx, key, mscontrol.NetworkConnection)
	if err != nil {
		return mscontrol.ResourceAllocationError(mscontrol.NetworkConnection, err).WithKey(key)
	}

	callCtx, cancel := context.WithCancel(context.Background())
	call := &Call{
		key:    key,
		app:    a,
		logger: a.logger.With().Str("key", key.String()).Logger(),
		ctx:    callCtx,
		cancel: cancel,
		nc:     nc,
	}
	call.fsm = fsm.NewFSM(
		StateNew,
		fsm.Events{
			{Name: "answer", Src: []string{StateNew}, Dst: StateAnswered},
			{Name: "play", Src: []string{StateAnswered}, Dst: StatePlaying},
			{Name: "finish", Src: []string{StateNew, StateAnswered, StatePlaying}, Dst: StateDone},
		},
		fsm.Callbacks{},
	)

	a.mu.Lock()
	a.calls[key] = call
	a.mu.Unlock()
	return nil
}

// DispatchEvent передает событие вызову. Неизвестный ключ игнорируется.
func (a *App) DispatchEvent(key mscontrol.Key, ev mscontrol.Event) {
	a.mu.RLock()
	call, ok := a.calls[key]
	a.mu.RUnlock()
	if !ok {
		return
	}
	call.handle(ev)
}

// Call возвращает активный вызов
func (a *App) Call(key mscontrol.Key) (*Call, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	call, ok := a.calls[key]
	return call, ok
}

// Count количество активных вызовов
func (a *App) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.calls)
}

// Shutdown освобождает все вызовы
func (a *App) Shutdown(context.Context) error {
	a.mu.RLock()
	calls := make([]*Call, 0, len(a.calls))
	for _, call := range a.calls {
		calls = append(calls, call)
	}
	a.mu.RUnlock()

	for _, call := range calls {
		call.mu.Lock()
		call.releaseLocked("shutdown")
		call.mu.Unlock()
	}
	return nil
}

// State текущее состояние вызова
func (c *Call) State() string { return c.fsm.Current() }

func (c *Call) handle(ev mscontrol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}

	var err error
	switch {
	case ev.Kind == mscontrol.EventOfferReceived && c.fsm.Is(StateNew):
		err = c.answer(ev.Payload)
	case ev.Kind == mscontrol.EventAck && c.fsm.Is(StateAnswered):
		err = c.play()
	case ev.Kind == mscontrol.EventPlaybackCompleted && c.fsm.Is(StatePlaying):
		c.logger.Info().Stringer("qualifier", ev.Qualifier).Msg("Проигрывание завершено")
		if err := c.app.signaling.SendRequest(c.ctx, c.key, mscontrol.MethodBye, "", nil); err != nil {
			c.logger.Warn().Err(err).Msg("Не удалось отправить BYE")
		}
		c.releaseLocked("completed")
	case ev.Kind == mscontrol.EventHangup:
		if err := c.app.signaling.SendResponse(c.ctx, c.key, mscontrol.StatusOK, mscontrol.ReasonOK, nil); err != nil {
			c.logger.Warn().Err(err).Msg("Не удалось ответить на BYE")
		}
		c.releaseLocked("hangup")
	default:
		c.logger.Debug().Stringer("event", ev).Str("state", c.fsm.Current()).Msg("Событие пропущено")
	}

	if err != nil {
		c.logger.Error().Err(err).Msg("Ошибка обработки вызова")
		c.releaseLocked("error")
	}
}

func (c *Call) answer(offer []byte) error {
	answer, err := c.app.media.Negotiate(c.ctx, c.nc, offer)
	if err != nil {
		if rerr := c.app.signaling.SendResponse(c.ctx, c.key, mscontrol.StatusServerInternalError,
			mscontrol.ReasonUnsupportedMediaType, nil); rerr != nil {
			c.logger.Warn().Err(rerr).Msg("Не удалось отправить отказ")
		}
		return err
	}
	if err := c.app.signaling.SendResponse(c.ctx, c.key, mscontrol.StatusOK, mscontrol.ReasonOK, answer); err != nil {
		return err
	}
	return c.fsm.Event(c.ctx, "answer")
}

func (c *Call) play() error {
	media := c.app.media
	player, err := media.Allocate(c.ctx, c.key, mscontrol.PlayerGroup)
	if err != nil {
		return mscontrol.ResourceAllocationError(mscontrol.PlayerGroup, err).WithKey(c.key)
	}
	c.player = player
	if err := media.Join(c.ctx, player, c.nc, mscontrol.Duplex); err != nil {
		return err
	}
	if err := media.Play(c.ctx, player, c.app.cfg.ResourceURI, mscontrol.PolicyNone); err != nil {
		return err
	}
	return c.fsm.Event(c.ctx, "play")
}

func (c *Call) releaseLocked(reason string) {
	if c.released {
		return
	}
	c.released = true
	if err := c.fsm.Event(c.ctx, "finish"); err != nil {
		c.logger.Debug().Err(err).Msg("Вызов уже завершен")
	}

	ctx := context.WithoutCancel(c.ctx)
	for _, h := range []mscontrol.Handle{c.player, c.nc} {
		if h.IsZero() {
			continue
		}
		if err := c.app.media.Release(ctx, h); err != nil {
			c.logger.Warn().Err(err).Str("handle", h.String()).Msg("Не удалось освободить ресурс")
		}
	}
	c.app.mu.Lock()
	if c.app.calls[c.key] == c {
		delete(c.app.calls, c.key)
	}
	c.app.mu.Unlock()
	c.cancel()
	c.logger.Info().Str("reason", reason).Msg("Вызов завершен")
}
