package karaoke

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// Dependencies внешние сервисы контроллера
type Dependencies struct {
	Media     mscontrol.MediaService
	Signaling mscontrol.SignalingService
	Directory mscontrol.Directory
	Logger    zerolog.Logger
	// Metrics может быть nil, тогда метрики не собираются
	Metrics   *Metrics
}

// Controller точка входа приложения караоке: создает ноги, маршрутизирует
// внешние события в очереди ног и групп.
type Controller struct {
	cfg       Config
	media     mscontrol.MediaService
	signaling mscontrol.SignalingService
	directory mscontrol.Directory
	logger    zerolog.Logger
	metrics   *Metrics

	registry *Registry

	groupsMu sync.RWMutex
	groups   map[mscontrol.Key]*Chorus
}

var _ mscontrol.Application = (*Controller)(nil)

// NewController создает контроллер
func NewController(cfg *Config, deps Dependencies) (*Controller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Media == nil || deps.Signaling == nil || deps.Directory == nil {
		return nil, errors.New("karaoke: media, signaling и directory обязательны")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}

	return &Controller{
		cfg:       *cfg,
		media:     deps.Media,
		signaling: deps.Signaling,
		directory: deps.Directory,
		logger:    deps.Logger.With().Str("component", "karaoke").Logger(),
		metrics:   deps.Metrics,
		registry:  NewRegistry(),
		groups:    make(map[mscontrol.Key]*Chorus),
	}, nil
}

// CreateLeg выделяет медиа ресурсы и регистрирует ногу под key.
// При ошибке выделения уже полученные ресурсы освобождаются, нога не
// регистрируется. Исходящая нога сразу запрашивает SDP offer.
func (c *Controller) CreateLeg(ctx context.Context, key mscontrol.Key, role Role, opts ...LegOption) (*Leg, error) {
	if key == "" {
		return nil, errors.New("karaoke: empty correlation key")
	}
	if _, exists := c.registry.Get(key); exists {
		return nil, fmt.Errorf("karaoke: leg %s already exists", key)
	}

	nc, main, err := c.allocateLeg(ctx, key)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key.String()).Msg("Не удалось выделить ресурсы ноги")
		return nil, err
	}

	leg := newLeg(c, key, role, nc, main)
	for _, opt := range opts {
		opt(leg)
	}
	if !c.registry.SetIfAbsent(key, leg) {
		c.releaseHandles(ctx, nc, main)
		return nil, fmt.Errorf("karaoke: leg %s already exists", key)
	}
	c.metrics.legCreated()
	go leg.box.run(leg.handle)

	leg.logger.Info().Str("peer", leg.peer).Msg("Нога создана")

	if role == RoleOutgoing {
		offer, err := c.media.GenerateOffer(ctx, nc)
		if err != nil {
			leg.release(ReasonError, err)
			return nil, err
		}
		leg.post(mscontrol.Event{Kind: mscontrol.EventOfferGenerated, Payload: offer})
	}
	return leg, nil
}

func (c *Controller) allocateLeg(ctx context.Context, key mscontrol.Key) (mscontrol.Handle, mscontrol.Handle, error) {
	nc, err := c.media.Allocate(ctx, key, mscontrol.NetworkConnection)
	if err != nil {
		return "", "", mscontrol.ResourceAllocationError(mscontrol.NetworkConnection, err).WithKey(key)
	}
	main, err := c.media.Allocate(ctx, key, mscontrol.MediaGroup)
	if err != nil {
		c.releaseHandles(ctx, nc)
		return "", "", mscontrol.ResourceAllocationError(mscontrol.MediaGroup, err).WithKey(key)
	}
	if err := c.media.Join(ctx, nc, main, mscontrol.Duplex); err != nil {
		c.releaseHandles(ctx, main, nc)
		return "", "", mscontrol.ResourceAllocationError(mscontrol.MediaGroup, err).WithKey(key)
	}
	return nc, main, nil
}

func (c *Controller) releaseHandles(ctx context.Context, handles ...mscontrol.Handle) {
	for _, h := range handles {
		if err := c.media.Release(ctx, h); err != nil {
			c.logger.Warn().Err(err).Str("handle", h.String()).Msg("Не удалось освободить медиа ресурс")
		}
	}
}

// DispatchEvent реализует mscontrol.EventSink. Событие ноги ставится в ее
// очередь, событие группы обрабатывается хором. Неизвестный ключ
// игнорируется: это нормальная гонка с освобождением.
func (c *Controller) DispatchEvent(key mscontrol.Key, ev mscontrol.Event) {
	if leg, ok := c.registry.Get(key); ok {
		if !leg.post(ev) {
			c.logger.Debug().Str("key", key.String()).Stringer("event", ev).Msg("Событие для освобожденной ноги")
		}
		return
	}
	if chorus, ok := c.Chorus(key); ok {
		chorus.handleEvent(context.Background(), ev)
		return
	}
	c.logger.Debug().Str("key", key.String()).Stringer("event", ev).Msg("Событие для неизвестного ключа")
}

// Accept создает входящую ногу для нового вызова
func (c *Controller) Accept(ctx context.Context, key mscontrol.Key) error {
	_, err := c.CreateLeg(ctx, key, RoleIncoming)
	return err
}

// Leg возвращает зарегистрированную ногу
func (c *Controller) Leg(key mscontrol.Key) (*Leg, bool) {
	return c.registry.Get(key)
}

// Count количество активных ног
func (c *Controller) Count() int {
	return c.registry.Count()
}

// Chorus возвращает хор по ключу группы
func (c *Controller) Chorus(key mscontrol.Key) (*Chorus, bool) {
	c.groupsMu.RLock()
	defer c.groupsMu.RUnlock()
	chorus, ok := c.groups[key]
	return chorus, ok
}

// ChorusCount количество нераспущенных хоров
func (c *Controller) ChorusCount() int {
	c.groupsMu.RLock()
	defer c.groupsMu.RUnlock()
	return len(c.groups)
}

// newChorus выделяет микшер и групповую media group под новым ключом
func (c *Controller) newChorus(ctx context.Context) (*Chorus, error) {
	key := mscontrol.Key(uuid.NewString())

	mixer, err := c.media.Allocate(ctx, key, mscontrol.Mixer)
	if err != nil {
		return nil, mscontrol.ResourceAllocationError(mscontrol.Mixer, err).WithKey(key)
	}
	group, err := c.media.Allocate(ctx, key, mscontrol.MediaGroup)
	if err != nil {
		c.releaseHandles(ctx, mixer)
		return nil, mscontrol.ResourceAllocationError(mscontrol.MediaGroup, err).WithKey(key)
	}
	if err := c.media.Join(ctx, group, mixer, mscontrol.Duplex); err != nil {
		c.releaseHandles(ctx, group, mixer)
		return nil, mscontrol.ResourceAllocationError(mscontrol.Mixer, err).WithKey(key)
	}

	chorus := &Chorus{
		key:     key,
		ctrl:    c,
		logger:  c.logger.With().Str("chorus", key.String()).Logger(),
		mixer:   mixer,
		group:   group,
		created: time.Now(),
	}
	c.groupsMu.Lock()
	c.groups[key] = chorus
	c.groupsMu.Unlock()
	c.metrics.chorusCreated()

	chorus.logger.Info().Msg("Хор создан")
	return chorus, nil
}

func (c *Controller) unregisterChorus(chorus *Chorus) {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	if cur, ok := c.groups[chorus.key]; ok && cur == chorus {
		delete(c.groups, chorus.key)
	}
}

// InviteFriends звонит всем доступным друзьям inviter. Каждый приглашенный
// получает исходящую ногу, которая вступит в хор после ответа.
// Возвращает число отправленных приглашений.
func (c *Controller) InviteFriends(ctx context.Context, chorus *Chorus, inviter mscontrol.Key) int {
	invited := 0
	for _, peer := range c.directory.AvailablePeers(inviter) {
		key := mscontrol.Key(uuid.NewString())
		if _, err := c.CreateLeg(ctx, key, RoleOutgoing, WithPeer(peer), WithChorus(chorus)); err != nil {
			c.logger.Warn().Err(err).Str("peer", peer).Msg("Не удалось пригласить друга")
			continue
		}
		invited++
	}
	chorus.logger.Info().Int("invited", invited).Msg("Друзья приглашены")
	return invited
}

// Shutdown освобождает все ноги и распускает оставшиеся хоры
func (c *Controller) Shutdown(ctx context.Context) error {
	c.registry.ForEach(func(_ mscontrol.Key, leg *Leg) {
		leg.release(ReasonShutdown, nil)
	})

	c.groupsMu.RLock()
	groups := make([]*Chorus, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.groupsMu.RUnlock()

	for _, g := range groups {
		g.Terminate(ctx, errors.New(ReasonShutdown))
	}
	c.logger.Info().Msg("Контроллер караоке остановлен")
	return nil
}
