// Package addressbook сервис адресной книги: входящий вызов попадает в
// VXML диалог, который может перевести абонента на выбранный номер.
//
// Состояния диалога: IDLE -> PREPARED -> STARTED -> TERMINATED, с
// ответвлениями START_REQUESTED (ACK до окончания подготовки, запуск
// откладывается до DialogPrepared) и TRANSFERRING (запрошен перевод,
// отправлен INVITE цели). Медиа сессия освобождается ровно один раз.
package addressbook

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// Dependencies внешние сервисы адресной книги
type Dependencies struct {
	Media     mscontrol.MediaService
	Signaling mscontrol.SignalingService
	Logger    zerolog.Logger
	Metrics   *Metrics
}

// Service реестр сессий адресной книги. Исходящая нога перевода
// регистрируется как псевдоним сессии.
type Service struct {
	cfg       Config
	media     mscontrol.MediaService
	signaling mscontrol.SignalingService
	logger    zerolog.Logger
	metrics   *Metrics

	mu       sync.RWMutex
	sessions map[mscontrol.Key]*Session
}

var _ mscontrol.Application = (*Service)(nil)

// NewService создает сервис
func NewService(cfg *Config, deps Dependencies) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Media == nil || deps.Signaling == nil {
		return nil, errors.New("addressbook: media и signaling обязательны")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Service{
		cfg:       *cfg,
		media:     deps.Media,
		signaling: deps.Signaling,
		logger:    deps.Logger.With().Str("component", "addressbook").Logger(),
		metrics:   deps.Metrics,
		sessions:  make(map[mscontrol.Key]*Session),
	}, nil
}

// Accept создает сессию для входящего вызова
func (s *Service) Accept(ctx context.Context, key mscontrol.Key) error {
	_, err := s.CreateSession(ctx, key)
	return err
}

// CreateSession выделяет network connection и регистрирует сессию
func (s *Service) CreateSession(ctx context.Context, key mscontrol.Key) (*Session, error) {
	if key == "" {
		return nil, errors.New("addressbook: пустой ключ сессии")
	}
	s.mu.RLock()
	_, exists := s.sessions[key]
	s.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("addressbook: сессия %s уже существует", key)
	}

	nc, err := s.media.Allocate(ctx, key, mscontrol.NetworkConnection)
	if err != nil {
		return nil, mscontrol.ResourceAllocationError(mscontrol.NetworkConnection, err).WithKey(key)
	}

	session := newSession(s, key, nc)
	s.mu.Lock()
	if _, exists := s.sessions[key]; exists {
		s.mu.Unlock()
		_ = s.media.Release(ctx, nc)
		return nil, fmt.Errorf("addressbook: сессия %s уже существует", key)
	}
	s.sessions[key] = session
	s.mu.Unlock()

	s.metrics.created()
	s.logger.Info().Str("key", key.String()).Msg("Сессия адресной книги создана")
	return session, nil
}

// DispatchEvent передает событие сессии. Неизвестный ключ игнорируется.
func (s *Service) DispatchEvent(key mscontrol.Key, ev mscontrol.Event) {
	s.mu.RLock()
	session, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug().Str("key", key.String()).Stringer("event", ev).Msg("Событие для неизвестного ключа")
		return
	}
	session.handle(key, ev)
}

// Session возвращает сессию по ключу вызова или ноги перевода
func (s *Service) Session(key mscontrol.Key) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[key]
	return session, ok
}

// Count количество активных сессий без учета псевдонимов
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for key, session := range s.sessions {
		if session.key == key {
			n++
		}
	}
	return n
}

// Shutdown освобождает все сессии
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for key, session := range s.sessions {
		if session.key == key {
			sessions = append(sessions, session)
		}
	}
	s.mu.RUnlock()

	for _, session := range sessions {
		session.shutdown()
	}
	return nil
}

func (s *Service) alias(key mscontrol.Key, session *Session) {
	s.mu.Lock()
	s.sessions[key] = session
	s.mu.Unlock()
}

// unregister удаляет ключ сессии и ее псевдонимы
func (s *Service) unregister(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, registered := range s.sessions {
		if registered == session {
			delete(s.sessions, key)
		}
	}
}
