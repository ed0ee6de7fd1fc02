package sipsignal

import (
	"fmt"
	"strings"
	"time"
)

// Config параметры SIP адаптера
type Config struct {
	// Host адрес прослушивания
	Host string
	Port int
	// Transport udp или tcp
	Transport string
	// ContactHost адрес в Contact и From, если Host не маршрутизируемый (0.0.0.0)
	ContactHost string
	UserAgent   string

	// ResponseTimeout сколько обработчик входящего запроса ждет ответа приложения
	ResponseTimeout time.Duration
	// InviteTimeout сколько ждать финального ответа на исходящий INVITE
	InviteTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            5060,
		Transport:       "udp",
		ContactHost:     "127.0.0.1",
		UserAgent:       "mscontrol-samples",
		ResponseTimeout: 32 * time.Second,
		InviteTimeout:   64 * time.Second,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("sip host не задан")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("некорректный sip порт: %d", c.Port)
	}
	switch strings.ToLower(c.Transport) {
	case "udp", "tcp":
	default:
		return fmt.Errorf("неподдерживаемый транспорт: %q", c.Transport)
	}
	if c.contactHost() == "0.0.0.0" {
		return fmt.Errorf("contact host должен быть маршрутизируемым адресом")
	}
	if c.ResponseTimeout <= 0 || c.InviteTimeout <= 0 {
		return fmt.Errorf("таймауты должны быть положительными")
	}
	return nil
}

func (c Config) contactHost() string {
	if c.ContactHost != "" {
		return c.ContactHost
	}
	return c.Host
}

// ListenAddr адрес для ListenAndServe
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
