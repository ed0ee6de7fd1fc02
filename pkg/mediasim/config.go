package mediasim

import (
	"errors"
	"time"

	"github.com/arzzra/mscontrol_samples/pkg/sdpneg"
)

// Config параметры симулятора медиа сервера
type Config struct {
	// LocalIP адрес в SDP answer/offer
	LocalIP string
	// RTPPortMin, RTPPortMax диапазон портов network connection (четные)
	RTPPortMin int
	RTPPortMax int

	// PlayDuration длительность проигрывания данных (трек, записи)
	PlayDuration time.Duration
	// PromptDuration длительность подсказок (uri с префиксом PromptPrefix)
	PromptDuration time.Duration
	PromptPrefix   string

	// DialogPrepareDelay задержка подготовки VXML диалога
	DialogPrepareDelay time.Duration
	// DialogDuration через сколько запущенный диалог завершается сам.
	// 0 - диалог живет до TerminateDialog.
	DialogDuration time.Duration
	// DialogTransferTarget если задан, диалог по истечении DialogDuration
	// запрашивает перевод на этот адрес вместо завершения
	DialogTransferTarget string

	// DTMFPayloadType telephone-event по умолчанию для соединений без SDP
	DTMFPayloadType uint8

	// ListenRTP открывать UDP сокет на порту network connection и
	// распознавать DTMF во входящем RTP
	ListenRTP bool
	RTPBindIP string
	// RTPDSCP маркировка голосового трафика, 46 (EF) по умолчанию
	RTPDSCP int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		LocalIP:            "127.0.0.1",
		RTPPortMin:         20000,
		RTPPortMax:         30000,
		PlayDuration:       30 * time.Second,
		PromptDuration:     3 * time.Second,
		PromptPrefix:       "/prompt/",
		DialogPrepareDelay: 50 * time.Millisecond,
		DTMFPayloadType:    sdpneg.DefaultDTMFPayloadType,
		RTPBindIP:          "0.0.0.0",
		RTPDSCP:            46,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.LocalIP == "" {
		return errors.New("mediasim: не задан local IP")
	}
	if c.RTPPortMin <= 0 || c.RTPPortMax <= c.RTPPortMin || c.RTPPortMax > 65535 {
		return errors.New("mediasim: некорректный диапазон RTP портов")
	}
	if c.PlayDuration <= 0 || c.PromptDuration <= 0 {
		return errors.New("mediasim: длительности проигрывания должны быть положительными")
	}
	if c.DialogPrepareDelay < 0 || c.DialogDuration < 0 {
		return errors.New("mediasim: отрицательная задержка диалога")
	}
	if c.RTPDSCP < 0 || c.RTPDSCP > 63 {
		return errors.New("mediasim: DSCP должен быть в диапазоне 0-63")
	}
	return nil
}
