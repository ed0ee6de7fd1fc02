// Package config загружает настройки сервера из INI файла.
//
// Отсутствующие ключи получают значения по умолчанию пакетов, которые их
// используют. Пример:
//
//	[sip]
//	host = 0.0.0.0
//	port = 5060
//
//	[media]
//	local_ip = 192.168.1.10
//	prompt_duration = 3s
//
//	[karaoke]
//	friends = sip:bob@example.com, sip:carol@example.com
package config

import (
	"fmt"

	"github.com/pkg/errors"
	ini "gopkg.in/ini.v1"

	"github.com/arzzra/mscontrol_samples/pkg/addressbook"
	"github.com/arzzra/mscontrol_samples/pkg/karaoke"
	"github.com/arzzra/mscontrol_samples/pkg/logging"
	"github.com/arzzra/mscontrol_samples/pkg/mediasim"
	"github.com/arzzra/mscontrol_samples/pkg/playback"
	"github.com/arzzra/mscontrol_samples/pkg/sipsignal"
)

// Directory хранилище записей и список друзей для хора
type Directory struct {
	RecordBase string
	Friends    []string
}

// Metrics HTTP экспорт Prometheus
type Metrics struct {
	Enabled bool
	Listen  string
	Path    string
}

// DefaultMetrics возвращает настройки экспорта по умолчанию
func DefaultMetrics() Metrics {
	return Metrics{
		Enabled: true,
		Listen:  "127.0.0.1:9090",
		Path:    "/metrics",
	}
}

// Validate проверяет настройки экспорта
func (m Metrics) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Listen == "" || m.Path == "" {
		return fmt.Errorf("metrics: listen и path обязательны")
	}
	return nil
}

// Config настройки всех подсистем сервера
type Config struct {
	SIP         sipsignal.Config
	Media       mediasim.Config
	Karaoke     karaoke.Config
	Directory   Directory
	AddressBook addressbook.Config
	Play        playback.Config
	Metrics     Metrics
	Logging     logging.Config
}

// Default возвращает конфигурацию без файла. В отличие от тестов сервер
// слушает RTP, иначе DTMF от реальных телефонов не распознается.
func Default() *Config {
	media := mediasim.DefaultConfig()
	media.ListenRTP = true
	return &Config{
		SIP:         sipsignal.DefaultConfig(),
		Media:       *media,
		Karaoke:     *karaoke.DefaultConfig(),
		Directory:   Directory{RecordBase: "/records"},
		AddressBook: *addressbook.DefaultConfig(),
		Play:        playback.Config{ResourceURI: "/media/karaokeData.3gp"},
		Metrics:     DefaultMetrics(),
		Logging:     logging.DefaultConfig(),
	}
}

// Load читает файл path. Пустой path возвращает Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Parse(path)
}

// Parse разбирает INI источник: путь к файлу, []byte или io.Reader
func Parse(source interface{}) (*Config, error) {
	file, err := ini.Load(source)
	if err != nil {
		return nil, errors.Wrap(err, "load settings")
	}

	cfg := Default()
	loadSIP(file.Section("sip"), &cfg.SIP)
	if err := loadMedia(file.Section("media"), &cfg.Media); err != nil {
		return nil, err
	}
	loadKaraoke(file.Section("karaoke"), &cfg.Karaoke, &cfg.Directory)
	loadAddressBook(file, &cfg.AddressBook)

	sec := file.Section("play")
	cfg.Play.ResourceURI = sec.Key("resource_uri").MustString(cfg.Play.ResourceURI)

	sec = file.Section("metrics")
	cfg.Metrics.Enabled = sec.Key("enabled").MustBool(cfg.Metrics.Enabled)
	cfg.Metrics.Listen = sec.Key("listen").MustString(cfg.Metrics.Listen)
	cfg.Metrics.Path = sec.Key("path").MustString(cfg.Metrics.Path)

	loadLogging(file.Section("logging"), &cfg.Logging)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSIP(sec *ini.Section, c *sipsignal.Config) {
	c.Host = sec.Key("host").MustString(c.Host)
	c.Port = sec.Key("port").MustInt(c.Port)
	c.Transport = sec.Key("transport").MustString(c.Transport)
	c.ContactHost = sec.Key("contact_host").MustString(c.ContactHost)
	c.UserAgent = sec.Key("user_agent").MustString(c.UserAgent)
	c.ResponseTimeout = sec.Key("response_timeout").MustDuration(c.ResponseTimeout)
	c.InviteTimeout = sec.Key("invite_timeout").MustDuration(c.InviteTimeout)
}

func loadMedia(sec *ini.Section, c *mediasim.Config) error {
	c.LocalIP = sec.Key("local_ip").MustString(c.LocalIP)
	c.RTPPortMin = sec.Key("rtp_port_min").MustInt(c.RTPPortMin)
	c.RTPPortMax = sec.Key("rtp_port_max").MustInt(c.RTPPortMax)
	c.PlayDuration = sec.Key("play_duration").MustDuration(c.PlayDuration)
	c.PromptDuration = sec.Key("prompt_duration").MustDuration(c.PromptDuration)
	c.PromptPrefix = sec.Key("prompt_prefix").MustString(c.PromptPrefix)
	c.DialogPrepareDelay = sec.Key("dialog_prepare_delay").MustDuration(c.DialogPrepareDelay)
	c.DialogDuration = sec.Key("dialog_duration").MustDuration(c.DialogDuration)
	c.DialogTransferTarget = sec.Key("dialog_transfer_target").MustString(c.DialogTransferTarget)

	c.ListenRTP = sec.Key("listen_rtp").MustBool(c.ListenRTP)
	c.RTPBindIP = sec.Key("rtp_bind_ip").MustString(c.RTPBindIP)
	c.RTPDSCP = sec.Key("rtp_dscp").MustInt(c.RTPDSCP)

	pt := sec.Key("dtmf_payload_type").MustUint(uint(c.DTMFPayloadType))
	if pt < 96 || pt > 127 {
		return fmt.Errorf("media: dtmf_payload_type %d вне динамического диапазона 96-127", pt)
	}
	c.DTMFPayloadType = uint8(pt)
	return nil
}

func loadKaraoke(sec *ini.Section, c *karaoke.Config, dir *Directory) {
	c.IntroPrompt = sec.Key("intro_prompt").MustString(c.IntroPrompt)
	c.ListenPrompt = sec.Key("listen_prompt").MustString(c.ListenPrompt)
	c.ListenChorusPrompt = sec.Key("listen_chorus_prompt").MustString(c.ListenChorusPrompt)
	c.JoinedPrompt = sec.Key("joined_prompt").MustString(c.JoinedPrompt)
	c.ChorusIntroPrompt = sec.Key("chorus_intro_prompt").MustString(c.ChorusIntroPrompt)
	c.KaraokeTrack = sec.Key("track").MustString(c.KaraokeTrack)

	dir.RecordBase = sec.Key("record_base").MustString(dir.RecordBase)
	if sec.HasKey("friends") {
		dir.Friends = sec.Key("friends").Strings(",")
	}
}

func loadAddressBook(file *ini.File, c *addressbook.Config) {
	sec := file.Section("addressbook")
	c.VXMLURL = sec.Key("vxml_url").MustString(c.VXMLURL)
	c.TransferTarget = sec.Key("transfer_target").MustString(c.TransferTarget)

	// параметры запуска диалога в отдельной секции
	if params, err := file.GetSection("addressbook.params"); err == nil {
		for k, v := range params.KeysHash() {
			c.DialogParams[k] = v
		}
	}
}

func loadLogging(sec *ini.Section, c *logging.Config) {
	c.Level = sec.Key("level").MustString(c.Level)
	c.Pretty = sec.Key("pretty").MustBool(c.Pretty)
	c.File = sec.Key("file").MustString(c.File)
	c.MaxSizeMB = sec.Key("max_size_mb").MustInt(c.MaxSizeMB)
	c.MaxBackups = sec.Key("max_backups").MustInt(c.MaxBackups)
	c.MaxAgeDays = sec.Key("max_age_days").MustInt(c.MaxAgeDays)
	c.Compress = sec.Key("compress").MustBool(c.Compress)
}

// Validate проверяет все секции
func (c *Config) Validate() error {
	checks := []struct {
		section string
		check   func() error
	}{
		{"sip", c.SIP.Validate},
		{"media", c.Media.Validate},
		{"karaoke", c.Karaoke.Validate},
		{"addressbook", c.AddressBook.Validate},
		{"play", c.Play.Validate},
		{"metrics", c.Metrics.Validate},
		{"logging", c.Logging.Validate},
	}
	for _, ch := range checks {
		if err := ch.check(); err != nil {
			return errors.Wrapf(err, "[%s]", ch.section)
		}
	}
	return nil
}
