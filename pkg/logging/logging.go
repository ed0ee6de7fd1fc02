// Package logging создает zerolog логгер сервера: консоль и, при заданном
// файле, ротируемый журнал через lumberjack.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config настройки журналирования
type Config struct {
	Level string
	// Pretty человекочитаемый вывод в консоль вместо JSON
	Pretty bool
	// File путь к файлу журнала, пустой отключает запись в файл
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Pretty:     true,
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 7,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	if c.File != "" && c.MaxSizeMB <= 0 {
		return fmt.Errorf("logging: max_size_mb должен быть положительным")
	}
	if c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("logging: max_backups и max_age_days не могут быть отрицательными")
	}
	return nil
}

// ParseLevel разбирает уровень, пустая строка означает info
func ParseLevel(raw string) (zerolog.Level, error) {
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logging: неизвестный уровень %q", raw)
	}
	return level, nil
}

// Logger логгер вместе с закрываемым файлом журнала
type Logger struct {
	zerolog.Logger
	file *lumberjack.Logger
}

// New создает логгер, пишущий в console
func New(cfg Config, console io.Writer) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := ParseLevel(cfg.Level)

	if console == nil {
		console = os.Stdout
	}
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	}

	l := &Logger{}
	out := console
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = zerolog.MultiLevelWriter(console, l.file)
	}

	l.Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return l, nil
}

// Component логгер подсистемы с полем component
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Close закрывает файл журнала
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
