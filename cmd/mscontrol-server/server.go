package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arzzra/mscontrol_samples/pkg/config"
	"github.com/arzzra/mscontrol_samples/pkg/logging"
	"github.com/arzzra/mscontrol_samples/pkg/mediasim"
	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
	"github.com/arzzra/mscontrol_samples/pkg/sipsignal"
)

const shutdownTimeout = 5 * time.Second

// application приложение, которое сервер подключает к SIP и медиа
type application interface {
	mscontrol.Application
	Shutdown(ctx context.Context) error
}

// environment сервисы, общие для всех приложений
type environment struct {
	media     mscontrol.MediaService
	signaling mscontrol.SignalingService
	logger    zerolog.Logger
	registry  prometheus.Registerer
}

type builder func(cfg *config.Config, env environment) (application, error)

// loadConfig читает файл и применяет флаги командной строки
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		host, port, err := net.SplitHostPort(listenAddr)
		if err != nil {
			return nil, errors.Wrap(err, "--listen")
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, errors.Wrap(err, "--listen port")
		}
		cfg.SIP.Host = host
		cfg.SIP.Port = p
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(parent context.Context, build builder) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Component("server")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	media, err := mediasim.New(&cfg.Media, logger.Logger, reg)
	if err != nil {
		return err
	}
	defer media.Close()

	sip, err := sipsignal.New(cfg.SIP, logger.Logger, reg)
	if err != nil {
		return err
	}
	defer sip.Close()

	app, err := build(cfg, environment{
		media:     media,
		signaling: sip,
		logger:    logger.Logger,
		registry:  reg,
	})
	if err != nil {
		return err
	}
	media.SetSink(app)
	sip.SetApplication(app)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("address", cfg.Metrics.Listen).Msg("Экспорт метрик запущен")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Экспорт метрик остановлен с ошибкой")
			}
		}()
	}

	listenErr := make(chan error, 1)
	go func() { listenErr <- sip.Listen(ctx) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Получен сигнал остановки")
	case err = <-listenErr:
		if err != nil {
			log.Error().Err(err).Msg("SIP сервер остановлен с ошибкой")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if serr := app.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("Не все вызовы освобождены")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info().Msg("Сервер остановлен")
	return err
}
