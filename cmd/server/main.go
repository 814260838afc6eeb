package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/stream-gateway/internal/audio"
	"github.com/skypro1111/stream-gateway/internal/config"
	"github.com/skypro1111/stream-gateway/internal/engine"
	"github.com/skypro1111/stream-gateway/internal/handler"
	"github.com/skypro1111/stream-gateway/internal/handler/stt"
	"github.com/skypro1111/stream-gateway/internal/handler/tts"
	"github.com/skypro1111/stream-gateway/internal/metrics"
	"github.com/skypro1111/stream-gateway/internal/server"
	"github.com/skypro1111/stream-gateway/internal/stream"
	"github.com/skypro1111/stream-gateway/internal/transcription"
	"github.com/skypro1111/stream-gateway/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "stream-gateway"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	logger, closeLog := initLogger(cfg.Logging, level)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)
	logger.Info("Configuration loaded",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.String("websocket_path", cfg.HTTP.WebSocketPath),
		slog.String("engine", cfg.Engine.Type),
		slog.Int("phone_sample_rate", cfg.Session.PhoneSampleRate),
		slog.Duration("pacing_interval", cfg.Session.GetPacingInterval()),
		slog.Int("max_sessions", cfg.Session.MaxSessions),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(prometheus.NewRegistry())

	factory, stats, closeEngine, err := buildEngine(cfg, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to initialize engine", slog.String("engine", cfg.Engine.Type), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeEngine()

	manager := stream.NewManager(logger, appMetrics, stream.ManagerConfig{
		IdleTimeout:          cfg.Session.GetIdleTimeoutDuration(),
		MaxAdditionalOutputs: cfg.Session.MaxAdditionalOutputs,
		ForwardTranscripts:   cfg.Session.ForwardTranscripts,
	})

	httpServer, err := server.NewHTTPServer(server.Options{
		Config:  cfg,
		Logger:  logger,
		Manager: manager,
		Factory: factory,
		Session: stream.Config{
			PhoneSampleRate: cfg.Session.PhoneSampleRate,
			PacingInterval:  cfg.Session.GetPacingInterval(),
			FinishedMessage: cfg.Session.StreamFinishedMessage,
			EmitStopTimeout: cfg.Session.GetEmitStopTimeout(),
			ShutdownTimeout: cfg.Session.GetShutdownTimeoutDuration(),
		},
		Metrics: appMetrics,
		Stats:   stats,
	})
	if err != nil {
		logger.Error("Failed to create HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Only the log level is applied live; other changes need a restart.
	watcher, err := config.Watch(*configPath, logger, func(next *config.Config) {
		lvl, err := config.ParseLevel(next.Logging.Level)
		if err != nil {
			return
		}
		if lvl != level.Level() {
			logger.Info("Log level changed",
				slog.String("from", level.Level().String()),
				slog.String("to", lvl.String()),
			)
			level.Set(lvl)
		}
	})
	if err != nil {
		logger.Warn("Config watching disabled", slog.String("error", err.Error()))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error("Error stopping config watcher", slog.String("error", err.Error()))
		}
	}

	// Stop accepting connections; live sessions are cancelled and drained.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Session.GetShutdownTimeoutDuration()*2)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	manager.Stop()

	for name, fn := range stats {
		logger.Info("Final engine statistics", slog.String("engine", name), slog.Any("stats", fn()))
	}

	logger.Info("Service stopped")
}

// buildEngine creates the engine client and the handler factory for the configured engine type
func buildEngine(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (handler.Factory, map[string]server.StatsFunc, func(), error) {
	switch cfg.Engine.Type {
	case config.EngineTTS:
		client, err := tts.NewClient(tts.ClientConfig{
			Endpoint:      cfg.TTS.Endpoint,
			APIKey:        cfg.TTS.APIKey,
			Timeout:       cfg.TTS.GetTimeoutDuration(),
			MaxConcurrent: cfg.TTS.MaxConcurrent,
			Retry:         engine.RetryPolicy{MaxRetries: cfg.TTS.MaxRetries},
		}, logger, m)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create synthesis client: %w", err)
		}
		logger.Info("Synthesis client initialized",
			slog.String("endpoint", cfg.TTS.Endpoint),
			slog.Int("sample_rate", cfg.TTS.SampleRate),
			slog.Bool("phone_mode", cfg.TTS.PhoneMode),
		)

		factory := tts.NewFactory(client, tts.Config{
			Voice:            cfg.TTS.Voice,
			SampleRate:       cfg.TTS.SampleRate,
			ChunkDuration:    cfg.TTS.GetChunkDuration(),
			OutputSampleRate: cfg.TTS.OutputSampleRate,
			PhoneMode:        cfg.TTS.PhoneMode,
			MaxQueuedTexts:   cfg.TTS.MaxQueuedTexts,
		}, logger)
		stats := map[string]server.StatsFunc{
			"tts": func() any { return client.GetStats() },
		}
		return factory, stats, func() {}, nil

	case config.EngineSTT:
		client, err := transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Transcription.Endpoint,
			APIKey:        cfg.Transcription.APIKey,
			Timeout:       cfg.Transcription.GetTimeoutDuration(),
			MaxRetries:    cfg.Transcription.MaxRetries,
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			Language:      cfg.Transcription.Language,
			Model:         cfg.Transcription.Model,
			Retry: engine.RetryPolicy{
				InitialInterval: cfg.Transcription.GetRetryInitialInterval(),
				MaxInterval:     cfg.Transcription.GetRetryMaxInterval(),
			},
		}, logger, m)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create transcription client: %w", err)
		}
		logger.Info("Transcription client initialized",
			slog.String("endpoint", cfg.Transcription.Endpoint),
			slog.Int("input_sample_rate", cfg.STT.InputSampleRate),
			slog.String("input_encoding", cfg.STT.InputEncoding),
		)

		factory := stt.NewFactory(client, stt.Config{
			InputSampleRate:      cfg.STT.InputSampleRate,
			InputEncoding:        cfg.STT.InputEncoding,
			PhoneMode:            cfg.STT.PhoneMode,
			OutputSampleRate:     cfg.STT.OutputSampleRate,
			EchoAudio:            cfg.STT.EchoAudio,
			MaxPendingUtterances: cfg.STT.MaxPendingUtterances,
			VAD: vad.Config{
				Threshold:     cfg.STT.VAD.Threshold,
				WindowSize:    cfg.STT.VAD.WindowSize,
				SampleRate:    cfg.STT.InputSampleRate,
				Smoothing:     cfg.STT.VAD.Smoothing,
				EnergyCeiling: cfg.STT.VAD.EnergyCeiling,
			},
			Segment: audio.SegmenterConfig{
				SampleRate:         cfg.STT.InputSampleRate,
				MinSpeechDuration:  cfg.STT.Segment.GetMinSpeechDuration(),
				MinSilenceDuration: cfg.STT.Segment.GetMinSilenceDuration(),
				MaxDuration:        cfg.STT.Segment.GetMaxDuration(),
				PreRoll:            cfg.STT.Segment.GetPreRoll(),
			},
		}, logger, m)
		stats := map[string]server.StatsFunc{
			"transcription": func() any { return client.GetStats() },
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Error("Error closing transcription client", slog.String("error", err.Error()))
			}
		}
		return factory, stats, closeFn, nil
	}

	return nil, nil, nil, fmt.Errorf("unknown engine type '%s'", cfg.Engine.Type)
}

// initLogger creates the structured logger. The returned level var can be
// changed at runtime; the returned func closes a log file if one was opened.
func initLogger(cfg config.LoggingConfig, level *slog.LevelVar) (*slog.Logger, func()) {
	lvl, err := config.ParseLevel(cfg.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v, falling back to info\n", err)
	}
	level.Set(lvl)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: lvl == slog.LevelDebug,
	}

	var output io.Writer
	closeFn := func() {}
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
			closeFn = func() { file.Close() }
		}
	}

	var h slog.Handler
	switch cfg.Format {
	case "text":
		h = slog.NewTextHandler(output, opts)
	default:
		h = slog.NewJSONHandler(output, opts)
	}

	return slog.New(h), closeFn
}
