package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"CourseChat/internal/cache"
	"CourseChat/internal/chatbot"
	"CourseChat/internal/completion"
	"CourseChat/internal/config"
	"CourseChat/internal/events"
	"CourseChat/internal/store"
	"CourseChat/internal/telemetry"
)

// app owns every long-lived component of one command invocation
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logFile   io.Closer
	telemetry *telemetry.Telemetry
	store     *store.Store
	publisher events.Publisher
	bot       *chatbot.ChatBot
}

// newApp loads configuration and wires the store, completion client and chat bot.
func newApp(ctx context.Context, flags *rootFlags, mirror io.Writer) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if cfg.Debug {
		level = "debug"
	}
	logger, logFile, err := telemetry.InitLogger(telemetry.LoggerOptions{Dir: cfg.Log.Dir, Level: level, Mirror: mirror})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, logFile: logFile}

	a.telemetry, err = telemetry.InitTelemetry(ctx, telemetry.TelemetryOptions{
		Dir:            cfg.Log.Dir,
		ServiceVersion: version,
		Provider:       cfg.LLM.Provider,
		Model:          cfg.LLM.Model,
		StoreDriver:    cfg.Database.Driver,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tracer, meter := a.telemetry.Tracer, a.telemetry.Meter

	a.store, err = store.Open(ctx, store.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}

	completer, err := completion.New(completion.Options{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
		Referer:     cfg.LLM.Referer,
		Title:       cfg.LLM.Title,
		Logger:      logger,
		Tracer:      tracer,
		Meter:       meter,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create completion client: %w", err)
	}

	responses, err := cache.NewResponseCache(cfg.Cache.Responses)
	if err != nil {
		a.close()
		return nil, err
	}

	a.publisher = events.Noop{}
	if cfg.Events.NatsURL != "" {
		pub, err := events.NewNATSPublisher(cfg.Events.NatsURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			logger.Warn("turn events disabled", "url", cfg.Events.NatsURL, "error", err)
		} else {
			a.publisher = pub
		}
	}

	a.bot, err = chatbot.NewChatBot(ctx, chatbot.Options{
		Store:          a.store,
		Completer:      completer,
		Responses:      responses,
		Publisher:      a.publisher,
		SystemPrompt:   cfg.LLM.SystemPrompt,
		Timeout:        cfg.LLM.Timeout,
		HistoryHandles: cfg.Cache.HistoryHandles,
		Logger:         logger,
		Tracer:         tracer,
		Meter:          meter,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize chatbot: %w", err)
	}

	logger.Info("coursechat initialized",
		"provider", completer.Provider(),
		"model", completer.Model(),
		"driver", a.store.Driver(),
		"events", cfg.Events.NatsURL != "",
	)
	return a, nil
}

func (a *app) close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", "error", err)
		}
	}
	if a.telemetry != nil {
		a.telemetry.Shutdown()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}
