package main

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/phrazzld/dispatch/internal/api"
	"github.com/phrazzld/dispatch/internal/config"
	"github.com/phrazzld/dispatch/internal/events"
	"github.com/phrazzld/dispatch/internal/executor/aiexec"
	"github.com/phrazzld/dispatch/internal/task"
)

// application holds the shared application dependencies to simplify
// wiring and ensure proper cleanup on shutdown.
type application struct {
	config    *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	scheduler *task.Scheduler
	newAIExec api.AIExecutorFactory
}

// newApplication builds the event bus, scheduler, and executor
// factories from the loaded configuration. The scheduler is started
// before returning.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	bus := events.NewBus(logger)

	schedCfg := task.Config{
		MaxConcurrent:       cfg.Scheduler.MaxConcurrent,
		MinDispatchInterval: cfg.Scheduler.MinDispatchInterval(),
		DefaultTimeout:      cfg.Scheduler.DefaultTimeout(),
		HistoryCapacity:     cfg.Scheduler.HistoryCapacity,
	}
	scheduler := task.NewScheduler(schedCfg, bus, logger)

	app := &application{
		config:    cfg,
		logger:    logger,
		bus:       bus,
		scheduler: scheduler,
	}

	// AI tasks are optional; without an API key the endpoint reports the
	// capability as unavailable instead of failing startup.
	if cfg.LLM.GeminiAPIKey != "" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.LLM.GeminiAPIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create genai client: %w", err)
		}
		model := cfg.LLM.Model
		app.newAIExec = func(prompt string) task.Executor {
			return aiexec.New(client, model, prompt, logger)
		}
		logger.Info("AI executor configured", "model", model)
	} else {
		logger.Info("no Gemini API key configured, AI tasks disabled")
	}

	scheduler.Start()
	return app, nil
}

// cleanup stops the scheduler and closes the event bus. Called after
// the HTTP server has stopped accepting requests.
func (app *application) cleanup(ctx context.Context) {
	if err := app.scheduler.Shutdown(ctx); err != nil {
		app.logger.Error("scheduler shutdown did not complete cleanly", "error", err)
	}
	app.bus.Close()
}
