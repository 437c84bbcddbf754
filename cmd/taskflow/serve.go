package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/taskflow/ai"
	"github.com/songzhibin97/taskflow/api"
	"github.com/songzhibin97/taskflow/config"
	"github.com/songzhibin97/taskflow/events"
	"github.com/songzhibin97/taskflow/triggers"
	"github.com/songzhibin97/taskflow/webhook"
	"github.com/songzhibin97/taskflow/workflow"
	"github.com/spf13/cobra"
)

const serviceName = "taskflow"

func newServeCommand(configPath *string) *cobra.Command {
	var workflowFiles []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, workflowFiles)
		},
	}
	cmd.Flags().StringSliceVarP(&workflowFiles, "workflows", "w", nil, "workflow definition files registered at startup")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, workflowFiles []string) error {
	b, err := openBackends(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("failed to close backends", slog.Any("error", err))
		}
	}()

	ids := generator.NewSnowflake(time.Now().Add(-1*time.Second), cfg.Engine.MachineID)

	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithAdminRoles(cfg.Engine.AdminRoles...),
		workflow.WithOverrideRoles(cfg.Engine.OverrideRoles...),
		workflow.WithConflictRetries(cfg.Engine.ConflictRetries, cfg.Engine.ConflictDelay),
		workflow.WithMaxChainSteps(cfg.Engine.MaxChainSteps),
		workflow.WithWorkflowCacheTTL(cfg.Engine.WorkflowCacheTTL),
		workflow.WithSender(webhook.NewSender(
			webhook.WithUserAgent(cfg.Webhook.UserAgent),
			webhook.WithTimeout(cfg.Webhook.Timeout),
			webhook.WithLogger(logger),
		)),
	}
	if cfg.AI.APIKey != "" {
		opts = append(opts, workflow.WithGenerator(ai.NewClient(cfg.AI.APIKey,
			ai.WithBaseURL(cfg.AI.BaseURL),
			ai.WithModel(cfg.AI.Model),
			ai.WithTimeout(cfg.AI.Timeout),
			ai.WithLogger(logger),
		)))
	} else {
		logger.Warn("ai.api_key is not set, ai_worker nodes will fail")
	}

	engine, err := workflow.NewEngine(ids, b.store, b.sink, opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer func() {
		if err := engine.Stop(context.Background()); err != nil {
			logger.Error("failed to stop engine", slog.Any("error", err))
		}
	}()

	engine.SubscribeEvent(events.AllEvents, events.EventHandlerFunc(func(ctx context.Context, event events.Event) error {
		logger.DebugContext(ctx, "workflow event", slog.String("type", event.Type), slog.String("task_id", event.TaskID))
		return nil
	}))

	if len(workflowFiles) > 0 {
		wfs, err := config.LoadWorkflows(workflowFiles...)
		if err != nil {
			return err
		}
		for _, wf := range wfs {
			if err := engine.RegisterWorkflow(ctx, wf); err != nil {
				return fmt.Errorf("failed to register workflow %q: %w", wf.ID, err)
			}
		}
		logger.Info("registered workflows", slog.Int("count", len(wfs)))
	}

	receiver := triggers.NewReceiver(engine, b.store, b.sink, ids,
		triggers.WithLogger(logger),
		triggers.WithAdminRoles(cfg.Engine.AdminRoles...),
	)
	server := api.NewServer(engine, receiver, b.querier,
		api.WithLogger(logger),
		api.WithAdminRoles(cfg.Engine.AdminRoles...),
	)

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     server.Echo(serviceName),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.Server.Addr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
