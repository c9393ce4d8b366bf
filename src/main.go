// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"docagent/src/config"
	"docagent/src/containerization"
	"docagent/src/documents"
	"docagent/src/llm"
	"docagent/src/logging"
	"docagent/src/mcptools"
	"docagent/src/notifier"
	"docagent/src/processor"
	"docagent/src/rendering"
	"docagent/src/rpc"
	"docagent/src/store"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "docagent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("docagent", pflag.ExitOnError)
	envFile := flags.String("env-file", ".env", "Path to a .env file loaded before the environment is read")
	port := flags.String("port", "", "HTTP port (overrides API_PORT)")
	threshold := flags.Int("threshold", 0, "Characters at which a message converts without classification (overrides CONVERSION_THRESHOLD)")
	renderer := flags.String("renderer", "", "Document renderer: native or container (overrides RENDERER)")
	_ = flags.Parse(os.Args[1:])

	if err := config.LoadEnvFile(*envFile, flags.Changed("env-file")); err != nil {
		return err
	}
	// Flags override the environment. PUBLIC_BASE_URL defaults from the
	// port, so they are applied before parsing.
	overrides := map[string]string{}
	if flags.Changed("port") {
		overrides["API_PORT"] = *port
	}
	if flags.Changed("threshold") {
		overrides["CONVERSION_THRESHOLD"] = fmt.Sprint(*threshold)
	}
	if flags.Changed("renderer") {
		overrides["RENDERER"] = *renderer
	}
	for k, v := range overrides {
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx, logging.Options{OTLPEndpoint: cfg.OTLPEndpoint})
	if err != nil {
		return fmt.Errorf("failed to setup OTel SDK: %w", err)
	}
	defer func() {
		// Ensure OTel flushes spans before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()
	if err := logging.InitializeAgentCounters(); err != nil {
		return err
	}

	agentID := uuid.New().String()
	logging.Log(fmt.Sprintf("Starting agent with UUID: %s", agentID), slog.LevelInfo)
	stats := logging.NewAgentStats(agentID)

	prompts, err := llm.NewPromptSet(cfg.PromptsFile)
	if err != nil {
		return err
	}
	ollama, err := api.ClientFromEnvironment()
	if err != nil {
		return fmt.Errorf("failed to create ollama client: %w", err)
	}
	agent := llm.NewOllamaAgent(ollama, prompts, llm.AgentOptions{
		Model:               cfg.OllamaModel,
		ClassifierMaxTokens: cfg.ClassifierMaxTokens,
		ResponderMaxTokens:  cfg.ResponderMaxTokens,
	})
	dispatcher := processor.NewDispatcher(agent, agent, prompts, processor.DispatcherOptions{
		Threshold:     cfg.ConversionThreshold,
		HistoryWindow: cfg.ResponderHistoryTurns,
	})

	docs, closeDocs, err := openDocuments(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDocs()

	g, gctx := errgroup.WithContext(ctx)

	var converter rendering.Converter = rendering.PDFConverter{Title: "Document", Author: "Dora"}
	if cfg.Renderer == config.RendererContainer {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}
		defer cli.Close()

		pandoc := containerization.NewPandoc(cli, containerization.PandocOptions{
			Image:    cfg.ContainerImage,
			MemoryMB: cfg.ContainerMemoryMB,
			CPULimit: cfg.ContainerCPULimit,
		})
		pandoc.PullImage(ctx)
		defer pandoc.Cleanup(context.Background())
		g.Go(func() error {
			pandoc.RunReaper(gctx, cfg.ContainerIdleTimeout, time.Minute)
			return nil
		})
		converter = pandoc
	}

	tasks := store.New()
	orchestrator := processor.NewOrchestrator(
		tasks,
		dispatcher,
		rendering.NewPublisher(converter, docs, cfg.PublicBaseURL),
		notifier.New(
			notifier.WithTimeout(cfg.WebhookTimeout),
			notifier.WithCredentialHeader(cfg.WebhookCredentialHeader),
		),
		prompts,
		processor.WithStats(stats),
	)

	srv := NewAPIServer(APIServerConfig{
		Tasks:     tasks,
		Documents: docs,
		Stats:     stats,
		RPC: rpc.NewHandler(tasks, orchestrator, rpc.Options{
			AdoptUnknownContexts: cfg.AdoptUnknownContexts,
		}),
		MCP:            mcptools.Handler(mcptools.NewServer(tasks, version)),
		AllowedOrigins: cfg.AllowedOrigins,
	})

	g.Go(func() error { return srv.Run(gctx, cfg.APIPort, cfg.ShutdownTimeout) })
	g.Go(func() error { return prompts.Watch(gctx) })

	logging.Log(fmt.Sprintf("Agent ready (renderer=%s, threshold=%d)", cfg.Renderer, cfg.ConversionThreshold), slog.LevelInfo)
	runErr := g.Wait()

	logging.Log("Draining in-flight follow-ups...", slog.LevelInfo)
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := orchestrator.Wait(drainCtx); err != nil {
		logging.Log(fmt.Sprintf("follow-ups still running at shutdown: %v", err), slog.LevelWarn)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logging.Log("Agent stopped", slog.LevelInfo)
	return nil
}

// openDocuments returns the Postgres store when a database is configured
// and an in-memory store otherwise.
func openDocuments(ctx context.Context, cfg config.Config) (documents.Store, func(), error) {
	dsn := cfg.PostgresDSN()
	if dsn == "" {
		logging.Log("DB_HOST not set; documents are kept in memory", slog.LevelWarn)
		return documents.NewMemoryStore(), func() {}, nil
	}
	db, err := documents.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	pg := documents.NewPostgresStore(db, documents.DefaultTable)
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return pg, func() { db.Close() }, nil
}
