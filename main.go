package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ryanmoran/deployc/internal"
	"github.com/ryanmoran/deployc/internal/archive"
	"github.com/ryanmoran/deployc/internal/builder"
	"github.com/ryanmoran/deployc/internal/docker"
	"github.com/ryanmoran/deployc/internal/frame"
	"github.com/ryanmoran/deployc/internal/logging"
	"github.com/ryanmoran/deployc/internal/server"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic occurred: %v\n", r)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args, os.Environ()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args, env []string) error {
	config, err := internal.ParseConfig(args[1:], env)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "usage: deployc [--listen addr] [--config file] [--backend exec|docker] [--builder path] ...")
			return nil
		}
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:  config.LogLevel,
		Format: config.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	cleanupMgr := internal.NewCleanupManager(logger)
	defer cleanupMgr.Execute()

	var backend builder.Backend
	switch config.Backend {
	case internal.BackendDocker:
		client, err := docker.NewDefaultClient()
		if err != nil {
			return err
		}
		cleanupMgr.Add("docker-client", client.Close)

		version, err := client.Ping(ctx)
		if err != nil {
			return fmt.Errorf("%w\nMake sure Docker is installed and running (try 'docker ps')", err)
		}
		logger.Info().Str("api_version", version).Msg("connected to docker daemon")
		backend = client
	default:
		backend = builder.NewExec(config.Builder)
	}

	stager := archive.NewStager(config.StagingRoot, config.Namespace, config.DetectDockerfile, logger)
	orchestrator := builder.NewOrchestrator(backend, builder.Options{
		BuildTimeout: config.BuildTimeout,
		PushTimeout:  config.PushTimeout,
		PrefixOutput: config.PrefixOutput,
	})

	srv := server.New(stager, orchestrator, server.Options{
		Limits:      frame.Limits{MaxPayloadBytes: config.MaxPayload},
		ReadTimeout: config.ReadTimeout,
		SpoolDir:    config.StagingRoot,
		KeepStaging: config.KeepStaging,
	}, logger)

	logger.Info().
		Str("listen", config.Listen).
		Str("backend", config.Backend).
		Str("namespace", config.Namespace).
		Int64("max_payload", config.MaxPayload).
		Msg("starting deployc")

	return srv.ListenAndServe(ctx, config.Listen)
}
