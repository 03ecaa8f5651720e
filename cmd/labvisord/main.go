package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/codehedgehog/labvisor/cmd/labvisord/commands"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Set up logger
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Create context with cancellation, carrying the logger
	ctx, cancel := context.WithCancel(log.Logger.WithContext(context.Background()))
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
		cancel()
	}()

	if err := commands.RootCmd().ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("Error running command")
	}
}
