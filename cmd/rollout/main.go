package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/rollout/cmd/rollout/commands"
)

// Set with -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	configureConsole(os.Getenv("LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go forceQuit(ctx)

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err == nil {
		return
	}
	var exit *commands.ExitError
	if errors.As(err, &exit) {
		os.Exit(exit.Code)
	}
	log.Error().Err(err).Msg("Command execution failed")
	os.Exit(1)
}

// forceQuit waits for the first signal, which cancels ctx and lets running
// builds release their locks, and exits on the second.
func forceQuit(ctx context.Context) {
	<-ctx.Done()
	log.Warn().Msg("Interrupted, stopping build (again to quit)")

	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	<-again
	os.Exit(130)
}

func configureConsole(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
