package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fleetwise/fleetwise/cmd/fleetwise/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// The worker telemetry takes over once the configuration is loaded;
	// this logger only covers startup failures.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := commands.Execute(context.Background(), Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
