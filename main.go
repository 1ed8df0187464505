package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Clipsync/internal"
	"github.com/hbomb79/Clipsync/pkg/logger"
	"github.com/ilyakaznacheev/cleanenv"
)

var log = logger.Get("Bootstrap")

// main is the entry point to the program. The configuration is loaded from
// the YAML file named by '-config' (if any) and the environment, and
// Clipsync runs until it receives SIGINT or SIGTERM.
func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	header := "Clipsync stages short-form videos and publishes them to the destination service.\n\nEnvironment variables:"
	flag.Usage = cleanenv.FUsage(flag.CommandLine.Output(), &internal.ClipsyncConfig{}, &header, flag.Usage)
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if level, ok := logger.ParseLevel(config.LogLevel); ok {
		logger.SetMinLoggingLevel(level.Level())
	}

	app, err := internal.New(*config)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to initialise Clipsync: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Clipsync stopped with error: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Clipsync stopped\n")
}
