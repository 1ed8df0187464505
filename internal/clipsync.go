package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/hbomb79/Clipsync/internal/api"
	"github.com/hbomb79/Clipsync/internal/api/ledger"
	"github.com/hbomb79/Clipsync/internal/download"
	"github.com/hbomb79/Clipsync/internal/event"
	"github.com/hbomb79/Clipsync/internal/history"
	"github.com/hbomb79/Clipsync/internal/pipeline"
	"github.com/hbomb79/Clipsync/internal/source"
	"github.com/hbomb79/Clipsync/internal/staging"
	"github.com/hbomb79/Clipsync/internal/upload"
	"github.com/hbomb79/Clipsync/pkg/logger"
	"github.com/spf13/afero"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// clipsyncImpl is the top-level object for the service, and is responsible
	// for constructing the services, wiring the event handling, and running
	// everything until the context is cancelled.
	clipsyncImpl struct {
		config       ClipsyncConfig
		eventBus     event.EventCoordinator
		orchestrator *pipeline.Orchestrator
		watcher      *staging.Watcher
	}
)

func New(config ClipsyncConfig) (*clipsyncImpl, error) {
	log.Emit(logger.DEBUG, "Bootstrapping Clipsync services using config: %s\n", config)

	fs := afero.NewOsFs()
	eventBus := event.New()
	orchestrator := pipeline.New(
		config.Pipeline,
		config.DestinationToken,
		fs,
		source.NewDefaultRegistry(config.Sources),
		download.New(fs, config.Download),
		upload.New(fs, config.Upload),
		eventBus,
	)

	extension := config.Download.Extension
	if extension == "" {
		extension = download.DefaultExtension
	}

	watcher, err := staging.New(staging.Config{
		Path:             config.StagingDir,
		Extension:        extension,
		ForceSyncSeconds: config.ForceSyncSeconds,
	}, orchestrator)
	if err != nil {
		return nil, fmt.Errorf("failed to construct staging watcher: %w", err)
	}
	orchestrator.SetReleaser(watcher)

	return &clipsyncImpl{
		config:       config,
		eventBus:     eventBus,
		orchestrator: orchestrator,
		watcher:      watcher,
	}, nil
}

// Run starts the staging watcher, the upload loop and (if enabled) the
// history ledger and REST gateway, then processes the configured initial
// fetches.
//
// This function will not return until Clipsync is stopped.
// To stop Clipsync, the provided context must be cancelled. Errors from which
// a service cannot recover will also cause Clipsync to stop.
func (clipsync *clipsyncImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %v\n", label, err)
		cancel()
	}

	var historyStore ledger.Store
	if clipsync.config.Database.Enabled {
		log.Emit(logger.NEW, "Connecting to history database...\n")
		store, err := history.Connect(clipsync.config.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to history database: %w", err)
		}
		defer store.Close()

		store.Subscribe(clipsync.eventBus)
		historyStore = store
	}

	wg := &sync.WaitGroup{}
	clipsync.spawnAsyncService(ctx, wg, clipsync.watcher, "staging-watcher", crashHandler)
	clipsync.spawnAsyncService(ctx, wg, clipsync.orchestrator, "upload-pipeline", crashHandler)
	if clipsync.config.RestConfig.Enabled {
		gateway := api.NewRestGateway(&clipsync.config.RestConfig, clipsync.orchestrator, clipsync.watcher, historyStore, clipsync.eventBus)
		clipsync.spawnAsyncService(ctx, wg, gateway, "rest-gateway", crashHandler)
	}
	log.Emit(logger.SUCCESS, "Clipsync services spawned!\n")

	if requests := clipsync.config.FetchRequests(); len(requests) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clipsync.runInitialFetches(ctx, requests)
		}()
	}

	wg.Wait()

	// Downloads submitted through the API are not owned by any service;
	// they still finish (staging their file for the next start) before
	// Clipsync returns.
	log.Emit(logger.STOP, "Waiting for in-flight downloads\n")
	clipsync.orchestrator.WaitForDownloads()
	return nil
}

func (clipsync *clipsyncImpl) runInitialFetches(ctx context.Context, requests []pipeline.FetchRequest) {
	log.Emit(logger.INFO, "Fetching %d configured post(s)\n", len(requests))

	failed := 0
	for _, outcome := range clipsync.orchestrator.RunDownloads(ctx, requests) {
		if outcome.Err != nil {
			failed++
		}
	}

	if failed > 0 {
		log.Emit(logger.WARNING, "Initial fetches complete: %d of %d failed\n", failed, len(requests))
	} else {
		log.Emit(logger.SUCCESS, "Initial fetches complete\n")
	}
}

// spawnAsyncService will run the provided service as it's own
// go-routine, ensuring that the service waitgroup is updated correctly
func (clipsync *clipsyncImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(serviceLabel, crashHandler)
}
