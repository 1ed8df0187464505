package pipeline

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/hbomb79/Clipsync/internal/artifact"
	"github.com/hbomb79/Clipsync/internal/download"
	"github.com/hbomb79/Clipsync/internal/event"
	"github.com/hbomb79/Clipsync/pkg/logger"
)

// RunDownloads processes every request concurrently, bounded by the
// download slots, and blocks until each has reached a terminal outcome.
// A failing request never affects the others. Outcomes are returned in
// the order of the requests.
func (orchestrator *Orchestrator) RunDownloads(ctx context.Context, requests []FetchRequest) []DownloadOutcome {
	outcomes := make([]DownloadOutcome, len(requests))

	wg := &sync.WaitGroup{}
	for i, request := range requests {
		wg.Add(1)
		go func(i int, request FetchRequest) {
			defer wg.Done()
			outcomes[i] = orchestrator.fetch(ctx, uuid.New(), request)
		}(i, request)
	}

	wg.Wait()
	return outcomes
}

// Submit schedules a single request in the background and returns its
// ID immediately. The outcome is published on the event bus.
func (orchestrator *Orchestrator) Submit(request FetchRequest) uuid.UUID {
	id := uuid.New()

	orchestrator.downloads.Add(1)
	go func() {
		defer orchestrator.downloads.Done()
		orchestrator.fetch(context.Background(), id, request)
	}()

	return id
}

// WaitForDownloads blocks until every submitted request has finished.
func (orchestrator *Orchestrator) WaitForDownloads() {
	orchestrator.downloads.Wait()
}

func (orchestrator *Orchestrator) fetch(ctx context.Context, id uuid.UUID, request FetchRequest) DownloadOutcome {
	if request.DestinationDir == "" {
		request.DestinationDir = orchestrator.config.StagingDir
	} else if abs, err := filepath.Abs(request.DestinationDir); err == nil {
		request.DestinationDir = abs
	}

	outcome := DownloadOutcome{RequestID: id, Request: request}
	outcome.Artifact, outcome.Err = orchestrator.download(ctx, request)
	outcome.Message = errorMessage(outcome.Err)

	if outcome.Err != nil {
		log.Emit(logger.ERROR, "Fetch %s of %s post %s failed: %v\n", id, request.Platform, request.PostReference, outcome.Err)
		orchestrator.eventBus.Dispatch(event.DownloadFailedEvent, outcome)
	} else {
		log.Emit(logger.SUCCESS, "Fetch %s staged %s at %s\n", id, outcome.Artifact.SourceID, outcome.Artifact.LocalPath)
		orchestrator.eventBus.Dispatch(event.DownloadCompleteEvent, outcome)
	}

	return outcome
}

func (orchestrator *Orchestrator) download(ctx context.Context, request FetchRequest) (*artifact.StagedArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, artifact.NetworkError(err, "fetch of %s cancelled before it started", request.PostReference)
	}

	select {
	case orchestrator.slots <- struct{}{}:
		defer func() { <-orchestrator.slots }()
	case <-ctx.Done():
		return nil, artifact.NetworkError(ctx.Err(), "fetch of %s cancelled before it started", request.PostReference)
	}

	// Once a slot is held the download runs to completion (or fails on
	// its own); stopping only prevents queued requests from starting.
	ioCtx := context.WithoutCancel(ctx)
	stream, err := orchestrator.source.Resolve(ioCtx, request.Platform, request.PostReference)
	if err != nil {
		return nil, err
	}

	throttle := &progressThrottle{}
	progress := func(p download.Progress) {
		if !throttle.due(p) {
			return
		}

		log.Emit(logger.VERBOSE, "Download progress %s\n", p)
		orchestrator.eventBus.Dispatch(event.DownloadProgressEvent, p)
	}

	staged, err := orchestrator.downloader.Download(ioCtx, stream, request.DestinationDir, progress)
	if err != nil {
		return nil, err
	}

	orchestrator.adopt(staged)
	return staged, nil
}

// adopt remembers a freshly staged artifact so that, when the watcher
// dispatches its path, the upload job carries the same artifact
// identity. A failed job at the same path is replaced by a new job for
// the fresh file, as the watcher will not dispatch a path that is
// already tracked. Artifacts staged outside the watched directory are
// never dispatched and so are not remembered.
func (orchestrator *Orchestrator) adopt(staged *artifact.StagedArtifact) {
	replaced, queued := orchestrator.adoptStaged(staged)
	if replaced != uuid.Nil {
		log.Emit(logger.REMOVE, "Dropped failed upload %s, %s was downloaded again\n", replaced, staged.LocalPath)
		orchestrator.eventBus.Dispatch(event.ArtifactUpdateEvent, replaced)
	}
	if queued != nil {
		log.Emit(logger.NEW, "Queued upload of %s (%s)\n", queued.Artifact.LocalPath, queued.Artifact.ID)
		orchestrator.eventBus.Dispatch(event.ArtifactUpdateEvent, queued.Artifact.ID)
	}
}

// Note: This function takes ownership of the mutex, and releases it when returning
func (orchestrator *Orchestrator) adoptStaged(staged *artifact.StagedArtifact) (uuid.UUID, *UploadJob) {
	orchestrator.Lock()
	defer orchestrator.Unlock()

	if !orchestrator.isWatched(staged.LocalPath) {
		return uuid.Nil, nil
	}

	info, err := orchestrator.fs.Stat(staged.LocalPath)
	if err != nil {
		return uuid.Nil, nil
	}

	adopted := *staged
	adopted.SizeBytes = info.Size()

	existing := orchestrator.findJobByPath(staged.LocalPath)
	if existing == nil {
		orchestrator.pending[staged.LocalPath] = &adopted
		return uuid.Nil, nil
	} else if existing.Artifact.State != artifact.Failed {
		return uuid.Nil, nil
	}

	orchestrator.removeJob(existing)
	job := &UploadJob{Artifact: &adopted}
	orchestrator.jobs = append(orchestrator.jobs, job)
	orchestrator.wakeupWorkerPool()
	return existing.Artifact.ID, job
}

// isWatched reports whether path sits directly inside the staging
// directory the watcher dispatches from.
func (orchestrator *Orchestrator) isWatched(path string) bool {
	return filepath.Clean(filepath.Dir(path)) == filepath.Clean(orchestrator.config.StagingDir)
}

// progressThrottle limits progress events to one per 5% of a stream
// with a known length, or one per MiB otherwise. The final chunk of a
// known length is always reported.
type progressThrottle struct {
	reported int64
}

const (
	progressStepDivisor  = 20
	progressUnknownBytes = 1 << 20
)

func (throttle *progressThrottle) due(p download.Progress) bool {
	step := int64(progressUnknownBytes)
	if p.Total > 0 {
		step = max(p.Total/progressStepDivisor, 1)
		if p.Written >= p.Total {
			throttle.reported = p.Written
			return true
		}
	}

	if p.Written-throttle.reported < step {
		return false
	}

	throttle.reported = p.Written
	return true
}
