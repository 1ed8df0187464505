package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hbomb79/Clipsync/internal/artifact"
	"github.com/hbomb79/Clipsync/internal/event"
	"github.com/hbomb79/Clipsync/internal/upload"
	"github.com/hbomb79/Clipsync/pkg/logger"
	"github.com/hbomb79/Clipsync/pkg/worker"
)

var (
	ErrJobNotFound    = errors.New("no upload job tracked for artifact")
	ErrJobNotRetrying = errors.New("upload job is not in a failed state")
)

// Dispatch satisfies the staging watcher's dispatcher.
func (orchestrator *Orchestrator) Dispatch(path string) bool {
	return orchestrator.Enqueue(path)
}

// Enqueue creates an upload job for the staged file at path. It returns
// false if the path already has a job (queued, in-flight or failed), or
// if the file cannot be found.
func (orchestrator *Orchestrator) Enqueue(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		log.Emit(logger.WARNING, "Refusing upload of %s: %v\n", path, err)
		return false
	}

	job, err := orchestrator.enqueue(abs)
	if err != nil {
		log.Emit(logger.VERBOSE, "Refusing upload of %s: %v\n", abs, err)
		return false
	}

	log.Emit(logger.NEW, "Queued upload of %s (%s)\n", abs, job.Artifact.ID)
	orchestrator.eventBus.Dispatch(event.ArtifactUpdateEvent, job.Artifact.ID)
	return true
}

// Note: This function takes ownership of the mutex, and releases it when returning
func (orchestrator *Orchestrator) enqueue(path string) (*UploadJob, error) {
	orchestrator.Lock()
	defer orchestrator.Unlock()

	if existing := orchestrator.findJobByPath(path); existing != nil {
		return nil, fmt.Errorf("already tracked as %s (%s)", existing.Artifact.ID, existing.Artifact.State)
	}

	info, err := orchestrator.fs.Stat(path)
	if err != nil {
		return nil, err
	}

	staged, ok := orchestrator.pending[path]
	if ok {
		delete(orchestrator.pending, path)
	} else {
		name := filepath.Base(path)
		staged = &artifact.StagedArtifact{
			ID:        uuid.New(),
			LocalPath: path,
			SourceID:  strings.TrimSuffix(name, filepath.Ext(name)),
			CreatedAt: info.ModTime(),
			State:     artifact.Complete,
		}
	}
	staged.SizeBytes = info.Size()

	job := &UploadJob{Artifact: staged}
	orchestrator.jobs = append(orchestrator.jobs, job)
	orchestrator.wakeupWorkerPool()
	return job, nil
}

// Retry resubmits a failed upload job. The staged file must still exist;
// if it does not, the job is forgotten.
func (orchestrator *Orchestrator) Retry(artifactID uuid.UUID) error {
	path, err := orchestrator.requeue(artifactID)
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		return err
	}

	orchestrator.eventBus.Dispatch(event.ArtifactUpdateEvent, artifactID)
	if err != nil {
		return err
	}

	log.Emit(logger.INFO, "Retrying upload of %s (%s)\n", path, artifactID)
	return nil
}

// Note: This function takes ownership of the mutex, and releases it when returning
func (orchestrator *Orchestrator) requeue(artifactID uuid.UUID) (string, error) {
	orchestrator.Lock()
	defer orchestrator.Unlock()

	job := orchestrator.findJob(artifactID)
	if job == nil {
		return "", ErrJobNotFound
	} else if job.Artifact.State != artifact.Failed {
		return "", fmt.Errorf("%w: artifact %s is %s", ErrJobNotRetrying, artifactID, job.Artifact.State)
	}

	if _, err := orchestrator.fs.Stat(job.Artifact.LocalPath); err != nil {
		orchestrator.removeJob(job)
		return "", fmt.Errorf("%w: staged file for %s is gone: %v", ErrJobNotFound, artifactID, err)
	}

	if err := job.Artifact.Transition(artifact.Complete); err != nil {
		return "", err
	}
	job.Attempt = 0
	job.LastError = artifact.KindUnknown

	orchestrator.wakeupWorkerPool()
	return job.Artifact.LocalPath, nil
}

// Run starts the upload workers and blocks until the context is
// cancelled. Once cancelled no new jobs are claimed, and Run returns
// after every in-flight job has reached a terminal state.
func (orchestrator *Orchestrator) Run(ctx context.Context) error {
	pool := worker.NewWorkerPool()
	for i := 0; i < orchestrator.config.UploadParallelism; i++ {
		label := fmt.Sprintf("upload-worker-%d", i)
		if err := pool.PushWorker(worker.NewWorker(label, orchestrator.PerformUpload)); err != nil {
			return err
		}
	}

	orchestrator.Lock()
	orchestrator.stopping = false
	orchestrator.workerPool = pool
	orchestrator.Unlock()

	if err := pool.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	log.Emit(logger.STOP, "Upload loop stopping, waiting for in-flight uploads\n")

	orchestrator.Lock()
	orchestrator.stopping = true
	orchestrator.workerPool = nil
	orchestrator.Unlock()

	pool.Close()
	return nil
}

// PerformUpload is the worker function for the upload pool. It claims
// the first queued job and publishes it, retrying transfer failures
// with exponential backoff.
func (orchestrator *Orchestrator) PerformUpload(w worker.Worker) (bool, error) {
	job := orchestrator.claimQueuedJob()
	if job == nil {
		return false, nil
	}
	orchestrator.eventBus.Dispatch(event.ArtifactUpdateEvent, job.Artifact.ID)

	result, err := orchestrator.uploadWithRetry(job)
	orchestrator.finish(job, result, err)
	return true, nil
}

// claimQueuedJob finds a job whose artifact is COMPLETE and moves it to
// UPLOADING, preventing another worker from claiming it once the mutex
// is released.
//
// Note: This function takes ownership of the mutex, and releases it when returning
func (orchestrator *Orchestrator) claimQueuedJob() *UploadJob {
	orchestrator.Lock()
	defer orchestrator.Unlock()

	if orchestrator.stopping {
		return nil
	}

	for _, job := range orchestrator.jobs {
		if job.Artifact.State == artifact.Complete {
			_ = job.Artifact.Transition(artifact.Uploading)
			return job
		}
	}

	return nil
}

func (orchestrator *Orchestrator) uploadWithRetry(job *UploadJob) (*upload.UploadResult, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = orchestrator.config.InitialBackoff
	expBackoff.Multiplier = 2
	expBackoff.RandomizationFactor = 0
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(expBackoff, uint64(orchestrator.config.MaxAttempts-1))

	path := job.Artifact.LocalPath
	var result *upload.UploadResult
	operation := func() error {
		orchestrator.Lock()
		job.Attempt++
		orchestrator.Unlock()

		// Uploads are never interrupted by shutdown; in-flight jobs
		// always reach a terminal state.
		res, err := orchestrator.uploader.Upload(context.Background(), path, orchestrator.token)
		if err != nil {
			orchestrator.Lock()
			job.LastError = artifact.KindOf(err)
			orchestrator.Unlock()

			if errors.Is(err, artifact.ErrAuth) {
				return backoff.Permanent(err)
			}
			return err
		}

		result = res
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Emit(logger.WARNING, "Upload of %s failed, retrying in %s: %v\n", path, wait, err)
	}

	return result, backoff.RetryNotify(operation, policy, notify)
}

// finish records the terminal state of a job. Successful jobs are
// forgotten; failed jobs remain tracked (and their file retained) until
// retried. In both cases the path is released so the watcher will accept
// a new file at the same location.
//
// Note: This function takes ownership of the mutex, and releases it when returning
func (orchestrator *Orchestrator) finish(job *UploadJob, result *upload.UploadResult, err error) {
	orchestrator.Lock()
	report := Report{
		ArtifactID: job.Artifact.ID,
		SourceID:   job.Artifact.SourceID,
		Path:       job.Artifact.LocalPath,
		Attempts:   job.Attempt,
		Err:        err,
		Message:    errorMessage(err),
	}

	if err == nil {
		_ = job.Artifact.Transition(artifact.Uploaded)
		orchestrator.removeJob(job)
	} else {
		_ = job.Artifact.Transition(artifact.Failed)
		report.Kind = artifact.KindOf(err)
	}
	report.State = job.Artifact.State
	releaser := orchestrator.releaser
	orchestrator.Unlock()

	if releaser != nil {
		releaser.Release(report.Path)
	}

	if err == nil {
		log.Emit(logger.SUCCESS, "Upload of %s (%s) complete after %d attempt(s), %d bytes\n", report.Path, report.ArtifactID, report.Attempts, result.Bytes)
		orchestrator.eventBus.Dispatch(event.UploadCompleteEvent, report)
	} else {
		log.Emit(logger.ERROR, "Upload of %s (%s) FAILED after %d attempt(s): %v\n", report.Path, report.ArtifactID, report.Attempts, err)
		orchestrator.eventBus.Dispatch(event.UploadFailedEvent, report)
	}
	orchestrator.eventBus.Dispatch(event.ArtifactUpdateEvent, report.ArtifactID)
}

func (orchestrator *Orchestrator) removeJob(job *UploadJob) {
	for k, v := range orchestrator.jobs {
		if v == job {
			orchestrator.jobs = append(orchestrator.jobs[:k], orchestrator.jobs[k+1:]...)
			return
		}
	}
}

// Note: the caller must hold the mutex
func (orchestrator *Orchestrator) wakeupWorkerPool() {
	if orchestrator.workerPool != nil {
		_ = orchestrator.workerPool.WakeupWorkers()
	}
}
