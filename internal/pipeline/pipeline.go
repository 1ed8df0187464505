package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Clipsync/internal/artifact"
	"github.com/hbomb79/Clipsync/internal/download"
	"github.com/hbomb79/Clipsync/internal/event"
	"github.com/hbomb79/Clipsync/internal/source"
	"github.com/hbomb79/Clipsync/internal/upload"
	"github.com/hbomb79/Clipsync/pkg/logger"
	"github.com/hbomb79/Clipsync/pkg/worker"
	"github.com/spf13/afero"
)

var log = logger.Get("Pipeline")

type (
	videoSource interface {
		Resolve(ctx context.Context, platform source.Platform, postReference string) (*source.Stream, error)
	}

	downloader interface {
		Download(ctx context.Context, stream *source.Stream, destDir string, progress download.ProgressFunc) (*artifact.StagedArtifact, error)
	}

	uploader interface {
		Upload(ctx context.Context, localPath string, credentialToken string) (*upload.UploadResult, error)
	}

	// Releaser is told when the job for a dispatched path has
	// terminated, allowing the path to be dispatched again.
	Releaser interface {
		Release(path string)
	}

	Config struct {
		MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads" env:"MAX_CONCURRENT_DOWNLOADS" env-default:"2" validate:"min=1"`
		UploadParallelism      int           `yaml:"upload_parallelism" env:"UPLOAD_PARALLELISM" env-default:"2" validate:"min=1"`
		MaxAttempts            int           `yaml:"max_attempts" env:"UPLOAD_MAX_ATTEMPTS" env-default:"3" validate:"min=1"`
		InitialBackoff         time.Duration `yaml:"initial_backoff" env:"UPLOAD_INITIAL_BACKOFF" env-default:"1s"`

		// StagingDir is used for fetch requests which do not name a
		// destination directory of their own.
		StagingDir string `yaml:"-"`
	}

	// FetchRequest asks for a single post to be downloaded in to a
	// staging directory.
	FetchRequest struct {
		Platform       source.Platform `json:"platform"`
		PostReference  string          `json:"post_reference"`
		DestinationDir string          `json:"destination_dir,omitempty"`
	}

	// DownloadOutcome is the terminal result of a FetchRequest. Exactly
	// one of Artifact and Err is set.
	DownloadOutcome struct {
		RequestID uuid.UUID                `json:"request_id"`
		Request   FetchRequest             `json:"request"`
		Artifact  *artifact.StagedArtifact `json:"artifact,omitempty"`
		Err       error                    `json:"-"`
		Message   string                   `json:"error,omitempty"`
	}

	// UploadJob tracks the publication of one staged artifact.
	UploadJob struct {
		Artifact  *artifact.StagedArtifact `json:"artifact"`
		Attempt   int                      `json:"attempt"`
		LastError artifact.ErrorKind       `json:"last_error"`
	}

	// Report describes the terminal state of an UploadJob.
	Report struct {
		ArtifactID uuid.UUID          `json:"artifact_id"`
		SourceID   string             `json:"source_id"`
		Path       string             `json:"path"`
		State      artifact.State     `json:"state"`
		Attempts   int                `json:"attempts"`
		Kind       artifact.ErrorKind `json:"error_kind"`
		Err        error              `json:"-"`
		Message    string             `json:"error,omitempty"`
	}

	// Orchestrator drives fetch requests through the downloader in to
	// the staging directory, and publishes the artifacts the staging
	// watcher dispatches back to it. Downloads are bounded by a fixed
	// number of slots; uploads are claimed from a queue by a pool of
	// workers.
	Orchestrator struct {
		*sync.Mutex
		config     Config
		token      string
		fs         afero.Fs
		source     videoSource
		downloader downloader
		uploader   uploader
		eventBus   event.EventDispatcher
		releaser   Releaser

		slots     chan struct{}
		downloads sync.WaitGroup

		jobs       []*UploadJob
		pending    map[string]*artifact.StagedArtifact
		workerPool *worker.WorkerPool
		stopping   bool
	}
)

// New creates an orchestrator. The token is the destination
// credential used for every upload.
func New(config Config, token string, fs afero.Fs, src videoSource, dl downloader, up uploader, eventBus event.EventCoordinator) *Orchestrator {
	if config.MaxConcurrentDownloads < 1 {
		config.MaxConcurrentDownloads = 2
	}
	if config.UploadParallelism < 1 {
		config.UploadParallelism = 2
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}

	event.RegisterPayloadType(eventBus, event.DownloadProgressEvent, download.Progress{})
	event.RegisterPayloadType(eventBus, event.DownloadCompleteEvent, DownloadOutcome{})
	event.RegisterPayloadType(eventBus, event.DownloadFailedEvent, DownloadOutcome{})
	event.RegisterPayloadType(eventBus, event.UploadCompleteEvent, Report{})
	event.RegisterPayloadType(eventBus, event.UploadFailedEvent, Report{})

	return &Orchestrator{
		Mutex:      &sync.Mutex{},
		config:     config,
		token:      token,
		fs:         fs,
		source:     src,
		downloader: dl,
		uploader:   up,
		eventBus:   eventBus,
		slots:      make(chan struct{}, config.MaxConcurrentDownloads),
		jobs:       make([]*UploadJob, 0),
		pending:    make(map[string]*artifact.StagedArtifact),
	}
}

// SetReleaser registers the party (usually the staging watcher) which
// must be told when a dispatched path's job has terminated.
func (orchestrator *Orchestrator) SetReleaser(releaser Releaser) {
	orchestrator.Lock()
	defer orchestrator.Unlock()

	orchestrator.releaser = releaser
}

// GetAllJobs returns a snapshot of every tracked upload job: queued,
// in-flight and failed. Uploaded jobs are forgotten once reported.
func (orchestrator *Orchestrator) GetAllJobs() []UploadJob {
	orchestrator.Lock()
	defer orchestrator.Unlock()

	out := make([]UploadJob, 0, len(orchestrator.jobs))
	for _, job := range orchestrator.jobs {
		out = append(out, job.snapshot())
	}

	return out
}

// GetJob returns a snapshot of the job for the artifact ID provided, or
// nil if no such job is tracked.
func (orchestrator *Orchestrator) GetJob(artifactID uuid.UUID) *UploadJob {
	orchestrator.Lock()
	defer orchestrator.Unlock()

	if job := orchestrator.findJob(artifactID); job != nil {
		snapshot := job.snapshot()
		return &snapshot
	}

	return nil
}

func (orchestrator *Orchestrator) findJob(artifactID uuid.UUID) *UploadJob {
	for _, job := range orchestrator.jobs {
		if job.Artifact.ID == artifactID {
			return job
		}
	}

	return nil
}

func (orchestrator *Orchestrator) findJobByPath(path string) *UploadJob {
	for _, job := range orchestrator.jobs {
		if job.Artifact.LocalPath == path {
			return job
		}
	}

	return nil
}

func (job *UploadJob) snapshot() UploadJob {
	artifactCopy := *job.Artifact
	return UploadJob{Artifact: &artifactCopy, Attempt: job.Attempt, LastError: job.LastError}
}

func (job *UploadJob) String() string {
	return fmt.Sprintf("UploadJob{artifact=%s path=%s attempt=%d}", job.Artifact.ID, job.Artifact.LocalPath, job.Attempt)
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
