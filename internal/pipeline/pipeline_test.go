package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Clipsync/internal/artifact"
	"github.com/hbomb79/Clipsync/internal/download"
	"github.com/hbomb79/Clipsync/internal/event"
	"github.com/hbomb79/Clipsync/internal/pipeline"
	"github.com/hbomb79/Clipsync/internal/source"
	"github.com/hbomb79/Clipsync/internal/upload"
	"github.com/hbomb79/Clipsync/pkg/logger"
	"github.com/hbomb79/go-chanassert"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	stagingDir = "/staging"
	testToken  = "flic-test-token"
)

var errTransfer = artifact.TransferError(nil, "test: destination unavailable")

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type mockUploader struct {
	mock.Mock
	calls atomic.Int32
}

func (m *mockUploader) Upload(_ context.Context, localPath string, token string) (*upload.UploadResult, error) {
	m.calls.Add(1)
	args := m.Called(localPath, token)
	result, _ := args.Get(0).(*upload.UploadResult)
	return result, args.Error(1)
}

type recordingReleaser struct {
	mutex    sync.Mutex
	released []string
}

func (r *recordingReleaser) Release(path string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.released = append(r.released, path)
}

func (r *recordingReleaser) Released() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.released...)
}

type fakeSource struct {
	active    atomic.Int32
	maxActive atomic.Int32
	hold      time.Duration
}

func (s *fakeSource) Resolve(_ context.Context, _ source.Platform, ref string) (*source.Stream, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		max := s.maxActive.Load()
		if n <= max || s.maxActive.CompareAndSwap(max, n) {
			break
		}
	}
	time.Sleep(s.hold)

	if strings.HasPrefix(ref, "bad") {
		return nil, artifact.ResolutionError(nil, "test: post %s is private", ref)
	}

	body := "video:" + ref
	return &source.Stream{Body: io.NopCloser(strings.NewReader(body)), ArtifactID: ref, ContentLength: int64(len(body))}, nil
}

// streamSource resolves every reference to the same stream.
type streamSource struct {
	stream *source.Stream
}

func (s *streamSource) Resolve(context.Context, source.Platform, string) (*source.Stream, error) {
	return s.stream, nil
}

type resolver interface {
	Resolve(ctx context.Context, platform source.Platform, postReference string) (*source.Stream, error)
}

type harness struct {
	fs           afero.Fs
	bus          event.EventCoordinator
	uploader     *mockUploader
	releaser     *recordingReleaser
	orchestrator *pipeline.Orchestrator
	reports      event.HandlerChannel
}

// matchReport returns a matcher for reports of the given artifact
// reaching the given terminal state.
func matchReport(sourceID string, state artifact.State) chanassert.Matcher[pipeline.Report] {
	return chanassert.MatchStructPartial(pipeline.Report{SourceID: sourceID, State: state})
}

// matchFailure returns a matcher for failed reports carrying the given
// error kind after exactly the given number of attempts.
func matchFailure(kind artifact.ErrorKind, attempts int) chanassert.Matcher[pipeline.Report] {
	return chanassert.MatchPredicate(func(report pipeline.Report) bool {
		return report.State == artifact.Failed && report.Kind == kind && report.Attempts == attempts && artifact.KindOf(report.Err) == kind
	})
}

func newHarness(t *testing.T, config pipeline.Config, src resolver) *harness {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(stagingDir, 0o755))

	if config.InitialBackoff == 0 {
		config.InitialBackoff = 5 * time.Millisecond
	}
	config.StagingDir = stagingDir

	if src == nil {
		src = &fakeSource{}
	}

	bus := event.New()
	h := &harness{
		fs:       fs,
		bus:      bus,
		uploader: &mockUploader{},
		releaser: &recordingReleaser{},
		reports:  make(event.HandlerChannel, 100),
	}
	h.orchestrator = pipeline.New(config, testToken, fs, src, download.New(fs, download.Config{}), h.uploader, bus)
	h.orchestrator.SetReleaser(h.releaser)
	bus.RegisterHandlerChannel(h.reports, event.UploadCompleteEvent, event.UploadFailedEvent)

	return h
}

// start runs the upload loop until the test completes.
func (h *harness) start(t *testing.T) {
	wg := sync.WaitGroup{}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer wg.Done()
		assert.Nil(t, h.orchestrator.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func (h *harness) stage(t *testing.T, name string, content string) string {
	path := stagingDir + "/" + name
	require.NoError(t, afero.WriteFile(h.fs, path, []byte(content), 0o644))
	return path
}

func (h *harness) removeOnUpload(args mock.Arguments) {
	_ = h.fs.Remove(args.String(0))
}

func (h *harness) nextReport(t *testing.T) pipeline.Report {
	select {
	case ev := <-h.reports:
		return ev.Payload.(pipeline.Report)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upload report")
		return pipeline.Report{}
	}
}

func Test_Upload_SucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Config{}, nil)
	path := h.stage(t, "tiktok_1.mp4", "bytes")

	h.uploader.On("Upload", path, testToken).Return(nil, errTransfer).Twice()
	h.uploader.On("Upload", path, testToken).Return(&upload.UploadResult{Path: path, Bytes: 5, StatusCode: 200}, nil).Run(h.removeOnUpload).Once()

	require.True(t, h.orchestrator.Enqueue(path))
	h.start(t)

	report := h.nextReport(t)
	assert.True(t, matchReport("tiktok_1", artifact.Uploaded).DoesMatch(report), "unexpected report %+v", report)
	assert.Equal(t, 3, report.Attempts)
	assert.NoError(t, report.Err)

	h.uploader.AssertNumberOfCalls(t, "Upload", 3)
	exists, _ := afero.Exists(h.fs, path)
	assert.False(t, exists)
	assert.Empty(t, h.orchestrator.GetAllJobs())
	assert.Equal(t, []string{path}, h.releaser.Released())
}

func Test_Upload_AuthErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Config{}, nil)
	path := h.stage(t, "instagram_abc.mp4", "bytes")

	h.uploader.On("Upload", path, testToken).Return(nil, artifact.AuthError(nil, "test: token rejected")).Once()

	require.True(t, h.orchestrator.Enqueue(path))
	h.start(t)

	report := h.nextReport(t)
	assert.True(t, matchFailure(artifact.KindAuth, 1).DoesMatch(report), "unexpected report %+v", report)
	assert.ErrorIs(t, report.Err, artifact.ErrAuth)

	assert.Never(t, func() bool { return h.uploader.calls.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	exists, _ := afero.Exists(h.fs, path)
	assert.True(t, exists, "file must be retained after a failed upload")

	jobs := h.orchestrator.GetAllJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, artifact.Failed, jobs[0].Artifact.State)
	assert.Equal(t, artifact.KindAuth, jobs[0].LastError)
}

func Test_Upload_ExhaustedRetriesThenManualRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Config{MaxAttempts: 3}, nil)
	path := h.stage(t, "direct_0123456789ab.mp4", "bytes")

	h.uploader.On("Upload", path, testToken).Return(nil, errTransfer).Times(3)

	require.True(t, h.orchestrator.Enqueue(path))
	h.start(t)

	report := h.nextReport(t)
	assert.True(t, matchFailure(artifact.KindTransfer, 3).DoesMatch(report), "unexpected report %+v", report)

	// A failed artifact is not re-dispatched by a rescan.
	assert.False(t, h.orchestrator.Enqueue(path))

	h.uploader.On("Upload", path, testToken).Return(&upload.UploadResult{Path: path, Bytes: 5, StatusCode: 201}, nil).Run(h.removeOnUpload).Once()
	require.NoError(t, h.orchestrator.Retry(report.ArtifactID))

	report = h.nextReport(t)
	assert.Equal(t, artifact.Uploaded, report.State)
	assert.Equal(t, 1, report.Attempts)
	assert.Empty(t, h.orchestrator.GetAllJobs())
}

func Test_Retry_RejectsUnknownAndActiveJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Config{}, nil)
	path := h.stage(t, "tiktok_2.mp4", "bytes")

	assert.ErrorIs(t, h.orchestrator.Retry(uuid.New()), pipeline.ErrJobNotFound)

	require.True(t, h.orchestrator.Enqueue(path))
	jobs := h.orchestrator.GetAllJobs()
	require.Len(t, jobs, 1)
	assert.ErrorIs(t, h.orchestrator.Retry(jobs[0].Artifact.ID), pipeline.ErrJobNotRetrying)
}

func Test_Enqueue_RefusesMissingAndDuplicatePaths(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Config{}, nil)
	path := h.stage(t, "tiktok_3.mp4", "bytes")

	assert.False(t, h.orchestrator.Enqueue(stagingDir+"/missing.mp4"))

	var accepted atomic.Int32
	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.orchestrator.Enqueue(path) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	jobs := h.orchestrator.GetAllJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, artifact.Complete, jobs[0].Artifact.State)
	assert.Equal(t, int64(5), jobs[0].Artifact.SizeBytes)
	assert.Equal(t, "tiktok_3", jobs[0].Artifact.SourceID)

	found := h.orchestrator.GetJob(jobs[0].Artifact.ID)
	require.NotNil(t, found)
	assert.Equal(t, path, found.Artifact.LocalPath)
	assert.Nil(t, h.orchestrator.GetJob(uuid.New()))
}

func Test_Upload_AtMostOneInFlightJobPerPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Config{UploadParallelism: 4}, nil)
	path := h.stage(t, "tiktok_4.mp4", "bytes")

	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32
	h.uploader.On("Upload", path, testToken).Return(&upload.UploadResult{Path: path, Bytes: 5, StatusCode: 200}, nil).Run(func(args mock.Arguments) {
		if n := inFlight.Add(1); n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		<-release
		inFlight.Add(-1)
		h.removeOnUpload(args)
	}).Once()

	h.start(t)
	require.True(t, h.orchestrator.Enqueue(path))

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, int32(1), inFlight.Load())
	}, 2*time.Second, 10*time.Millisecond)

	// Duplicate notifications while the upload is in flight are refused.
	for i := 0; i < 5; i++ {
		assert.False(t, h.orchestrator.Enqueue(path))
	}
	jobs := h.orchestrator.GetAllJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, artifact.Uploading, jobs[0].Artifact.State)

	close(release)
	report := h.nextReport(t)
	assert.Equal(t, artifact.Uploaded, report.State)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func Test_Run_WaitsForInFlightUploadsOnStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Config{}, nil)
	path := h.stage(t, "tiktok_5.mp4", "bytes")

	started := make(chan struct{})
	release := make(chan struct{})
	h.uploader.On("Upload", path, testToken).Return(&upload.UploadResult{Path: path, Bytes: 5, StatusCode: 200}, nil).Run(func(args mock.Arguments) {
		close(started)
		<-release
		h.removeOnUpload(args)
	}).Once()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		assert.Nil(t, h.orchestrator.Run(ctx))
	}()

	require.True(t, h.orchestrator.Enqueue(path))
	<-started
	cancel()

	select {
	case <-stopped:
		t.Fatal("Run returned while an upload was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the in-flight upload finished")
	}

	report := h.nextReport(t)
	assert.Equal(t, artifact.Uploaded, report.State)
}

func Test_RunDownloads_IsolatesFailuresAndBoundsSlots(t *testing.T) {
	t.Parallel()
	src := &fakeSource{hold: 20 * time.Millisecond}
	h := newHarness(t, pipeline.Config{MaxConcurrentDownloads: 2}, src)

	requests := []pipeline.FetchRequest{
		{Platform: source.TikTok, PostReference: "tiktok_10"},
		{Platform: source.TikTok, PostReference: "bad_11"},
		{Platform: source.Instagram, PostReference: "instagram_12"},
		{Platform: source.Direct, PostReference: "direct_13"},
		{Platform: source.TikTok, PostReference: "tiktok_14"},
	}

	outcomes := h.orchestrator.RunDownloads(context.Background(), requests)
	require.Len(t, outcomes, len(requests))

	for i, outcome := range outcomes {
		assert.Equal(t, requests[i].PostReference, outcome.Request.PostReference)
		assert.Equal(t, stagingDir, outcome.Request.DestinationDir)
		if strings.HasPrefix(requests[i].PostReference, "bad") {
			assert.ErrorIs(t, outcome.Err, artifact.ErrResolution)
			assert.Nil(t, outcome.Artifact)
			continue
		}

		require.NoError(t, outcome.Err)
		assert.Equal(t, artifact.Complete, outcome.Artifact.State)
		content, err := afero.ReadFile(h.fs, outcome.Artifact.LocalPath)
		require.NoError(t, err)
		assert.Equal(t, "video:"+requests[i].PostReference, string(content))
	}

	assert.LessOrEqual(t, src.maxActive.Load(), int32(2))
}

func Test_Enqueue_AdoptsDownloadedArtifactIdentity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Config{}, nil)

	outcomes := h.orchestrator.RunDownloads(context.Background(), []pipeline.FetchRequest{{Platform: source.TikTok, PostReference: "tiktok_20"}})
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)

	require.True(t, h.orchestrator.Enqueue(outcomes[0].Artifact.LocalPath))
	job := h.orchestrator.GetJob(outcomes[0].Artifact.ID)
	require.NotNil(t, job)
	assert.Equal(t, "tiktok_20", job.Artifact.SourceID)
}

func Test_Submit_PublishesOutcome(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Config{}, nil)

	bus := event.New()
	outcomes := make(event.HandlerChannel, 4)
	h.orchestrator = pipeline.New(pipeline.Config{StagingDir: stagingDir}, testToken, h.fs, &fakeSource{}, download.New(h.fs, download.Config{}), h.uploader, bus)
	bus.RegisterHandlerChannel(outcomes, event.DownloadCompleteEvent, event.DownloadFailedEvent)

	okID := h.orchestrator.Submit(pipeline.FetchRequest{Platform: source.TikTok, PostReference: "tiktok_30"})
	badID := h.orchestrator.Submit(pipeline.FetchRequest{Platform: source.TikTok, PostReference: "bad_31"})
	h.orchestrator.WaitForDownloads()

	seen := map[uuid.UUID]event.HandlerEvent{}
	for i := 0; i < 2; i++ {
		ev := <-outcomes
		seen[ev.Payload.(pipeline.DownloadOutcome).RequestID] = ev
	}

	assert.Equal(t, event.DownloadCompleteEvent, seen[okID].Event)
	assert.Equal(t, event.DownloadFailedEvent, seen[badID].Event)
	assert.True(t, errors.Is(seen[badID].Payload.(pipeline.DownloadOutcome).Err, artifact.ErrResolution))
}

func Test_Upload_BackoffDoublesBetweenAttempts(t *testing.T) {
	t.Parallel()
	const initial = 40 * time.Millisecond
	h := newHarness(t, pipeline.Config{InitialBackoff: initial, MaxAttempts: 3}, nil)
	path := h.stage(t, "tiktok_50.mp4", "bytes")

	var mutex sync.Mutex
	attempts := make([]time.Time, 0, 3)
	record := func(mock.Arguments) {
		mutex.Lock()
		defer mutex.Unlock()
		attempts = append(attempts, time.Now())
	}
	h.uploader.On("Upload", path, testToken).Return(nil, errTransfer).Run(record).Times(3)

	require.True(t, h.orchestrator.Enqueue(path))
	h.start(t)

	report := h.nextReport(t)
	assert.True(t, matchFailure(artifact.KindTransfer, 3).DoesMatch(report), "unexpected report %+v", report)

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, attempts, 3)
	first, second := attempts[1].Sub(attempts[0]), attempts[2].Sub(attempts[1])
	assert.GreaterOrEqual(t, first, initial)
	assert.Less(t, first, 2*initial+100*time.Millisecond, "first wait should be the initial interval")
	assert.GreaterOrEqual(t, second, 2*initial)
	assert.GreaterOrEqual(t, second-first, initial/2, "wait must double between attempts")
}

func Test_RunDownloads_InFlightDownloadSurvivesStop(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	h := newHarness(t, pipeline.Config{}, &streamSource{stream: &source.Stream{Body: pr, ArtifactID: "tiktok_40", ContentLength: 16}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []pipeline.DownloadOutcome, 1)
	go func() {
		done <- h.orchestrator.RunDownloads(ctx, []pipeline.FetchRequest{{Platform: source.TikTok, PostReference: "tiktok_40"}})
	}()

	// The pipe write returns once the downloader has read it, so the
	// download is in flight when the context is cancelled.
	_, err := pw.Write([]byte("first-8-"))
	require.NoError(t, err)
	cancel()
	_, err = pw.Write([]byte("second-8"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	var outcomes []pipeline.DownloadOutcome
	select {
	case outcomes = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunDownloads did not return")
	}

	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	content, err := afero.ReadFile(h.fs, stagingDir+"/tiktok_40.mp4")
	require.NoError(t, err)
	assert.Equal(t, "first-8-second-8", string(content))
	exists, _ := afero.Exists(h.fs, stagingDir+"/tiktok_40.mp4.part")
	assert.False(t, exists)
}

func Test_RunDownloads_CancelledRequestsDoNotStart(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	h := newHarness(t, pipeline.Config{}, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := h.orchestrator.RunDownloads(ctx, []pipeline.FetchRequest{{Platform: source.TikTok, PostReference: "tiktok_41"}})
	require.Len(t, outcomes, 1)
	assert.ErrorIs(t, outcomes[0].Err, artifact.ErrNetwork)
	assert.ErrorIs(t, outcomes[0].Err, context.Canceled)
	assert.Zero(t, src.maxActive.Load(), "a cancelled request must not resolve")
}

func Test_RunDownloads_RedownloadReplacesFailedJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Config{MaxAttempts: 1}, nil)
	path := stagingDir + "/tiktok_60.mp4"

	h.uploader.On("Upload", path, testToken).Return(nil, errTransfer).Once()
	h.start(t)

	outcomes := h.orchestrator.RunDownloads(context.Background(), []pipeline.FetchRequest{{Platform: source.TikTok, PostReference: "tiktok_60"}})
	require.NoError(t, outcomes[0].Err)
	require.True(t, h.orchestrator.Enqueue(path))

	failed := h.nextReport(t)
	require.True(t, matchFailure(artifact.KindTransfer, 1).DoesMatch(failed), "unexpected report %+v", failed)

	// The same post downloaded again replaces the failed job, even though
	// the watcher refuses to dispatch a path which is still tracked.
	h.uploader.On("Upload", path, testToken).Return(&upload.UploadResult{Path: path, Bytes: 15, StatusCode: 200}, nil).Run(h.removeOnUpload).Once()
	outcomes = h.orchestrator.RunDownloads(context.Background(), []pipeline.FetchRequest{{Platform: source.TikTok, PostReference: "tiktok_60"}})
	require.NoError(t, outcomes[0].Err)
	assert.False(t, h.orchestrator.Enqueue(path))

	report := h.nextReport(t)
	assert.True(t, matchReport("tiktok_60", artifact.Uploaded).DoesMatch(report), "unexpected report %+v", report)
	assert.Equal(t, outcomes[0].Artifact.ID, report.ArtifactID)
	assert.Nil(t, h.orchestrator.GetJob(failed.ArtifactID))
	assert.Empty(t, h.orchestrator.GetAllJobs())
}

func Test_RunDownloads_OnlyWatchedArtifactsAwaitDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Config{}, nil)
	require.NoError(t, h.fs.MkdirAll("/elsewhere", 0o755))

	outcomes := h.orchestrator.RunDownloads(context.Background(), []pipeline.FetchRequest{{Platform: source.TikTok, PostReference: "tiktok_70", DestinationDir: "/elsewhere"}})
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, "/elsewhere/tiktok_70.mp4", outcomes[0].Artifact.LocalPath)
	assert.Zero(t, h.orchestrator.PendingArtifacts(), "the watcher never dispatches outside the staging directory")

	outcomes = h.orchestrator.RunDownloads(context.Background(), []pipeline.FetchRequest{{Platform: source.TikTok, PostReference: "tiktok_71"}})
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, 1, h.orchestrator.PendingArtifacts())

	require.True(t, h.orchestrator.Enqueue(outcomes[0].Artifact.LocalPath))
	assert.Zero(t, h.orchestrator.PendingArtifacts())
}

func Test_Download_ProgressEventsAreThrottled(t *testing.T) {
	t.Parallel()
	payload := bytes.Repeat([]byte("v"), 1<<20)
	h := newHarness(t, pipeline.Config{}, &streamSource{stream: &source.Stream{
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ArtifactID:    "tiktok_80",
		ContentLength: int64(len(payload)),
	}})

	progress := make(event.HandlerChannel, 64)
	h.bus.RegisterHandlerChannel(progress, event.DownloadProgressEvent)

	outcomes := h.orchestrator.RunDownloads(context.Background(), []pipeline.FetchRequest{{Platform: source.TikTok, PostReference: "tiktok_80"}})
	require.NoError(t, outcomes[0].Err)
	close(progress)

	reported := make([]download.Progress, 0)
	for ev := range progress {
		reported = append(reported, ev.Payload.(download.Progress))
	}

	// 32 chunks of 32 KiB, reported at most once per 5%.
	require.NotEmpty(t, reported)
	assert.LessOrEqual(t, len(reported), 21)
	assert.Less(t, len(reported), len(payload)/download.DefaultChunkSize)
	last := reported[len(reported)-1]
	assert.Equal(t, last.Total, last.Written)
	for i := 1; i < len(reported); i++ {
		assert.Greater(t, reported[i].Written, reported[i-1].Written)
	}
}
