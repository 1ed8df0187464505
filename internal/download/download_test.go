package download_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/hbomb79/Clipsync/internal/artifact"
	"github.com/hbomb79/Clipsync/internal/download"
	"github.com/hbomb79/Clipsync/internal/source"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stagingDir = "/staging"

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}

	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func newStream(id string, body io.Reader, length int64) *source.Stream {
	return &source.Stream{Body: io.NopCloser(body), ArtifactID: id, ContentLength: length}
}

func newFs(t *testing.T) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(stagingDir, 0o755))
	return fs
}

func Test_Download_StagesFileMatchingContentLength(t *testing.T) {
	t.Parallel()
	fs := newFs(t)
	payload := bytes.Repeat([]byte("v"), 10_000)
	dl := download.New(fs, download.Config{ChunkSize: 1024, Extension: ".mp4"})

	progress := make([]download.Progress, 0)
	staged, err := dl.Download(context.Background(), newStream("tiktok_1", bytes.NewReader(payload), int64(len(payload))), stagingDir, func(p download.Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	assert.Equal(t, "/staging/tiktok_1.mp4", staged.LocalPath)
	assert.Equal(t, artifact.Complete, staged.State)
	assert.Equal(t, int64(len(payload)), staged.SizeBytes)
	assert.Equal(t, "tiktok_1", staged.SourceID)

	info, err := fs.Stat(staged.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size())

	exists, err := afero.Exists(fs, staged.LocalPath+download.PartSuffix)
	require.NoError(t, err)
	assert.False(t, exists, "part file must not survive a successful download")

	require.Len(t, progress, 10)
	assert.Equal(t, int64(1024), progress[0].Written)
	assert.Equal(t, int64(len(payload)), progress[len(progress)-1].Written)
	for _, p := range progress {
		assert.Equal(t, int64(len(payload)), p.Total)
	}
}

func Test_Download_UnknownLengthCompletesOnExhaustion(t *testing.T) {
	t.Parallel()
	fs := newFs(t)
	dl := download.New(fs, download.Config{})

	staged, err := dl.Download(context.Background(), newStream("direct_abc", strings.NewReader("hello"), source.UnknownContentLength), stagingDir, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), staged.SizeBytes)
}

func Test_Download_ShortStreamIsNetworkErrorAndCleansUp(t *testing.T) {
	t.Parallel()
	fs := newFs(t)
	dl := download.New(fs, download.Config{ChunkSize: 4})

	_, err := dl.Download(context.Background(), newStream("instagram_x", strings.NewReader("only half"), 100), stagingDir, nil)
	assert.ErrorIs(t, err, artifact.ErrNetwork)

	entries, err := afero.ReadDir(fs, stagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing should be staged after a failed download")
}

func Test_Download_ReadFailureIsNetworkErrorAndCleansUp(t *testing.T) {
	t.Parallel()
	fs := newFs(t)
	dl := download.New(fs, download.Config{ChunkSize: 2})
	reader := &failingReader{data: []byte("partial"), err: errors.New("connection reset by peer")}

	_, err := dl.Download(context.Background(), newStream("tiktok_2", reader, source.UnknownContentLength), stagingDir, nil)
	assert.ErrorIs(t, err, artifact.ErrNetwork)
	assert.Contains(t, err.Error(), "connection reset by peer")

	entries, err := afero.ReadDir(fs, stagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func Test_Download_ReadOnlyFilesystemIsDiskError(t *testing.T) {
	t.Parallel()
	fs := afero.NewReadOnlyFs(newFs(t))
	dl := download.New(fs, download.Config{})

	_, err := dl.Download(context.Background(), newStream("tiktok_3", strings.NewReader("abc"), 3), stagingDir, nil)
	assert.ErrorIs(t, err, artifact.ErrDisk)
}

func Test_Download_FinalNameOnlyAppearsAfterStreamDrained(t *testing.T) {
	t.Parallel()
	fs := newFs(t)
	dl := download.New(fs, download.Config{ChunkSize: 8})
	pr, pw := io.Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := dl.Download(context.Background(), newStream("slow", pr, 16), stagingDir, nil)
		done <- err
	}()

	_, err := pw.Write([]byte("12345678"))
	require.NoError(t, err)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		exists, _ := afero.Exists(fs, "/staging/slow.mp4.part")
		assert.True(c, exists)
	}, time.Second, 10*time.Millisecond)

	exists, err := afero.Exists(fs, "/staging/slow.mp4")
	require.NoError(t, err)
	assert.False(t, exists, "final artifact must not exist mid-write")

	_, err = pw.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	exists, err = afero.Exists(fs, "/staging/slow.mp4")
	require.NoError(t, err)
	assert.True(t, exists)
}
