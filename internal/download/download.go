package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Clipsync/internal/artifact"
	"github.com/hbomb79/Clipsync/internal/source"
	"github.com/hbomb79/Clipsync/pkg/logger"
	"github.com/spf13/afero"
)

var log = logger.Get("Downloader")

const (
	PartSuffix       = ".part"
	DefaultChunkSize = 32 * 1024
	DefaultExtension = ".mp4"
)

type (
	Config struct {
		// ChunkSize is the size of each read from the source stream, and
		// therefore the granularity of progress reporting.
		ChunkSize int `yaml:"chunk_size" env:"DOWNLOAD_CHUNK_SIZE" env-default:"32768" validate:"min=1"`

		// Extension is appended to the artifact ID to form the final file name.
		Extension string `yaml:"extension" env:"ARTIFACT_EXTENSION" env-default:".mp4" validate:"startswith=."`
	}

	// Progress is an advisory report of how much of a stream has been
	// written to disk. Total is -1 when the source did not advertise
	// a content length.
	Progress struct {
		ArtifactID string
		Written    int64
		Total      int64
	}

	ProgressFunc func(Progress)

	// Downloader streams a resolved video into a staging directory. Bytes
	// are written to a '.part' file which is renamed to its final name
	// only once the stream has been fully and correctly received, so a
	// watcher on the directory never sees a partially written artifact.
	Downloader struct {
		fs        afero.Fs
		chunkSize int
		extension string
	}
)

func New(fs afero.Fs, config Config) *Downloader {
	if config.ChunkSize < 1 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.Extension == "" {
		config.Extension = DefaultExtension
	}

	return &Downloader{fs: fs, chunkSize: config.ChunkSize, extension: config.Extension}
}

// FinalPath returns the path the artifact with the given ID is staged at.
func (downloader *Downloader) FinalPath(destDir string, artifactID string) string {
	return filepath.Join(destDir, artifactID+downloader.extension)
}

// Download drains the stream in to destDir. The stream body is always
// closed. On failure the partial file is removed and nothing is staged:
// read failures and length mismatches are NetworkErrors, filesystem
// failures are DiskErrors.
//
// Once started a download is not abandoned part way: it ends when the
// stream is drained or fails. The stream's own context governs the
// transfer.
func (downloader *Downloader) Download(_ context.Context, stream *source.Stream, destDir string, progress ProgressFunc) (*artifact.StagedArtifact, error) {
	defer stream.Body.Close()

	staged := &artifact.StagedArtifact{
		ID:        uuid.New(),
		LocalPath: downloader.FinalPath(destDir, stream.ArtifactID),
		SourceID:  stream.ArtifactID,
		CreatedAt: time.Now(),
		State:     artifact.Writing,
	}

	partPath := staged.LocalPath + PartSuffix
	log.Emit(logger.NEW, "Downloading %s to %s\n", stream.ArtifactID, partPath)
	written, err := downloader.writePart(stream, partPath, progress)
	if err != nil {
		if rmErr := downloader.fs.Remove(partPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Emit(logger.WARNING, "Failed to clean up partial download %s: %v\n", partPath, rmErr)
		}

		_ = staged.Transition(artifact.Failed)
		return nil, err
	}

	if err := downloader.fs.Rename(partPath, staged.LocalPath); err != nil {
		_ = downloader.fs.Remove(partPath)
		return nil, artifact.DiskError(err, "failed to move %s in to place", partPath)
	}

	staged.SizeBytes = written
	if err := staged.Transition(artifact.Complete); err != nil {
		return nil, err
	}

	log.Emit(logger.SUCCESS, "Staged %s (%d bytes) at %s\n", stream.ArtifactID, written, staged.LocalPath)
	return staged, nil
}

func (downloader *Downloader) writePart(stream *source.Stream, partPath string, progress ProgressFunc) (int64, error) {
	file, err := downloader.fs.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, artifact.DiskError(err, "failed to create %s", partPath)
	}
	defer file.Close()

	var written int64
	buf := make([]byte, downloader.chunkSize)
	for {
		n, readErr := stream.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return written, artifact.DiskError(err, "failed writing to %s", partPath)
			}

			written += int64(n)
			if progress != nil {
				progress(Progress{ArtifactID: stream.ArtifactID, Written: written, Total: stream.ContentLength})
			}
		}

		if readErr == io.EOF {
			break
		} else if readErr != nil {
			return written, artifact.NetworkError(readErr, "stream for %s failed after %d bytes", stream.ArtifactID, written)
		}
	}

	if stream.ContentLength >= 0 && written != stream.ContentLength {
		return written, artifact.NetworkError(nil, "stream for %s ended after %d of %d bytes", stream.ArtifactID, written, stream.ContentLength)
	}

	if err := file.Sync(); err != nil {
		return written, artifact.DiskError(err, "failed to flush %s", partPath)
	}
	if err := file.Close(); err != nil {
		return written, artifact.DiskError(err, "failed to close %s", partPath)
	}

	return written, nil
}

func (p Progress) String() string {
	if p.Total < 0 {
		return fmt.Sprintf("%s: %d bytes", p.ArtifactID, p.Written)
	}

	return fmt.Sprintf("%s: %d/%d bytes", p.ArtifactID, p.Written, p.Total)
}
