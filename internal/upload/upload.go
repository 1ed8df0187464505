package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hbomb79/Clipsync/internal/artifact"
	"github.com/hbomb79/Clipsync/pkg/logger"
	"github.com/spf13/afero"
)

var log = logger.Get("Uploader")

const TokenHeader = "Flic-Token"

type (
	Config struct {
		// UploadURLEndpoint is queried for a fresh pre-signed target
		// before every upload attempt.
		UploadURLEndpoint string `yaml:"upload_url_endpoint" env:"UPLOAD_URL_ENDPOINT" env-default:"https://api.socialverseapp.com/posts/generate-upload-url" validate:"url"`
		TimeoutSeconds    int    `yaml:"timeout_seconds" env:"UPLOAD_TIMEOUT_SECONDS" env-default:"300" validate:"min=1"`
	}

	// PresignedTarget is a destination URL with upload permission
	// embedded. It is fetched per attempt and never reused.
	PresignedTarget struct {
		URL       string     `json:"upload_url"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}

	UploadResult struct {
		Path       string
		Bytes      int64
		StatusCode int
	}

	// Client publishes staged files to the destination service: it asks
	// the service for a pre-signed URL, then PUTs the raw file bytes to it.
	Client struct {
		fs       afero.Fs
		client   *http.Client
		endpoint string
	}
)

func New(fs afero.Fs, config Config) *Client {
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	return &Client{
		fs:       fs,
		client:   &http.Client{Timeout: timeout},
		endpoint: config.UploadURLEndpoint,
	}
}

// Upload publishes the file at localPath. On a successful PUT the local
// file is deleted. On any failure the file is left untouched so a later
// attempt can reuse it. Rejection of the token (or an unusable response
// from the upload-URL endpoint) is an AuthError; every other failure is a
// TransferError and may be retried.
func (client *Client) Upload(ctx context.Context, localPath string, credentialToken string) (*UploadResult, error) {
	target, err := client.requestTarget(ctx, credentialToken)
	if err != nil {
		return nil, err
	}

	if target.ExpiresAt != nil && !target.ExpiresAt.After(time.Now()) {
		return nil, artifact.TransferError(nil, "pre-signed target expired at %s before upload began", target.ExpiresAt)
	}

	status, size, err := client.put(ctx, localPath, target)
	if err != nil {
		return nil, err
	}

	if err := client.fs.Remove(localPath); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
		// The object is already published; a leftover file will be
		// uploaded again, which the destination tolerates.
		log.Emit(logger.WARNING, "Uploaded %s but failed to delete local copy: %v\n", localPath, err)
	}

	log.Emit(logger.SUCCESS, "Uploaded and deleted %s (%d bytes)\n", localPath, size)
	return &UploadResult{Path: localPath, Bytes: size, StatusCode: status}, nil
}

func (client *Client) requestTarget(ctx context.Context, token string) (*PresignedTarget, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.endpoint, nil)
	if err != nil {
		return nil, artifact.AuthError(err, "malformed upload-url endpoint %q", client.endpoint)
	}
	req.Header.Set(TokenHeader, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.client.Do(req)
	if err != nil {
		return nil, artifact.TransferError(err, "failed to request upload URL")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, artifact.TransferError(err, "failed to read upload URL response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, artifact.AuthError(nil, "upload URL request rejected (HTTP %d)", resp.StatusCode)
	}

	var target PresignedTarget
	if err := json.Unmarshal(body, &target); err != nil {
		return nil, artifact.AuthError(err, "upload URL response is not valid JSON")
	} else if target.URL == "" {
		return nil, artifact.AuthError(nil, "upload URL response did not contain an upload_url")
	}

	return &target, nil
}

func (client *Client) put(ctx context.Context, localPath string, target *PresignedTarget) (int, int64, error) {
	file, err := client.fs.Open(localPath)
	if err != nil {
		return 0, 0, artifact.TransferError(err, "failed to open %s for upload", localPath)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, 0, artifact.TransferError(err, "failed to stat %s", localPath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.URL, file)
	if err != nil {
		return 0, 0, artifact.TransferError(err, "malformed pre-signed URL")
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.client.Do(req)
	if err != nil {
		return 0, 0, artifact.TransferError(err, "PUT of %s failed", localPath)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, 0, artifact.TransferError(nil, "PUT of %s returned HTTP %d", localPath, resp.StatusCode)
	}

	return resp.StatusCode, info.Size(), nil
}

func (result *UploadResult) String() string {
	return fmt.Sprintf("UploadResult{path=%s bytes=%d status=%d}", result.Path, result.Bytes, result.StatusCode)
}
