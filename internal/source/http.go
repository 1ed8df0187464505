package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hbomb79/Clipsync/internal/artifact"
)

// platformClient performs the HTTP calls shared by every platform: a JSON
// metadata lookup, followed by opening the media stream it points to.
type platformClient struct {
	client  *http.Client
	headers map[string]string
}

func newPlatformClient(config PlatformConfig) *platformClient {
	// No client-wide timeout: it would cut off long media streams. The
	// timeout only bounds the metadata lookup.
	return &platformClient{
		client:  &http.Client{},
		headers: config.Headers,
	}
}

// request performs a GET, mapping a rejected request to a ResolutionError.
// A transport failure is reported using transportErr.
func (c *platformClient) request(ctx context.Context, url string, transportErr func(error, string, ...any) error) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, artifact.ResolutionError(err, "malformed request URL %q", url)
	}

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportErr(err, "GET %s failed", url)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return nil, artifact.ResolutionError(nil, "post at %s has been deleted or does not exist (HTTP %d)", url, resp.StatusCode)
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, artifact.ResolutionError(nil, "post at %s is private or credentials were rejected (HTTP %d)", url, resp.StatusCode)
		default:
			return nil, artifact.ResolutionError(nil, "platform rejected request to %s (HTTP %d)", url, resp.StatusCode)
		}
	}

	return resp, nil
}

func (c *platformClient) getJSON(ctx context.Context, url string, timeout time.Duration, target any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := c.request(ctx, url, artifact.ResolutionError)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return artifact.ResolutionError(err, "failed to read metadata response from %s", url)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return artifact.ResolutionError(err, "metadata response from %s could not be unmarshalled", url)
	}

	return nil
}

// openStream starts the media download, returning the unread body. The
// caller owns the body and must close it. A transport failure here is a
// NetworkError, as the post itself was already resolved.
func (c *platformClient) openStream(ctx context.Context, mediaURL string, artifactID string) (*Stream, error) {
	resp, err := c.request(ctx, mediaURL, artifact.NetworkError)
	if err != nil {
		return nil, err
	}

	length := resp.ContentLength
	if length < 0 {
		length = UnknownContentLength
	}

	return &Stream{Body: resp.Body, ArtifactID: artifactID, ContentLength: length}, nil
}

func timeoutOf(config PlatformConfig) time.Duration {
	return time.Duration(config.TimeoutSeconds) * time.Second
}

func endpointFor(config PlatformConfig, fallback string, id string) string {
	template := config.Endpoint
	if template == "" {
		template = fallback
	}

	return fmt.Sprintf(template, id)
}
