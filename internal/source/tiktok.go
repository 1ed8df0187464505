package source

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/hbomb79/Clipsync/internal/artifact"
)

var tiktokIDPattern = regexp.MustCompile(`^[0-9]+$`)

type (
	tiktokSource struct {
		config PlatformConfig
		client *platformClient
	}

	tiktokVideo struct {
		DownloadURL string `json:"download_url"`
	}
)

func NewTikTokSource(config PlatformConfig) *tiktokSource {
	return &tiktokSource{config: config, client: newPlatformClient(config)}
}

// Resolve looks up the download URL for a TikTok video and opens it. The
// reference must be of the form https://www.tiktok.com/@user/video/<id>.
func (source *tiktokSource) Resolve(ctx context.Context, _ Platform, postReference string) (*Stream, error) {
	videoID, err := tiktokVideoID(postReference)
	if err != nil {
		return nil, err
	}

	var video tiktokVideo
	endpoint := endpointFor(source.config, defaultTikTokEndpoint, videoID)
	if err := source.client.getJSON(ctx, endpoint, timeoutOf(source.config), &video); err != nil {
		return nil, err
	}

	if video.DownloadURL == "" {
		return nil, artifact.ResolutionError(nil, "tiktok video %s has no download URL", videoID)
	}

	return source.client.openStream(ctx, video.DownloadURL, "tiktok_"+videoID)
}

func tiktokVideoID(postReference string) (string, error) {
	u, err := url.Parse(postReference)
	if err != nil {
		return "", artifact.ResolutionError(err, "malformed tiktok reference %q", postReference)
	}

	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(segments) == 0 || !tiktokIDPattern.MatchString(segments[len(segments)-1]) {
		return "", artifact.ResolutionError(nil, "tiktok reference %q does not end in a video ID", postReference)
	}

	return segments[len(segments)-1], nil
}
