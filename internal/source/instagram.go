package source

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/hbomb79/Clipsync/internal/artifact"
)

var shortcodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type (
	instagramSource struct {
		config PlatformConfig
		client *platformClient
	}

	instagramMedia struct {
		VideoURL string `json:"video_url"`
	}
)

func NewInstagramSource(config PlatformConfig) *instagramSource {
	return &instagramSource{config: config, client: newPlatformClient(config)}
}

// Resolve looks up the video URL for an Instagram post (or reel) and
// opens it. The artifact ID is derived from the post shortcode.
func (source *instagramSource) Resolve(ctx context.Context, _ Platform, postReference string) (*Stream, error) {
	shortcode, err := instagramShortcode(postReference)
	if err != nil {
		return nil, err
	}

	var media instagramMedia
	endpoint := endpointFor(source.config, defaultInstagramEndpoint, shortcode)
	if err := source.client.getJSON(ctx, endpoint, timeoutOf(source.config), &media); err != nil {
		return nil, err
	}

	if media.VideoURL == "" {
		return nil, artifact.ResolutionError(nil, "instagram post %s has no video", shortcode)
	}

	return source.client.openStream(ctx, media.VideoURL, "instagram_"+shortcode)
}

// instagramShortcode extracts the shortcode from URLs such as
// https://www.instagram.com/p/<shortcode>/ or /reel/<shortcode>/.
func instagramShortcode(postReference string) (string, error) {
	u, err := url.Parse(postReference)
	if err != nil {
		return "", artifact.ResolutionError(err, "malformed instagram reference %q", postReference)
	}

	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	for i := 0; i < len(segments)-1; i++ {
		switch segments[i] {
		case "p", "reel", "reels", "tv":
			if code := segments[i+1]; shortcodePattern.MatchString(code) {
				return code, nil
			}
		}
	}

	return "", artifact.ResolutionError(nil, "instagram reference %q does not contain a post shortcode", postReference)
}
