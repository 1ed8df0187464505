package source

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/url"

	"github.com/hbomb79/Clipsync/internal/artifact"
)

type directSource struct {
	client *platformClient
}

// NewDirectSource returns a source for references which are already
// media URLs, so no metadata lookup is required.
func NewDirectSource(config PlatformConfig) *directSource {
	return &directSource{client: newPlatformClient(config)}
}

func (source *directSource) Resolve(ctx context.Context, _ Platform, postReference string) (*Stream, error) {
	u, err := url.Parse(postReference)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, artifact.ResolutionError(err, "direct reference %q is not an absolute http(s) URL", postReference)
	}

	sum := sha1.Sum([]byte(u.String()))
	return source.client.openStream(ctx, u.String(), "direct_"+hex.EncodeToString(sum[:])[:12])
}
