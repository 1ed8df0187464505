package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/hbomb79/Clipsync/internal/artifact"
	"github.com/hbomb79/Clipsync/pkg/logger"
)

var log = logger.Get("Source")

type (
	Platform string

	// Stream is a lazily consumed video body resolved from a
	// platform post. The body can only be read once; retrying a
	// download requires resolving the post again.
	Stream struct {
		Body          io.ReadCloser
		ArtifactID    string
		ContentLength int64
	}

	// VideoSource resolves a post reference on a platform to a
	// streamable body and a stable artifact identifier.
	VideoSource interface {
		Resolve(ctx context.Context, platform Platform, postReference string) (*Stream, error)
	}

	// Registry dispatches resolution to the VideoSource registered
	// for the requested platform.
	Registry struct {
		sources map[Platform]VideoSource
	}
)

const (
	Instagram Platform = "instagram"
	TikTok    Platform = "tiktok"
	Direct    Platform = "direct"

	UnknownContentLength int64 = -1
)

// ParsePlatform accepts a case-insensitive platform name.
func ParsePlatform(name string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(name))); p {
	case Instagram, TikTok, Direct:
		return p, nil
	default:
		return "", artifact.ResolutionError(nil, "unknown platform %q", name)
	}
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[Platform]VideoSource)}
}

// NewDefaultRegistry builds a registry containing every platform
// this package knows how to resolve.
func NewDefaultRegistry(config Config) *Registry {
	registry := NewRegistry()
	registry.Register(Instagram, NewInstagramSource(config.Instagram))
	registry.Register(TikTok, NewTikTokSource(config.TikTok))
	registry.Register(Direct, NewDirectSource(config.Direct))

	return registry
}

func (registry *Registry) Register(platform Platform, source VideoSource) {
	registry.sources[platform] = source
}

func (registry *Registry) Resolve(ctx context.Context, platform Platform, postReference string) (*Stream, error) {
	src, ok := registry.sources[platform]
	if !ok {
		return nil, artifact.ResolutionError(nil, "no video source registered for platform %q", platform)
	}

	log.Emit(logger.DEBUG, "Resolving %s post %s\n", platform, postReference)
	stream, err := src.Resolve(ctx, platform, postReference)
	if err != nil {
		return nil, err
	}

	return stream, nil
}

func (p Platform) String() string { return string(p) }

func (stream *Stream) String() string {
	return fmt.Sprintf("Stream{id=%s length=%d}", stream.ArtifactID, stream.ContentLength)
}
