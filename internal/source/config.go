package source

type (
	// Config holds the per-platform retrieval settings. The headers are
	// sent on every request to the platform and are where session cookies
	// or API keys belong.
	Config struct {
		Instagram PlatformConfig `yaml:"instagram" env-prefix:"INSTAGRAM_"`
		TikTok    PlatformConfig `yaml:"tiktok" env-prefix:"TIKTOK_"`
		Direct    PlatformConfig `yaml:"direct" env-prefix:"DIRECT_"`
	}

	PlatformConfig struct {
		// Endpoint is a template for the metadata lookup of a single
		// post; the post identifier replaces the '%s' verb.
		Endpoint       string            `yaml:"endpoint" env:"ENDPOINT"`
		Headers        map[string]string `yaml:"headers" env:"HEADERS"`
		TimeoutSeconds int               `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS" env-default:"30"`
	}
)

const (
	defaultInstagramEndpoint = "https://www.instagram.com/api/v1/media/shortcode/%s/video"
	defaultTikTokEndpoint    = "https://www.tiktok.com/api/video/%s/download"
)
