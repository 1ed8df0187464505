package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Clipsync/internal/api"
	"github.com/hbomb79/Clipsync/internal/artifact"
	"github.com/hbomb79/Clipsync/internal/download"
	"github.com/hbomb79/Clipsync/internal/history"
	"github.com/hbomb79/Clipsync/internal/pipeline"
	"github.com/hbomb79/Clipsync/internal/source"
	"github.com/hbomb79/Clipsync/internal/upload"
	"github.com/hbomb79/Clipsync/pkg/logger"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
)

const probeFileName = ".clipsync-probe"

type (
	// ClipsyncConfig is the struct used to contain the
	// various user config supplied by file or environment.
	ClipsyncConfig struct {
		StagingDir       string          `yaml:"staging_dir" env:"STAGING_DIR" env-default:"~/clipsync/staging"`
		ForceSyncSeconds int             `yaml:"force_sync_seconds" env:"FORCE_SYNC_SECONDS" env-default:"30" validate:"min=0"`
		DestinationToken string          `yaml:"destination_token" env:"FLIC_TOKEN" env-required:"true" validate:"required"`
		LogLevel         string          `yaml:"log_level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=verbose debug info warning error"`
		Pipeline         pipeline.Config `yaml:"pipeline"`
		Download         download.Config `yaml:"download"`
		Upload           upload.Config   `yaml:"upload"`
		Sources          source.Config   `yaml:"sources"`
		Database         history.Config  `yaml:"database"`
		RestConfig       api.RestConfig  `yaml:"api"`
		Fetches          []FetchConfig   `yaml:"fetches" validate:"dive"`
	}

	// FetchConfig is a single fetch performed as soon as Clipsync starts.
	FetchConfig struct {
		Platform      string `yaml:"platform" validate:"required"`
		PostReference string `yaml:"post_reference" validate:"required"`
	}
)

// LoadConfig reads the configuration from the YAML file at path (if
// provided) and the environment, after loading any '.env' file in the
// working directory. The configuration is validated and the staging
// directory is created and probed for write access; any failure is a
// ConfigError.
func LoadConfig(path string) (*ClipsyncConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Emit(logger.WARNING, "Failed to load .env file: %v\n", err)
	}

	var config ClipsyncConfig
	if path != "" {
		if err := cleanenv.ReadConfig(path, &config); err != nil {
			return nil, artifact.ConfigError(err, "failed to load configuration from %s", path)
		}
	} else if err := cleanenv.ReadEnv(&config); err != nil {
		return nil, artifact.ConfigError(err, "failed to load configuration from environment")
	}

	stagingDir, err := homedir.Expand(config.StagingDir)
	if err != nil {
		return nil, artifact.ConfigError(err, "staging directory %q could not be expanded", config.StagingDir)
	}
	if stagingDir, err = filepath.Abs(stagingDir); err != nil {
		return nil, artifact.ConfigError(err, "staging directory %q could not be resolved", config.StagingDir)
	}
	config.StagingDir = stagingDir
	config.Pipeline.StagingDir = stagingDir

	if err := validator.New().Struct(config); err != nil {
		return nil, artifact.ConfigError(err, "configuration is invalid")
	}

	for _, fetch := range config.Fetches {
		if _, err := source.ParsePlatform(fetch.Platform); err != nil {
			return nil, artifact.ConfigError(err, "initial fetch of %s is invalid", fetch.PostReference)
		}
	}

	if err := prepareStagingDir(config.StagingDir); err != nil {
		return nil, err
	}

	return &config, nil
}

// FetchRequests converts the configured initial fetches in to requests
// for the pipeline. The platforms have already been validated.
func (config *ClipsyncConfig) FetchRequests() []pipeline.FetchRequest {
	requests := make([]pipeline.FetchRequest, 0, len(config.Fetches))
	for _, fetch := range config.Fetches {
		platform, _ := source.ParsePlatform(fetch.Platform)
		requests = append(requests, pipeline.FetchRequest{
			Platform:       platform,
			PostReference:  fetch.PostReference,
			DestinationDir: config.StagingDir,
		})
	}

	return requests
}

// prepareStagingDir ensures the staging directory exists and that a file
// can be written inside of it.
func prepareStagingDir(dir string) error {
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return artifact.ConfigError(nil, "staging path '%s' is not a directory", dir)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return artifact.ConfigError(err, "staging directory '%s' could not be created", dir)
		}
	} else {
		return artifact.ConfigError(err, "staging directory '%s' could not be accessed", dir)
	}

	probe := filepath.Join(dir, probeFileName)
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return artifact.ConfigError(err, "staging directory '%s' is not writable", dir)
	}
	if err := os.Remove(probe); err != nil {
		return artifact.ConfigError(err, "staging directory probe '%s' could not be removed", probe)
	}

	return nil
}

func (config ClipsyncConfig) String() string {
	return fmt.Sprintf("ClipsyncConfig{staging=%s fetches=%d api=%v history=%v}", config.StagingDir, len(config.Fetches), config.RestConfig.Enabled, config.Database.Enabled)
}
