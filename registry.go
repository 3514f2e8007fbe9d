package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// The pretrained-weights hub: a local cache directory holding one
// checkpoint per backbone architecture, optionally filled from an HTTP
// mirror on first use. Training starts from these ImageNet weights unless
// the backbone is trained from scratch.

// HubConfig locates the weight cache. Both fields come from the
// environment so clusters can point every job at a shared download.
type HubConfig struct {
	// Dir is the cache directory, IMAGE_MODEL_HUB. Empty means
	// <user cache dir>/local-image-model/hub.
	Dir string `env:"IMAGE_MODEL_HUB"`
	// Mirror is an optional base URL serving <arch>.ckpt files,
	// IMAGE_MODEL_HUB_MIRROR. Without it, missing weights are an error.
	Mirror string `env:"IMAGE_MODEL_HUB_MIRROR"`
}

// DefaultHubConfig reads the hub location from the environment.
func DefaultHubConfig() (HubConfig, error) {
	cfg, err := env.ParseAs[HubConfig]()
	if err != nil {
		return HubConfig{}, fmt.Errorf("registry: %w", err)
	}
	if cfg.Dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return HubConfig{}, fmt.Errorf("registry: no cache dir: %w", err)
		}
		cfg.Dir = filepath.Join(cache, "local-image-model", "hub")
	}
	return cfg, nil
}

// PretrainedPath returns the cache path for an architecture's weights.
func (h HubConfig) PretrainedPath(arch string) string {
	return filepath.Join(h.Dir, arch+".ckpt")
}

var hubClient = &http.Client{Timeout: 10 * time.Minute}

// FetchPretrained ensures the weights for arch are in the cache,
// downloading from the mirror when absent, and returns the local path.
func FetchPretrained(hub HubConfig, arch string, logger zerolog.Logger) (string, error) {
	path := hub.PretrainedPath(arch)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("registry: %w", err)
	}

	if hub.Mirror == "" {
		return "", fmt.Errorf("registry: no weights for %q at %s and no mirror configured (IMAGE_MODEL_HUB_MIRROR)", arch, path)
	}
	url := strings.TrimRight(hub.Mirror, "/") + "/" + arch + ".ckpt"
	logger.Info().Str("arch", arch).Str("url", url).Msg("fetching pretrained weights")

	if err := fetchTo(path, url); err != nil {
		return "", err
	}
	return path, nil
}

// fetchTo downloads url into path via a temp file in the same directory,
// so a crashed download never leaves a half-written checkpoint behind.
func fetchTo(path, url string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	resp, err := hubClient.Get(url)
	if err != nil {
		return fmt.Errorf("registry: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry: fetching %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: downloading %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	return nil
}

// LoadPretrainedBackbone fetches and reads the state dict for arch.
func LoadPretrainedBackbone(hub HubConfig, arch string, logger zerolog.Logger) (*StateDict, error) {
	path, err := FetchPretrained(hub, arch, logger)
	if err != nil {
		return nil, err
	}
	_, sd, err := LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	}
	return sd, nil
}
