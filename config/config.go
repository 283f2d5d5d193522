// Package config loads the settings of the offline proxy.
//
// Values come from the defaults, then a YAML file, then environment
// variables prefixed with ALWAYS_OFFLINE_. Command line flags are applied
// last by the binary.
package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/always-cache/always-offline/pkg/bypass"
	manifest "github.com/always-cache/always-offline/pkg/precache-manifest"

	"github.com/caarlos0/env/v11"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the env tag of every field.
const EnvPrefix = "ALWAYS_OFFLINE_"

type Config struct {
	Origin string `yaml:"origin" env:"ORIGIN"`
	Port   int    `yaml:"port" env:"PORT"`
	// Cache DB file name, "memory" for an in-memory db.
	DB string `yaml:"db" env:"DB"`
	// Number of stored responses kept decoded in memory.
	MemoSize int `yaml:"memoSize" env:"MEMO_SIZE"`

	Version          string   `yaml:"version" env:"VERSION"`
	Manifest         []string `yaml:"manifest" env:"MANIFEST" envSeparator:","`
	Bypass           []string `yaml:"bypass" env:"BYPASS" envSeparator:","`
	FallbackDocument string   `yaml:"fallbackDocument" env:"FALLBACK_DOCUMENT"`

	ProbePath     string        `yaml:"probePath" env:"PROBE_PATH"`
	ProbeTimeout  time.Duration `yaml:"probeTimeout" env:"PROBE_TIMEOUT"`
	ProbeInterval time.Duration `yaml:"probeInterval" env:"PROBE_INTERVAL"`
	// How often the network interfaces are polled for transport events.
	SignalInterval time.Duration `yaml:"signalInterval" env:"SIGNAL_INTERVAL"`

	RequestTimeout time.Duration `yaml:"requestTimeout" env:"REQUEST_TIMEOUT"`
	MaxUploadBytes int           `yaml:"maxUploadBytes" env:"MAX_UPLOAD_BYTES"`
}

// Default returns the configuration of the photo application this proxy was built for.
// Only the origin has to be provided.
func Default() Config {
	m := manifest.Default()
	return Config{
		Port:             8080,
		DB:               "cache.db",
		MemoSize:         128,
		Version:          m.Version,
		Manifest:         m.Assets,
		Bypass:           bypass.Default(),
		FallbackDocument: "/index.html",
		ProbePath:        "/pictures/logo.png",
		ProbeTimeout:     5 * time.Second,
		ProbeInterval:    30 * time.Second,
		SignalInterval:   time.Second,
		RequestTimeout:   10 * time.Second,
		MaxUploadBytes:   5 * 1024 * 1024,
	}
}

// Load reads the config file, if any, and applies environment overrides.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, xerrors.Errorf("failed to read config %s: %w", filename, err)
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, xerrors.Errorf("failed to parse config %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return config, xerrors.Errorf("failed to parse environment: %w", err)
	}
	return config, nil
}

// Validate checks that the config describes a usable proxy.
func (c Config) Validate() error {
	if c.Origin == "" {
		return xerrors.New("no origin configured")
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return xerrors.Errorf("invalid port %d", c.Port)
	}
	if c.Version == "" {
		return xerrors.New("no version tag configured")
	}
	if err := c.PrecacheManifest().Validate(); err != nil {
		return err
	}
	if !strings.HasPrefix(c.FallbackDocument, "/") {
		return xerrors.Errorf("fallback document %q is not root-relative", c.FallbackDocument)
	}
	if !c.PrecacheManifest().Contains(c.FallbackDocument) {
		return xerrors.Errorf("fallback document %s is not in the manifest", c.FallbackDocument)
	}
	if !strings.HasPrefix(c.ProbePath, "/") {
		return xerrors.Errorf("probe path %q is not root-relative", c.ProbePath)
	}
	if c.SignalInterval <= 0 {
		return xerrors.Errorf("invalid signal interval %s", c.SignalInterval)
	}
	return nil
}

// OriginURL parses the origin, which must be absolute and without a path.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse origin %s: %w", c.Origin, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, xerrors.Errorf("origin %s is not an absolute URL", c.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, xerrors.Errorf("origins with paths are not supported: %s", c.Origin)
	}
	return u, nil
}

// ProbeURL resolves the probe path against the origin.
func (c Config) ProbeURL() (*url.URL, error) {
	origin, err := c.OriginURL()
	if err != nil {
		return nil, err
	}
	return origin.ResolveReference(&url.URL{Path: c.ProbePath}), nil
}

func (c Config) PrecacheManifest() manifest.Manifest {
	return manifest.Manifest{Version: c.Version, Assets: c.Manifest}
}

func (c Config) BypassTable() bypass.Table {
	return bypass.Table(c.Bypass)
}

// Generation is the name of the cache generation for the configured version.
func (c Config) Generation() string {
	return manifest.GenerationName(c.Version)
}
