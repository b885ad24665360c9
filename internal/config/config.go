package config

import (
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	Server  ServerConfig
	Remote  RemoteConfig
	Storage StorageConfig
	Session SessionConfig
	Sync    SyncConfig
	Jobs    JobsConfig
	Limits  LimitsConfig
	Upload  UploadConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration
}

type StorageConfig struct {
	DataDir string
	// Domain names the per-site database. Empty means the remote host.
	Domain string
}

type SessionConfig struct {
	IdleTimeout      time.Duration
	WarningDuration  time.Duration
	ActivityDebounce time.Duration
	RefreshRatio     float64
}

type SyncConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

type JobsConfig struct {
	Model        string
	DiagramModel string
}

// LimitsConfig holds the per-field word ceilings for uploaded items.
type LimitsConfig struct {
	Feature               int
	SubFeature            int
	Requirement           int
	AcceptanceCriteria    int
	AdditionalInformation int
}

type UploadConfig struct {
	MaxBytes int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Session: SessionConfig{
			IdleTimeout:      15 * time.Minute,
			WarningDuration:  60 * time.Second,
			ActivityDebounce: 500 * time.Millisecond,
			RefreshRatio:     0.8,
		},
		Sync: SyncConfig{
			Interval:  time.Minute,
			Retention: 7 * 24 * time.Hour,
		},
		Jobs: JobsConfig{
			Model:        "gpt-4o-mini",
			DiagramModel: "mermaid",
		},
		Limits: LimitsConfig{
			Feature:               15,
			SubFeature:            15,
			Requirement:           250,
			AcceptanceCriteria:    250,
			AdditionalInformation: 250,
		},
		Upload: UploadConfig{
			MaxBytes: 5 << 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and
// environment variables.
//
// On macOS the backend is UserDefaults (domain: com.r2d.app).
// On Linux the backend is a YAML file at $XDG_CONFIG_HOME/r2d/config.yaml.
//
// Environment variables (R2D_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid config: remote.base_url %q is not an absolute URL", c.Remote.BaseURL)
	}
	if c.Session.WarningDuration >= c.Session.IdleTimeout {
		return fmt.Errorf("invalid config: session.warning_duration %s must be shorter than session.idle_timeout %s",
			c.Session.WarningDuration, c.Session.IdleTimeout)
	}
	if c.Session.RefreshRatio <= 0 || c.Session.RefreshRatio >= 1 {
		return fmt.Errorf("invalid config: session.refresh_ratio %v must be between 0 and 1", c.Session.RefreshRatio)
	}
	return nil
}

// StorageDomain returns the configured storage domain, falling back to the
// host of the remote base URL.
func (c Config) StorageDomain() string {
	if c.Storage.Domain != "" {
		return c.Storage.Domain
	}
	if u, err := url.Parse(c.Remote.BaseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return "default"
}
