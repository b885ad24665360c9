package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "R2D_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "remote.base_url", typ: kString, env: "R2D_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.timeout", typ: kDuration, env: "R2D_REMOTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.Timeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "R2D_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.domain", typ: kString, env: "R2D_STORAGE_DOMAIN",
		apply:   func(cfg *Config, v any) { cfg.Storage.Domain = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Domain },
	},
	{
		key: "session.idle_timeout", typ: kDuration, env: "R2D_SESSION_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Session.IdleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.IdleTimeout },
	},
	{
		key: "session.warning_duration", typ: kDuration, env: "R2D_SESSION_WARNING_DURATION",
		apply:   func(cfg *Config, v any) { cfg.Session.WarningDuration = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.WarningDuration },
	},
	{
		key: "session.activity_debounce", typ: kDuration, env: "R2D_SESSION_ACTIVITY_DEBOUNCE",
		apply:   func(cfg *Config, v any) { cfg.Session.ActivityDebounce = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.ActivityDebounce },
	},
	{
		key: "session.refresh_ratio", typ: kFloat, env: "R2D_SESSION_REFRESH_RATIO",
		apply:   func(cfg *Config, v any) { cfg.Session.RefreshRatio = v.(float64) },
		extract: func(cfg Config) any { return cfg.Session.RefreshRatio },
	},
	{
		key: "sync.interval", typ: kDuration, env: "R2D_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.retention", typ: kDuration, env: "R2D_SYNC_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Sync.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Retention },
	},
	{
		key: "jobs.model", typ: kString, env: "R2D_JOBS_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Jobs.Model },
	},
	{
		key: "jobs.diagram_model", typ: kString, env: "R2D_JOBS_DIAGRAM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.DiagramModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Jobs.DiagramModel },
	},
	{
		key: "limits.feature", typ: kInt, env: "R2D_LIMITS_FEATURE",
		apply:   func(cfg *Config, v any) { cfg.Limits.Feature = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.Feature },
	},
	{
		key: "limits.sub_feature", typ: kInt, env: "R2D_LIMITS_SUB_FEATURE",
		apply:   func(cfg *Config, v any) { cfg.Limits.SubFeature = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.SubFeature },
	},
	{
		key: "limits.requirement", typ: kInt, env: "R2D_LIMITS_REQUIREMENT",
		apply:   func(cfg *Config, v any) { cfg.Limits.Requirement = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.Requirement },
	},
	{
		key: "limits.acceptance_criteria", typ: kInt, env: "R2D_LIMITS_ACCEPTANCE_CRITERIA",
		apply:   func(cfg *Config, v any) { cfg.Limits.AcceptanceCriteria = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.AcceptanceCriteria },
	},
	{
		key: "limits.additional_information", typ: kInt, env: "R2D_LIMITS_ADDITIONAL_INFORMATION",
		apply:   func(cfg *Config, v any) { cfg.Limits.AdditionalInformation = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.AdditionalInformation },
	},
	{
		key: "upload.max_bytes", typ: kInt, env: "R2D_UPLOAD_MAX_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Upload.MaxBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Upload.MaxBytes },
	},
	{
		key: "log.level", typ: kString, env: "R2D_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a raw string into the value type of the key.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := s.parse(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
