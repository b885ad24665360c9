package config

// ConfigBackend is the platform store config keys are read from and
// written to. Keys are dotted, e.g. "session.idle_timeout".
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
}
