package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/tabjump/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	SocketPath    string         `mapstructure:"socket_path" yaml:"socket_path"`
	PidPath       string         `mapstructure:"pid_path" yaml:"pid_path"`
	Shortcut      ShortcutConfig `mapstructure:"shortcut" yaml:"shortcut"`
	Schemes       SchemesConfig  `mapstructure:"schemes" yaml:"schemes"`
	Timing        TimingConfig   `mapstructure:"timing" yaml:"timing"`
	Browser       BrowserConfig  `mapstructure:"browser" yaml:"browser"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ShortcutConfig controls how shortcuts are recognized.
type ShortcutConfig struct {
	CommandPrefix string   `mapstructure:"command_prefix" yaml:"command_prefix"`
	Modifiers     []string `mapstructure:"modifiers" yaml:"modifiers"`
}

// SchemesConfig controls which tabs may receive an agent.
type SchemesConfig struct {
	Allow []string `mapstructure:"allow" yaml:"allow"`
	Deny  []string `mapstructure:"deny" yaml:"deny"`
}

// TimingConfig holds delays in milliseconds. Zero means no delay.
type TimingConfig struct {
	StartupGraceMS      int `mapstructure:"startup_grace_ms" yaml:"startup_grace_ms"`
	PostInjectMS        int `mapstructure:"post_inject_ms" yaml:"post_inject_ms"`
	RetryMS             int `mapstructure:"retry_ms" yaml:"retry_ms"`
	RequestTimeoutMS    int `mapstructure:"request_timeout_ms" yaml:"request_timeout_ms"`
	CreatedDebounceMS   int `mapstructure:"created_debounce_ms" yaml:"created_debounce_ms"`
	RemovedDebounceMS   int `mapstructure:"removed_debounce_ms" yaml:"removed_debounce_ms"`
	UpdatedDebounceMS   int `mapstructure:"updated_debounce_ms" yaml:"updated_debounce_ms"`
	ActivatedDebounceMS int `mapstructure:"activated_debounce_ms" yaml:"activated_debounce_ms"`
}

// BrowserConfig selects the browser the daemon drives.
type BrowserConfig struct {
	RemoteURL      string `mapstructure:"remote_url" yaml:"remote_url"`
	Headless       bool   `mapstructure:"headless" yaml:"headless"`
	ExecPath       string `mapstructure:"exec_path" yaml:"exec_path"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		SocketPath:    filepath.Join(home, ".tabjump", "tabjump.sock"),
		PidPath:       filepath.Join(home, ".tabjump", "tabjump.pid"),
		Shortcut: ShortcutConfig{
			CommandPrefix: schema.DefaultCommandPrefix,
			Modifiers:     append([]string(nil), schema.DefaultModifiers...),
		},
		Schemes: SchemesConfig{
			Allow: append([]string(nil), schema.DefaultAllowSchemes...),
			Deny:  append([]string(nil), schema.DefaultDenySchemes...),
		},
		Timing: TimingConfig{
			StartupGraceMS:      int(schema.DefaultStartupGrace / time.Millisecond),
			PostInjectMS:        int(schema.DefaultPostInjectDelay / time.Millisecond),
			RetryMS:             int(schema.DefaultRetryDelay / time.Millisecond),
			RequestTimeoutMS:    int(schema.DefaultRequestTimeout / time.Millisecond),
			CreatedDebounceMS:   int(schema.DefaultCreatedDebounce / time.Millisecond),
			RemovedDebounceMS:   int(schema.DefaultRemovedDebounce / time.Millisecond),
			UpdatedDebounceMS:   int(schema.DefaultUpdatedDebounce / time.Millisecond),
			ActivatedDebounceMS: int(schema.DefaultActivatedDebounce / time.Millisecond),
		},
		Browser: BrowserConfig{
			RemoteURL:      "",
			Headless:       false,
			ExecPath:       "",
			TimeoutSeconds: 30,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tabjump", "config.yaml"), nil
}

// CoordinatorConfig converts the file settings to coordinator settings.
func (c Config) CoordinatorConfig() schema.CoordinatorConfig {
	return schema.CoordinatorConfig{
		CommandPrefix:   c.Shortcut.CommandPrefix,
		AllowSchemes:    c.Schemes.Allow,
		DenySchemes:     c.Schemes.Deny,
		StartupGrace:    millis(c.Timing.StartupGraceMS),
		PostInjectDelay: millis(c.Timing.PostInjectMS),
		RetryDelay:      millis(c.Timing.RetryMS),
		Debounce: schema.DebounceConfig{
			Created:   millis(c.Timing.CreatedDebounceMS),
			Removed:   millis(c.Timing.RemovedDebounceMS),
			Updated:   millis(c.Timing.UpdatedDebounceMS),
			Activated: millis(c.Timing.ActivatedDebounceMS),
		},
	}
}

// AgentConfig converts the file settings to agent settings.
func (c Config) AgentConfig() schema.AgentConfig {
	return schema.AgentConfig{Modifiers: c.Shortcut.Modifiers}
}

// RequestTimeout returns how long a coordinator request waits for an agent.
func (c Config) RequestTimeout() time.Duration {
	if c.Timing.RequestTimeoutMS <= 0 {
		return schema.DefaultRequestTimeout
	}
	return time.Duration(c.Timing.RequestTimeoutMS) * time.Millisecond
}

// BrowserTimeout bounds browser startup and connection.
func (c Config) BrowserTimeout() time.Duration {
	if c.Browser.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Browser.TimeoutSeconds) * time.Second
}

// millis maps an explicit zero to a negative duration, which the schema
// normalizers read as "no delay" instead of "use the default".
func millis(ms int) time.Duration {
	if ms <= 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}
