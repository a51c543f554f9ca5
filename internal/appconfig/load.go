package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("socket_path", cfg.SocketPath)
	v.SetDefault("pid_path", cfg.PidPath)
	v.SetDefault("shortcut.command_prefix", cfg.Shortcut.CommandPrefix)
	v.SetDefault("shortcut.modifiers", cfg.Shortcut.Modifiers)
	v.SetDefault("schemes.allow", cfg.Schemes.Allow)
	v.SetDefault("schemes.deny", cfg.Schemes.Deny)
	v.SetDefault("timing.startup_grace_ms", cfg.Timing.StartupGraceMS)
	v.SetDefault("timing.post_inject_ms", cfg.Timing.PostInjectMS)
	v.SetDefault("timing.retry_ms", cfg.Timing.RetryMS)
	v.SetDefault("timing.request_timeout_ms", cfg.Timing.RequestTimeoutMS)
	v.SetDefault("timing.created_debounce_ms", cfg.Timing.CreatedDebounceMS)
	v.SetDefault("timing.removed_debounce_ms", cfg.Timing.RemovedDebounceMS)
	v.SetDefault("timing.updated_debounce_ms", cfg.Timing.UpdatedDebounceMS)
	v.SetDefault("timing.activated_debounce_ms", cfg.Timing.ActivatedDebounceMS)
	v.SetDefault("browser.remote_url", cfg.Browser.RemoteURL)
	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.exec_path", cfg.Browser.ExecPath)
	v.SetDefault("browser.timeout_seconds", cfg.Browser.TimeoutSeconds)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.SocketPath) == "" {
		return fmt.Errorf("socket_path is required")
	}
	if strings.TrimSpace(cfg.Shortcut.CommandPrefix) == "" {
		return fmt.Errorf("shortcut.command_prefix must not be empty")
	}
	for _, mod := range cfg.Shortcut.Modifiers {
		switch strings.ToLower(strings.TrimSpace(mod)) {
		case "meta", "ctrl", "alt", "shift":
		default:
			return fmt.Errorf("unsupported shortcut modifier %q", mod)
		}
	}
	if len(cfg.Schemes.Allow) == 0 {
		return fmt.Errorf("schemes.allow must list at least one scheme")
	}
	for key, ms := range map[string]int{
		"timing.startup_grace_ms":      cfg.Timing.StartupGraceMS,
		"timing.post_inject_ms":        cfg.Timing.PostInjectMS,
		"timing.retry_ms":              cfg.Timing.RetryMS,
		"timing.request_timeout_ms":    cfg.Timing.RequestTimeoutMS,
		"timing.created_debounce_ms":   cfg.Timing.CreatedDebounceMS,
		"timing.removed_debounce_ms":   cfg.Timing.RemovedDebounceMS,
		"timing.updated_debounce_ms":   cfg.Timing.UpdatedDebounceMS,
		"timing.activated_debounce_ms": cfg.Timing.ActivatedDebounceMS,
	} {
		if ms < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	remote := strings.TrimSpace(cfg.Browser.RemoteURL)
	if remote != "" {
		parsed, err := url.Parse(remote)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("browser.remote_url must include scheme and host (e.g. ws://127.0.0.1:9222)")
		}
		switch parsed.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("browser.remote_url scheme %q is not supported", parsed.Scheme)
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.SocketPath = expandEnv(cfg.SocketPath)
	cfg.PidPath = expandEnv(cfg.PidPath)
	cfg.Browser.ExecPath = expandEnv(cfg.Browser.ExecPath)
	cfg.Browser.RemoteURL = expandEnv(cfg.Browser.RemoteURL)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
