package schema

import (
	"strings"
	"time"
)

// Default timings recovered from the browser extension this protocol comes from.
const (
	DefaultCommandPrefix     = "switch-to-tab-"
	DefaultStartupGrace      = time.Second
	DefaultPostInjectDelay   = 500 * time.Millisecond
	DefaultRetryDelay        = 200 * time.Millisecond
	DefaultRequestTimeout    = time.Second
	DefaultCreatedDebounce   = 500 * time.Millisecond
	DefaultRemovedDebounce   = 100 * time.Millisecond
	DefaultUpdatedDebounce   = 100 * time.Millisecond
	DefaultActivatedDebounce = 0
)

// DefaultAllowSchemes lists the URL schemes an agent may be injected into.
var DefaultAllowSchemes = []string{"http", "https", "file"}

// DefaultDenySchemes lists internal or privileged schemes that never get an agent.
var DefaultDenySchemes = []string{"chrome", "chrome-extension", "edge", "about", "devtools", "view-source"}

// DefaultModifiers lists the keys that count as the shortcut modifier.
var DefaultModifiers = []string{"meta", "ctrl"}

// CoordinatorConfig controls coordinator behavior.
type CoordinatorConfig struct {
	CommandPrefix   string
	AllowSchemes    []string
	DenySchemes     []string
	StartupGrace    time.Duration
	PostInjectDelay time.Duration
	RetryDelay      time.Duration
	Debounce        DebounceConfig
}

// DebounceConfig holds the refresh delay applied per lifecycle event.
type DebounceConfig struct {
	Created   time.Duration
	Removed   time.Duration
	Updated   time.Duration
	Activated time.Duration
}

// AgentConfig controls agent behavior.
type AgentConfig struct {
	// Modifiers is the set of modifier keys ("meta", "ctrl", "alt", "shift") that arm the overlay.
	Modifiers []string
}

// NormalizeCoordinatorConfig applies defaults. Zero durations other than the
// activated debounce are replaced by their defaults; negative ones become zero.
func NormalizeCoordinatorConfig(cfg CoordinatorConfig) CoordinatorConfig {
	if strings.TrimSpace(cfg.CommandPrefix) == "" {
		cfg.CommandPrefix = DefaultCommandPrefix
	}
	if len(cfg.AllowSchemes) == 0 {
		cfg.AllowSchemes = append([]string(nil), DefaultAllowSchemes...)
	}
	if cfg.DenySchemes == nil {
		cfg.DenySchemes = append([]string(nil), DefaultDenySchemes...)
	}
	cfg.AllowSchemes = normalizeSchemes(cfg.AllowSchemes)
	cfg.DenySchemes = normalizeSchemes(cfg.DenySchemes)
	cfg.StartupGrace = durationOr(cfg.StartupGrace, DefaultStartupGrace)
	cfg.PostInjectDelay = durationOr(cfg.PostInjectDelay, DefaultPostInjectDelay)
	cfg.RetryDelay = durationOr(cfg.RetryDelay, DefaultRetryDelay)
	cfg.Debounce.Created = durationOr(cfg.Debounce.Created, DefaultCreatedDebounce)
	cfg.Debounce.Removed = durationOr(cfg.Debounce.Removed, DefaultRemovedDebounce)
	cfg.Debounce.Updated = durationOr(cfg.Debounce.Updated, DefaultUpdatedDebounce)
	if cfg.Debounce.Activated < 0 {
		cfg.Debounce.Activated = 0
	}
	return cfg
}

// NormalizeAgentConfig applies defaults.
func NormalizeAgentConfig(cfg AgentConfig) AgentConfig {
	mods := make([]string, 0, len(cfg.Modifiers))
	for _, mod := range cfg.Modifiers {
		mod = strings.ToLower(strings.TrimSpace(mod))
		switch mod {
		case "meta", "ctrl", "alt", "shift":
			mods = append(mods, mod)
		}
	}
	if len(mods) == 0 {
		mods = append(mods, DefaultModifiers...)
	}
	cfg.Modifiers = mods
	return cfg
}

func normalizeSchemes(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		v = strings.TrimSuffix(v, "://")
		v = strings.TrimSuffix(v, ":")
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value < 0 {
		return 0
	}
	if value == 0 {
		return fallback
	}
	return value
}
