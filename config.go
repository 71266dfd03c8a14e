package dcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/goccy/go-yaml"
)

const (
	// DefaultPruneAgeTurns is the minimum age, in turns, before a completed
	// tool call becomes eligible for pruning.
	DefaultPruneAgeTurns = 1

	// DefaultBytesPerToken is the fixed serialization-bytes-per-token ratio
	// used for all token estimates. No attempt is made to match a specific
	// tokenizer; decisions must hold within roughly 15% of the host's count.
	DefaultBytesPerToken = 4

	// DefaultNudgeInterval is how many skipped pruning opportunities
	// accumulate in manual mode before the rewriter appends a compress
	// reminder.
	DefaultNudgeInterval = 10
)

// Config holds the engine's knobs. The zero value is not usable; start from
// DefaultConfig or LoadConfig.
type Config struct {
	// StorageDir is where per-session state files live. Empty means the
	// XDG default, resolved once at engine construction.
	StorageDir string `yaml:"storage_dir,omitempty" json:"storage_dir,omitempty"`

	// PruneAgeTurns is the age threshold K: a tool call is pruneable once
	// it is at least K turns old.
	PruneAgeTurns int `yaml:"prune_age_turns,omitempty" json:"prune_age_turns,omitempty"`

	// BytesPerToken is the token estimation ratio.
	BytesPerToken int `yaml:"bytes_per_token,omitempty" json:"bytes_per_token,omitempty"`

	// ManualMode restricts pruning to explicit compress/prune tool calls.
	ManualMode bool `yaml:"manual_mode,omitempty" json:"manual_mode,omitempty"`

	// NudgeInterval controls compress reminders in manual mode. Zero means
	// the default; negative disables nudging.
	NudgeInterval int `yaml:"nudge_interval,omitempty" json:"nudge_interval,omitempty"`

	// ProtectedTools are glob patterns for tool names that must never be
	// pruned (e.g. "todo*", "*_plan").
	ProtectedTools []string `yaml:"protected_tools,omitempty" json:"protected_tools,omitempty"`

	// IgnoredMessagePatterns are glob patterns matched against user message
	// text; matches are treated as internally generated and skipped by the
	// rewriter, in addition to messages the host marks synthetic.
	IgnoredMessagePatterns []string `yaml:"ignored_message_patterns,omitempty" json:"ignored_message_patterns,omitempty"`

	// LogLevel is the minimum level for the engine's logger when the host
	// does not supply one ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level,omitempty" json:"log_level,omitempty"`

	protected []glob.Glob
	ignored   []glob.Glob
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		PruneAgeTurns: DefaultPruneAgeTurns,
		BytesPerToken: DefaultBytesPerToken,
		NudgeInterval: DefaultNudgeInterval,
	}
}

// LoadConfig reads a Config from a YAML or JSON file, selected by extension.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yml", ".yaml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the Config to a YAML or JSON file, selected by extension.
func (c *Config) Save(path string) error {
	var data []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	case ".yml", ".yaml":
		data, err = yaml.Marshal(c)
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyDefaults() {
	if c.PruneAgeTurns <= 0 {
		c.PruneAgeTurns = DefaultPruneAgeTurns
	}
	if c.BytesPerToken <= 0 {
		c.BytesPerToken = DefaultBytesPerToken
	}
	if c.NudgeInterval == 0 {
		c.NudgeInterval = DefaultNudgeInterval
	}
}

// compile builds the glob matchers. Invalid patterns are an error at load
// time rather than a silent no-match at prune time.
func (c *Config) compile() error {
	c.protected = nil
	for _, pattern := range c.ProtectedTools {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid protected_tools pattern %q: %w", pattern, err)
		}
		c.protected = append(c.protected, g)
	}
	c.ignored = nil
	for _, pattern := range c.IgnoredMessagePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid ignored_message_patterns pattern %q: %w", pattern, err)
		}
		c.ignored = append(c.ignored, g)
	}
	return nil
}

// ToolProtected reports whether a tool name matches a protected pattern.
func (c *Config) ToolProtected(tool string) bool {
	for _, g := range c.protected {
		if g.Match(tool) {
			return true
		}
	}
	return false
}

// MessageIgnoredByPattern reports whether user message text matches an
// ignored pattern.
func (c *Config) MessageIgnoredByPattern(text string) bool {
	for _, g := range c.ignored {
		if g.Match(text) {
			return true
		}
	}
	return false
}
