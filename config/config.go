package config

import (
	"os"
	"path/filepath"

	"github.com/parley-dev/parley/errors"
	"gopkg.in/yaml.v3"
)

// FilesystemAccess restricts what the filesystem tools may touch.
// Patterns are doublestar globs.
type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// MCPServer describes an MCP server subprocess that contributes tools.
type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Toolset names a subset of registered tools a session may use.
type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// ShellPolicy configures the shell safety gate.
type ShellPolicy struct {
	// AllowedCommands are regex patterns pre-approved for unattended
	// execution, in addition to per-session grants.
	AllowedCommands []string `yaml:"allowed_commands"`
	// TimeoutSeconds is the hard wall-clock limit per command.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// HistorySize bounds the executed-command recall buffer.
	HistorySize int `yaml:"history_size"`
}

// ThinkingPolicy controls how reasoning spans are parsed and replayed.
type ThinkingPolicy struct {
	// Replay re-inlines reasoning text into the history sent back to the
	// model on later turns. Off by default.
	Replay     bool   `yaml:"replay"`
	OpenMarker string `yaml:"open_marker"`
	CloseMarker string `yaml:"close_marker"`
}

// TurnPolicy bounds a single turn of the agent loop.
type TurnPolicy struct {
	// MaxToolRounds caps model→tool→model iterations within one turn.
	MaxToolRounds int `yaml:"max_tool_rounds"`
	// StreamIdleSeconds fails a stream that delivers no bytes for this long.
	StreamIdleSeconds int `yaml:"stream_idle_seconds"`
}

// Logging configures the debug log sink.
type Logging struct {
	Debug bool   `yaml:"debug"`
	Dir   string `yaml:"dir"`
}

type Config struct {
	LLMClient            string           `yaml:"llm"`
	Model                string           `yaml:"model"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
	Shell                ShellPolicy      `yaml:"shell"`
	Thinking             ThinkingPolicy   `yaml:"thinking"`
	Turn                 TurnPolicy       `yaml:"turn"`
	Logging              Logging          `yaml:"logging"`
}

const (
	defaultShellTimeoutSeconds = 120
	defaultHistorySize         = 100
	defaultMaxToolRounds       = 8
	defaultStreamIdleSeconds   = 90
	defaultOpenMarker          = "<think>"
	defaultCloseMarker         = "</think>"
)

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// The profile directory itself is never exposed to tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".parley", ".parley/**")

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".parley", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".parley", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, so the project
	// config replaces user-level values wholesale.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.Shell.TimeoutSeconds <= 0 {
		c.Shell.TimeoutSeconds = defaultShellTimeoutSeconds
	}
	if c.Shell.HistorySize <= 0 {
		c.Shell.HistorySize = defaultHistorySize
	}
	if c.Turn.MaxToolRounds <= 0 {
		c.Turn.MaxToolRounds = defaultMaxToolRounds
	}
	if c.Turn.StreamIdleSeconds <= 0 {
		c.Turn.StreamIdleSeconds = defaultStreamIdleSeconds
	}
	if c.Thinking.OpenMarker == "" {
		c.Thinking.OpenMarker = defaultOpenMarker
	}
	if c.Thinking.CloseMarker == "" {
		c.Thinking.CloseMarker = defaultCloseMarker
	}
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided. When no toolsets
// are configured at all, a built-in default covering the local tools is
// returned.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		if len(c.Toolsets) == 0 {
			return &Toolset{
				Name:  "default",
				Tools: []string{"read_file", "write_file", "list_dir", "run_command"},
			}, nil
		}
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	return c.GetToolset("default")
}
