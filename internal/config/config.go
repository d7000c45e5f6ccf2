package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general" yaml:"general"`
	Web           WebConfig           `toml:"web" yaml:"web"`
	Notifications NotificationsConfig `toml:"notifications" yaml:"notifications"`
	LLM           LLMConfig           `toml:"llm" yaml:"llm"`
	Scripts       []ScriptConfig      `toml:"scripts" yaml:"scripts"`
	Queues        []QueueConfig       `toml:"queues" yaml:"queues"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DataDir      string `toml:"data_dir" yaml:"data_dir"`
	HistoryDir   string `toml:"history_dir" yaml:"history_dir"`
	DatabasePath string `toml:"database_path" yaml:"database_path"`
	LogLevel     string `toml:"log_level" yaml:"log_level"`
	LogFormat    string `toml:"log_format" yaml:"log_format"`
	OSWorkers    int    `toml:"os_workers" yaml:"os_workers"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port int    `toml:"port" yaml:"port"`
	Host string `toml:"host" yaml:"host"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop" yaml:"desktop"`
	SlackWebhook string `toml:"slack_webhook" yaml:"slack_webhook"`
	WebhookURL   string `toml:"webhook_url" yaml:"webhook_url"`
}

// LLMConfig holds settings for the optional log judge
type LLMConfig struct {
	Enabled           bool   `toml:"enabled" yaml:"enabled"`
	Provider          string `toml:"provider" yaml:"provider"`
	BaseURL           string `toml:"base_url" yaml:"base_url"`
	APIKey            string `toml:"api_key" yaml:"api_key"`
	Model             string `toml:"model" yaml:"model"`
	TimeoutSeconds    int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries        int    `toml:"max_retries" yaml:"max_retries"`
	RequestsPerMinute int    `toml:"requests_per_minute" yaml:"requests_per_minute"`
}

// DeviceConfig selects and parameterises the device driver of a script
type DeviceConfig struct {
	Driver   string `toml:"driver" yaml:"driver"`
	Index    int    `toml:"index" yaml:"index"`
	Path     string `toml:"path" yaml:"path"`
	Package  string `toml:"package" yaml:"package"`
	BootWait int    `toml:"boot_wait" yaml:"boot_wait"`
	// Hidden hides the emulator window once it has booted.
	Hidden   bool   `toml:"hidden" yaml:"hidden"`
}

// ScriptConfig describes one automation tool installation and its users
type ScriptConfig struct {
	ID                 string       `toml:"id" yaml:"id"`
	Name               string       `toml:"name" yaml:"name"`
	Kind               string       `toml:"kind" yaml:"kind"`
	RootPath           string       `toml:"root_path" yaml:"root_path"`
	ExePath            string       `toml:"exe_path" yaml:"exe_path"`
	Args               []string     `toml:"args" yaml:"args"`
	LogPath            string       `toml:"log_path" yaml:"log_path"`
	LogTimeFormat      string       `toml:"log_time_format" yaml:"log_time_format"`
	LogTimeStart       int          `toml:"log_time_start" yaml:"log_time_start"`
	LogTimeEnd         int          `toml:"log_time_end" yaml:"log_time_end"`
	ToolConfigPath     string       `toml:"tool_config_path" yaml:"tool_config_path"`
	TrackProcess       string       `toml:"track_process" yaml:"track_process"`
	RunTimesLimit      int          `toml:"run_times_limit" yaml:"run_times_limit"`
	ProxyTimesLimit    int          `toml:"proxy_times_limit" yaml:"proxy_times_limit"`
	IntensiveTimeLimit int          `toml:"intensive_time_limit" yaml:"intensive_time_limit"`
	RoutineTimeLimit   int          `toml:"routine_time_limit" yaml:"routine_time_limit"`
	SuccessMarkers     []string     `toml:"success_markers" yaml:"success_markers"`
	FailureMarkers     []string     `toml:"failure_markers" yaml:"failure_markers"`
	UpdateURL          string       `toml:"update_url" yaml:"update_url"`
	Version            string       `toml:"version" yaml:"version"`
	Device             DeviceConfig `toml:"device" yaml:"device"`
	Users              []UserConfig `toml:"users" yaml:"users"`
}

// UserConfig is one account driven by a script
type UserConfig struct {
	ID           string   `toml:"id" yaml:"id"`
	Name         string   `toml:"name" yaml:"name"`
	Mode         string   `toml:"mode" yaml:"mode"`
	Disabled     bool     `toml:"disabled" yaml:"disabled"`
	Priority     int      `toml:"priority" yaml:"priority"`
	RemainedDays *int     `toml:"remained_days,omitempty" yaml:"remained_days,omitempty"`
	Server       string   `toml:"server" yaml:"server"`
	Account      string   `toml:"account" yaml:"account"`
	Stage        string   `toml:"stage" yaml:"stage"`
	Tasks        []string `toml:"tasks" yaml:"tasks"`
	Intensive    bool     `toml:"intensive" yaml:"intensive"`
	SkipRoutine  bool     `toml:"skip_routine" yaml:"skip_routine"`
	Notes        string   `toml:"notes" yaml:"notes"`
	Data         UserData `toml:"data" yaml:"data"`
}

// Expired reports whether the user's remaining days ran out. Users without
// a remaining-days setting never expire.
func (u UserConfig) Expired() bool {
	return u.RemainedDays != nil && *u.RemainedDays <= 0
}

// QueueConfig is an ordered list of scripts dispatched together
type QueueConfig struct {
	ID      string   `toml:"id" yaml:"id"`
	Name    string   `toml:"name" yaml:"name"`
	Enabled bool     `toml:"enabled" yaml:"enabled"`
	Scripts []string `toml:"scripts" yaml:"scripts"`
	Timers  []string `toml:"timers" yaml:"timers"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".automas")
	return &Config{
		General: GeneralConfig{
			DataDir:      filepath.Join(base, "data"),
			HistoryDir:   filepath.Join(base, "history"),
			DatabasePath: filepath.Join(base, "automas.db"),
			LogLevel:     "info",
			LogFormat:    "console",
			OSWorkers:    4,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		LLM: LLMConfig{
			Provider:          "openai",
			BaseURL:           "https://api.openai.com/v1",
			TimeoutSeconds:    30,
			MaxRetries:        2,
			RequestsPerMinute: 10,
		},
	}
}

// Load reads configuration from a TOML or YAML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.HistoryDir = ExpandPath(cfg.General.HistoryDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	for i := range cfg.Scripts {
		cfg.Scripts[i].RootPath = ExpandPath(cfg.Scripts[i].RootPath)
		cfg.Scripts[i].applyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration atomically, in the format implied by the extension
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = toml.Marshal(c)
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Validate checks ids are unique and references resolve
func (c *Config) Validate() error {
	seen := make(map[string]string)
	claim := func(id, what string) error {
		if id == "" {
			return fmt.Errorf("%w: %s without id", domain.ErrValidation, what)
		}
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("%w: id %q used by both %s and %s", domain.ErrValidation, id, prev, what)
		}
		seen[id] = what
		return nil
	}

	for _, s := range c.Scripts {
		if err := claim(s.ID, "script"); err != nil {
			return err
		}
		switch domain.ScriptKind(s.Kind) {
		case domain.KindMAA, domain.KindGeneral:
		default:
			return fmt.Errorf("%w: script %s has unknown kind %q", domain.ErrValidation, s.ID, s.Kind)
		}
		for _, u := range s.Users {
			if err := claim(u.ID, "user of "+s.ID); err != nil {
				return err
			}
		}
	}
	for _, q := range c.Queues {
		if err := claim(q.ID, "queue"); err != nil {
			return err
		}
		for _, sid := range q.Scripts {
			if seen[sid] != "script" {
				return fmt.Errorf("%w: queue %s references unknown script %q", domain.ErrValidation, q.ID, sid)
			}
		}
	}
	return nil
}

func (s *ScriptConfig) applyDefaults() {
	if s.Kind == "" {
		s.Kind = string(domain.KindMAA)
	}
	if s.RunTimesLimit <= 0 {
		s.RunTimesLimit = 3
	}
	if s.IntensiveTimeLimit <= 0 {
		s.IntensiveTimeLimit = 40
	}
	if s.RoutineTimeLimit <= 0 {
		s.RoutineTimeLimit = 60
	}
	if s.Device.Driver == "" {
		s.Device.Driver = "none"
	}
	if s.LogTimeFormat == "" {
		s.LogTimeFormat = "2006-01-02 15:04:05"
		if s.LogTimeStart == 0 && s.LogTimeEnd == 0 {
			s.LogTimeStart, s.LogTimeEnd = 1, 20
		}
	}
	if domain.ScriptKind(s.Kind) == domain.KindMAA && s.RootPath != "" {
		if s.ExePath == "" {
			s.ExePath = filepath.Join(s.RootPath, "MAA.exe")
		}
		if s.LogPath == "" {
			s.LogPath = filepath.Join(s.RootPath, "debug", "gui.log")
		}
		if s.ToolConfigPath == "" {
			s.ToolConfigPath = filepath.Join(s.RootPath, "config", "gui.json")
		}
	}
	for i := range s.Users {
		if s.Users[i].Mode == "" {
			s.Users[i].Mode = string(domain.UserSimple)
		}
		if s.Users[i].Name == "" {
			s.Users[i].Name = s.Users[i].ID
		}
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "automas", "config.toml")
}
