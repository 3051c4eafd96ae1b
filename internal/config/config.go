// Package config loads the agent configuration from a TOML file and the
// EDGE_AGENT_* environment. A .env file, when present, is loaded first and
// never overrides variables already set in the real environment; explicit
// environment always wins over the file.
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DeviceID        string   `mapstructure:"device_id"`
	StatusPort      int      `mapstructure:"status_port"`
	ChildStatusPort int      `mapstructure:"child_status_port"`
	Autostart       bool     `mapstructure:"autostart"`
	ClassesFilter   []string `mapstructure:"classes_filter"`
	ChildCommand    string   `mapstructure:"child_command"`
	ChildArgs       []string `mapstructure:"child_args"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	AI      AIConfig      `mapstructure:"ai"`
	FSM     FSMConfig     `mapstructure:"fsm"`
	Store   StoreConfig   `mapstructure:"store"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Manager ManagerConfig `mapstructure:"manager"`
}

// AIConfig drives the feeder and the worker transport.
type AIConfig struct {
	Addr                string  `mapstructure:"addr"`
	Model               string  `mapstructure:"model"`
	Width               int     `mapstructure:"width"`
	Height              int     `mapstructure:"height"`
	MaxInflight         int     `mapstructure:"max_inflight"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	Policy              string  `mapstructure:"policy"`
	PreferredFormat     string  `mapstructure:"preferred_format"`
	FpsIdle             float64 `mapstructure:"fps_idle"`
	FpsActive           float64 `mapstructure:"fps_active"`
}

// FSMConfig holds the session lifecycle timer windows.
type FSMConfig struct {
	DwellMs    int `mapstructure:"dwell_ms"`
	SilenceMs  int `mapstructure:"silence_ms"`
	PostrollMs int `mapstructure:"postroll_ms"`
}

// StoreConfig points the agent at the session store.
type StoreConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

// StreamConfig identifies the camera source and the media-server feeds.
type StreamConfig struct {
	Path      string `mapstructure:"path"`
	Source    string `mapstructure:"source"`
	LiveURL   string `mapstructure:"live_url"`
	RecordURL string `mapstructure:"record_url"`
}

// ManagerConfig configures the supervisor process.
type ManagerConfig struct {
	DataDir        string `mapstructure:"data_dir"`
	CatalogPath    string `mapstructure:"catalog_path"`
	StopTimeoutMs  int    `mapstructure:"stop_timeout_ms"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
}

func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "edge"
	}
	return &Config{
		DeviceID:        hostname,
		StatusPort:      7080,
		ChildStatusPort: 7081,
		ClassesFilter:   []string{"person"},
		ChildArgs:       []string{"run"},
		LogLevel:        "info",
		LogFormat:       "text",
		LogMaxSizeMB:    50,
		LogMaxBackups:   3,
		AI: AIConfig{
			Addr:                "127.0.0.1:8790",
			Model:               "yolo",
			Width:               640,
			Height:              640,
			MaxInflight:         4,
			ConfidenceThreshold: 0.5,
			Policy:              "LATEST_WINS",
			PreferredFormat:     "rgb",
			FpsIdle:             2.0,
			FpsActive:           6.0,
		},
		FSM: FSMConfig{
			DwellMs:    2000,
			SilenceMs:  5000,
			PostrollMs: 3000,
		},
		Store: StoreConfig{
			BaseURL:   "http://127.0.0.1:8080",
			TimeoutMs: 5000,
		},
		Stream: StreamConfig{
			Path: "cam",
		},
		Manager: ManagerConfig{
			DataDir:        "/var/lib/kestrel",
			StopTimeoutMs:  4000,
			PollIntervalMs: 1000,
		},
	}
}

// Load reads the config file (agent.toml unless cfgFile is given) and applies
// EDGE_AGENT_* environment overrides on top.
func Load(cfgFile string) (*Config, error) {
	// .env fallback for environments without real env plumbing; it never
	// overrides variables that are already set.
	_ = godotenv.Load()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/kestrel")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("EDGE_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg.ClassesFilter = SplitClasses(cfg.ClassesFilter)
	cfg.ChildArgs = SplitClasses(cfg.ChildArgs)
	return cfg, nil
}

// setDefaults registers every key with viper so AutomaticEnv picks up
// environment-only overrides during Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("device_id", d.DeviceID)
	v.SetDefault("status_port", d.StatusPort)
	v.SetDefault("child_status_port", d.ChildStatusPort)
	v.SetDefault("autostart", d.Autostart)
	v.SetDefault("classes_filter", d.ClassesFilter)
	v.SetDefault("child_command", d.ChildCommand)
	v.SetDefault("child_args", d.ChildArgs)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log_max_size_mb", d.LogMaxSizeMB)
	v.SetDefault("log_max_backups", d.LogMaxBackups)

	v.SetDefault("ai.addr", d.AI.Addr)
	v.SetDefault("ai.model", d.AI.Model)
	v.SetDefault("ai.width", d.AI.Width)
	v.SetDefault("ai.height", d.AI.Height)
	v.SetDefault("ai.max_inflight", d.AI.MaxInflight)
	v.SetDefault("ai.confidence_threshold", d.AI.ConfidenceThreshold)
	v.SetDefault("ai.policy", d.AI.Policy)
	v.SetDefault("ai.preferred_format", d.AI.PreferredFormat)
	v.SetDefault("ai.fps_idle", d.AI.FpsIdle)
	v.SetDefault("ai.fps_active", d.AI.FpsActive)

	v.SetDefault("fsm.dwell_ms", d.FSM.DwellMs)
	v.SetDefault("fsm.silence_ms", d.FSM.SilenceMs)
	v.SetDefault("fsm.postroll_ms", d.FSM.PostrollMs)

	v.SetDefault("store.base_url", d.Store.BaseURL)
	v.SetDefault("store.timeout_ms", d.Store.TimeoutMs)

	v.SetDefault("stream.path", d.Stream.Path)
	v.SetDefault("stream.source", d.Stream.Source)
	v.SetDefault("stream.live_url", d.Stream.LiveURL)
	v.SetDefault("stream.record_url", d.Stream.RecordURL)

	v.SetDefault("manager.data_dir", d.Manager.DataDir)
	v.SetDefault("manager.catalog_path", d.Manager.CatalogPath)
	v.SetDefault("manager.stop_timeout_ms", d.Manager.StopTimeoutMs)
	v.SetDefault("manager.poll_interval_ms", d.Manager.PollIntervalMs)
}

// SplitClasses normalizes a list that may have arrived as a single
// comma-separated env value (EDGE_AGENT_CLASSES_FILTER=person,car).
func SplitClasses(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
