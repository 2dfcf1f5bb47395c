package watcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/vintwatch/notify"
)

// Config holds the poller settings. YAML is the native format; a JSON
// settings file decodes too.
type Config struct {
	ManualCookie  string            `yaml:"manual_cookie" json:"manual_cookie"`
	ProxiesConfig map[string]string `yaml:"proxies_config" json:"proxies_config"`

	MainLoopSleepSeconds       float64 `yaml:"main_loop_sleep_seconds" json:"main_loop_sleep_seconds"`
	ProfileSleepMin            float64 `yaml:"profile_sleep_min" json:"profile_sleep_min"`
	ProfileSleepMax            float64 `yaml:"profile_sleep_max" json:"profile_sleep_max"`
	CyclesBeforeSessionRefresh int     `yaml:"cycles_before_session_refresh" json:"cycles_before_session_refresh"`
	CyclesBeforeProfilesSave   int     `yaml:"cycles_before_profiles_save" json:"cycles_before_profiles_save"`

	LogLevel          string `yaml:"log_level" json:"log_level"`
	RetentionDays     int    `yaml:"retention_days" json:"retention_days"` // <= 0 keeps everything
	RetentionInterval string `yaml:"retention_interval" json:"retention_interval"`

	ProfilesFile string `yaml:"profiles_file" json:"profiles_file"`
	FindsFile    string `yaml:"finds_file" json:"finds_file"`
	StatusFile   string `yaml:"status_file" json:"status_file"`
	BaseURL      string `yaml:"base_url" json:"base_url"`

	HTTPAddr        string `yaml:"http_addr" json:"http_addr"`
	ObservabilityDB string `yaml:"observability_db" json:"observability_db"`
	PostgresDSN     string `yaml:"postgres_dsn" json:"postgres_dsn"`
	PostgresSchema  string `yaml:"postgres_schema" json:"postgres_schema"`
	PGViaBouncer    bool   `yaml:"pg_via_bouncer" json:"pg_via_bouncer"`

	Notify notify.Config `yaml:"notify" json:"notify"`
}

// DefaultConfig returns the settings used when no file exists.
func DefaultConfig() Config {
	return Config{
		MainLoopSleepSeconds:       300,
		ProfileSleepMin:            25,
		ProfileSleepMax:            55,
		CyclesBeforeSessionRefresh: 10,
		CyclesBeforeProfilesSave:   1,
		LogLevel:                   "INFO",
		RetentionDays:              30,
		RetentionInterval:          "6h",
		ProfilesFile:               "user_profiles.json",
		FindsFile:                  "new_finds.jsonl",
		StatusFile:                 "scraper_current_status.txt",
		BaseURL:                    "https://www.vinted.cz",
		PostgresSchema:             "public",
	}
}

// defaults repairs values a hand-edited file may have zeroed out. Keys absent
// from the file already hold DefaultConfig values.
func (c *Config) defaults() {
	d := DefaultConfig()
	if c.MainLoopSleepSeconds <= 0 {
		c.MainLoopSleepSeconds = d.MainLoopSleepSeconds
	}
	if c.ProfileSleepMin < 0 {
		c.ProfileSleepMin = 0
	}
	if c.ProfileSleepMax < c.ProfileSleepMin {
		c.ProfileSleepMax = c.ProfileSleepMin
	}
	if c.CyclesBeforeSessionRefresh <= 0 {
		c.CyclesBeforeSessionRefresh = d.CyclesBeforeSessionRefresh
	}
	if c.CyclesBeforeProfilesSave <= 0 {
		c.CyclesBeforeProfilesSave = d.CyclesBeforeProfilesSave
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.RetentionInterval == "" {
		c.RetentionInterval = d.RetentionInterval
	}
	if c.ProfilesFile == "" {
		c.ProfilesFile = d.ProfilesFile
	}
	if c.FindsFile == "" {
		c.FindsFile = d.FindsFile
	}
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.PostgresSchema == "" {
		c.PostgresSchema = d.PostgresSchema
	}
}

// LoadConfig reads the settings file at path over DefaultConfig. A missing
// file yields the defaults and is created with them. A file that does not
// parse is reported and the defaults are used.
func LoadConfig(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("watcher: settings file not found, using defaults", "path", path)
		if err := writeConfig(path, cfg); err != nil {
			logger.Error("watcher: create settings file", "path", path, "error", err)
		} else {
			logger.Info("watcher: settings file created", "path", path)
		}
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("watcher: read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		logger.Error("watcher: parse settings, using defaults", "path", path, "error", err)
		cfg = DefaultConfig()
	}
	cfg.defaults()
	logger.Info("watcher: settings loaded", "path", path)
	return cfg, nil
}

func writeConfig(path string, cfg Config) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(cfg, "", "    ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.LogLevel, "LOG_LEVEL")
	set(&c.HTTPAddr, "HTTP_ADDR")
	set(&c.PostgresDSN, "POSTGRES_DSN")
	set(&c.Notify.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	set(&c.Notify.Telegram.ChatID, "TELEGRAM_CHAT_ID")
}

// Level maps LogLevel to a slog level. Unknown names mean info.
func (c Config) Level() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SweepInterval parses RetentionInterval, falling back to 6h.
func (c Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.RetentionInterval)
	if err != nil || d <= 0 {
		return 6 * time.Hour
	}
	return d
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// mainSleep is the pause between cycles.
func (c Config) mainSleep() time.Duration { return seconds(c.MainLoopSleepSeconds) }

// profileSleep draws the pause between two profiles.
func (c Config) profileSleep(r *rand.Rand) time.Duration {
	lo, hi := c.ProfileSleepMin, c.ProfileSleepMax
	if hi <= lo {
		return seconds(lo)
	}
	return seconds(lo + r.Float64()*(hi-lo))
}
