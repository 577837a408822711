package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	BotToken    string `mapstructure:"bot_token"`
	DatabaseURL string `mapstructure:"database_url"`
	GroupChatID int64  `mapstructure:"-"`
	Port        int    `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`

	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`

	AckText           string `mapstructure:"ack_text"`
	CompletionCaption string `mapstructure:"completion_caption"`

	OutstandingSchedule string        `mapstructure:"outstanding_schedule"`
	OutstandingAfter    time.Duration `mapstructure:"outstanding_after"`

	Minio Minio `mapstructure:"minio"`
	AMQP  AMQP  `mapstructure:"amqp"`
}

// Minio enables mirroring submitted images into a bucket when Endpoint is set.
type Minio struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

func (m Minio) Enabled() bool { return m.Endpoint != "" }

// AMQP enables publishing audit entries when URL is set.
type AMQP struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

func (a AMQP) Enabled() bool { return a.URL != "" }

// env lists the environment variables bound to each key, first match wins.
var env = map[string][]string{
	"bot_token":            {"BOT_TOKEN", "TELEGRAM_BOT_TOKEN"},
	"database_url":         {"DATABASE_URL", "MONGODB_URI"},
	"group_chat_id":        {"GROUP_CHAT_ID"},
	"port":                 {"PORT"},
	"log_level":            {"LOG_LEVEL"},
	"workers":              {"WORKERS"},
	"queue_size":           {"QUEUE_SIZE"},
	"ack_text":             {"ACK_TEXT"},
	"completion_caption":   {"COMPLETION_CAPTION"},
	"outstanding_schedule": {"OUTSTANDING_SCHEDULE"},
	"outstanding_after":    {"OUTSTANDING_AFTER"},
	"minio.endpoint":       {"MINIO_ENDPOINT"},
	"minio.access_key":     {"MINIO_ACCESS_KEY"},
	"minio.secret_key":     {"MINIO_SECRET_KEY"},
	"minio.bucket":         {"MINIO_BUCKET"},
	"minio.use_ssl":        {"MINIO_USE_SSL"},
	"amqp.url":             {"AMQP_URL"},
	"amqp.queue":           {"AMQP_QUEUE"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("workers", 8)
	v.SetDefault("queue_size", 100)
	v.SetDefault("outstanding_schedule", "@every 1h")
	v.SetDefault("outstanding_after", 24*time.Hour)
	v.SetDefault("minio.bucket", "photo-relay")
	v.SetDefault("minio.use_ssl", true)
	v.SetDefault("amqp.queue", "photo_relay_audit")
}

// Load reads configuration from the environment, layered over an optional
// YAML file. Environment variables win.
func Load(filename string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, names := range env {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if filename != "" {
		v.SetConfigFile(filename)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", filename, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if raw := strings.TrimSpace(v.GetString("group_chat_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid GROUP_CHAT_ID %q: %w", raw, err)
		}
		cfg.GroupChatID = id
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Validate(cfg *Config) error {
	var problems []string
	if cfg.BotToken == "" {
		problems = append(problems, "BOT_TOKEN is required")
	}
	if cfg.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if cfg.GroupChatID == 0 {
		problems = append(problems, "GROUP_CHAT_ID is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", cfg.Port))
	}
	if cfg.Workers < 1 || cfg.Workers > 256 {
		problems = append(problems, fmt.Sprintf("workers must be 1-256, got %d", cfg.Workers))
	}
	if cfg.QueueSize < 1 {
		problems = append(problems, fmt.Sprintf("queue size must be positive, got %d", cfg.QueueSize))
	}
	if cfg.OutstandingAfter <= 0 {
		problems = append(problems, "outstanding_after must be positive")
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.Minio.Enabled() && (cfg.Minio.AccessKey == "" || cfg.Minio.SecretKey == "" || cfg.Minio.Bucket == "") {
		problems = append(problems, "MINIO_ACCESS_KEY, MINIO_SECRET_KEY and MINIO_BUCKET are required with MINIO_ENDPOINT")
	}
	if cfg.AMQP.Enabled() && cfg.AMQP.Queue == "" {
		problems = append(problems, "AMQP_QUEUE is required with AMQP_URL")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
