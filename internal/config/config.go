package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	BridgeBaseURL string
	BridgeWSURL   string
	BridgeToken   string

	DatabaseURL string
	RedisURL    string

	UploadsDir  string
	MessagesDir string

	AllowedChats []string

	ConnectMaxRetries int
	ConnectRetryDelay time.Duration

	Log LogConfig
}

type LogConfig struct {
	Level     string
	Format    string
	ToConsole bool
	ToFile    bool
	File      string
	Caller    bool
}

// Load reads config.yaml from dir (optional) and lets env vars override every
// key: "log.level" is LOG_LEVEL, "bridge_base_url" is BRIDGE_BASE_URL.
func Load(dir string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if strings.TrimSpace(dir) != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &AppConfig{
		BridgeBaseURL:     strings.TrimSpace(v.GetString("bridge_base_url")),
		BridgeWSURL:       strings.TrimSpace(v.GetString("bridge_ws_url")),
		BridgeToken:       strings.TrimSpace(v.GetString("bridge_token")),
		DatabaseURL:       strings.TrimSpace(v.GetString("database_url")),
		RedisURL:          strings.TrimSpace(v.GetString("redis_url")),
		UploadsDir:        strings.TrimSpace(v.GetString("uploads_dir")),
		MessagesDir:       strings.TrimSpace(v.GetString("messages_dir")),
		AllowedChats:      splitList(v.GetString("allowed_chats")),
		ConnectMaxRetries: v.GetInt("connect_max_retries"),
		ConnectRetryDelay: v.GetDuration("connect_retry_delay"),
		Log: LogConfig{
			Level:     v.GetString("log.level"),
			Format:    strings.ToLower(strings.TrimSpace(v.GetString("log.format"))),
			ToConsole: v.GetBool("log.to_console"),
			ToFile:    v.GetBool("log.to_file"),
			File:      v.GetString("log.file"),
			Caller:    v.GetBool("log.caller"),
		},
	}

	if cfg.ConnectMaxRetries < 0 {
		cfg.ConnectMaxRetries = 0
	}
	if cfg.ConnectRetryDelay <= 0 {
		cfg.ConnectRetryDelay = 10 * time.Second
	}

	if cfg.BridgeBaseURL == "" {
		return nil, errors.New("BRIDGE_BASE_URL is required")
	}
	if cfg.BridgeWSURL == "" {
		return nil, errors.New("BRIDGE_WS_URL is required")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bridge_base_url", "")
	v.SetDefault("bridge_ws_url", "")
	v.SetDefault("bridge_token", "")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("uploads_dir", ".")
	v.SetDefault("messages_dir", "")
	v.SetDefault("allowed_chats", "")
	v.SetDefault("connect_max_retries", 5)
	v.SetDefault("connect_retry_delay", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "legacy")
	v.SetDefault("log.to_console", true)
	v.SetDefault("log.to_file", false)
	v.SetDefault("log.file", "logs/bot.log")
	v.SetDefault("log.caller", false)
}

// ChatAllowed reports whether the bot should answer in chatID. An empty
// allow list admits every chat.
func (c *AppConfig) ChatAllowed(chatID string) bool {
	if len(c.AllowedChats) == 0 {
		return true
	}
	for _, id := range c.AllowedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
