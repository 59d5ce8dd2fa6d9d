package config

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Security SecurityConfig `mapstructure:"security"`
	Image    ImageConfig    `mapstructure:"image"`
}

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	Env       string `mapstructure:"env"` // development | production
	ClientURL string `mapstructure:"client_url"`
	AdminKey  string `mapstructure:"admin_key"`
}

// Development reports whether the server runs with development error verbosity.
func (s ServerConfig) Development() bool {
	return s.Env == "development"
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type ChatConfig struct {
	PageLimitDefault int `mapstructure:"page_limit_default"`
	PageLimitMax     int `mapstructure:"page_limit_max"`
	SinceLimit       int `mapstructure:"since_limit"`
	HistoryReplay    int `mapstructure:"history_replay"` // messages replayed on join
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AdminAllowedIPs restricts the admin endpoints to the listed client IPs.
	// An empty slice disables the IP check (the admin key still applies).
	AdminAllowedIPs []string `mapstructure:"admin_allowed_ips"`
}

type ImageConfig struct {
	Provider   string `mapstructure:"provider"` // cloudinary | local
	CloudName  string `mapstructure:"cloud_name"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Folder     string `mapstructure:"folder"`
	LocalDir   string `mapstructure:"local_dir"`
	PublicBase string `mapstructure:"public_base"` // URL prefix for locally stored images
}

// Load reads config from the given YAML file path. The file is optional;
// environment variables override file values either way.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.client_url", "http://localhost:3000")
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/commchat.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("chat.page_limit_default", 50)
	v.SetDefault("chat.page_limit_max", 200)
	v.SetDefault("chat.since_limit", 100)
	v.SetDefault("chat.history_replay", 50)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("image.provider", "local")
	v.SetDefault("image.folder", "commchat")
	v.SetDefault("image.local_dir", "./data/uploads")
	v.SetDefault("image.public_base", "/uploads")

	// Environment overrides, matching the names the deployment exposes.
	envBindings := map[string]string{
		"server.port":         "PORT",
		"server.env":          "APP_ENV",
		"server.client_url":   "CLIENT_URL",
		"server.admin_key":    "ADMIN_KEY",
		"database.mode":       "DATABASE_MODE",
		"database.mysql_dsn":  "DATABASE_URL",
		"cache.redis_addr":    "REDIS_ADDR",
		"security.jwt_secret": "JWT_SECRET",
		"image.provider":      "IMAGE_PROVIDER",
		"image.cloud_name":    "CLOUD_NAME",
		"image.api_key":       "API_KEY",
		"image.api_secret":    "API_SECRET",
		"image.folder":        "FOLDER_NAME",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			// A missing file is fine; env and defaults carry the config.
			if !errors.Is(err, os.ErrNotExist) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, err
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
