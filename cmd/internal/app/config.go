package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"burnbox/cmd/internal/ratelimit"
	"burnbox/cmd/internal/reaper"
	"burnbox/cmd/internal/share"
	"burnbox/cmd/internal/watch"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (BURNBOX_HTTP_ADDR, ...).
const EnvPrefix = "BURNBOX"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBolt     = "bolt"

	RateBackendMemory = "memory"
	RateBackendRedis  = "redis"
)

// Config contains all runtime configuration.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	Store         string
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string

	DBMaxConnLifetime time.Duration
	DBMaxConnIdleTime time.Duration

	DBAutoMigrate bool
	BoltPath      string

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	RateBackend    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RateFailOpen   bool
	RateGCInterval time.Duration
	RatePolicy     ratelimit.Policy

	Limits     share.Limits
	TrustProxy bool

	// Browser origins allowed to call the API cross-origin. Empty disables CORS.
	CORSAllowedOrigins []string
	CORSMaxAgeSeconds  int

	ReaperEnabled bool
	Reaper        reaper.Options

	// If true, TokenHMACKey MUST be set (>= 32 bytes).
	RequireTokenHMAC bool
	TokenHMACKey     string
	AdminSecret      string

	Watch             watch.Config
	WatchMaxPerObject int
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", "0.0.0.0:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("http_read_header_timeout", 5*time.Second)
	v.SetDefault("http_read_timeout", 60*time.Second)
	v.SetDefault("http_write_timeout", 60*time.Second)
	v.SetDefault("http_idle_timeout", 60*time.Second)
	v.SetDefault("http_shutdown_timeout", 10*time.Second)
	v.SetDefault("http_max_header_bytes", 1<<20)

	v.SetDefault("store", StoreMemory)
	v.SetDefault("database_url", "")
	v.SetDefault("db_max_conns", 10)
	v.SetDefault("db_min_conns", 0)
	v.SetDefault("db_max_conn_lifetime", 30*time.Minute)
	v.SetDefault("db_max_conn_idle_time", 5*time.Minute)
	v.SetDefault("db_schema", "burnbox")
	v.SetDefault("db_auto_migrate", false)
	v.SetDefault("bolt_path", "burnbox.db")
	v.SetDefault("readiness_require_db", false)

	v.SetDefault("rate_backend", RateBackendMemory)
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("rate_fail_open", false)
	v.SetDefault("rate_gc_interval", 5*time.Minute)
	for class, rule := range ratelimit.DefaultPolicy() {
		v.SetDefault("rate_"+string(class)+"_limit", rule.Limit)
		v.SetDefault("rate_"+string(class)+"_window", rule.Window)
	}

	v.SetDefault("max_payload_bytes", humanize.IBytes(share.DefaultMaxPayloadBytes))
	v.SetDefault("min_ttl", share.DefaultMinTTL)
	v.SetDefault("max_ttl", share.DefaultMaxTTL)
	v.SetDefault("default_ttl", share.DefaultTTL)
	v.SetDefault("trust_proxy", false)
	v.SetDefault("cors_allowed_origins", "")
	v.SetDefault("cors_max_age_seconds", 600)

	v.SetDefault("reaper_enabled", true)
	v.SetDefault("reaper_interval", 5*time.Minute)
	v.SetDefault("reaper_check_interval", time.Minute)
	v.SetDefault("reaper_backlog_threshold", 10)
	v.SetDefault("reaper_start_delay", 5*time.Second)
	v.SetDefault("reaper_batch_size", 500)
	v.SetDefault("reaper_delete_rate", 0.0)

	v.SetDefault("require_token_hmac", false)
	v.SetDefault("token_hmac_key", "")
	v.SetDefault("admin_secret", "")

	v.SetDefault("watch_origin_required", false)
	v.SetDefault("watch_allowed_origins", "http://localhost,http://127.0.0.1")
	v.SetDefault("watch_insecure_skip_verify", false)
	v.SetDefault("watch_heartbeat_interval", 25*time.Second)
	v.SetDefault("watch_send_queue", 16)
	v.SetDefault("watch_max_per_object", 32)
}

// NewViper returns a viper instance with defaults and BURNBOX_ environment overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadConfigFile merges a YAML/JSON/TOML file into v. An empty path is a no-op.
func ReadConfigFile(v *viper.Viper, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config file %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", path)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

// LoadConfig resolves Config from v and validates enumerations and limits.
func LoadConfig(v *viper.Viper) (Config, error) {
	if v == nil {
		v = NewViper()
	}

	cfg := Config{
		HTTPAddr:  strings.TrimSpace(v.GetString("http_addr")),
		LogLevel:  v.GetString("log_level"),
		LogFormat: strings.ToLower(strings.TrimSpace(v.GetString("log_format"))),

		ReadHeaderTimeout: v.GetDuration("http_read_header_timeout"),
		ReadTimeout:       v.GetDuration("http_read_timeout"),
		WriteTimeout:      v.GetDuration("http_write_timeout"),
		IdleTimeout:       v.GetDuration("http_idle_timeout"),
		ShutdownTimeout:   v.GetDuration("http_shutdown_timeout"),
		MaxHeaderBytes:    v.GetInt("http_max_header_bytes"),

		Store:              strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		DatabaseURL:        strings.TrimSpace(v.GetString("database_url")),
		DBMaxConns:         v.GetInt32("db_max_conns"),
		DBMinConns:         v.GetInt32("db_min_conns"),
		DBSchema:           strings.TrimSpace(v.GetString("db_schema")),
		DBMaxConnLifetime:  v.GetDuration("db_max_conn_lifetime"),
		DBMaxConnIdleTime:  v.GetDuration("db_max_conn_idle_time"),
		DBAutoMigrate:      v.GetBool("db_auto_migrate"),
		BoltPath:           strings.TrimSpace(v.GetString("bolt_path")),
		ReadinessRequireDB: v.GetBool("readiness_require_db"),

		RateBackend:    strings.ToLower(strings.TrimSpace(v.GetString("rate_backend"))),
		RedisAddr:      strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:  v.GetString("redis_password"),
		RedisDB:        v.GetInt("redis_db"),
		RateFailOpen:   v.GetBool("rate_fail_open"),
		RateGCInterval: v.GetDuration("rate_gc_interval"),
		RatePolicy:     ratelimit.Policy{},

		TrustProxy:         v.GetBool("trust_proxy"),
		CORSAllowedOrigins: splitCSV(v.GetString("cors_allowed_origins")),
		CORSMaxAgeSeconds:  v.GetInt("cors_max_age_seconds"),

		ReaperEnabled: v.GetBool("reaper_enabled"),
		Reaper: reaper.Options{
			Interval:         v.GetDuration("reaper_interval"),
			CheckInterval:    v.GetDuration("reaper_check_interval"),
			BacklogThreshold: v.GetInt64("reaper_backlog_threshold"),
			StartDelay:       v.GetDuration("reaper_start_delay"),
			BatchSize:        v.GetInt("reaper_batch_size"),
			DeleteRate:       v.GetFloat64("reaper_delete_rate"),
		},

		RequireTokenHMAC: v.GetBool("require_token_hmac"),
		TokenHMACKey:     v.GetString("token_hmac_key"),
		AdminSecret:      strings.TrimSpace(v.GetString("admin_secret")),

		Watch: watch.Config{
			OriginRequired:     v.GetBool("watch_origin_required"),
			AllowedOrigins:     splitCSV(v.GetString("watch_allowed_origins")),
			InsecureSkipVerify: v.GetBool("watch_insecure_skip_verify"),
			TrustProxy:         v.GetBool("trust_proxy"),
			HeartbeatInterval:  v.GetDuration("watch_heartbeat_interval"),
			SendQueue:          v.GetInt("watch_send_queue"),
		},
		WatchMaxPerObject: v.GetInt("watch_max_per_object"),
	}

	for _, class := range ratelimit.DefaultPolicy().Classes() {
		cfg.RatePolicy[class] = ratelimit.Rule{
			Limit:  v.GetInt("rate_" + string(class) + "_limit"),
			Window: v.GetDuration("rate_" + string(class) + "_window"),
		}
	}

	maxPayload, err := humanize.ParseBytes(strings.TrimSpace(v.GetString("max_payload_bytes")))
	if err != nil {
		return Config{}, fmt.Errorf("parse max_payload_bytes: %w", err)
	}
	cfg.Limits = share.Limits{
		MaxPayloadBytes: int64(maxPayload),
		MinTTL:          v.GetDuration("min_ttl"),
		MaxTTL:          v.GetDuration("max_ttl"),
		DefaultTTL:      v.GetDuration("default_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: http_addr is required")
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: store=postgres requires database_url")
		}
	case StoreBolt:
		if c.BoltPath == "" {
			return errors.New("config: store=bolt requires bolt_path")
		}
	default:
		return fmt.Errorf("config: unknown store %q (memory|postgres|bolt)", c.Store)
	}
	switch c.RateBackend {
	case RateBackendMemory:
	case RateBackendRedis:
		if c.RedisAddr == "" {
			return errors.New("config: rate_backend=redis requires redis_addr")
		}
	default:
		return fmt.Errorf("config: unknown rate_backend %q (memory|redis)", c.RateBackend)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.RatePolicy.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
