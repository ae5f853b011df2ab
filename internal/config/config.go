package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pulse/internal/pipeline"
	"pulse/internal/storage"
)

const (
	defaultHTTPAddr      = ":8080"
	defaultDatabaseURL   = "pulse.db"
	defaultJWTSecret     = "change-me-jwt-secret"
	defaultJWTTTL        = "24h"
	defaultUploadDir     = "./uploads"
	defaultMaxUpload     = int64(2 << 30)
	defaultFlagRate      = 0.3
	defaultHubBuffer     = 64
	defaultRedisChannel  = "pulse:events"
	defaultStorageDriver = "disk"
)

type Config struct {
	AppEnv      string        `yaml:"app_env"`
	HTTPAddr    string        `yaml:"http_addr"`
	DatabaseURL string        `yaml:"database_url"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTTTL      time.Duration `yaml:"jwt_ttl"`

	Storage  StorageConfig   `yaml:"storage"`
	Pipeline pipeline.Config `yaml:"pipeline"`

	ClassifierFlagRate       float64  `yaml:"classifier_flag_rate"`
	HubSubscriberBuffer      int      `yaml:"hub_subscriber_buffer"`
	RedisURL                 string   `yaml:"redis_url"`
	RedisChannel             string   `yaml:"redis_channel"`
	AllowUnprocessedPlayback bool     `yaml:"allow_unprocessed_playback"`
	CORSAllowedOrigins       []string `yaml:"cors_allowed_origins"`
}

type StorageConfig struct {
	Backend        string           `yaml:"backend"`
	UploadDir      string           `yaml:"upload_dir"`
	MaxUploadBytes int64            `yaml:"max_upload_bytes"`
	S3             storage.S3Config `yaml:"s3"`
}

func defaults() *Config {
	ttl, _ := time.ParseDuration(defaultJWTTTL)
	return &Config{
		AppEnv:      "dev",
		HTTPAddr:    defaultHTTPAddr,
		DatabaseURL: defaultDatabaseURL,
		JWTSecret:   defaultJWTSecret,
		JWTTTL:      ttl,
		Storage: StorageConfig{
			Backend:        defaultStorageDriver,
			UploadDir:      defaultUploadDir,
			MaxUploadBytes: defaultMaxUpload,
		},
		Pipeline:            pipeline.DefaultConfig(),
		ClassifierFlagRate:  defaultFlagRate,
		HubSubscriberBuffer: defaultHubBuffer,
		RedisChannel:        defaultRedisChannel,
	}
}

// Load builds the runtime config: built-in defaults, then the YAML file named by
// CONFIG_FILE, then environment variables. A .env file in the working directory is
// loaded first and never overrides variables that are already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) applyEnv() error {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = strings.TrimSpace(os.Getenv("ENV"))
	}
	if appEnv != "" {
		cfg.AppEnv = appEnv
	}
	cfg.AppEnv = strings.ToLower(cfg.AppEnv)

	cfg.HTTPAddr = strings.TrimSpace(getEnv("HTTP_ADDR", cfg.HTTPAddr))
	cfg.DatabaseURL = strings.TrimSpace(getEnv("DATABASE_URL", cfg.DatabaseURL))
	cfg.JWTSecret = strings.TrimSpace(getEnv("JWT_SECRET", cfg.JWTSecret))

	st := &cfg.Storage
	st.Backend = strings.ToLower(strings.TrimSpace(getEnv("STORAGE_BACKEND", st.Backend)))
	st.UploadDir = strings.TrimSpace(getEnv("UPLOAD_DIR", st.UploadDir))
	st.S3.Region = getEnv("S3_REGION", st.S3.Region)
	st.S3.Bucket = getEnv("S3_BUCKET", st.S3.Bucket)
	st.S3.Endpoint = getEnv("S3_ENDPOINT", st.S3.Endpoint)
	st.S3.Credentials.AccessKey = getEnv("S3_ACCESS_KEY", st.S3.Credentials.AccessKey)
	st.S3.Credentials.SecretKey = getEnv("S3_SECRET_KEY", st.S3.Credentials.SecretKey)

	cfg.RedisURL = strings.TrimSpace(getEnv("REDIS_URL", cfg.RedisURL))
	cfg.RedisChannel = strings.TrimSpace(getEnv("REDIS_CHANNEL", cfg.RedisChannel))
	cfg.AllowUnprocessedPlayback = parseBoolEnv("ALLOW_UNPROCESSED_PLAYBACK", cfg.AllowUnprocessedPlayback)
	if raw := os.Getenv("CORS_ALLOWED_ORIGINS"); raw != "" {
		cfg.CORSAllowedOrigins = splitList(raw)
	}

	var err error
	if cfg.JWTTTL, err = parseDurationEnv("JWT_TTL", cfg.JWTTTL); err != nil {
		return err
	}
	if st.MaxUploadBytes, err = parseInt64Env("MAX_UPLOAD_BYTES", st.MaxUploadBytes); err != nil {
		return err
	}

	p := &cfg.Pipeline
	if p.TickInterval, err = parseDurationEnv("PIPELINE_TICK_INTERVAL", p.TickInterval); err != nil {
		return err
	}
	if p.ClassifyTimeout, err = parseDurationEnv("PIPELINE_CLASSIFY_TIMEOUT", p.ClassifyTimeout); err != nil {
		return err
	}
	if p.LeaseTTL, err = parseDurationEnv("PIPELINE_LEASE_TTL", p.LeaseTTL); err != nil {
		return err
	}
	if p.Steps, err = parseIntEnv("PIPELINE_STEPS", p.Steps); err != nil {
		return err
	}
	if p.PersistEvery, err = parseIntEnv("PIPELINE_PERSIST_EVERY", p.PersistEvery); err != nil {
		return err
	}
	if p.ClassifyAttempts, err = parseIntEnv("PIPELINE_CLASSIFY_ATTEMPTS", p.ClassifyAttempts); err != nil {
		return err
	}
	if cfg.HubSubscriberBuffer, err = parseIntEnv("HUB_SUBSCRIBER_BUFFER", cfg.HubSubscriberBuffer); err != nil {
		return err
	}
	if raw := strings.TrimSpace(os.Getenv("CLASSIFIER_FLAG_RATE")); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid CLASSIFIER_FLAG_RATE value %q: %w", raw, err)
		}
		cfg.ClassifierFlagRate = rate
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must not be empty")
	}
	if cfg.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be > 0")
	}
	switch cfg.Storage.Backend {
	case "disk":
		if cfg.Storage.UploadDir == "" {
			return fmt.Errorf("UPLOAD_DIR must not be empty")
		}
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET must be set when STORAGE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of: disk, s3")
	}
	if cfg.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	if cfg.Pipeline.TickInterval <= 0 {
		return fmt.Errorf("PIPELINE_TICK_INTERVAL must be > 0")
	}
	if cfg.Pipeline.Steps < 1 || cfg.Pipeline.Steps > 100 {
		return fmt.Errorf("PIPELINE_STEPS must be between 1 and 100")
	}
	if cfg.Pipeline.PersistEvery < 1 {
		return fmt.Errorf("PIPELINE_PERSIST_EVERY must be > 0")
	}
	if cfg.Pipeline.ClassifyAttempts < 1 {
		return fmt.Errorf("PIPELINE_CLASSIFY_ATTEMPTS must be > 0")
	}
	if cfg.Pipeline.ClassifyTimeout <= 0 {
		return fmt.Errorf("PIPELINE_CLASSIFY_TIMEOUT must be > 0")
	}
	if cfg.Pipeline.LeaseTTL < 3*cfg.Pipeline.TickInterval {
		return fmt.Errorf("PIPELINE_LEASE_TTL must be at least three tick intervals")
	}
	if cfg.ClassifierFlagRate < 0 || cfg.ClassifierFlagRate > 1 {
		return fmt.Errorf("CLASSIFIER_FLAG_RATE must be between 0 and 1")
	}
	if cfg.HubSubscriberBuffer < 1 {
		return fmt.Errorf("HUB_SUBSCRIBER_BUFFER must be > 0")
	}
	if cfg.RedisURL != "" && cfg.RedisChannel == "" {
		return fmt.Errorf("REDIS_CHANNEL must not be empty when REDIS_URL is set")
	}

	if isProdLike(cfg.AppEnv) {
		if isEmptyOrDefault(cfg.JWTSecret, defaultJWTSecret) {
			return fmt.Errorf("in prod/release JWT_SECRET must be set and not default")
		}
		if cfg.AllowUnprocessedPlayback {
			return fmt.Errorf("in prod/release ALLOW_UNPROCESSED_PLAYBACK must be false")
		}
	}

	return nil
}

// IsProdLike reports whether the environment name denotes a production deployment.
func (cfg *Config) IsProdLike() bool { return isProdLike(cfg.AppEnv) }

func isProdLike(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "prod" || env == "production" || env == "release"
}

func isEmptyOrDefault(v, def string) bool {
	trimmed := strings.TrimSpace(v)
	return trimmed == "" || trimmed == def
}

func parseDurationEnv(name string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, value, err)
	}
	return d, nil
}

func parseIntEnv(name string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, value, err)
	}
	return n, nil
}

func parseInt64Env(name string, fallback int64) (int64, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, value, err)
	}
	return n, nil
}

func parseBoolEnv(name string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if value == "" {
		return fallback
	}
	return value == "1" || value == "true" || value == "yes" || value == "on"
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
