package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with CROPDOC_CONFIG.
const ConfigPath = "config.yaml"

// DotEnvPath holds optional KEY=value overrides for local runs.
const DotEnvPath = ".env"

const (
	defaultDatabaseDriver   = "postgres"
	defaultInferenceTimeout = 90 * time.Second
	defaultMaxRequestBytes  = 15 << 20
	defaultMaxSubmissions   = 10
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string `yaml:"port"`
	LogLevel       string `yaml:"logLevel"`
	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseURL"`

	AuthJWKSURL    string `yaml:"authJwksURL"`
	JWTSecret      string `yaml:"jwtSecret"`
	JWTIssuer      string `yaml:"jwtIssuer"`
	JWTAudience    string `yaml:"jwtAudience"`
	JWTLeeway      string `yaml:"jwtLeeway"`
	AuthServiceURL string `yaml:"authServiceURL"`
	AuthAPIKey     string `yaml:"authAPIKey"`

	RedisAddr                  string   `yaml:"redisAddr"`
	RedisPassword              string   `yaml:"redisPassword"`
	DiagnoseRateLimitPerMinute int      `yaml:"diagnoseRateLimitPerMinute"`
	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`

	InferenceProvider string `yaml:"inferenceProvider"`
	InferenceBaseURL  string `yaml:"inferenceBaseURL"`
	InferenceAPIKey   string `yaml:"inferenceAPIKey"`
	InferenceModel    string `yaml:"inferenceModel"`
	InferenceTimeout  string `yaml:"inferenceTimeout"`

	DefaultMaxSubmissions int   `yaml:"defaultMaxSubmissions"`
	MaxRequestBytes       int64 `yaml:"maxRequestBytes"`

	ImageStoreEndpoint  string `yaml:"imageStoreEndpoint"`
	ImageStoreAccessKey string `yaml:"imageStoreAccessKey"`
	ImageStoreSecretKey string `yaml:"imageStoreSecretKey"`
	ImageStoreBucket    string `yaml:"imageStoreBucket"`
	ImageStoreUseSSL    bool   `yaml:"imageStoreUseSSL"`
}

// ResolvePath returns CROPDOC_CONFIG when set, else path, else ConfigPath.
func ResolvePath(path string) string {
	if v := strings.TrimSpace(os.Getenv("CROPDOC_CONFIG")); v != "" {
		return v
	}
	if strings.TrimSpace(path) != "" {
		return path
	}
	return ConfigPath
}

// LoadDotEnv exports variables from path (defaults to .env) without
// replacing ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = DotEnvPath
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads config from path (defaults to config.yaml), applies
// environment overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	data, err := os.ReadFile(ResolvePath(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.DatabaseDriver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("AUTH_SERVICE_URL"); v != "" {
		cfg.AuthServiceURL = v
	}
	if v := os.Getenv("AUTH_API_KEY"); v != "" {
		cfg.AuthAPIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DIAGNOSE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DiagnoseRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("INFERENCE_PROVIDER"); v != "" {
		cfg.InferenceProvider = v
	}
	if v := os.Getenv("INFERENCE_BASE_URL"); v != "" {
		cfg.InferenceBaseURL = v
	}
	if v := os.Getenv("INFERENCE_API_KEY"); v != "" {
		cfg.InferenceAPIKey = v
	}
	if v := os.Getenv("INFERENCE_MODEL"); v != "" {
		cfg.InferenceModel = v
	}
	if v := os.Getenv("INFERENCE_TIMEOUT"); v != "" {
		cfg.InferenceTimeout = v
	}
	if v := os.Getenv("DEFAULT_MAX_SUBMISSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultMaxSubmissions = n
		}
	}
	if v := os.Getenv("MAX_REQUEST_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxRequestBytes = n
		}
	}
	if v := os.Getenv("IMAGE_STORE_ENDPOINT"); v != "" {
		cfg.ImageStoreEndpoint = v
	}
	if v := os.Getenv("IMAGE_STORE_ACCESS_KEY"); v != "" {
		cfg.ImageStoreAccessKey = v
	}
	if v := os.Getenv("IMAGE_STORE_SECRET_KEY"); v != "" {
		cfg.ImageStoreSecretKey = v
	}
	if v := os.Getenv("IMAGE_STORE_BUCKET"); v != "" {
		cfg.ImageStoreBucket = v
	}
	if v := os.Getenv("IMAGE_STORE_USE_SSL"); v == "true" {
		cfg.ImageStoreUseSSL = true
	}
}

func applyDefaults(cfg *FileConfig) {
	if strings.TrimSpace(cfg.DatabaseDriver) == "" {
		cfg.DatabaseDriver = defaultDatabaseDriver
	}
	if cfg.DefaultMaxSubmissions == 0 {
		cfg.DefaultMaxSubmissions = defaultMaxSubmissions
	}
	if cfg.MaxRequestBytes == 0 {
		cfg.MaxRequestBytes = defaultMaxRequestBytes
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: databaseDriver must be postgres or sqlite, got %q", cfg.DatabaseDriver)
	}
	if cfg.AuthJWKSURL == "" && cfg.JWTSecret == "" && cfg.AuthServiceURL == "" {
		return errors.New("config: one of authJwksURL, jwtSecret or authServiceURL is required")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	if _, err := ParseInferenceTimeout(cfg.InferenceTimeout); err != nil {
		return err
	}
	if cfg.DiagnoseRateLimitPerMinute < 0 {
		return errors.New("config: diagnoseRateLimitPerMinute must be >= 0")
	}
	if cfg.DiagnoseRateLimitPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when diagnoseRateLimitPerMinute is set")
	}
	if cfg.DefaultMaxSubmissions < 0 {
		return errors.New("config: defaultMaxSubmissions must be >= 0")
	}
	if cfg.MaxRequestBytes < 0 {
		return errors.New("config: maxRequestBytes must be >= 0")
	}
	if cfg.ImageStoreEndpoint != "" && (cfg.ImageStoreAccessKey == "" || cfg.ImageStoreSecretKey == "" || cfg.ImageStoreBucket == "") {
		return errors.New("config: imageStoreAccessKey, imageStoreSecretKey and imageStoreBucket are required with imageStoreEndpoint")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// ParseInferenceTimeout parses inferenceTimeout, defaulting to 90s.
func ParseInferenceTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultInferenceTimeout, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid inferenceTimeout duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("config: inferenceTimeout must be positive")
	}
	return dur, nil
}
