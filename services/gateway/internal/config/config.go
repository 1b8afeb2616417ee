package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	AuthServiceURL string `yaml:"authServiceURL"`
	AuthJWKSURL    string `yaml:"authJwksURL"`
	ChatServiceURL string `yaml:"chatServiceURL"`
	OpenRouterURL  string `yaml:"openRouterURL"`

	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	SchemeCatalogPath string `yaml:"schemeCatalogPath"`
	MaxUploadBytes    int64  `yaml:"maxUploadBytes"`

	SpeechServiceURL string `yaml:"speechServiceURL"`
	SpeechAPIKey     string `yaml:"speechAPIKey"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AMQPURL   string `yaml:"amqpURL"`
	AMQPQueue string `yaml:"amqpQueue"`

	ServiceKeyPath string `yaml:"serviceKeyPath"`
	ServiceKeyID   string `yaml:"serviceKeyID"`

	TrustedProxyCIDRs         []string `yaml:"trustedProxyCidrs"`
	SignupRateLimitPerMinute  int      `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute   int      `yaml:"loginRateLimitPerMinute"`
	RefreshRateLimitPerMinute int      `yaml:"refreshRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides, and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.RedisAddr, "REDIS_ADDR")
	overrideString(&cfg.RedisPassword, "REDIS_PASSWORD")
	overrideString(&cfg.AuthServiceURL, "GATEWAY_AUTH_SERVICE_URL")
	overrideString(&cfg.AuthJWKSURL, "GATEWAY_AUTH_JWKS_URL")
	overrideString(&cfg.ChatServiceURL, "GATEWAY_CHAT_SERVICE_URL")
	overrideString(&cfg.OpenRouterURL, "OPENROUTER_URL")
	overrideString(&cfg.JWTIssuer, "JWT_ISSUER")
	overrideString(&cfg.JWTAudience, "JWT_AUDIENCE")
	overrideString(&cfg.JWTLeeway, "JWT_LEEWAY")
	overrideString(&cfg.SchemeCatalogPath, "GATEWAY_SCHEME_CATALOG")
	overrideString(&cfg.SpeechServiceURL, "SPEECH_SERVICE_URL")
	overrideString(&cfg.SpeechAPIKey, "SPEECH_API_KEY")
	overrideString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	overrideString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	overrideString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	overrideString(&cfg.MinioBucket, "MINIO_BUCKET")
	overrideString(&cfg.AMQPURL, "AMQP_URL")
	overrideString(&cfg.AMQPQueue, "AMQP_QUEUE")
	overrideString(&cfg.ServiceKeyPath, "GATEWAY_SERVICE_KEY_PATH")
	overrideString(&cfg.ServiceKeyID, "GATEWAY_SERVICE_KEY_ID")

	if v := os.Getenv("GATEWAY_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("GATEWAY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	overrideInt(&cfg.SignupRateLimitPerMinute, "GATEWAY_SIGNUP_RATE_LIMIT_PER_MINUTE")
	overrideInt(&cfg.LoginRateLimitPerMinute, "GATEWAY_LOGIN_RATE_LIMIT_PER_MINUTE")
	overrideInt(&cfg.RefreshRateLimitPerMinute, "GATEWAY_REFRESH_RATE_LIMIT_PER_MINUTE")

	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.AuthServiceURL == "" {
		return errors.New("config: authServiceURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or GATEWAY_AUTH_JWKS_URL)")
	}
	if cfg.ChatServiceURL == "" {
		return errors.New("config: chatServiceURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	if strings.TrimSpace(cfg.SchemeCatalogPath) == "" {
		return errors.New("config: schemeCatalogPath is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.SpeechServiceURL) == "" {
		return errors.New("config: speechServiceURL is required (set in config.yaml or SPEECH_SERVICE_URL)")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.RefreshRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

func overrideString(target *string, env string) {
	if v := os.Getenv(env); v != "" {
		*target = strings.TrimSpace(v)
	}
}

func overrideInt(target *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
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

// ParseJWTLeeway parses the optional JWT leeway duration string.
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
