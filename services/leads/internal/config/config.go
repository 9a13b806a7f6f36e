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

// ConfigPath is the default config location, relative to the working directory.
const ConfigPath = "config.yaml"

const (
	ModeLocal  = "local"
	ModeRemote = "remote"

	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMinio  = "minio"
	BackendMemory = "memory"

	ProviderGemini = "gemini"
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	// Mode selects local-only persistence (no sign-in) or the remote, per-user database.
	Mode string `yaml:"mode"`

	LocalBackend   string `yaml:"localBackend"`
	LocalDataDir   string `yaml:"localDataDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`
	SessionTTL  string `yaml:"sessionTTL"`

	SignupRateLimitPerMinute int `yaml:"signupRateLimitPerMinute"`
	SigninRateLimitPerMinute int `yaml:"signinRateLimitPerMinute"`

	TrustedProxies     []string `yaml:"trustedProxies"`
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`

	ExtractionProvider    string `yaml:"extractionProvider"`
	ExtractionConcurrency int    `yaml:"extractionConcurrency"`
	MaxImagesPerRequest   int    `yaml:"maxImagesPerRequest"`
	MaxUploadBytes        int64  `yaml:"maxUploadBytes"`

	GeminiAPIKey  string `yaml:"geminiAPIKey"`
	GeminiModel   string `yaml:"geminiModel"`
	GeminiBaseURL string `yaml:"geminiBaseURL"`
	ClaudeAPIKey  string `yaml:"claudeAPIKey"`
	ClaudeModel   string `yaml:"claudeModel"`
	OpenAIBaseURL string `yaml:"openAIBaseURL"`
	OpenAIAPIKey  string `yaml:"openAIAPIKey"`
	OpenAIModel   string `yaml:"openAIModel"`
	OllamaBaseURL string `yaml:"ollamaBaseURL"`
	OllamaModel   string `yaml:"ollamaModel"`
}

// PathFromEnv returns LEADS_CONFIG when set, otherwise ConfigPath.
func PathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("LEADS_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides and defaults, then validates.
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
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	str(&cfg.Port, "PORT")
	str(&cfg.LogLevel, "LOG_LEVEL")
	str(&cfg.LogFormat, "LOG_FORMAT")
	str(&cfg.Mode, "LEADS_MODE")
	str(&cfg.LocalBackend, "LEADS_LOCAL_BACKEND")
	str(&cfg.LocalDataDir, "LEADS_DATA_DIR")
	str(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	str(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	str(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	str(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	str(&cfg.DatabaseDriver, "DATABASE_DRIVER")
	str(&cfg.DatabaseURL, "DATABASE_URL")
	str(&cfg.RedisAddr, "REDIS_ADDR")
	str(&cfg.RedisPassword, "REDIS_PASSWORD")
	num(&cfg.RedisDB, "REDIS_DB")
	str(&cfg.JWTSecret, "JWT_SECRET")
	str(&cfg.JWTIssuer, "JWT_ISSUER")
	str(&cfg.JWTAudience, "JWT_AUDIENCE")
	str(&cfg.JWTLeeway, "JWT_LEEWAY")
	str(&cfg.SessionTTL, "SESSION_TTL")
	num(&cfg.SignupRateLimitPerMinute, "LEADS_SIGNUP_RATE_LIMIT_PER_MINUTE")
	num(&cfg.SigninRateLimitPerMinute, "LEADS_SIGNIN_RATE_LIMIT_PER_MINUTE")
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}
	str(&cfg.ExtractionProvider, "EXTRACTION_PROVIDER")
	num(&cfg.ExtractionConcurrency, "EXTRACTION_CONCURRENCY")
	str(&cfg.GeminiAPIKey, "GEMINI_API_KEY", "API_KEY")
	str(&cfg.GeminiModel, "GEMINI_MODEL")
	str(&cfg.GeminiBaseURL, "GEMINI_BASE_URL")
	str(&cfg.ClaudeAPIKey, "ANTHROPIC_API_KEY")
	str(&cfg.ClaudeModel, "CLAUDE_MODEL")
	str(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	str(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	str(&cfg.OpenAIModel, "OPENAI_MODEL")
	str(&cfg.OllamaBaseURL, "OLLAMA_BASE_URL")
	str(&cfg.OllamaModel, "OLLAMA_MODEL")
}

func applyDefaults(cfg *FileConfig) {
	lower := func(s *string, def string) {
		*s = strings.ToLower(strings.TrimSpace(*s))
		if *s == "" {
			*s = def
		}
	}
	lower(&cfg.Mode, ModeLocal)
	lower(&cfg.LocalBackend, BackendFile)
	lower(&cfg.DatabaseDriver, "postgres")
	lower(&cfg.ExtractionProvider, ProviderGemini)
	if cfg.LocalDataDir == "" {
		cfg.LocalDataDir = "data"
	}
	if cfg.MinioBucket == "" {
		cfg.MinioBucket = "fotocall"
	}
	if cfg.SessionTTL == "" {
		cfg.SessionTTL = "24h"
	}
	if cfg.ExtractionConcurrency == 0 {
		cfg.ExtractionConcurrency = 4
	}
	if cfg.MaxImagesPerRequest == 0 {
		cfg.MaxImagesPerRequest = 10
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.Mode {
	case ModeLocal:
		switch cfg.LocalBackend {
		case BackendFile, BackendMemory:
		case BackendRedis:
			if strings.TrimSpace(cfg.RedisAddr) == "" {
				return errors.New("config: redisAddr is required for the redis local backend")
			}
		case BackendMinio:
			if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
				return errors.New("config: minioEndpoint, minioAccessKey and minioSecretKey are required for the minio local backend")
			}
		default:
			return fmt.Errorf("config: unknown localBackend %q", cfg.LocalBackend)
		}
	case ModeRemote:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required in remote mode (set DATABASE_URL)")
		}
		if cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "sqlite" {
			return fmt.Errorf("config: unknown databaseDriver %q", cfg.DatabaseDriver)
		}
		if len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
			return errors.New("config: jwtSecret of at least 32 characters is required in remote mode (set JWT_SECRET)")
		}
		if _, err := ParseSessionTTL(cfg.SessionTTL); err != nil {
			return err
		}
		if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config: unknown mode %q", cfg.Mode)
	}
	switch cfg.ExtractionProvider {
	case ProviderGemini:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return errors.New("config: geminiAPIKey is required (set GEMINI_API_KEY)")
		}
	case ProviderClaude:
		if strings.TrimSpace(cfg.ClaudeAPIKey) == "" {
			return errors.New("config: claudeAPIKey is required (set ANTHROPIC_API_KEY)")
		}
	case ProviderOpenAI:
		if cfg.OpenAIBaseURL == "" || cfg.OpenAIModel == "" {
			return errors.New("config: openAIBaseURL and openAIModel are required for the openai provider")
		}
	case ProviderOllama:
		if cfg.OllamaModel == "" {
			return errors.New("config: ollamaModel is required for the ollama provider")
		}
	default:
		return fmt.Errorf("config: unknown extractionProvider %q", cfg.ExtractionProvider)
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.SigninRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.ExtractionConcurrency < 0 || cfg.MaxImagesPerRequest < 0 || cfg.MaxUploadBytes < 0 {
		return errors.New("config: extraction limits must be >= 0")
	}
	return nil
}

// ParseSessionTTL parses the session TTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("invalid sessionTTL duration: must be positive")
	}
	return dur, nil
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

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
