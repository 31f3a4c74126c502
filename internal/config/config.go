package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server        ServerConfig
	DB            DBConfig
	Redis         RedisConfig
	NATS          NATSConfig
	JWT           JWTConfig
	LLM           LLMConfig
	Quota         QuotaConfig
	Chat          ChatConfig
	AuthRateLimit AuthRateLimitConfig
	CORS          CORSConfig
	Log           LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional. An empty URL disables event publishing.
type NATSConfig struct {
	URL string
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

// LLMConfig configures the upstream generative model.
type LLMConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	ImageModel   string
	Timeout      time.Duration
	MaxRPS       float64
	Grounding    bool
	SystemPrompt string
}

// QuotaConfig holds the thresholds given to a user's rate limit policy when it
// is first created.
type QuotaConfig struct {
	MessagesPerHour int
	MessagesPerDay  int
	CallsPerMinute  int
}

type ChatConfig struct {
	MaxHistory      int
	HistoryCacheTTL time.Duration
}

type AuthRateLimitConfig struct {
	MaxRequests int
	WindowSec   int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

const DefaultSystemPrompt = `You are Nicole, an interactive mentor for a student studying optometry.
Your responses should feel like a warm, engaging chat with a seasoned optometrist who is passionate about teaching.
Use a conversational tone with contractions, occasional humor, and relatable anecdotes.
Encourage critical thinking and relate concepts to real-world optometry scenarios.
Avoid robotic patterns and generic responses.`

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			AccessSecret:  k.String("jwt.access.secret"),
			RefreshSecret: k.String("jwt.refresh.secret"),
		},
		LLM: LLMConfig{
			APIKey:       k.String("llm.api.key"),
			BaseURL:      k.String("llm.base.url"),
			Model:        k.String("llm.model"),
			ImageModel:   k.String("llm.image.model"),
			MaxRPS:       k.Float64("llm.max.rps"),
			Grounding:    k.Bool("llm.grounding"),
			SystemPrompt: k.String("llm.system.prompt"),
		},
		Quota: QuotaConfig{
			MessagesPerHour: k.Int("quota.messages.per.hour"),
			MessagesPerDay:  k.Int("quota.messages.per.day"),
			CallsPerMinute:  k.Int("quota.calls.per.minute"),
		},
		Chat: ChatConfig{
			MaxHistory: k.Int("chat.max.history"),
		},
		AuthRateLimit: AuthRateLimitConfig{
			MaxRequests: k.Int("auth.rate.limit.max"),
			WindowSec:   k.Int("auth.rate.limit.window.sec"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	if origins := k.String("cors.allowed.origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
			}
		}
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "nicole"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "nicole"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.LLM.ImageModel == "" {
		cfg.LLM.ImageModel = "imagen-4.0-generate-001"
	}
	if cfg.LLM.MaxRPS == 0 {
		cfg.LLM.MaxRPS = 10
	}
	if cfg.LLM.SystemPrompt == "" {
		cfg.LLM.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Quota.MessagesPerHour == 0 {
		cfg.Quota.MessagesPerHour = 30
	}
	if cfg.Quota.MessagesPerDay == 0 {
		cfg.Quota.MessagesPerDay = 200
	}
	if cfg.Quota.CallsPerMinute == 0 {
		cfg.Quota.CallsPerMinute = 5
	}
	if cfg.Chat.MaxHistory == 0 {
		cfg.Chat.MaxHistory = 50
	}
	if cfg.AuthRateLimit.MaxRequests == 0 {
		cfg.AuthRateLimit.MaxRequests = 10
	}
	if cfg.AuthRateLimit.WindowSec == 0 {
		cfg.AuthRateLimit.WindowSec = 60
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	var err error
	cfg.JWT.AccessExpiry, err = parseDuration(k, "jwt.access.expiry", "15m")
	if err != nil {
		return nil, fmt.Errorf("parsing jwt access expiry: %w", err)
	}
	cfg.JWT.RefreshExpiry, err = parseDuration(k, "jwt.refresh.expiry", "168h")
	if err != nil {
		return nil, fmt.Errorf("parsing jwt refresh expiry: %w", err)
	}
	cfg.LLM.Timeout, err = parseDuration(k, "llm.timeout", "30s")
	if err != nil {
		return nil, fmt.Errorf("parsing llm timeout: %w", err)
	}
	cfg.Chat.HistoryCacheTTL, err = parseDuration(k, "chat.history.cache.ttl", "1h")
	if err != nil {
		return nil, fmt.Errorf("parsing chat history cache ttl: %w", err)
	}

	return cfg, nil
}

func parseDuration(k *koanf.Koanf, key, fallback string) (time.Duration, error) {
	s := k.String(key)
	if s == "" {
		s = fallback
	}
	return time.ParseDuration(s)
}
