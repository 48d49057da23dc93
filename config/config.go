package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/wespeak/conversation/internal/conversation"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Conversation ConversationConfig
	WebRTC       WebRTCConfig
	Zego         ZegoConfig
	AWS          AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig selects and configures the session store.
type DatabaseConfig struct {
	Driver     string // postgres or sqlite
	URL        string // postgres DSN
	SQLitePath string
	MaxConns   int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool // false runs single-instance: in-process rooms, no archive queue
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// JWTConfig holds JWT validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// ConversationConfig holds session lifecycle tunables.
type ConversationConfig struct {
	GracePeriodMinutes int
	MaxParticipants    int
	MinParticipants    int
	SweepIntervalSec   int
	ExpireBatchSize    int
	NotifyTimeoutSec   int
	WaitingExpiry      string
	LockBackend        string // local or redis
}

// WebRTCConfig holds STUN/TURN ICE server URLs handed to clients.
type WebRTCConfig struct {
	ICEUrls []string
}

// ZegoConfig holds the room token credentials. Empty secret disables room tokens.
type ZegoConfig struct {
	AppID        uint32
	ServerSecret string
	TokenTTLSec  int64
}

// AWSConfig holds AWS credentials and the session archive bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ArchiveBucket   string
}

// Orchestrator converts the conversation settings into the core's Config.
func (c ConversationConfig) Orchestrator() (conversation.Config, error) {
	policy, err := conversation.ParseWaitingExpiryPolicy(c.WaitingExpiry)
	if err != nil {
		return conversation.Config{}, err
	}
	return conversation.Config{
		GracePeriod:     time.Duration(c.GracePeriodMinutes) * time.Minute,
		MaxParticipants: c.MaxParticipants,
		MinParticipants: c.MinParticipants,
		SweepInterval:   time.Duration(c.SweepIntervalSec) * time.Second,
		ExpireBatchSize: c.ExpireBatchSize,
		NotifyTimeout:   time.Duration(c.NotifyTimeoutSec) * time.Second,
		WaitingExpiry:   policy,
	}, nil
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
			URL:        getEnv("DATABASE_URL", "postgres://localhost:5432/conversation?sslmode=disable"),
			SQLitePath: getEnv("SQLITE_PATH", "conversation.db"),
			MaxConns:   getEnvInt("DB_MAX_CONNS", 0),
		},
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "true") == "true",
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		Conversation: ConversationConfig{
			GracePeriodMinutes: getEnvInt("CONVERSATION_GRACE_PERIOD_MINUTES", 5),
			MaxParticipants:    getEnvInt("CONVERSATION_MAX_PARTICIPANTS", 8),
			MinParticipants:    getEnvInt("CONVERSATION_MIN_PARTICIPANTS", 2),
			SweepIntervalSec:   getEnvInt("CONVERSATION_SWEEP_INTERVAL_SEC", 60),
			ExpireBatchSize:    getEnvInt("CONVERSATION_EXPIRE_BATCH_SIZE", 100),
			NotifyTimeoutSec:   getEnvInt("CONVERSATION_NOTIFY_TIMEOUT_SEC", 2),
			WaitingExpiry:      getEnv("CONVERSATION_WAITING_EXPIRY_POLICY", "keep"),
			LockBackend:        strings.ToLower(getEnv("LOCK_BACKEND", "local")),
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		Zego: ZegoConfig{
			AppID:        uint32(getEnvInt("ZEGO_APP_ID", 0)),
			ServerSecret: getEnv("ZEGO_SERVER_SECRET", ""),
			TokenTTLSec:  int64(getEnvInt("ZEGO_TOKEN_TTL_SEC", 3600)),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:   getEnv("AWS_S3_ARCHIVE_BUCKET", ""),
		},
	}

	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.Database.Driver)
	}
	switch cfg.Conversation.LockBackend {
	case "local", "redis":
	default:
		return nil, fmt.Errorf("unsupported LOCK_BACKEND %q", cfg.Conversation.LockBackend)
	}
	if _, err := conversation.ParseWaitingExpiryPolicy(cfg.Conversation.WaitingExpiry); err != nil {
		return nil, err
	}
	if cfg.Conversation.LockBackend == "redis" && !cfg.Redis.Enabled {
		return nil, fmt.Errorf("LOCK_BACKEND=redis requires REDIS_ENABLED=true")
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
