package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Transport kinds
const (
	TransportMemory    = "memory"
	TransportRedis     = "redis"
	TransportWebSocket = "websocket"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Observability
	JaegerEndpoint string
	LogLevel       string

	// Collaboration transport
	Transport    string
	RedisAddr    string
	RealtimeURL  string
	ShareBaseURL string

	// Local replica storage (bbolt file)
	ReplicaPath string

	// Timing
	AutosaveDelay       time.Duration
	SaveTimeout         time.Duration
	PresenceHeartbeat   time.Duration
	PresenceTimeout     time.Duration
	AntiEntropyInterval time.Duration

	// Worker pool configuration
	MirrorWorkers   int
	MirrorQueueSize int
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "resume_collab"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		Transport:    getEnv("TRANSPORT", TransportMemory),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		RealtimeURL:  getEnv("REALTIME_URL", ""),
		ShareBaseURL: getEnv("SHARE_BASE_URL", "http://localhost:8080/resume"),

		ReplicaPath: getEnv("REPLICA_PATH", "replicas.db"),

		AutosaveDelay:       getEnvDuration("AUTOSAVE_DELAY", 3*time.Second),
		SaveTimeout:         getEnvDuration("SAVE_TIMEOUT", 10*time.Second),
		PresenceHeartbeat:   getEnvDuration("PRESENCE_HEARTBEAT", 5*time.Second),
		PresenceTimeout:     getEnvDuration("PRESENCE_TIMEOUT", 20*time.Second),
		AntiEntropyInterval: getEnvDuration("ANTI_ENTROPY_INTERVAL", 30*time.Second),

		MirrorWorkers:   getEnvInt("MIRROR_WORKERS", 2),
		MirrorQueueSize: getEnvInt("MIRROR_QUEUE_SIZE", 64),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects combinations the server cannot start with
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportMemory, TransportRedis:
	case TransportWebSocket:
		if c.RealtimeURL == "" {
			return fmt.Errorf("REALTIME_URL is required when TRANSPORT=%s", TransportWebSocket)
		}
	default:
		return fmt.Errorf("unknown TRANSPORT %q", c.Transport)
	}
	if c.PresenceTimeout <= c.PresenceHeartbeat {
		return fmt.Errorf("PRESENCE_TIMEOUT (%s) must exceed PRESENCE_HEARTBEAT (%s)", c.PresenceTimeout, c.PresenceHeartbeat)
	}
	if c.MirrorWorkers < 1 {
		return fmt.Errorf("MIRROR_WORKERS must be at least 1")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("3s", "500ms"); a bare "0" disables.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
