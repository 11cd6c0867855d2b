// Package config 配置
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Settlement rail
	SettlementURL     string
	SettlementAPIKey  string
	SettlementTimeout time.Duration

	// Invoice extraction
	ExtractionURL      string
	ExtractionTimeout  time.Duration
	ExtractionMaxBytes int64

	// Notifications
	WebhookURL   string
	EventChannel string

	// Reconciliation
	ReconcileMinAge      time.Duration
	ReconcileMaxAttempts int
	ReconcileBatchSize   int

	// 首次启动时的金库初始状态（最小单位整数）
	InitialBalance     int64
	InitialMonthlyBurn int64

	// Tracing
	TracingEnabled  bool
	JaegerEndpoint  string
	TraceSampleRate float64

	MetricsToken string
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "treasury-service"),
		HTTPPort:    getEnvInt("HTTP_PORT", 8090),

		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnvInt("DB_PORT", 5437), // 默认使用5437避免与其他项目冲突
		DBUser:            getEnv("DB_USER", "treasury"),
		DBPassword:        getEnv("DB_PASSWORD", "treasury123"),
		DBName:            getEnv("DB_NAME", "treasury"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		DBConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6380"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		SettlementURL:     getEnv("SETTLEMENT_URL", "http://localhost:8091"),
		SettlementAPIKey:  getEnv("SETTLEMENT_API_KEY", ""),
		SettlementTimeout: getEnvDuration("SETTLEMENT_TIMEOUT", 10*time.Second),

		ExtractionURL:      getEnv("EXTRACTION_URL", "http://localhost:8092"),
		ExtractionTimeout:  getEnvDuration("EXTRACTION_TIMEOUT", 30*time.Second),
		ExtractionMaxBytes: int64(getEnvInt("EXTRACTION_MAX_BYTES", 64*1024)),

		WebhookURL:   getEnv("ALERT_WEBHOOK_URL", ""),
		EventChannel: getEnv("EVENT_CHANNEL", "treasury:events"),

		ReconcileMinAge:      getEnvDuration("RECONCILE_MIN_AGE", 2*time.Minute),
		ReconcileMaxAttempts: getEnvInt("RECONCILE_MAX_ATTEMPTS", 10),
		ReconcileBatchSize:   getEnvInt("RECONCILE_BATCH_SIZE", 100),

		InitialBalance:     getEnvInt64("INITIAL_BALANCE", 100000),
		InitialMonthlyBurn: getEnvInt64("INITIAL_MONTHLY_BURN", 12000),

		TracingEnabled:  getEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint:  getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRate: getEnvFloat("TRACE_SAMPLE_RATE", 0.1),

		MetricsToken: getEnv("METRICS_TOKEN", ""),
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return errors.New("invalid HTTP_PORT")
	}
	if c.DBHost == "" || c.DBName == "" {
		return errors.New("DB_HOST and DB_NAME are required")
	}
	if c.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required")
	}
	if c.SettlementURL == "" {
		return errors.New("SETTLEMENT_URL is required")
	}
	if c.ReconcileMaxAttempts <= 0 {
		return errors.New("RECONCILE_MAX_ATTEMPTS must be positive")
	}
	if c.ExtractionMaxBytes <= 0 {
		return errors.New("EXTRACTION_MAX_BYTES must be positive")
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
