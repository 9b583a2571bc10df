package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dripmail/models"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

// ProviderConfig selects an HTTP email API instead of SMTP when Endpoint is set.
type ProviderConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"-"`
}

type SchedulerConfig struct {
	Interval        time.Duration `json:"interval"`
	DistributedLock bool          `json:"distributed_lock"`
	LockTTL         time.Duration `json:"lock_ttl"`
	DueBatchSize    int           `json:"due_batch_size"`
	MaxAttempts     int           `json:"max_attempts"`
	RetryBackoff    time.Duration `json:"retry_backoff"`
}

type BatchConfig struct {
	PageSize   int           `json:"page_size"`
	ChunkSize  int           `json:"chunk_size"`
	ChunkDelay time.Duration `json:"chunk_delay"`
}

type Config struct {
	Environment      string          `json:"environment"`
	ServerPort       string          `json:"server_port"`
	AllowedOrigins   []string        `json:"allowed_origins"`
	JWTSecret        string          `json:"-"`
	DBHost           string          `json:"db_host"`
	DBPort           string          `json:"db_port"`
	DBUser           string          `json:"db_user"`
	DBPassword       string          `json:"-"`
	DBName           string          `json:"db_name"`
	DBSSLMode        string          `json:"db_ssl_mode"`
	DBMaxIdleConns   int             `json:"db_max_idle_conns"`
	DBMaxOpenConns   int             `json:"db_max_open_conns"`
	Redis            RedisConfig     `json:"redis"`
	SMTP             SMTPConfig      `json:"smtp"`
	Provider         ProviderConfig  `json:"provider"`
	FromEmail        string          `json:"from_email"`
	FromName         string          `json:"from_name"`
	MockEmail        bool            `json:"mock_email"`
	TransportTimeout time.Duration   `json:"transport_timeout"`
	TrackingBaseURL  string          `json:"tracking_base_url"`
	TriggerRateLimit int             `json:"trigger_rate_limit"`
	Scheduler        SchedulerConfig `json:"scheduler"`
	Batch            BatchConfig     `json:"batch"`
	LogLevel         string          `json:"log_level"`
	LogFile          string          `json:"log_file"`
	SentryDSN        string          `json:"-"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "dripmail"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
		},
		Provider: ProviderConfig{
			Endpoint: getEnv("EMAIL_API_ENDPOINT", ""),
			APIKey:   getEnv("EMAIL_API_KEY", ""),
		},
		FromEmail:        getEnv("FROM_EMAIL", "no-reply@localhost"),
		FromName:         getEnv("FROM_NAME", ""),
		MockEmail:        getEnvAsBool("MOCK_EMAIL", false),
		TransportTimeout: getEnvAsDuration("TRANSPORT_TIMEOUT", 30*time.Second),
		TrackingBaseURL:  getEnv("TRACKING_BASE_URL", "http://localhost:5000"),
		TriggerRateLimit: getEnvAsInt("TRIGGER_RATE_LIMIT", 30),
		Scheduler: SchedulerConfig{
			Interval:        getEnvAsDuration("SCHEDULER_INTERVAL", time.Minute),
			DistributedLock: getEnvAsBool("SCHEDULER_DISTRIBUTED_LOCK", false),
			LockTTL:         getEnvAsDuration("SCHEDULER_LOCK_TTL", 10*time.Minute),
			DueBatchSize:    getEnvAsInt("SEQUENCE_BATCH_SIZE", 100),
			MaxAttempts:     getEnvAsInt("SEQUENCE_MAX_ATTEMPTS", 0),
			RetryBackoff:    getEnvAsDuration("SEQUENCE_RETRY_BACKOFF", 5*time.Minute),
		},
		Batch: BatchConfig{
			PageSize:   getEnvAsInt("BATCH_PAGE_SIZE", 50),
			ChunkSize:  getEnvAsInt("BATCH_CHUNK_SIZE", 10),
			ChunkDelay: getEnvAsDuration("BATCH_CHUNK_DELAY", 500*time.Millisecond),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFile:   getEnv("LOG_FILE", ""),
		SentryDSN: getEnv("SENTRY_DSN", ""),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !AppConfig.MockEmail && AppConfig.SMTP.Host == "" && AppConfig.Provider.Endpoint == "" {
		return fmt.Errorf("SMTP_HOST or EMAIL_API_ENDPOINT is required unless MOCK_EMAIL=true")
	}
	if AppConfig.Scheduler.DistributedLock && !AppConfig.Redis.Enabled {
		return fmt.Errorf("SCHEDULER_DISTRIBUTED_LOCK requires REDIS_ENABLED=true")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.Info("Using connection string: ", maskPassword(dsn))

	gormLog := logger.Default.LogMode(logger.Warn)
	if AppConfig.Environment == "development" {
		gormLog = logger.Default.LogMode(logger.Info)
	}

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("Successfully connected to the database")
	logrus.Info("Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	if err := models.CreateDefaultTemplates(DB); err != nil {
		return fmt.Errorf("failed to seed default templates: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

// NewRedisClient connects to redis, or returns nil when redis is disabled.
func NewRedisClient(ctx context.Context) (*redis.Client, error) {
	if !AppConfig.Redis.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s", "5m").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":        AppConfig.Environment,
		"server_port":        AppConfig.ServerPort,
		"database":           fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":              AppConfig.Redis.Enabled,
		"smtp":               AppConfig.SMTP.Host != "",
		"email_api":          AppConfig.Provider.Endpoint != "",
		"mock_email":         AppConfig.MockEmail,
		"scheduler_interval": AppConfig.Scheduler.Interval.String(),
		"distributed_lock":   AppConfig.Scheduler.DistributedLock,
		"max_attempts":       AppConfig.Scheduler.MaxAttempts,
	}).Info("Loaded configuration")
}

// MigrateDB creates or updates every table.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Subscriber{},
		&models.List{},
		&models.SubscriberList{},
		&models.Template{},
		&models.Campaign{},
		&models.CampaignList{},
		&models.SequenceEmail{},
		&models.SubscriberSequenceProgress{},
		&models.EmailView{},
	)
}
