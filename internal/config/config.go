package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the dedup services.
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	GCP       GCPConfig
	PubSub    PubSubConfig
	LLM       LLMConfig
	Detection DetectionConfig
	Updates   UpdatesConfig
	Loader    LoaderConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string
	Port           string
	Addr           string // Combined host:port for convenience
	AllowedOrigins []string
	// AllowedBanks restricts which banks are analysed. Empty means every bank.
	AllowedBanks []string
	// AdminToken protects the /admin routes when set.
	AdminToken string
}

// RedisConfig holds the backing store connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// GCPConfig holds Google Cloud settings shared by BigQuery, Pub/Sub and GCS.
type GCPConfig struct {
	Project       string
	Dataset       string
	Table         string
	ReportsBucket string
	ReportsPrefix string
}

// PubSubConfig holds the topics conflict notifications are published to.
type PubSubConfig struct {
	DuplicatesTopic string
	UpdatesTopic    string
	ErrorsTopic     string
}

// LLMConfig controls the optional Gemini integrations.
type LLMConfig struct {
	ReviewEnabled      bool
	Model              string
	EmbeddingEnabled   bool
	EmbeddingModel     string
	EmbeddingThreshold float64
}

// DetectionConfig holds duplicate detector settings.
type DetectionConfig struct {
	DayTTL        time.Duration
	ExactTTL      time.Duration
	PatternTTL    time.Duration
	LookbackDays  int
	PatternMonths []int
}

// UpdatesConfig holds update detector settings.
type UpdatesConfig struct {
	TTL           time.Duration
	RequireGrowth bool
}

// LoaderConfig holds bulk loader settings.
type LoaderConfig struct {
	HistoryDays int
	PageSize    int
	Concurrency int
	QueueSize   int
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	var errs []string
	durationVar := func(key string, def time.Duration) time.Duration {
		d, err := getDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}
	intVar := func(key string, def int) int {
		n, err := getInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return n
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			AllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedBanks:   getList("ALLOWED_BANKS", nil),
			AdminToken:     os.Getenv("ADMIN_TOKEN"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       intVar("REDIS_DB", 0),
			Timeout:  durationVar("REDIS_TIMEOUT", 2*time.Second),
		},
		GCP: GCPConfig{
			Project:       os.Getenv("GCP_PROJECT"),
			Dataset:       getEnv("BIGQUERY_DATASET", "cofers_data_silver"),
			Table:         getEnv("BIGQUERY_TABLE", "transactions"),
			ReportsBucket: os.Getenv("REPORTS_BUCKET"),
			ReportsPrefix: getEnv("REPORTS_PREFIX", "dedup"),
		},
		PubSub: PubSubConfig{
			DuplicatesTopic: getEnv("PUBSUB_DUPLICATES_TOPIC", "analyze-transactions"),
			UpdatesTopic:    getEnv("PUBSUB_UPDATES_TOPIC", "similarity-transactions"),
			ErrorsTopic:     getEnv("PUBSUB_ERRORS_TOPIC", "duplicate-transactions-errors"),
		},
		LLM: LLMConfig{
			ReviewEnabled:      getBool("LLM_ENABLED", false),
			Model:              getEnv("LLM_MODEL", "gemini-2.5-flash"),
			EmbeddingEnabled:   getBool("EMBEDDING_ENABLED", false),
			EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-004"),
			EmbeddingThreshold: getFloat("EMBEDDING_THRESHOLD", 0.9),
		},
		Detection: DetectionConfig{
			DayTTL:       durationVar("DUPLICATE_DAY_TTL", 7*24*time.Hour),
			ExactTTL:     durationVar("DUPLICATE_EXACT_TTL", 15*24*time.Hour),
			PatternTTL:   durationVar("DUPLICATE_PATTERN_TTL", 365*24*time.Hour),
			LookbackDays: intVar("CONFLICT_LOOKBACK_DAYS", 3),
		},
		Updates: UpdatesConfig{
			TTL:           durationVar("UPDATES_TTL", 7*24*time.Hour),
			RequireGrowth: getBool("UPDATES_REQUIRE_GROWTH", false),
		},
		Loader: LoaderConfig{
			HistoryDays: intVar("LOADER_HISTORY_DAYS", 7),
			PageSize:    intVar("LOADER_PAGE_SIZE", 500),
			Concurrency: intVar("LOADER_CONCURRENCY", 4),
			QueueSize:   intVar("LOADER_QUEUE_SIZE", 100),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	months, err := getIntList("PATTERN_MONTHS_LOOKBACK", []int{1, 2, 3, 4, 5, 6})
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.Detection.PatternMonths = months

	// Combine host and port
	cfg.Server.Addr = fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// BankAllowed reports whether transactions of bank should be analysed.
func (c ServerConfig) BankAllowed(bank string) bool {
	if len(c.AllowedBanks) == 0 {
		return true
	}
	for _, b := range c.AllowedBanks {
		if strings.EqualFold(b, bank) {
			return true
		}
	}
	return false
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return n, nil
}

func getFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getIntList(key string, defaultValue []int) ([]int, error) {
	parts := getList(key, nil)
	if parts == nil {
		return defaultValue, nil
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return defaultValue, fmt.Errorf("%s: invalid month offset %q", key, p)
		}
		out = append(out, n)
	}
	return out, nil
}
