package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	Typesense      TypesenseConfig
	OpenAI         OpenAIConfig
	Retrieval      RetrievalConfig
	Specialty      SpecialtyConfig
	OTEL           OTELConfig
	LogLevel       string
	Env            string
	UseMock        bool
	RequestTimeout time.Duration
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// TypesenseConfig holds Typesense configuration
type TypesenseConfig struct {
	URL    string
	APIKey string
}

// OpenAIConfig holds the embedding and generation provider configuration.
// BaseURL allows routing completions through an OpenAI-compatible gateway;
// embeddings always go to the default endpoint.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
	RateLimitRPM   int
	RateLimitBurst int
}

// RetrievalConfig holds the vector retrieval tuning knobs. IvfflatProbes is
// process-wide: every caller sees the same recall/latency tradeoff.
type RetrievalConfig struct {
	EmbeddingDimensions    int
	TopKChat               int
	TopKSummary            int
	MinSimilarity          float64
	IvfflatProbes          int
	ContextTokenBudget     int
	RerankEnabled          bool
	RerankTopN             int
	RerankSimilarityWeight float64
	RerankKeywordWeight    float64
	RerankRecencyWeight    float64
}

// SpecialtyConfig holds the specialty agent fan-out configuration
type SpecialtyConfig struct {
	Agents  []string
	Timeout time.Duration
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// maxTopK bounds retrieval result counts to keep prompt size and latency
// predictable.
const maxTopK = 12

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "clinical_insights"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Typesense: TypesenseConfig{
			URL:    getEnv("TYPESENSE_URL", "http://localhost:8108"),
			APIKey: getEnv("TYPESENSE_API_KEY", "xyz"),
		},
		OpenAI: OpenAIConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			BaseURL:        getEnv("OPENAI_BASE_URL", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			EmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-large"),
			Timeout:        getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
			RateLimitRPM:   getEnvAsInt("OPENAI_RATE_LIMIT_RPM", 60),
			RateLimitBurst: getEnvAsInt("OPENAI_RATE_LIMIT_BURST", 5),
		},
		Retrieval: RetrievalConfig{
			EmbeddingDimensions: getEnvAsInt("EMBEDDING_DIMENSIONS", 3072),
			TopKChat:            getEnvAsInt("RETRIEVAL_TOP_K_CHAT", 10),
			TopKSummary:         getEnvAsInt("RETRIEVAL_TOP_K_SUMMARY", 8),
			MinSimilarity:       getEnvAsFloat("RETRIEVAL_MIN_SIMILARITY", 0.25),
			IvfflatProbes:       getEnvAsInt("RETRIEVAL_IVFFLAT_PROBES", 10),
			ContextTokenBudget:  getEnvAsInt("CONTEXT_TOKEN_BUDGET", 6000),
			RerankEnabled:       getEnvAsBool("RERANK_ENABLED", true),
			RerankTopN:          getEnvAsInt("RERANK_TOP_N", 50),
			RerankSimilarityWeight: getEnvAsFloat("RERANK_SIMILARITY_WEIGHT", 0.6),
			RerankKeywordWeight:    getEnvAsFloat("RERANK_KEYWORD_WEIGHT", 0.25),
			RerankRecencyWeight:    getEnvAsFloat("RERANK_RECENCY_WEIGHT", 0.15),
		},
		Specialty: SpecialtyConfig{
			Agents:  getEnvAsSlice("SPECIALTY_AGENTS", []string{"Cardiology", "Endocrinology", "Nephrology"}),
			Timeout: getEnvAsDuration("SPECIALTY_TIMEOUT", 30*time.Second),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "clinical-insights"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Env:            getEnv("APP_ENV", "development"),
		UseMock:        getEnvAsBool("USE_MOCK_PROVIDERS", false),
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 90*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Retrieval.TopKChat < 1 || c.Retrieval.TopKChat > maxTopK {
		return fmt.Errorf("RETRIEVAL_TOP_K_CHAT must be between 1 and %d, got %d", maxTopK, c.Retrieval.TopKChat)
	}
	if c.Retrieval.TopKSummary < 1 || c.Retrieval.TopKSummary > maxTopK {
		return fmt.Errorf("RETRIEVAL_TOP_K_SUMMARY must be between 1 and %d, got %d", maxTopK, c.Retrieval.TopKSummary)
	}
	if c.Retrieval.MinSimilarity < 0 || c.Retrieval.MinSimilarity > 1 {
		return fmt.Errorf("RETRIEVAL_MIN_SIMILARITY must be in [0,1], got %f", c.Retrieval.MinSimilarity)
	}
	if c.Retrieval.EmbeddingDimensions <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be positive, got %d", c.Retrieval.EmbeddingDimensions)
	}
	if !c.UseMock && c.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required unless USE_MOCK_PROVIDERS=true")
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
