package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Provider names accepted for EMBEDDING_PROVIDER and GENERATION_PROVIDER.
const (
	ProviderGemini  = "gemini"
	ProviderOpenAI  = "openai"
	ProviderOllama  = "ollama"
	ProviderHashing = "hashing" // embeddings only
)

// No-context policies for the answer generator.
const (
	NoContextDecline = "decline"
	NoContextGeneral = "general"
)

// Session busy policies for concurrent ask calls on one session.
const (
	BusyQueue  = "queue"
	BusyReject = "reject"
)

// Embedding cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheOff    = "off"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	EmbeddingProvider  string
	GenerationProvider string

	GeminiAPIKey string

	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAIEmbeddingModel string
	OpenAIChatModel      string

	OllamaURL            string
	OllamaEmbeddingModel string
	OllamaChatModel      string

	HashingDimension int

	ChunkSize    int
	ChunkOverlap int

	MaxHistory          int
	SimilarityThreshold float64
	SimilarityInclusive bool
	TopK                int
	MaxFileSizeBytes    int64
	NoContextPolicy     string
	SessionBusyPolicy   string
	PromptBudgetChars   int

	EmbedTimeout    time.Duration
	GenerateTimeout time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	EmbedRatePerSec float64

	EmbedCache    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DatabaseURL string
	HTTPPort    string
	LogLevel    string

	// parseProblems lists environment values that could not be parsed.
	parseProblems []string
}

// Load reads the configuration from the environment (and a .env file when present)
// and validates it. Invalid values fail here rather than at first use.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}

	env := &envReader{}
	cfg := &Config{
		EmbeddingProvider:  strings.ToLower(getEnv("EMBEDDING_PROVIDER", ProviderGemini)),
		GenerationProvider: strings.ToLower(getEnv("GENERATION_PROVIDER", ProviderGemini)),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),

		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIEmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		OpenAIChatModel:      getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),

		OllamaURL:            getEnv("OLLAMA_URL", "http://localhost:11434"),
		OllamaEmbeddingModel: getEnv("OLLAMA_EMBEDDING_MODEL", "nomic-embed-text"),
		OllamaChatModel:      getEnv("OLLAMA_CHAT_MODEL", "llama3"),

		HashingDimension: env.getEnvAsInt("HASHING_DIMENSION", 384),

		ChunkSize:    env.getEnvAsInt("CHUNK_SIZE", 1000),
		ChunkOverlap: env.getEnvAsInt("CHUNK_OVERLAP", 200),

		MaxHistory:          env.getEnvAsInt("MAX_CONVERSATION_HISTORY", 10),
		SimilarityThreshold: env.getEnvAsFloat("SIMILARITY_THRESHOLD", 0.7),
		SimilarityInclusive: env.getEnvAsBool("SIMILARITY_INCLUSIVE", true),
		TopK:                env.getEnvAsInt("TOP_K", 3),
		MaxFileSizeBytes:    int64(env.getEnvAsInt("MAX_FILE_SIZE_MB", 10)) << 20,
		NoContextPolicy:     strings.ToLower(getEnv("NO_CONTEXT_POLICY", NoContextDecline)),
		SessionBusyPolicy:   strings.ToLower(getEnv("SESSION_BUSY_POLICY", BusyQueue)),
		PromptBudgetChars:   env.getEnvAsInt("PROMPT_BUDGET_CHARS", 12000),

		EmbedTimeout:    env.getEnvAsDuration("EMBED_TIMEOUT", 30*time.Second),
		GenerateTimeout: env.getEnvAsDuration("GENERATE_TIMEOUT", 60*time.Second),
		MaxRetries:      env.getEnvAsInt("MAX_RETRIES", 3),
		RetryBaseDelay:  env.getEnvAsDuration("RETRY_BASE_DELAY", 200*time.Millisecond),
		EmbedRatePerSec: env.getEnvAsFloat("EMBED_RATE_PER_SEC", 25),

		EmbedCache:    strings.ToLower(getEnv("EMBED_CACHE", CacheMemory)),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       env.getEnvAsInt("REDIS_DB", 0),

		DatabaseURL: getEnv("DATABASE_URL", "pdfqa.db"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		LogLevel:    strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
	}

	cfg.parseProblems = env.problems

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults without reading the environment.
// The embedding provider is the local hashing model so the result validates as is.
func Default() *Config {
	return &Config{
		EmbeddingProvider:    ProviderHashing,
		GenerationProvider:   ProviderOllama,
		OpenAIBaseURL:        "https://api.openai.com/v1",
		OpenAIEmbeddingModel: "text-embedding-3-small",
		OpenAIChatModel:      "gpt-4o-mini",
		OllamaURL:            "http://localhost:11434",
		OllamaEmbeddingModel: "nomic-embed-text",
		OllamaChatModel:      "llama3",
		HashingDimension:     384,
		ChunkSize:            1000,
		ChunkOverlap:         200,
		MaxHistory:           10,
		SimilarityThreshold:  0.7,
		SimilarityInclusive:  true,
		TopK:                 3,
		MaxFileSizeBytes:     10 << 20,
		NoContextPolicy:      NoContextDecline,
		SessionBusyPolicy:    BusyQueue,
		PromptBudgetChars:    12000,
		EmbedTimeout:         30 * time.Second,
		GenerateTimeout:      60 * time.Second,
		MaxRetries:           3,
		RetryBaseDelay:       200 * time.Millisecond,
		EmbedRatePerSec:      25,
		EmbedCache:           CacheMemory,
		RedisAddr:            "localhost:6379",
		DatabaseURL:          "pdfqa.db",
		HTTPPort:             "8080",
		LogLevel:             "INFO",
	}
}

// Validate checks every value and reports all problems at once.
func (c *Config) Validate() error {
	problems := append([]string(nil), c.parseProblems...)
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.EmbeddingProvider {
	case ProviderGemini, ProviderOpenAI, ProviderOllama, ProviderHashing:
	default:
		add("unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}
	switch c.GenerationProvider {
	case ProviderGemini, ProviderOpenAI, ProviderOllama:
	default:
		add("unknown GENERATION_PROVIDER %q", c.GenerationProvider)
	}
	if (c.EmbeddingProvider == ProviderGemini || c.GenerationProvider == ProviderGemini) && c.GeminiAPIKey == "" {
		add("GEMINI_API_KEY is required for the gemini provider")
	}
	if (c.EmbeddingProvider == ProviderOpenAI || c.GenerationProvider == ProviderOpenAI) && c.OpenAIAPIKey == "" {
		add("OPENAI_API_KEY is required for the openai provider")
	}
	if c.HashingDimension <= 0 {
		add("HASHING_DIMENSION must be positive, got %d", c.HashingDimension)
	}

	if c.ChunkSize <= 0 {
		add("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		add("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got %d", c.ChunkOverlap)
	}
	if c.MaxHistory <= 0 {
		add("MAX_CONVERSATION_HISTORY must be positive, got %d", c.MaxHistory)
	}
	if c.SimilarityThreshold < -1 || c.SimilarityThreshold > 1 {
		add("SIMILARITY_THRESHOLD must be in [-1, 1], got %g", c.SimilarityThreshold)
	}
	if c.TopK <= 0 {
		add("TOP_K must be positive, got %d", c.TopK)
	}
	if c.MaxFileSizeBytes <= 0 {
		add("MAX_FILE_SIZE_MB must be positive")
	}
	if c.NoContextPolicy != NoContextDecline && c.NoContextPolicy != NoContextGeneral {
		add("NO_CONTEXT_POLICY must be %q or %q, got %q", NoContextDecline, NoContextGeneral, c.NoContextPolicy)
	}
	if c.SessionBusyPolicy != BusyQueue && c.SessionBusyPolicy != BusyReject {
		add("SESSION_BUSY_POLICY must be %q or %q, got %q", BusyQueue, BusyReject, c.SessionBusyPolicy)
	}
	if c.PromptBudgetChars < 1000 {
		add("PROMPT_BUDGET_CHARS must be at least 1000, got %d", c.PromptBudgetChars)
	}
	if c.EmbedTimeout <= 0 || c.GenerateTimeout <= 0 {
		add("EMBED_TIMEOUT and GENERATE_TIMEOUT must be positive")
	}
	if c.MaxRetries < 0 {
		add("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.EmbedRatePerSec <= 0 {
		add("EMBED_RATE_PER_SEC must be positive, got %g", c.EmbedRatePerSec)
	}
	switch c.EmbedCache {
	case CacheMemory, CacheOff:
	case CacheRedis:
		if c.RedisAddr == "" {
			add("REDIS_ADDR is required when EMBED_CACHE=redis")
		}
	default:
		add("unknown EMBED_CACHE %q", c.EmbedCache)
	}
	if c.RedisDB < 0 {
		add("REDIS_DB must not be negative, got %d", c.RedisDB)
	}
	if c.DatabaseURL == "" {
		add("DATABASE_URL must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// envReader parses typed values and records the ones that are malformed so
// Validate can report them instead of silently using the default.
type envReader struct {
	problems []string
}

func (e *envReader) malformed(key, value, kind string) {
	log.Warn().Str("key", key).Str("value", value).Msg("Not " + kind)
	e.problems = append(e.problems, fmt.Sprintf("%s=%q is not %s", key, value, kind))
}

func (e *envReader) getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		e.malformed(key, valueStr, "an integer")
		return defaultValue
	}
	return value
}

func (e *envReader) getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		e.malformed(key, valueStr, "a number")
		return defaultValue
	}
	return value
}

func (e *envReader) getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		e.malformed(key, valueStr, "a boolean")
		return defaultValue
	}
	return value
}

func (e *envReader) getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		e.malformed(key, valueStr, "a duration")
		return defaultValue
	}
	return value
}
