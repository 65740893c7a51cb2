package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	arkembedding "github.com/cloudwego/eino-ext/components/embedding/ark"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every service setting.
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	AI        AIConfig
	Supabase  SupabaseConfig
	Qdrant    QdrantConfig
	RateLimit RateLimitConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	rateLimit, err := loadRateLimitConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Auth:      auth,
		AI:        ai,
		Supabase:  loadSupabaseConfig(),
		Qdrant:    loadQdrantConfig(),
		RateLimit: rateLimit,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" verbatim.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AuthConfig holds the shared secret for connection credentials.
type AuthConfig struct {
	JWTSecret string
}

func loadAuthConfig() (AuthConfig, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return AuthConfig{}, fmt.Errorf("JWT_SECRET is required")
	}
	return AuthConfig{JWTSecret: secret}, nil
}

// AIConfig describes the Ark chat and embedding models.
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	EmbeddingModel string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
}

// Enabled reports whether the required model credentials are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// EmbeddingEnabled reports whether query embedding is configured.
func (c AIConfig) EmbeddingEnabled() bool {
	return c.Enabled() && c.EmbeddingModel != ""
}

// NewChatModel builds a chat model instance from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY + ARK_MODEL, or AK/SK")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	})
}

// NewEmbedder builds an embedding model instance from the configuration.
func (c AIConfig) NewEmbedder(ctx context.Context) (embedding.Embedder, error) {
	if !c.EmbeddingEnabled() {
		return nil, fmt.Errorf("embedding model missing: set ARK_EMBEDDING_MODEL")
	}

	return arkembedding.NewEmbedder(ctx, &arkembedding.EmbeddingConfig{
		BaseURL:   c.BaseURL,
		Region:    c.Region,
		APIKey:    c.APIKey,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Model:     c.EmbeddingModel,
	})
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("ARK_MODEL")),
		EmbeddingModel: strings.TrimSpace(os.Getenv("ARK_EMBEDDING_MODEL")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
	}, nil
}

// SupabaseConfig describes the hosted relational datastore.
type SupabaseConfig struct {
	URL    string
	APIKey string
}

// Enabled reports whether the Supabase project is configured.
func (c SupabaseConfig) Enabled() bool {
	return c.URL != "" && c.APIKey != ""
}

func loadSupabaseConfig() SupabaseConfig {
	return SupabaseConfig{
		URL:    strings.TrimSpace(os.Getenv("SUPABASE_URL")),
		APIKey: strings.TrimSpace(os.Getenv("SUPABASE_KEY")),
	}
}

// QdrantConfig describes the vector database.
type QdrantConfig struct {
	URL            string
	APIKey         string
	CollectionName string
	MinScore       float64
}

// Enabled reports whether the vector database is configured.
func (c QdrantConfig) Enabled() bool {
	return c.URL != "" && c.CollectionName != ""
}

func loadQdrantConfig() QdrantConfig {
	minScore := 0.0
	if raw := strings.TrimSpace(os.Getenv("QDRANT_MIN_SCORE")); raw != "" {
		if val, err := strconv.ParseFloat(raw, 64); err == nil {
			minScore = val
		}
	}

	return QdrantConfig{
		URL:            strings.TrimSpace(os.Getenv("QDRANT_URL")),
		APIKey:         strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
		CollectionName: getEnvOrDefault("QDRANT_COLLECTION", "document_chunks"),
		MinScore:       minScore,
	}
}

// RateLimitConfig describes per-user message admission.
type RateLimitConfig struct {
	PerMinute     int
	Store         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func loadRateLimitConfig() (RateLimitConfig, error) {
	perMinute := 20
	if override, err := parseOptionalIntEnv("RATE_LIMIT_PER_MINUTE"); err != nil {
		return RateLimitConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return RateLimitConfig{}, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
		}
		perMinute = *override
	}

	redisDB := 0
	if override, err := parseOptionalIntEnv("REDIS_DB"); err != nil {
		return RateLimitConfig{}, err
	} else if override != nil {
		redisDB = *override
	}

	store := getEnvOrDefault("RATE_LIMIT_STORE", "memory")
	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if store == "redis" && redisAddr == "" {
		return RateLimitConfig{}, fmt.Errorf("RATE_LIMIT_STORE=redis requires REDIS_ADDR")
	}

	return RateLimitConfig{
		PerMinute:     perMinute,
		Store:         store,
		RedisAddr:     redisAddr,
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
