// Package config holds the configuration for the retrieval core and its
// storage collaborators. Values come from an optional YAML file, a .env file
// and the process environment, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Memory    MemoryConfig    `yaml:"memory"`
}

type DatabaseConfig struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Name           string        `yaml:"name"`
	SSLMode        string        `yaml:"ssl_mode"`
	MaxConnections int           `yaml:"max_connections"`
	ConnTimeout    time.Duration `yaml:"conn_timeout"`
}

// ConnString builds a pgx connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QdrantConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	APIKey     string        `yaml:"api_key"`
	UseTLS     bool          `yaml:"use_tls"`
	Timeout    time.Duration `yaml:"timeout"`
	Collection string        `yaml:"collection"`
	VectorSize int           `yaml:"vector_size"`
}

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"enabled"`
}

type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"` // "openai" or "ollama"
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"`
}

type ChunkingConfig struct {
	ChunkSize int  `yaml:"chunk_size"`
	Overlap   int  `yaml:"overlap"`
	Adaptive  bool `yaml:"adaptive"`
}

type RetrievalConfig struct {
	TopK          int              `yaml:"top_k"`
	HybridSearch  bool             `yaml:"hybrid_search"`
	CacheTTL      time.Duration    `yaml:"cache_ttl"`
	CacheEnabled  bool             `yaml:"cache_enabled"`
	Reflection    ReflectionConfig `yaml:"reflection"`
}

type ReflectionConfig struct {
	Enabled            bool    `yaml:"enabled"`
	MaxIterations      int     `yaml:"max_iterations"`
	RelevanceThreshold float64 `yaml:"relevance_threshold"`
	CoverageThreshold  float64 `yaml:"coverage_threshold"`
	MaxGapQueries      int     `yaml:"max_gap_queries"`
	FollowUpTopK       int     `yaml:"follow_up_top_k"`
}

type MemoryConfig struct {
	WorkingTTL        time.Duration `yaml:"working_ttl"`
	WorkingCapacity   int           `yaml:"working_capacity"`
	ShortTermTTL      time.Duration `yaml:"short_term_ttl"`
	ShortTermCapacity int           `yaml:"short_term_capacity"`
	LongTermCapacity  int           `yaml:"long_term_capacity"`
	LongTermThreshold float64       `yaml:"long_term_threshold"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           "5432",
			User:           "helix",
			Name:           "helix_rag",
			SSLMode:        "disable",
			MaxConnections: 10,
			ConnTimeout:    5 * time.Second,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6333,
			Timeout:    30 * time.Second,
			Collection: "document_chunks",
			VectorSize: 1536,
		},
		Neo4j: Neo4jConfig{
			URI:  "bolt://localhost:7687",
			User: "neo4j",
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			BaseURL:   "https://api.openai.com/v1",
			Dimension: 1536,
			Timeout:   30 * time.Second,
			CacheSize: 10000,
		},
		Chunking: ChunkingConfig{
			ChunkSize: 1000,
			Overlap:   200,
			Adaptive:  true,
		},
		Retrieval: RetrievalConfig{
			TopK:         5,
			HybridSearch: true,
			CacheTTL:     time.Hour,
			CacheEnabled: true,
			Reflection: ReflectionConfig{
				Enabled:            true,
				MaxIterations:      2,
				RelevanceThreshold: 0.6,
				CoverageThreshold:  0.7,
				MaxGapQueries:      3,
				FollowUpTopK:       5,
			},
		},
		Memory: MemoryConfig{
			WorkingTTL:        time.Hour,
			WorkingCapacity:   50,
			ShortTermTTL:      24 * time.Hour,
			ShortTermCapacity: 200,
			LongTermCapacity:  1000,
			LongTermThreshold: 0.7,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file and environment
// variables. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnv("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.Qdrant.Host = getEnv("QDRANT_HOST", c.Qdrant.Host)
	c.Qdrant.Port = getEnvInt("QDRANT_PORT", c.Qdrant.Port)
	c.Qdrant.APIKey = getEnv("QDRANT_API_KEY", c.Qdrant.APIKey)
	c.Qdrant.Collection = getEnv("QDRANT_COLLECTION", c.Qdrant.Collection)

	c.Neo4j.URI = getEnv("NEO4J_URI", c.Neo4j.URI)
	c.Neo4j.User = getEnv("NEO4J_USER", c.Neo4j.User)
	c.Neo4j.Password = getEnv("NEO4J_PASSWORD", c.Neo4j.Password)
	c.Neo4j.Enabled = getEnvBool("NEO4J_ENABLED", c.Neo4j.Enabled)

	c.Embedding.Provider = getEnv("EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.APIKey = getEnv("EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.BaseURL = getEnv("EMBEDDING_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.Dimension = getEnvInt("EMBEDDING_DIMENSION", c.Embedding.Dimension)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
