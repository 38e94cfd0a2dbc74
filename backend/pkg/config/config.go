package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "biochat/backend/pkg/errors"
)

// DefaultPath is used when neither an explicit path nor CONFIG_PATH is given.
const DefaultPath = "config/config.yaml"

// Config holds all application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Schema      SchemaConfig      `yaml:"schema" envPrefix:"SCHEMA_"`
	Models      ModelsConfig      `yaml:"models" envPrefix:"MODEL_"`
	Neo4j       Neo4jConfig       `yaml:"neo4j" envPrefix:"NEO4J_"`
	VectorStore VectorStoreConfig `yaml:"vector_store" envPrefix:"WEAVIATE_"`
	Backends    BackendsConfig    `yaml:"backends" envPrefix:"BACKEND_"`
	Store       StoreConfig       `yaml:"store" envPrefix:"STORE_"`
	Limits      LimitsConfig      `yaml:"limits" envPrefix:"LIMIT_"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts" envPrefix:"TIMEOUT_"`
}

// ServerConfig configures the HTTP shim
type ServerConfig struct {
	Port        string   `yaml:"port" env:"PORT"`
	Env         string   `yaml:"env" env:"ENV" validate:"oneof=development production test"`
	LogLevel    string   `yaml:"log_level" env:"LOG_LEVEL"`
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
}

// SchemaConfig points at the two schema documents
type SchemaConfig struct {
	OntologyPath string `yaml:"ontology_path" env:"ONTOLOGY_PATH" validate:"required"`
	EnhancedPath string `yaml:"enhanced_path" env:"ENHANCED_PATH" validate:"required"`
}

// ModelConfig describes one OpenAI-compatible chat model endpoint
type ModelConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL" validate:"required,url"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	ModelID string `yaml:"model_id" env:"ID" validate:"required"`
}

// EmbeddingConfig describes the embedding model and its vector dimension
type EmbeddingConfig struct {
	BaseURL   string `yaml:"base_url" env:"BASE_URL" validate:"required,url"`
	APIKey    string `yaml:"api_key" env:"API_KEY"`
	ModelID   string `yaml:"model_id" env:"ID" validate:"required"`
	Dimension int    `yaml:"dimension" env:"DIMENSION" validate:"gt=0"`
}

// ModelsConfig holds the basic and advanced chat models plus the embedder
type ModelsConfig struct {
	Basic     ModelConfig     `yaml:"basic" envPrefix:"BASIC_"`
	Advanced  ModelConfig     `yaml:"advanced" envPrefix:"ADVANCED_"`
	Embedding EmbeddingConfig `yaml:"embedding" envPrefix:"EMBEDDING_"`
}

// Neo4jConfig configures the backing graph database
type Neo4jConfig struct {
	URI      string `yaml:"uri" env:"URI" validate:"required"`
	User     string `yaml:"user" env:"USER" validate:"required"`
	Password string `yaml:"password" env:"PASSWORD" validate:"required"`
	Database string `yaml:"database" env:"DATABASE"`
}

// VectorStoreConfig configures Weaviate. An empty host selects the in-process index.
type VectorStoreConfig struct {
	Host             string `yaml:"host" env:"HOST"`
	Scheme           string `yaml:"scheme" env:"SCHEME" validate:"omitempty,oneof=http https"`
	APIKey           string `yaml:"api_key" env:"API_KEY"`
	SharedCollection string `yaml:"shared_collection" env:"SHARED_COLLECTION" validate:"required"`
	MemoryCollection string `yaml:"memory_collection" env:"MEMORY_COLLECTION" validate:"required"`
	PDFCollection    string `yaml:"pdf_collection" env:"PDF_COLLECTION" validate:"required"`
}

// BackendsConfig lists the external specialist services
type BackendsConfig struct {
	AnnotationURL string `yaml:"annotation_url" env:"ANNOTATION_URL" validate:"required,url"`
	HypothesisURL string `yaml:"hypothesis_url" env:"HYPOTHESIS_URL" validate:"required,url"`
	PlatformURL   string `yaml:"platform_url" env:"PLATFORM_URL" validate:"required,url"`
}

// StoreConfig configures the durable conversation store
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH" validate:"required"`
}

// LimitsConfig holds quotas, thresholds and rate limits
type LimitsConfig struct {
	PDFQuota          int           `yaml:"pdf_quota" env:"PDF_QUOTA" validate:"gt=0"`
	MemoryThreshold   float64       `yaml:"memory_threshold" env:"MEMORY_THRESHOLD" validate:"gte=0,lte=1"`
	ResolverTopK      int           `yaml:"resolver_top_k" env:"RESOLVER_TOP_K" validate:"gt=0"`
	ResolverThreshold float64       `yaml:"resolver_threshold" env:"RESOLVER_THRESHOLD" validate:"gte=0,lte=1"`
	BFSTimeout        time.Duration `yaml:"bfs_timeout" env:"BFS_TIMEOUT" validate:"gt=0"`
	RequestsPerMinute int           `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE" validate:"gt=0"`
	Burst             int           `yaml:"burst" env:"BURST" validate:"gt=0"`
	HistoryTurns      int           `yaml:"history_turns" env:"HISTORY_TURNS" validate:"gt=0"`
	SearchScoreFloor  float64       `yaml:"search_score_floor" env:"SEARCH_SCORE_FLOOR"`
}

// TimeoutsConfig holds per-dependency call timeouts
type TimeoutsConfig struct {
	Model   time.Duration `yaml:"model" env:"MODEL" validate:"gt=0"`
	Graph   time.Duration `yaml:"graph" env:"GRAPH" validate:"gt=0"`
	Vector  time.Duration `yaml:"vector" env:"VECTOR" validate:"gt=0"`
	Backend time.Duration `yaml:"backend" env:"BACKEND" validate:"gt=0"`
}

var validate = validator.New()

// Load reads the YAML document, applies .env and environment overrides,
// fills defaults and validates the result. A missing document is not an
// error; the service can run purely from the environment.
func Load(path string) (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	if path == "" {
		path = getEnv("CONFIG_PATH", DefaultPath)
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	setString(&c.Server.Port, "8080")
	setString(&c.Server.Env, "development")
	setString(&c.Schema.OntologyPath, "config/schema/ontology.yaml")
	setString(&c.Schema.EnhancedPath, "config/schema/enhanced_schema.txt")
	setString(&c.Models.Basic.BaseURL, "http://localhost:4000/v1")
	setString(&c.Models.Basic.ModelID, "gpt-4o-mini")
	setString(&c.Models.Advanced.BaseURL, c.Models.Basic.BaseURL)
	setString(&c.Models.Advanced.ModelID, "gpt-4o")
	setString(&c.Models.Embedding.BaseURL, c.Models.Basic.BaseURL)
	setString(&c.Models.Embedding.ModelID, "text-embedding-3-small")
	setInt(&c.Models.Embedding.Dimension, 1536)
	setString(&c.Neo4j.URI, "bolt://localhost:7687")
	setString(&c.Neo4j.User, "neo4j")
	setString(&c.Neo4j.Password, "password")
	setString(&c.VectorStore.Scheme, "http")
	setString(&c.VectorStore.SharedCollection, "SharedDocument")
	setString(&c.VectorStore.MemoryCollection, "UserMemory")
	setString(&c.VectorStore.PDFCollection, "UserPdf")
	setString(&c.Backends.AnnotationURL, "http://localhost:9000")
	setString(&c.Backends.HypothesisURL, "http://localhost:9100")
	setString(&c.Backends.PlatformURL, "http://localhost:9200")
	setString(&c.Store.SQLitePath, "data/conversations.db")
	setInt(&c.Limits.PDFQuota, 2)
	setFloat(&c.Limits.MemoryThreshold, 0.5)
	setInt(&c.Limits.ResolverTopK, 10)
	setFloat(&c.Limits.ResolverThreshold, 0.3)
	setDuration(&c.Limits.BFSTimeout, 2*time.Second)
	setInt(&c.Limits.RequestsPerMinute, 30)
	setInt(&c.Limits.Burst, 5)
	setInt(&c.Limits.HistoryTurns, 3)
	setFloat(&c.Limits.SearchScoreFloor, 0.5)
	setDuration(&c.Timeouts.Model, 30*time.Second)
	setDuration(&c.Timeouts.Graph, 10*time.Second)
	setDuration(&c.Timeouts.Vector, 5*time.Second)
	setDuration(&c.Timeouts.Backend, 30*time.Second)
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return apperrors.NewConfigInvalid(verrs[0].Namespace(), err)
		}
		return apperrors.NewConfigInvalid("", err)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// UsesWeaviate reports whether a remote vector store is configured
func (c *Config) UsesWeaviate() bool {
	return c.VectorStore.Host != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

func setFloat(field *float64, value float64) {
	if *field == 0 {
		*field = value
	}
}

func setDuration(field *time.Duration, value time.Duration) {
	if *field == 0 {
		*field = value
	}
}
