package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Redis   RedisConfig
	Qdrant  QdrantConfig
	GenAI   GenAIConfig
	Models  ModelsConfig
	Cache   CacheConfig
	Phases  PhasesConfig
	Storage StorageConfig
}

type ServerConfig struct {
	Port    string
	Version string
	Env     string
}

type LogConfig struct {
	Level string
}

type RedisConfig struct {
	Addr       string
	TokenLimit int
	JobTTL     time.Duration
}

type QdrantConfig struct {
	Host                string
	Port                int
	CacheCollection     string
	KnowledgeCollection string
	Dim                 uint64
}

type GenAIConfig struct {
	Project        string
	Location       string
	APIKey         string
	EmbeddingModel string
}

// ModelsConfig maps catalog tiers to hosted model ids.
type ModelsConfig struct {
	Fast     string
	Balanced string
	Premium  string
	Expert   string
}

type CacheConfig struct {
	Threshold float32
	TTL       time.Duration
}

// PhaseConfig sizes one job-queue lane.
type PhaseConfig struct {
	Concurrency int
	RateMax     int
	RateWindow  time.Duration
	Timeout     time.Duration
	Attempts    int
}

type PhasesConfig struct {
	Phase1 PhaseConfig
	Phase2 PhaseConfig
	Phase3 PhaseConfig
}

type StorageConfig struct {
	DataDir string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: "3001", Version: "dev", Env: "development"},
		Log:    LogConfig{Level: "info"},
		Redis:  RedisConfig{TokenLimit: 200000, JobTTL: 24 * time.Hour},
		Qdrant: QdrantConfig{
			Port:                6334,
			CacheCollection:     "finops_cache",
			KnowledgeCollection: "finops_knowledge",
			Dim:                 768,
		},
		GenAI: GenAIConfig{Location: "us-central1", EmbeddingModel: "text-embedding-004"},
		Models: ModelsConfig{
			Fast:     "gemini-2.0-flash-lite",
			Balanced: "gemini-2.0-flash",
			Premium:  "gemini-2.5-flash",
			Expert:   "gemini-2.5-pro",
		},
		Cache: CacheConfig{Threshold: 0.85, TTL: 24 * time.Hour},
		Phases: PhasesConfig{
			Phase1: PhaseConfig{Concurrency: 5, RateMax: 10, RateWindow: time.Second, Timeout: 30 * time.Second, Attempts: 2},
			Phase2: PhaseConfig{Concurrency: 20, RateMax: 50, RateWindow: time.Second, Timeout: 45 * time.Second, Attempts: 2},
			Phase3: PhaseConfig{Concurrency: 5, RateMax: 10, RateWindow: time.Second, Timeout: 30 * time.Second, Attempts: 2},
		},
		Storage: StorageConfig{DataDir: "./data"},
	}
}

// LoadDotEnv loads a dotenv file into the process environment without
// overriding variables that are already set.
func LoadDotEnv(path string) error {
	return godotenv.Load(path)
}

// Load builds the configuration from defaults and environment variables.
func Load() (Config, error) {
	return loadWith(os.Getenv)
}

func loadWith(getenv func(string) string) (Config, error) {
	cfg := defaults()
	p := parser{getenv: getenv}

	p.str("PORT", &cfg.Server.Port)
	p.str("APP_VERSION", &cfg.Server.Version)
	p.str("ENV", &cfg.Server.Env)
	p.str("LOG_LEVEL", &cfg.Log.Level)

	p.str("REDIS_ADDR", &cfg.Redis.Addr)
	p.integer("USER_TOKEN_LIMIT", &cfg.Redis.TokenLimit)
	p.duration("JOB_STATUS_TTL", &cfg.Redis.JobTTL)

	p.str("QDRANT_HOST", &cfg.Qdrant.Host)
	p.integer("QDRANT_PORT", &cfg.Qdrant.Port)
	p.str("QDRANT_CACHE_COLLECTION", &cfg.Qdrant.CacheCollection)
	p.str("QDRANT_KNOWLEDGE_COLLECTION", &cfg.Qdrant.KnowledgeCollection)
	p.unsigned("EMBEDDING_DIM", &cfg.Qdrant.Dim)

	p.str("GOOGLE_CLOUD_PROJECT", &cfg.GenAI.Project)
	p.str("GOOGLE_CLOUD_LOCATION", &cfg.GenAI.Location)
	p.str("GEMINI_API_KEY", &cfg.GenAI.APIKey)
	p.str("EMBEDDING_MODEL", &cfg.GenAI.EmbeddingModel)

	p.str("MODEL_FAST", &cfg.Models.Fast)
	p.str("MODEL_BALANCED", &cfg.Models.Balanced)
	p.str("MODEL_PREMIUM", &cfg.Models.Premium)
	p.str("MODEL_EXPERT", &cfg.Models.Expert)

	p.fraction("CACHE_SIMILARITY_THRESHOLD", &cfg.Cache.Threshold)
	p.duration("CACHE_TTL", &cfg.Cache.TTL)

	p.phase("PHASE1", &cfg.Phases.Phase1)
	p.phase("PHASE2", &cfg.Phases.Phase2)
	p.phase("PHASE3", &cfg.Phases.Phase3)

	p.str("DATA_DIR", &cfg.Storage.DataDir)

	if p.err != nil {
		return Config{}, p.err
	}
	if cfg.Cache.Threshold <= 0 || cfg.Cache.Threshold > 1 {
		return Config{}, fmt.Errorf("CACHE_SIMILARITY_THRESHOLD must be in (0, 1], got %v", cfg.Cache.Threshold)
	}
	if cfg.GenAI.Project == "" && cfg.GenAI.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: set GOOGLE_CLOUD_PROJECT (Vertex AI) or GEMINI_API_KEY")
	}
	return cfg, nil
}

// parser records the first malformed variable and ignores the rest.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key string, dst *string) {
	if v := p.getenv(key); v != "" {
		*dst = v
	}
}

func (p *parser) integer(key string, dst *int) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (p *parser) unsigned(key string, dst *uint64) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (p *parser) fraction(key string, dst *float32) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = float32(f)
}

func (p *parser) duration(key string, dst *time.Duration) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}

func (p *parser) phase(prefix string, dst *PhaseConfig) {
	p.integer(prefix+"_CONCURRENCY", &dst.Concurrency)
	p.integer(prefix+"_RATE_MAX", &dst.RateMax)
	p.duration(prefix+"_RATE_WINDOW", &dst.RateWindow)
	p.duration(prefix+"_TIMEOUT", &dst.Timeout)
	p.integer(prefix+"_ATTEMPTS", &dst.Attempts)
}
