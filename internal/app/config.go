package app

import (
	"strings"
	"time"

	"github.com/yungbote/scenegraph-backend/internal/data/db"
	"github.com/yungbote/scenegraph-backend/internal/ingestion/normalize"
	"github.com/yungbote/scenegraph-backend/internal/observability"
	"github.com/yungbote/scenegraph-backend/internal/platform/envutil"
	"github.com/yungbote/scenegraph-backend/internal/platform/httpx"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
	"github.com/yungbote/scenegraph-backend/internal/platform/neo4jdb"
	"github.com/yungbote/scenegraph-backend/internal/platform/openai"
	"github.com/yungbote/scenegraph-backend/internal/platform/redislock"
	"github.com/yungbote/scenegraph-backend/internal/services"
)

const (
	GraphStoreNeo4j  = "neo4j"
	GraphStoreMemory = "memory"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

type Config struct {
	LogMode        string
	HTTPAddr       string
	ShutdownGrace  time.Duration
	CORSOrigins    []string
	MaxUploadBytes int64
	JWTSecretKey   string

	OpenAI          openai.Config
	ExtractionModel string
	QueryModel      string
	Extraction      services.RetryConfig
	Query           services.RetryConfig
	SceneGraph      services.SceneGraphConfig

	Normalize     normalize.Config
	PDFRenderDPI  int
	MediaWorkRoot string

	GraphStore string
	Neo4j      neo4jdb.Config

	DBDriver   string
	Postgres   db.PostgresConfig
	SQLitePath string

	Redis redislock.Config

	Otel           observability.OtelConfig
	MetricsEnabled bool
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		LogMode:        envutil.String("LOG_MODE", "development"),
		HTTPAddr:       envutil.String("HTTP_ADDR", ":8080"),
		ShutdownGrace:  envutil.Duration("SHUTDOWN_GRACE", 15*time.Second),
		CORSOrigins:    envutil.List("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:5174"}),
		MaxUploadBytes: int64(envutil.Int("MAX_UPLOAD_BYTES", 10<<20)),
		JWTSecretKey:   envutil.String("JWT_SECRET_KEY", ""),

		OpenAI:          openai.ConfigFromEnv(),
		ExtractionModel: envutil.String("OPENAI_EXTRACTION_MODEL", "gpt-4o"),
		QueryModel:      envutil.String("OPENAI_QUERY_MODEL", "gpt-4o-mini"),
		Extraction: services.RetryConfig{
			Timeout:     envutil.Duration("EXTRACTION_TIMEOUT", 120*time.Second),
			MaxAttempts: envutil.Int("EXTRACTION_MAX_ATTEMPTS", 3),
			Backoff: httpx.Backoff{
				Base:       envutil.Duration("EXTRACTION_BACKOFF_BASE", 2*time.Second),
				Multiplier: 2,
				Max:        envutil.Duration("EXTRACTION_BACKOFF_MAX", 30*time.Second),
			},
		},
		Query: services.RetryConfig{
			Timeout:     envutil.Duration("QUERY_TIMEOUT", 90*time.Second),
			MaxAttempts: envutil.Int("QUERY_MAX_ATTEMPTS", 2),
		},
		SceneGraph: services.SceneGraphConfig{
			ContextMaxTokens: envutil.Int("CONTEXT_MAX_TOKENS", 100000),
			CacheSize:        envutil.Int("CONTEXT_CACHE_SIZE", 128),
			CacheTTL:         envutil.Duration("CONTEXT_CACHE_TTL", 30*time.Minute),
		},

		Normalize: normalize.Config{
			MaxSide:  envutil.Int("NORMALIZE_MAX_SIDE", 2048),
			MaxPages: envutil.Int("NORMALIZE_MAX_PAGES", 8),
		},
		PDFRenderDPI:  envutil.Int("PDF_RENDER_DPI", 144),
		MediaWorkRoot: envutil.String("MEDIA_WORK_ROOT", ""),

		GraphStore: strings.ToLower(envutil.String("GRAPH_STORE", GraphStoreNeo4j)),
		Neo4j:      neo4jdb.ConfigFromEnv(),

		DBDriver: strings.ToLower(envutil.String("DB_DRIVER", DBDriverPostgres)),
		Postgres: db.PostgresConfig{
			Host:     envutil.String("POSTGRES_HOST", "localhost"),
			Port:     envutil.String("POSTGRES_PORT", "5432"),
			User:     envutil.String("POSTGRES_USER", "postgres"),
			Password: envutil.String("POSTGRES_PASSWORD", ""),
			Name:     envutil.String("POSTGRES_NAME", "scenegraph"),
			SSLMode:  envutil.String("POSTGRES_SSLMODE", "disable"),
		},
		SQLitePath: envutil.String("SQLITE_PATH", "scenegraph.db"),

		Redis: redislock.ConfigFromEnv(),

		Otel:           observability.OtelConfigFromEnv(),
		MetricsEnabled: observability.Enabled(),
	}

	if log == nil {
		log = logger.NewNop()
	}
	if cfg.JWTSecretKey == "" {
		log.Warn("JWT_SECRET_KEY not set; bearer tokens are read without verification")
	}
	if cfg.GraphStore != GraphStoreNeo4j && cfg.GraphStore != GraphStoreMemory {
		log.Warn("Unknown GRAPH_STORE, falling back to neo4j", "value", cfg.GraphStore)
		cfg.GraphStore = GraphStoreNeo4j
	}
	if cfg.DBDriver != DBDriverPostgres && cfg.DBDriver != DBDriverSQLite {
		log.Warn("Unknown DB_DRIVER, falling back to postgres", "value", cfg.DBDriver)
		cfg.DBDriver = DBDriverPostgres
	}
	return cfg
}
