package app

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/scenegraph-backend/internal/data/db"
	"github.com/yungbote/scenegraph-backend/internal/data/graph"
	"github.com/yungbote/scenegraph-backend/internal/data/repos"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
	"github.com/yungbote/scenegraph-backend/internal/platform/neo4jdb"
)

// Storage holds the two persistent stores: the graph store for scene graphs
// and the relational database for chat history.
type Storage struct {
	DB     *db.Service
	Graphs graph.Store
	neo4j  *neo4jdb.Client
}

type Repos struct {
	ChatSession repos.ChatSessionRepo
	ChatMessage repos.ChatMessageRepo
}

func OpenStorage(ctx context.Context, log *logger.Logger, cfg Config) (*Storage, error) {
	log.Info("Opening storage...", "graph_store", cfg.GraphStore, "db_driver", cfg.DBDriver)

	var (
		svc *db.Service
		err error
	)
	switch cfg.DBDriver {
	case DBDriverSQLite:
		svc, err = db.NewSQLiteService(log, cfg.SQLitePath)
	default:
		svc, err = db.NewPostgresService(log, cfg.Postgres)
	}
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	s := &Storage{DB: svc}
	switch cfg.GraphStore {
	case GraphStoreMemory:
		log.Warn("Using in-memory graph store; graphs are lost on restart")
		s.Graphs = graph.NewMemoryStore(log)
	default:
		client, err := neo4jdb.New(ctx, log, cfg.Neo4j)
		if err != nil {
			_ = svc.Close()
			return nil, fmt.Errorf("init neo4j: %w", err)
		}
		store, err := graph.NewNeo4jStore(client, log)
		if err != nil {
			_ = client.Close(context.Background())
			_ = svc.Close()
			return nil, fmt.Errorf("init graph store: %w", err)
		}
		s.neo4j = client
		s.Graphs = store
	}
	return s, nil
}

// Migrate creates graph constraints and the chat tables. Both steps are
// idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	if err := s.Graphs.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("graph schema: %w", err)
	}
	if err := s.DB.AutoMigrateAll(); err != nil {
		return fmt.Errorf("database automigrate: %w", err)
	}
	return nil
}

func (s *Storage) Repos(log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		ChatSession: repos.NewChatSessionRepo(s.DB.DB(), log),
		ChatMessage: repos.NewChatMessageRepo(s.DB.DB(), log),
	}
}

func (s *Storage) Close() {
	if s == nil {
		return
	}
	if s.neo4j != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.neo4j.Close(ctx)
		cancel()
	}
	if s.DB != nil {
		_ = s.DB.Close()
	}
}
