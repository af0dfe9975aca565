package chat

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/scenegraph-backend/internal/domain/chat"
	"github.com/yungbote/scenegraph-backend/internal/pkg/dbctx"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

type ChatSessionRepo interface {
	// Get returns nil, nil when the caller has never asked about the graph.
	Get(dbc dbctx.Context, graphID uuid.UUID, callerID string) (*types.ChatSession, error)
	GetOrCreate(dbc dbctx.Context, graphID uuid.UUID, callerID string) (*types.ChatSession, error)
	ListByGraph(dbc dbctx.Context, graphID uuid.UUID) ([]*types.ChatSession, error)
}

type chatSessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatSessionRepo(db *gorm.DB, log *logger.Logger) ChatSessionRepo {
	return &chatSessionRepo{db: db, log: log.With("repo", "ChatSessionRepo")}
}

func (r *chatSessionRepo) Get(dbc dbctx.Context, graphID uuid.UUID, callerID string) (*types.ChatSession, error) {
	if graphID == uuid.Nil {
		return nil, fmt.Errorf("missing graph_id")
	}
	var out types.ChatSession
	err := dbc.DB(r.db).
		Where("graph_id = ? AND caller_id = ?", graphID, callerID).
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrCreate is safe under concurrent first asks: the insert is a no-op on
// conflict and the row is re-read either way.
func (r *chatSessionRepo) GetOrCreate(dbc dbctx.Context, graphID uuid.UUID, callerID string) (*types.ChatSession, error) {
	if graphID == uuid.Nil {
		return nil, fmt.Errorf("missing graph_id")
	}
	row := &types.ChatSession{GraphID: graphID, CallerID: callerID, NextSeq: 1}
	if err := dbc.DB(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "graph_id"}, {Name: "caller_id"}},
			DoNothing: true,
		}).
		Create(row).Error; err != nil {
		return nil, fmt.Errorf("create chat session: %w", err)
	}
	out, err := r.Get(dbc, graphID, callerID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("chat session for graph %s vanished after create", graphID)
	}
	return out, nil
}

func (r *chatSessionRepo) ListByGraph(dbc dbctx.Context, graphID uuid.UUID) ([]*types.ChatSession, error) {
	var out []*types.ChatSession
	if err := dbc.DB(r.db).
		Where("graph_id = ?", graphID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
