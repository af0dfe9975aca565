package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/scenegraph-backend/internal/domain/chat"
	"github.com/yungbote/scenegraph-backend/internal/pkg/dbctx"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

type ChatMessageRepo interface {
	// AppendTurn writes rows as one unit, assigning consecutive seq numbers
	// from the session counter. Either every row lands or none does.
	AppendTurn(dbc dbctx.Context, sessionID uuid.UUID, rows []*types.ChatMessage) ([]*types.ChatMessage, error)
	// ListBySession returns the most recent limit messages in ascending seq order.
	ListBySession(dbc dbctx.Context, sessionID uuid.UUID, limit int) ([]*types.ChatMessage, error)
	CountBySession(dbc dbctx.Context, sessionID uuid.UUID) (int64, error)
}

type chatMessageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatMessageRepo(db *gorm.DB, log *logger.Logger) ChatMessageRepo {
	return &chatMessageRepo{db: db, log: log.With("repo", "ChatMessageRepo")}
}

func (r *chatMessageRepo) AppendTurn(dbc dbctx.Context, sessionID uuid.UUID, rows []*types.ChatMessage) ([]*types.ChatMessage, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session_id")
	}
	if len(rows) == 0 {
		return []*types.ChatMessage{}, nil
	}

	write := func(tx *gorm.DB) error {
		n := int64(len(rows))
		res := tx.Model(&types.ChatSession{}).
			Where("id = ?", sessionID).
			Updates(map[string]interface{}{
				"next_seq":   gorm.Expr("next_seq + ?", n),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("reserve seq: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("chat session %s not found", sessionID)
		}
		var next int64
		if err := tx.Model(&types.ChatSession{}).
			Select("next_seq").
			Where("id = ?", sessionID).
			Scan(&next).Error; err != nil {
			return fmt.Errorf("read seq: %w", err)
		}
		first := next - n
		for i, row := range rows {
			row.SessionID = sessionID
			row.Seq = first + int64(i)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		return nil
	}

	var err error
	if dbc.Tx != nil {
		err = write(dbc.DB(r.db))
	} else {
		err = dbc.DB(r.db).Transaction(write)
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chatMessageRepo) ListBySession(dbc dbctx.Context, sessionID uuid.UUID, limit int) ([]*types.ChatMessage, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session_id")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []*types.ChatMessage
	if err := dbc.DB(r.db).
		Model(&types.ChatMessage{}).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	// Normalize to ASC for clients.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *chatMessageRepo) CountBySession(dbc dbctx.Context, sessionID uuid.UUID) (int64, error) {
	var n int64
	if err := dbc.DB(r.db).
		Model(&types.ChatMessage{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}
