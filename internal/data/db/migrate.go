package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/scenegraph-backend/internal/domain/chat"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&chat.ChatSession{},
		&chat.ChatMessage{},
	); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	// Graph deletion and per-graph history scans.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_chat_message_graph_created
		ON chat_message (graph_id, created_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_chat_message_graph_created: %w", err)
	}
	return nil
}
