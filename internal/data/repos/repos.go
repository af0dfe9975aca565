package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/scenegraph-backend/internal/data/repos/chat"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

type ChatSessionRepo = chat.ChatSessionRepo
type ChatMessageRepo = chat.ChatMessageRepo

func NewChatSessionRepo(db *gorm.DB, baseLog *logger.Logger) ChatSessionRepo {
	return chat.NewChatSessionRepo(db, baseLog)
}
func NewChatMessageRepo(db *gorm.DB, baseLog *logger.Logger) ChatMessageRepo {
	return chat.NewChatMessageRepo(db, baseLog)
}
