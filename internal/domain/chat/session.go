package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatSession is the conversation of one caller about one scene graph.
// GraphID is a weak reference: the graph may be deleted while its history
// stays readable.
type ChatSession struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	GraphID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_chat_session_graph_caller,priority:1" json:"graph_id"`
	CallerID string    `gorm:"column:caller_id;type:text;not null;default:'';uniqueIndex:idx_chat_session_graph_caller,priority:2" json:"caller_id"`

	// Next sequence number to hand out; bumped inside the append transaction.
	NextSeq int64 `gorm:"column:next_seq;not null;default:1" json:"next_seq"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

func (ChatSession) TableName() string { return "chat_session" }

func (s *ChatSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.NextSeq <= 0 {
		s.NextSeq = 1
	}
	return nil
}
