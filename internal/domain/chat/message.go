package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	StatusComplete = "complete"
	// StatusPartial marks an assistant turn whose stream failed after some
	// chunks were delivered; Content holds them plus a failure notice.
	StatusPartial = "partial"
)

type ChatMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index:idx_chat_message_session_seq,unique,priority:1" json:"session_id"`
	GraphID   uuid.UUID `gorm:"type:uuid;not null;index" json:"graph_id"`

	Seq int64 `gorm:"column:seq;not null;index:idx_chat_message_session_seq,unique,priority:2" json:"seq"`

	Role   string `gorm:"column:role;not null;index" json:"role"`
	Status string `gorm:"column:status;not null;default:'complete'" json:"status"`

	Content  string         `gorm:"column:content;type:text;not null;default:''" json:"content"`
	Model    string         `gorm:"column:model" json:"model,omitempty"`
	Metadata datatypes.JSON `gorm:"column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index" json:"created_at"`
}

func (ChatMessage) TableName() string { return "chat_message" }

func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if len(m.Metadata) == 0 {
		m.Metadata = datatypes.JSON([]byte("{}"))
	}
	if m.Status == "" {
		m.Status = StatusComplete
	}
	return nil
}
