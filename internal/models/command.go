package models

import (
	"time"

	"gorm.io/datatypes"
)

// Статусы команды: pending → acked|failed, строго один раз.
const (
	CommandPending = "pending"
	CommandAcked   = "acked"
	CommandFailed  = "failed"
)

type Command struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	DeviceUUID string `gorm:"index;size:64;not null" json:"device_uuid"`

	Name    string         `gorm:"size:128;not null" json:"command"`
	Payload datatypes.JSON `json:"payload,omitempty"`

	Status   string         `gorm:"size:16;not null;default:pending" json:"status"`
	Response datatypes.JSON `json:"response,omitempty"`
	Error    string         `gorm:"size:1024" json:"error,omitempty"`

	AckedAt *time.Time `json:"acked_at,omitempty"`
}

// Terminal сообщает, достигла ли команда финального статуса.
func (c *Command) Terminal() bool {
	return c.Status == CommandAcked || c.Status == CommandFailed
}
