package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Статусы одобрения устройства. Переходы — только через approval workflow
// либо терминальные disable/delete.
const (
	ApprovalUnapproved  = "unapproved"
	ApprovalAwaiting    = "awaiting_approval"
	ApprovalApproved    = "approved"
	ApprovalDisabled    = "disabled"
	ApprovalBlacklisted = "blacklisted"
	ApprovalDeleted     = "deleted"
)

type Device struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UUID string `gorm:"uniqueIndex;size:64;not null" json:"uuid"`

	// Serial и SecretHash неизменяемы после провижининга (кроме factory reset).
	Serial     string `gorm:"uniqueIndex;size:32;not null" json:"serial"`
	SecretHash string `gorm:"size:128;not null" json:"-"`

	PairingCode   string    `gorm:"index;size:16" json:"pairing_code"`
	PairingIssued time.Time `json:"pairing_issued_at"`

	ApprovalState string `gorm:"size:32;not null;default:unapproved" json:"approval_state"`

	Name            string `gorm:"size:255" json:"name"`
	FirmwareVersion string `gorm:"size:64" json:"firmware_version"`
	TargetFirmware  string `gorm:"size:64" json:"target_firmware"`
	IPAddress       string `gorm:"size:64" json:"ip_address"`
	DebugEnabled    bool   `json:"debug_enabled"`

	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`

	// Последний подтверждённый снапшот конфигурации (из ack get_config/update_config).
	ConfigSnapshot datatypes.JSON `json:"config_snapshot,omitempty"`

	// Телеметрия последнего state-поста.
	RSSI     int   `json:"rssi"`
	FreeHeap int64 `json:"free_heap"`
	Uptime   int64 `json:"uptime"`
}

// AppState — авторитетное состояние пары (companion app), которое бекенд
// отдаёт устройству в ответ на state-пост.
type AppState struct {
	AppConnected bool   `json:"app_connected"`
	Status       string `json:"status"`
	DisplayName  string `json:"display_name,omitempty"`
	CameraOn     bool   `json:"camera_on"`
	MicMuted     bool   `json:"mic_muted"`
	InCall       bool   `json:"in_call"`
	DebugEnabled bool   `json:"debug_enabled"`
}
