package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"halo/internal/devauth"
	"halo/internal/models"
)

var (
	ErrNotFound     = errors.New("device not found")
	ErrUnauthorized = errors.New("unauthorized")
)

type DeviceStore struct {
	db         *gorm.DB
	codeExpiry time.Duration
}

func NewDeviceStore(db *gorm.DB, codeExpiry time.Duration) *DeviceStore {
	if codeExpiry <= 0 {
		codeExpiry = 24 * time.Hour
	}
	return &DeviceStore{db: db, codeExpiry: codeExpiry}
}

type ProvisionInput struct {
	Serial          string
	KeyHash         string
	FirmwareVersion string
	IPAddress       string
	// Код, который устройство хочет сохранить при миграции.
	ExistingPairingCode string
}

// Provision создаёт или обновляет запись устройства по серийнику.
// Серийник и key hash неизменяемы: расхождение hash трактуется как unauthorized.
func (s *DeviceStore) Provision(ctx context.Context, in ProvisionInput) (*models.Device, error) {
	serial := strings.TrimSpace(in.Serial)
	if serial == "" || strings.TrimSpace(in.KeyHash) == "" {
		return nil, ErrUnauthorized
	}

	var d models.Device
	err := s.db.WithContext(ctx).Where(&models.Device{Serial: serial}).First(&d).Error
	switch {
	case err == nil:
		if d.SecretHash != in.KeyHash {
			return nil, ErrUnauthorized
		}
		changed := false
		if in.FirmwareVersion != "" && d.FirmwareVersion != in.FirmwareVersion {
			d.FirmwareVersion = in.FirmwareVersion
			changed = true
		}
		if in.IPAddress != "" && d.IPAddress != in.IPAddress {
			d.IPAddress = in.IPAddress
			changed = true
		}
		// Непросроченный код неодобренного устройства не должен жить вечно.
		if d.ApprovalState == models.ApprovalUnapproved || d.ApprovalState == models.ApprovalAwaiting {
			if time.Since(d.PairingIssued) > s.codeExpiry {
				d.PairingCode = devauth.NewPairCode()
				d.PairingIssued = time.Now().UTC()
				changed = true
			}
		}
		if changed {
			if err := s.db.WithContext(ctx).Save(&d).Error; err != nil {
				return nil, err
			}
		}
		return &d, nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		code := devauth.NormalizePairCode(in.ExistingPairingCode)
		if !devauth.ValidPairCode(code) {
			code = devauth.NewPairCode()
		}
		d = models.Device{
			UUID:            uuid.NewString(),
			Serial:          serial,
			SecretHash:      in.KeyHash,
			PairingCode:     code,
			PairingIssued:   time.Now().UTC(),
			ApprovalState:   models.ApprovalAwaiting,
			FirmwareVersion: in.FirmwareVersion,
			IPAddress:       in.IPAddress,
		}
		if err := s.db.WithContext(ctx).Create(&d).Error; err != nil {
			return nil, err
		}
		return &d, nil

	default:
		return nil, err
	}
}

func (s *DeviceStore) GetBySerial(ctx context.Context, serial string) (*models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).Where(&models.Device{Serial: serial}).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *DeviceStore) GetByUUID(ctx context.Context, id string) (*models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).Where(&models.Device{UUID: id}).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// LookupSecret реализует devauth.SecretSource. Терминальные состояния не резолвятся:
// их запросы не должны проходить дальше аутентификации.
func (s *DeviceStore) LookupSecret(ctx context.Context, serial string) (string, string, string, error) {
	d, err := s.GetBySerial(ctx, serial)
	if err != nil {
		return "", "", "", err
	}
	switch d.ApprovalState {
	case models.ApprovalApproved:
		return d.SecretHash, d.UUID, d.PairingCode, nil
	default:
		return "", "", "", ErrUnauthorized
	}
}

// UpdateTelemetry сохраняет телеметрию state-поста и отметку last-seen.
func (s *DeviceStore) UpdateTelemetry(ctx context.Context, deviceUUID string, rssi int, freeHeap, uptime int64, firmware string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"rssi":         rssi,
		"free_heap":    freeHeap,
		"uptime":       uptime,
		"last_seen_at": now,
	}
	if firmware != "" {
		updates["firmware_version"] = firmware
	}
	res := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("uuid = ?", deviceUUID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetApprovalState — approval workflow (внешний актор). Удаление — тоже
// статус, строка остаётся: серийник занят, повторный provision получит 410.
func (s *DeviceStore) SetApprovalState(ctx context.Context, deviceUUID, state string) error {
	switch state {
	case models.ApprovalApproved, models.ApprovalDisabled,
		models.ApprovalBlacklisted, models.ApprovalDeleted:
	default:
		return errors.New("bad approval state")
	}
	res := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("uuid = ?", deviceUUID).
		Update("approval_state", state)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTargetFirmware назначает устройству целевую версию прошивки.
func (s *DeviceStore) SetTargetFirmware(ctx context.Context, deviceUUID, version string) error {
	res := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("uuid = ?", deviceUUID).
		Update("target_firmware", version)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveConfigSnapshot фиксирует подтверждённую конфигурацию устройства.
func (s *DeviceStore) SaveConfigSnapshot(ctx context.Context, deviceUUID string, snapshot []byte) error {
	res := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("uuid = ?", deviceUUID).
		Update("config_snapshot", snapshot)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DeviceStore) List(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	err := s.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}
