package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"halo/internal/models"
)

var ErrCommandNotFound = errors.New("command not found")

type CommandStore struct{ db *gorm.DB }

func NewCommandStore(db *gorm.DB) *CommandStore { return &CommandStore{db: db} }

// Create ставит команду в очередь устройства (вызывается внешним актором).
func (s *CommandStore) Create(ctx context.Context, deviceUUID, name string, payload []byte) (*models.Command, error) {
	c := models.Command{
		ID:         uuid.NewString(),
		DeviceUUID: deviceUUID,
		Name:       name,
		Status:     models.CommandPending,
	}
	if len(payload) > 0 {
		c.Payload = datatypes.JSON(payload)
	}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *CommandStore) Get(ctx context.Context, id string) (*models.Command, error) {
	var c models.Command
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PendingBatch отдаёт до limit ожидающих команд устройства, старые первыми.
func (s *CommandStore) PendingBatch(ctx context.Context, deviceUUID string, limit int) ([]models.Command, error) {
	var out []models.Command
	err := s.db.WithContext(ctx).
		Where("device_uuid = ? AND status = ?", deviceUUID, models.CommandPending).
		Order("created_at").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Finalize — условный переход pending → terminal. Возвращает false, если
// строка уже не pending (конкурирующий ack выиграл): WHERE и есть наша блокировка.
func (s *CommandStore) Finalize(ctx context.Context, id, toStatus string, response []byte, errMsg string, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":   toStatus,
		"acked_at": at,
		"error":    errMsg,
	}
	if len(response) > 0 {
		updates["response"] = datatypes.JSON(response)
	}
	res := s.db.WithContext(ctx).Model(&models.Command{}).
		Where("id = ? AND status = ?", id, models.CommandPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
