package commands

import (
	"context"
	"errors"
	"time"

	"halo/internal/logs"
	"halo/internal/models"
	"halo/internal/repo"
)

// Store — контракт хранилища команд.
type Store interface {
	Get(ctx context.Context, id string) (*models.Command, error)
	PendingBatch(ctx context.Context, deviceUUID string, limit int) ([]models.Command, error)
	Finalize(ctx context.Context, id, toStatus string, response []byte, errMsg string, at time.Time) (bool, error)
}

// ConfigSink принимает подтверждённый снапшот конфигурации устройства.
type ConfigSink interface {
	SaveConfigSnapshot(ctx context.Context, deviceUUID string, snapshot []byte) error
}

// Виды исхода acknowledge. Чужая команда наружу не отличима от NotFound.
type AckKind int

const (
	AckOK AckKind = iota
	AckDuplicate
	AckNotFound
	AckError
)

type AckResult struct {
	Kind    AckKind
	Message string
	Status  string // итоговый статус команды
}

type Service struct {
	store Store
	cfg   ConfigSink
	batch int
}

func NewService(store Store, cfg ConfigSink, batch int) *Service {
	if batch <= 0 {
		batch = 10
	}
	return &Service{store: store, cfg: cfg, batch: batch}
}

// Poll отдаёт очередную пачку ожидающих команд устройства.
func (s *Service) Poll(ctx context.Context, deviceUUID string) ([]models.Command, error) {
	return s.store.PendingBatch(ctx, deviceUUID, s.batch)
}

// Команды, чей успешный ack несёт авторитетную конфигурацию устройства.
func carriesConfig(name string) bool {
	return name == "get_config" || name == "update_config"
}

// Acknowledge — exactly-once finalization. Чужая либо несуществующая команда —
// одинаковый NotFound; повторный ack финализированной — успех без записи.
func (s *Service) Acknowledge(ctx context.Context, deviceUUID, commandID string, success bool, response []byte, errMsg string) AckResult {
	cmd, err := s.store.Get(ctx, commandID)
	if err != nil {
		if errors.Is(err, repo.ErrCommandNotFound) {
			return AckResult{Kind: AckNotFound, Message: "command not found"}
		}
		return AckResult{Kind: AckError, Message: err.Error()}
	}
	if cmd.DeviceUUID != deviceUUID {
		return AckResult{Kind: AckNotFound, Message: "command not found"}
	}
	if cmd.Terminal() {
		return AckResult{Kind: AckDuplicate, Message: "already " + cmd.Status, Status: cmd.Status}
	}

	toStatus := models.CommandAcked
	if !success {
		toStatus = models.CommandFailed
	}
	won, err := s.store.Finalize(ctx, commandID, toStatus, response, errMsg, time.Now().UTC())
	if err != nil {
		return AckResult{Kind: AckError, Message: err.Error()}
	}
	if !won {
		// Конкурент успел первым — для вызывающего это тот же дубликат.
		final := cmd.Status
		if fresh, err := s.store.Get(ctx, commandID); err == nil {
			final = fresh.Status
		}
		return AckResult{Kind: AckDuplicate, Message: "already " + final, Status: final}
	}

	if success && s.cfg != nil && carriesConfig(cmd.Name) && len(response) > 0 {
		if err := s.cfg.SaveConfigSnapshot(ctx, deviceUUID, response); err != nil {
			logs.Logger.Warnf("config snapshot save failed: device=%s cmd=%s: %v", deviceUUID, commandID, err)
		}
	}
	return AckResult{Kind: AckOK, Message: "acknowledged", Status: toStatus}
}
