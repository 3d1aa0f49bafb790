package repo

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"halo/internal/devauth"
	"halo/internal/models"
)

/* ───── in-memory fallback (без БД) ───── */

// MemDeviceStore повторяет семантику DeviceStore в памяти.
// Используется без настроенной БД и в тестах.
type MemDeviceStore struct {
	mu         sync.Mutex
	bySerial   map[string]*models.Device
	byUUID     map[string]*models.Device
	codeExpiry time.Duration
	nextID     uint
}

func NewMemDeviceStore(codeExpiry time.Duration) *MemDeviceStore {
	if codeExpiry <= 0 {
		codeExpiry = 24 * time.Hour
	}
	return &MemDeviceStore{
		bySerial:   make(map[string]*models.Device),
		byUUID:     make(map[string]*models.Device),
		codeExpiry: codeExpiry,
	}
}

func (s *MemDeviceStore) Provision(_ context.Context, in ProvisionInput) (*models.Device, error) {
	serial := strings.TrimSpace(in.Serial)
	if serial == "" || strings.TrimSpace(in.KeyHash) == "" {
		return nil, ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.bySerial[serial]; ok {
		if d.SecretHash != in.KeyHash {
			return nil, ErrUnauthorized
		}
		if in.FirmwareVersion != "" {
			d.FirmwareVersion = in.FirmwareVersion
		}
		if in.IPAddress != "" {
			d.IPAddress = in.IPAddress
		}
		if d.ApprovalState == models.ApprovalUnapproved || d.ApprovalState == models.ApprovalAwaiting {
			if time.Since(d.PairingIssued) > s.codeExpiry {
				d.PairingCode = devauth.NewPairCode()
				d.PairingIssued = time.Now().UTC()
			}
		}
		cp := *d
		return &cp, nil
	}

	code := devauth.NormalizePairCode(in.ExistingPairingCode)
	if !devauth.ValidPairCode(code) {
		code = devauth.NewPairCode()
	}
	s.nextID++
	d := &models.Device{
		ID:              s.nextID,
		UUID:            uuid.NewString(),
		Serial:          serial,
		SecretHash:      in.KeyHash,
		PairingCode:     code,
		PairingIssued:   time.Now().UTC(),
		ApprovalState:   models.ApprovalAwaiting,
		FirmwareVersion: in.FirmwareVersion,
		IPAddress:       in.IPAddress,
	}
	d.CreatedAt = time.Now().UTC()
	s.bySerial[serial] = d
	s.byUUID[d.UUID] = d
	cp := *d
	return &cp, nil
}

func (s *MemDeviceStore) GetBySerial(_ context.Context, serial string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.bySerial[serial]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemDeviceStore) GetByUUID(_ context.Context, id string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byUUID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemDeviceStore) LookupSecret(ctx context.Context, serial string) (string, string, string, error) {
	d, err := s.GetBySerial(ctx, serial)
	if err != nil {
		return "", "", "", err
	}
	if d.ApprovalState != models.ApprovalApproved {
		return "", "", "", ErrUnauthorized
	}
	return d.SecretHash, d.UUID, d.PairingCode, nil
}

func (s *MemDeviceStore) UpdateTelemetry(_ context.Context, deviceUUID string, rssi int, freeHeap, uptime int64, firmware string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byUUID[deviceUUID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	d.RSSI = rssi
	d.FreeHeap = freeHeap
	d.Uptime = uptime
	d.LastSeenAt = &now
	if firmware != "" {
		d.FirmwareVersion = firmware
	}
	return nil
}

func (s *MemDeviceStore) SetApprovalState(_ context.Context, deviceUUID, state string) error {
	switch state {
	case models.ApprovalApproved, models.ApprovalDisabled,
		models.ApprovalBlacklisted, models.ApprovalDeleted:
	default:
		return errors.New("bad approval state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byUUID[deviceUUID]
	if !ok {
		return ErrNotFound
	}
	d.ApprovalState = state
	return nil
}

func (s *MemDeviceStore) SetTargetFirmware(_ context.Context, deviceUUID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byUUID[deviceUUID]
	if !ok {
		return ErrNotFound
	}
	d.TargetFirmware = version
	return nil
}

func (s *MemDeviceStore) SaveConfigSnapshot(_ context.Context, deviceUUID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byUUID[deviceUUID]
	if !ok {
		return ErrNotFound
	}
	d.ConfigSnapshot = datatypes.JSON(snapshot)
	return nil
}

func (s *MemDeviceStore) List(_ context.Context) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Device, 0, len(s.byUUID))
	for _, d := range s.byUUID {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

/* ───── команды ───── */

type MemCommandStore struct {
	mu   sync.Mutex
	byID map[string]*models.Command
}

func NewMemCommandStore() *MemCommandStore {
	return &MemCommandStore{byID: make(map[string]*models.Command)}
}

func (s *MemCommandStore) Create(_ context.Context, deviceUUID, name string, payload []byte) (*models.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &models.Command{
		ID:         uuid.NewString(),
		DeviceUUID: deviceUUID,
		Name:       name,
		Status:     models.CommandPending,
	}
	c.CreatedAt = time.Now().UTC()
	if len(payload) > 0 {
		c.Payload = datatypes.JSON(payload)
	}
	s.byID[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *MemCommandStore) Get(_ context.Context, id string) (*models.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, ErrCommandNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemCommandStore) PendingBatch(_ context.Context, deviceUUID string, limit int) ([]models.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Command
	for _, c := range s.byID {
		if c.DeviceUUID == deviceUUID && c.Status == models.CommandPending {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemCommandStore) Finalize(_ context.Context, id, toStatus string, response []byte, errMsg string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.Status != models.CommandPending {
		return false, nil
	}
	c.Status = toStatus
	c.AckedAt = &at
	c.Error = errMsg
	if len(response) > 0 {
		c.Response = datatypes.JSON(response)
	}
	return true, nil
}
