package syncapi

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"halo/internal/commands"
	"halo/internal/devauth"
	"halo/internal/logs"
	"halo/internal/models"
	"halo/internal/ratelimit"
	"halo/internal/repo"
)

// Kind — класс исхода операции. Транспортный слой отображает его в HTTP-код;
// исключений для control flow здесь нет.
type Kind int

const (
	KindOK Kind = iota
	KindBadRequest
	KindUnauthorized
	KindAwaitingApproval
	KindDisabled
	KindBlacklisted
	KindDeleted
	KindNotFound
	KindRateLimited
	KindInternal
)

// Коды ошибок в теле ответа. Агент ветвится по ним дословно.
const (
	ReasonAwaitingApproval = "awaiting_approval"
	ReasonDisabled         = "device_disabled"
	ReasonBlacklisted      = "device_blacklisted"
	ReasonDeleted          = "device_deleted"
)

// DeviceStore — контракт хранилища устройств для sync-API.
type DeviceStore interface {
	Provision(ctx context.Context, in repo.ProvisionInput) (*models.Device, error)
	GetBySerial(ctx context.Context, serial string) (*models.Device, error)
	GetByUUID(ctx context.Context, id string) (*models.Device, error)
	UpdateTelemetry(ctx context.Context, deviceUUID string, rssi int, freeHeap, uptime int64, firmware string) error
	SetApprovalState(ctx context.Context, deviceUUID, state string) error
	SetTargetFirmware(ctx context.Context, deviceUUID, version string) error
	List(ctx context.Context) ([]models.Device, error)
}

// AppPresence — взгляд бекенда на комнату брокера: подключено ли приложение
// и его последний статус. Реализуется брокером.
type AppPresence interface {
	AppState(code string) (models.AppState, bool)
}

type Service struct {
	devices  DeviceStore
	commands *commands.Service
	presence AppPresence
	issuer   *devauth.TokenIssuer
	limiter  *ratelimit.Limiter
	maxSkew  time.Duration

	firmwareBaseURL string
}

func NewService(devices DeviceStore, cmds *commands.Service, presence AppPresence,
	issuer *devauth.TokenIssuer, limiter *ratelimit.Limiter, maxSkew time.Duration) *Service {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Service{
		devices:  devices,
		commands: cmds,
		presence: presence,
		issuer:   issuer,
		limiter:  limiter,
		maxSkew:  maxSkew,
	}
}

// approvalKind отображает состояние одобрения в класс исхода.
func approvalKind(state string) Kind {
	switch state {
	case models.ApprovalApproved:
		return KindOK
	case models.ApprovalDisabled:
		return KindDisabled
	case models.ApprovalBlacklisted:
		return KindBlacklisted
	case models.ApprovalDeleted:
		return KindDeleted
	default:
		return KindAwaitingApproval
	}
}

func approvalReason(k Kind) string {
	switch k {
	case KindAwaitingApproval:
		return ReasonAwaitingApproval
	case KindDisabled:
		return ReasonDisabled
	case KindBlacklisted:
		return ReasonBlacklisted
	case KindDeleted:
		return ReasonDeleted
	default:
		return ""
	}
}

// ---- provisioning ----

type ProvisionRequest struct {
	SerialNumber        string `json:"serial_number"`
	KeyHash             string `json:"key_hash"`
	FirmwareVersion     string `json:"firmware_version,omitempty"`
	IPAddress           string `json:"ip_address,omitempty"`
	ExistingPairingCode string `json:"existing_pairing_code,omitempty"`
}

type ProvisionResult struct {
	Kind        Kind
	Reason      string
	DeviceUUID  string
	PairingCode string
}

func (s *Service) Provision(ctx context.Context, in ProvisionRequest) ProvisionResult {
	if strings.TrimSpace(in.SerialNumber) == "" || strings.TrimSpace(in.KeyHash) == "" {
		return ProvisionResult{Kind: KindBadRequest, Reason: "serial_number and key_hash required"}
	}
	d, err := s.devices.Provision(ctx, repo.ProvisionInput{
		Serial:              in.SerialNumber,
		KeyHash:             in.KeyHash,
		FirmwareVersion:     in.FirmwareVersion,
		IPAddress:           in.IPAddress,
		ExistingPairingCode: in.ExistingPairingCode,
	})
	if err != nil {
		if errors.Is(err, repo.ErrUnauthorized) {
			return ProvisionResult{Kind: KindUnauthorized, Reason: "key hash mismatch"}
		}
		logs.Logger.Errorf("provision: %v", err)
		return ProvisionResult{Kind: KindInternal, Reason: "provision failed"}
	}
	// Ожидание одобрения — не ошибка провижининга: код сопряжения нужен
	// устройству уже сейчас. Отказ — только терминальные состояния.
	switch k := approvalKind(d.ApprovalState); k {
	case KindDisabled, KindBlacklisted, KindDeleted:
		return ProvisionResult{Kind: k, Reason: approvalReason(k)}
	}
	return ProvisionResult{Kind: KindOK, DeviceUUID: d.UUID, PairingCode: d.PairingCode}
}

// ---- device-auth ----

type AuthResult struct {
	Kind           Kind
	Reason         string
	Token          string
	ExpiresAt      int64
	DeviceUUID     string
	PairingCode    string
	TargetFirmware string
	DebugEnabled   bool
}

// Authenticate проверяет подпись сам (а не через middleware): до выдачи токена
// нужно различать approval-состояния, которые middleware схлопнул бы в 401.
func (s *Service) Authenticate(ctx context.Context, serial, method, path string, timestamp int64, body []byte, signature string) AuthResult {
	if serial == "" || signature == "" {
		return AuthResult{Kind: KindUnauthorized, Reason: "missing auth headers"}
	}
	now := time.Now().UTC().Unix()
	skew := int64(s.maxSkew.Seconds())
	if timestamp > now+skew || timestamp < now-skew {
		return AuthResult{Kind: KindUnauthorized, Reason: "clock skew"}
	}
	d, err := s.devices.GetBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return AuthResult{Kind: KindUnauthorized, Reason: "unknown device"}
		}
		logs.Logger.Errorf("device-auth lookup: %v", err)
		return AuthResult{Kind: KindInternal, Reason: "lookup failed"}
	}
	if !devauth.VerifySignature(d.SecretHash, method, path, timestamp, body, signature) {
		return AuthResult{Kind: KindUnauthorized, Reason: "invalid signature"}
	}
	if k := approvalKind(d.ApprovalState); k != KindOK {
		return AuthResult{Kind: k, Reason: approvalReason(k)}
	}
	token, exp, err := s.issuer.Issue(d.UUID, d.Serial, d.PairingCode)
	if err != nil {
		logs.Logger.Errorf("token issue: %v", err)
		return AuthResult{Kind: KindInternal, Reason: "token issue failed"}
	}
	return AuthResult{
		Kind:           KindOK,
		Token:          token,
		ExpiresAt:      exp,
		DeviceUUID:     d.UUID,
		PairingCode:    d.PairingCode,
		TargetFirmware: d.TargetFirmware,
		DebugEnabled:   d.DebugEnabled,
	}
}

// ---- state post ----

type StateRequest struct {
	RSSI            int    `json:"rssi"`
	FreeHeap        int64  `json:"free_heap"`
	Uptime          int64  `json:"uptime"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

type StateResult struct {
	Kind   Kind
	Reason string
	State  models.AppState
}

// PostState принимает телеметрию и возвращает авторитетное состояние пары.
// Сбой лимитера не должен валить основной путь синхронизации — fail open.
func (s *Service) PostState(ctx context.Context, id devauth.Identity, in StateRequest) StateResult {
	if s.limiter != nil && !s.limiter.Allow(id.DeviceUUID) {
		// Телеметрию не пишем, но авторитетное состояние всё равно отдаём:
		// лимитер режет объём записи, не синхронизацию.
		return StateResult{Kind: KindOK, State: s.appStateFor(id)}
	}
	if err := s.devices.UpdateTelemetry(ctx, id.DeviceUUID, in.RSSI, in.FreeHeap, in.Uptime, in.FirmwareVersion); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return StateResult{Kind: KindNotFound, Reason: "device not found"}
		}
		logs.Logger.Errorf("telemetry update: %v", err)
		return StateResult{Kind: KindInternal, Reason: "telemetry update failed"}
	}
	return StateResult{Kind: KindOK, State: s.appStateFor(id)}
}

func (s *Service) appStateFor(id devauth.Identity) models.AppState {
	var st models.AppState
	if s.presence != nil {
		if got, ok := s.presence.AppState(id.PairingCode); ok {
			st = got
		}
	}
	if d, err := s.devices.GetByUUID(context.Background(), id.DeviceUUID); err == nil {
		st.DebugEnabled = d.DebugEnabled
	}
	return st
}

// ---- commands ----

type PollResult struct {
	Kind     Kind
	Reason   string
	Commands []models.Command
}

func (s *Service) PollCommands(ctx context.Context, id devauth.Identity) PollResult {
	cmds, err := s.commands.Poll(ctx, id.DeviceUUID)
	if err != nil {
		logs.Logger.Errorf("poll commands: %v", err)
		return PollResult{Kind: KindInternal, Reason: "poll failed"}
	}
	return PollResult{Kind: KindOK, Commands: cmds}
}

type AckRequest struct {
	CommandID string          `json:"command_id"`
	Success   bool            `json:"success"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type AckResult struct {
	Kind    Kind
	Reason  string
	Message string
	Status  string
}

func (s *Service) AckCommand(ctx context.Context, id devauth.Identity, in AckRequest) AckResult {
	cid := strings.TrimSpace(in.CommandID)
	if cid == "" || len(cid) < 8 {
		return AckResult{Kind: KindBadRequest, Reason: "command_id invalid"}
	}
	res := s.commands.Acknowledge(ctx, id.DeviceUUID, cid, in.Success, in.Response, in.Error)
	switch res.Kind {
	case commands.AckOK, commands.AckDuplicate:
		return AckResult{Kind: KindOK, Message: res.Message, Status: res.Status}
	case commands.AckNotFound:
		return AckResult{Kind: KindNotFound, Reason: res.Message}
	default:
		return AckResult{Kind: KindInternal, Reason: res.Message}
	}
}

// ---- firmware manifest (границы ядра; сама доставка — вне) ----

type FirmwareResult struct {
	Kind    Kind
	Reason  string
	Version string
	URL     string
}

func (s *Service) SetFirmwareBaseURL(u string) { s.firmwareBaseURL = strings.TrimRight(u, "/") }

func (s *Service) FirmwareManifest(ctx context.Context, id devauth.Identity, reported string) FirmwareResult {
	d, err := s.devices.GetByUUID(ctx, id.DeviceUUID)
	if err != nil {
		return FirmwareResult{Kind: KindNotFound, Reason: "device not found"}
	}
	if d.TargetFirmware == "" || d.TargetFirmware == reported {
		return FirmwareResult{Kind: KindNotFound, Reason: "no update"}
	}
	url := ""
	if s.firmwareBaseURL != "" {
		url = s.firmwareBaseURL + "/" + d.TargetFirmware + "/firmware.bin"
	}
	return FirmwareResult{Kind: KindOK, Version: d.TargetFirmware, URL: url}
}
