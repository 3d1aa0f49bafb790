package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"halo/internal/devauth"
)

// Ошибки бэкенда, на которые машина состояний реагирует по-разному.
var (
	ErrAwaitingApproval = errors.New("awaiting approval")
	ErrDisabled         = errors.New("device disabled")
	ErrBlacklisted      = errors.New("device blacklisted")
	ErrDeleted          = errors.New("device deleted")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("not found")
)

const requestTimeout = 10 * time.Second

// Backend — подписанный HTTP-клиент sync-эндпоинтов.
type Backend struct {
	baseURL string
	http    *http.Client
	creds   *CredStore

	mu       sync.Mutex
	token    string
	tokenExp int64
}

func NewBackend(baseURL string, creds *CredStore) *Backend {
	return &Backend{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		creds:   creds,
	}
}

type errBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// classify переводит reason-коды бэкенда в сентинельные ошибки.
func classify(status int, reason string) error {
	switch reason {
	case "awaiting_approval":
		return ErrAwaitingApproval
	case "device_disabled":
		return ErrDisabled
	case "device_blacklisted":
		return ErrBlacklisted
	case "device_deleted":
		return ErrDeleted
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return ErrUnauthorized
	}
	if status == http.StatusGone {
		return ErrDeleted
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	return fmt.Errorf("backend: %d %s", status, reason)
}

// do выполняет подписанный запрос; withToken добавляет bearer.
func (b *Backend) do(ctx context.Context, method, path string, body []byte, withToken bool, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	ts := time.Now().Unix()
	sigPath := req.URL.EscapedPath()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(devauth.HeaderSerial, b.creds.Serial())
	req.Header.Set(devauth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(devauth.HeaderSignature,
		devauth.SignRequest(b.creds.KeyHash(), method, sigPath, ts, body))
	if withToken {
		b.mu.Lock()
		tok := b.token
		b.mu.Unlock()
		if tok == "" {
			return ErrUnauthorized
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var eb errBody
		_ = json.Unmarshal(raw, &eb)
		return classify(resp.StatusCode, eb.Error)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

type ProvisionResult struct {
	DeviceID    string `json:"device_id"`
	PairingCode string `json:"pairing_code"`
}

// Provision регистрирует устройство (или подтверждает существующую запись).
func (b *Backend) Provision(ctx context.Context, firmwareVersion string) (*ProvisionResult, error) {
	body, _ := json.Marshal(map[string]any{
		"serial_number":         b.creds.Serial(),
		"key_hash":              b.creds.KeyHash(),
		"firmware_version":      firmwareVersion,
		"existing_pairing_code": b.creds.PairingCode(),
	})
	var out ProvisionResult
	if err := b.do(ctx, http.MethodPost, "/api/v1/provision", body, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type authResponse struct {
	Token          string `json:"token"`
	ExpiresAt      int64  `json:"expires_at"`
	DeviceID       string `json:"device_id"`
	PairingCode    string `json:"pairing_code"`
	TargetFirmware string `json:"target_firmware_version"`
	DebugEnabled   bool   `json:"debug_enabled"`
}

// Authenticate получает bearer-токен. Ошибки approval-состояний
// возвращаются как есть, их разбирает машина провижининга.
func (b *Backend) Authenticate(ctx context.Context) (*authResponse, error) {
	var out authResponse
	if err := b.do(ctx, http.MethodPost, "/api/v1/device-auth", []byte("{}"), false, &out); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.token = out.Token
	b.tokenExp = out.ExpiresAt
	b.mu.Unlock()
	return &out, nil
}

// TokenValid — есть ли живой токен с запасом в минуту.
func (b *Backend) TokenValid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token != "" && time.Now().Unix() < b.tokenExp-60
}

// DropToken сбрасывает токен (после 401 от защищённого эндпоинта).
func (b *Backend) DropToken() {
	b.mu.Lock()
	b.token = ""
	b.tokenExp = 0
	b.mu.Unlock()
}

// Telemetry — полезная нагрузка state-поста.
type Telemetry struct {
	RSSI            int    `json:"rssi"`
	FreeHeap        int64  `json:"free_heap"`
	Uptime          int64  `json:"uptime"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// RemoteState — авторитетное состояние приложения из ответа бэкенда.
type RemoteState struct {
	AppConnected bool   `json:"app_connected"`
	Status       string `json:"status"`
	DisplayName  string `json:"display_name"`
	CameraOn     bool   `json:"camera_on"`
	MicMuted     bool   `json:"mic_muted"`
	InCall       bool   `json:"in_call"`
	DebugEnabled bool   `json:"debug_enabled"`
}

func (b *Backend) PostState(ctx context.Context, t Telemetry) (*RemoteState, error) {
	body, _ := json.Marshal(t)
	var out RemoteState
	if err := b.do(ctx, http.MethodPost, "/api/v1/device-state", body, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PolledCommand — команда из pull-очереди.
type PolledCommand struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (b *Backend) PollCommands(ctx context.Context) ([]PolledCommand, error) {
	var out struct {
		Commands []PolledCommand `json:"commands"`
	}
	if err := b.do(ctx, http.MethodGet, "/api/v1/commands", nil, true, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

func (b *Backend) AckCommand(ctx context.Context, id string, success bool, response json.RawMessage, errMsg string) error {
	body, _ := json.Marshal(map[string]any{
		"command_id": id,
		"success":    success,
		"response":   response,
		"error":      errMsg,
	})
	return b.do(ctx, http.MethodPost, "/api/v1/commands/ack", body, true, nil)
}

// FirmwareInfo — манифест доступного обновления.
type FirmwareInfo struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// CheckFirmware возвращает nil, nil когда обновления нет.
func (b *Backend) CheckFirmware(ctx context.Context, current string) (*FirmwareInfo, error) {
	var out FirmwareInfo
	err := b.do(ctx, http.MethodGet, "/api/v1/firmware?current="+current, nil, true, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}
