package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"halo/internal/logs"
)

// CommandRunner исполняет команду на устройстве и возвращает её результат.
type CommandRunner interface {
	Run(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error)
}

// Realtime — display-клиент комнатного брокера. Сам переподключается
// с экспоненциальной паузой; lastSeen питает классификацию канала.
type Realtime struct {
	url      string
	creds    *CredStore
	runner   CommandRunner
	view     *AppView
	firmware string

	lastSeen atomic.Int64 // unix nano, 0 = никогда

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewRealtime(url string, creds *CredStore, view *AppView, runner CommandRunner, firmware string) *Realtime {
	return &Realtime{url: url, creds: creds, runner: runner, view: view, firmware: firmware}
}

// LastSeen — момент последнего живого трафика, zero если его не было.
func (r *Realtime) LastSeen() time.Time {
	n := r.lastSeen.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (r *Realtime) touch() { r.lastSeen.Store(time.Now().UnixNano()) }

// Run держит соединение до отмены контекста.
func (r *Realtime) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := r.session(ctx); err != nil {
			logs.Logger.Warnf("realtime: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (r *Realtime) session(ctx context.Context) error {
	code := r.creds.PairingCode()
	if code == "" {
		return nil // ещё не спровижинились, ждём
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		conn.Close()
	}()

	join := map[string]any{
		"type":       "join",
		"code":       code,
		"clientType": "display",
		"deviceInfo": map[string]any{
			"deviceId":        r.creds.DeviceID(),
			"firmwareVersion": r.firmware,
		},
	}
	// Контрольные ping'и брокера не всплывают из ReadMessage: живость
	// сокета фиксируем прямо в обработчике, pong отвечаем сами.
	conn.SetPingHandler(func(appData string) error {
		r.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	if err := r.write(join); err != nil {
		return err
	}
	r.touch() // сокет жив с момента рукопожатия, не с первого data-кадра

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r.touch()
		r.handle(ctx, raw)
	}
}

func (r *Realtime) write(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.conn.WriteJSON(v)
}

func (r *Realtime) handle(ctx context.Context, raw []byte) {
	var peek struct {
		Type      string          `json:"type"`
		RequestID string          `json:"requestId"`
		Command   string          `json:"command"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		logs.Logger.Warnf("realtime: malformed message: %v", err)
		return
	}
	switch peek.Type {
	case "ping":
		_ = r.write(map[string]any{"type": "pong"})
	case "joined", "connection":
		// подтверждения, полезной нагрузки для нас нет
	case "peer_connected":
		r.view.SetAppConnected(true)
	case "peer_disconnected":
		r.view.SetAppConnected(false)
	case "status":
		var st RemoteState
		if err := json.Unmarshal(raw, &st); err == nil {
			st.AppConnected = true
			r.view.Apply(st)
		}
	case "get_status":
		s := r.view.Snapshot()
		_ = r.write(map[string]any{
			"type":         "status",
			"requestId":    peek.RequestID,
			"status":       s.Status,
			"display_name": s.DisplayName,
			"camera_on":    s.CameraOn,
			"mic_muted":    s.MicMuted,
			"in_call":      s.InCall,
		})
	case "get_config":
		_ = r.write(map[string]any{
			"type":      "config",
			"requestId": peek.RequestID,
			"config":    r.view.Config(),
		})
	case "command":
		r.runCommand(ctx, peek.RequestID, peek.Command, peek.Payload)
	case "error":
		logs.Logger.Warnf("realtime: broker error: %s", string(raw))
	default:
		logs.Logger.Debugf("realtime: ignoring message type %q", peek.Type)
	}
}

func (r *Realtime) runCommand(ctx context.Context, requestID, name string, payload json.RawMessage) {
	if name == "" {
		_ = r.write(map[string]any{
			"type": "command_response", "requestId": requestID,
			"success": false, "error": "empty command name",
		})
		return
	}
	resp, err := r.runner.Run(ctx, name, payload)
	out := map[string]any{
		"type":      "command_response",
		"requestId": requestID,
		"command":   name,
		"success":   err == nil,
	}
	if err != nil {
		out["error"] = err.Error()
	} else if len(resp) > 0 {
		out["response"] = resp
	}
	_ = r.write(out)
}
