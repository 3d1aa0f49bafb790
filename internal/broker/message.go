package broker

import (
	"encoding/json"
	"fmt"
)

// Типы сообщений комнатного протокола.
const (
	TypeConnection       = "connection"
	TypeJoin             = "join"
	TypeJoined           = "joined"
	TypePeerConnected    = "peer_connected"
	TypePeerDisconnected = "peer_disconnected"
	TypeStatus           = "status"
	TypeCommand          = "command"
	TypeCommandResponse  = "command_response"
	TypeGetConfig        = "get_config"
	TypeConfig           = "config"
	TypeGetStatus        = "get_status"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeError            = "error"
)

// Роли участников комнаты.
const (
	RoleDisplay = "display"
	RoleApp     = "app"
)

// Inbound — разобранное входящее сообщение. Дискриминатор — Type;
// поля читаются только после ветвления по нему.
type Inbound struct {
	Type string

	Join    *JoinMessage
	Status  *StatusMessage
	Command *CommandMessage
	// command_response, config — транзитом, без разбора полей
	Passthrough json.RawMessage
	Request     *RequestMessage
}

// JoinMessage — заявка на вход в комнату.
type JoinMessage struct {
	Type       string      `json:"type"`
	Code       string      `json:"code"`
	ClientType string      `json:"clientType"`
	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`
}

// DeviceInfo — метаданные display-подключения для локального реестра.
type DeviceInfo struct {
	DeviceID        string `json:"deviceId"`
	Name            string `json:"name,omitempty"`
	IPAddress       string `json:"ipAddress,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
}

// StatusMessage — двунаправленный passthrough полей присутствия/звонка.
type StatusMessage struct {
	Type        string `json:"type"`
	Status      string `json:"status,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	CameraOn    bool   `json:"camera_on,omitempty"`
	MicMuted    bool   `json:"mic_muted,omitempty"`
	InCall      bool   `json:"in_call,omitempty"`
}

// CommandMessage — команда от app к display.
type CommandMessage struct {
	Type      string          `json:"type"`
	Command   string          `json:"command"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RequestMessage — get_config / get_status.
type RequestMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// decodeInbound разбирает сообщение по тегу type.
func decodeInbound(raw []byte) (*Inbound, error) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	in := &Inbound{Type: peek.Type}
	switch peek.Type {
	case TypeJoin:
		var m JoinMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		in.Join = &m
	case TypeStatus:
		var m StatusMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		in.Status = &m
		in.Passthrough = raw
	case TypeCommand:
		var m CommandMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		in.Command = &m
		in.Passthrough = raw
	case TypeCommandResponse, TypeConfig:
		in.Passthrough = raw
	case TypeGetConfig, TypeGetStatus:
		var m RequestMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		in.Request = &m
		in.Passthrough = raw
	case TypePing, TypePong:
	default:
		return nil, fmt.Errorf("unknown message type %q", peek.Type)
	}
	return in, nil
}

// ---- исходящие конверты ----

type joinedData struct {
	Code             string `json:"code"`
	DisplayConnected bool   `json:"displayConnected"`
	AppConnected     bool   `json:"appConnected"`
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // только статические структуры
	}
	return b
}

func connectionMsg(clients int) []byte {
	return mustJSON(map[string]any{
		"type": TypeConnection,
		"data": map[string]any{"clients": clients},
	})
}

func joinedMsg(code string, display, app bool) []byte {
	return mustJSON(map[string]any{
		"type": TypeJoined,
		"data": joinedData{Code: code, DisplayConnected: display, AppConnected: app},
	})
}

func peerEventMsg(typ, role string) []byte {
	return mustJSON(map[string]any{"type": typ, "clientType": role})
}

func errorMsg(detail string) []byte {
	return mustJSON(map[string]any{"type": TypeError, "error": detail})
}

func pongMsg() []byte {
	return mustJSON(map[string]any{"type": TypePong})
}
