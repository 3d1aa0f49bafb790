package syncapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"halo/internal/devauth"
	"halo/internal/models"
)

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

type Handler struct {
	svc *Service
}

// httpStatus отображает класс исхода в HTTP-код (таксономия §7).
func httpStatus(k Kind) int {
	switch k {
	case KindOK:
		return http.StatusOK
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindAwaitingApproval, KindDisabled, KindBlacklisted:
		return http.StatusForbidden
	case KindDeleted:
		return http.StatusGone
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeKindError(w http.ResponseWriter, k Kind, reason string) {
	models.WriteJSON(w, httpStatus(k), map[string]any{
		"success": false,
		"error":   reason,
	})
}

// POST /api/v1/provision
func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeKindError(w, KindBadRequest, "bad json: "+err.Error())
		return
	}
	res := h.svc.Provision(r.Context(), req)
	if res.Kind != KindOK {
		writeKindError(w, res.Kind, res.Reason)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"device_id":    res.DeviceUUID,
		"pairing_code": res.PairingCode,
	})
}

// POST /api/v1/device-auth — подпись проверяет сервис, см. Authenticate.
func (h *Handler) DeviceAuth(w http.ResponseWriter, r *http.Request) {
	serial := r.Header.Get(devauth.HeaderSerial)
	tsRaw := r.Header.Get(devauth.HeaderTimestamp)
	sig := r.Header.Get(devauth.HeaderSignature)
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		writeKindError(w, KindUnauthorized, "bad timestamp")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeKindError(w, KindBadRequest, "read body")
		return
	}
	res := h.svc.Authenticate(r.Context(), serial, r.Method, r.URL.EscapedPath(), ts, body, sig)
	if res.Kind != KindOK {
		writeKindError(w, res.Kind, res.Reason)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"success":                 true,
		"token":                   res.Token,
		"expires_at":              res.ExpiresAt,
		"device_id":               res.DeviceUUID,
		"pairing_code":            res.PairingCode,
		"target_firmware_version": res.TargetFirmware,
		"debug_enabled":           res.DebugEnabled,
	})
}

// POST /api/v1/device-state (dual auth)
func (h *Handler) PostState(w http.ResponseWriter, r *http.Request) {
	id, ok := devauth.IdentityFrom(r.Context())
	if !ok {
		writeKindError(w, KindUnauthorized, "no identity")
		return
	}
	var req StateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeKindError(w, KindBadRequest, "bad json: "+err.Error())
		return
	}
	res := h.svc.PostState(r.Context(), id, req)
	if res.Kind != KindOK {
		writeKindError(w, res.Kind, res.Reason)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"app_connected": res.State.AppConnected,
		"status":        res.State.Status,
		"display_name":  res.State.DisplayName,
		"camera_on":     res.State.CameraOn,
		"mic_muted":     res.State.MicMuted,
		"in_call":       res.State.InCall,
		"debug_enabled": res.State.DebugEnabled,
	})
}

// GET /api/v1/commands (dual auth)
func (h *Handler) PollCommands(w http.ResponseWriter, r *http.Request) {
	id, ok := devauth.IdentityFrom(r.Context())
	if !ok {
		writeKindError(w, KindUnauthorized, "no identity")
		return
	}
	res := h.svc.PollCommands(r.Context(), id)
	if res.Kind != KindOK {
		writeKindError(w, res.Kind, res.Reason)
		return
	}
	out := make([]map[string]any, 0, len(res.Commands))
	for _, c := range res.Commands {
		entry := map[string]any{
			"id":         c.ID,
			"command":    c.Name,
			"created_at": c.CreatedAt,
		}
		if len(c.Payload) > 0 {
			entry["payload"] = json.RawMessage(c.Payload)
		}
		out = append(out, entry)
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"commands": out,
	})
}

// POST /api/v1/commands/ack (dual auth)
func (h *Handler) AckCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := devauth.IdentityFrom(r.Context())
	if !ok {
		writeKindError(w, KindUnauthorized, "no identity")
		return
	}
	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeKindError(w, KindBadRequest, "bad json: "+err.Error())
		return
	}
	res := h.svc.AckCommand(r.Context(), id, req)
	if res.Kind != KindOK {
		writeKindError(w, res.Kind, res.Reason)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": res.Message,
		"status":  res.Status,
	})
}

// GET /api/v1/firmware (dual auth)
func (h *Handler) FirmwareManifest(w http.ResponseWriter, r *http.Request) {
	id, ok := devauth.IdentityFrom(r.Context())
	if !ok {
		writeKindError(w, KindUnauthorized, "no identity")
		return
	}
	res := h.svc.FirmwareManifest(r.Context(), id, r.URL.Query().Get("current"))
	if res.Kind != KindOK {
		writeKindError(w, res.Kind, res.Reason)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"version": res.Version,
		"url":     res.URL,
	})
}
