package syncapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"halo/internal/models"
)

// CommandCreator ставит команды в очередь (админская поверхность — это и есть
// "внешний актор" из жизненного цикла команды).
type CommandCreator interface {
	Create(ctx context.Context, deviceUUID, name string, payload []byte) (*models.Command, error)
}

// Broadcaster — административный fan-out брокера.
type Broadcaster interface {
	Broadcast(data []byte)
}

type AdminHandler struct {
	devices DeviceStore
	creator CommandCreator
	caster  Broadcaster
}

func NewAdminHandler(devices DeviceStore, creator CommandCreator, caster Broadcaster) *AdminHandler {
	return &AdminHandler{devices: devices, creator: creator, caster: caster}
}

// RegisterAdminRoutes — approval workflow, очередь команд и broadcast
// под общим админским секретом.
func RegisterAdminRoutes(root *mux.Router, h *AdminHandler, sharedSecret string) {
	sub := root.PathPrefix("/api/v1/admin").Subrouter()
	sub.Use(AdminSecretAuth(sharedSecret))

	sub.HandleFunc("/devices", h.ListDevices).Methods(http.MethodGet)
	sub.HandleFunc("/devices/{uuid}/approval", h.SetApproval).Methods(http.MethodPost)
	sub.HandleFunc("/devices/{uuid}/commands", h.CreateCommand).Methods(http.MethodPost)
	sub.HandleFunc("/devices/{uuid}/firmware", h.SetFirmware).Methods(http.MethodPost)
	sub.HandleFunc("/broadcast", h.Broadcast).Methods(http.MethodPost)
}

func (h *AdminHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.List(r.Context())
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (h *AdminHandler) SetApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	if err := h.devices.SetApprovalState(r.Context(), mux.Vars(r)["uuid"], req.State); err != nil {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *AdminHandler) SetFirmware(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	if err := h.devices.SetTargetFirmware(r.Context(), mux.Vars(r)["uuid"], req.Version); err != nil {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *AdminHandler) CreateCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string          `json:"command"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	if req.Command == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "command required", nil)
		return
	}
	cmd, err := h.creator.Create(r.Context(), mux.Vars(r)["uuid"], req.Command, req.Payload)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusCreated, cmd)
}

func (h *AdminHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	if h.caster != nil {
		h.caster.Broadcast(req)
	}
	models.WriteJSON(w, http.StatusAccepted, map[string]any{"success": true})
}
