package syncapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"halo/internal/devauth"
)

// AdminSecretAuth — простой вариант: Authorization: Bearer <sharedSecret>.
// Защищает только административную поверхность (approval workflow, команды).
func AdminSecretAuth(secret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			const p = "Bearer "
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, p) || strings.TrimPrefix(auth, p) != secret {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RegisterRoutes вешает устройство-ориентированные эндпоинты:
//
//	POST /api/v1/provision      — без auth (первичный контакт)
//	POST /api/v1/device-auth    — подпись, проверяется сервисом
//	POST /api/v1/device-state   — dual auth
//	GET  /api/v1/commands       — dual auth
//	POST /api/v1/commands/ack   — dual auth
//	GET  /api/v1/firmware       — dual auth
func RegisterRoutes(root *mux.Router, h *Handler, src devauth.SecretSource,
	issuer *devauth.TokenIssuer, maxSkew time.Duration) {

	open := root.PathPrefix("/api/v1").Subrouter()
	open.HandleFunc("/provision", h.Provision).Methods(http.MethodPost)
	open.HandleFunc("/device-auth", h.DeviceAuth).Methods(http.MethodPost)

	dual := root.PathPrefix("/api/v1").Subrouter()
	dual.Use(devauth.DualAuth(src, issuer, maxSkew))
	dual.HandleFunc("/device-state", h.PostState).Methods(http.MethodPost)
	dual.HandleFunc("/commands", h.PollCommands).Methods(http.MethodGet)
	dual.HandleFunc("/commands/ack", h.AckCommand).Methods(http.MethodPost)
	dual.HandleFunc("/firmware", h.FirmwareManifest).Methods(http.MethodGet)
}
