package devauth

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Заголовки подписанного запроса.
const (
	HeaderSerial    = "X-Device-Serial"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// Identity — аутентифицированная личность устройства, кладётся в контекст запроса.
type Identity struct {
	DeviceUUID  string
	Serial      string
	PairingCode string
}

type identityKey struct{}

// IdentityFrom достаёт личность устройства из контекста запроса.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func withIdentity(r *http.Request, id Identity) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), identityKey{}, id))
}

// SecretSource отдаёт key hash и uuid по серийному номеру устройства.
// Устройства в терминальных состояниях (disabled/deleted и т.п.) не резолвятся.
type SecretSource interface {
	LookupSecret(ctx context.Context, serial string) (secretHash, deviceUUID, pairingCode string, err error)
}

func fail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"success":false,"error":"` + msg + `"}`))
}

// SignatureAuth проверяет подпись запроса (serial + timestamp + HMAC).
// Личность устройства кладётся в контекст.
func SignatureAuth(src SecretSource, maxSkew time.Duration) func(http.Handler) http.Handler {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := verifySignedRequest(w, r, src, maxSkew)
			if !ok {
				return
			}
			next.ServeHTTP(w, withIdentity(r, id))
		})
	}
}

// DualAuth требует и валидный bearer-токен, и валидную подпись, и совпадение
// серийника в обоих доказательствах. Расхождение отвергается безусловно.
func DualAuth(src SecretSource, issuer *TokenIssuer, maxSkew time.Duration) func(http.Handler) http.Handler {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := verifyBearer(w, r, issuer)
			if !ok {
				return
			}
			id, ok := verifySignedRequest(w, r, src, maxSkew)
			if !ok {
				return
			}
			if claims.Serial != id.Serial {
				fail(w, http.StatusUnauthorized, "serial mismatch between token and signature")
				return
			}
			if claims.Subject != id.DeviceUUID {
				fail(w, http.StatusUnauthorized, "token subject mismatch")
				return
			}
			next.ServeHTTP(w, withIdentity(r, id))
		})
	}
}

func verifyBearer(w http.ResponseWriter, r *http.Request, issuer *TokenIssuer) (*TokenClaims, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		fail(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}
	claims, err := issuer.Verify(strings.TrimPrefix(auth, prefix))
	if err != nil {
		if err == ErrTokenExpired {
			fail(w, http.StatusUnauthorized, "token expired")
		} else {
			fail(w, http.StatusUnauthorized, "invalid token")
		}
		return nil, false
	}
	return claims, true
}

func verifySignedRequest(w http.ResponseWriter, r *http.Request, src SecretSource, maxSkew time.Duration) (Identity, bool) {
	serial := r.Header.Get(HeaderSerial)
	tsRaw := r.Header.Get(HeaderTimestamp)
	sig := r.Header.Get(HeaderSignature)
	if serial == "" || tsRaw == "" || sig == "" {
		fail(w, http.StatusUnauthorized, "missing auth headers")
		return Identity{}, false
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		fail(w, http.StatusUnauthorized, "bad timestamp")
		return Identity{}, false
	}
	now := time.Now().UTC().Unix()
	if ts > now+int64(maxSkew.Seconds()) || ts < now-int64(maxSkew.Seconds()) {
		fail(w, http.StatusUnauthorized, "clock skew")
		return Identity{}, false
	}

	// Читаем тело и восстанавливаем его для обработчика
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		fail(w, http.StatusBadRequest, "read body")
		return Identity{}, false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	secretHash, deviceUUID, pairingCode, err := src.LookupSecret(r.Context(), serial)
	if err != nil || secretHash == "" {
		fail(w, http.StatusUnauthorized, "unknown device")
		return Identity{}, false
	}

	if !VerifySignature(secretHash, r.Method, r.URL.EscapedPath(), ts, rawBody, sig) {
		fail(w, http.StatusUnauthorized, "invalid signature")
		return Identity{}, false
	}

	return Identity{DeviceUUID: deviceUUID, Serial: serial, PairingCode: pairingCode}, true
}
