package devauth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeDevice — единственный выдаваемый сейчас тип токена.
const TokenTypeDevice = "device"

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// TokenClaims — структурированный bearer-credential устройства.
type TokenClaims struct {
	Serial      string `json:"serial"`
	PairingCode string `json:"pairing_code,omitempty"`
	TokenType   string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenIssuer подписывает и проверяет device-токены одним общим ключом.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue выпускает токен для устройства. Возвращает токен и unix-время истечения.
func (t *TokenIssuer) Issue(deviceUUID, serial, pairingCode string) (string, int64, error) {
	now := time.Now().UTC()
	exp := now.Add(t.ttl)
	claims := TokenClaims{
		Serial:      serial,
		PairingCode: pairingCode,
		TokenType:   TokenTypeDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceUUID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", 0, err
	}
	return signed, exp.Unix(), nil
}

// Verify проверяет подпись, срок и тип токена.
func (t *TokenIssuer) Verify(raw string) (*TokenClaims, error) {
	var claims TokenClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !tok.Valid || claims.TokenType != TokenTypeDevice || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return &claims, nil
}
