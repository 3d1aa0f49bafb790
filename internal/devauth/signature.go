package devauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
)

// Канонический вид подписываемого запроса:
//
//	METHOD \n path \n timestamp \n sha256hex(body)
//
// Подпись — base64(HMAC-SHA256(secretHash, canonical)).
func canonicalRequest(method, path string, timestamp int64, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{
		strings.ToUpper(method),
		path,
		strconv.FormatInt(timestamp, 10),
		hex.EncodeToString(sum[:]),
	}, "\n")
}

// SignRequest вычисляет подпись запроса ключом secretHash.
// Та же функция используется агентом при отправке и сервером при проверке.
func SignRequest(secretHash, method, path string, timestamp int64, body []byte) string {
	m := hmac.New(sha256.New, []byte(secretHash))
	m.Write([]byte(canonicalRequest(method, path, timestamp, body)))
	return base64.StdEncoding.EncodeToString(m.Sum(nil))
}

// VerifySignature сравнивает подпись с ожидаемой за постоянное время.
func VerifySignature(secretHash, method, path string, timestamp int64, body []byte, signature string) bool {
	want := SignRequest(secretHash, method, path, timestamp, body)
	return hmac.Equal([]byte(want), []byte(signature))
}

// HashSecret возвращает hex(SHA256(secret)) — key hash устройства.
func HashSecret(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])
}
