package devauth

import (
	"crypto/rand"
	"strings"
)

// Набор символов без визуально неоднозначных глифов (I, O, 0, 1).
const pairCodeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// PairCodeLength — длина кода сопряжения.
const PairCodeLength = 6

// NewPairCode генерирует шестизначный код сопряжения.
func NewPairCode() string {
	buf := make([]byte, PairCodeLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand на поддерживаемых платформах не падает
		panic(err)
	}
	out := make([]byte, PairCodeLength)
	for i, b := range buf {
		out[i] = pairCodeCharset[int(b)%len(pairCodeCharset)]
	}
	return string(out)
}

// NormalizePairCode приводит код к каноническому (верхнему) регистру.
func NormalizePairCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidPairCode проверяет длину и набор символов.
func ValidPairCode(code string) bool {
	if len(code) != PairCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(pairCodeCharset, rune(code[i])) {
			return false
		}
	}
	return true
}
