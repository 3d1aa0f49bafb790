package agent

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"halo/internal/devauth"
)

// Credentials — локальный идентификационный материал устройства.
// Секрет генерируется один раз и наружу не уходит: бэкенд знает только его hash.
type Credentials struct {
	Serial      string `json:"serial"`
	Secret      string `json:"secret"`
	DeviceID    string `json:"device_id,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
}

// CredStore хранит Credentials в файле состояния.
type CredStore struct {
	mu    sync.Mutex
	path  string
	creds Credentials
}

const secretBytes = 32

// LoadOrCreate читает файл состояния либо создаёт новую идентичность.
func LoadOrCreate(path string) (*CredStore, error) {
	s := &CredStore{path: path}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.creds); err != nil {
			return nil, fmt.Errorf("credentials file %s: %w", path, err)
		}
		if s.creds.Serial == "" || s.creds.Secret == "" {
			return nil, fmt.Errorf("credentials file %s: incomplete", path)
		}
		return s, nil
	case errors.Is(err, os.ErrNotExist):
		if err := s.generate(); err != nil {
			return nil, err
		}
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, err
	}
}

func (s *CredStore) generate() error {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	s.creds.Secret = hex.EncodeToString(buf)
	// Серийник выводится один раз и дальше неизменен.
	tail := make([]byte, 6)
	if _, err := rand.Read(tail); err != nil {
		return err
	}
	s.creds.Serial = "HALO-" + strings.ToUpper(hex.EncodeToString(tail))
	return nil
}

func (s *CredStore) save() error {
	raw, err := json.MarshalIndent(&s.creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *CredStore) Serial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Serial
}

// KeyHash — публичная половина секрета, её и знает бэкенд.
func (s *CredStore) KeyHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return devauth.HashSecret([]byte(s.creds.Secret))
}

func (s *CredStore) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.DeviceID
}

func (s *CredStore) PairingCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.PairingCode
}

// SetProvisioned фиксирует присвоенные бэкендом идентификаторы.
func (s *CredStore) SetProvisioned(deviceID, pairingCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.DeviceID = deviceID
	s.creds.PairingCode = pairingCode
	return s.save()
}

// Wipe уничтожает локальную идентичность (реакция на device_deleted).
func (s *CredStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
