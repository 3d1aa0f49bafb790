package registry

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"halo/internal/logs"
)

// schemaVersion — при несовпадении версии файла реестр стартует пустым.
const schemaVersion = 1

// Record — durable-запись устройства на стороне брокера.
type Record struct {
	DeviceID        string    `json:"deviceId"`
	PairingCode     string    `json:"pairingCode"`
	Name            string    `json:"name,omitempty"`
	IPAddress       string    `json:"ipAddress,omitempty"`
	FirmwareVersion string    `json:"firmwareVersion,omitempty"`
	LastSeen        time.Time `json:"lastSeen"`
}

type fileFormat struct {
	Version      int               `json:"version"`
	Devices      map[string]Record `json:"devices"`
	PairingCodes map[string]string `json:"pairingCodes"`
}

// Registry — локальный реестр устройств с дебаунсом записи.
// Инвариант: pairing code указывает максимум на одну запись.
type Registry struct {
	mu      sync.Mutex
	path    string
	devices map[string]Record // device id → record
	codes   map[string]string // нормализованный code → device id

	debounce time.Duration
	timer    *time.Timer
	dirty    bool
}

// Open загружает реестр из path (пустой path — только память).
func Open(path string, debounce time.Duration) *Registry {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	r := &Registry{
		path:     path,
		devices:  make(map[string]Record),
		codes:    make(map[string]string),
		debounce: debounce,
	}
	r.load()
	return r
}

func (r *Registry) load() {
	if r.path == "" {
		return
	}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logs.Logger.Warnf("registry read %s: %v", r.path, err)
		}
		return
	}
	var f fileFormat
	if err := json.Unmarshal(raw, &f); err != nil {
		logs.Logger.Warnf("registry parse %s: %v (starting empty)", r.path, err)
		return
	}
	if f.Version != schemaVersion {
		logs.Logger.Infof("registry version %d != %d, starting empty", f.Version, schemaVersion)
		return
	}
	if f.Devices != nil {
		r.devices = f.Devices
	}
	if f.PairingCodes != nil {
		for code, id := range f.PairingCodes {
			r.codes[strings.ToUpper(code)] = id
		}
	}
	logs.Logger.Infof("registry loaded: %d devices", len(r.devices))
}

// Upsert регистрирует или обновляет устройство по коду сопряжения.
// Старая привязка кода (если код переехал) снимается.
func (r *Registry) Upsert(rec Record) {
	code := strings.ToUpper(strings.TrimSpace(rec.PairingCode))
	if rec.DeviceID == "" || code == "" {
		return
	}
	rec.PairingCode = code
	rec.LastSeen = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.devices[rec.DeviceID]; ok && prev.PairingCode != code {
		delete(r.codes, prev.PairingCode)
	}
	if prevID, ok := r.codes[code]; ok && prevID != rec.DeviceID {
		delete(r.devices, prevID)
	}
	r.devices[rec.DeviceID] = rec
	r.codes[code] = rec.DeviceID
	r.markDirtyLocked()
}

// ByCode ищет устройство по коду без учёта регистра.
func (r *Registry) ByCode(code string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.codes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Record{}, false
	}
	rec, ok := r.devices[id]
	return rec, ok
}

func (r *Registry) ByDeviceID(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[id]
	return rec, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// markDirtyLocked взводит дебаунс-таймер; несколько апдейтов сливаются в одну запись.
func (r *Registry) markDirtyLocked() {
	r.dirty = true
	if r.path == "" {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		if err := r.Flush(); err != nil {
			logs.Logger.Errorf("registry flush: %v", err)
		}
	})
}

// Flush принудительно пишет реестр на диск (вызывается и на shutdown).
func (r *Registry) Flush() error {
	r.mu.Lock()
	if r.path == "" || !r.dirty {
		r.mu.Unlock()
		return nil
	}
	f := fileFormat{
		Version:      schemaVersion,
		Devices:      make(map[string]Record, len(r.devices)),
		PairingCodes: make(map[string]string, len(r.codes)),
	}
	for id, rec := range r.devices {
		f.Devices[id] = rec
	}
	for code, id := range r.codes {
		f.PairingCodes[code] = id
	}
	r.dirty = false
	path := r.path
	r.mu.Unlock()

	raw, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
