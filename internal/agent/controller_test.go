package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeBackend считает запросы по путям и отвечает заготовками.
type fakeBackend struct {
	mu      sync.Mutex
	hits    map[string]int
	respond map[string]func(w http.ResponseWriter, r *http.Request)
	server  *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{
		hits:    make(map[string]int),
		respond: make(map[string]func(http.ResponseWriter, *http.Request)),
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		h := f.respond[r.URL.Path]
		f.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBackend) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeBackend) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.hits {
		n += c
	}
	return n
}

func (f *fakeBackend) on(path string, h func(http.ResponseWriter, *http.Request)) {
	f.mu.Lock()
	f.respond[path] = h
	f.mu.Unlock()
}

func jsonReply(body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func errorReply(status int, reason string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"success":false,"error":"` + reason + `"}`))
	}
}

func newTestController(t *testing.T, f *fakeBackend) *Controller {
	t.Helper()
	creds, err := LoadOrCreate(filepath.Join(t.TempDir(), "agent.json"))
	if err != nil {
		t.Fatal(err)
	}
	backend := NewBackend(f.server.URL, creds)
	backend.token = "test-token"
	backend.tokenExp = time.Now().Add(time.Hour).Unix()

	view := NewAppView()
	runner := NewRunner()
	RegisterBuiltins(runner, view)
	c := NewController(backend, creds, view, runner, nil, "1.0.0")
	c.freeMemory = func() (uint64, uint64) { return 1 << 20, 1 << 20 }
	c.started = time.Now()
	return c
}

func TestChannelHealthBoundary(t *testing.T) {
	f := newFakeBackend(t)
	f.on("/api/v1/device-state", jsonReply(`{"success":true,"app_connected":false}`))
	f.on("/api/v1/commands", jsonReply(`{"success":true,"commands":[]}`))

	now := time.Now()
	c := newTestController(t, f)
	c.state = StateAuthenticated
	c.now = func() time.Time { return now }
	c.lastHeartbeat = now.Add(-16 * time.Second)
	c.lastFullSync = now

	// 119s с последнего трафика — WORKING, 16s < 30s: тик молчит
	seen := now.Add(-119 * time.Second)
	c.realtimeSeen = func() time.Time { return seen }
	c.Tick(context.Background())
	if f.total() != 0 {
		t.Fatalf("WORKING channel synced early: %d calls", f.total())
	}

	// 121s — STALE, каденс 15s: тот же тик уже синхронизирует и поллит
	seen = now.Add(-121 * time.Second)
	c.Tick(context.Background())
	if f.count("/api/v1/device-state") != 1 {
		t.Fatalf("STALE channel did not sync: %v", f.hits)
	}
	if f.count("/api/v1/commands") != 1 {
		t.Fatalf("STALE channel did not poll commands: %v", f.hits)
	}
}

func TestAbsentChannelPolls(t *testing.T) {
	f := newFakeBackend(t)
	f.on("/api/v1/device-state", jsonReply(`{"success":true,"app_connected":false}`))
	f.on("/api/v1/commands", jsonReply(`{"success":true,"commands":[]}`))

	now := time.Now()
	c := newTestController(t, f)
	c.state = StateAuthenticated
	c.now = func() time.Time { return now }
	c.lastHeartbeat = now.Add(-9 * time.Second)

	c.Tick(context.Background())
	if f.total() != 0 {
		t.Fatalf("ABSENT channel polled before 10s: %d calls", f.total())
	}
	c.lastHeartbeat = now.Add(-11 * time.Second)
	c.Tick(context.Background())
	if f.count("/api/v1/commands") != 1 {
		t.Fatalf("ABSENT channel did not poll: %v", f.hits)
	}
}

// Нехватка памяти — тик пропускается целиком, ни одного сетевого вызова.
func TestMemoryGateSkipsTick(t *testing.T) {
	f := newFakeBackend(t)
	c := newTestController(t, f)
	c.state = StateAuthenticated
	c.freeMemory = func() (uint64, uint64) { return 1000, 1000 }

	for i := 0; i < 5; i++ {
		c.Tick(context.Background())
	}
	if f.total() != 0 {
		t.Fatalf("tick under memory pressure made %d network calls", f.total())
	}
	// таймеры не сдвинулись: после восстановления памяти тик сработает сразу
	if !c.lastHeartbeat.IsZero() {
		t.Fatal("cadence timestamp advanced during skipped tick")
	}
}

func TestAppliedStateRequiresExplicitFlag(t *testing.T) {
	f := newFakeBackend(t)
	f.on("/api/v1/commands", jsonReply(`{"success":true,"commands":[]}`))
	f.on("/api/v1/device-state", jsonReply(
		`{"success":true,"app_connected":true,"status":"busy","display_name":"Ann","in_call":true}`))

	c := newTestController(t, f)
	c.state = StateAuthenticated
	c.Tick(context.Background())

	st := c.view.Snapshot()
	if !st.AppConnected || st.Status != "busy" || !st.InCall {
		t.Fatalf("state not applied: %+v", st)
	}

	// app_connected=false — локальный флаг сбрасывается, остальное не применяется
	f.on("/api/v1/device-state", jsonReply(`{"success":true,"app_connected":false,"status":"online"}`))
	c.ForceSync()
	c.Tick(context.Background())
	st = c.view.Snapshot()
	if st.AppConnected {
		t.Fatal("app_connected not cleared")
	}
	if st.Status == "online" {
		t.Fatal("state applied without explicit app_connected")
	}
}

func TestPollDropsMalformedCommands(t *testing.T) {
	f := newFakeBackend(t)
	f.on("/api/v1/device-state", jsonReply(`{"success":true,"app_connected":false}`))
	f.on("/api/v1/commands", jsonReply(`{"success":true,"commands":[
		{"id":"short","command":"ping"},
		{"id":"long-enough-id","command":""},
		{"id":"valid-command-1","command":"ping"}
	]}`))

	var acked []string
	f.on("/api/v1/commands/ack", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CommandID string `json:"command_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		acked = append(acked, req.CommandID)
		f.mu.Unlock()
		jsonReply(`{"success":true}`)(w, r)
	})

	c := newTestController(t, f)
	c.state = StateAuthenticated
	c.Tick(context.Background())

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(acked) != 1 || acked[0] != "valid-command-1" {
		t.Fatalf("acked %v, want only valid-command-1", acked)
	}
}

// Истекающий токен обновляется до state-поста, не дожидаясь 401.
func TestExpiredTokenReauthenticatesBeforeSync(t *testing.T) {
	f := newFakeBackend(t)
	f.on("/api/v1/device-auth", jsonReply(`{"success":true,"token":"fresh","expires_at":9999999999,"device_id":"uuid-1","pairing_code":"ABC234"}`))
	f.on("/api/v1/device-state", jsonReply(`{"success":true,"app_connected":false}`))
	f.on("/api/v1/commands", jsonReply(`{"success":true,"commands":[]}`))

	c := newTestController(t, f)
	c.state = StateAuthenticated
	c.backend.tokenExp = time.Now().Unix() + 30 // меньше минутного запаса

	c.Tick(context.Background())
	if f.count("/api/v1/device-auth") != 1 {
		t.Fatalf("no proactive re-auth: %v", f.hits)
	}
	if f.count("/api/v1/device-state") != 0 {
		t.Fatal("state posted with an expiring token")
	}

	// следующий тик синхронизирует уже свежим токеном
	c.Tick(context.Background())
	if f.count("/api/v1/device-state") != 1 {
		t.Fatalf("sync did not resume after re-auth: %v", f.hits)
	}
}

func TestProvisionRetryBackoff(t *testing.T) {
	f := newFakeBackend(t)
	// провижининг успешен (код сопряжения выдан), одобрения ещё нет
	f.on("/api/v1/provision", jsonReply(`{"success":true,"device_id":"uuid-1","pairing_code":"ABC234"}`))
	f.on("/api/v1/device-auth", errorReply(http.StatusForbidden, "awaiting_approval"))

	now := time.Now()
	c := newTestController(t, f)
	c.now = func() time.Time { return now }

	c.Tick(context.Background())
	if c.state != StateAwaitingApproval {
		t.Fatalf("state %v after awaiting_approval", c.state)
	}
	if c.creds.PairingCode() != "ABC234" {
		t.Fatal("pairing code not stored while awaiting approval")
	}
	if f.count("/api/v1/provision") != 1 {
		t.Fatalf("provision hits: %d", f.count("/api/v1/provision"))
	}

	// обычного минутного ретрая недостаточно
	now = now.Add(61 * time.Second)
	c.Tick(context.Background())
	if f.count("/api/v1/provision") != 1 {
		t.Fatal("awaiting device retried before 30 minutes")
	}

	// спустя полчаса — следующая попытка
	now = now.Add(30 * time.Minute)
	c.Tick(context.Background())
	if f.count("/api/v1/provision") != 2 {
		t.Fatal("awaiting device did not retry after backoff")
	}
}

func TestProvisionNormalRetryIsMinute(t *testing.T) {
	f := newFakeBackend(t)
	f.on("/api/v1/provision", errorReply(http.StatusInternalServerError, "boom"))

	now := time.Now()
	c := newTestController(t, f)
	c.now = func() time.Time { return now }

	c.Tick(context.Background())
	now = now.Add(59 * time.Second)
	c.Tick(context.Background())
	if f.count("/api/v1/provision") != 1 {
		t.Fatal("failed provision retried before 60s")
	}
	now = now.Add(2 * time.Second)
	c.Tick(context.Background())
	if f.count("/api/v1/provision") != 2 {
		t.Fatal("failed provision not retried after 60s")
	}
}

func TestDisabledIsTerminal(t *testing.T) {
	f := newFakeBackend(t)
	f.on("/api/v1/provision", errorReply(http.StatusForbidden, "device_disabled"))

	now := time.Now()
	c := newTestController(t, f)
	c.now = func() time.Time { return now }

	c.Tick(context.Background())
	if c.state != StateDisabled {
		t.Fatalf("state %v", c.state)
	}
	now = now.Add(24 * time.Hour)
	c.Tick(context.Background())
	if f.count("/api/v1/provision") != 1 {
		t.Fatal("disabled device kept provisioning")
	}
}

func TestDeletedWipesAndRestarts(t *testing.T) {
	f := newFakeBackend(t)
	f.on("/api/v1/provision", errorReply(http.StatusGone, "device_deleted"))

	c := newTestController(t, f)
	restarted := false
	c.restart = func() { restarted = true }

	c.Tick(context.Background())
	if !restarted {
		t.Fatal("restart not requested")
	}
	if c.creds.Serial() != "" {
		t.Fatal("credentials survived device_deleted")
	}
}

// Успешный provision: аутентификация и немедленный state-пост в том же тике.
func TestProvisionSuccessPushesStateImmediately(t *testing.T) {
	f := newFakeBackend(t)
	f.on("/api/v1/provision", jsonReply(`{"success":true,"device_id":"uuid-1","pairing_code":"ABC234"}`))
	f.on("/api/v1/device-auth", jsonReply(`{"success":true,"token":"tok","expires_at":9999999999,"device_id":"uuid-1","pairing_code":"ABC234"}`))
	f.on("/api/v1/device-state", jsonReply(`{"success":true,"app_connected":false}`))

	c := newTestController(t, f)
	c.backend.DropToken()
	c.Tick(context.Background())

	if c.state != StateAuthenticated {
		t.Fatalf("state %v", c.state)
	}
	if f.count("/api/v1/device-state") != 1 {
		t.Fatal("no immediate state push after provisioning")
	}
	if c.creds.DeviceID() != "uuid-1" || c.creds.PairingCode() != "ABC234" {
		t.Fatalf("credentials not updated: %q %q", c.creds.DeviceID(), c.creds.PairingCode())
	}
}
