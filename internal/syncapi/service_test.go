package syncapi

import (
	"context"
	"testing"
	"time"

	"halo/internal/commands"
	"halo/internal/devauth"
	"halo/internal/models"
	"halo/internal/repo"
)

type fakePresence map[string]models.AppState

func (f fakePresence) AppState(code string) (models.AppState, bool) {
	st, ok := f[code]
	return st, ok
}

func newTestService(t *testing.T, presence AppPresence) (*Service, *repo.MemDeviceStore, *repo.MemCommandStore) {
	t.Helper()
	ds := repo.NewMemDeviceStore(time.Hour)
	cs := repo.NewMemCommandStore()
	svc := NewService(ds, commands.NewService(cs, ds, 10), presence,
		devauth.NewTokenIssuer("test-key", time.Hour), nil, 5*time.Minute)
	return svc, ds, cs
}

func provisionApproved(t *testing.T, svc *Service, ds *repo.MemDeviceStore, serial, keyHash string) devauth.Identity {
	t.Helper()
	res := svc.Provision(context.Background(), ProvisionRequest{SerialNumber: serial, KeyHash: keyHash})
	if res.Kind != KindOK {
		t.Fatalf("provision: %+v", res)
	}
	if err := ds.SetApprovalState(context.Background(), res.DeviceUUID, models.ApprovalApproved); err != nil {
		t.Fatal(err)
	}
	return devauth.Identity{DeviceUUID: res.DeviceUUID, Serial: serial, PairingCode: res.PairingCode}
}

func signedAuth(svc *Service, serial, keyHash string) AuthResult {
	ts := time.Now().Unix()
	sig := devauth.SignRequest(keyHash, "POST", "/api/v1/device-auth", ts, []byte("{}"))
	return svc.Authenticate(context.Background(), serial, "POST", "/api/v1/device-auth", ts, []byte("{}"), sig)
}

// Approval-состояния должны быть различимы в ответе device-auth,
// а не схлопываться в общий 401.
func TestAuthenticateApprovalStates(t *testing.T) {
	svc, ds, _ := newTestService(t, nil)
	keyHash := devauth.HashSecret([]byte("s1"))
	res := svc.Provision(context.Background(), ProvisionRequest{SerialNumber: "SER-1", KeyHash: keyHash})
	if res.Kind != KindOK {
		t.Fatalf("provision: %+v", res)
	}

	if got := signedAuth(svc, "SER-1", keyHash); got.Kind != KindAwaitingApproval || got.Reason != ReasonAwaitingApproval {
		t.Fatalf("awaiting: %+v", got)
	}

	steps := []struct {
		state  string
		kind   Kind
		reason string
	}{
		{models.ApprovalDisabled, KindDisabled, ReasonDisabled},
		{models.ApprovalBlacklisted, KindBlacklisted, ReasonBlacklisted},
		{models.ApprovalDeleted, KindDeleted, ReasonDeleted},
	}
	for _, st := range steps {
		if err := ds.SetApprovalState(context.Background(), res.DeviceUUID, st.state); err != nil {
			t.Fatal(err)
		}
		if got := signedAuth(svc, "SER-1", keyHash); got.Kind != st.kind || got.Reason != st.reason {
			t.Fatalf("%s: %+v", st.state, got)
		}
	}
}

func TestAuthenticateIssuesToken(t *testing.T) {
	svc, ds, _ := newTestService(t, nil)
	keyHash := devauth.HashSecret([]byte("s1"))
	id := provisionApproved(t, svc, ds, "SER-1", keyHash)

	got := signedAuth(svc, "SER-1", keyHash)
	if got.Kind != KindOK || got.Token == "" || got.DeviceUUID != id.DeviceUUID {
		t.Fatalf("auth: %+v", got)
	}
	if got.PairingCode != id.PairingCode {
		t.Fatalf("pairing code %q, want %q", got.PairingCode, id.PairingCode)
	}
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	svc, ds, _ := newTestService(t, nil)
	keyHash := devauth.HashSecret([]byte("s1"))
	provisionApproved(t, svc, ds, "SER-1", keyHash)

	if got := signedAuth(svc, "SER-1", devauth.HashSecret([]byte("wrong"))); got.Kind != KindUnauthorized {
		t.Fatalf("bad signature: %+v", got)
	}
}

func TestPostStateMergesPresence(t *testing.T) {
	presence := fakePresence{}
	svc, ds, _ := newTestService(t, presence)
	id := provisionApproved(t, svc, ds, "SER-1", "h1")

	// приложения нет — app_connected=false
	res := svc.PostState(context.Background(), id, StateRequest{RSSI: -55, FreeHeap: 100000})
	if res.Kind != KindOK || res.State.AppConnected {
		t.Fatalf("no presence: %+v", res)
	}

	presence[id.PairingCode] = models.AppState{AppConnected: true, Status: "busy", DisplayName: "Ann"}
	res = svc.PostState(context.Background(), id, StateRequest{RSSI: -55})
	if !res.State.AppConnected || res.State.Status != "busy" || res.State.DisplayName != "Ann" {
		t.Fatalf("presence not merged: %+v", res.State)
	}

	// телеметрия записана
	d, _ := ds.GetByUUID(context.Background(), id.DeviceUUID)
	if d.RSSI != -55 || d.LastSeenAt == nil {
		t.Fatalf("telemetry: %+v", d)
	}
}

func TestAckCommandIDValidation(t *testing.T) {
	svc, ds, _ := newTestService(t, nil)
	id := provisionApproved(t, svc, ds, "SER-1", "h1")

	res := svc.AckCommand(context.Background(), id, AckRequest{CommandID: "short"})
	if res.Kind != KindBadRequest {
		t.Fatalf("short id: %+v", res)
	}
	// неизвестная команда — not found, не server error
	res = svc.AckCommand(context.Background(), id, AckRequest{CommandID: "nonexistent-id", Success: true})
	if res.Kind != KindNotFound {
		t.Fatalf("unknown command: %+v", res)
	}
}

func TestAckCommandFlow(t *testing.T) {
	svc, ds, cs := newTestService(t, nil)
	id := provisionApproved(t, svc, ds, "SER-1", "h1")
	cmd, _ := cs.Create(context.Background(), id.DeviceUUID, "reboot", nil)

	poll := svc.PollCommands(context.Background(), id)
	if poll.Kind != KindOK || len(poll.Commands) != 1 {
		t.Fatalf("poll: %+v", poll)
	}

	res := svc.AckCommand(context.Background(), id, AckRequest{CommandID: cmd.ID, Success: true})
	if res.Kind != KindOK || res.Status != models.CommandAcked {
		t.Fatalf("ack: %+v", res)
	}
	dup := svc.AckCommand(context.Background(), id, AckRequest{CommandID: cmd.ID, Success: true})
	if dup.Kind != KindOK || dup.Message != "already acked" {
		t.Fatalf("duplicate ack: %+v", dup)
	}
}

func TestFirmwareManifest(t *testing.T) {
	svc, ds, _ := newTestService(t, nil)
	svc.SetFirmwareBaseURL("https://fw.example.com/")
	id := provisionApproved(t, svc, ds, "SER-1", "h1")

	res := svc.FirmwareManifest(context.Background(), id, "1.0.0")
	if res.Kind != KindNotFound {
		t.Fatalf("no target version: %+v", res)
	}

	// цель задана и отличается от репортуемой — манифест возвращается
	if err := ds.SetTargetFirmware(context.Background(), id.DeviceUUID, "2.0.0"); err != nil {
		t.Fatal(err)
	}
	res = svc.FirmwareManifest(context.Background(), id, "1.0.0")
	if res.Kind != KindOK || res.Version != "2.0.0" || res.URL != "https://fw.example.com/2.0.0/firmware.bin" {
		t.Fatalf("manifest: %+v", res)
	}
	if res = svc.FirmwareManifest(context.Background(), id, "2.0.0"); res.Kind != KindNotFound {
		t.Fatalf("up-to-date device got manifest: %+v", res)
	}
}
