package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"halo/internal/devauth"
	"halo/internal/models"
)

func TestProvisionNewDevice(t *testing.T) {
	s := NewMemDeviceStore(time.Hour)
	ctx := context.Background()

	d, err := s.Provision(ctx, ProvisionInput{Serial: "SER-1", KeyHash: "hash-1", FirmwareVersion: "1.0.0"})
	if err != nil {
		t.Fatal(err)
	}
	if d.UUID == "" || d.ApprovalState != models.ApprovalAwaiting {
		t.Fatalf("new device: %+v", d)
	}
	if !devauth.ValidPairCode(d.PairingCode) {
		t.Fatalf("pairing code %q invalid", d.PairingCode)
	}
}

// Повторный provision того же серийника идемпотентен, но hash неизменяем.
func TestProvisionExisting(t *testing.T) {
	s := NewMemDeviceStore(time.Hour)
	ctx := context.Background()

	first, _ := s.Provision(ctx, ProvisionInput{Serial: "SER-1", KeyHash: "hash-1"})
	again, err := s.Provision(ctx, ProvisionInput{Serial: "SER-1", KeyHash: "hash-1", FirmwareVersion: "1.1.0"})
	if err != nil {
		t.Fatal(err)
	}
	if again.UUID != first.UUID || again.PairingCode != first.PairingCode {
		t.Fatalf("identity changed on re-provision: %+v vs %+v", again, first)
	}
	if again.FirmwareVersion != "1.1.0" {
		t.Fatalf("firmware not updated: %+v", again)
	}

	if _, err := s.Provision(ctx, ProvisionInput{Serial: "SER-1", KeyHash: "other"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("hash divergence: %v", err)
	}
}

func TestProvisionKeepsValidExistingCode(t *testing.T) {
	s := NewMemDeviceStore(time.Hour)
	d, err := s.Provision(context.Background(), ProvisionInput{
		Serial: "SER-1", KeyHash: "h", ExistingPairingCode: "abc234",
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.PairingCode != "ABC234" {
		t.Fatalf("existing code not kept: %q", d.PairingCode)
	}
}

// LookupSecret резолвит только одобренные устройства.
func TestLookupSecretApprovalGate(t *testing.T) {
	s := NewMemDeviceStore(time.Hour)
	ctx := context.Background()
	d, _ := s.Provision(ctx, ProvisionInput{Serial: "SER-1", KeyHash: "hash-1"})

	if _, _, _, err := s.LookupSecret(ctx, "SER-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("awaiting device resolved: %v", err)
	}
	if err := s.SetApprovalState(ctx, d.UUID, models.ApprovalApproved); err != nil {
		t.Fatal(err)
	}
	hash, uuid, code, err := s.LookupSecret(ctx, "SER-1")
	if err != nil || hash != "hash-1" || uuid != d.UUID || code != d.PairingCode {
		t.Fatalf("approved lookup: %q %q %q %v", hash, uuid, code, err)
	}
	if err := s.SetApprovalState(ctx, d.UUID, models.ApprovalDisabled); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := s.LookupSecret(ctx, "SER-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("disabled device resolved: %v", err)
	}
}

func TestSetApprovalStateValidation(t *testing.T) {
	s := NewMemDeviceStore(time.Hour)
	d, _ := s.Provision(context.Background(), ProvisionInput{Serial: "SER-1", KeyHash: "h"})
	if err := s.SetApprovalState(context.Background(), d.UUID, "weird"); err == nil {
		t.Fatal("bogus state accepted")
	}
	if err := s.SetApprovalState(context.Background(), "missing", models.ApprovalApproved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing device: %v", err)
	}
}

func TestUpdateTelemetry(t *testing.T) {
	s := NewMemDeviceStore(time.Hour)
	ctx := context.Background()
	d, _ := s.Provision(ctx, ProvisionInput{Serial: "SER-1", KeyHash: "h"})

	if err := s.UpdateTelemetry(ctx, d.UUID, -60, 120000, 3600, "1.2.0"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetByUUID(ctx, d.UUID)
	if got.RSSI != -60 || got.FreeHeap != 120000 || got.LastSeenAt == nil {
		t.Fatalf("telemetry: %+v", got)
	}
	if err := s.UpdateTelemetry(ctx, "missing", 0, 0, 0, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing device: %v", err)
	}
}
