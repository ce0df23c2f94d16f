package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"keygate/internal/domain"
)

func TestNormalizeKeyID(t *testing.T) {
	if got := domain.NormalizeKeyID("  abc123 "); got != "ABC123" {
		t.Fatalf("got %q", got)
	}
}

func TestValidKeyID(t *testing.T) {
	valid := []string{"ABC123", "AAAAAA", "ABCDEF1234567890"}
	invalid := []string{"", "abc123", "ABC12", "ABCDEF12345678901", "ABC-123", "ABC 12"}

	for _, s := range valid {
		if !domain.ValidKeyID(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range invalid {
		if domain.ValidKeyID(s) {
			t.Errorf("%q should be invalid", s)
		}
	}
}

func TestEnvelopeValidFor(t *testing.T) {
	env := domain.Envelope{
		Value:     json.RawMessage(`"x"`),
		Timestamp: time.Now(),
		OwnerUID:  "uid_owner_123",
		Version:   domain.SchemaVersion,
	}

	if !env.ValidFor("uid_owner_123") {
		t.Fatal("owner should be trusted")
	}
	if env.ValidFor("uid_other_456") {
		t.Fatal("foreign owner must be rejected")
	}
	if !env.ValidFor("") {
		t.Fatal("empty owner skips the ownership check")
	}

	stale := env
	stale.Version = "v6"
	if stale.ValidFor("uid_owner_123") {
		t.Fatal("schema version mismatch must be rejected")
	}

	empty := env
	empty.Value = nil
	if empty.ValidFor("uid_owner_123") {
		t.Fatal("empty value must be rejected")
	}
}

func TestIdentityValid(t *testing.T) {
	if (domain.Identity{UID: "short"}).Valid() {
		t.Fatal("short uid must be invalid")
	}
	if !(domain.Identity{UID: "uid_long_enough"}).Valid() {
		t.Fatal("long uid must be valid")
	}
}

func TestExpiredErrorCarriesInstant(t *testing.T) {
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	err := domain.Expired(at)

	got, ok := domain.ExpiryOf(err)
	if !ok || !got.Equal(at) {
		t.Fatalf("got %v ok=%v", got, ok)
	}
	if !domain.Revoked(err) {
		t.Fatal("expiry revokes the key")
	}
	if domain.Revoked(domain.ErrKeyAlreadyUsed) {
		t.Fatal("a used key is not revoked")
	}
	if domain.Revoked(domain.ErrRemoteUnavailable) {
		t.Fatal("a transport failure is not a revocation")
	}
}
