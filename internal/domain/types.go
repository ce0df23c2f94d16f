package domain

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// SchemaVersion tags every persisted envelope. Records carrying a different
// tag are treated as absent so that app versions sharing a data directory
// never trust each other's state.
const SchemaVersion = "v7"

// Identity is the device-local pseudonymous identity. One per install, never
// rotated once persisted.
type Identity struct {
	UID       string    `json:"uid"`
	CreatedAt time.Time `json:"createdAt"`
}

// Valid reports whether the identity is usable for binding.
func (i Identity) Valid() bool {
	return len(i.UID) >= 10
}

// KeyDocument mirrors the remote activation-key document. Pointer fields are
// optional in the remote schema.
type KeyDocument struct {
	ExpiresAt     *FlexTime `json:"expiresAt,omitempty"`
	IsOneTime     bool      `json:"isOneTime,omitempty"`
	IsUsed        bool      `json:"isUsed,omitempty"`
	UserUID       string    `json:"userUID,omitempty"`
	AccessCount   int64     `json:"accessCount,omitempty"`
	CreatedAt     *FlexTime `json:"createdAt,omitempty"`
	Description   string    `json:"description,omitempty"`
	ActivatedAt   *FlexTime `json:"activatedAt,omitempty"`
	ActivatedFrom string    `json:"activatedFrom,omitempty"`
	LastAccessed  *FlexTime `json:"lastAccessed,omitempty"`
	UsedAt        *FlexTime `json:"usedAt,omitempty"`
}

// Expiry returns the expiry instant, or zero time when the key never expires.
func (k KeyDocument) Expiry() time.Time {
	if k.ExpiresAt == nil {
		return time.Time{}
	}
	return k.ExpiresAt.Time()
}

// Activation is the locally persisted record of a validated key.
type Activation struct {
	KeyID       string      `json:"keyId"`
	Key         KeyDocument `json:"key"`
	BoundUID    string      `json:"boundUid"`
	ActivatedAt time.Time   `json:"activatedAt"`
}

// Envelope wraps every value written through the storage adapter. A read is
// trusted only when OwnerUID matches the caller's identity and Version
// matches SchemaVersion.
type Envelope struct {
	Value      json.RawMessage `json:"value"`
	Timestamp  time.Time       `json:"timestamp"`
	OwnerUID   string          `json:"ownerUid"`
	Version    string          `json:"version"`
	Persistent bool            `json:"persistent"`
}

// ValidFor reports whether the envelope may be trusted by the given identity.
// An empty ownerUID skips the ownership check; the identity record itself is
// self-owning and is looked up before any uid is known.
func (e Envelope) ValidFor(ownerUID string) bool {
	if e.Version != SchemaVersion || len(e.Value) == 0 {
		return false
	}
	return ownerUID == "" || e.OwnerUID == ownerUID
}

var keyIDPattern = regexp.MustCompile(`^[A-Z0-9]{6,16}$`)

// NormalizeKeyID upper-cases and trims a candidate activation key.
func NormalizeKeyID(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidKeyID reports whether s is a well-formed (already normalized)
// activation key: 6-16 alphanumeric characters.
func ValidKeyID(s string) bool {
	return keyIDPattern.MatchString(s)
}
