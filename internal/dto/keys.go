package dto

import "time"

type CreateKeyRequest struct {
	KeyID       string     `json:"keyId,omitempty"`
	Description string     `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	TTLDays     int        `json:"ttlDays,omitempty"`
	IsOneTime   bool       `json:"isOneTime,omitempty"`
}

type CreateKeyResponse struct {
	KeyID     string     `json:"keyId"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	IsOneTime bool       `json:"isOneTime"`
	CreatedAt time.Time  `json:"createdAt"`
}

type ExtendKeyRequest struct {
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	AddDays   int        `json:"addDays,omitempty"`
}

type KeySummary struct {
	KeyID       string     `json:"keyId"`
	Description string     `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	IsOneTime   bool       `json:"isOneTime"`
	IsUsed      bool       `json:"isUsed"`
	UserUID     string     `json:"userUID,omitempty"`
	AccessCount int64      `json:"accessCount"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type ListKeysResponse struct {
	Keys []KeySummary `json:"keys"`
}
