package ui

import (
	"log/slog"
	"time"
)

// NotificationKind classifies a transient, auto-dismissing notification.
type NotificationKind string

const (
	NoticeSuccess NotificationKind = "success"
	NoticeInfo    NotificationKind = "info"
	NoticeWarning NotificationKind = "warning"
	NoticeError   NotificationKind = "error"
)

// PanelState is the view model for the entitlement panel.
type PanelState struct {
	Activated   bool
	Blocked     bool
	BlockReason string
	KeyID       string
	UID         string
	KeyType     string
	Description string
	AccessCount int64
	CreatedAt   time.Time
	ActivatedAt time.Time
	ExpiresAt   time.Time
}

// Reflector renders entitlement state into the surrounding chat application.
// The entitlement core only ever calls outward through this interface; the
// chat UI itself is out of scope here. Implementations must not call back
// into the entitlement gate.
type Reflector interface {
	SetInputEnabled(enabled bool)
	ShowBlockingOverlay(title, message, details string)
	HideBlockingOverlay()
	ShowNotification(kind NotificationKind, title, message string)
	ShowCountdown(text, urgency string)
	HideCountdown()
	RenderPanel(state PanelState)
}

// Log is a Reflector that renders to structured logs, used by the gate
// binary and anywhere no richer surface is attached.
type Log struct {
	Logger *slog.Logger
}

func (l Log) SetInputEnabled(enabled bool) {
	l.Logger.Info("input controls", "enabled", enabled)
}

func (l Log) ShowBlockingOverlay(title, message, details string) {
	l.Logger.Warn("blocking overlay", "title", title, "message", message, "details", details)
}

func (l Log) HideBlockingOverlay() {
	l.Logger.Info("blocking overlay dismissed")
}

func (l Log) ShowNotification(kind NotificationKind, title, message string) {
	l.Logger.Info("notification", "kind", string(kind), "title", title, "message", message)
}

func (l Log) ShowCountdown(text, urgency string) {
	l.Logger.Debug("countdown", "remaining", text, "urgency", urgency)
}

func (l Log) HideCountdown() {
	l.Logger.Debug("countdown hidden")
}

func (l Log) RenderPanel(state PanelState) {
	l.Logger.Info("entitlement panel",
		"activated", state.Activated,
		"blocked", state.Blocked,
		"key_id", state.KeyID,
		"key_type", state.KeyType,
		"access_count", state.AccessCount,
	)
}
