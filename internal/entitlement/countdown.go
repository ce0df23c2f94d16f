package entitlement

import (
	"context"
	"fmt"
	"time"
)

// startCountdownLocked (re)starts the 1-second expiry countdown. No ticker
// runs when unactivated or when the key never expires. Caller holds g.mu.
func (g *Gate) startCountdownLocked() {
	g.stopCountdownLocked()
	if g.state != StateActivated || g.activation == nil || g.activation.Key.Expiry().IsZero() {
		g.ui.HideCountdown()
		return
	}
	ctx, cancel := context.WithCancel(g.baseCtx)
	g.tickCancel = cancel
	// Immediate first render, then once per second. The tick is the client's
	// own expiry detector for when the watch channel is slow to report the
	// boundary; both paths converge on the same blocking transition.
	go func() {
		g.tick(ctx)
		g.clock.TickerFunc(ctx, countdownPeriod, func() error {
			g.tick(ctx)
			return nil
		}, "countdown")
	}()
}

func (g *Gate) stopCountdownLocked() {
	if g.tickCancel != nil {
		g.tickCancel()
		g.tickCancel = nil
	}
}

func (g *Gate) tick(ctx context.Context) {
	g.mu.Lock()
	if g.state != StateActivated || g.activation == nil {
		g.mu.Unlock()
		return
	}
	expiry := g.activation.Key.Expiry()
	g.mu.Unlock()
	if expiry.IsZero() {
		return
	}

	remaining := expiry.Sub(g.clock.Now())
	if remaining <= 0 {
		g.expire(ctx, expiry)
		return
	}
	text, urgency := FormatCountdown(remaining)
	g.ui.ShowCountdown(text, urgency)
}

// FormatCountdown renders a remaining duration the way the key panel shows
// it, with an urgency class: warning under a day, critical under 30 minutes.
func FormatCountdown(remaining time.Duration) (text, urgency string) {
	days := int(remaining / (24 * time.Hour))
	hours := int(remaining/time.Hour) % 24
	minutes := int(remaining/time.Minute) % 60
	seconds := int(remaining/time.Second) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds), ""
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds), "warning"
	case minutes >= 30:
		return fmt.Sprintf("%dm %ds", minutes, seconds), "warning"
	default:
		return fmt.Sprintf("%dm %ds", minutes, seconds), "critical"
	}
}
