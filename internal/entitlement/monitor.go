package entitlement

import (
	"context"

	"keygate/internal/docstore"
	"keygate/internal/observability/metrics"
	"keygate/internal/ui"
)

// startMonitoringLocked opens the live watch for keyID. At most one watch is
// ever active: a watch for a different key is cancelled synchronously first,
// and a watch already running for the same key is left alone so repeated
// restores never double-subscribe. Caller holds g.mu.
func (g *Gate) startMonitoringLocked(keyID string) {
	if g.watchKeyID == keyID && g.watchCancel != nil {
		return
	}
	g.stopMonitoringLocked()
	ctx, cancel := context.WithCancel(g.baseCtx)
	g.watchKeyID = keyID
	g.watchCancel = cancel
	go g.watchLoop(ctx, keyID)
}

func (g *Gate) stopMonitoringLocked() {
	if g.watchCancel != nil {
		g.watchCancel()
		g.watchCancel = nil
	}
	g.watchKeyID = ""
}

// watchLoop keeps a subscription open on the key document for as long as its
// context lives. Transport failures never change entitlement state; they
// produce an advisory notice and a re-subscribe after a fixed delay.
func (g *Gate) watchLoop(ctx context.Context, keyID string) {
	for {
		w, err := g.docs.Watch(ctx, keyID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Warn("watch subscribe failed", "key_id", keyID, "error", err)
			g.ui.ShowNotification(ui.NoticeWarning, "Monitoring Interrupted",
				"Real-time key monitoring temporarily interrupted. Auto-restoring...")
			if !g.sleep(ctx, resubscribeDelay) {
				return
			}
			continue
		}

		for ev := range w.Events() {
			g.handleWatchEvent(ctx, keyID, ev)
		}
		werr := w.Err()
		w.Close()
		if ctx.Err() != nil {
			return
		}
		if werr != nil {
			g.log.Warn("watch stream broke", "key_id", keyID, "error", werr)
			g.ui.ShowNotification(ui.NoticeWarning, "Monitoring Interrupted",
				"Real-time key monitoring temporarily interrupted. Auto-restoring...")
		}
		if !g.sleep(ctx, resubscribeDelay) {
			return
		}
	}
}

func (g *Gate) handleWatchEvent(ctx context.Context, keyID string, ev docstore.Event) {
	if !ev.Exists {
		metrics.WatchEventsTotal.WithLabelValues("deleted").Inc()
		g.block(ctx, ReasonDeleted, "Key Deleted",
			"Your activation key has been permanently deleted by admin.", "")
		return
	}
	if ev.Key == nil {
		return
	}
	metrics.WatchEventsTotal.WithLabelValues("update").Inc()

	g.mu.Lock()
	if g.watchKeyID != keyID || g.activation == nil {
		g.mu.Unlock()
		return
	}
	oldExp := g.activation.Key.Expiry()
	// Merge remote fields; the local key id lives in activation.KeyID and is
	// preserved.
	g.activation.Key = *ev.Key
	newExp := g.activation.Key.Expiry()
	activated := g.state == StateActivated
	if activated {
		g.persistLocked(ctx)
	}
	g.mu.Unlock()

	now := g.clock.Now()
	switch {
	case activated && !newExp.IsZero() && now.After(newExp):
		g.expire(ctx, newExp)
	case !newExp.Equal(oldExp):
		// Any expiry change restarts the countdown, including a formerly
		// permanent key gaining one.
		if !oldExp.IsZero() && newExp.After(oldExp) {
			g.ui.ShowNotification(ui.NoticeSuccess, "Key Extended",
				"Your activation key time has been extended!")
		}
		g.mu.Lock()
		g.startCountdownLocked()
		g.mu.Unlock()
		g.render()
	default:
		g.render()
	}
}
