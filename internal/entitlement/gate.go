package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"keygate/internal/docstore"
	"keygate/internal/domain"
	"keygate/internal/identity"
	"keygate/internal/observability/metrics"
	"keygate/internal/storage"
	"keygate/internal/ui"
)

// State is the entitlement state of this device.
type State string

const (
	StateUnactivated State = "unactivated"
	StateActivated   State = "activated"
	StateBlocked     State = "blocked"
)

// BlockReason names why the gate is blocked.
type BlockReason string

const (
	ReasonDeleted BlockReason = "deleted"
	ReasonExpired BlockReason = "expired"
)

// LinkPublisher rewrites the application's shareable address to embed the
// key after a successful fresh activation.
type LinkPublisher interface {
	PublishKeyURL(keyID string)
}

const (
	identityWait     = time.Second
	resubscribeDelay = 2 * time.Second
	countdownPeriod  = time.Second
)

// Options configures a Gate beyond its required collaborators.
type Options struct {
	// Origin is reported as activatedFrom on first binding.
	Origin string
	// Links is optional; when nil no URL rewriting happens.
	Links LinkPublisher
	Clock quartz.Clock
	Log   *slog.Logger
}

// Gate is the entitlement state machine. It binds the device identity to an
// activation key, persists the activation redundantly, watches the remote
// key document, and drives the UI reflector on every transition.
//
// Unactivated -> Activated -> {Blocked, Unactivated}. Blocked is recoverable
// only through a fresh successful activation.
type Gate struct {
	identity *identity.Manager
	store    *storage.Adapter
	docs     docstore.Store
	ui       ui.Reflector
	links    LinkPublisher
	clock    quartz.Clock
	log      *slog.Logger
	origin   string

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu            sync.Mutex
	state         State
	reason        BlockReason
	activation    *domain.Activation
	generation    uint64
	watchKeyID    string
	watchCancel   context.CancelFunc
	tickCancel    context.CancelFunc
	lastPublished string
}

func NewGate(ids *identity.Manager, store *storage.Adapter, docs docstore.Store, refl ui.Reflector, opts Options) *Gate {
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gate{
		identity:   ids,
		store:      store,
		docs:       docs,
		ui:         refl,
		links:      opts.Links,
		clock:      clock,
		log:        log,
		origin:     opts.Origin,
		baseCtx:    ctx,
		baseCancel: cancel,
		state:      StateUnactivated,
	}
}

// Close tears down the live watch and the countdown. The gate must not be
// used afterwards.
func (g *Gate) Close() {
	g.mu.Lock()
	g.stopMonitoringLocked()
	g.stopCountdownLocked()
	g.mu.Unlock()
	g.baseCancel()
}

// State returns the current entitlement state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Reason returns why the gate is blocked; empty unless StateBlocked.
func (g *Gate) Reason() BlockReason {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// Activation returns a copy of the current activation record, if any.
func (g *Gate) Activation() (domain.Activation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.activation == nil {
		return domain.Activation{}, false
	}
	return *g.activation, true
}

// Restore re-validates a previously persisted activation, typically on
// startup. The cached record is adopted optimistically before the remote
// check so a transient outage never locks out a paying user; only an
// explicit deleted or expired signal blocks. Returns whether the device
// ended up activated.
func (g *Gate) Restore(ctx context.Context) bool {
	id := g.identity.Resolve(ctx)
	if !id.Valid() {
		g.log.Info("restore skipped, no identity")
		return false
	}

	var keyID string
	var act domain.Activation
	haveKey := g.store.Get(ctx, storage.KeyActivation, id.UID, &keyID)
	haveData := g.store.Get(ctx, storage.KeyKeyData, id.UID, &act)
	if !haveKey || !haveData || act.KeyID == "" {
		g.log.Info("no persisted activation found")
		return false
	}

	g.mu.Lock()
	g.state = StateActivated
	g.reason = ""
	g.activation = &act
	g.mu.Unlock()
	g.ui.SetInputEnabled(true)

	err := g.validate(ctx, act.KeyID, true)
	switch {
	case err == nil:
		g.ui.ShowNotification(ui.NoticeSuccess, "Welcome Back", "Your activation was restored.")
		return true
	case domain.Revoked(err):
		g.blockFor(ctx, err)
		return false
	default:
		// Transient failure: keep the activation, warn, and let the watch
		// reconnect loop retry.
		g.log.Warn("restore validation failed transiently", "key_id", act.KeyID, "error", err)
		g.ui.ShowNotification(ui.NoticeWarning, "Validation Warning",
			"Activation restored but validation had issues. Will retry automatically.")
		g.mu.Lock()
		g.startMonitoringLocked(act.KeyID)
		g.startCountdownLocked()
		g.mu.Unlock()
		return true
	}
}

// RecoverStoredKey attempts activation from a key id that survived in
// storage without a full activation record, the partial-wipe leftover case.
// Reports whether it ended up activated.
func (g *Gate) RecoverStoredKey(ctx context.Context) bool {
	if g.State() != StateUnactivated {
		return false
	}
	id := g.identity.Resolve(ctx)
	if !id.Valid() {
		return false
	}
	var keyID string
	if !g.store.Get(ctx, storage.KeyKeyID, id.UID, &keyID) || !domain.ValidKeyID(keyID) {
		return false
	}
	g.log.Info("recovering from orphaned stored key id", "key_id", keyID)
	return g.Activate(ctx, keyID) == nil
}

// Activate validates the candidate key and, on success, binds it to this
// device's identity. On failure the state is unchanged and the error names
// the rejection.
func (g *Gate) Activate(ctx context.Context, candidate string) error {
	keyID := domain.NormalizeKeyID(candidate)
	if !domain.ValidKeyID(keyID) {
		metrics.ActivationsTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: %q", domain.ErrKeyMalformed, candidate)
	}
	if err := g.validate(ctx, keyID, false); err != nil {
		metrics.ActivationsTotal.WithLabelValues("failure").Inc()
		g.log.Warn("activation rejected", "key_id", keyID, "error", err)
		return err
	}
	metrics.ActivationsTotal.WithLabelValues("success").Inc()
	g.ui.ShowNotification(ui.NoticeSuccess, "Activated",
		fmt.Sprintf("Key %s is now bound to this device.", keyID))
	return nil
}

// Deactivate is the explicit user-initiated transition back to Unactivated.
// The identity record is retained.
func (g *Gate) Deactivate(ctx context.Context) {
	g.mu.Lock()
	g.state = StateUnactivated
	g.reason = ""
	g.activation = nil
	g.stopMonitoringLocked()
	g.stopCountdownLocked()
	g.mu.Unlock()

	g.clearPersisted(ctx)
	metrics.EntitlementTransitionsTotal.WithLabelValues(string(StateUnactivated), "deactivate").Inc()
	g.ui.HideBlockingOverlay()
	g.ui.HideCountdown()
	g.ui.SetInputEnabled(false)
	g.ui.ShowNotification(ui.NoticeInfo, "Deactivated", "Your activation was removed from this device.")
	g.render()
}

// validate fetches the remote key document and either commits the Activated
// state or returns the rejection. Completions belonging to a superseded call
// are discarded without touching state.
func (g *Gate) validate(ctx context.Context, keyID string, isRestore bool) error {
	g.mu.Lock()
	g.generation++
	gen := g.generation
	g.mu.Unlock()

	id := g.identity.Resolve(ctx)
	if !id.Valid() {
		// Last-ditch bounded wait for a late identity.
		if g.sleep(ctx, identityWait) {
			id = g.identity.Resolve(ctx)
		}
		if !id.Valid() {
			return domain.ErrIdentityUnavailable
		}
	}

	doc, err := g.docs.Get(ctx, keyID)
	now := g.clock.Now()
	if err == nil {
		if exp := doc.Expiry(); !exp.IsZero() && now.After(exp) {
			err = domain.Expired(exp)
		} else if doc.IsOneTime && doc.IsUsed && doc.UserUID != id.UID {
			// A burned one-time key still validates for the device that
			// burned it; it is that device's license.
			err = domain.ErrKeyAlreadyUsed
		} else if doc.UserUID != "" && doc.UserUID != id.UID {
			err = domain.ErrKeyBound
		}
	}
	if err != nil {
		// A rejection belonging to a superseded call must not surface or
		// block on behalf of the newer one.
		if g.superseded(gen) {
			g.log.Debug("discarding superseded validation", "key_id", keyID)
			return nil
		}
		return err
	}

	if !isRestore {
		// Best-effort write-back: binding, access count, lastAccessed. Its
		// failure must not fail the validation.
		if aerr := g.docs.RecordAccess(ctx, keyID, docstore.AccessRequest{
			UID:           id.UID,
			ActivatedFrom: g.origin,
		}); aerr != nil {
			g.log.Warn("access write-back failed", "key_id", keyID, "error", aerr)
		}
	}

	g.mu.Lock()
	if gen != g.generation {
		g.mu.Unlock()
		g.log.Debug("discarding superseded validation", "key_id", keyID)
		return nil
	}
	g.state = StateActivated
	g.reason = ""
	g.activation = &domain.Activation{
		KeyID:       keyID,
		Key:         *doc,
		BoundUID:    id.UID,
		ActivatedAt: now.UTC(),
	}
	g.persistLocked(ctx)
	g.startMonitoringLocked(keyID)
	g.startCountdownLocked()
	publish := !isRestore && g.links != nil && g.lastPublished != keyID
	if publish {
		g.lastPublished = keyID
	}
	g.renderLocked()
	g.mu.Unlock()

	metrics.EntitlementTransitionsTotal.WithLabelValues(string(StateActivated), "validate").Inc()
	g.ui.HideBlockingOverlay()
	g.ui.SetInputEnabled(true)
	if publish {
		g.links.PublishKeyURL(keyID)
	}
	return nil
}

func (g *Gate) superseded(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gen != g.generation
}

// blockFor maps a revocation error to the blocking transition.
func (g *Gate) blockFor(ctx context.Context, err error) {
	if at, ok := domain.ExpiryOf(err); ok || errors.Is(err, domain.ErrKeyExpired) {
		g.expire(ctx, at)
		return
	}
	g.block(ctx, ReasonDeleted, "Key Deleted",
		"Your activation key has been permanently deleted by admin.", "")
}

func (g *Gate) expire(ctx context.Context, at time.Time) {
	message := "Your activation key expired. Please contact support to renew your access."
	details := ""
	if !at.IsZero() {
		message = fmt.Sprintf("Your activation key expired on %s. Please contact support to renew your access.",
			at.Format("2006-01-02 15:04:05 MST"))
		details = "Exact expiry: " + at.Format(time.RFC3339)
	}
	g.block(ctx, ReasonExpired, "Key Expired", message, details)
}

// block performs the Blocked transition exactly once per reason: the
// countdown tick and the live watch both observe the expiry boundary, and
// whichever fires second is a no-op.
func (g *Gate) block(ctx context.Context, reason BlockReason, title, message, details string) {
	g.mu.Lock()
	if g.state == StateBlocked && g.reason == reason {
		g.mu.Unlock()
		return
	}
	g.state = StateBlocked
	g.reason = reason
	g.activation = nil
	g.stopMonitoringLocked()
	g.stopCountdownLocked()
	g.mu.Unlock()

	g.clearPersisted(ctx)
	metrics.EntitlementTransitionsTotal.WithLabelValues(string(StateBlocked), string(reason)).Inc()
	g.log.Warn("entitlement blocked", "reason", string(reason))

	g.ui.ShowNotification(ui.NoticeError, "KEY "+strings.ToUpper(string(reason)), message)
	g.ui.SetInputEnabled(false)
	g.ui.HideCountdown()
	g.ui.ShowBlockingOverlay(title, message, details)
	g.render()
}

// persistLocked writes the activation record across all storage backends.
// Caller holds g.mu with a non-nil activation.
func (g *Gate) persistLocked(ctx context.Context) {
	act := g.activation
	now := g.clock.Now().UTC()
	g.store.Put(ctx, storage.KeyActivation, act.BoundUID, act.KeyID)
	g.store.Put(ctx, storage.KeyKeyData, act.BoundUID, act)
	g.store.Put(ctx, storage.KeyKeyID, act.BoundUID, act.KeyID)
	g.store.Put(ctx, storage.KeyActivationTime, act.BoundUID, act.ActivatedAt.UnixMilli())
	g.store.Put(ctx, storage.KeyLastValidation, act.BoundUID, now.UnixMilli())
}

// clearPersisted removes the activation record from every backend. The
// identity record is deliberately untouched.
func (g *Gate) clearPersisted(ctx context.Context) {
	g.store.Remove(ctx, storage.KeyActivation)
	g.store.Remove(ctx, storage.KeyKeyData)
	g.store.Remove(ctx, storage.KeyKeyID)
	g.store.Remove(ctx, storage.KeyActivationTime)
	g.store.Remove(ctx, storage.KeyLastValidation)
}

func (g *Gate) render() {
	g.mu.Lock()
	g.renderLocked()
	g.mu.Unlock()
}

func (g *Gate) renderLocked() {
	state := ui.PanelState{
		Activated:   g.state == StateActivated,
		Blocked:     g.state == StateBlocked,
		BlockReason: string(g.reason),
	}
	if g.activation != nil {
		key := g.activation.Key
		state.KeyID = g.activation.KeyID
		state.UID = g.activation.BoundUID
		state.Description = key.Description
		state.AccessCount = key.AccessCount
		state.ActivatedAt = g.activation.ActivatedAt
		state.ExpiresAt = key.Expiry()
		if key.CreatedAt != nil {
			state.CreatedAt = key.CreatedAt.Time()
		}
		switch {
		case key.IsOneTime:
			state.KeyType = "one-time"
		case key.ExpiresAt != nil:
			state.KeyType = "expiring"
		default:
			state.KeyType = "permanent"
		}
	}
	g.ui.RenderPanel(state)
}

// sleep waits d on the gate clock; false if ctx expired first.
func (g *Gate) sleep(ctx context.Context, d time.Duration) bool {
	timer := g.clock.NewTimer(d)
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		timer.Stop()
		return false
	}
}
