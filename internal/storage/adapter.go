package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"keygate/internal/domain"
	"keygate/internal/observability/metrics"
)

// Logical keys for persisted gate state. The version tag in the name matches
// domain.SchemaVersion so an old install's records are never misread.
const (
	KeyActivation     = "keygate_activation_v7"
	KeyKeyData        = "keygate_key_data_v7"
	KeyKeyID          = "keygate_key_id_v7"
	KeyActivationTime = "keygate_activation_time_v7"
	KeyLastValidation = "keygate_last_validation_v7"
	KeyUserUID        = "keygate_user_uid_v7"
)

var (
	durableSuffixes = []string{"_primary", "_backup", "_emergency", "_recovery"}
	sessionSuffixes = []string{"_session", "_session_backup"}
	allSuffixes     = append(append([]string{}, durableSuffixes...), sessionSuffixes...)
)

// Layer pairs a backend with the derived key names written alongside the base
// key on that backend.
type Layer struct {
	Backend  Backend
	Suffixes []string
}

func StructuredLayer(b Backend) Layer { return Layer{Backend: b} }
func SessionLayer(b Backend) Layer    { return Layer{Backend: b, Suffixes: sessionSuffixes} }
func DurableLayer(b Backend) Layer    { return Layer{Backend: b, Suffixes: durableSuffixes} }

// Adapter fans every write out to all configured layers and reads back from
// them in priority order, trusting only envelopes that pass the ownership and
// schema-version checks. Individual backend failures never abort an
// operation; redundancy is the point.
type Adapter struct {
	layers   []Layer
	fallback *MemoryBackend
	log      *slog.Logger
}

// NewAdapter takes layers in read-priority order. A volatile in-memory
// fallback is always present behind them.
func NewAdapter(log *slog.Logger, layers ...Layer) *Adapter {
	return &Adapter{
		layers:   layers,
		fallback: NewMemoryBackend(),
		log:      log,
	}
}

// Put writes value, wrapped in an ownership envelope, to every layer. It
// returns how many backends accepted at least the base key. When none did the
// value is kept in the volatile fallback so the current run still works.
func (a *Adapter) Put(ctx context.Context, key, ownerUID string, value any) int {
	raw, err := json.Marshal(value)
	if err != nil {
		a.log.Error("storage put: marshal value", "key", key, "error", err)
		return 0
	}
	env := domain.Envelope{
		Value:      raw,
		Timestamp:  time.Now().UTC(),
		OwnerUID:   ownerUID,
		Version:    domain.SchemaVersion,
		Persistent: true,
	}
	data, err := json.Marshal(env)
	if err != nil {
		a.log.Error("storage put: marshal envelope", "key", key, "error", err)
		return 0
	}

	succeeded := 0
	for _, layer := range a.layers {
		ok := false
		for _, name := range names(key, layer.Suffixes) {
			if perr := layer.Backend.Put(ctx, name, data); perr != nil {
				metrics.StorageWritesTotal.WithLabelValues(layer.Backend.Name(), "failure").Inc()
				a.log.Warn("storage put failed", "backend", layer.Backend.Name(), "key", name, "error", perr)
				continue
			}
			metrics.StorageWritesTotal.WithLabelValues(layer.Backend.Name(), "success").Inc()
			ok = true
		}
		if ok {
			succeeded++
		}
	}

	if succeeded == 0 {
		_ = a.fallback.Put(ctx, key, data)
		a.log.Warn("all storage backends failed, using volatile fallback", "key", key)
	}
	return succeeded
}

// Get returns the first trustworthy envelope value for key, decoded into out.
// Absence is not an error.
func (a *Adapter) Get(ctx context.Context, key, ownerUID string, out any) bool {
	for _, layer := range a.layers {
		for _, name := range names(key, layer.Suffixes) {
			if a.tryRead(ctx, layer.Backend, name, ownerUID, out) {
				return true
			}
		}
	}
	return a.tryRead(ctx, a.fallback, key, ownerUID, out)
}

func (a *Adapter) tryRead(ctx context.Context, b Backend, name, ownerUID string, out any) bool {
	data, err := b.Get(ctx, name)
	if err != nil {
		return false
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	if !env.ValidFor(ownerUID) {
		return false
	}
	if out != nil {
		if err := json.Unmarshal(env.Value, out); err != nil {
			return false
		}
	}
	return true
}

// Remove deletes key and every derived variant from all layers and the
// fallback. Backend failures are logged and swallowed.
func (a *Adapter) Remove(ctx context.Context, key string) {
	for _, layer := range a.layers {
		for _, name := range names(key, allSuffixes) {
			if err := layer.Backend.Delete(ctx, name); err != nil {
				a.log.Warn("storage remove failed", "backend", layer.Backend.Name(), "key", name, "error", err)
			}
		}
	}
	_ = a.fallback.Delete(ctx, key)
}

func names(key string, suffixes []string) []string {
	out := make([]string, 0, len(suffixes)+1)
	out = append(out, key)
	for _, s := range suffixes {
		out = append(out, key+s)
	}
	return out
}
