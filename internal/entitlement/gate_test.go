package entitlement_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"

	"keygate/internal/docstore"
	"keygate/internal/domain"
	"keygate/internal/entitlement"
	"keygate/internal/identity"
	"keygate/internal/storage"
	"keygate/internal/ui"
)

const testUID = "uid_test_device_1"

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type notice struct {
	kind  ui.NotificationKind
	title string
}

// fakeReflector records every UI call for assertions.
type fakeReflector struct {
	mu            sync.Mutex
	notifications []notice
	overlayTitles []string
	inputStates   []bool
	countdowns    []string
	panels        []ui.PanelState
}

func (f *fakeReflector) SetInputEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputStates = append(f.inputStates, enabled)
}

func (f *fakeReflector) ShowBlockingOverlay(title, _, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overlayTitles = append(f.overlayTitles, title)
}

func (f *fakeReflector) HideBlockingOverlay() {}

func (f *fakeReflector) ShowNotification(kind ui.NotificationKind, title, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, notice{kind: kind, title: title})
}

func (f *fakeReflector) ShowCountdown(text, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countdowns = append(f.countdowns, text)
}

func (f *fakeReflector) HideCountdown() {}

func (f *fakeReflector) RenderPanel(state ui.PanelState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panels = append(f.panels, state)
}

func (f *fakeReflector) noticeCount(title string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, nt := range f.notifications {
		if nt.title == title {
			n++
		}
	}
	return n
}

func (f *fakeReflector) lastInput() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputStates) == 0 {
		return false, false
	}
	return f.inputStates[len(f.inputStates)-1], true
}

// fakeDocs is an in-memory docstore with pushable watch events.
type fakeDocs struct {
	mu         sync.Mutex
	docs       map[string]*domain.KeyDocument
	getErr     error
	getBlock   chan struct{} // when set, the next Get waits on it
	accesses   []docstore.AccessRequest
	watchCount atomic.Int64
	watchIn    chan docstore.Event
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		docs:    make(map[string]*domain.KeyDocument),
		watchIn: make(chan docstore.Event, 8),
	}
}

func (f *fakeDocs) Get(_ context.Context, keyID string) (*domain.KeyDocument, error) {
	f.mu.Lock()
	block := f.getBlock
	f.getBlock = nil
	err := f.getErr
	doc := f.docs[keyID]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, domain.ErrKeyNotFound
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDocs) RecordAccess(_ context.Context, _ string, req docstore.AccessRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accesses = append(f.accesses, req)
	return nil
}

func (f *fakeDocs) Watch(ctx context.Context, _ string) (docstore.Watcher, error) {
	f.watchCount.Add(1)
	w := &fakeWatcher{events: make(chan docstore.Event, 8)}
	go func() {
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.watchIn:
				select {
				case w.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return w, nil
}

func (f *fakeDocs) push(ev docstore.Event) { f.watchIn <- ev }

func (f *fakeDocs) accessCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accesses)
}

type fakeWatcher struct {
	events chan docstore.Event
}

func (w *fakeWatcher) Events() <-chan docstore.Event { return w.events }
func (w *fakeWatcher) Err() error                    { return nil }
func (w *fakeWatcher) Close()                        {}

// fakeLinks records published activation URLs.
type fakeLinks struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeLinks) PublishKeyURL(keyID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, keyID)
}

func (f *fakeLinks) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type noAuth struct{}

func (noAuth) Authenticate(context.Context) (domain.Identity, error) {
	return domain.Identity{}, errors.New("remote auth must not run in this test")
}

type harness struct {
	gate  *entitlement.Gate
	docs  *fakeDocs
	refl  *fakeReflector
	links *fakeLinks
	store *storage.Adapter
}

func newHarness(t *testing.T, clock quartz.Clock) *harness {
	t.Helper()
	ctx := context.Background()

	store := storage.NewAdapter(discard(), storage.DurableLayer(storage.NewMemoryBackend()))
	id := domain.Identity{UID: testUID, CreatedAt: time.Now().UTC()}
	store.Put(ctx, storage.KeyUserUID, id.UID, id)

	ids := identity.NewManager(store, noAuth{}, clock, discard())
	docs := newFakeDocs()
	refl := &fakeReflector{}
	links := &fakeLinks{}

	gate := entitlement.NewGate(ids, store, docs, refl, entitlement.Options{
		Origin: "test-origin",
		Links:  links,
		Clock:  clock,
		Log:    discard(),
	})
	t.Cleanup(gate.Close)

	return &harness{gate: gate, docs: docs, refl: refl, links: links, store: store}
}

func (h *harness) setDoc(keyID string, doc domain.KeyDocument) {
	h.docs.mu.Lock()
	defer h.docs.mu.Unlock()
	h.docs.docs[keyID] = &doc
}

func (h *harness) persistActivation(t *testing.T, keyID string, doc domain.KeyDocument) {
	t.Helper()
	ctx := context.Background()
	act := domain.Activation{
		KeyID:       keyID,
		Key:         doc,
		BoundUID:    testUID,
		ActivatedAt: time.Now().UTC(),
	}
	h.store.Put(ctx, storage.KeyActivation, testUID, keyID)
	h.store.Put(ctx, storage.KeyKeyData, testUID, act)
}

func (h *harness) identityPersisted() bool {
	var id domain.Identity
	return h.store.Get(context.Background(), storage.KeyUserUID, "", &id)
}

func (h *harness) activationPersisted() bool {
	var keyID string
	return h.store.Get(context.Background(), storage.KeyActivation, testUID, &keyID)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func expiring(d time.Duration) domain.KeyDocument {
	return domain.KeyDocument{ExpiresAt: domain.NewFlexTime(time.Now().Add(d).UTC())}
}

func TestActivateFreshKeyNormalizesAndBinds(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	h.setDoc("ABC123", domain.KeyDocument{Description: "team license"})

	if err := h.gate.Activate(context.Background(), "  abc123 "); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if got := h.gate.State(); got != entitlement.StateActivated {
		t.Fatalf("state = %s", got)
	}
	act, ok := h.gate.Activation()
	if !ok || act.KeyID != "ABC123" || act.BoundUID != testUID {
		t.Fatalf("activation = %+v ok=%v", act, ok)
	}
	if !h.activationPersisted() {
		t.Fatal("activation must be persisted")
	}
	if h.docs.accessCount() != 1 {
		t.Fatalf("expected one access write-back, got %d", h.docs.accessCount())
	}
	h.docs.mu.Lock()
	access := h.docs.accesses[0]
	h.docs.mu.Unlock()
	if access.UID != testUID || access.ActivatedFrom != "test-origin" {
		t.Fatalf("access = %+v", access)
	}
	if h.refl.noticeCount("Activated") != 1 {
		t.Fatal("expected the activation notification")
	}
	if enabled, ok := h.refl.lastInput(); !ok || !enabled {
		t.Fatal("input must end enabled")
	}
}

func TestActivateRejections(t *testing.T) {
	cases := []struct {
		name string
		doc  domain.KeyDocument
		want error
	}{
		{"expired", expiring(-time.Hour), domain.ErrKeyExpired},
		{"used one-time", domain.KeyDocument{IsOneTime: true, IsUsed: true}, domain.ErrKeyAlreadyUsed},
		{"bound elsewhere", domain.KeyDocument{UserUID: "uid_someone_else1"}, domain.ErrKeyBound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, quartz.NewReal())
			h.setDoc("REJECT1", tc.doc)

			err := h.gate.Activate(context.Background(), "REJECT1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if got := h.gate.State(); got != entitlement.StateUnactivated {
				t.Fatalf("state = %s, rejection must not change state", got)
			}
			if h.docs.accessCount() != 0 {
				t.Fatal("no write-back on rejection")
			}
		})
	}
}

func TestActivateUnknownKey(t *testing.T) {
	h := newHarness(t, quartz.NewReal())

	err := h.gate.Activate(context.Background(), "NOSUCH1")
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestRestoreWithoutRecord(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	if h.gate.Restore(context.Background()) {
		t.Fatal("nothing persisted, restore must report unactivated")
	}
	if got := h.gate.State(); got != entitlement.StateUnactivated {
		t.Fatalf("state = %s", got)
	}
}

func TestRestoreRevalidatesSuccessfully(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	doc := expiring(24 * time.Hour)
	h.setDoc("REST01", doc)
	h.persistActivation(t, "REST01", doc)

	if !h.gate.Restore(context.Background()) {
		t.Fatal("restore should succeed")
	}
	if h.refl.noticeCount("Welcome Back") != 1 {
		t.Fatal("expected the welcome-back notification")
	}
	if h.docs.accessCount() != 0 {
		t.Fatal("restore must not write back access")
	}
}

func TestRestoreExpiredBlocksAndClearsRecord(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	doc := expiring(-time.Hour)
	h.setDoc("EXP001", doc)
	h.persistActivation(t, "EXP001", doc)

	if h.gate.Restore(context.Background()) {
		t.Fatal("expired restore must not stay activated")
	}
	if got := h.gate.State(); got != entitlement.StateBlocked {
		t.Fatalf("state = %s", got)
	}
	if got := h.gate.Reason(); got != entitlement.ReasonExpired {
		t.Fatalf("reason = %s", got)
	}
	if h.activationPersisted() {
		t.Fatal("blocked activation must be cleared from storage")
	}
	if !h.identityPersisted() {
		t.Fatal("identity must survive a block")
	}
	if h.refl.noticeCount("KEY EXPIRED") != 1 {
		t.Fatal("expected exactly one expiry notification")
	}
}

func TestRestoreTransientFailureKeepsActivation(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	doc := expiring(24 * time.Hour)
	h.persistActivation(t, "TRNS01", doc)
	h.docs.mu.Lock()
	h.docs.getErr = fmt.Errorf("%w: connection refused", domain.ErrRemoteUnavailable)
	h.docs.mu.Unlock()

	if !h.gate.Restore(context.Background()) {
		t.Fatal("transient failure must keep the cached activation")
	}
	if got := h.gate.State(); got != entitlement.StateActivated {
		t.Fatalf("state = %s", got)
	}
	if h.refl.noticeCount("Validation Warning") != 1 {
		t.Fatal("expected exactly one advisory warning")
	}
	// The live watch is the retry mechanism; it must be armed.
	waitFor(t, func() bool { return h.docs.watchCount.Load() == 1 }, "watch not started")
}

func TestRepeatedRestoreDoesNotDoubleSubscribe(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	doc := expiring(24 * time.Hour)
	h.setDoc("REST01", doc)
	h.persistActivation(t, "REST01", doc)

	if !h.gate.Restore(context.Background()) {
		t.Fatal("first restore failed")
	}
	if !h.gate.Restore(context.Background()) {
		t.Fatal("second restore failed")
	}

	waitFor(t, func() bool { return h.docs.watchCount.Load() >= 1 }, "watch not started")
	time.Sleep(50 * time.Millisecond)
	if n := h.docs.watchCount.Load(); n != 1 {
		t.Fatalf("expected a single watch subscription, got %d", n)
	}
}

func TestWatchDeletionBlocks(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	h.setDoc("DEL001", domain.KeyDocument{})
	if err := h.gate.Activate(context.Background(), "DEL001"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.docs.watchCount.Load() == 1 }, "watch not started")

	h.docs.push(docstore.Event{Exists: false})

	waitFor(t, func() bool { return h.gate.State() == entitlement.StateBlocked }, "deletion did not block")
	if got := h.gate.Reason(); got != entitlement.ReasonDeleted {
		t.Fatalf("reason = %s", got)
	}
	if h.activationPersisted() {
		t.Fatal("activation must be cleared")
	}
	if !h.identityPersisted() {
		t.Fatal("identity must survive")
	}
	if enabled, ok := h.refl.lastInput(); !ok || enabled {
		t.Fatal("input must end disabled")
	}
}

func TestWatchExtensionUpdatesActivation(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	doc := expiring(time.Hour)
	h.setDoc("EXT001", doc)
	if err := h.gate.Activate(context.Background(), "EXT001"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.docs.watchCount.Load() == 1 }, "watch not started")

	extended := expiring(48 * time.Hour)
	h.docs.push(docstore.Event{Exists: true, Key: &extended})

	waitFor(t, func() bool { return h.refl.noticeCount("Key Extended") == 1 }, "no extension notice")
	act, ok := h.gate.Activation()
	if !ok {
		t.Fatal("activation gone")
	}
	if !act.Key.Expiry().After(time.Now().Add(24 * time.Hour)) {
		t.Fatalf("expiry not extended: %v", act.Key.Expiry())
	}
	if act.KeyID != "EXT001" {
		t.Fatalf("local key id must be preserved, got %q", act.KeyID)
	}
}

func TestSupersededValidationIsDiscarded(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	h.setDoc("AAAAAA", domain.KeyDocument{})
	h.setDoc("BBBBBB", domain.KeyDocument{})

	release := make(chan struct{})
	h.docs.mu.Lock()
	h.docs.getBlock = release
	h.docs.mu.Unlock()

	firstDone := make(chan error, 1)
	go func() { firstDone <- h.gate.Activate(context.Background(), "AAAAAA") }()

	// Second activation starts and finishes while the first is stuck in its
	// remote fetch.
	waitFor(t, func() bool {
		h.docs.mu.Lock()
		defer h.docs.mu.Unlock()
		return h.docs.getBlock == nil
	}, "first get never started")
	if err := h.gate.Activate(context.Background(), "BBBBBB"); err != nil {
		t.Fatal(err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("superseded activation should complete quietly, got %v", err)
	}

	act, ok := h.gate.Activation()
	if !ok || act.KeyID != "BBBBBB" {
		t.Fatalf("the later activation must win, got %+v", act)
	}
}

func TestDeactivateKeepsIdentity(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	h.setDoc("ABC123", domain.KeyDocument{})
	if err := h.gate.Activate(context.Background(), "ABC123"); err != nil {
		t.Fatal(err)
	}

	h.gate.Deactivate(context.Background())

	if got := h.gate.State(); got != entitlement.StateUnactivated {
		t.Fatalf("state = %s", got)
	}
	if h.activationPersisted() {
		t.Fatal("activation must be cleared")
	}
	if !h.identityPersisted() {
		t.Fatal("identity must be kept")
	}
}

func TestBlockedRecoversThroughFreshActivation(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	h.setDoc("DEL001", domain.KeyDocument{})
	if err := h.gate.Activate(context.Background(), "DEL001"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.docs.watchCount.Load() == 1 }, "watch not started")
	h.docs.push(docstore.Event{Exists: false})
	waitFor(t, func() bool { return h.gate.State() == entitlement.StateBlocked }, "not blocked")

	h.setDoc("FRESH1", domain.KeyDocument{})
	if err := h.gate.Activate(context.Background(), "FRESH1"); err != nil {
		t.Fatalf("fresh activation out of blocked: %v", err)
	}
	if got := h.gate.State(); got != entitlement.StateActivated {
		t.Fatalf("state = %s", got)
	}
	if got := h.gate.Reason(); got != "" {
		t.Fatalf("reason = %q, must be cleared", got)
	}
}

func TestCountdownExpiryBlocksOnce(t *testing.T) {
	ctx := context.Background()
	mock := quartz.NewMock(t)
	trap := mock.Trap().TickerFunc("countdown")
	defer trap.Close()

	h := newHarness(t, mock)
	expiry := mock.Now().Add(5 * time.Second)
	h.setDoc("TICK01", domain.KeyDocument{ExpiresAt: domain.NewFlexTime(expiry)})

	if err := h.gate.Activate(ctx, "TICK01"); err != nil {
		t.Fatal(err)
	}

	call := trap.MustWait(ctx)
	call.MustRelease(ctx)

	for i := 0; i < 6 && h.gate.State() != entitlement.StateBlocked; i++ {
		mock.Advance(time.Second).MustWait(ctx)
	}

	if got := h.gate.State(); got != entitlement.StateBlocked {
		t.Fatalf("state = %s", got)
	}
	if got := h.gate.Reason(); got != entitlement.ReasonExpired {
		t.Fatalf("reason = %s", got)
	}
	if n := h.refl.noticeCount("KEY EXPIRED"); n != 1 {
		t.Fatalf("expiry must fire exactly once, got %d notifications", n)
	}
}

func TestRestoreOwnUsedOneTimeKey(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	doc := domain.KeyDocument{IsOneTime: true, IsUsed: true, UserUID: testUID}
	h.setDoc("ONCE01", doc)
	h.persistActivation(t, "ONCE01", doc)

	if !h.gate.Restore(context.Background()) {
		t.Fatal("a one-time key burned by this device must restore")
	}
	if got := h.gate.State(); got != entitlement.StateActivated {
		t.Fatalf("state = %s", got)
	}
	if !h.activationPersisted() {
		t.Fatal("activation must stay persisted")
	}
	if h.refl.noticeCount("Welcome Back") != 1 {
		t.Fatal("expected the welcome-back notification")
	}
}

func TestRestoreBoundElsewhereKeepsActivation(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	doc := expiring(24 * time.Hour)
	h.persistActivation(t, "BND001", doc)
	bound := doc
	bound.UserUID = "uid_someone_else1"
	h.setDoc("BND001", bound)

	if !h.gate.Restore(context.Background()) {
		t.Fatal("a non-revocation rejection must keep the cached activation")
	}
	if got := h.gate.State(); got != entitlement.StateActivated {
		t.Fatalf("state = %s", got)
	}
	if h.refl.noticeCount("Validation Warning") != 1 {
		t.Fatal("expected exactly one advisory warning")
	}
	if !h.activationPersisted() {
		t.Fatal("activation must stay persisted")
	}
}

func TestWatchAddedExpiryStartsCountdown(t *testing.T) {
	ctx := context.Background()
	mock := quartz.NewMock(t)
	trap := mock.Trap().TickerFunc("countdown")
	defer trap.Close()

	h := newHarness(t, mock)
	h.setDoc("PERM01", domain.KeyDocument{})
	if err := h.gate.Activate(ctx, "PERM01"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.docs.watchCount.Load() == 1 }, "watch not started")

	limited := domain.KeyDocument{ExpiresAt: domain.NewFlexTime(mock.Now().Add(3 * time.Second))}
	h.docs.push(docstore.Event{Exists: true, Key: &limited})

	call := trap.MustWait(ctx)
	call.MustRelease(ctx)

	for i := 0; i < 5 && h.gate.State() != entitlement.StateBlocked; i++ {
		mock.Advance(time.Second).MustWait(ctx)
	}

	if got := h.gate.State(); got != entitlement.StateBlocked {
		t.Fatalf("state = %s, countdown never armed for the added expiry", got)
	}
	if got := h.gate.Reason(); got != entitlement.ReasonExpired {
		t.Fatalf("reason = %s", got)
	}
}

func TestRecoverStoredKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quartz.NewReal())
	h.setDoc("ORPH01", domain.KeyDocument{})
	h.store.Put(ctx, storage.KeyKeyID, testUID, "ORPH01")

	if h.gate.Restore(ctx) {
		t.Fatal("no activation record, restore must fail")
	}
	if !h.gate.RecoverStoredKey(ctx) {
		t.Fatal("orphaned key id must recover")
	}
	act, ok := h.gate.Activation()
	if !ok || act.KeyID != "ORPH01" {
		t.Fatalf("activation = %+v ok=%v", act, ok)
	}
}

func TestRecoverStoredKeyWithoutLeftover(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	if h.gate.RecoverStoredKey(context.Background()) {
		t.Fatal("nothing stored, recovery must report unactivated")
	}
}

func TestPublishKeyURLOnceOnFreshActivation(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	h.setDoc("ABC123", domain.KeyDocument{})

	if err := h.gate.Activate(context.Background(), "ABC123"); err != nil {
		t.Fatal(err)
	}
	if err := h.gate.Activate(context.Background(), "ABC123"); err != nil {
		t.Fatal(err)
	}

	published := h.links.published()
	if len(published) != 1 || published[0] != "ABC123" {
		t.Fatalf("published = %v, want the key exactly once", published)
	}
}

func TestRestoreDoesNotPublishKeyURL(t *testing.T) {
	h := newHarness(t, quartz.NewReal())
	doc := expiring(24 * time.Hour)
	h.setDoc("REST01", doc)
	h.persistActivation(t, "REST01", doc)

	if !h.gate.Restore(context.Background()) {
		t.Fatal("restore failed")
	}
	if published := h.links.published(); len(published) != 0 {
		t.Fatalf("restore must not publish, got %v", published)
	}
}

func TestSupersededFailedRestoreDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quartz.NewReal())
	// GONE01 has a local record but no remote document.
	h.persistActivation(t, "GONE01", expiring(24*time.Hour))

	release := make(chan struct{})
	h.docs.mu.Lock()
	h.docs.getBlock = release
	h.docs.mu.Unlock()

	done := make(chan bool, 1)
	go func() { done <- h.gate.Restore(ctx) }()

	waitFor(t, func() bool {
		h.docs.mu.Lock()
		defer h.docs.mu.Unlock()
		return h.docs.getBlock == nil
	}, "restore fetch never started")

	h.setDoc("BBBBBB", domain.KeyDocument{})
	if err := h.gate.Activate(ctx, "BBBBBB"); err != nil {
		t.Fatal(err)
	}

	close(release)
	<-done

	if got := h.gate.State(); got != entitlement.StateActivated {
		t.Fatalf("state = %s, stale rejection must not block", got)
	}
	act, ok := h.gate.Activation()
	if !ok || act.KeyID != "BBBBBB" {
		t.Fatalf("activation = %+v ok=%v", act, ok)
	}
	if h.refl.noticeCount("KEY DELETED") != 0 {
		t.Fatal("stale rejection produced a block notification")
	}
}

func TestActivateMalformedKey(t *testing.T) {
	h := newHarness(t, quartz.NewReal())

	err := h.gate.Activate(context.Background(), "no key here!")
	if !errors.Is(err, domain.ErrKeyMalformed) {
		t.Fatalf("got %v", err)
	}
	if got := h.gate.State(); got != entitlement.StateUnactivated {
		t.Fatalf("state = %s", got)
	}
	if h.docs.accessCount() != 0 {
		t.Fatal("malformed key must be rejected before any remote call")
	}
}
