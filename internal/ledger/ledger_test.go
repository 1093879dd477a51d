package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"placeholders/core/internal/apperr"
	"placeholders/core/internal/audit"
	"placeholders/core/internal/schema"
	"placeholders/core/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingPublisher) Emit(event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingPublisher) last() audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func field(key, anchor string) schema.PlaceholderField {
	return schema.PlaceholderField{
		FieldKey:  key,
		Label:     key,
		Type:      schema.TypeString,
		Locations: []schema.Location{{Page: 1, Section: "body", Anchor: anchor}},
	}
}

type harness struct {
	svc    *Service
	store  *store.MemoryStore
	clock  *fakeClock
	events *recordingPublisher
}

func newHarness(t *testing.T) harness {
	t.Helper()
	h := harness{store: store.NewMemoryStore(), clock: newFakeClock(), events: &recordingPublisher{}}
	h.svc = New(h.store, WithClock(h.clock.Now), WithPublisher(h.events))
	if _, err := h.svc.CreateTemplate(context.Background(), "tpl_1", "Trust agreement", "editor"); err != nil {
		t.Fatalf("CreateTemplate() error = %v", err)
	}
	return h
}

func (h harness) save(t *testing.T, fields ...schema.PlaceholderField) SaveResult {
	t.Helper()
	result, err := h.svc.SaveVersion(context.Background(), SaveVersionInput{TemplateID: "tpl_1", Placeholders: fields, UserID: "editor"})
	if err != nil {
		t.Fatalf("SaveVersion() error = %v", err)
	}
	return result
}

func TestCreateTemplateTwiceIsStateError(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateTemplate(context.Background(), "tpl_1", "again", "editor")
	if apperr.KindOf(err) != apperr.KindState {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestSaveVersionNumbersAreGapless(t *testing.T) {
	h := newHarness(t)
	etags := map[string]bool{}
	for i := 1; i <= 3; i++ {
		result := h.save(t, field("trust_name", "a"))
		if result.Version != i {
			t.Fatalf("save %d got version %d", i, result.Version)
		}
		if etags[result.ETag] {
			t.Fatalf("etag %s reused", result.ETag)
		}
		etags[result.ETag] = true
	}

	template, err := h.svc.GetTemplate(context.Background(), "tpl_1")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	versions, err := h.svc.ListVersions(context.Background(), "tpl_1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if template.CurrentVersion != 3 || len(versions) != 3 {
		t.Fatalf("expected 3 versions, template at %d with %d rows", template.CurrentVersion, len(versions))
	}
	if template.ETag != versions[2].ETag {
		t.Fatal("template etag should mirror the latest version")
	}
	for i, version := range versions {
		if version.Version != i+1 || version.Status != store.VersionDraft {
			t.Fatalf("unexpected version %d: %+v", i, version)
		}
	}
}

func TestSaveVersionComputesDiffAgainstPrevious(t *testing.T) {
	h := newHarness(t)
	first := h.save(t, field("trust_name", "a"), field("grantor_name", "b"))
	if diff := cmp.Diff([]string{"trust_name", "grantor_name"}, schema.Keys(first.Diff.Added)); diff != "" {
		t.Fatalf("first version added mismatch (-want +got):\n%s", diff)
	}

	second := h.save(t, field("trust_name", "a"), field("settlor_name", "b"))
	if diff := cmp.Diff([]string{"settlor_name"}, schema.Keys(second.Diff.Added)); diff != "" {
		t.Fatalf("added mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"grantor_name"}, schema.Keys(second.Diff.Removed)); diff != "" {
		t.Fatalf("removed mismatch (-want +got):\n%s", diff)
	}
	if len(second.Diff.Renamed) != 1 || second.Diff.Renamed[0].From != "grantor_name" || second.Diff.Renamed[0].To != "settlor_name" {
		t.Fatalf("expected location-based rename, got %+v", second.Diff.Renamed)
	}

	event := h.events.last()
	if event.Type != audit.TemplateUpdated || event.Version != 2 || event.Diff == nil {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestSaveVersionRejectsStaleETag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	template, err := h.svc.GetTemplate(ctx, "tpl_1")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	staleETag := template.ETag

	first, err := h.svc.SaveVersion(ctx, SaveVersionInput{TemplateID: "tpl_1", Placeholders: []schema.PlaceholderField{field("trust_name", "a")}, UserID: "alice", ExpectedETag: staleETag})
	if err != nil {
		t.Fatalf("SaveVersion() error = %v", err)
	}

	_, err = h.svc.SaveVersion(ctx, SaveVersionInput{TemplateID: "tpl_1", Placeholders: []schema.PlaceholderField{field("beneficiary", "b")}, UserID: "bob", ExpectedETag: staleETag})
	domainErr, ok := apperr.As(err)
	if !ok || domainErr.Kind != apperr.KindConflict || !domainErr.Kind.Retryable() {
		t.Fatalf("expected retryable conflict, got %v", err)
	}
	details := domainErr.Details.(map[string]any)
	if details["currentETag"] != first.ETag || details["currentVersion"] != 1 || details["expectedETag"] != staleETag {
		t.Fatalf("conflict details should name the current state, got %+v", details)
	}

	retried, err := h.svc.SaveVersion(ctx, SaveVersionInput{TemplateID: "tpl_1", Placeholders: []schema.PlaceholderField{field("beneficiary", "b")}, UserID: "bob", ExpectedETag: first.ETag})
	if err != nil {
		t.Fatalf("retry with fresh etag error = %v", err)
	}
	if retried.Version != 2 {
		t.Fatalf("expected version 2, got %d", retried.Version)
	}
}

func TestConcurrentSavesWithSameETagAdmitOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	template, err := h.svc.GetTemplate(ctx, "tpl_1")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SaveVersion(ctx, SaveVersionInput{TemplateID: "tpl_1", Placeholders: []schema.PlaceholderField{field("trust_name", "a")}, UserID: "editor", ExpectedETag: template.ETag})
			mu.Lock()
			defer mu.Unlock()
			switch apperr.KindOf(err) {
			case apperr.KindConflict:
				conflicts++
			default:
				if err == nil {
					wins++
				}
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("expected exactly one winner, got %d wins and %d conflicts", wins, conflicts)
	}
}

func TestConcurrentWritesEmitInVersionOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			saved, err := h.svc.SaveVersion(ctx, SaveVersionInput{TemplateID: "tpl_1", Placeholders: []schema.PlaceholderField{field("trust_name", "a")}, UserID: "editor"})
			if err != nil {
				errs <- err
				return
			}
			if i%2 == 0 {
				if _, err := h.svc.ApproveVersion(ctx, "tpl_1", saved.Version, "reviewer", ""); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write error = %v", err)
	}

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	lastSaved, lastApproved := 0, 0
	for _, event := range h.events.events {
		switch event.Type {
		case audit.TemplateUpdated:
			if event.Version != lastSaved+1 {
				t.Fatalf("save events out of order: v%d after v%d", event.Version, lastSaved)
			}
			lastSaved = event.Version
		case audit.VersionApproved:
			if event.Version > lastSaved {
				t.Fatalf("approval of v%d emitted before its save", event.Version)
			}
			lastApproved++
		}
	}
	if lastSaved != writers || lastApproved != writers/2 {
		t.Fatalf("expected %d saves and %d approvals, got %d and %d", writers, writers/2, lastSaved, lastApproved)
	}
}

func TestSaveVersionRejectsInvalidSchema(t *testing.T) {
	h := newHarness(t)
	bad := schema.PlaceholderField{FieldKey: "Bad Key", Type: "color"}
	_, err := h.svc.SaveVersion(context.Background(), SaveVersionInput{TemplateID: "tpl_1", Placeholders: []schema.PlaceholderField{bad, field("ok_key", "a"), field("ok_key", "b")}, UserID: "editor"})
	domainErr, ok := apperr.As(err)
	if !ok || domainErr.Kind != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	result := domainErr.Details.(schema.Result)
	kinds := map[schema.IssueKind]bool{}
	for _, issue := range result.Errors {
		kinds[issue.Kind] = true
	}
	for _, want := range []schema.IssueKind{schema.IssueInvalidKey, schema.IssueInvalidType, schema.IssueMissingLocation, schema.IssueDuplicate} {
		if !kinds[want] {
			t.Fatalf("expected issue %s in %+v", want, result.Errors)
		}
	}

	versions, err := h.svc.ListVersions(context.Background(), "tpl_1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("invalid save must not persist, found %d versions", len(versions))
	}
}

func TestSaveVersionUnknownTemplate(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SaveVersion(context.Background(), SaveVersionInput{TemplateID: "missing", Placeholders: []schema.PlaceholderField{field("trust_name", "a")}})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApproveVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.save(t, field("trust_name", "a"))
	h.save(t, field("trust_name", "a"), field("grantor_name", "b"))

	if _, err := h.svc.ApproveVersion(ctx, "tpl_1", 1, "approver", ""); err != nil {
		t.Fatalf("ApproveVersion(1) error = %v", err)
	}
	approved, err := h.svc.ApproveVersion(ctx, "tpl_1", 2, "approver", "ready")
	if err != nil {
		t.Fatalf("ApproveVersion(2) error = %v", err)
	}
	if approved.Status != store.VersionApproved || approved.ApprovedBy != "approver" || approved.ApprovedAt == nil {
		t.Fatalf("unexpected approved version %+v", approved)
	}
	event := h.events.last()
	if event.Type != audit.VersionApproved || len(event.Previous) != 1 || len(event.Placeholders) != 2 {
		t.Fatalf("approval event should carry both schemas, got %+v", event)
	}

	latest, err := h.svc.LatestApproved(ctx, "tpl_1")
	if err != nil {
		t.Fatalf("LatestApproved() error = %v", err)
	}
	if latest.Version != 2 {
		t.Fatalf("expected latest approved 2, got %d", latest.Version)
	}

	_, err = h.svc.ApproveVersion(ctx, "tpl_1", 2, "approver", "")
	if apperr.KindOf(err) != apperr.KindState {
		t.Fatalf("double approval should be a state error, got %v", err)
	}
	_, err = h.svc.ApproveVersion(ctx, "tpl_1", 9, "approver", "")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found for missing version, got %v", err)
	}
}

func TestLatestApprovedWithoutApproval(t *testing.T) {
	h := newHarness(t)
	h.save(t, field("trust_name", "a"))
	_, err := h.svc.LatestApproved(context.Background(), "tpl_1")
	if apperr.KindOf(err) != apperr.KindState {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestRollbackAppendsAndPreservesHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.save(t, field("trust_name", "a"))
	h.save(t, field("trust_name", "a"), field("grantor_name", "b"))

	result, err := h.svc.RollbackToVersion(ctx, "tpl_1", 1, "editor", "bad edit")
	if err != nil {
		t.Fatalf("RollbackToVersion() error = %v", err)
	}
	if result.Version != 3 || !result.Diff.IsEmpty() {
		t.Fatalf("expected version 3 with empty diff, got %+v", result)
	}

	versions, err := h.svc.ListVersions(ctx, "tpl_1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("history must be preserved, got %d versions", len(versions))
	}
	rolled := versions[2]
	if diff := cmp.Diff(versions[0].Placeholders, rolled.Placeholders); diff != "" {
		t.Fatalf("rollback schema mismatch (-want +got):\n%s", diff)
	}
	if !rolled.IsRollback || rolled.RolledBackFrom == nil || *rolled.RolledBackFrom != 2 || rolled.RolledBackTo == nil || *rolled.RolledBackTo != 1 {
		t.Fatalf("unexpected rollback provenance %+v", rolled)
	}
	if len(versions[1].Placeholders) != 2 {
		t.Fatal("version 2 must be untouched by rollback")
	}

	_, err = h.svc.RollbackToVersion(ctx, "tpl_1", 7, "editor", "")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAcquireLockContention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.AcquireLock(ctx, "tpl_1", "alice")
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if !first.Acquired || first.Lock == nil || !first.ExpiresAt.Equal(h.clock.Now().Add(DefaultLockTTL)) {
		t.Fatalf("unexpected acquire result %+v", first)
	}

	denied, err := h.svc.AcquireLock(ctx, "tpl_1", "bob")
	if err != nil {
		t.Fatalf("losing AcquireLock() must not error, got %v", err)
	}
	if denied.Acquired || denied.CurrentHolder != "alice" || !denied.ExpiresAt.Equal(first.ExpiresAt) {
		t.Fatalf("expected contention naming alice, got %+v", denied)
	}

	h.clock.Advance(2 * time.Minute)
	again, err := h.svc.AcquireLock(ctx, "tpl_1", "alice")
	if err != nil {
		t.Fatalf("re-acquire error = %v", err)
	}
	if !again.Acquired || !again.ExpiresAt.Equal(h.clock.Now().Add(DefaultLockTTL)) {
		t.Fatalf("re-acquire should restart the ttl, got %+v", again)
	}
}

func TestExpiredLockIsAcquirableByAnyone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.AcquireLock(ctx, "tpl_1", "alice"); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	h.clock.Advance(DefaultLockTTL)
	result, err := h.svc.AcquireLock(ctx, "tpl_1", "bob")
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if !result.Acquired || result.Lock.UserID != "bob" {
		t.Fatalf("expected bob to take the expired lock, got %+v", result)
	}

	refreshed, err := h.svc.RefreshLock(ctx, "tpl_1", "alice")
	if err != nil {
		t.Fatalf("RefreshLock() error = %v", err)
	}
	if refreshed.Refreshed || refreshed.CurrentHolder != "bob" {
		t.Fatalf("alice must not refresh bob's lock, got %+v", refreshed)
	}
}

func TestReleaseAndRefreshLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.AcquireLock(ctx, "tpl_1", "alice"); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	h.clock.Advance(4 * time.Minute)
	refreshed, err := h.svc.RefreshLock(ctx, "tpl_1", "alice")
	if err != nil {
		t.Fatalf("RefreshLock() error = %v", err)
	}
	if !refreshed.Refreshed || !refreshed.ExpiresAt.Equal(h.clock.Now().Add(DefaultLockTTL)) {
		t.Fatalf("unexpected refresh result %+v", refreshed)
	}

	notMine, err := h.svc.ReleaseLock(ctx, "tpl_1", "bob")
	if err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}
	if notMine.Released || notMine.CurrentHolder != "alice" {
		t.Fatalf("bob must not release alice's lock, got %+v", notMine)
	}

	released, err := h.svc.ReleaseLock(ctx, "tpl_1", "alice")
	if err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}
	if !released.Released {
		t.Fatalf("expected release, got %+v", released)
	}
	active, err := h.svc.ActiveLock(ctx, "tpl_1")
	if err != nil {
		t.Fatalf("ActiveLock() error = %v", err)
	}
	if active != nil {
		t.Fatalf("expected no active lock, got %+v", active)
	}

	noop, err := h.svc.RefreshLock(ctx, "tpl_1", "alice")
	if err != nil {
		t.Fatalf("RefreshLock() error = %v", err)
	}
	if noop.Refreshed {
		t.Fatal("refresh without a lock must be a no-op")
	}
}

func TestLocksDoNotChangeETag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saved := h.save(t, field("trust_name", "a"))
	if _, err := h.svc.AcquireLock(ctx, "tpl_1", "alice"); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	template, err := h.svc.GetTemplate(ctx, "tpl_1")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	if template.ETag != saved.ETag {
		t.Fatal("lock operations must leave the etag alone")
	}
}

func TestLockUnknownTemplate(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.AcquireLock(context.Background(), "missing", "alice")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	lock := &store.EditorLock{UserID: "alice", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}
	if IsExpired(lock, now) {
		t.Fatal("fresh lock reported expired")
	}
	if !IsExpired(lock, now.Add(time.Minute)) {
		t.Fatal("lock should expire exactly at ExpiresAt")
	}
	if !IsExpired(nil, now) {
		t.Fatal("nil lock should count as expired")
	}
}

type conflictingStore struct {
	*store.MemoryStore
}

func (c conflictingStore) WithTemplate(ctx context.Context, templateID string, fn func(store.TemplateTx) error) error {
	return c.MemoryStore.WithTemplate(ctx, templateID, func(tx store.TemplateTx) error {
		return fn(versionClashTx{tx})
	})
}

type versionClashTx struct {
	store.TemplateTx
}

func (versionClashTx) InsertVersion(context.Context, store.TemplateVersion) error {
	return store.ErrVersionExists
}

func TestVersionClashSurfacesAsConflict(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := New(conflictingStore{mem})
	ctx := context.Background()
	if _, err := svc.CreateTemplate(ctx, "tpl_1", "t", "editor"); err != nil {
		t.Fatalf("CreateTemplate() error = %v", err)
	}
	_, err := svc.SaveVersion(ctx, SaveVersionInput{TemplateID: "tpl_1", Placeholders: []schema.PlaceholderField{field("trust_name", "a")}})
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if errors.Is(err, store.ErrVersionExists) {
		t.Fatal("store sentinel should be translated, not leaked")
	}
}
