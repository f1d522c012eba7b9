package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quidsync/quid/internal/backend"
	"github.com/quidsync/quid/internal/conflict"
	"github.com/quidsync/quid/internal/privacy"
	"github.com/quidsync/quid/internal/record"
	"github.com/quidsync/quid/internal/store"
	"github.com/quidsync/quid/internal/syncerr"
	"github.com/quidsync/quid/internal/syncstate"
)

// fakeClient is a scriptable backend.
type fakeClient struct {
	mu        sync.Mutex
	user      backend.User
	userErr   error
	upserted  [][]privacy.Payload
	upsertErr error
	rows      []record.Remote
	fetchErr  error
	fetched   []time.Time
	onFetch   func()
}

func newFakeClient() *fakeClient {
	return &fakeClient{user: backend.User{ID: "u1", Email: "a@example.com"}}
}

func (f *fakeClient) CurrentUser(ctx context.Context) (backend.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userErr != nil {
		return backend.User{}, f.userErr
	}
	return f.user, nil
}

func (f *fakeClient) UpsertBatch(ctx context.Context, payloads []privacy.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, payloads)
	return nil
}

func (f *fakeClient) FetchSince(ctx context.Context, since time.Time) ([]record.Remote, error) {
	f.mu.Lock()
	onFetch := f.onFetch
	f.mu.Unlock()
	if onFetch != nil {
		onFetch()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, since)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.rows, nil
}

func (f *fakeClient) DialEvents(ctx context.Context) (backend.EventStream, error) {
	return nil, errors.New("no change feed in tests")
}

func (f *fakeClient) batches() [][]privacy.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserted
}

func (f *fakeClient) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

func setupEngine(t *testing.T, client backend.Client, strategy conflict.Strategy) (*Engine, *store.Store) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "engine-test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	resolver, err := conflict.NewResolver(s, strategy, logger)
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}

	e := New(Config{Interval: time.Hour, BatchSize: 10, MaxRetries: 3}, s, client, resolver, logger)
	t.Cleanup(e.Dispose)
	return e, s
}

// recordDate is fixed so the Date field matches between the local and
// remote helpers regardless of their updated-at timestamps.
var recordDate = time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

func pendingRecord(id string, amountCents int64, updatedAt time.Time) *record.Record {
	created := updatedAt.Add(-time.Hour)
	return &record.Record{
		ID:          id,
		Date:        recordDate,
		AmountCents: amountCents,
		Vendor:      "Cafe",
		Currency:    "USD",
		RawText:     "CAFE RECEIPT " + id,
		FilePath:    "/tmp/" + id + ".jpg",
		SyncStatus:  record.StatusPending,
		CreatedAt:   created,
		UpdatedAt:   updatedAt,
	}
}

func remoteRow(id string, amountCents int64, updatedAt, serverAt time.Time) record.Remote {
	created := updatedAt.Add(-time.Hour)
	return record.Remote{
		ID: id, UserID: "u1", Date: recordDate, AmountCents: amountCents,
		Vendor: "Cafe", Currency: "USD",
		CreatedAt: created, UpdatedAt: updatedAt, ServerUpdatedAt: serverAt,
	}
}

func TestSyncNowUploadsPending(t *testing.T) {
	client := newFakeClient()
	e, s := setupEngine(t, client, conflict.StrategyNewest)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, id := range []string{"a", "b"} {
		if err := s.Upsert(ctx, pendingRecord(id, 500, now)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	res := e.SyncNow(ctx)
	if !res.Success {
		t.Fatalf("pass failed: %+v", res.Errors)
	}
	if res.Uploaded != 2 {
		t.Errorf("Uploaded = %d, want 2", res.Uploaded)
	}

	batches := client.batches()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("server saw batches %v", batches)
	}

	// Uploaded records are now synced
	for _, id := range []string{"a", "b"} {
		rec, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s failed: %v", id, err)
		}
		if rec.SyncStatus != record.StatusSynced {
			t.Errorf("record %s status = %s", id, rec.SyncStatus)
		}
	}
	if e.Machine().State() != syncstate.StateIdle {
		t.Errorf("state = %s, want idle", e.Machine().State())
	}

	// Second pass has nothing to upload
	res = e.SyncNow(ctx)
	if res.Uploaded != 0 {
		t.Errorf("second pass Uploaded = %d, want 0", res.Uploaded)
	}
	if len(client.batches()) != 1 {
		t.Errorf("server saw %d batches, want 1", len(client.batches()))
	}
}

func TestSyncNowBlockedWhenPaused(t *testing.T) {
	client := newFakeClient()
	e, _ := setupEngine(t, client, conflict.StrategyNewest)

	if err := e.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	res := e.SyncNow(context.Background())
	if res.Success {
		t.Error("paused pass should not succeed")
	}
	if res.Uploaded != 0 || res.Downloaded != 0 {
		t.Error("blocked pass should have zero counts")
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != syncerr.KindBlocked {
		t.Errorf("errors = %+v", res.Errors)
	}
	if e.Machine().State() != syncstate.StatePaused {
		t.Errorf("state mutated to %s", e.Machine().State())
	}
	if client.fetchCount() != 0 {
		t.Error("blocked pass should not touch the backend")
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !e.Machine().CanSync() {
		t.Error("cannot sync after resume")
	}
}

func TestSyncNowOfflineReportsNetworkError(t *testing.T) {
	client := newFakeClient()
	e, _ := setupEngine(t, client, conflict.StrategyNewest)

	e.SetOnline(false)
	res := e.SyncNow(context.Background())
	if res.Success || len(res.Errors) != 1 || res.Errors[0].Kind != syncerr.KindNetwork {
		t.Errorf("offline result = %+v", res)
	}
	if !res.Errors[0].Recoverable {
		t.Error("offline is recoverable once connectivity returns")
	}
	if res.Uploaded != 0 || res.Downloaded != 0 {
		t.Error("offline pass should have zero counts")
	}
	if e.Machine().State() != syncstate.StateOffline {
		t.Errorf("state = %s, want offline", e.Machine().State())
	}

	e.SetOnline(true)
	if e.Machine().State() != syncstate.StateIdle {
		t.Errorf("state after reconnect = %s, want idle", e.Machine().State())
	}
}

func TestSyncNowUnauthenticated(t *testing.T) {
	client := newFakeClient()
	client.userErr = syncerr.New(syncerr.KindAuth, errors.New("session expired"))
	e, _ := setupEngine(t, client, conflict.StrategyNewest)

	res := e.SyncNow(context.Background())
	if res.Success {
		t.Error("unauthenticated pass should not succeed")
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != syncerr.KindAuth {
		t.Errorf("errors = %+v", res.Errors)
	}
	if res.Errors[0].Recoverable {
		t.Error("auth errors are not recoverable without user action")
	}
	if e.Machine().State() != syncstate.StateIdle {
		t.Errorf("guard failure mutated state to %s", e.Machine().State())
	}
}

func TestSyncNowReentrantCallBlocked(t *testing.T) {
	client := newFakeClient()
	e, _ := setupEngine(t, client, conflict.StrategyNewest)

	var inner Result
	client.onFetch = func() {
		inner = e.SyncNow(context.Background())
	}

	res := e.SyncNow(context.Background())
	if !res.Success {
		t.Fatalf("outer pass failed: %+v", res.Errors)
	}
	if inner.Success || len(inner.Errors) != 1 || inner.Errors[0].Kind != syncerr.KindBlocked {
		t.Errorf("reentrant result = %+v", inner)
	}
}

func TestDownloadInsertsNewRecords(t *testing.T) {
	client := newFakeClient()
	e, s := setupEngine(t, client, conflict.StrategyNewest)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	client.rows = []record.Remote{
		remoteRow("n1", 750, now, now.Add(time.Second)),
		remoteRow("n2", 900, now, now.Add(2*time.Second)),
	}

	res := e.SyncNow(ctx)
	if !res.Success {
		t.Fatalf("pass failed: %+v", res.Errors)
	}
	if res.Downloaded != 2 {
		t.Errorf("Downloaded = %d, want 2", res.Downloaded)
	}

	rec, err := s.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.SyncStatus != record.StatusSynced {
		t.Errorf("status = %s", rec.SyncStatus)
	}
	if rec.RawText != "" || rec.FilePath != "" || len(rec.Embedding) != 0 {
		t.Error("downloaded record should have empty device-local fields")
	}

	// Low-water mark advanced to the newest server timestamp
	mark, err := s.LastSyncMark(ctx)
	if err != nil {
		t.Fatalf("LastSyncMark failed: %v", err)
	}
	if !mark.Equal(now.Add(2 * time.Second)) {
		t.Errorf("mark = %v", mark)
	}

	// Next pass fetches from the mark
	client.rows = nil
	e.SyncNow(ctx)
	client.mu.Lock()
	lastSince := client.fetched[len(client.fetched)-1]
	client.mu.Unlock()
	if !lastSince.Equal(mark) {
		t.Errorf("second fetch since = %v, want %v", lastSince, mark)
	}
}

func TestDownloadOverwritesOnlyWhenRemoteNewer(t *testing.T) {
	client := newFakeClient()
	e, s := setupEngine(t, client, conflict.StrategyNewest)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)

	// Synced local record; remote strictly newer
	newer := pendingRecord("newer", 100, now)
	newer.SyncStatus = record.StatusSynced
	// Synced local record; remote not newer
	stale := pendingRecord("stale", 100, now)
	stale.SyncStatus = record.StatusSynced
	for _, rec := range []*record.Record{newer, stale} {
		if err := s.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	client.rows = []record.Remote{
		remoteRow("newer", 9999, now.Add(time.Minute), now.Add(time.Minute)),
		remoteRow("stale", 8888, now.Add(-time.Minute), now.Add(-time.Minute)),
	}

	res := e.SyncNow(ctx)
	if !res.Success {
		t.Fatalf("pass failed: %+v", res.Errors)
	}

	got, _ := s.Get(ctx, "newer")
	if got.AmountCents != 9999 {
		t.Errorf("newer remote not applied: amount = %d", got.AmountCents)
	}
	got, _ = s.Get(ctx, "stale")
	if got.AmountCents != 100 {
		t.Errorf("stale remote applied: amount = %d", got.AmountCents)
	}
}

func TestConflictRoutedAndResolved(t *testing.T) {
	client := newFakeClient()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "conflict-engine.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	resolver, err := conflict.NewResolver(s, conflict.StrategyAsk, logger)
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	// Batch size 1: the older filler record fills the upload batch, so
	// t1 is still pending when its remote row arrives in download
	e := New(Config{Interval: time.Hour, BatchSize: 1, MaxRetries: 3}, s, client, resolver, logger)
	t.Cleanup(e.Dispose)

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Upsert(ctx, pendingRecord("filler", 100, now.Add(-time.Hour))); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	// Local pending edit to 50; the other device already pushed 75
	if err := s.Upsert(ctx, pendingRecord("t1", 50, now)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	client.rows = []record.Remote{remoteRow("t1", 75, now.Add(time.Minute), now.Add(time.Minute))}

	var conflictEvents []Event
	e.Subscribe(func(ev Event) {
		if ev.Kind == EventConflict {
			conflictEvents = append(conflictEvents, ev)
		}
	})

	res := e.SyncNow(ctx)
	if res.Conflicts != 1 || res.AutoResolved != 0 {
		t.Fatalf("Conflicts = %d, AutoResolved = %d, errs = %+v", res.Conflicts, res.AutoResolved, res.Errors)
	}
	if len(conflictEvents) != 1 {
		t.Errorf("conflict events = %d, want 1", len(conflictEvents))
	}
	if e.Machine().State() != syncstate.StateError {
		t.Errorf("state = %s, want error", e.Machine().State())
	}

	conflicts, err := s.ConflictsForRecord(ctx, "t1")
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("stored conflicts = %v, err %v", conflicts, err)
	}
	c := conflicts[0]
	if len(c.DiffFields) != 1 || c.DiffFields[0] != "amount_cents" {
		t.Errorf("DiffFields = %v", c.DiffFields)
	}

	// Local record untouched while the conflict waits on the user
	rec, _ := s.Get(ctx, "t1")
	if rec.AmountCents != 50 || rec.SyncStatus != record.StatusPending {
		t.Errorf("record mutated: amount=%d status=%s", rec.AmountCents, rec.SyncStatus)
	}

	// Resolving the conflict returns the machine to idle
	if err := resolver.Resolve(ctx, c.ID, conflict.SideRemote); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if e.Machine().State() != syncstate.StateIdle {
		t.Errorf("state after resolve = %s, want idle", e.Machine().State())
	}
	rec, _ = s.Get(ctx, "t1")
	if rec.AmountCents != 75 || rec.SyncStatus != record.StatusSynced {
		t.Errorf("resolve remote: amount=%d status=%s", rec.AmountCents, rec.SyncStatus)
	}
}

func TestQuarantineDoesNotBlockSiblings(t *testing.T) {
	client := newFakeClient()
	e, s := setupEngine(t, client, conflict.StrategyNewest)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Upsert(ctx, pendingRecord("good", 500, now)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Upsert(ctx, pendingRecord("bad", 500, now)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	// Corrupt the stored row so sanitization fails at upload time
	if _, err := s.RawDB().Exec(`UPDATE records SET currency = 'dollars' WHERE id = 'bad'`); err != nil {
		t.Fatalf("failed to corrupt record: %v", err)
	}

	res := e.SyncNow(ctx)
	if !res.Success {
		t.Fatalf("pass should succeed despite a quarantined record: %+v", res.Errors)
	}
	if res.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", res.Uploaded)
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != syncerr.KindValidation || res.Errors[0].RecordID != "bad" {
		t.Errorf("errors = %+v", res.Errors)
	}

	bad, err := s.Get(ctx, "bad")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if bad.SyncStatus != record.StatusError {
		t.Errorf("bad status = %s, want error", bad.SyncStatus)
	}
	if bad.SyncError == "" {
		t.Error("quarantined record should carry its error")
	}
}

func TestServerErrorMarksBatchAndDownloadsAnyway(t *testing.T) {
	client := newFakeClient()
	e, s := setupEngine(t, client, conflict.StrategyNewest)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Upsert(ctx, pendingRecord("a", 500, now)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	client.upsertErr = syncerr.New(syncerr.KindServer, errors.New("batch rejected"))

	res := e.SyncNow(ctx)
	if res.Success {
		t.Error("pass with a rejected batch should not succeed")
	}
	if e.Machine().State() != syncstate.StateError {
		t.Errorf("state = %s, want error", e.Machine().State())
	}

	rec, _ := s.Get(ctx, "a")
	if rec.SyncStatus != record.StatusError {
		t.Errorf("batch record status = %s, want error", rec.SyncStatus)
	}

	// Download still ran
	if client.fetchCount() != 1 {
		t.Errorf("fetch count = %d, want 1", client.fetchCount())
	}
}

func TestRejectedBatchRetriedNextPass(t *testing.T) {
	client := newFakeClient()
	e, s := setupEngine(t, client, conflict.StrategyNewest)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Upsert(ctx, pendingRecord("a", 500, now)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	client.upsertErr = syncerr.New(syncerr.KindServer, errors.New("batch rejected"))

	res := e.SyncNow(ctx)
	if res.Success {
		t.Error("pass with a rejected batch should not succeed")
	}
	rec, _ := s.Get(ctx, "a")
	if rec.SyncStatus != record.StatusError {
		t.Fatalf("batch record status = %s, want error", rec.SyncStatus)
	}

	// The backend recovers; the marked batch goes out on the next pass
	client.mu.Lock()
	client.upsertErr = nil
	client.mu.Unlock()

	res = e.SyncNow(ctx)
	if !res.Success {
		t.Fatalf("retry pass failed: %+v", res.Errors)
	}
	if res.Uploaded != 1 {
		t.Errorf("retry pass Uploaded = %d, want 1", res.Uploaded)
	}
	rec, _ = s.Get(ctx, "a")
	if rec.SyncStatus != record.StatusSynced {
		t.Errorf("record status = %s, want synced", rec.SyncStatus)
	}
	if rec.SyncError != "" {
		t.Errorf("record still carries error %q", rec.SyncError)
	}
	if e.Machine().State() != syncstate.StateIdle {
		t.Errorf("state = %s, want idle", e.Machine().State())
	}
}

func TestNetworkErrorAbortsPass(t *testing.T) {
	client := newFakeClient()
	e, s := setupEngine(t, client, conflict.StrategyNewest)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Upsert(ctx, pendingRecord("a", 500, now)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	client.upsertErr = syncerr.New(syncerr.KindNetwork, errors.New("connection reset"))

	res := e.SyncNow(ctx)
	if res.Success {
		t.Error("pass should fail")
	}
	if client.fetchCount() != 0 {
		t.Error("download should not run after a transport failure")
	}
	if e.Machine().State() != syncstate.StateError {
		t.Errorf("state = %s, want error", e.Machine().State())
	}
}

func TestLifecycleEvents(t *testing.T) {
	client := newFakeClient()
	e, _ := setupEngine(t, client, conflict.StrategyNewest)

	var kinds []EventKind
	e.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	res := e.SyncNow(context.Background())
	if !res.Success {
		t.Fatalf("pass failed: %+v", res.Errors)
	}
	if len(kinds) != 2 || kinds[0] != EventSyncStart || kinds[1] != EventSyncComplete {
		t.Errorf("events = %v", kinds)
	}
}

func TestStatusGauge(t *testing.T) {
	client := newFakeClient()
	client.upsertErr = syncerr.New(syncerr.KindServer, errors.New("down"))
	e, s := setupEngine(t, client, conflict.StrategyNewest)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Upsert(ctx, pendingRecord(id, 500, now)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	e.SyncNow(ctx)
	st := e.Status()
	// The rejected batch was marked error, so nothing is pending
	if st.PendingCount != 0 {
		t.Errorf("PendingCount = %d, want 0", st.PendingCount)
	}
	if st.Machine.State != syncstate.StateError {
		t.Errorf("machine state = %s", st.Machine.State)
	}
}
