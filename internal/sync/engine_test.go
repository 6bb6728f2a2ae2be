package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/edunexus/offsync/internal/models"
	"github.com/edunexus/offsync/internal/store"
	"github.com/edunexus/offsync/internal/sync/connectivity"
	"github.com/edunexus/offsync/internal/sync/queue"
	"github.com/edunexus/offsync/internal/sync/remote"
)

// fakeServer is an in-memory remote API with versioned records, idempotency
// key deduplication and controllable failures.
type fakeServer struct {
	mu      stdsync.Mutex
	nextID  int
	records map[string]*fakeRecord
	idem    map[string]fakeResponse
	applied int  // state mutations actually performed
	down    bool // respond 503 to everything
	dropAck int  // apply the mutation but answer 503, n times
	gate    chan struct{} // mutations block on this when non-nil
	entered chan struct{} // signalled once a mutation is waiting
}

type fakeRecord struct {
	version int
	payload json.RawMessage
}

type fakeResponse struct {
	status int
	body   []byte
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		records: make(map[string]*fakeRecord),
		idem:    make(map[string]fakeResponse),
	}
}

func (f *fakeServer) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// bump simulates a concurrent edit by another client.
func (f *fakeServer) bump(id string, payload json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[id]
	rec.version++
	rec.payload = payload
}

// holdMutations makes mutation requests block until the returned release
// func is called. The returned channel receives once a request is waiting.
func (f *fakeServer) holdMutations() (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	return f.entered, func() { close(f.gate) }
}

func (f *fakeServer) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/health" {
		f.mu.Lock()
		down := f.down
		f.mu.Unlock()
		if down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	key := r.Header.Get(remote.IdempotencyHeader)
	if resp, ok := f.idem[key]; ok {
		w.WriteHeader(resp.status)
		w.Write(resp.body)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// parts: ["api", entity] or ["api", entity, id]

	var status int
	var body []byte

	switch r.Method {
	case http.MethodPost:
		var req struct {
			ClientID string          `json:"client_id"`
			Payload  json.RawMessage `json:"payload"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		f.nextID++
		id := fmt.Sprintf("srv-%d", f.nextID)
		f.records[id] = &fakeRecord{version: 1, payload: req.Payload}
		f.applied++

		status = http.StatusCreated
		body, _ = json.Marshal(remote.Record{ID: id, Version: 1, Payload: req.Payload})

	case http.MethodPut:
		id := parts[2]
		var req struct {
			Version int             `json:"version"`
			Payload json.RawMessage `json:"payload"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		rec, ok := f.records[id]
		switch {
		case !ok:
			status = http.StatusNotFound
		case rec.version != req.Version:
			status = http.StatusConflict
			body, _ = json.Marshal(remote.Record{ID: id, Version: rec.version, Payload: rec.payload})
		default:
			rec.version++
			rec.payload = req.Payload
			f.applied++
			status = http.StatusOK
			body, _ = json.Marshal(remote.Record{ID: id, Version: rec.version, Payload: rec.payload})
		}

	case http.MethodDelete:
		id := parts[2]
		if _, ok := f.records[id]; !ok {
			status = http.StatusNotFound
		} else {
			delete(f.records, id)
			f.applied++
			status = http.StatusNoContent
		}

	default:
		status = http.StatusMethodNotAllowed
	}

	// Conflicts and misses are not recorded against the idempotency key: a
	// replay should observe the then-current server state.
	if status < 400 {
		f.idem[key] = fakeResponse{status: status, body: body}
	}

	if f.dropAck > 0 && status < 400 {
		f.dropAck--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(status)
	w.Write(body)
}

// recordingSink captures engine events for assertions.
type recordingSink struct {
	mu        stdsync.Mutex
	started   int
	completed int
	failed    int
	conflicts []*models.SyncConflict
}

func (s *recordingSink) SyncStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
}
func (s *recordingSink) SyncProgress(completed, remaining int) {}
func (s *recordingSink) SyncCompleted(result *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
}
func (s *recordingSink) SyncFailed(errorCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}
func (s *recordingSink) ConflictDetected(entry *models.SyncConflict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, entry)
}

type testEnv struct {
	store   *store.Store
	queue   *queue.Manager
	monitor *connectivity.Monitor
	engine  *Engine
	server  *fakeServer
	sink    *recordingSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := store.NewMigrator(db.DB)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() error: %v", err)
	}

	st := store.NewStore(db.DB)
	t.Cleanup(func() { st.Close() })

	fake := newFakeServer()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := remote.NewClient(srv.URL, time.Second)
	monitor := connectivity.NewMonitor(client, time.Minute)
	qm := queue.NewManager(st, queue.Config{
		MaxAttempts: 3,
		BackoffMin:  time.Millisecond,
		BackoffMax:  8 * time.Millisecond,
	})
	sink := &recordingSink{}
	engine := NewEngine(st, qm, monitor, client, Config{EntityConcurrency: 4}, sink)

	return &testEnv{store: st, queue: qm, monitor: monitor, engine: engine, server: fake, sink: sink}
}

func (env *testEnv) goOnline(t *testing.T) {
	t.Helper()
	if st := env.monitor.CheckNow(context.Background()); st != connectivity.StatusOnline {
		t.Fatalf("monitor did not come online: %v", st)
	}
}

// syncedCreate creates a record and drains it so follow-up tests start from
// an acknowledged baseline.
func (env *testEnv) syncedCreate(t *testing.T, entity string, payload string) *models.LocalRecord {
	t.Helper()
	rec, _, err := env.store.CreateOffline(entity, json.RawMessage(payload))
	if err != nil {
		t.Fatal(err)
	}
	env.goOnline(t)
	if _, err := env.engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	got, err := env.store.GetRecord(entity, rec.ID)
	if err != nil {
		t.Fatalf("GetRecord() after baseline sync: %v", err)
	}
	if got.SyncStatus != models.SyncStatusSynced || got.ServerID == "" {
		t.Fatalf("baseline record not synced: %+v", got)
	}
	return got
}

func TestSyncDrainsSingleCreate(t *testing.T) {
	env := newTestEnv(t)

	rec, _, err := env.store.CreateOffline("students", json.RawMessage(`{"name":"Ada"}`))
	if err != nil {
		t.Fatal(err)
	}
	env.goOnline(t)

	result, err := env.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if result.Completed != 1 || result.Errors != 0 || result.Conflicts != 0 {
		t.Errorf("result = %+v", result)
	}

	got, err := env.store.GetRecord("students", rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status = %q, want synced", got.SyncStatus)
	}
	if got.ServerID == "" {
		t.Error("server id not recorded")
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}

	status, err := env.engine.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.Indicator != IndicatorOnline {
		t.Errorf("indicator = %q, want online", status.Indicator)
	}
	if status.QueueCount != 0 {
		t.Errorf("queue count = %d, want 0", status.QueueCount)
	}
	if status.LastSync == nil {
		t.Error("last sync not recorded")
	}
}

func TestSyncDrainsMultipleRecords(t *testing.T) {
	env := newTestEnv(t)

	var ids []string
	for i := 0; i < 3; i++ {
		rec, _, err := env.store.CreateOffline("students", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}
	env.goOnline(t)

	result, err := env.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if result.Completed != 3 {
		t.Errorf("completed = %d, want 3", result.Completed)
	}

	for _, id := range ids {
		got, err := env.store.GetRecord("students", id)
		if err != nil {
			t.Fatal(err)
		}
		if got.SyncStatus != models.SyncStatusSynced {
			t.Errorf("record %s status = %q, want synced", id, got.SyncStatus)
		}
	}
	if env.server.appliedCount() != 3 {
		t.Errorf("server applied = %d, want 3", env.server.appliedCount())
	}
}

func TestSyncStackedMutationsReplayInOrder(t *testing.T) {
	env := newTestEnv(t)

	rec, _, err := env.store.CreateOffline("students", json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.store.UpdateOffline("students", rec.ID, json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.store.UpdateOffline("students", rec.ID, json.RawMessage(`{"v":3}`)); err != nil {
		t.Fatal(err)
	}
	env.goOnline(t)

	result, err := env.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if result.Completed != 3 || result.Conflicts != 0 {
		t.Fatalf("result = %+v", result)
	}

	got, err := env.store.GetRecord("students", rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status = %q, want synced", got.SyncStatus)
	}
	// CREATE landed at 1, each UPDATE advanced by one: strict order held.
	if got.Version != 3 {
		t.Errorf("version = %d, want 3", got.Version)
	}
	if string(got.Payload) != `{"v":3}` {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestSyncConflictServerWins(t *testing.T) {
	env := newTestEnv(t)
	rec := env.syncedCreate(t, "students", `{"name":"Ada"}`)

	// Someone else edits the server copy twice while we edit locally.
	env.server.bump(rec.ServerID, json.RawMessage(`{"name":"server edit"}`))
	env.server.bump(rec.ServerID, json.RawMessage(`{"name":"server edit 2"}`))

	if _, _, err := env.store.UpdateOffline("students", rec.ID, json.RawMessage(`{"name":"local edit"}`)); err != nil {
		t.Fatal(err)
	}

	result, err := env.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if result.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", result.Conflicts)
	}

	// Local record overwritten with the server's value, no merge.
	got, err := env.store.GetRecord("students", rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status = %q, want synced", got.SyncStatus)
	}
	if string(got.Payload) != `{"name":"server edit 2"}` {
		t.Errorf("payload = %s, want server value", got.Payload)
	}
	if got.Version != 3 {
		t.Errorf("version = %d, want 3", got.Version)
	}

	// The queue item is consumed, not retried.
	if n, _ := env.queue.Count(); n != 0 {
		t.Errorf("queue count = %d, want 0", n)
	}

	// Both sides preserved in the audit log.
	conflicts, err := env.store.ListConflicts()
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflict log entries = %d, want 1", len(conflicts))
	}
	entry := conflicts[0]
	if string(entry.ServerPayload) != `{"name":"server edit 2"}` {
		t.Errorf("server payload = %s", entry.ServerPayload)
	}
	if entry.Resolution != models.ResolutionServerWins {
		t.Errorf("resolution = %q", entry.Resolution)
	}

	env.sink.mu.Lock()
	notified := len(env.sink.conflicts)
	env.sink.mu.Unlock()
	if notified != 1 {
		t.Errorf("conflict events = %d, want 1", notified)
	}
}

func TestSyncIdempotentReplayAfterLostResponse(t *testing.T) {
	env := newTestEnv(t)

	rec, _, err := env.store.CreateOffline("students", json.RawMessage(`{"name":"Ada"}`))
	if err != nil {
		t.Fatal(err)
	}
	env.goOnline(t)

	// The server applies the CREATE but the acknowledgment is lost.
	env.server.dropAck = 1

	if _, err := env.engine.Sync(context.Background()); err != nil {
		t.Fatalf("first Sync() error: %v", err)
	}

	got, _ := env.store.GetRecordForSync("students", rec.ID)
	if got.SyncStatus == models.SyncStatusSynced {
		t.Fatal("record synced despite lost acknowledgment")
	}

	// Replay after the backoff. The idempotency key dedupes server-side.
	time.Sleep(20 * time.Millisecond)
	env.goOnline(t)
	if _, err := env.engine.Sync(context.Background()); err != nil {
		t.Fatalf("second Sync() error: %v", err)
	}

	got, err = env.store.GetRecord("students", rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status = %q, want synced", got.SyncStatus)
	}
	if env.server.appliedCount() != 1 {
		t.Errorf("server applied the mutation %d times, want 1", env.server.appliedCount())
	}
}

func TestSyncOfflineDoesNothing(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := env.store.CreateOffline("students", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	// Monitor never confirmed online; the pass must not touch the queue.

	result, err := env.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if result.Completed != 0 {
		t.Errorf("completed offline = %d, want 0", result.Completed)
	}
	if n, _ := env.queue.Count(); n != 1 {
		t.Errorf("queue count = %d, want 1", n)
	}

	status, _ := env.engine.Status()
	if status.Indicator != IndicatorOffline {
		t.Errorf("indicator = %q, want offline", status.Indicator)
	}
}

func TestSyncDeleteReplay(t *testing.T) {
	env := newTestEnv(t)
	rec := env.syncedCreate(t, "students", `{"name":"Ada"}`)

	collapsed, err := env.store.DeleteOffline("students", rec.ID)
	if err != nil || collapsed {
		t.Fatalf("DeleteOffline() = %v, %v", collapsed, err)
	}

	if _, err := env.engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	// Tombstone gone locally, record gone server-side.
	if _, err := env.store.GetRecordForSync("students", rec.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("record still present after DELETE replay: %v", err)
	}
	if n, _ := env.queue.Count(); n != 0 {
		t.Errorf("queue count = %d, want 0", n)
	}
}

func TestSyncDeleteOfMissingIsSuccess(t *testing.T) {
	env := newTestEnv(t)
	rec := env.syncedCreate(t, "students", `{"name":"Ada"}`)

	// Another client already deleted the server copy.
	env.server.mu.Lock()
	delete(env.server.records, rec.ServerID)
	env.server.mu.Unlock()

	if _, err := env.store.DeleteOffline("students", rec.ID); err != nil {
		t.Fatal(err)
	}

	result, err := env.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if result.Errors != 0 {
		t.Errorf("errors = %d, want 0", result.Errors)
	}
	if _, err := env.store.GetRecordForSync("students", rec.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("record still present: %v", err)
	}
}

func TestSyncPermanentRejection(t *testing.T) {
	env := newTestEnv(t)

	// An UPDATE for a record the server has never seen draws a 404, which is
	// permanent for non-DELETE operations.
	rec, _, err := env.store.CreateOffline("students", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	// Fake an acknowledged CREATE that the server has since lost.
	if err := env.store.ApplyServerRecord("students", rec.ID, "srv-unknown", 1, rec.Payload); err != nil {
		t.Fatal(err)
	}
	items, _ := env.queue.List()
	for _, it := range items {
		if err := env.queue.MarkDone(it.ID); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := env.store.UpdateOffline("students", rec.ID, json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatal(err)
	}
	env.goOnline(t)

	result, err := env.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if result.Errors != 1 {
		t.Errorf("errors = %d, want 1", result.Errors)
	}
	if env.engine.State() != StateError {
		t.Errorf("state = %q, want error", env.engine.State())
	}

	got, _ := env.store.GetRecord("students", rec.ID)
	if got.SyncStatus != models.SyncStatusError {
		t.Errorf("record status = %q, want error", got.SyncStatus)
	}

	status, _ := env.engine.Status()
	if status.Indicator != IndicatorError {
		t.Errorf("indicator = %q, want error", status.Indicator)
	}
	if status.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", status.ErrorCount)
	}
}

func TestRetryErrorsReArmsTerminalItems(t *testing.T) {
	env := newTestEnv(t)

	rec, _, err := env.store.CreateOffline("students", json.RawMessage(`{"name":"Ada"}`))
	if err != nil {
		t.Fatal(err)
	}
	env.goOnline(t)

	// Burn through the entire attempt budget against a down server. Health
	// stays answerable so the monitor keeps reporting online.
	for i := 0; i < 3; i++ {
		env.server.dropAck = 1
		env.server.mu.Lock()
		delete(env.server.idem, itemKey(t, env))
		env.server.mu.Unlock()
		time.Sleep(15 * time.Millisecond)
		if _, err := env.engine.Sync(context.Background()); err != nil {
			t.Fatalf("Sync() round %d: %v", i, err)
		}
	}

	if n, _ := env.queue.ErrorCount(); n != 1 {
		t.Fatalf("error count = %d, want 1", n)
	}

	n, err := env.engine.RetryErrors()
	if err != nil {
		t.Fatalf("RetryErrors() error: %v", err)
	}
	if n != 1 {
		t.Errorf("RetryErrors() = %d, want 1", n)
	}

	time.Sleep(15 * time.Millisecond)
	if _, err := env.engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() after retry: %v", err)
	}

	got, err := env.store.GetRecord("students", rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status after manual retry = %q, want synced", got.SyncStatus)
	}
}

// itemKey returns the idempotency key of the single outstanding queue item.
func itemKey(t *testing.T, env *testEnv) string {
	t.Helper()
	items, err := env.queue.List()
	if err != nil || len(items) == 0 {
		t.Fatalf("no queue items: %v", err)
	}
	return items[0].IdempotencyKey
}

func TestSyncInProgressGuard(t *testing.T) {
	env := newTestEnv(t)
	env.goOnlineQuiet()

	release := make(chan struct{})
	env.engine.mu.Lock()
	env.engine.state = StateSyncing
	env.engine.mu.Unlock()

	go func() {
		defer close(release)
		_, err := env.engine.Sync(context.Background())
		if err == nil {
			t.Error("concurrent Sync() not rejected")
		}
	}()
	<-release

	env.engine.mu.Lock()
	env.engine.state = StateIdle
	env.engine.mu.Unlock()
}

func (env *testEnv) goOnlineQuiet() {
	env.monitor.CheckNow(context.Background())
}

func TestStartRecoversInFlightItems(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := env.store.CreateOffline("students", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-replay: the item is stuck in_flight.
	if item, err := env.queue.DequeueNext(""); err != nil || item == nil {
		t.Fatalf("DequeueNext() = %v, %v", item, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer env.engine.Stop()

	// The orphan is pending again and eligible for replay.
	stats, err := env.queue.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["in_flight"] != 0 {
		t.Errorf("in_flight after Start() = %d, want 0", stats["in_flight"])
	}
}

func TestStatusIndicatorPending(t *testing.T) {
	env := newTestEnv(t)
	env.goOnline(t)

	if _, _, err := env.store.CreateOffline("students", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}

	status, err := env.engine.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.Indicator != IndicatorPending {
		t.Errorf("indicator = %q, want pending", status.Indicator)
	}
	if status.QueueCount != 1 {
		t.Errorf("queue count = %d, want 1", status.QueueCount)
	}
}

func TestSyncClearMidPassDiscardsInFlightResponse(t *testing.T) {
	env := newTestEnv(t)
	env.goOnline(t)

	if _, _, err := env.store.CreateOffline("students", json.RawMessage(`{"name":"Ada"}`)); err != nil {
		t.Fatal(err)
	}

	entered, release := env.server.holdMutations()

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Sync(context.Background())
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the mutation")
	}

	// Reset while the CREATE request is still on the wire.
	if err := env.store.Clear(); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Sync() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not finish")
	}

	// The late acknowledgement is discarded: every table stays post-clear,
	// nothing comes back to life.
	recs, err := env.store.GetAllRecords("students")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("records after clear = %d, want 0", len(recs))
	}
	if n, _ := env.store.CountQueue(); n != 0 {
		t.Errorf("queue count after clear = %d, want 0", n)
	}
	if n, _ := env.store.CountConflicts(); n != 0 {
		t.Errorf("conflict count after clear = %d, want 0", n)
	}
}

func TestSyncCancelsItemWhoseRecordWasCleared(t *testing.T) {
	env := newTestEnv(t)
	env.goOnline(t)

	rec, _, err := env.store.CreateOffline("students", json.RawMessage(`{"name":"Ada"}`))
	if err != nil {
		t.Fatal(err)
	}

	// The record is gone but its queue row lingers, as when a reset races
	// the drain loop between dequeue and replay.
	if err := env.store.RemoveRecord("students", rec.ID); err != nil {
		t.Fatalf("RemoveRecord() error: %v", err)
	}

	result, err := env.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if result.Errors != 0 {
		t.Errorf("result.Errors = %d, want 0", result.Errors)
	}

	// The orphan is cancelled, never replayed.
	if got := env.server.appliedCount(); got != 0 {
		t.Errorf("server applied %d mutations, want 0", got)
	}
	if n, _ := env.store.CountQueue(); n != 0 {
		t.Errorf("queue count = %d, want 0", n)
	}

	status, err := env.engine.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.State != StateIdle {
		t.Errorf("state = %q, want idle", status.State)
	}
}
