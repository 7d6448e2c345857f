package sync

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkowalski/plantsync/internal/crypto"
	"github.com/dkowalski/plantsync/internal/db"
	"github.com/dkowalski/plantsync/internal/logging"
	"github.com/dkowalski/plantsync/internal/models"
	"github.com/dkowalski/plantsync/internal/sync/bootstrap"
	"github.com/dkowalski/plantsync/internal/sync/conflict"
	"github.com/dkowalski/plantsync/internal/sync/queue"
)

func init() {
	logging.Init(io.Discard, logging.LevelError)
}

// fakeAuthority simulates the authority's sync endpoints. pushFn and
// pullFn default to accept-everything / nothing-new.
type fakeAuthority struct {
	mu         stdsync.Mutex
	callOrder  []string
	pushes     [][]PushItem
	pushStatus int
	pushFn     func(items []PushItem) *PushResponse
	pullStatus int
	pullFn     func(since int64) *PullResponse
	secrets    map[string]string // bootstrap-secrets payload; nil means 404
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		pushStatus: http.StatusOK,
		pullStatus: http.StatusOK,
	}
}

func (f *fakeAuthority) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync/data", func(w http.ResponseWriter, r *http.Request) {
		var items []PushItem
		if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.callOrder = append(f.callOrder, "push")
		f.pushes = append(f.pushes, items)
		status := f.pushStatus
		fn := f.pushFn
		f.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}

		resp := &PushResponse{}
		if fn != nil {
			resp = fn(items)
		} else {
			for _, it := range items {
				resp.Accepted = append(resp.Accepted, it.EntryID)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /api/sync/status", func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

		f.mu.Lock()
		f.callOrder = append(f.callOrder, "pull")
		status := f.pullStatus
		fn := f.pullFn
		f.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}

		resp := &PullResponse{Changes: []models.ServerChange{}}
		if fn != nil {
			resp = fn(since)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /api/bootstrap-secrets", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.callOrder = append(f.callOrder, "bootstrap")
		secrets := f.secrets
		f.mu.Unlock()

		if secrets == nil {
			http.NotFound(w, r)
			return
		}
		// A successful bootstrap hands out working credentials, so the
		// sync endpoints stop rejecting auth afterwards.
		f.mu.Lock()
		f.pushStatus = http.StatusOK
		f.pullStatus = http.StatusOK
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(secrets)
	})
	return mux
}

func (f *fakeAuthority) setPushStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushStatus = status
}

func (f *fakeAuthority) setPullStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullStatus = status
}

func (f *fakeAuthority) setSecrets(secrets map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets = secrets
}

func (f *fakeAuthority) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.callOrder...)
}

func (f *fakeAuthority) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

// testEnv wires a replica-side stack against a fake authority.
type testEnv struct {
	repo         *db.Repository
	queue        *queue.Queue
	client       *Client
	bootstrapper *bootstrap.Bootstrapper
	resolver     *conflict.Resolver
	store        *crypto.SecureStore
	authority    *fakeAuthority
	server       *httptest.Server
	clock        *fakeClock
}

// fakeClock supplies deterministic queue timestamps.
type fakeClock struct {
	mu stdsync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	authority := newFakeAuthority()
	server := httptest.NewServer(authority.handler())
	t.Cleanup(server.Close)

	dir := t.TempDir()
	database, err := db.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	migrator := db.NewMigrator(database.DB)
	require.NoError(t, migrator.Initialize())
	require.NoError(t, migrator.Up())

	clock := &fakeClock{t: time.Unix(1700000000, 0)}

	store := crypto.NewSecureStore(dir)
	bundle := &models.CredentialBundle{
		SyncUsername:     "replica-1",
		SyncPassword:     "s3cret",
		AuthorityBaseURL: server.URL,
		EncryptionKey:    "key-material",
	}
	raw, err := bundle.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Set("credential_bundle", raw))

	return &testEnv{
		repo:         db.NewRepository(database.DB),
		queue:        queue.New(database.DB, clock.Now),
		client:       NewClient(5 * time.Second),
		bootstrapper: bootstrap.New(store, server.URL, func() string { return "boot-token" }, 5*time.Second),
		resolver:     conflict.NewResolver(clock.Now),
		store:        store,
		authority:    authority,
		server:       server,
		clock:        clock,
	}
}

func (e *testEnv) uploader(limit int) *Uploader {
	return NewUploader(e.queue, e.client, e.bootstrapper, limit)
}

func (e *testEnv) reconciler() *Reconciler {
	return NewReconciler(e.repo, e.queue, e.client, e.bootstrapper, e.resolver)
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
