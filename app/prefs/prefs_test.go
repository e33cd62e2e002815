package prefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/umputun/prefkeeper/app/document"
	"github.com/umputun/prefkeeper/app/journal"
	"github.com/umputun/prefkeeper/app/keyqueue"
	"github.com/umputun/prefkeeper/app/store"
)

type fakeEnricher struct {
	err error
}

func (f *fakeEnricher) Enrich(ctx context.Context, doc document.Document, p Principal) (document.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := doc.Clone()
	plan := res.Object(document.KeyPlan)
	if plan == nil {
		plan = map[string]any{}
		res[document.KeyPlan] = plan
	}
	plan["tier"] = p.Plan
	return res, nil
}

func (f *fakeEnricher) Strip(payload document.Document) document.Document {
	res := payload.Clone()
	delete(res, document.KeyPlan)
	return res
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (f *fakeJournal) Record(_ context.Context, e journal.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeJournal) list() []journal.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]journal.Entry{}, f.entries...)
}

type fakeAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeAlerter) Alert(_ context.Context, subject, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subjects)
}

// recordingStore remembers documents in the order they were saved, failing saves when failSave is set
type recordingStore struct {
	Store
	mu       sync.Mutex
	saved    []document.Document
	failSave error
}

func (r *recordingStore) Save(key string, doc document.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave != nil {
		return r.failSave
	}
	if err := r.Store.Save(key, doc); err != nil {
		return err
	}
	r.saved = append(r.saved, doc.Clone())
	return nil
}

func (r *recordingStore) setFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSave = err
}

type testEnv struct {
	svc     *Service
	files   *store.FileStore
	store   *recordingStore
	journal *fakeJournal
	alerter *fakeAlerter
	queue   *keyqueue.Queue
	enrich  *fakeEnricher
}

func newTestEnv(t *testing.T, maxPending int) *testEnv {
	t.Helper()
	env := &testEnv{
		files:   store.NewFileStore(filepath.Join(t.TempDir(), "prefs"), store.NewAtomicWriter(3, time.Millisecond)),
		journal: &fakeJournal{},
		alerter: &fakeAlerter{},
		queue:   keyqueue.New(maxPending),
		enrich:  &fakeEnricher{},
	}
	env.store = &recordingStore{Store: env.files}
	svc, err := New(Params{Queue: env.queue, Store: env.store, Enricher: env.enrich, Journal: env.journal, Alerter: env.alerter})
	require.NoError(t, err)
	env.svc = svc
	return env
}

func (e *testEnv) readFile(t *testing.T, key string) document.Document {
	t.Helper()
	doc, err := e.files.Load(key)
	require.NoError(t, err)
	return doc
}

func TestNew(t *testing.T) {
	q, s, en := keyqueue.New(0), store.NewFileStore(t.TempDir(), store.NewAtomicWriter(1, time.Millisecond)), &fakeEnricher{}

	_, err := New(Params{Store: s, Enricher: en})
	require.Error(t, err)
	_, err = New(Params{Queue: q, Enricher: en})
	require.Error(t, err)
	_, err = New(Params{Queue: q, Store: s})
	require.Error(t, err)

	svc, err := New(Params{Queue: q, Store: s, Enricher: en})
	require.NoError(t, err)
	assert.NotNil(t, svc.Now)
}

func TestService_SaveNewDocument(t *testing.T) {
	env := newTestEnv(t, 0)
	p := Principal{ID: "u1", Plan: "free"}

	res, err := env.svc.Save(context.Background(), p, document.Document{"jobSearchData": map[string]any{"x": float64(1)}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeWritten, res.Outcome)

	doc := env.readFile(t, "u1")
	assert.Equal(t, res.Document, doc)
	jsd := doc.Object(document.KeyJobSearch)
	assert.InDelta(t, 1, jsd["x"], 0.0001)
	assert.Equal(t, []any{}, jsd["keywords"], "defaults merged in")
	assert.Equal(t, "en", doc.Object(document.KeySettings)["language"])
	assert.Equal(t, "free", doc.Object(document.KeyPlan)["tier"], "enriched")
	assert.Positive(t, doc.LastUsed())

	entries := env.journal.list()
	require.Len(t, entries, 1)
	assert.Equal(t, "written", entries[0].Outcome)
	assert.Equal(t, doc.LastUsed(), entries[0].LastUsed)
	assert.Positive(t, entries[0].Size)
}

func TestService_SaveSamePayloadTwice(t *testing.T) {
	tbl := []struct {
		name    string
		payload document.Document
	}{
		{"unknown field", document.Document{"jobSearchData": map[string]any{"x": float64(1)}}},
		{"null leaf with default", document.Document{"jobSearchData": map[string]any{"keywords": nil, "remote": true}}},
		{"scalar in place of object", document.Document{"settings": map[string]any{"notifications": "off", "theme": "dark"}}},
		{"scalar in place of container", document.Document{"usage": "none", "custom": "x"}},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 0)
			p := Principal{ID: "u1", Plan: "free"}

			res, err := env.svc.Save(context.Background(), p, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, OutcomeWritten, res.Outcome)
			assert.Equal(t, document.Normalize(res.Document), res.Document, "canonical document written")

			path, err := env.files.Path("u1")
			require.NoError(t, err)
			past := time.Now().Add(-time.Hour).Truncate(time.Second)
			require.NoError(t, os.Chtimes(path, past, past))
			before, err := os.ReadFile(path)
			require.NoError(t, err)

			for range 2 {
				res, err = env.svc.Save(context.Background(), p, tt.payload)
				require.NoError(t, err)
				assert.Equal(t, OutcomeNoChange, res.Outcome)
			}

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.True(t, past.Equal(info.ModTime()), "file not touched, mtime %v", info.ModTime())
			after, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Len(t, env.store.saved, 1, "single physical write")

			entries := env.journal.list()
			require.Len(t, entries, 3)
			assert.Equal(t, "written", entries[0].Outcome)
			assert.Equal(t, "no-change", entries[2].Outcome)
		})
	}
}

func TestService_SaveMalformedOnly(t *testing.T) {
	env := newTestEnv(t, 0)
	p := Principal{ID: "u1", Plan: "free"}

	res, err := env.svc.Save(context.Background(), p, document.Document{"settings": map[string]any{"notifications": "off"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChange, res.Outcome, "defaults already stored")
	assert.Equal(t, map[string]any{"email": true, "digest": "weekly"}, res.Document.Object(document.KeySettings)["notifications"])
	assert.Empty(t, env.store.saved)
}

func TestService_SaveConcurrent(t *testing.T) {
	env := newTestEnv(t, 0)
	p := Principal{ID: "u1", Plan: "pro"}

	var g errgroup.Group
	for i := range 20 {
		g.Go(func() error {
			payload := document.Document{
				"settings":      map[string]any{"theme": fmt.Sprintf("t%d", i)},
				"jobSearchData": map[string]any{"keywords": []any{fmt.Sprintf("k%d", i)}},
			}
			_, err := env.svc.Save(context.Background(), p, payload)
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, env.store.saved, 20)
	last := env.store.saved[len(env.store.saved)-1]
	doc := env.readFile(t, "u1")
	assert.Equal(t, last, doc, "stored document is the last applied merge")

	theme := doc.Object(document.KeySettings)["theme"].(string)
	kw := doc.Object(document.KeyJobSearch)["keywords"].([]any)
	require.Len(t, kw, 1)
	assert.Equal(t, "k"+theme[1:], kw[0], "fields from a single payload")

	for i := 1; i < len(env.store.saved); i++ {
		assert.Greater(t, env.store.saved[i].LastUsed(), env.store.saved[i-1].LastUsed(), "lastUsed grows")
	}
	assert.Equal(t, 0, env.queue.Len(), "queue drained")
}

func TestService_SaveLastUsedMonotonic(t *testing.T) {
	env := newTestEnv(t, 0)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	env.svc.Now = func() time.Time { return fixed }
	p := Principal{ID: "u1", Plan: "free"}

	res1, err := env.svc.Save(context.Background(), p, document.Document{"settings": map[string]any{"theme": "dark"}})
	require.NoError(t, err)
	res2, err := env.svc.Save(context.Background(), p, document.Document{"settings": map[string]any{"theme": "light"}})
	require.NoError(t, err)

	assert.Equal(t, fixed.UnixMilli(), res1.Document.LastUsed())
	assert.Equal(t, fixed.UnixMilli()+1, res2.Document.LastUsed())

	// clock going backwards
	env.svc.Now = func() time.Time { return fixed.Add(-time.Hour) }
	res3, err := env.svc.Save(context.Background(), p, document.Document{"settings": map[string]any{"theme": "auto"}})
	require.NoError(t, err)
	assert.Equal(t, fixed.UnixMilli()+2, res3.Document.LastUsed())
}

func TestService_SaveStripsServerFields(t *testing.T) {
	env := newTestEnv(t, 0)
	p := Principal{ID: "u1", Plan: "free"}

	res, err := env.svc.Save(context.Background(), p, document.Document{
		"plan":     map[string]any{"tier": "enterprise", "limits": map[string]any{"searches": 1e9}},
		"lastUsed": float64(42),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChange, res.Outcome, "only server owned fields in payload")
	_, err = env.files.Load("u1")
	require.ErrorIs(t, err, store.ErrNotFound)

	res, err = env.svc.Save(context.Background(), p, document.Document{
		"plan":     map[string]any{"tier": "enterprise"},
		"settings": map[string]any{"theme": "dark"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeWritten, res.Outcome)
	assert.Equal(t, "free", env.readFile(t, "u1").Object(document.KeyPlan)["tier"])
}

func TestService_SaveNoErasure(t *testing.T) {
	env := newTestEnv(t, 0)
	p := Principal{ID: "u1", Plan: "free"}

	_, err := env.svc.Save(context.Background(), p, document.Document{
		"jobSearchData": map[string]any{"keywords": []any{"go"}, "filters": map[string]any{"salary": float64(100)}},
		"custom":        "keep me",
	})
	require.NoError(t, err)

	_, err = env.svc.Save(context.Background(), p, document.Document{
		"settings":      map[string]any{"theme": "dark"},
		"jobSearchData": nil,
	})
	require.NoError(t, err)

	doc := env.readFile(t, "u1")
	assert.Equal(t, []any{"go"}, doc.Object(document.KeyJobSearch)["keywords"])
	assert.Equal(t, map[string]any{"salary": float64(100)}, doc.Object(document.KeyJobSearch)["filters"])
	assert.Equal(t, "keep me", doc["custom"])
	assert.Equal(t, "dark", doc.Object(document.KeySettings)["theme"])
}

func TestService_SaveFailure(t *testing.T) {
	env := newTestEnv(t, 0)
	p := Principal{ID: "u1", Plan: "free"}

	_, err := env.svc.Save(context.Background(), p, document.Document{"settings": map[string]any{"theme": "dark"}})
	require.NoError(t, err)
	path, err := env.files.Path("u1")
	require.NoError(t, err)
	orig, err := os.ReadFile(path)
	require.NoError(t, err)

	env.store.setFail(errors.New("disk on fire"))
	res, err := env.svc.Save(context.Background(), p, document.Document{"settings": map[string]any{"theme": "light"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, OutcomeFailed, res.Outcome)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, orig, data, "stored document untouched")
	assert.Equal(t, 1, env.alerter.count())
	entries := env.journal.list()
	require.Len(t, entries, 2)
	assert.Equal(t, "failed", entries[1].Outcome)
	assert.Contains(t, entries[1].Error, "disk on fire")

	// the key keeps working after a failure
	env.store.setFail(nil)
	res, err = env.svc.Save(context.Background(), p, document.Document{"settings": map[string]any{"theme": "light"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeWritten, res.Outcome)
	assert.Equal(t, "light", env.readFile(t, "u1").Object(document.KeySettings)["theme"])
}

func TestService_SaveEnrichFailure(t *testing.T) {
	env := newTestEnv(t, 0)
	env.enrich.err = errors.New("plans unavailable")

	_, err := env.svc.Save(context.Background(), Principal{ID: "u1"}, document.Document{"settings": map[string]any{"theme": "dark"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't enrich document")
	_, err = env.files.Load("u1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_SaveBrokenStoredDocument(t *testing.T) {
	env := newTestEnv(t, 0)
	path, err := env.files.Path("u1")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(`{"settings":`), 0o600))

	_, err = env.svc.Save(context.Background(), Principal{ID: "u1"}, document.Document{"settings": map[string]any{"theme": "dark"}})
	require.Error(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"settings":`, string(data))
}

func TestService_SaveInvalidKey(t *testing.T) {
	env := newTestEnv(t, 0)
	_, err := env.svc.Save(context.Background(), Principal{ID: "../../etc/passwd"}, document.Document{"a": "b"})
	require.ErrorIs(t, err, store.ErrInvalidKey)
	assert.Empty(t, env.journal.list())
	assert.Equal(t, 0, env.alerter.count())
}

func TestService_SaveQueueFull(t *testing.T) {
	env := newTestEnv(t, 1)

	started, done := make(chan struct{}), make(chan struct{})
	go func() {
		_ = env.queue.Do("u1", func() error {
			close(started)
			<-done
			return nil
		})
	}()
	<-started

	res, err := env.svc.Save(context.Background(), Principal{ID: "u1"}, document.Document{"a": "b"})
	require.ErrorIs(t, err, keyqueue.ErrQueueFull)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 0, env.alerter.count(), "backpressure is not alerted")
	close(done)

	require.Eventually(t, func() bool { return env.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	res, err = env.svc.Save(context.Background(), Principal{ID: "u1"}, document.Document{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeWritten, res.Outcome)
}

func TestService_Load(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	t.Run("absent document", func(t *testing.T) {
		doc := env.svc.Load(ctx, Principal{ID: "nobody", Plan: "pro"})
		assert.Equal(t, "pro", doc.Object(document.KeyPlan)["tier"])
		assert.Equal(t, "en", doc.Object(document.KeySettings)["language"])
		assert.Equal(t, int64(0), doc.LastUsed())
	})

	t.Run("stored document", func(t *testing.T) {
		_, err := env.svc.Save(ctx, Principal{ID: "u1", Plan: "free"}, document.Document{"settings": map[string]any{"theme": "dark"}})
		require.NoError(t, err)
		doc := env.svc.Load(ctx, Principal{ID: "u1", Plan: "free"})
		assert.Equal(t, "dark", doc.Object(document.KeySettings)["theme"])
		assert.Positive(t, doc.LastUsed())
	})

	t.Run("legacy document", func(t *testing.T) {
		path, err := env.files.Path("old")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte(`{"prefs":{"theme":"dark"},"lastUsed":"2024-01-02T03:04:05Z"}`), 0o600))
		doc := env.svc.Load(ctx, Principal{ID: "old", Plan: "free"})
		assert.Equal(t, "dark", doc.Object(document.KeySettings)["theme"])
		assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(), doc.LastUsed())
		_, found := doc["prefs"]
		assert.False(t, found)
	})

	t.Run("broken document", func(t *testing.T) {
		path, err := env.files.Path("broken")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte(`{"settings":`), 0o600))
		doc := env.svc.Load(ctx, Principal{ID: "broken", Plan: "free"})
		assert.Equal(t, "auto", doc.Object(document.KeySettings)["theme"], "defaults served")
		assert.Equal(t, "free", doc.Object(document.KeyPlan)["tier"])
	})

	t.Run("invalid key", func(t *testing.T) {
		doc := env.svc.Load(ctx, Principal{ID: "../x", Plan: "free"})
		assert.Equal(t, "auto", doc.Object(document.KeySettings)["theme"])
	})

	t.Run("enrich failure", func(t *testing.T) {
		env.enrich.err = errors.New("plans unavailable")
		defer func() { env.enrich.err = nil }()
		doc := env.svc.Load(ctx, Principal{ID: "u1", Plan: "pro"})
		assert.Equal(t, "dark", doc.Object(document.KeySettings)["theme"], "normalized document served")
		assert.Equal(t, "free", doc.Object(document.KeyPlan)["tier"], "stored plan kept")
	})

	t.Run("result is a copy", func(t *testing.T) {
		doc := env.svc.Load(ctx, Principal{ID: "u1", Plan: "free"})
		doc.Object(document.KeySettings)["theme"] = "changed"
		doc2 := env.svc.Load(ctx, Principal{ID: "u1", Plan: "free"})
		assert.Equal(t, "dark", doc2.Object(document.KeySettings)["theme"])
	})
}

func TestService_LoadCancelledCaller(t *testing.T) {
	env := newTestEnv(t, 0)
	p := Principal{ID: "u1", Plan: "pro"}
	_, err := env.svc.Save(context.Background(), p, document.Document{"settings": map[string]any{"theme": "dark"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	doc := env.svc.Load(ctx, p)
	assert.Equal(t, "dark", doc.Object(document.KeySettings)["theme"])
	assert.Equal(t, "pro", doc.Object(document.KeyPlan)["tier"], "shared load enriched regardless of caller's context")
}

func TestService_LoadConcurrent(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	p := Principal{ID: "u1", Plan: "free"}
	_, err := env.svc.Save(ctx, p, document.Document{"settings": map[string]any{"theme": "dark"}})
	require.NoError(t, err)

	var g errgroup.Group
	for range 20 {
		g.Go(func() error {
			doc := env.svc.Load(ctx, p)
			if doc.Object(document.KeySettings)["theme"] != "dark" {
				return fmt.Errorf("unexpected document %v", doc)
			}
			doc.Object(document.KeySettings)["theme"] = "mutated"
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "written", OutcomeWritten.String())
	assert.Equal(t, "no-change", OutcomeNoChange.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
}
