package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/raysh454/racer/internal/artifacts"
	"github.com/raysh454/racer/internal/batch"
	"github.com/raysh454/racer/internal/model"
	"github.com/raysh454/racer/internal/store"
	"github.com/raysh454/racer/internal/testutil"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newStore(t *testing.T) (*store.Store, *sql.DB) {
	t.Helper()
	db := openTestDB(t)
	s, err := store.New(db, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, db
}

// ─── requests ──────────────────────────────────────────────────────────

func TestRequests_RoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()

	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	reqs := []*model.RequestTemplate{
		{
			ID:        "0",
			Method:    "POST",
			URL:       "http://127.0.0.1:8000/redeem",
			Headers:   model.Headers{{Name: "X-B", Value: "2"}, {Name: "X-A", Value: "1"}},
			Body:      model.Body{Form: []model.FormField{{Name: "code", Value: "SAVE10"}}},
			CreatedAt: created,
		},
		{ID: "1", Method: "GET", URL: "http://127.0.0.1:8000/", CreatedAt: created.Add(time.Second)},
	}
	if err := s.SaveRequests(ctx, reqs); err != nil {
		t.Fatalf("SaveRequests: %v", err)
	}
	got, err := s.LoadRequests(ctx)
	if err != nil {
		t.Fatalf("LoadRequests: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d requests", len(got))
	}
	for i := range reqs {
		if !got[i].SameContent(reqs[i]) || got[i].ID != reqs[i].ID || !got[i].CreatedAt.Equal(reqs[i].CreatedAt) {
			t.Errorf("request %d: got %+v, want %+v", i, got[i], reqs[i])
		}
	}
	if got[0].Headers[0].Name != "X-B" {
		t.Errorf("header order lost: %+v", got[0].Headers)
	}

	// Saving again replaces the previous content.
	if err := s.SaveRequests(ctx, reqs[1:]); err != nil {
		t.Fatalf("SaveRequests: %v", err)
	}
	if got, _ := s.LoadRequests(ctx); len(got) != 1 || got[0].ID != "1" {
		t.Errorf("after replace: %+v", got)
	}
}

func TestRequests_CorruptRow(t *testing.T) {
	t.Parallel()
	s, db := newStore(t)
	if _, err := db.Exec(`INSERT INTO requests (id, method, url, data, created_at) VALUES ('0', 'GET', 'x', '{not json', 0)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.LoadRequests(context.Background()); !errors.Is(err, model.ErrCorruptState) {
		t.Errorf("err = %v, want ErrCorruptState", err)
	}
}

// ─── batches ───────────────────────────────────────────────────────────

func TestBatches_SaveLoadDelete(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()
	sink := artifacts.NewMemStore()

	b := batch.New("race", batch.Settings{AllowRedirects: true, SendTimeoutSeconds: 5}, sink, nil)
	if err := b.Add("0", 0, 3, 1, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_ = b.Add("0", 100, 2, 1, false)
	res := batch.NewResults(time.Unix(1700000000, 0).UTC(), time.Unix(1700000001, 0).UTC(), map[string]*model.ResponseSet{
		"0": {Exchanges: []model.Exchange{
			testutil.Exchange("0", 0, 200, "redeemed"),
			testutil.Exchange("0", 0, 404, "already used"),
		}},
	})
	if err := b.OverwriteResults(res); err != nil {
		t.Fatalf("OverwriteResults: %v", err)
	}
	if err := s.SaveBatch(ctx, b); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}
	if b.Dirty() {
		t.Error("batch still dirty after save")
	}

	// Second save updates in place.
	b.SetSyncLastByte(true)
	if err := s.SaveBatch(ctx, b); err != nil {
		t.Fatalf("SaveBatch again: %v", err)
	}
	other := batch.New("other", batch.Settings{}, sink, nil)
	if err := s.SaveBatch(ctx, other); err != nil {
		t.Fatalf("SaveBatch other: %v", err)
	}

	loaded, err := s.LoadBatches(ctx, sink, nil)
	if err != nil {
		t.Fatalf("LoadBatches: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Name() != "other" || loaded[1].Name() != "race" {
		t.Fatalf("unexpected batches %v", loaded)
	}
	got := loaded[1]
	if st := got.Settings(); !st.AllowRedirects || !st.SyncLastByte || st.SendTimeoutSeconds != 5 {
		t.Errorf("settings = %+v", st)
	}
	if it, err := got.Item("0", 100); err != nil || it.Parallel != 2 {
		t.Errorf("Item(0,100) = %+v, %v", it, err)
	}
	rr, err := got.Result("0")
	if err != nil || rr.Grouped == nil || len(rr.Grouped.Groups) != 2 {
		t.Errorf("results not restored: %+v, %v", rr, err)
	}

	if err := s.DeleteBatch(ctx, "race"); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if err := s.DeleteBatch(ctx, "race"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("second delete: err = %v", err)
	}
}

func TestBatches_CorruptRow(t *testing.T) {
	t.Parallel()
	s, db := newStore(t)
	if _, err := db.Exec(`INSERT INTO batches (id, name, data, updated_at) VALUES ('x', 'bad', '[1,2', 0)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.LoadBatches(context.Background(), artifacts.NewMemStore(), nil); !errors.Is(err, model.ErrCorruptState) {
		t.Errorf("err = %v, want ErrCorruptState", err)
	}
}

// ─── meta ──────────────────────────────────────────────────────────────

func TestMeta(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()
	if _, err := s.GetMeta(ctx, "current_batch"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing key: err = %v", err)
	}
	_ = s.SetMeta(ctx, "current_batch", "race")
	_ = s.SetMeta(ctx, "current_batch", "other")
	v, err := s.GetMeta(ctx, "current_batch")
	if err != nil || v != "other" {
		t.Errorf("GetMeta = %q, %v", v, err)
	}
}

func TestOpen_File(t *testing.T) {
	t.Parallel()
	path := t.TempDir() + "/racer.db"
	s, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.SetMeta(context.Background(), "k", "v")
	_ = s.Close()

	s2, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if v, _ := s2.GetMeta(context.Background(), "k"); v != "v" {
		t.Errorf("value not persisted: %q", v)
	}
}
