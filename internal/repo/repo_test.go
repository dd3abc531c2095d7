package repo_test

import (
	"context"
	"os"
	"testing"
	"time"

	"defectline/internal/db"
	"defectline/internal/domain"
	"defectline/internal/migrate"
	"defectline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func sample() []domain.Defect {
	base := time.Date(2024, 1, 2, 3, 4, 5, 600000, time.UTC)
	a := domain.NewDefect("critical", "D-001", "Wiring", "exposed wire", "ann", "panel B", base)
	b := domain.NewDefect("minor", "D-002", "Paint", "scratch", "bob", "door", base.Add(time.Minute))
	if err := b.Resolve("mgr", "buffed", base.Add(time.Hour)); err != nil {
		panic(err)
	}
	c := domain.NewDefect("minor", "D-003", "Paint", "dent", "cy", "", base.Add(2*time.Minute))
	return []domain.Defect{*a, *b, *c}
}

func assertRoundTrip(t *testing.T, want, got []domain.Defect) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d defects, got %d", len(want), len(got))
	}
	for i := range want {
		w, g := want[i], got[i]
		if g.ID != w.ID || g.Severity != w.Severity || g.Detail != w.Detail || g.Resolved != w.Resolved ||
			g.ResolvedBy != w.ResolvedBy || g.ResolutionDetails != w.ResolutionDetails || !g.LoggedAt.Equal(w.LoggedAt) {
			t.Fatalf("defect %d mismatch:\nwant %+v\ngot  %+v", i, w, g)
		}
		if (w.ResolvedAt == nil) != (g.ResolvedAt == nil) {
			t.Fatalf("defect %s resolved_at presence mismatch", w.ID)
		}
		if w.ResolvedAt != nil && !g.ResolvedAt.Equal(*w.ResolvedAt) {
			t.Fatalf("defect %s resolved_at mismatch", w.ID)
		}
	}
}

func TestSaveLoadPreservesOrderAndState(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	want := sample()
	if err := r.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := r.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertRoundTrip(t, want, got)

	// a second save replaces rather than appends
	if err := r.Save(ctx, want[:1]); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = r.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertRoundTrip(t, want[:1], got)
}

func TestLoadEmpty(t *testing.T) {
	r := newRepo(t)
	got, err := r.Load(context.Background())
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty load, got %v %v", got, err)
	}
}

func TestLoadRejectsCorruptRows(t *testing.T) {
	r := newRepo(t)
	if _, err := r.DB.Exec(`INSERT INTO defects(seq,id,severity,logged_at) VALUES (0,'D-001','minor','yesterday')`); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Load(context.Background()); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLatestEventsFilters(t *testing.T) {
	r := newRepo(t)
	for _, q := range []string{
		`INSERT INTO events(ts,level,type,entity_id,actor_id,payload_json) VALUES ('2024-01-01T00:00:00Z','INFO','defect.logged','D-001','ann','{}')`,
		`INSERT INTO events(ts,level,type,entity_id,actor_id,payload_json) VALUES ('2024-01-01T00:01:00Z','INFO','defect.resolved','D-001','mgr','{}')`,
		`INSERT INTO events(ts,level,type,entity_id,actor_id,payload_json) VALUES ('2024-01-01T00:02:00Z','ERROR','store.save_failed',NULL,'system','{}')`,
	} {
		if _, err := r.DB.Exec(q); err != nil {
			t.Fatal(err)
		}
	}
	ctx := context.Background()
	all, err := r.LatestEvents(ctx, repo.EventFilters{})
	if err != nil || len(all) != 3 || all[0].Type != "store.save_failed" {
		t.Fatalf("unexpected events %+v %v", all, err)
	}
	byEntity, _ := r.LatestEvents(ctx, repo.EventFilters{EntityID: "d-001"})
	if len(byEntity) != 2 {
		t.Fatalf("expected 2 events for D-001, got %d", len(byEntity))
	}
	errs, _ := r.LatestEvents(ctx, repo.EventFilters{Level: "error"})
	if len(errs) != 1 || errs[0].EntityID != "" {
		t.Fatalf("unexpected error events %+v", errs)
	}
	page, _ := r.LatestEvents(ctx, repo.EventFilters{Cursor: all[0].ID, Limit: 1})
	if len(page) != 1 || page[0].ID != all[1].ID {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestPgStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("DEFECTLINE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DEFECTLINE_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := repo.OpenPg(ctx, dsn)
	if err != nil {
		t.Fatalf("open pg: %v", err)
	}
	defer s.Close()
	want := sample()
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertRoundTrip(t, want, got)
	if err := s.Save(ctx, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
}

func TestResolvedWithoutTimestampRejected(t *testing.T) {
	bad := sample()[:1]
	bad[0].Resolved = true
	bad[0].ResolvedAt = nil
	ctx := context.Background()

	r := newRepo(t)
	if err := r.Save(ctx, bad); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := r.Load(ctx); err == nil {
		t.Fatalf("sqlite: expected resolved/resolved_at mismatch error")
	}

	dsn := os.Getenv("DEFECTLINE_TEST_PG_DSN")
	if dsn == "" {
		return
	}
	s, err := repo.OpenPg(ctx, dsn)
	if err != nil {
		t.Fatalf("open pg: %v", err)
	}
	defer s.Close()
	defer s.Save(ctx, nil)
	if err := s.Save(ctx, bad); err != nil {
		t.Fatalf("pg save: %v", err)
	}
	if _, err := s.Load(ctx); err == nil {
		t.Fatalf("postgres: expected resolved/resolved_at mismatch error")
	}
}
