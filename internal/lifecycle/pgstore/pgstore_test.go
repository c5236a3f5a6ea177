package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/lifecycle"
	"github.com/linnemanlabs/idswatch/internal/lifecycle/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("IDSWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("IDSWATCH_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func record(key string, from, to alert.Status, at time.Time) *lifecycle.Record {
	return &lifecycle.Record{
		ID:    ulid.Make().String(),
		Key:   key,
		From:  from,
		To:    to,
		Actor: "analyst",
		At:    at,
	}
}

func TestAppendAndHistory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	key := "test-history-" + ulid.Make().String()
	now := time.Now().Truncate(time.Microsecond).UTC()
	first := record(key, alert.StatusNew, alert.StatusInvestigating, now)
	second := record(key, alert.StatusInvestigating, alert.StatusResolved, now.Add(time.Second))

	for _, r := range []*lifecycle.Record{first, second} {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.History(ctx, key)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != first.ID || got[1].ID != second.ID {
		t.Errorf("order mismatch: %s, %s", got[0].ID, got[1].ID)
	}
	if got[1].To != alert.StatusResolved || got[1].Actor != "analyst" {
		t.Errorf("record = %+v", got[1])
	}
	if !got[0].At.Equal(now) {
		t.Errorf("At = %v, want %v", got[0].At, now)
	}
}

func TestAppendIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	key := "test-idem-" + ulid.Make().String()
	r := record(key, alert.StatusNew, alert.StatusResolved, time.Now().UTC())
	if err := s.Append(ctx, r); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, r); err != nil {
		t.Fatalf("second Append: %v", err)
	}

	got, err := s.History(ctx, key)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}

func TestLatest(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	key := "test-latest-" + ulid.Make().String()
	now := time.Now().UTC()
	_ = s.Append(ctx, record(key, alert.StatusNew, alert.StatusResolved, now))
	_ = s.Append(ctx, record(key, alert.StatusResolved, alert.StatusInvestigating, now.Add(time.Second)))

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest[key] != alert.StatusInvestigating {
		t.Errorf("latest[%s] = %q, want %q", key, latest[key], alert.StatusInvestigating)
	}
}

func TestHistoryMissing(t *testing.T) {
	s := openStore(t)

	got, err := s.History(context.Background(), "nonexistent-"+ulid.Make().String())
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}
