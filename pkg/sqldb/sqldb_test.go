package sqldb

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSerialPK(t *testing.T) {
	if got := DialectPostgres.SerialPK(); got != "BIGSERIAL PRIMARY KEY" {
		t.Errorf("postgres serial pk = %q", got)
	}
	if got := DialectSQLite.SerialPK(); got != "INTEGER PRIMARY KEY AUTOINCREMENT" {
		t.Errorf("sqlite serial pk = %q", got)
	}
}

func TestUnixSecondsRoundTrip(t *testing.T) {
	orig := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	back := FromUnixSeconds(UnixSeconds(orig))

	diff := back.Sub(orig)
	if diff < 0 {
		diff = -diff
	}
	if diff > time.Millisecond {
		t.Errorf("round trip drifted %v (orig %v, back %v)", diff, orig, back)
	}
}

func TestUnixSecondsPreservesOrder(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	prev := UnixSeconds(base)
	for i := 1; i <= 1000; i++ {
		cur := UnixSeconds(base.Add(time.Duration(i) * 5 * time.Millisecond))
		if cur <= prev {
			t.Fatalf("ordering lost at step %d: %v <= %v", i, cur, prev)
		}
		prev = cur
	}
}

func TestOpenFallsBackToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pulse.db")

	db, dialect, err := Open(context.Background(), "", path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if dialect != DialectSQLite {
		t.Errorf("dialect = %q, want sqlite", dialect)
	}
	if err := db.Ping(); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}
