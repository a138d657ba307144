package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "health-journal.db"))
	if err != nil {
		t.Fatalf("journal open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestJournalAppendAndRecent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	recs := []Record{
		{OccurredAt: base, InstanceID: "inst-1", Kind: KindStartup, Subject: "config", Success: true},
		{OccurredAt: base.Add(time.Second), InstanceID: "inst-1", Kind: KindCleanup, Subject: "process", Success: true, Detail: "cleaned 2"},
		{OccurredAt: base.Add(2 * time.Second), InstanceID: "inst-1", Kind: KindRecovery, Subject: "session-restart", Success: false, Detail: "consent declined"},
	}
	for _, r := range recs {
		if err := db.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := db.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].Kind != KindRecovery || got[0].Success || got[0].Detail != "consent declined" {
		t.Fatalf("newest record wrong: %+v", got[0])
	}
	if got[2].Kind != KindStartup || !got[2].Success {
		t.Fatalf("oldest record wrong: %+v", got[2])
	}

	limited, err := db.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("recent limited: %v", err)
	}
	if len(limited) != 1 || limited[0].Kind != KindRecovery {
		t.Fatalf("limit not applied: %+v", limited)
	}
}

func TestJournalRecentByKind(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := db.Append(ctx, Record{InstanceID: "inst-1", Kind: KindCleanup, Subject: "process", Success: true}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := db.Append(ctx, Record{InstanceID: "inst-1", Kind: KindRecovery, Subject: "app-restart", Success: true}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := db.RecentByKind(ctx, KindCleanup, 0)
	if err != nil {
		t.Fatalf("recent by kind: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 cleanup records, got %d", len(got))
	}
	for _, r := range got {
		if r.Kind != KindCleanup {
			t.Fatalf("foreign kind leaked in: %+v", r)
		}
	}
}

func TestJournalAppendFillsTimestamp(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	if err := db.Append(ctx, Record{InstanceID: "inst-1", Kind: KindStartup, Subject: "disk", Success: true}); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := db.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].OccurredAt.Before(before) {
		t.Fatalf("timestamp not filled: %+v", got)
	}
}

func TestJournalPurgeOlderThan(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := db.Append(ctx, Record{OccurredAt: old, InstanceID: "inst-0", Kind: KindCleanup, Subject: "process", Success: true}); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := db.Append(ctx, Record{InstanceID: "inst-1", Kind: KindCleanup, Subject: "process", Success: true}); err != nil {
		t.Fatalf("append new: %v", err)
	}

	n, err := db.PurgeOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged record, got %d", n)
	}
	left, err := db.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(left) != 1 || left[0].InstanceID != "inst-1" {
		t.Fatalf("unexpected survivors: %+v", left)
	}
}

func TestJournalRejectsEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
