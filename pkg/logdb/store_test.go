package logdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "logs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i, rec := range []Record{
		{ID: "r1", Path: "/v1/chat/completions", Model: "gpt-4", Provider: "a", Status: 200, LatencyMS: 120, PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		{ID: "r2", Path: "/v1/messages", Model: "my-claude", EffectiveModel: "claude-3-5-sonnet", Provider: "b", Streaming: true, Status: 200, FirstTokenMS: 40},
		{ID: "r3", Path: "/v1/chat/completions", Model: "gpt-4", Status: 502},
	} {
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("insert %s: %v", rec.ID, err)
		}
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d rows", len(recent))
	}
	if recent[0].ID != "r3" || recent[1].ID != "r2" {
		t.Fatalf("order = %s, %s", recent[0].ID, recent[1].ID)
	}
	if !recent[1].Streaming || recent[1].EffectiveModel != "claude-3-5-sonnet" {
		t.Fatalf("row mangled: %+v", recent[1])
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	old := Record{ID: "old", Path: "/p", CreatedAt: time.Now().AddDate(0, 0, -10)}
	fresh := Record{ID: "fresh", Path: "/p", CreatedAt: time.Now()}
	for _, rec := range []Record{old, fresh} {
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	n, err := s.Prune(ctx, time.Now().AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	recent, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "fresh" {
		t.Fatalf("rows after prune: %+v", recent)
	}
}
