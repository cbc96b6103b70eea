package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeDoc(t *testing.T, path, doc string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func TestReloadIfChangedSwapsOnValidUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uniapi.yaml")
	writeDoc(t, path, "api_key: one\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	store := NewStore(path, cfg)
	r := NewReloader(store)

	changed, err := r.ReloadIfChanged()
	if err != nil || changed {
		t.Fatalf("unchanged file: changed=%v err=%v", changed, err)
	}

	// mtime granularity on some filesystems is a full second.
	future := time.Now().Add(2 * time.Second)
	writeDoc(t, path, "api_key: two\n")
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	changed, err = r.ReloadIfChanged()
	if err != nil || !changed {
		t.Fatalf("updated file: changed=%v err=%v", changed, err)
	}
	if store.Snapshot().APIKey != "two" {
		t.Fatalf("snapshot api_key = %q", store.Snapshot().APIKey)
	}
}

func TestReloadKeepsSnapshotOnInvalidUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uniapi.yaml")
	writeDoc(t, path, "api_key: one\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	store := NewStore(path, cfg)
	r := NewReloader(store)

	future := time.Now().Add(2 * time.Second)
	writeDoc(t, path, "providers: []\n") // missing api_key
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	changed, err := r.ReloadIfChanged()
	if err == nil || changed {
		t.Fatalf("invalid file: changed=%v err=%v", changed, err)
	}
	if store.Snapshot().APIKey != "one" {
		t.Fatalf("previous snapshot lost: %q", store.Snapshot().APIKey)
	}

	// The broken mtime is remembered; no re-parse churn until it changes.
	changed, err = r.ReloadIfChanged()
	if err != nil || changed {
		t.Fatalf("expected quiet no-op, changed=%v err=%v", changed, err)
	}
}

func TestStoreSwapHooks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uniapi.yaml")
	cfg, err := Parse([]byte("api_key: one\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	store := NewStore(path, cfg)
	var gotOld, gotNew string
	store.OnSwap(func(old, cur *Config) {
		gotOld, gotNew = old.APIKey, cur.APIKey
	})
	next, err := Parse([]byte("api_key: two\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := store.Write(next); err != nil {
		t.Fatalf("write: %v", err)
	}
	if gotOld != "one" || gotNew != "two" {
		t.Fatalf("hook saw old=%q new=%q", gotOld, gotNew)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("write did not persist: %v", err)
	}
}
