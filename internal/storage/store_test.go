package storage

import (
	"errors"
	"sort"
	"testing"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := store.Set("quote:EURUSD", []byte(`{"bid":1.085}`)); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, err := store.Get("quote:EURUSD")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(got) != `{"bid":1.085}` {
				t.Fatalf("unexpected value %q", got)
			}

			// Overwrite replaces wholesale.
			if err := store.Set("quote:EURUSD", []byte(`{"bid":1.086}`)); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, _ = store.Get("quote:EURUSD")
			if string(got) != `{"bid":1.086}` {
				t.Fatalf("unexpected value after overwrite %q", got)
			}

			if err := store.Delete("quote:EURUSD"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Get("quote:EURUSD"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
			// Deleting again is not an error.
			if err := store.Delete("quote:EURUSD"); err != nil {
				t.Fatalf("second delete: %v", err)
			}
		})
	}
}

func TestStoreKeysPrefix(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"cache:a", "cache:b", "sync_queue"} {
				if err := store.Set(key, []byte("x")); err != nil {
					t.Fatalf("set %s: %v", key, err)
				}
			}
			keys, err := store.Keys("cache:")
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			sort.Strings(keys)
			if len(keys) != 2 || keys[0] != "cache:a" || keys[1] != "cache:b" {
				t.Fatalf("unexpected keys %v", keys)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Set("sync_queue", []byte(`[]`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get("sync_queue")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(got) != `[]` {
		t.Fatalf("unexpected value %q", got)
	}
}
