package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// openStores returns every Store implementation under test.
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

// mustPut writes a value or fails the test. Every Store is also a Tx.
func mustPut(t *testing.T, s Tx, namespace, key, value string) {
	t.Helper()

	if err := s.Put(context.Background(), namespace, key, []byte(value)); err != nil {
		t.Fatalf("Put(%s, %s) failed: %v", namespace, key, err)
	}
}

// wantValue reads key and compares it against want.
func wantValue(t *testing.T, s Reader, namespace, key, want string) {
	t.Helper()

	got, err := s.Get(context.Background(), namespace, key)
	if err != nil {
		t.Fatalf("Get(%s, %s) failed: %v", namespace, key, err)
	}
	if string(got) != want {
		t.Errorf("Get(%s, %s) = %q, want %q", namespace, key, got, want)
	}
}

// wantMissing expects key to be absent.
func wantMissing(t *testing.T, s Reader, namespace, key string) {
	t.Helper()

	if _, err := s.Get(context.Background(), namespace, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(%s, %s) error = %v, want ErrNotFound", namespace, key, err)
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			wantMissing(t, s, "ns", "a")

			mustPut(t, s, "ns", "a", `1`)
			mustPut(t, s, "ns", "a", `2`)
			wantValue(t, s, "ns", "a", `2`)
			wantMissing(t, s, "other", "a")

			// Deleting twice is not an error.
			for i := 0; i < 2; i++ {
				if err := s.Delete(ctx, "ns", "a"); err != nil {
					t.Fatalf("Delete failed: %v", err)
				}
			}
			wantMissing(t, s, "ns", "a")
		})
	}
}

func TestStore_ListOrderedByKey(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"c", "a", "b"} {
				mustPut(t, s, "ns", k, k)
			}
			mustPut(t, s, "ns2", "z", "z")

			pairs, err := s.List(ctx, "ns")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(pairs) != 3 {
				t.Fatalf("Expected 3 pairs, got %d", len(pairs))
			}
			for i, want := range []string{"a", "b", "c"} {
				if pairs[i].Key != want {
					t.Errorf("pairs[%d].Key = %q, want %q", i, pairs[i].Key, want)
				}
			}
		})
	}
}

func TestStore_UpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			mustPut(t, s, "ns", "keep", `old`)

			err := s.Update(ctx, func(tx Tx) error {
				if err := tx.Put(ctx, "ns", "keep", []byte(`new`)); err != nil {
					return err
				}
				if err := tx.Put(ctx, "ns", "extra", []byte(`x`)); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("Update error = %v, want %v", err, boom)
			}

			wantValue(t, s, "ns", "keep", `old`)
			wantMissing(t, s, "ns", "extra")
		})
	}
}

func TestStore_TxSeesOwnWrites(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			mustPut(t, s, "ns", "gone", `1`)

			err := s.Update(ctx, func(tx Tx) error {
				if err := tx.Put(ctx, "ns", "fresh", []byte(`2`)); err != nil {
					return err
				}
				if err := tx.Delete(ctx, "ns", "gone"); err != nil {
					return err
				}

				wantValue(t, tx, "ns", "fresh", `2`)
				wantMissing(t, tx, "ns", "gone")

				pairs, err := tx.List(ctx, "ns")
				if err != nil {
					return err
				}
				if len(pairs) != 1 || pairs[0].Key != "fresh" {
					t.Errorf("Expected only fresh inside the transaction, got %v", pairs)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			pairs, err := s.List(ctx, "ns")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(pairs) != 1 {
				t.Errorf("Expected 1 pair after commit, got %d", len(pairs))
			}
		})
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := OpenSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	mustPut(t, s, "queue", "task/T1", `{"seq":1}`)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = OpenSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s.Close()

	wantValue(t, s, "queue", "task/T1", `{"seq":1}`)
}

func TestSQLite_SecondOpenIsLocked(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := OpenSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	if _, err := OpenSQLite(ctx, path, nil); !errors.Is(err, ErrLocked) {
		t.Errorf("Second open error = %v, want ErrLocked", err)
	}
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := m.Get(context.Background(), "ns", "a"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close error = %v, want ErrClosed", err)
	}
	if err := m.Put(context.Background(), "ns", "a", []byte(`1`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after Close error = %v, want ErrClosed", err)
	}
}
