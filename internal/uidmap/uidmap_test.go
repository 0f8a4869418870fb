package uidmap_test

import (
	"os"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/proclineage/zsentinel/internal/hideset"
	"github.com/proclineage/zsentinel/internal/uidmap"
)

type fakeFS struct {
	dirs  map[string][]string
	stats map[string]unix.Stat_t
}

func (f *fakeFS) ReadFile(string) ([]byte, error) { return nil, os.ErrNotExist }

func (f *fakeFS) Stat(path string) (unix.Stat_t, error) {
	st, ok := f.stats[path]
	if !ok {
		return unix.Stat_t{}, os.ErrNotExist
	}
	return st, nil
}

func (f *fakeFS) ReadDir(path string) ([]string, error) {
	names, ok := f.dirs[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return names, nil
}

// TestRefresh exercises spec §4.2's refresh() semantics and the testable
// property in §8 invariant 4: the map after refresh contains exactly the
// (uid, proc) pairs backed by an installed package directory, plus every
// isolated rule under key -1.
func TestRefresh(t *testing.T) {
	t.Parallel()

	fs := &fakeFS{
		dirs: map[string][]string{
			"/data/user": {"0", "10"},
		},
		stats: map[string]unix.Stat_t{
			"/data/user/0/com.target": {Uid: 10101},
		},
	}

	var lock sync.RWMutex
	store := hideset.New(&lock)
	store.Set([]hideset.Rule{
		{Package: "com.target", Process: "com.target"},
		{Package: "com.missing", Process: "com.missing"},
		{Package: hideset.IsolatedMagic, Process: "com.target:iso"},
	})

	m := uidmap.New(&lock)
	if err := m.Refresh(fs, "/data/user", store); err != nil {
		t.Fatalf("Refresh: unexpected error: %v", err)
	}

	names, ok := m.Lookup(10101)
	if !ok || len(names) != 1 || names[0] != "com.target" {
		t.Errorf("Lookup(10101) = %v, %v; want [com.target], true", names, ok)
	}

	isolated, ok := m.Lookup(uidmap.IsolatedUID)
	if !ok || len(isolated) != 1 || isolated[0] != "com.target:iso" {
		t.Errorf("Lookup(IsolatedUID) = %v, %v; want [com.target:iso], true", isolated, ok)
	}

	if _, ok := m.Lookup(99999); ok {
		t.Errorf("Lookup(99999) unexpectedly found an entry")
	}
}

// TestRefreshIdempotent covers §8 invariant 5.
func TestRefreshIdempotent(t *testing.T) {
	t.Parallel()

	fs := &fakeFS{
		dirs: map[string][]string{"/data/user": {"0"}},
		stats: map[string]unix.Stat_t{
			"/data/user/0/com.target": {Uid: 10101},
		},
	}
	var lock sync.RWMutex
	store := hideset.New(&lock)
	store.Set([]hideset.Rule{{Package: "com.target", Process: "com.target"}})
	m := uidmap.New(&lock)

	if err := m.Refresh(fs, "/data/user", store); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	first, _ := m.Lookup(10101)

	if err := m.Refresh(fs, "/data/user", store); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	second, _ := m.Lookup(10101)

	if len(first) != len(second) {
		t.Fatalf("Refresh not idempotent: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("Refresh not idempotent at index %d: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	var lock sync.RWMutex
	m := uidmap.New(&lock)
	fs := &fakeFS{
		dirs:  map[string][]string{"/data/user": {"0"}},
		stats: map[string]unix.Stat_t{"/data/user/0/com.target": {Uid: 10101}},
	}
	store := hideset.New(&lock)
	store.Set([]hideset.Rule{{Package: "com.target", Process: "com.target"}})
	_ = m.Refresh(fs, "/data/user", store)

	m.Clear()
	if _, ok := m.Lookup(10101); ok {
		t.Errorf("Lookup after Clear unexpectedly found an entry")
	}
}
