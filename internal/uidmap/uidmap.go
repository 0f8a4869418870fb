// Package uidmap implements the UID-Proc Map: the mapping from installed
// app uid (or -1 for isolated processes) to the ordered list of target
// process names that uid should match against, rebuilt from hide_set ∪ the
// per-user app-data directories on disk.
package uidmap

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/proclineage/zsentinel/internal/hideset"
	"github.com/proclineage/zsentinel/internal/procfs"
)

// IsolatedUID is the reserved key for isolated-process rules.
const IsolatedUID = -1

// Map holds the uid -> []process-name mapping under the lock shared with
// the hideset.Store it refreshes from (spec §3/§5's single monitor_lock).
type Map struct {
	mu   *sync.RWMutex
	data map[int][]string
}

// New creates a Map guarded by lock, the same lock passed to the
// hideset.Store whose rules Refresh reads.
func New(lock *sync.RWMutex) *Map {
	return &Map{mu: lock, data: make(map[int][]string)}
}

// Lookup returns the process-name list for uid (or IsolatedUID), and
// whether any entry exists.
func (m *Map) Lookup(uid int) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names, ok := m.data[uid]
	return names, ok
}

// Refresh rebuilds the map from scratch per spec §4.2:
//  1. Clear uid_proc_map.
//  2. For each user directory under appDataRoot:
//     for each hide_set rule (pkg, proc):
//     - isolated rule, first user iteration only: append proc under -1.
//     - else: stat <appDataRoot>/<user>/<pkg>; if present, append proc
//     under the stat'd owning uid.
//
// Refresh takes hideset's lock internally via store.ForEach and its own
// lock for the write half; both locks are the same *sync.RWMutex, so each
// half is serialised against concurrent hide_set mutation and concurrent
// classifier reads. The operation as a whole is not atomic: the
// filesystem stats run outside the lock, and a hide_set change made after
// the snapshot is not reflected in the map this call installs.
func (m *Map) Refresh(fs procfs.FS, appDataRoot string, store *hideset.Store) error {
	users, err := fs.ReadDir(appDataRoot)
	if err != nil {
		return fmt.Errorf("uidmap: list %s: %w", appDataRoot, err)
	}

	// Snapshot hide_set under its own read lock first: m.mu and store's
	// lock are the same *sync.RWMutex (spec §3/§5's single monitor_lock),
	// and sync.RWMutex is not reentrant, so the write half below (which
	// takes the write lock) must not nest inside store.ForEach's read
	// lock. Copying the rules up front keeps the two critical sections
	// disjoint while still serialising each against concurrent mutation.
	var rules []hideset.Rule
	store.ForEach(func(r hideset.Rule) { rules = append(rules, r) })

	next := make(map[int][]string)
	firstIter := true
	for _, user := range users {
		for _, rule := range rules {
			if rule.IsIsolated() {
				if firstIter {
					next[IsolatedUID] = append(next[IsolatedUID], rule.Process)
				}
				continue
			}
			pkgPath := filepath.Join(appDataRoot, user, rule.Package)
			st, statErr := fs.Stat(pkgPath)
			if statErr != nil {
				continue
			}
			uid := int(st.Uid)
			next[uid] = append(next[uid], rule.Process)
		}
		firstIter = false
	}

	m.mu.Lock()
	m.data = next
	m.mu.Unlock()
	return nil
}

// Clear empties the map (controller teardown, §5, §8 S6).
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[int][]string)
}
