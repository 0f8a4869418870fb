// Package hideset implements the hide_set data model: the set of
// (package, process) rules the external control plane maintains and the
// monitor only ever reads under the shared monitor lock.
package hideset

import "sync"

// IsolatedMagic is the reserved package-name sentinel marking an
// isolated-process rule (process name matched by prefix against isolated
// processes' cmdline rather than against an installed package's uid).
const IsolatedMagic = "isolated_magic_package_name"

// Rule is one (package_name, process_name) pair from the hide_set.
type Rule struct {
	Package string
	Process string
}

// IsIsolated reports whether this rule targets isolated processes.
func (r Rule) IsIsolated() bool { return r.Package == IsolatedMagic }

// Store holds the hide_set rules under a caller-supplied lock. The lock is
// shared with uidmap.Map so that a Refresh() sees a consistent snapshot of
// hide_set relative to concurrent external mutation, matching the spec's
// single monitor_lock design (§3, §5).
type Store struct {
	mu    *sync.RWMutex
	rules []Rule
}

// New creates a Store guarded by lock. lock must be the same *sync.RWMutex
// passed to the uidmap.Map that refreshes from this store.
func New(lock *sync.RWMutex) *Store {
	return &Store{mu: lock}
}

// Set replaces the entire rule set. This is the control-plane write path;
// callers (outside this package) must hold no other lock when calling it.
func (s *Store) Set(rules []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append([]Rule(nil), rules...)
}

// Add appends a single rule.
func (s *Store) Add(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, r)
}

// Remove deletes every rule matching r exactly.
func (s *Store) Remove(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rules[:0]
	for _, existing := range s.rules {
		if existing != r {
			kept = append(kept, existing)
		}
	}
	s.rules = kept
}

// Clear empties the rule set (controller teardown, §5, §8 S6).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = nil
}

// ForEach invokes f once per rule while holding the read lock. It is the
// only way uidmap.Refresh is allowed to observe hide_set, so that a
// refresh always sees a point-in-time-consistent rule set.
func (s *Store) ForEach(f func(Rule)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		f(r)
	}
}
