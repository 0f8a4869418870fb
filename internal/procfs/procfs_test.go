package procfs_test

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/proclineage/zsentinel/internal/procfs"
)

// fakeFS is an in-memory procfs.FS for table-driven tests.
type fakeFS struct {
	files map[string][]byte
	stats map[string]unix.Stat_t
	dirs  map[string][]string
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		files: make(map[string][]byte),
		stats: make(map[string]unix.Stat_t),
		dirs:  make(map[string][]string),
	}
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

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

func TestParentPID(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		stat    string
		want    int
		wantErr bool
	}{
		{"simple", "200 (zygote) S 100 200 200 0 -1 4194624 0 0 0 0 0 0 0 0", 100, false},
		{"comm with spaces and parens", "201 (com.example (fork)) S 1 201 201 0 -1 4194624 0 0 0 0 0 0 0 0", 1, false},
		{"malformed", "201 ()", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := newFakeFS()
			fs.files["/proc/201/stat"] = []byte(tc.stat)
			got, err := procfs.ParentPID(fs, 201)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParentPID: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParentPID: unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("ParentPID = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestParentPIDVanished(t *testing.T) {
	t.Parallel()
	fs := newFakeFS()
	_, err := procfs.ParentPID(fs, 999)
	if !errors.Is(err, procfs.ErrProcessVanished) {
		t.Fatalf("ParentPID: got %v, want ErrProcessVanished", err)
	}
}

func TestMountNS(t *testing.T) {
	t.Parallel()
	fs := newFakeFS()
	fs.stats["/proc/100/ns/mnt"] = unix.Stat_t{Dev: 8, Ino: 499}
	ns, err := procfs.MountNS(fs, 100)
	if err != nil {
		t.Fatalf("MountNS: unexpected error: %v", err)
	}
	if ns != (procfs.NSIdentity{Dev: 8, Ino: 499}) {
		t.Errorf("MountNS = %+v, want {8 499}", ns)
	}
}

func TestCmdline(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		cmdline []byte
		want    string
	}{
		{"nul terminated", []byte("com.example\x00--flag\x00"), "com.example"},
		{"no nul", []byte("zygote64"), "zygote64"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := newFakeFS()
			fs.files["/proc/50/cmdline"] = tc.cmdline
			got, err := procfs.Cmdline(fs, 50)
			if err != nil {
				t.Fatalf("Cmdline: unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Cmdline = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsProcess(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		status string
		pid    int
		want   bool
	}{
		{"leader", "Name:\tzygote\nState:\tS\nTgid:\t200\n", 200, true},
		{"thread", "Name:\tbinder\nState:\tS\nTgid:\t150\n", 203, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := newFakeFS()
			fs.files[fmt.Sprintf("/proc/%d/status", tc.pid)] = []byte(tc.status)
			got, err := procfs.IsProcess(fs, tc.pid)
			if err != nil {
				t.Fatalf("IsProcess: unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("IsProcess = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestUID(t *testing.T) {
	t.Parallel()
	fs := newFakeFS()
	fs.stats["/proc/201"] = unix.Stat_t{Uid: 10101}
	got, err := procfs.UID(fs, 201)
	if err != nil {
		t.Fatalf("UID: unexpected error: %v", err)
	}
	if got != 10101 {
		t.Errorf("UID = %d, want 10101", got)
	}
}

func TestIteratePIDs(t *testing.T) {
	t.Parallel()
	fs := newFakeFS()
	fs.dirs["/proc"] = []string{"1", "100", "self", "200", "cpuinfo"}

	var seen []int
	err := procfs.IteratePIDs(fs, func(pid int) bool {
		seen = append(seen, pid)
		return true
	})
	if err != nil {
		t.Fatalf("IteratePIDs: unexpected error: %v", err)
	}
	want := []int{1, 100, 200}
	if len(seen) != len(want) {
		t.Fatalf("IteratePIDs: got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("IteratePIDs[%d] = %d, want %d", i, seen[i], want[i])
		}
	}
}

func TestIteratePIDsStopsEarly(t *testing.T) {
	t.Parallel()
	fs := newFakeFS()
	fs.dirs["/proc"] = []string{"1", "2", "3"}

	var seen []int
	_ = procfs.IteratePIDs(fs, func(pid int) bool {
		seen = append(seen, pid)
		return pid != 2
	})
	if len(seen) != 2 {
		t.Fatalf("IteratePIDs: expected early stop after 2 entries, got %v", seen)
	}
}
