// Package procfs implements the Proc-FS Reader component: the handful of
// /proc reads the rest of the monitor builds on. Every operation here
// collapses any transient read failure into ErrProcessVanished, matching
// the spec's "treat as process died" contract (callers must tolerate it,
// never log it above Debug).
package procfs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrProcessVanished is returned whenever a /proc read fails because the
// process has already died (ENOENT/ESRCH) or disappeared mid-read.
var ErrProcessVanished = errors.New("procfs: process vanished")

// NSIdentity is the (device, inode) pair identifying a mount namespace.
// Two processes share a namespace iff both fields match.
type NSIdentity struct {
	Dev uint64
	Ino uint64
}

// FS abstracts the raw filesystem/stat calls procfs makes, so tests can
// substitute an in-memory fake instead of a real /proc. Grounded on the
// syscallDispatcher pattern in FortressOS-hakurei/system/dispatcher.go.
type FS interface {
	ReadFile(path string) ([]byte, error)
	Stat(path string) (unix.Stat_t, error)
	ReadDir(path string) ([]string, error)
}

// OSFS is the real FS backed by the kernel's /proc.
type OSFS struct{}

func (OSFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (OSFS) Stat(path string) (unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return unix.Stat_t{}, err
	}
	return st, nil
}

func (OSFS) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func vanished(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ESRCH) {
		return ErrProcessVanished
	}
	return err
}

// ParentPID parses field 4 (ppid) of /proc/<pid>/stat.
func ParentPID(fs FS, pid int) (int, error) {
	data, err := fs.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, vanished(err)
	}

	// Format: "pid (comm) state ppid ...". comm may itself contain spaces
	// or parens, so split on the last ')' rather than whitespace.
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 || close+1 >= len(s) {
		return 0, fmt.Errorf("procfs: malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[close+1:])
	if len(fields) < 2 {
		return 0, fmt.Errorf("procfs: malformed stat for pid %d", pid)
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("procfs: parse ppid for pid %d: %w", pid, err)
	}
	return ppid, nil
}

// MountNS stats /proc/<pid>/ns/mnt and returns its namespace identity.
func MountNS(fs FS, pid int) (NSIdentity, error) {
	st, err := fs.Stat(fmt.Sprintf("/proc/%d/ns/mnt", pid))
	if err != nil {
		return NSIdentity{}, vanished(err)
	}
	return NSIdentity{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}

// Cmdline returns argv[0] of /proc/<pid>/cmdline (NUL-delimited; only the
// first token is used, per spec).
func Cmdline(fs FS, pid int) (string, error) {
	data, err := fs.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", vanished(err)
	}
	if i := strings.IndexByte(string(data), 0); i >= 0 {
		return string(data[:i]), nil
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// IsProcess reports whether pid is a thread-group leader (Tgid == pid),
// i.e. a process rather than a thread, by parsing /proc/<pid>/status.
func IsProcess(fs FS, pid int) (bool, error) {
	data, err := fs.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return false, vanished(err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Tgid:") {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				return false, fmt.Errorf("procfs: malformed Tgid line for pid %d", pid)
			}
			tgid, err := strconv.Atoi(fields[1])
			if err != nil {
				return false, fmt.Errorf("procfs: parse Tgid for pid %d: %w", pid, err)
			}
			return tgid == pid, nil
		}
	}
	return false, fmt.Errorf("procfs: no Tgid line for pid %d", pid)
}

// UID reads the owning uid of /proc/<pid> itself (st_uid of the stat call),
// used by the classifier to key into the uid_proc_map.
func UID(fs FS, pid int) (int, error) {
	st, err := fs.Stat(fmt.Sprintf("/proc/%d", pid))
	if err != nil {
		return 0, vanished(err)
	}
	return int(st.Uid), nil
}

// IteratePIDs enumerates the numeric entries of /proc and invokes f(pid)
// for each. A false return from f stops iteration early.
func IteratePIDs(fs FS, f func(pid int) bool) error {
	names, err := fs.ReadDir("/proc")
	if err != nil {
		return err
	}
	for _, name := range names {
		pid, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		if !f(pid) {
			break
		}
	}
	return nil
}
