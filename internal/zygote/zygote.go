// Package zygote implements the Zygote Registry: the set of active zygote
// processes keyed by pid, each carrying the mount-namespace identity the
// Classifier later compares forked children against.
package zygote

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/proclineage/zsentinel/internal/procfs"
)

// zygoteOpts is the PTRACE_SETOPTIONS mask every registered zygote carries,
// per spec §4.3.
const zygoteOpts = unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACEEXIT

// Registry tracks zygote_map: pid -> mount-namespace identity. It is private
// to the controller thread (spec §5) and so holds no internal lock.
type Registry struct {
	fs  procfs.FS
	ns  map[int]procfs.NSIdentity
	ord []int // registration order, for stable iteration in tests
}

// New creates an empty Registry.
func New(fs procfs.FS) *Registry {
	return &Registry{fs: fs, ns: make(map[int]procfs.NSIdentity)}
}

// Has reports whether pid is a known zygote.
func (r *Registry) Has(pid int) bool {
	_, ok := r.ns[pid]
	return ok
}

// NS returns the recorded namespace identity for pid.
func (r *Registry) NS(pid int) (procfs.NSIdentity, bool) {
	ns, ok := r.ns[pid]
	return ns, ok
}

// Erase removes pid from the registry (spec §3: zygote lifecycle ends on
// PTRACE_EVENT_EXIT or any unexpected event).
func (r *Registry) Erase(pid int) {
	if _, ok := r.ns[pid]; !ok {
		return
	}
	delete(r.ns, pid)
	for i, p := range r.ord {
		if p == pid {
			r.ord = append(r.ord[:i], r.ord[i+1:]...)
			break
		}
	}
}

// Len returns the number of tracked zygotes.
func (r *Registry) Len() int { return len(r.ord) }

// Reset empties the registry (controller teardown, §5, §8 S6).
func (r *Registry) Reset() {
	r.ns = make(map[int]procfs.NSIdentity)
	r.ord = nil
}

// ForEach invokes f once per tracked zygote (pid, namespace).
func (r *Registry) ForEach(f func(pid int, ns procfs.NSIdentity)) {
	for _, pid := range r.ord {
		f(pid, r.ns[pid])
	}
}

// Attacher performs the raw ptrace syscalls Register needs. Grounded on the
// unix.Ptrace*/Wait4 idiom in in-toto-go-witness's linux tracer.
type Attacher interface {
	PtraceAttach(pid int) error
	Wait(pid int) error
	PtraceSetOptions(pid int, options int) error
	PtraceCont(pid int, signal int) error
}

// UnixAttacher is the real Attacher backed by golang.org/x/sys/unix.
type UnixAttacher struct{}

func (UnixAttacher) PtraceAttach(pid int) error { return unix.PtraceAttach(pid) }

func (UnixAttacher) Wait(pid int) error {
	var status unix.WaitStatus
	_, err := unix.Wait4(pid, &status, unix.WALL|unix.WNOTHREAD, nil)
	return err
}

func (UnixAttacher) PtraceSetOptions(pid int, options int) error {
	return unix.PtraceSetOptions(pid, options)
}

func (UnixAttacher) PtraceCont(pid int, signal int) error {
	return unix.PtraceCont(pid, signal)
}

// Register implements spec §4.3 register(pid):
//  1. Read mnt_ns(pid); on failure, return without recording.
//  2. If pid already tracked, update its namespace only (re-exec handling,
//     idempotent per §9's reentrancy note).
//  3. Otherwise PTRACE_ATTACH, wait for the initial stop, set options, and
//     continue the new zygote.
func Register(fs procfs.FS, a Attacher, r *Registry, pid int) error {
	ns, err := procfs.MountNS(fs, pid)
	if err != nil {
		return nil
	}

	if r.Has(pid) {
		r.ns[pid] = ns
		return nil
	}

	r.ns[pid] = ns
	r.ord = append(r.ord, pid)

	if err := a.PtraceAttach(pid); err != nil {
		r.Erase(pid)
		return fmt.Errorf("zygote: ptrace attach pid %d: %w", pid, err)
	}
	if err := a.Wait(pid); err != nil {
		r.Erase(pid)
		return fmt.Errorf("zygote: wait for initial stop pid %d: %w", pid, err)
	}
	if err := a.PtraceSetOptions(pid, zygoteOpts); err != nil {
		r.Erase(pid)
		return fmt.Errorf("zygote: set options pid %d: %w", pid, err)
	}
	if err := a.PtraceCont(pid, 0); err != nil {
		r.Erase(pid)
		return fmt.Errorf("zygote: cont pid %d: %w", pid, err)
	}
	return nil
}

// IsZygoteDone reports whether all zygotes for the platform word size have
// been found: at least 2 on 64-bit, at least 1 on 32-bit (spec §3/§4.3).
func IsZygoteDone(r *Registry, is64Bit bool) bool {
	if is64Bit {
		return r.Len() >= 2
	}
	return r.Len() >= 1
}

// zygotePrefix is the argv[0] prefix identifying a zygote process
// (spec §4.3: "cmdline begins with zygote").
const zygotePrefix = "zygote"

// Scan implements spec §4.3 scan(): enumerate all PIDs; for each whose
// cmdline begins with "zygote" and whose parent is PID 1, call Register.
// Returns true if, after this scan, IsZygoteDone holds (caller disables the
// periodic timer in that case).
func Scan(fs procfs.FS, a Attacher, r *Registry, is64Bit bool) (bool, error) {
	err := procfs.IteratePIDs(fs, func(pid int) bool {
		cmdline, cerr := procfs.Cmdline(fs, pid)
		if cerr != nil || !strings.HasPrefix(cmdline, zygotePrefix) {
			return true
		}
		ppid, perr := procfs.ParentPID(fs, pid)
		if perr != nil || ppid != 1 {
			return true
		}
		_ = Register(fs, a, r, pid)
		return true
	})
	if err != nil {
		return IsZygoteDone(r, is64Bit), err
	}
	return IsZygoteDone(r, is64Bit), nil
}
