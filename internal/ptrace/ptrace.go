// Package ptrace implements the Ptrace Engine: the attach/continue/detach
// state machine reacting to ptrace-stop events delivered by waitpid, per
// spec §4.5. It is the hot path of the whole monitor.
package ptrace

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/proclineage/zsentinel/internal/classify"
	"github.com/proclineage/zsentinel/internal/hidedaemon"
	"github.com/proclineage/zsentinel/internal/pidset"
	"github.com/proclineage/zsentinel/internal/procfs"
	"github.com/proclineage/zsentinel/internal/uidmap"
	"github.com/proclineage/zsentinel/internal/zygote"
)

// childOpts is the option mask a traced child receives once its first
// SIGSTOP has been confirmed to belong to a process, not a thread (§4.5).
const childOpts = unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEEXIT

// Raw is the ptrace surface the Engine needs beyond what zygote.Attacher
// covers, grounded on the unix.Ptrace* idiom in in-toto-go-witness's linux
// tracer (tracer_linux.go).
type Raw interface {
	GetEventMsg(pid int) (uint, error)
	Cont(pid int, signal int) error
	Detach(pid int, signal int) error
	SetOptions(pid int, options int) error
}

// UnixRaw is the real Raw backed by golang.org/x/sys/unix.
type UnixRaw struct{}

func (UnixRaw) GetEventMsg(pid int) (uint, error) { return unix.PtraceGetEventMsg(pid) }
func (UnixRaw) Cont(pid, signal int) error        { return unix.PtraceCont(pid, signal) }

// Detach issues PTRACE_DETACH directly: unix.PtraceDetach takes no data
// argument, and the hand-off detach must deliver signal to the tracee.
func (UnixRaw) Detach(pid, signal int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(pid), 0, uintptr(signal), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (UnixRaw) SetOptions(pid, options int) error { return unix.PtraceSetOptions(pid, options) }

// detacherAdapter satisfies classify.Detacher on top of Raw, so the
// Classifier never needs to know about ptrace directly.
type detacherAdapter struct{ raw Raw }

func (d detacherAdapter) DetachPlain(pid int) error   { return d.raw.Detach(pid, 0) }
func (d detacherAdapter) DetachHandoff(pid int) error { return d.raw.Detach(pid, int(unix.SIGSTOP)) }

// Engine owns the attaches set and dispatches every waitpid return either to
// the Zygote Registry or to child-tracking logic, per spec §4.5. It is
// private to the controller's single OS thread (spec §5) and holds no
// internal lock.
type Engine struct {
	fs       procfs.FS
	raw      Raw
	zygotes  *zygote.Registry
	attacher zygote.Attacher
	attaches pidset.Set
	uids     *uidmap.Map
	hide     hidedaemon.HideDaemon
	detacher classify.Detacher

	is64Bit bool
}

// New builds an Engine. attaches should be sized via pidset.New(pidMax).
func New(fs procfs.FS, raw Raw, attacher zygote.Attacher, zygotes *zygote.Registry, attaches pidset.Set, uids *uidmap.Map, hide hidedaemon.HideDaemon, is64Bit bool) *Engine {
	return &Engine{
		fs:       fs,
		raw:      raw,
		zygotes:  zygotes,
		attacher: attacher,
		attaches: attaches,
		uids:     uids,
		hide:     hide,
		detacher: detacherAdapter{raw: raw},
		is64Bit:  is64Bit,
	}
}

// Reset clears the attaches set (used by controller teardown, §5, §8 S6).
func (e *Engine) Reset() { e.attaches.Reset() }

// Dispatch handles one waitpid(-1, ...) return, exactly implementing the
// event tree of spec §4.5.
func (e *Engine) Dispatch(pid int, status unix.WaitStatus) {
	if !status.Stopped() {
		// Not a ptrace-stop: kill any stale attach tracking for pid and
		// detach unconditionally (mirrors detach_pid's unconditional
		// attaches[pid]=false + PTRACE_DETACH, tolerant of an already-dead
		// pid).
		e.attaches.Clear(pid)
		_ = e.raw.Detach(pid, 0)
		return
	}

	signal := status.StopSignal()
	event := status.TrapCause()

	// event == 0 is a bare SIGTRAP (e.g. a breakpoint in the traced binary),
	// not a PTRACE_EVENT_*; only a nonzero event is ours to dispatch.
	if signal == unix.SIGTRAP && event > 0 {
		e.dispatchEvent(pid, event)
		return
	}

	if signal == unix.SIGSTOP {
		e.dispatchSigstop(pid)
		return
	}

	// Any other stop signal: transparently forward it, per §4.5's final
	// bullet ("continue the tracee").
	if err := e.raw.Cont(pid, int(signal)); err != nil && err != unix.ESRCH {
		_ = fmt.Errorf("ptrace: forward signal %d to pid %d: %w", signal, pid, err)
	}
}

func (e *Engine) dispatchEvent(pid, event int) {
	msg, err := e.raw.GetEventMsg(pid)
	if err != nil {
		// pid vanished between the stop and GetEventMsg; nothing to detach.
		e.attaches.Clear(pid)
		return
	}

	if e.zygotes.Has(pid) {
		switch event {
		case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
			// New child pid recorded as attaching, unseen (§3 lifecycle).
			e.attaches.Mark(int(msg))
		default:
			// EXIT or anything else: zygote is gone. Erase and detach
			// without continuing (spec: "do not PTRACE_CONT").
			e.zygotes.Erase(pid)
			_ = e.raw.Detach(pid, 0)
			return
		}
		if err := e.raw.Cont(pid, 0); err != nil && err != unix.ESRCH {
			_ = fmt.Errorf("ptrace: cont zygote pid %d: %w", pid, err)
		}
		return
	}

	// pid is a traced child.
	switch event {
	case unix.PTRACE_EVENT_CLONE:
		if e.attaches.Has(pid) {
			verdict := classify.Classify(e.fs, e.uids, e.zygotes, e.detacher, e.hide, pid)
			switch verdict {
			case classify.NotReady:
				// Classifier returned without detaching; continue the
				// tracee explicitly and re-examine on the next clone.
				if err := e.raw.Cont(pid, 0); err != nil && err != unix.ESRCH {
					_ = fmt.Errorf("ptrace: cont not-ready pid %d: %w", pid, err)
				}
				return
			default:
				// Every other verdict already detached pid.
				e.attaches.Clear(pid)
				return
			}
		}
	case unix.PTRACE_EVENT_EXEC, unix.PTRACE_EVENT_EXIT:
		e.attaches.Clear(pid)
		_ = e.raw.Detach(pid, 0)
		return
	default:
		e.attaches.Clear(pid)
		_ = e.raw.Detach(pid, 0)
		return
	}
	if err := e.raw.Cont(pid, 0); err != nil && err != unix.ESRCH {
		_ = fmt.Errorf("ptrace: cont pid %d: %w", pid, err)
	}
}

func (e *Engine) dispatchSigstop(pid int) {
	if !e.attaches.Has(pid) {
		isProc, err := procfs.IsProcess(e.fs, pid)
		if err == nil && isProc {
			e.attaches.Mark(pid)
		}
	}

	if e.attaches.Has(pid) {
		if err := e.raw.SetOptions(pid, childOpts); err != nil && err != unix.ESRCH {
			_ = fmt.Errorf("ptrace: set options pid %d: %w", pid, err)
			e.attaches.Clear(pid)
			_ = e.raw.Detach(pid, 0)
			return
		}
		if err := e.raw.Cont(pid, 0); err != nil && err != unix.ESRCH {
			_ = fmt.Errorf("ptrace: cont pid %d: %w", pid, err)
		}
		return
	}

	// Thread, or already dead: don't monitor.
	e.attaches.Clear(pid)
	_ = e.raw.Detach(pid, 0)
}

// RegisterZygote wraps zygote.Register using the Engine's own fs/attacher,
// for the Zygote Registry's initial and periodic scans.
func (e *Engine) RegisterZygote(pid int) error {
	return zygote.Register(e.fs, e.attacher, e.zygotes, pid)
}

// ScanZygotes wraps zygote.Scan, reporting whether all zygotes are now
// known (caller then disables the periodic rescan timer, §4.3).
func (e *Engine) ScanZygotes() (bool, error) {
	return zygote.Scan(e.fs, e.attacher, e.zygotes, e.is64Bit)
}
