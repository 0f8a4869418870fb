// Package classify implements the Classifier: given a freshly stopped
// child, decide whether it is a configured target and, per the verdict,
// release or hand it off to the hide daemon.
package classify

import (
	"strings"

	"github.com/proclineage/zsentinel/internal/hidedaemon"
	"github.com/proclineage/zsentinel/internal/procfs"
	"github.com/proclineage/zsentinel/internal/uidmap"
	"github.com/proclineage/zsentinel/internal/zygote"
)

// Verdict is the Classifier's output (spec §4.6), extended with NotReady per
// the UID==0 resolution in the supplemented features: the original treats a
// not-yet-re-UID'd child as "not ready, continue tracee" rather than folding
// it into NotTarget, so callers can tell the two apart and issue PTRACE_CONT
// explicitly instead of leaving the child stopped.
type Verdict int

const (
	NotTarget Verdict = iota
	IsolatedTarget
	AppZygoteTarget
	AppTarget
	NotReady
)

func (v Verdict) String() string {
	switch v {
	case NotTarget:
		return "NotTarget"
	case IsolatedTarget:
		return "IsolatedTarget"
	case AppZygoteTarget:
		return "AppZygoteTarget"
	case AppTarget:
		return "AppTarget"
	case NotReady:
		return "NotReady"
	default:
		return "Verdict(?)"
	}
}

// internalForkCmdlines are the zygote-internal fork cmdlines that are never
// targets regardless of hide_set content (spec §4.6 step 3).
var internalForkCmdlines = map[string]bool{
	"zygote":   true,
	"zygote32": true,
	"zygote64": true,
	"usap32":   true,
	"usap64":   true,
}

// isolatedAppIDFloor is the app_id (uid mod 100000) threshold above which a
// uid belongs to an isolated process (spec §4.6 step 4, GLOSSARY).
const isolatedAppIDFloor = 90000

// appIDModulus is the modulus Android uses to derive app_id from uid.
const appIDModulus = 100000

// Detacher performs the ptrace release half of a classification outcome.
// Classify never continues the tracee itself: per spec §4.6 steps 2 and 3,
// the NotReady verdict is returned "without detaching", and it is the
// Ptrace Engine's CLONE dispatch (§4.5) that issues PTRACE_CONT for it.
type Detacher interface {
	// DetachPlain releases pid with PTRACE_DETACH, data=0.
	DetachPlain(pid int) error
	// DetachHandoff releases pid with PTRACE_DETACH, data=SIGSTOP, leaving
	// it group-stopped for the hide daemon.
	DetachHandoff(pid int) error
}

// Classify implements spec §4.6's algorithm. fs reads /proc; uids is the
// uid_proc_map; zygotes is the zygote registry (for the ns-unshared check);
// detacher and hide perform the side effects.
func Classify(fs procfs.FS, uids *uidmap.Map, zygotes *zygote.Registry, detacher Detacher, hide hidedaemon.HideDaemon, pid int) Verdict {
	// 1. Gone already: detach, report handled as NotTarget.
	uid, err := procfs.UID(fs, pid)
	if err != nil {
		_ = detacher.DetachPlain(pid)
		return NotTarget
	}

	// 2. UID == 0: not yet re-UID'd by the zygote. Per the supplemented
	// UID==0 resolution, return without detaching; the Ptrace Engine issues
	// PTRACE_CONT explicitly for NotReady and the next clone event will
	// re-examine once the real uid lands.
	if uid == 0 {
		return NotReady
	}

	cmdline, err := procfs.Cmdline(fs, pid)
	if err != nil {
		_ = detacher.DetachPlain(pid)
		return NotTarget
	}

	// 3. Internal zygote-family fork: never a target, also returned
	// without detaching (same NotReady/continue contract as UID == 0).
	if internalForkCmdlines[cmdline] {
		return NotReady
	}

	appID := uid % appIDModulus

	// 4. Isolated-process path.
	if appID > isolatedAppIDFloor {
		if names, ok := uids.Lookup(uidmap.IsolatedUID); ok {
			for _, name := range names {
				if strings.HasPrefix(cmdline, name) {
					_ = detacher.DetachPlain(pid)
					return IsolatedTarget
				}
			}
		}
		_ = detacher.DetachPlain(pid)
		return NotTarget
	}

	// 5. Regular app path.
	names, ok := uids.Lookup(uid)
	if ok {
		for _, name := range names {
			if cmdline != name {
				continue
			}
			if strings.HasSuffix(name, "_zygote") {
				_ = detacher.DetachPlain(pid)
				return AppZygoteTarget
			}

			childNS, nsErr := procfs.MountNS(fs, pid)
			if nsErr != nil {
				_ = detacher.DetachPlain(pid)
				return NotTarget
			}
			sharesZygoteNS := false
			zygotes.ForEach(func(_ int, zns procfs.NSIdentity) {
				if zns == childNS {
					sharesZygoteNS = true
				}
			})
			if sharesZygoteNS {
				// Not yet unshared; this fork is not (yet) our target.
				_ = detacher.DetachPlain(pid)
				return NotTarget
			}

			_ = detacher.DetachHandoff(pid)
			hide.Invoke(pid)
			return AppTarget
		}
	}

	// 6. Fall through.
	_ = detacher.DetachPlain(pid)
	return NotTarget
}
