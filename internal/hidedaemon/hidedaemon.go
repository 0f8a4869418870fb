// Package hidedaemon defines the hide_daemon(pid) boundary: the external
// collaborator the spec reserves for mutating a stopped target's mount
// namespace. The monitor hands off ownership of the stopped pid and never
// observes completion (spec §1, §6).
package hidedaemon

import (
	"os/exec"
	"strconv"

	"github.com/sirupsen/logrus"
)

// HideDaemon is invoked exactly once per AppTarget verdict, after the child
// has been detached with SIGSTOP and left group-stopped.
type HideDaemon interface {
	// Invoke hands pid off to the hide daemon. Fire-and-forget: the core
	// does not wait for or observe the daemon's completion.
	Invoke(pid int)
}

// ExecDaemon is the default HideDaemon: it launches an external binary with
// the target pid as its sole argument and does not wait for it, matching
// the spec's "the core hands off ownership ... and does not observe its
// completion" contract.
type ExecDaemon struct {
	// Path is the hide-daemon executable to launch.
	Path string
	Log  *logrus.Logger
}

// NewExecDaemon builds an ExecDaemon logging through log.
func NewExecDaemon(path string, log *logrus.Logger) *ExecDaemon {
	return &ExecDaemon{Path: path, Log: log}
}

func (d *ExecDaemon) Invoke(pid int) {
	cmd := exec.Command(d.Path, strconv.Itoa(pid))
	if err := cmd.Start(); err != nil {
		d.Log.WithError(err).WithField("pid", pid).Warn("hide_daemon: failed to launch")
		return
	}
	// Fire-and-forget: reap asynchronously so the child doesn't zombie, but
	// never block the controller thread on its exit.
	go func() {
		_ = cmd.Wait()
	}()
}
