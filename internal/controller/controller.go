// Package controller wires every other component together and implements
// the lifecycle spec §4.7 calls proc_monitor(): init, initial zygote scan,
// the merged event loop, and orderly teardown.
package controller

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"

	"github.com/proclineage/zsentinel/internal/config"
	"github.com/proclineage/zsentinel/internal/eventplane"
	"github.com/proclineage/zsentinel/internal/hidedaemon"
	"github.com/proclineage/zsentinel/internal/hideset"
	"github.com/proclineage/zsentinel/internal/pidset"
	"github.com/proclineage/zsentinel/internal/procfs"
	"github.com/proclineage/zsentinel/internal/ptrace"
	"github.com/proclineage/zsentinel/internal/uidmap"
	"github.com/proclineage/zsentinel/internal/zygote"
)

// pollInterval is how often the wait loop polls for child-status changes
// via WNOHANG. The original blocks in waitpid and wakes on signal delivery
// or EINTR; a context-cancellable Go goroutine instead polls, per the
// explicit non-blocking pollset the spec's §9 design note recommends as
// the preferred reimplementation strategy.
const pollInterval = 10 * time.Millisecond

// Controller owns every shared data structure and drives the merged event
// loop on one dedicated goroutine, matching the "one dedicated OS thread
// owns the entire core" model of spec §5 as closely as idiomatic Go
// allows: the goroutine running Run locks its OS thread for its lifetime,
// since ptrace tracer identity is bound to the issuing thread.
type Controller struct {
	cfg config.Config
	fs  procfs.FS
	log *logrus.Logger

	lock    *sync.RWMutex
	hideSet *hideset.Store
	uids    *uidmap.Map
	zygotes *zygote.Registry
	engine  *ptrace.Engine
	plane   *eventplane.Plane
	hide    hidedaemon.HideDaemon

	hideState atomic.Bool
	is64Bit   bool
}

// New constructs a Controller. hide may be nil, in which case hidedaemon
// invocations are no-ops (useful for tests exercising classification only).
func New(cfg config.Config, fs procfs.FS, log *logrus.Logger, hide hidedaemon.HideDaemon, is64Bit bool) (*Controller, error) {
	plane, err := eventplane.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("controller: init event plane: %w", err)
	}

	lock := &sync.RWMutex{}
	hideSet := hideset.New(lock)
	uids := uidmap.New(lock)
	zygotes := zygote.New(fs)

	pidMax := readPidMax(fs, cfg.PidMaxPath, log)
	attaches := pidset.New(pidMax)

	if hide == nil {
		hide = noopHideDaemon{}
	}

	engine := ptrace.New(fs, ptrace.UnixRaw{}, zygote.UnixAttacher{}, zygotes, attaches, uids, hide, is64Bit)

	c := &Controller{
		cfg:     cfg,
		fs:      fs,
		log:     log,
		lock:    lock,
		hideSet: hideSet,
		uids:    uids,
		zygotes: zygotes,
		engine:  engine,
		plane:   plane,
		hide:    hide,
		is64Bit: is64Bit,
	}
	c.hideState.Store(true)
	return c, nil
}

// HideSet exposes the hide_set store for the external control plane
// (spec §6: "monitor_lock — the mutex external writers to hide_set must
// hold" — Store's own methods already take that lock internally).
func (c *Controller) HideSet() *hideset.Store { return c.hideSet }

// HideState reports set_hide_state's current value (spec §6).
func (c *Controller) HideState() bool { return c.hideState.Load() }

func readPidMax(fs procfs.FS, path string, log *logrus.Logger) int {
	data, err := fs.ReadFile(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("controller: pid_max unreadable, assuming default")
		return pidset.PidMax
	}
	var n int
	if _, scanErr := fmt.Sscanf(string(data), "%d", &n); scanErr != nil || n <= 0 {
		return pidset.PidMax
	}
	return n
}

// Run is the controller-thread entry point (spec's proc_monitor()): it
// performs the initial zygote scan, then drives the merged select loop
// until ctx is cancelled, at which point it tears down and returns.
//
// Every PTRACE_ATTACH/PTRACE_CONT/PTRACE_DETACH/PTRACE_SETOPTIONS call and
// every wait4 poll happen on this same OS thread. A tracee's stop
// notifications are only visible to wait() calls issued by the thread that
// holds the tracer relationship, so the wait4 poll cannot live on a second
// goroutine without losing every event after the initial attach.
func (c *Controller) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if done, err := c.engine.ScanZygotes(); err != nil {
		c.log.WithError(err).Warn("controller: initial zygote scan failed")
	} else if done {
		c.plane.StopTicker()
	}

	waitTicker := time.NewTicker(pollInterval)
	defer waitTicker.Stop()

	cb := eventplane.Callbacks{
		OnPackagesChanged: func() {
			if err := c.uids.Refresh(c.fs, c.cfg.AppDataRoot, c.hideSet); err != nil {
				c.log.WithError(err).Warn("controller: uid map refresh failed")
			}
		},
		OnZygoteRescan: func() bool {
			done, err := c.engine.ScanZygotes()
			if err != nil {
				c.log.WithError(err).Debug("controller: zygote rescan failed")
			}
			return done
		},
	}

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return nil

		case event, ok := <-c.plane.Events():
			if !ok {
				continue
			}
			c.plane.Dispatch(event, cb)
			c.plane.DrainEvents(cb)

		case err, ok := <-c.plane.Errors():
			if !ok {
				continue
			}
			c.log.WithError(err).Warn("controller: inotify watcher error")

		case <-c.plane.TickC():
			if cb.OnZygoteRescan() {
				c.plane.StopTicker()
			}

		case <-waitTicker.C:
			c.pollWait()
		}
	}
}

// pollWait drains every pending wait4(WNOHANG) status change on the calling
// (tracer) thread and dispatches each to the ptrace engine.
func (c *Controller) pollWait() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WALL|unix.WNOTHREAD|unix.WNOHANG, nil)
		if err != nil {
			if err != unix.ECHILD {
				c.log.WithError(err).Warn("controller: wait4 failed")
			}
			return
		}
		if pid <= 0 {
			return
		}
		c.engine.Dispatch(pid, status)
	}
}

// teardown implements the SIGTERMTHRD handler of spec §4.4/§5 and the
// postcondition of §8 scenario S6: clear all maps, reset attaches, close
// the inotify watcher, flip hide state false.
func (c *Controller) teardown() {
	c.hideState.Store(false)
	c.engine.Reset()
	c.zygotes.Reset()
	c.uids.Clear()
	c.hideSet.Clear()
	if err := c.plane.Close(); err != nil {
		c.log.WithError(err).Debug("controller: error closing event plane")
	}
}

type noopHideDaemon struct{}

func (noopHideDaemon) Invoke(int) {}
