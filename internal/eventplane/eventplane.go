// Package eventplane implements the Event Plane: the single merged stream
// of package-database changes, zygote-rescan triggers, and child-status
// collection that drove the original design through SIGIO/SIGALRM/wait4 on
// one controller thread (spec §4.4).
//
// Per the design note in spec §9 ("prefer an explicit event-loop primitive
// ... this removes async-signal-unsafe concerns entirely"), this
// redesigns the three signal sources as a single select loop over
// channels: fsnotify replaces inotify+SIGIO, a time.Ticker replaces
// SIGALRM, and context cancellation (wired to os/signal.NotifyContext by
// the caller) replaces SIGTERMTHRD.
package eventplane

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/proclineage/zsentinel/internal/config"
)

// packagesFile is the filename filter for the system-config watch (§4.4).
const packagesFile = "packages.xml"

// Plane owns the fsnotify watcher and ticker and exposes a merged callback
// loop for the controller to drive on its single OS thread.
type Plane struct {
	watcher *fsnotify.Watcher
	ticker  *time.Ticker
	log     *logrus.Logger

	appProcessPaths map[string]bool
}

// New creates a Plane with fsnotify watches on cfg.SystemConfigDir and on
// each of cfg.AppProcessPaths, ticking every cfg.ZygoteScanInterval until
// the caller calls StopTicker. The watches use fsnotify's default event
// set (create, write, remove, rename, chmod): reads (IN_ACCESS) and
// close-after-write (IN_CLOSE_WRITE) are not reported.
func New(cfg config.Config, log *logrus.Logger) (*Plane, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(cfg.SystemConfigDir); err != nil {
		watcher.Close()
		return nil, err
	}

	paths := make(map[string]bool, len(cfg.AppProcessPaths))
	for _, p := range cfg.AppProcessPaths {
		paths[p] = true
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return nil, err
		}
	}

	return &Plane{
		watcher:         watcher,
		ticker:          time.NewTicker(cfg.ZygoteScanInterval),
		log:             log,
		appProcessPaths: paths,
	}, nil
}

// Callbacks bundles the controller's reactions to each event-plane source,
// so Plane stays decoupled from hideset/uidmap/zygote wiring.
type Callbacks struct {
	// OnPackagesChanged fires on a packages.xml write (§4.2 trigger).
	OnPackagesChanged func()
	// OnZygoteRescan fires after OnPackagesChanged, on any event fsnotify
	// reports for an app_process path, or on a ticker tick (§4.3
	// check_zygote). A plain read of an app_process binary is not reported
	// by fsnotify and does not fire it. Returns true once all zygotes are
	// known, so the Plane can stop ticking (§4.3, §5 timeout policy).
	OnZygoteRescan func() bool
}

// Events exposes the raw fsnotify event channel for the controller's merged
// select loop (spec §4.4/§5: the controller thread owns one logical
// stream; here that stream is assembled by select-ing Events, Errors,
// TickC, and the wait4 poll ticker together in internal/controller).
func (p *Plane) Events() <-chan fsnotify.Event { return p.watcher.Events }

// Errors exposes the fsnotify error channel.
func (p *Plane) Errors() <-chan error { return p.watcher.Errors }

// TickC returns the periodic rescan ticker's channel, or nil (blocks
// forever in a select) once StopTicker has been called.
func (p *Plane) TickC() <-chan time.Time { return p.tickerC() }

// Dispatch classifies one fsnotify event and invokes the matching
// Callbacks entry, stopping the ticker if all zygotes are now known.
func (p *Plane) Dispatch(event fsnotify.Event, cb Callbacks) {
	p.handleEvent(event, cb)
}

// DrainEvents consumes any further already-buffered watcher events without
// blocking, so a burst of filesystem activity is never silently truncated
// — see §9's open question about the original's single-event, 512-byte
// read silently dropping coalesced events.
func (p *Plane) DrainEvents(cb Callbacks) {
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			p.handleEvent(event, cb)
		default:
			return
		}
	}
}

func (p *Plane) handleEvent(event fsnotify.Event, cb Callbacks) {
	if filepath.Base(event.Name) == packagesFile && event.Op&fsnotify.Write != 0 {
		if cb.OnPackagesChanged != nil {
			cb.OnPackagesChanged()
		}
		if cb.OnZygoteRescan != nil && cb.OnZygoteRescan() {
			p.StopTicker()
		}
		return
	}
	if p.appProcessPaths[event.Name] {
		if cb.OnZygoteRescan != nil && cb.OnZygoteRescan() {
			p.StopTicker()
		}
	}
}

// tickerC returns the ticker's channel, or nil (which blocks forever in a
// select) once the ticker has been stopped.
func (p *Plane) tickerC() <-chan time.Time {
	if p.ticker == nil {
		return nil
	}
	return p.ticker.C
}

// StopTicker disables the periodic rescan once all zygotes are known
// (spec §4.3/§5: "shut off once all zygotes are known").
func (p *Plane) StopTicker() {
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
}

// Close stops the ticker and releases the inotify watcher, closing its
// Events and Errors channels; callers use this to satisfy the teardown
// contract "inotify_fd == -1" (§8 S6).
func (p *Plane) Close() error {
	p.StopTicker()
	return p.watcher.Close()
}
