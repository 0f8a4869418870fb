package controller_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"

	"github.com/proclineage/zsentinel/internal/config"
	"github.com/proclineage/zsentinel/internal/controller"
	"github.com/proclineage/zsentinel/internal/hideset"
)

type emptyFS struct{}

func (emptyFS) ReadFile(string) ([]byte, error) { return nil, os.ErrNotExist }
func (emptyFS) Stat(string) (unix.Stat_t, error) { return unix.Stat_t{}, os.ErrNotExist }
func (emptyFS) ReadDir(string) ([]string, error) { return nil, nil }

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err == nil {
		log.SetOutput(devNull)
	}
	return log
}

// TestRunTeardownOnCancel covers spec §8 scenario S6's externally visible
// postcondition: once the controller's context is cancelled, hide state
// flips false and Run returns cleanly.
func TestRunTeardownOnCancel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	appProcess := filepath.Join(t.TempDir(), "app_process")
	if err := os.WriteFile(appProcess, []byte("x"), 0o755); err != nil {
		t.Fatalf("write app_process fixture: %v", err)
	}

	cfg := config.Config{
		AppDataRoot:        t.TempDir(),
		SystemConfigDir:    dir,
		AppProcessPaths:    []string{appProcess},
		ZygoteScanInterval: time.Hour,
		PidMaxPath:         filepath.Join(dir, "pid_max"), // unreadable: falls back to default
	}

	ctrl, err := controller.New(cfg, emptyFS{}, newTestLogger(), nil, true)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}

	if !ctrl.HideState() {
		t.Fatalf("HideState() = false before Run, want true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}

	if ctrl.HideState() {
		t.Errorf("HideState() = true after teardown, want false")
	}
}

func TestHideSetAccessibleToExternalWriters(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	appProcess := filepath.Join(t.TempDir(), "app_process")
	if err := os.WriteFile(appProcess, []byte("x"), 0o755); err != nil {
		t.Fatalf("write app_process fixture: %v", err)
	}
	cfg := config.Config{
		AppDataRoot:        t.TempDir(),
		SystemConfigDir:    dir,
		AppProcessPaths:    []string{appProcess},
		ZygoteScanInterval: time.Hour,
		PidMaxPath:         filepath.Join(dir, "pid_max"),
	}

	ctrl, err := controller.New(cfg, emptyFS{}, newTestLogger(), nil, true)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}

	ctrl.HideSet().Add(hideset.Rule{Package: "com.target", Process: "com.target"})

	var count int
	ctrl.HideSet().ForEach(func(hideset.Rule) { count++ })
	if count != 1 {
		t.Errorf("ForEach saw %d rules, want 1", count)
	}
}
