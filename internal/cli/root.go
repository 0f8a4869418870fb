// Package cli wires the cobra command tree: flags map onto config.Config,
// logrus does structured logging, and signal.NotifyContext supplies the
// SIGTERMTHRD-equivalent cancellation the controller tears down on.
package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/proclineage/zsentinel/internal/config"
	"github.com/proclineage/zsentinel/internal/controller"
	"github.com/proclineage/zsentinel/internal/hidedaemon"
	"github.com/proclineage/zsentinel/internal/procfs"
)

// version is the build-time version string; overridden via -ldflags in
// release builds, left as "dev" otherwise.
var version = "dev"

// NewRootCommand builds the zsentineld command tree.
func NewRootCommand(log *logrus.Logger) *cobra.Command {
	var (
		appDataRoot     string
		systemConfigDir string
		appProcessPath  string
		pollInterval    time.Duration
		hideDaemonPath  string
		verbose         bool
	)

	root := &cobra.Command{
		Use:           "zsentineld",
		Short:         "process-lineage monitor for configured target applications",
		Long:          `zsentineld traces every process forked from the platform's zygote and hands matching targets off to a hide daemon before they execute user code.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringVar(&appDataRoot, "app-data-root", "/data/user", "multi-user app-data root")
	root.PersistentFlags().StringVar(&systemConfigDir, "system-config-dir", "/data/system", "directory containing packages.xml")
	root.PersistentFlags().StringVar(&appProcessPath, "app-process", "/system/bin/app_process", "app_process binary base path (32/64 variants auto-detected)")
	root.PersistentFlags().DurationVar(&pollInterval, "poll-interval", 250*time.Millisecond, "periodic zygote-rescan interval, disabled once all zygotes are known")
	root.PersistentFlags().StringVar(&hideDaemonPath, "hide-daemon", "", "path to the external hide_daemon executable (disabled if empty)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCommand(log, &appDataRoot, &systemConfigDir, &appProcessPath, &pollInterval, &hideDaemonPath))
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the zsentineld version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(version)
			return nil
		},
	}
}

func newRunCommand(log *logrus.Logger, appDataRoot, systemConfigDir, appProcessPath *string, pollInterval *time.Duration, hideDaemonPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start the controller thread and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := procfs.OSFS{}
			// ResolveAppProcessPaths names variants of the default base path;
			// rebase each onto the --app-process base.
			defaultBase := config.Default().AppProcessPaths[0]
			rebase := func(p string) string { return *appProcessPath + p[len(defaultBase):] }
			appProcessPaths := config.ResolveAppProcessPaths(func(p string) bool { _, err := os.Stat(rebase(p)); return err == nil })
			for i, p := range appProcessPaths {
				appProcessPaths[i] = rebase(p)
			}
			cfg := config.Config{
				AppDataRoot:        *appDataRoot,
				SystemConfigDir:    *systemConfigDir,
				AppProcessPaths:    appProcessPaths,
				ZygoteScanInterval: *pollInterval,
				PidMaxPath:         config.Default().PidMaxPath,
			}
			if len(cfg.AppProcessPaths) == 0 {
				cfg.AppProcessPaths = []string{*appProcessPath}
			}

			var hide hidedaemon.HideDaemon
			if *hideDaemonPath != "" {
				hide = hidedaemon.NewExecDaemon(*hideDaemonPath, log)
			}

			ctrl, err := controller.New(cfg, fs, log, hide, is64BitRuntime())
			if err != nil {
				log.WithError(err).Fatal("zsentineld: failed to initialize controller")
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.WithFields(logrus.Fields{
				"app_data_root":     cfg.AppDataRoot,
				"system_config_dir": cfg.SystemConfigDir,
				"app_process_paths": cfg.AppProcessPaths,
			}).Info("zsentineld: starting controller")

			return ctrl.Run(ctx)
		},
	}
}

// is64BitRuntime reports whether this build targets a 64-bit pointer
// width, used for the zygote_map "all zygotes known" threshold (spec §3).
func is64BitRuntime() bool {
	return uintSize == 64
}

const uintSize = 32 << (^uint(0) >> 63)
