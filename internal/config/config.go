// Package config holds the filesystem roots and timing knobs the monitor
// needs at startup. Every field here is either a literal path the spec
// names or a duration; none of it is structured enough to warrant a
// file-format config library.
package config

import "time"

// Config bundles the paths and intervals the monitor reads at startup. The
// zero value is not useful; construct with Default and override selected
// fields from CLI flags.
type Config struct {
	// AppDataRoot is the multi-user app-data root, e.g. "/data/user". Each
	// entry under it is a user-id directory containing one subdirectory per
	// installed package.
	AppDataRoot string

	// SystemConfigDir is watched for IN_CLOSE_WRITE on "packages.xml".
	SystemConfigDir string

	// AppProcessPaths lists the app_process binaries watched for a zygote
	// rescan. Populated from whichever of app_process, app_process32,
	// app_process64 exist on the running system. Any event fsnotify reports
	// for one of them triggers a rescan; reads (IN_ACCESS) are not reported,
	// so a plain read of the binary does not.
	AppProcessPaths []string

	// ZygoteScanInterval is the periodic rescan cadence used until all
	// zygotes are known (spec: 250ms, replaces SIGALRM).
	ZygoteScanInterval time.Duration

	// PidMaxPath is read once at startup to decide whether the dense pidset
	// bitset backend is large enough for this system.
	PidMaxPath string
}

// Default returns the configuration matching the literal paths named in the
// spec's External Interfaces section.
func Default() Config {
	return Config{
		AppDataRoot:        "/data/user",
		SystemConfigDir:    "/data/system",
		AppProcessPaths:    []string{"/system/bin/app_process"},
		ZygoteScanInterval: 250 * time.Millisecond,
		PidMaxPath:         "/proc/sys/kernel/pid_max",
	}
}

// ResolveAppProcessPaths implements the spec's "32/64 variant" selection:
// prefer the split app_process32/app_process64 pair when app_process32
// exists, watching app_process64 too if it also exists; otherwise fall back
// to the single app_process binary. exists is injected for testability.
func ResolveAppProcessPaths(exists func(path string) bool) []string {
	const base = "/system/bin/app_process"
	if exists(base + "32") {
		paths := []string{base + "32"}
		if exists(base + "64") {
			paths = append(paths, base+"64")
		}
		return paths
	}
	return []string{base}
}
