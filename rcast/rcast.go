// Package rcast holds application-wide defaults shared by the replaycast packages.
package rcast

import "path/filepath"

const (
	DefaultAppName    = "replaycast"
	DefaultConfigPath = "/etc/replaycast"
	DefaultCacheDir   = "/var/cache/replaycast"

	DefaultCountersFile = "counters.txt"
	DefaultErrorLogFile = "errors.log"
	DefaultAssetsDir    = "assets"

	// ScratchDirName is the cache-root child that holds per-attempt workspaces.
	// Dot-prefixed so the evictor never treats it as an entry.
	ScratchDirName = ".scratch"
)

// DefaultCountersPath returns the counters file location under the default cache dir.
func DefaultCountersPath() string {
	return filepath.Join(DefaultCacheDir, DefaultCountersFile)
}

// DefaultErrorLogPath returns the error log location under the default cache dir.
func DefaultErrorLogPath() string {
	return filepath.Join(DefaultCacheDir, DefaultErrorLogFile)
}
