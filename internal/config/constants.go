// Package config holds the application-wide configuration, default settings,
// and file permission constants for langserv-mux.
package config

import (
	"os"
	"time"
)

const (
	// DefaultDirPerm represents standard directory permissions (rwxr-xr-x).
	DefaultDirPerm os.FileMode = 0o755

	// DefaultFilePerm represents standard file permissions (rw-rw-rw-).
	DefaultFilePerm os.FileMode = 0o666

	// DefaultLockFilePerm is used for the side-channel socket lockfile.
	DefaultLockFilePerm os.FileMode = 0o644

	// DefaultConfigDirName is the folder name inside ~/.config/ and the temp dir.
	DefaultConfigDirName = "langserv-mux"

	// DefaultPrivilegedSocketName is the file name of the socket the privileged peer listens on.
	DefaultPrivilegedSocketName = "langserv.sock"

	// DefaultReadChunkSize is the most bytes read from a stream per readiness event.
	DefaultReadChunkSize = 4096

	// DefaultPollTimeout bounds a single readiness wait.
	DefaultPollTimeout = time.Second

	// DefaultProbeInterval is how often the privileged peer is dialed while absent.
	DefaultProbeInterval = time.Second

	// DefaultProbeMaxInterval caps the probe backoff. Equal to the interval means a fixed tick.
	DefaultProbeMaxInterval = time.Second

	// DefaultIDPrefix namespaces request ids synthesized by the proxy.
	DefaultIDPrefix = "inj"

	// DefaultLogLevel is the logrus level used when none is configured.
	DefaultLogLevel = "info"

	// MaxHeaderBytes is the largest header block accepted before a terminator is seen.
	MaxHeaderBytes = 64 * 1024
)
