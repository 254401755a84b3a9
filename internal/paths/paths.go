// Package paths resolves the hcom state directory and the well-known
// files inside it. Every component that touches persisted state goes
// through a single [Dir] value built once at startup, so tests can
// point the whole system at a temp directory by setting HCOM_DIR.
package paths

import (
	"os"
	"path/filepath"
)

// Well-known file names inside the hcom directory.
const (
	DBFile     = "hcom.db"
	EnvFile    = "env"
	ConfigFile = "config.toml"
	PIDFile    = "hcomd.pid"
	LogFile    = "hcomd.log"

	tmpDir        = ".tmp"
	deviceIDFile  = "device_id"
	shortIDFile   = "device_short"
	archivePrefix = "hcom.db.bak."
)

// Dir is the root of hcom's persisted state.
type Dir string

// Resolve returns the hcom directory. HCOM_DIR overrides the default
// ~/.hcom; a relative HCOM_DIR is resolved against the current working
// directory.
func Resolve() (Dir, error) {
	if dir := os.Getenv("HCOM_DIR"); dir != "" {
		abs, err := filepath.Abs(expandHome(dir))
		if err != nil {
			return "", err
		}
		return Dir(abs), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return Dir(filepath.Join(home, ".hcom")), nil
}

// Ensure creates the directory tree (including .tmp) if missing.
func (d Dir) Ensure() error {
	return os.MkdirAll(filepath.Join(string(d), tmpDir), 0o755)
}

// DB returns the path to the store database file.
func (d Dir) DB() string { return filepath.Join(string(d), DBFile) }

// Env returns the path to the passthrough environment file.
func (d Dir) Env() string { return filepath.Join(string(d), EnvFile) }

// Config returns the path to the user configuration file.
func (d Dir) Config() string { return filepath.Join(string(d), ConfigFile) }

// PID returns the path to the daemon pid file.
func (d Dir) PID() string { return filepath.Join(string(d), PIDFile) }

// Log returns the path to the daemon log file.
func (d Dir) Log() string { return filepath.Join(string(d), LogFile) }

// DeviceID returns the path to the per-install device UUID file.
func (d Dir) DeviceID() string {
	return filepath.Join(string(d), tmpDir, deviceIDFile)
}

// ShortID returns the path to the derived 4-char device id file.
func (d Dir) ShortID() string {
	return filepath.Join(string(d), tmpDir, shortIDFile)
}

// Archive returns a path for an archived copy of the database, suffixed
// with the given timestamp string.
func (d Dir) Archive(stamp string) string {
	return filepath.Join(string(d), archivePrefix+stamp)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
		return filepath.Join(home, path[2:])
	}
	return path
}
