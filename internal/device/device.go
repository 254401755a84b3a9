// Package device manages the per-install identity anchors: a 128-bit
// UUID generated at first use and a derived 4-character short id used
// as the namespacing suffix for cross-device instance names. Both live
// as files under the state directory and survive a store reset.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/hcom-sh/hcom/internal/paths"
)

// ShortLen is the length of the derived short id.
const ShortLen = 4

// UUID returns this install's device UUID, generating and persisting
// it on first use. The value is never rotated.
func UUID(dir paths.Dir) (string, error) {
	path := dir.DeviceID()
	if raw, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(raw))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := writeAnchor(path, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// ShortID returns the 4-character uppercase id derived from the device
// UUID, persisting it alongside. Collisions between devices are
// possible and handled at relay import time; the id itself is stable.
func ShortID(dir paths.Dir) (string, error) {
	path := dir.ShortID()
	if raw, err := os.ReadFile(path); err == nil {
		short := strings.TrimSpace(string(raw))
		if len(short) == ShortLen {
			return short, nil
		}
	}

	id, err := UUID(dir)
	if err != nil {
		return "", err
	}
	short := Derive(id)
	if err := writeAnchor(path, short); err != nil {
		return "", fmt.Errorf("persist short id: %w", err)
	}
	return short, nil
}

// Derive computes the short id for any device UUID. Remote payloads
// that omit short_id fall back to this.
func Derive(deviceUUID string) string {
	return strings.ToUpper(deviceUUID[:min(ShortLen, len(deviceUUID))])
}

func writeAnchor(path, value string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
