// Package statefile persists small JSON state blobs (circuit breaker,
// recovery scheduler, outage history, reconciliation state, stats, sync
// timestamps) with crash-safe atomic-rename writes.
package statefile

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/driftline/metasync/errors"
	"github.com/driftline/metasync/logger"
)

// Save writes v as JSON to path via write-to-tmp + rename. The rename is
// atomic on POSIX filesystems, so readers never observe a partial file.
func Save(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal state for %s", filepath.Base(path))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create state directory")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", filepath.Base(tmp))
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "rename %s into place", filepath.Base(path))
	}

	return nil
}

// Load reads JSON state from path into v. A missing or corrupt file is not
// an error: v is left untouched (callers pass defaults), false is returned,
// and a debug line records the reason. The corrupt file is overwritten on
// the next Save.
func Load(path string, v interface{}) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Debugw("State file unreadable, using defaults", "path", path, "error", err)
		}
		return false
	}

	if err := json.Unmarshal(data, v); err != nil {
		logger.Debugw("State file corrupt, using defaults", "path", path, "error", err)
		return false
	}

	return true
}
