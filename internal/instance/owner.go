// ABOUTME: Owner records written beside each lock so a denied launch can name the holder.
// ABOUTME: The record is advisory; the OS lock alone decides ownership.

package instance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDirs returns the Global and Local lock directories for this platform.
func DefaultDirs() (global, local string) {
	global = filepath.Join(os.TempDir(), "coven-node-locks")
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		local = filepath.Join(dir, "coven-node")
	} else if dir, err := os.UserCacheDir(); err == nil {
		local = filepath.Join(dir, "coven", "locks")
	} else {
		local = filepath.Join(os.TempDir(), "coven-node-locks-"+strings.ReplaceAll(os.Getenv("USER"), string(filepath.Separator), "_"))
	}
	return global, local
}

// fileBase maps a lock name to a file name, dropping the scope prefix.
func fileBase(name string) string {
	if _, rest, ok := strings.Cut(name, `\`); ok {
		return rest
	}
	return name
}

func writeOwner(path string, owner Owner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readOwner(path string) (Owner, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return Owner{}, false
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil || o.PID == 0 {
		return Owner{}, false
	}
	return o, true
}
