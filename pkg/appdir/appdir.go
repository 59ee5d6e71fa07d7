// Package appdir locates the per-user state directory (keys, logs, address hints).
package appdir

import (
	"os"
	"path/filepath"
	"sync"
)

// EnvHome overrides the default ~/.overlay-go location.
const EnvHome = "OVERLAY_HOME"

var (
	once     sync.Once
	dirCache string
)

func AppDir() string {
	once.Do(func() {
		if dir := os.Getenv(EnvHome); dir != "" {
			dirCache = dir
		} else if home, err := os.UserHomeDir(); err == nil {
			dirCache = filepath.Join(home, ".overlay-go")
		} else {
			dirCache = filepath.Join(os.TempDir(), "overlay-go")
		}
		_ = os.MkdirAll(dirCache, 0o755)
	})
	return dirCache
}

// Path joins name onto AppDir.
func Path(name string) string {
	return filepath.Join(AppDir(), name)
}
