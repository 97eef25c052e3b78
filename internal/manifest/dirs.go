package manifest

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dirs are podci's per-user state and cache roots
type Dirs struct {
	State string
	Cache string
}

// ResolveDirs applies the XDG base directory rules: $XDG_STATE_HOME/podci
// and $XDG_CACHE_HOME/podci, falling back to ~/.local/state and ~/.cache.
// Relative XDG values are ignored as the XDG rules require.
func ResolveDirs(getenv func(string) string, home string) (Dirs, error) {
	state := getenv("XDG_STATE_HOME")
	if state == "" || !filepath.IsAbs(state) {
		if home == "" {
			return Dirs{}, fmt.Errorf("cannot determine state directory: XDG_STATE_HOME and HOME are unset")
		}
		state = filepath.Join(home, ".local", "state")
	}
	cache := getenv("XDG_CACHE_HOME")
	if cache == "" || !filepath.IsAbs(cache) {
		if home == "" {
			return Dirs{}, fmt.Errorf("cannot determine cache directory: XDG_CACHE_HOME and HOME are unset")
		}
		cache = filepath.Join(home, ".cache")
	}
	return Dirs{State: filepath.Join(state, "podci"), Cache: filepath.Join(cache, "podci")}, nil
}

// DefaultDirs resolves Dirs from the process environment.
func DefaultDirs() (Dirs, error) {
	home, _ := os.UserHomeDir()
	return ResolveDirs(os.Getenv, home)
}
