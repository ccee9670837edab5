package runner

import (
	"os"
	"os/exec"
)

// Resolver locates the measurement binary. The primary path is tried first,
// then each fallback in order, then the command name on PATH.
type Resolver struct {
	Primary   string
	Fallbacks []string
	Command   string
}

// Resolve returns the first path that exists. When nothing matches it returns
// the primary path so that the launch itself reports the failure.
func (r Resolver) Resolve() (path string, found bool) {
	if isFile(r.Primary) {
		return r.Primary, true
	}

	for _, p := range r.Fallbacks {
		if isFile(p) {
			return p, true
		}
	}

	if r.Command != "" {
		if p, err := exec.LookPath(r.Command); err == nil {
			return p, true
		}
	}

	return r.Primary, false
}

func isFile(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
