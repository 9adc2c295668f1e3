package offlineagent

import "strings"

// Family is a logical cache role with its own version.
// Bumping the version makes the next activation drop every older store of the family.
type Family struct {
	Prefix  string `yaml:"prefix"`
	Version string `yaml:"version"`
}

var (
	DefaultAppShell = Family{Prefix: "app-shell", Version: "2"}
	DefaultDynamic  = Family{Prefix: "dynamic-cache", Version: "1"}
)

// Name returns the name of the current store of the family, e.g. `app-shell-v2`.
func (f Family) Name() string {
	return f.Prefix + "-v" + f.Version
}

// Owns reports whether the store name belongs to the family, whatever its version.
func (f Family) Owns(name string) bool {
	return strings.HasPrefix(name, f.Prefix+"-")
}

// IsStale reports whether the store name belongs to the family but is not its current store.
func (f Family) IsStale(name string) bool {
	return f.Owns(name) && name != f.Name()
}
