// Package driver collects the DriverInit hooks a captain runs at boot.
package driver

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/captain/internal/hal"
)

// Entry is a registered driver.
type Entry[K any] struct {
	Name    string
	Version string
	Init    hal.DriverInit[K]
}

// Registry orders driver hooks by first registration. Registering a name
// again replaces the hook only when the version is higher.
type Registry[K any] struct {
	mu      sync.Mutex
	entries []Entry[K]
	index   map[string]int
}

func NewRegistry[K any]() *Registry[K] {
	return &Registry[K]{index: make(map[string]int)}
}

func normalizeVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Register adds init under name. version is a semantic version with or
// without the leading "v".
func (r *Registry[K]) Register(name, version string, init hal.DriverInit[K]) error {
	if name == "" {
		return fmt.Errorf("driver: register without a name")
	}
	if init == nil {
		return fmt.Errorf("driver: %s: nil init", name)
	}
	v := normalizeVersion(version)
	if !semver.IsValid(v) {
		return fmt.Errorf("driver: %s: invalid version %q", name, version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.index[name]; ok {
		prev := r.entries[i]
		if semver.Compare(v, prev.Version) <= 0 {
			slog.Debug("driver: keeping registered version", "name", name, "kept", prev.Version, "offered", v)
			return nil
		}
		r.entries[i] = Entry[K]{Name: name, Version: v, Init: init}
		slog.Debug("driver: upgraded", "name", name, "from", prev.Version, "to", v)
		return nil
	}
	r.index[name] = len(r.entries)
	r.entries = append(r.entries, Entry[K]{Name: name, Version: v, Init: init})
	return nil
}

// MustRegister is Register for package init functions.
func (r *Registry[K]) MustRegister(name, version string, init hal.DriverInit[K]) {
	if err := r.Register(name, version, init); err != nil {
		panic(err)
	}
}

// Entries returns the registered drivers in registration order.
func (r *Registry[K]) Entries() []Entry[K] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry[K], len(r.entries))
	copy(out, r.entries)
	return out
}

// Inits returns the hooks in registration order.
func (r *Registry[K]) Inits() []hal.DriverInit[K] {
	entries := r.Entries()
	out := make([]hal.DriverInit[K], len(entries))
	for i, e := range entries {
		out[i] = e.Init
	}
	return out
}

func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
