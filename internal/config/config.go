// Package config loads and validates the root configuration consumed by
// the reconfiguration engine: named frontends, named backends, and slab
// capacity overrides. The file format is TOML, parsed with
// github.com/BurntSushi/toml.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultConnectionsCapacity is the default incoming/outgoing slab
// capacity, taken from the original BufferConfig::default().
const DefaultConnectionsCapacity = 4096

// DefaultListenersCapacity is the default listener slab capacity, taken
// from the original BufferConfig::default().
const DefaultListenersCapacity = 128

// Frontend maps one listen address to one named backend.
type Frontend struct {
	ListenAddr string `toml:"listen_addr"`
	Backend    string `toml:"backend"`
}

// Backend is a named, non-empty set of upstream target addresses.
type Backend struct {
	TargetAddrs []string `toml:"target_addrs"`
}

// Buffers controls slab capacities. Zero values are replaced with the
// package defaults by Load; Validate does not apply defaults.
type Buffers struct {
	Connections int `toml:"connections"`
	Listeners   int `toml:"listeners"`
}

// Root is the in-memory representation of the whole configuration file.
type Root struct {
	Frontends map[string]Frontend `toml:"frontends"`
	Backends  map[string]Backend  `toml:"backends"`
	Buffers   Buffers             `toml:"buffers"`
}

// Load reads and parses the TOML file at path, applies defaults, and
// validates it. It does not resolve any addresses; address resolution
// happens in the reconfiguration engine, which must be able to abort a
// reconfiguration on a resolution failure without affecting Load itself.
func Load(path string) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var root Root
	if err := toml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	root.applyDefaults()
	if err := root.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &root, nil
}

func (r *Root) applyDefaults() {
	if r.Buffers.Connections == 0 {
		r.Buffers.Connections = DefaultConnectionsCapacity
	}
	if r.Buffers.Listeners == 0 {
		r.Buffers.Listeners = DefaultListenersCapacity
	}
}

// Validate checks structural invariants that are cheap to verify without
// touching the network: every backend has at least one target, and every
// frontend names a backend that exists.
func (r *Root) Validate() error {
	for name, b := range r.Backends {
		if len(b.TargetAddrs) == 0 {
			return fmt.Errorf("backend %q has no target_addrs", name)
		}
	}
	for name, f := range r.Frontends {
		if f.ListenAddr == "" {
			return fmt.Errorf("frontend %q has no listen_addr", name)
		}
		if _, ok := r.Backends[f.Backend]; !ok {
			return fmt.Errorf("frontend %q references unknown backend %q", name, f.Backend)
		}
	}
	return nil
}
