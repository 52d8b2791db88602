// Package knobs implements the name -> setter-closure table spec.md §9
// calls for: a finite set of tunables, each reachable by a long name and
// one or more short aliases, the way the original RESTClientKnobs maps
// "connection_pool_size" and "pz" to the same underlying field.
package knobs

import (
	"fmt"
	"sync"

	"github.com/kenneth/encrypt-key-proxy/internal/ekperrors"
)

// Registry is a string-keyed table of integer knobs. It is safe for
// concurrent Get/Set from the config reloader and the core loop.
type Registry struct {
	mu     sync.RWMutex
	values map[string]int
	// aliases maps every accepted name (long or short) to its canonical
	// long name.
	aliases map[string]string
}

// Spec describes one knob: its canonical name, its aliases, and its
// starting value.
type Spec struct {
	Name    string
	Aliases []string
	Default int
}

// NewRegistry builds a Registry from specs. Panics on duplicate names,
// which would be a programming error in the caller, not a runtime
// condition.
func NewRegistry(specs []Spec) *Registry {
	r := &Registry{
		values:  make(map[string]int, len(specs)),
		aliases: make(map[string]string),
	}
	for _, s := range specs {
		if _, exists := r.aliases[s.Name]; exists {
			panic(fmt.Sprintf("knobs: duplicate knob name %q", s.Name))
		}
		r.aliases[s.Name] = s.Name
		r.values[s.Name] = s.Default
		for _, alias := range s.Aliases {
			if _, exists := r.aliases[alias]; exists {
				panic(fmt.Sprintf("knobs: duplicate knob alias %q", alias))
			}
			r.aliases[alias] = s.Name
		}
	}
	return r
}

// Get returns the current value of a knob by any of its accepted names.
func (r *Registry) Get(name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	canonical, ok := r.aliases[name]
	if !ok {
		return 0, fmt.Errorf("knobs: %q: %w", name, ekperrors.ErrInvalidKnob)
	}
	return r.values[canonical], nil
}

// Set updates a knob by any of its accepted names.
func (r *Registry) Set(name string, value int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical, ok := r.aliases[name]
	if !ok {
		return fmt.Errorf("knobs: %q: %w", name, ekperrors.ErrInvalidKnob)
	}
	r.values[canonical] = value
	return nil
}

// SetAll applies a batch of settings, the Go analogue of
// RESTClientKnobs::set(knobSettings). The first unrecognized name aborts
// the whole batch, matching the original's fail-fast behavior.
func (r *Registry) SetAll(settings map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range settings {
		if _, ok := r.aliases[name]; !ok {
			return fmt.Errorf("knobs: %q: %w", name, ekperrors.ErrInvalidKnob)
		}
	}
	for name, value := range settings {
		r.values[r.aliases[name]] = value
	}
	return nil
}

// Snapshot returns a copy of all knobs keyed by canonical name, the Go
// analogue of RESTClientKnobs::get().
func (r *Registry) Snapshot() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// RESTClientKnobSpecs are the knobs governing the pooled REST transport to
// the KMS, named and aliased exactly as spec.md §4.2 lists them.
func RESTClientKnobSpecs() []Spec {
	return []Spec{
		{Name: "connection_pool_size", Aliases: []string{"pz"}, Default: 10},
		{Name: "connect_tries", Aliases: []string{"ct"}, Default: 3},
		{Name: "connect_timeout", Aliases: []string{"cto"}, Default: 10},
		{Name: "max_connection_life", Aliases: []string{"mcl"}, Default: 600},
		{Name: "request_tries", Aliases: []string{"rt"}, Default: 3},
		{Name: "request_timeout_secs", Aliases: []string{"rtom"}, Default: 30},
		{Name: "rest_kms_enable_not_secure_connection", Default: 0},
	}
}

// EKPKnobSpecs are the knobs governing caching, refresh, and retry behavior
// listed in spec.md §6.
func EKPKnobSpecs() []Spec {
	return []Spec{
		{Name: "encrypt_cipher_key_cache_ttl", Default: 600},
		{Name: "encrypt_key_refresh_interval", Default: 60},
		{Name: "blob_metadata_cache_ttl", Default: 3600},
		{Name: "blob_metadata_refresh_interval", Default: 300},
		{Name: "ekp_kms_connection_retries", Default: 3},
		// Reserved, deliberately unused: spec.md's Non-goals exclude a
		// maximum cache size bound. The name is registered so a future
		// implementer has a documented slot rather than inventing one,
		// but nothing reads it today.
		{Name: "max_cache_entries", Default: 0},
	}
}
