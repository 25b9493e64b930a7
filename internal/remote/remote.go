// Package remote maps physical remote controls to the commands their keys produce.
//
// A Profile describes one remote: the keycode each of its buttons emits and
// how long a button must be held before synthetic repeats begin. Profiles are
// loaded once at startup and never change afterwards.
package remote

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrDuplicateProfile is returned when two profiles share a name.
	ErrDuplicateProfile = errors.New("remote: duplicate profile name")
	// ErrDuplicateKeycode is returned when a remote binds a keycode to two
	// commands.
	ErrDuplicateKeycode = errors.New("remote: duplicate keycode")
)

// Profile describes a single remote control.
type Profile struct {
	// Name identifies the remote (e.g. "sony-4k").
	Name string

	// Keys maps a command name to the keycode the remote emits for it.
	Keys map[string]uint32

	// RepeatInitiationDelay is added to the first repeat interval of a
	// hold, so a short press never produces a synthetic repeat.
	RepeatInitiationDelay time.Duration

	codes map[uint32]string
}

// Command returns the command bound to keycode on this remote.
func (p *Profile) Command(keycode uint32) (string, bool) {
	cmd, ok := p.codes[keycode]
	return cmd, ok
}

// Registry resolves raw keycodes into commands.
type Registry struct {
	profiles []*Profile
	byName   map[string]*Profile
	byCode   map[uint32]*Profile
	shared   map[uint32][]string
}

// NewRegistry builds a registry from profile definitions. The definitions
// are copied; later changes to the input slice have no effect.
func NewRegistry(defs []Profile) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*Profile, len(defs)),
		byCode: make(map[uint32]*Profile),
		shared: make(map[uint32][]string),
	}

	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("remote: profile name is required")
		}
		if _, exists := r.byName[def.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProfile, def.Name)
		}

		p := &Profile{
			Name:                  def.Name,
			Keys:                  make(map[string]uint32, len(def.Keys)),
			RepeatInitiationDelay: def.RepeatInitiationDelay,
			codes:                 make(map[uint32]string, len(def.Keys)),
		}
		for cmd, code := range def.Keys {
			if cmd == "" {
				return nil, fmt.Errorf("remote: %s: empty command name", def.Name)
			}
			if other, taken := p.codes[code]; taken {
				return nil, fmt.Errorf("%w: %d bound to %q and %q on %s", ErrDuplicateKeycode, code, other, cmd, def.Name)
			}
			p.Keys[cmd] = code
			p.codes[code] = cmd
			if owners, ok := r.shared[code]; ok {
				r.shared[code] = append(owners, def.Name)
			} else if owner, ok := r.byCode[code]; ok {
				r.shared[code] = []string{owner.Name, def.Name}
				delete(r.byCode, code)
			} else {
				r.byCode[code] = p
			}
		}

		r.profiles = append(r.profiles, p)
		r.byName[p.Name] = p
	}

	return r, nil
}

// Lookup resolves a keycode received from the named remote. When remote is
// empty or unknown (a shared IR receiver cannot tell remotes apart) the
// keycode alone selects the profile, so a keycode bound on several remotes
// does not resolve. Ambiguous reports those keycodes.
func (r *Registry) Lookup(remote string, keycode uint32) (string, *Profile, bool) {
	if p, ok := r.byName[remote]; ok {
		cmd, found := p.Command(keycode)
		if !found {
			return "", nil, false
		}
		return cmd, p, true
	}

	p, ok := r.byCode[keycode]
	if !ok {
		return "", nil, false
	}
	cmd, _ := p.Command(keycode)
	return cmd, p, true
}

// Ambiguous returns the names of the remotes that bind keycode when more
// than one does.
func (r *Registry) Ambiguous(keycode uint32) []string {
	owners := r.shared[keycode]
	if owners == nil {
		return nil
	}
	out := make([]string, len(owners))
	copy(out, owners)
	return out
}

// SharedKeycodes returns, in ascending order, the keycodes bound on more
// than one remote.
func (r *Registry) SharedKeycodes() []uint32 {
	out := make([]uint32, 0, len(r.shared))
	for code := range r.shared {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Profile returns the profile with the given name.
func (r *Registry) Profile(name string) (*Profile, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Profiles returns all profiles in definition order.
func (r *Registry) Profiles() []*Profile {
	out := make([]*Profile, len(r.profiles))
	copy(out, r.profiles)
	return out
}

// Commands returns the sorted set of command names any remote can produce.
func (r *Registry) Commands() []string {
	seen := make(map[string]struct{})
	for _, p := range r.profiles {
		for cmd := range p.Keys {
			seen[cmd] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for cmd := range seen {
		out = append(out, cmd)
	}
	sort.Strings(out)
	return out
}
