// Package secret recognizes timed multi-key sequences that temporarily remap
// the meaning of later key presses.
//
// Codes are evaluated in definition order. At most one code is active at a
// time; while it is active no other code makes progress.
package secret

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateCode is returned when two codes share an id.
var ErrDuplicateCode = errors.New("secret: duplicate code id")

// Code is an immutable secret code definition.
type Code struct {
	ID string

	// Trigger is the ordered sequence of commands that activates the code.
	Trigger []string

	// GapLimit is the longest pause allowed between two trigger keys.
	// Zero disables the check.
	GapLimit time.Duration

	// ActivationOutput replaces the final trigger key.
	ActivationOutput string

	// Remap translates commands while the code is active.
	Remap map[string]string

	// ActivationDuration bounds how long the code stays active. Zero means
	// until escaped.
	ActivationDuration time.Duration

	Escape        string
	EscapeOutput  string
	TimeoutOutput string
}

// Transition describes a change of code state caused by one input.
type Transition int

const (
	None Transition = iota
	Activated
	Escaped
	TimedOut
)

func (t Transition) String() string {
	switch t {
	case Activated:
		return "activated"
	case Escaped:
		return "escaped"
	case TimedOut:
		return "timed_out"
	default:
		return "none"
	}
}

// Input is one accepted genuine press.
type Input struct {
	Command string
	At      time.Time

	// Previous is the time of the genuine press before this one.
	Previous time.Time
}

// Result is the outcome of processing one input.
type Result struct {
	// Command is the effective command. It is never empty.
	Command string

	// Signal is an extra command emitted alongside Command, set only when
	// an escape output is configured and the escape key was pressed.
	Signal string

	// Code and Transition identify a state change, if any.
	Code       string
	Transition Transition
}

type state struct {
	def         Code
	progress    int
	active      bool
	activatedAt time.Time
}

// Detector holds the runtime state of every code.
type Detector struct {
	codes []*state
	byID  map[string]*state
}

// NewDetector validates defs and returns a detector with every code idle.
func NewDetector(defs []Code) (*Detector, error) {
	d := &Detector{byID: make(map[string]*state, len(defs))}
	for i, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("secret: code %d: id is required", i)
		}
		if _, exists := d.byID[def.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCode, def.ID)
		}
		if len(def.Trigger) == 0 {
			return nil, fmt.Errorf("secret: %s: trigger is empty", def.ID)
		}
		if def.ActivationOutput == "" {
			return nil, fmt.Errorf("secret: %s: activation output is required", def.ID)
		}
		if def.GapLimit < 0 || def.ActivationDuration < 0 {
			return nil, fmt.Errorf("secret: %s: negative duration", def.ID)
		}

		s := &state{def: def}
		s.def.Trigger = append([]string(nil), def.Trigger...)
		s.def.Remap = make(map[string]string, len(def.Remap))
		for from, to := range def.Remap {
			s.def.Remap[from] = to
		}
		d.codes = append(d.codes, s)
		d.byID[def.ID] = s
	}
	return d, nil
}

// Process returns the effective command for one genuine press.
func (d *Detector) Process(in Input) Result {
	for _, s := range d.codes {
		if s.active {
			return s.processActive(in)
		}
	}

	for _, s := range d.codes {
		if !s.advance(in) {
			continue
		}
		for _, other := range d.codes {
			if other != s {
				other.progress = 0
			}
		}
		return Result{Command: s.def.ActivationOutput, Code: s.def.ID, Transition: Activated}
	}

	return Result{Command: in.Command}
}

// advance feeds in to an idle code and reports whether it activated.
func (s *state) advance(in Input) bool {
	if s.progress > 0 && s.def.GapLimit > 0 && !in.Previous.IsZero() &&
		in.At.Sub(in.Previous) >= s.def.GapLimit {
		s.progress = 0
	}

	if in.Command != s.def.Trigger[s.progress] {
		s.progress = 0
		return false
	}

	s.progress++
	if s.progress < len(s.def.Trigger) {
		return false
	}
	s.progress = 0
	s.active = true
	s.activatedAt = in.At
	return true
}

func (s *state) processActive(in Input) Result {
	if s.def.ActivationDuration > 0 && !in.At.Before(s.activatedAt.Add(s.def.ActivationDuration)) {
		s.deactivate()
		res := Result{Command: in.Command, Code: s.def.ID, Transition: TimedOut}
		if s.def.TimeoutOutput != "" {
			res.Command = s.def.TimeoutOutput
		}
		return res
	}

	if to, ok := s.def.Remap[in.Command]; ok {
		return Result{Command: to}
	}

	if s.def.Escape != "" && in.Command == s.def.Escape {
		s.deactivate()
		return Result{
			Command:    in.Command,
			Signal:     s.def.EscapeOutput,
			Code:       s.def.ID,
			Transition: Escaped,
		}
	}

	return Result{Command: in.Command}
}

func (s *state) deactivate() {
	s.active = false
	s.activatedAt = time.Time{}
	s.progress = 0
}

// Reset returns every code to idle with no progress.
func (d *Detector) Reset() {
	for _, s := range d.codes {
		s.deactivate()
	}
}

// Active returns the id of the active code.
func (d *Detector) Active() (string, bool) {
	for _, s := range d.codes {
		if s.active {
			return s.def.ID, true
		}
	}
	return "", false
}

// Progress returns how many trigger keys of code id have matched so far.
func (d *Detector) Progress(id string) int {
	if s, ok := d.byID[id]; ok {
		return s.progress
	}
	return 0
}

// Len returns the number of defined codes.
func (d *Detector) Len() int {
	return len(d.codes)
}
