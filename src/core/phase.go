package core

import (
	"fmt"
)

// A Phase describes how far through its workflow a session (or a single binary
// within a BOLT session) has progressed. Phases only ever move forwards; a failed
// step leaves the session in its previous phase so it can be retried.
type Phase string

const (
	// Uninitialized is the zero phase of a PGO session before anything has been built.
	Uninitialized Phase = "uninitialized"
	// Instrumented means instrumented binaries have been built successfully.
	Instrumented Phase = "instrumented"
	// Collected means raw profile data from at least one workload run has been found.
	Collected Phase = "collected"
	// Merged means the raw profiles have been merged into a single usable profile.
	Merged Phase = "merged"
	// Applied means an optimized build using the merged profile has completed.
	Applied Phase = "applied"
	// Unoptimized is the zero phase of a binary in a BOLT session.
	Unoptimized Phase = "unoptimized"
	// Optimized means BOLT has rewritten the binary using collected profile data.
	Optimized Phase = "optimized"
)

// phaseOrders defines the valid progression of phases for each session kind.
var phaseOrders = map[Kind][]Phase{
	PGOSession:  {Uninitialized, Instrumented, Collected, Merged, Applied},
	BoltSession: {Unoptimized, Instrumented, Collected, Optimized},
}

// An IncompatiblePhaseTransition is returned when an operation requires a session to
// be in an earlier phase than it is, or tries to skip over a phase that hasn't
// completed yet. It names the phase that would have to complete first.
type IncompatiblePhaseTransition struct {
	Kind      Kind
	Current   Phase
	Attempted Phase
	Required  Phase
}

// Error implements the error interface.
func (err *IncompatiblePhaseTransition) Error() string {
	return fmt.Sprintf("can't move %s session from the %s phase to %s; the %s phase must complete first", err.Kind, err.Current, err.Attempted, err.Required)
}

// advancePhase checks that moving from one phase to the next is legal for the given
// kind and returns the new phase if so.
func advancePhase(kind Kind, current, to Phase) (Phase, error) {
	order, present := phaseOrders[kind]
	if !present {
		return current, fmt.Errorf("unknown session kind %s", kind)
	}
	ci := phaseIndex(order, current)
	ti := phaseIndex(order, to)
	if ti == -1 {
		return current, fmt.Errorf("unknown phase %s for %s session", to, kind)
	} else if ti == ci {
		return current, nil // Re-entering the current phase is harmless.
	} else if ti < ci {
		return current, fmt.Errorf("can't move %s session backwards from %s to %s", kind, current, to)
	} else if ti != ci+1 {
		return current, &IncompatiblePhaseTransition{
			Kind:      kind,
			Current:   current,
			Attempted: to,
			Required:  order[ti-1],
		}
	}
	return to, nil
}

// phaseAtLeast returns true if the current phase is at or beyond the given one.
func phaseAtLeast(kind Kind, current, min Phase) bool {
	order := phaseOrders[kind]
	return phaseIndex(order, current) >= phaseIndex(order, min)
}

func phaseIndex(order []Phase, p Phase) int {
	for i, phase := range order {
		if phase == p {
			return i
		}
	}
	return -1
}
