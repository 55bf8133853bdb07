// Package bootstrap builds a self-hosting, statically linked musl cross
// toolchain from the pinned upstream sources, validates the result and packs
// it into a reproducible bundle.
package bootstrap

// State is a position in the pipeline.
type State int

const (
	StateInit State = iota
	StateSourceFetch
	StateTwoStageBuild
	StateSingleStageBuild
	StateValidate
	StatePackage
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateInit:             "init",
	StateSourceFetch:      "source-fetch",
	StateTwoStageBuild:    "two-stage-build",
	StateSingleStageBuild: "single-stage-build",
	StateValidate:         "validate",
	StatePackage:          "package",
	StateDone:             "done",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// next lists the legal successors of each state. Failed is reachable from
// every non-terminal state and is not listed.
var next = map[State][]State{
	StateInit:             {StateSourceFetch},
	StateSourceFetch:      {StateTwoStageBuild, StateSingleStageBuild},
	StateTwoStageBuild:    {StateValidate},
	StateSingleStageBuild: {StateValidate},
	StateValidate:         {StatePackage},
	StatePackage:          {StateDone},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}
