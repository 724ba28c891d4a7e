package game

import (
	"encoding/json"

	"github.com/interlab/experiment-coordinator/internal/domain/model"
)

// Stepper is the pluggable simulator for server-authoritative scenes. The
// core never executes researcher-supplied code directly; a Stepper is a
// compiled-in implementation (or a shim to an external process) registered
// under the scene's stepper name.
type Stepper interface {
	// Reset prepares episode state from the immutable game seed. The
	// returned render state is broadcast as the episode's first frame.
	Reset(seed uint64, episode int) (json.RawMessage, error)

	// Step advances one tick with the populated member actions and returns
	// the render state plus whether the episode finished.
	Step(actions map[int]json.RawMessage) (state json.RawMessage, episodeDone bool, err error)
}

// StepperFactory builds a Stepper for a scene, or returns an error when the
// scene names an unknown simulator.
type StepperFactory func(spec model.SceneSpec) (Stepper, error)
