package armory

import "errors"

// Configuration and pre-run errors abort SimulateFaults before any fault is
// injected. Per-replay emulator and oracle errors are swallowed into the
// rollback path and only counted; see the diagnostic accessors.
var (
	// ErrInvalidConfig covers duplicated fault models, a maximum
	// simultaneous fault count above the total multiplicity, and an empty
	// instruction universe.
	ErrInvalidConfig = errors.New("invalid fault simulation config")

	// ErrPreRunDiverged means the fault-free pre-run did not terminate
	// within the cycle cap.
	ErrPreRunDiverged = errors.New("pre-run diverged")
)
