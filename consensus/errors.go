package consensus

import "errors"

// ErrOverflowAtNewEpoch is returned by ValidateOverflowNewEpochRule when an
// overflow block falls in the first sub-slot of a new epoch, which §3
// names as an invariant that must never hold.
var ErrOverflowAtNewEpoch = errors.New("consensus: overflow sub-block in first sub-slot of new epoch")
