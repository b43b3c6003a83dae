package config

import "github.com/tolchain/fullnode/types"

// GenesisWeight and GenesisTotalIters name a genesis starting point. No
// package reads them: the blockchain gives the genesis SubBlockRecord a
// weight of DifficultyStarting and the genesis block's own total_iters.
const (
	GenesisWeight     = uint64(1)
	GenesisTotalIters = uint64(0)
)

// IsGenesisHash re-exports types.IsGenesisHash so callers that already
// import config for other constants don't also need to import types just
// for this one check.
func IsGenesisHash(h string) bool { return types.IsGenesisHash(h) }
