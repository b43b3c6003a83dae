// Package protocol defines the wire messages exchanged with differentiated
// peer classes (§6): full nodes, wallets, timelords, and farmers each see a
// different shaped subset of the same underlying state. Adapted from the
// teacher's network/peer.go JSON message framing.
package protocol

import (
	"github.com/tolchain/fullnode/mempool"
	"github.com/tolchain/fullnode/types"
)

// PeerClass classifies a connection so the node knows which message shapes
// to send it (§4.8).
type PeerClass string

const (
	FullNode PeerClass = "FULL_NODE"
	Wallet   PeerClass = "WALLET"
	Timelord PeerClass = "TIMELORD"
	Farmer   PeerClass = "FARMER"
)

// MessageType tags the payload so a receiver can dispatch without reflection,
// following the teacher's network/peer.go envelope pattern.
type MessageType string

const (
	MsgNewPeak                       MessageType = "new_peak"
	MsgRequestSubBlock               MessageType = "request_sub_block"
	MsgRespondSubBlock                MessageType = "respond_sub_block"
	MsgRequestSubBlocks              MessageType = "request_sub_blocks"
	MsgRespondSubBlocks              MessageType = "respond_sub_blocks"
	MsgRejectSubBlocks               MessageType = "reject_sub_blocks"
	MsgRequestProofOfWeight          MessageType = "request_proof_of_weight"
	MsgRespondProofOfWeight          MessageType = "respond_proof_of_weight"
	MsgNewSignagePointOrEndOfSubSlot MessageType = "new_signage_point_or_end_of_sub_slot"
	MsgRequestMempoolTransactions    MessageType = "request_mempool_transactions"
	MsgRespondMempoolTransactions    MessageType = "respond_mempool_transactions"
	MsgNewUnfinishedSubBlock         MessageType = "new_unfinished_sub_block"
	MsgRespondUnfinishedSubBlock     MessageType = "respond_unfinished_sub_block"
	MsgNewInfusionPointVDF           MessageType = "new_infusion_point_vdf"
	MsgRespondEndOfSubSlot           MessageType = "respond_end_of_sub_slot"
	MsgNewSignagePoint               MessageType = "new_signage_point"
)

// Envelope is the outer frame every message travels in; Payload is decoded
// according to Type by the receiving side. Mirrors the teacher's length-
// prefixed JSON framing over the wire (network/peer.go). RequestID
// correlates request/response pairs (e.g. RequestSubBlock/RespondSubBlock);
// it is empty on fire-and-forget broadcasts like NewPeak.
type Envelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Payload   any         `json:"payload"`
}

// NewPeakFullNode is the full-node-shaped NewPeak (§6), including the
// unfinished reward hash the receiver can use to skip re-requesting an
// unfinished block it already has.
type NewPeakFullNode struct {
	HeaderHash          string `json:"header_hash"`
	SubBlockHeight       int64  `json:"sub_block_height"`
	Weight              uint64 `json:"weight"`
	ForkPointHint        int64  `json:"fork_point_hint"`
	UnfinishedRewardHash string `json:"unfinished_reward_hash,omitempty"`
}

// NewPeakWallet is the wallet-shaped NewPeak (§6): no unfinished reward hash.
type NewPeakWallet struct {
	HeaderHash     string `json:"header_hash"`
	Height         int64  `json:"height"`
	Weight         uint64 `json:"weight"`
	ForkPoint      int64  `json:"fork_point"`
}

// NewSignagePointFarmer is the farmer-shaped signage point broadcast (§6).
type NewSignagePointFarmer struct {
	ChallengeChainChallenge string `json:"cc_challenge"`
	ChallengeChainHash      string `json:"cc_hash"`
	RewardChainHash         string `json:"rc_hash"`
	Difficulty              uint64 `json:"difficulty"`
	SubSlotIters             uint64 `json:"sub_slot_iters"`
	Index                   int    `json:"index"`
}

// NewSignagePointOrEndOfSubSlot notifies peers of a newly resolved signage
// point or end-of-slot (§6, §4.4 step 7, §4.7).
type NewSignagePointOrEndOfSubSlot struct {
	PrevChallengeChainHash string `json:"prev_cc"`
	ChallengeChainHash     string `json:"cc_hash"`
	Index                  int    `json:"index"`
	PrevRewardChainHash    string `json:"prev_rc"`
}

// RequestSubBlock asks a peer for one sub-block by height.
type RequestSubBlock struct {
	Height                      int64 `json:"height"`
	IncludeTransactionsGenerator bool  `json:"include_transactions_generator"`
}

// RespondSubBlock answers RequestSubBlock.
type RespondSubBlock struct {
	SubBlock *types.FullBlock `json:"sub_block"`
}

// RequestSubBlocks asks a peer for a contiguous height range.
type RequestSubBlocks struct {
	Start           int64 `json:"start"`
	End             int64 `json:"end"`
	IncludeTxs      bool  `json:"include_txs"`
}

// RespondSubBlocks answers RequestSubBlocks with the requested range.
type RespondSubBlocks struct {
	SubBlocks []*types.FullBlock `json:"sub_blocks"`
}

// RejectSubBlocks is returned instead of RespondSubBlocks when the peer
// cannot serve the requested range.
type RejectSubBlocks struct {
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
	Reason string `json:"reason"`
}

// RequestProofOfWeight asks a peer for a weight proof up to a given peak.
type RequestProofOfWeight struct {
	Height     int64  `json:"height"`
	HeaderHash string `json:"header_hash"`
}

// RespondProofOfWeight answers RequestProofOfWeight. WP is left as raw bytes
// here — the weightproof package owns decoding it into its own Proof type.
type RespondProofOfWeight struct {
	WP []byte `json:"wp"`
}

// RequestMempoolTransactions asks a peer to send spend bundles whose IDs are
// not in the encoded mempool.Filter (an exact ID set), used on connection
// onboarding (§4.8).
type RequestMempoolTransactions struct {
	Filter []byte `json:"filter"`
}

// RespondMempoolTransactions answers RequestMempoolTransactions with every
// pending spend bundle the filter did not already cover.
type RespondMempoolTransactions struct {
	SpendBundles []*mempool.SpendBundle `json:"spend_bundles"`
}

// NewUnfinishedSubBlock is the advertisement-only broadcast (trunk hash
// only) sent to full nodes other than the source (§4.5).
type NewUnfinishedSubBlock struct {
	TrunkHash string `json:"trunk_hash"`
}

// RespondUnfinishedSubBlock carries the full unfinished block (§4.5).
type RespondUnfinishedSubBlock struct {
	Block *types.UnfinishedBlock `json:"block"`
}

// NewInfusionPointVDF is the timelord → node message that completes an
// unfinished block (§4.6).
type NewInfusionPointVDF struct {
	UnfinishedRewardHash string                   `json:"unfinished_reward_hash"`
	ChallengeChainIPVDF  types.ClassgroupElement  `json:"cc_ip_vdf"`
	ChallengeChainIPProof types.VDFProof          `json:"cc_ip_proof"`
	RewardChainIPVDF     types.ClassgroupElement  `json:"rc_ip_vdf"`
	RewardChainIPProof   types.VDFProof           `json:"rc_ip_proof"`
}

// RespondEndOfSubSlot is the timelord → node message announcing a finished
// sub-slot (§4.7).
type RespondEndOfSubSlot struct {
	FinishedSubSlot types.FinishedSubSlot `json:"finished_sub_slot"`
}

// NewUnfinishedSubBlockForTimelord is the full payload sent to timelords,
// distinct from the trunk-hash-only advertisement sent to other full nodes
// (§4.5: "Emit NewUnfinishedSubBlock(rc_prev, block, ses, difficulty,
// sub_slot_iters) to all timelords").
type NewUnfinishedSubBlockForTimelord struct {
	PrevRewardChainHash string                  `json:"rc_prev"`
	Block               *types.UnfinishedBlock  `json:"block"`
	SubEpochSummary     *types.SubEpochSummary  `json:"ses,omitempty"`
	Difficulty          uint64                  `json:"difficulty"`
	SubSlotIters        uint64                  `json:"sub_slot_iters"`
}
