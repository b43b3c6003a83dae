// Package config loads node configuration and the injected consensus
// constants. The core itself never hard-codes consensus parameters (§2:
// "the core does not define the consensus constants themselves").
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// TLSConfig holds paths to the PEM files needed for peer mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`
	NodeCert string `json:"node_cert"`
	NodeKey  string `json:"node_key"`
}

// ConsensusConstants are injected, never computed by the core (§2, §9).
type ConsensusConstants struct {
	NumSPsSubSlot           int    `json:"num_sps_sub_slot"`
	MaxSubSlotSubBlocks     int    `json:"max_sub_slot_sub_blocks"`
	WeightProofRecentBlocks int64  `json:"weight_proof_recent_blocks"`
	ShortBacktrackThreshold int64  `json:"short_backtrack_threshold"`
	BatchThreshold          int64  `json:"batch_threshold"`
	MaxBlockCountPerRequest int    `json:"max_block_count_per_requests"`
	InitialFreezePeriodSecs int64  `json:"initial_freeze_period_seconds"`
	SubEpochSubBlocks       int64  `json:"sub_epoch_sub_blocks"`
	DifficultyStarting      uint64 `json:"difficulty_starting"`
	SubSlotItersStarting    uint64 `json:"sub_slot_iters_starting"`
}

// DefaultConsensusConstants mirrors the orders of magnitude named throughout
// spec.md §4.2/§8 (SHORT_BACKTRACK_THRESHOLD=5, WEIGHT_PROOF_RECENT_BLOCKS=500)
// for single-node development and tests.
func DefaultConsensusConstants() ConsensusConstants {
	return ConsensusConstants{
		NumSPsSubSlot:           32,
		MaxSubSlotSubBlocks:     128,
		WeightProofRecentBlocks: 500,
		ShortBacktrackThreshold: 5,
		BatchThreshold:          200,
		MaxBlockCountPerRequest: 32,
		InitialFreezePeriodSecs: 3600,
		SubEpochSubBlocks:       384,
		DifficultyStarting:      1,
		SubSlotItersStarting:    1 << 20,
	}
}

// Config holds all node configuration (§6 "Configuration keys consumed").
type Config struct {
	NodeID  string `json:"node_id"`
	DataDir string `json:"data_dir"` // database_path

	P2PPort int `json:"p2p_port"`

	TargetPeerCount         int    `json:"target_peer_count"`
	TargetOutboundPeerCount int    `json:"target_outbound_peer_count"`
	PeerDBPath              string `json:"peer_db_path"`
	IntroducerPeer          string `json:"introducer_peer"`
	PeerConnectIntervalSecs int    `json:"peer_connect_interval_seconds"`

	ShortSyncSubBlocksBehindThreshold int64 `json:"short_sync_sub_blocks_behind_threshold"`
	SyncSubBlocksBehindThreshold      int64 `json:"sync_sub_blocks_behind_threshold"`

	SeedPeers []SeedPeer `json:"seed_peers,omitempty"`
	TLS       *TLSConfig `json:"tls,omitempty"`

	Constants ConsensusConstants `json:"consensus_constants"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:                  "node0",
		DataDir:                 "./data",
		P2PPort:                 30303,
		TargetPeerCount:         80,
		TargetOutboundPeerCount: 8,
		PeerDBPath:              "./data/peers.db",
		PeerConnectIntervalSecs: 30,

		ShortSyncSubBlocksBehindThreshold: 5,
		SyncSubBlocksBehindThreshold:      200,

		Constants: DefaultConsensusConstants(),
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.TargetPeerCount <= 0 {
		return fmt.Errorf("target_peer_count must be positive")
	}
	if c.TargetOutboundPeerCount > c.TargetPeerCount {
		return fmt.Errorf("target_outbound_peer_count must not exceed target_peer_count")
	}
	if c.Constants.NumSPsSubSlot <= 0 {
		return fmt.Errorf("consensus_constants.num_sps_sub_slot must be positive")
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
