// Command node starts a full node: chain storage, sync orchestration,
// mempool, peer networking, and the unfinished-block/infusion-point
// handlers that turn timelord output into committed sub-blocks.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tolchain/fullnode/blockchain"
	"github.com/tolchain/fullnode/chainstore"
	"github.com/tolchain/fullnode/config"
	"github.com/tolchain/fullnode/crypto/certgen"
	"github.com/tolchain/fullnode/events"
	"github.com/tolchain/fullnode/identity"
	"github.com/tolchain/fullnode/indexer"
	"github.com/tolchain/fullnode/infusion"
	"github.com/tolchain/fullnode/mempool"
	"github.com/tolchain/fullnode/network"
	"github.com/tolchain/fullnode/peak"
	"github.com/tolchain/fullnode/protocol"
	"github.com/tolchain/fullnode/storage"
	"github.com/tolchain/fullnode/subslot"
	syncpkg "github.com/tolchain/fullnode/sync"
	"github.com/tolchain/fullnode/syncstate"
	"github.com/tolchain/fullnode/types"
	"github.com/tolchain/fullnode/unfinished"
	"github.com/tolchain/fullnode/weightproof"
)

// recordCacheSize bounds the in-memory LRU of recent SubBlockRecords
// (chainstore.RecordCache); older records fall back to the LevelDB store.
const recordCacheSize = 10_000

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "node.key", "path to identity keystore file")
	genKey := flag.Bool("genkey", false, "generate a new node identity and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("NODE_PASSWORD")
	if password == "" {
		log.Println("WARNING: NODE_PASSWORD not set — keystore will use an empty password")
	}

	if *genKey {
		id, err := identity.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := id.Save(*keyPath, password); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated node identity. Peer ID: %s\n", id.PeerID())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	id, err := identity.LoadOrGenerate(*keyPath, password)
	if err != nil {
		log.Fatalf("load identity: %v", err)
	}
	log.Printf("Node identity loaded. Peer ID: %s", id.PeerID())

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}

	store, err := chainstore.Open(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open chain store: %v", err)
	}
	defer store.Close()

	indexDB, err := storage.NewLevelDB(cfg.DataDir + "/index")
	if err != nil {
		log.Fatalf("open index store: %v", err)
	}
	defer indexDB.Close()

	emitter := events.NewEmitter()

	bc, err := blockchain.New(cfg.Constants, store, recordCacheSize, nil, emitter)
	if err != nil {
		log.Fatalf("blockchain init: %v", err)
	}
	if err := bc.Warmup(0); err != nil {
		log.Fatalf("blockchain warmup: %v", err)
	}
	if bc.GetPeak() == nil {
		log.Println("No peak found; waiting for genesis sub-block from a peer or farmer.")
	}

	idx := indexer.New(indexDB, emitter)

	pool := mempool.New(noopCoinView{})
	subSlots := subslot.New()
	syncState := syncstate.New()
	weightVerifier := weightproof.New(nil)

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, tlsCfg, emitter, nil)
	node.SetOnDisconnect(syncState.RemovePeer)

	peakProc := peak.New(cfg.Constants, subSlots, pool, emitter, node, noopCoinSpendView)

	receiveBatch := func(blocks []*types.FullBlock, peerID string, forkPointHint int64) (bool, int64, error) {
		results := bc.PreValidateBlocks(context.Background(), blocks)
		advancedPeak := false
		var lastForkHeight int64
		for i, block := range blocks {
			if results[i].Err != nil {
				return advancedPeak, lastForkHeight, fmt.Errorf("pre-validate block %d: %w", i, results[i].Err)
			}
			oldPeak := bc.GetPeak()
			result, forkHeight, err := bc.ReceiveBlock(block, results[i].RequiredIters)
			if err != nil {
				return advancedPeak, lastForkHeight, fmt.Errorf("receive block %d: %w", i, err)
			}
			if result == blockchain.NewPeak {
				advancedPeak = true
				lastForkHeight = forkHeight
				ss0, ss1 := surroundingSubSlots(subSlots, block)
				peakProc.Process(peak.Input{
					OldPeak:              oldPeak,
					NewPeak:              bc.GetPeak(),
					SS0:                  ss0,
					SS1:                  ss1,
					ForkIsNontrivial:     oldPeak != nil && forkHeight < oldPeak.SubBlockHeight,
					SourcePeerID:         peerID,
					SyncMode:             syncState.SyncMode(),
					UnfinishedRewardHash: block.RewardChainSubBlock.TrunkHash(),
					PruneCache: func() {
						bc.CleanSubBlockRecords(bc.GetPeak().SubBlockHeight, cfg.Constants.WeightProofRecentBlocks)
					},
				})
			}
		}
		_ = forkPointHint
		return advancedPeak, lastForkHeight, nil
	}

	coordinator := syncpkg.New(cfg.Constants, bc, syncState, weightVerifier, node, emitter)
	coordinator.ReceiveBatch = receiveBatch
	coordinator.HashAtHeight = idx.HashAtHeight

	unfinishedHandler := unfinished.New(cfg.Constants, bc, subSlots, node)
	infusionHandler := infusion.New(cfg.Constants, bc, subSlots, node)
	infusionHandler.ReceiveSubBlock = func(block *types.FullBlock) (blockchain.ReceiveResult, error) {
		result, _, err := receiveBatchSingle(receiveBatch, block, cfg.NodeID)
		return result, err
	}

	node.SetDispatcher(dispatcher(bc, coordinator, unfinishedHandler, infusionHandler, pool, node))

	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		node.ClassifyPeer(sp.ID, protocol.FullNode)
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
		node.SendTo(sp.ID, "", protocol.MsgRequestMempoolTransactions, protocol.RequestMempoolTransactions{
			Filter: mempool.NewFilter(pool.KnownIDs()).Encode(),
		})
	}

	log.Printf("Node running (node_id: %s)", cfg.NodeID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	coordinator.CancelLongSync()
	log.Println("Shutdown complete.")
}

// surroundingSubSlots derives the two sub-slots bracketing a newly-committed
// block's signage/infusion points (§4.4 step 2): ss1 is the sub-slot the
// block itself just finished (if it started one), ss0 the one immediately
// before it — from earlier in the same block when it carries more than one,
// otherwise the last one SubSlotStore already knew about.
func surroundingSubSlots(subSlots *subslot.Store, block *types.FullBlock) (ss0, ss1 *types.FinishedSubSlot) {
	n := len(block.FinishedSubSlots)
	if n == 0 {
		return nil, nil
	}
	ss1 = &block.FinishedSubSlots[n-1]
	if n >= 2 {
		ss0 = &block.FinishedSubSlots[n-2]
		return ss0, ss1
	}
	if known := subSlots.FinishedSubSlots(); len(known) > 0 {
		ss0 = &known[len(known)-1]
	}
	return ss0, ss1
}

// priorSiblingInfo derives the two values RespondUnfinishedSubBlock needs
// from chain state instead of a caller-supplied constant (§4.5): the number
// of sub-blocks already in the current peak's open sub-slot (walking back to
// the record that opened it, the same backward-scan idiom infusion.Handler
// uses to find a block's previous sub-block), and whether the sub-slot the
// incoming unfinished block would open is the first of a new epoch.
func priorSiblingInfo(bc *blockchain.Blockchain, block *types.UnfinishedBlock) (int, bool) {
	peak := bc.GetPeak()
	firstSubSlotNewEpoch := len(block.FinishedSubSlots) > 0 && peak != nil && peak.SubEpochSummaryIncluded != nil
	if peak == nil {
		return 0, firstSubSlotNewEpoch
	}
	count := 0
	cur := peak
	for {
		count++
		if cur.FirstInSubSlot {
			break
		}
		prev, ok := bc.SubBlockRecord(cur.PrevHash)
		if !ok {
			break
		}
		cur = prev
	}
	return count, firstSubSlotNewEpoch
}

// receiveBatchSingle adapts the (blocks []*FullBlock) batch signature of
// ReceiveBatch to the single-block callback infusion.Handler expects.
func receiveBatchSingle(receiveBatch func([]*types.FullBlock, string, int64) (bool, int64, error), block *types.FullBlock, peerID string) (blockchain.ReceiveResult, int64, error) {
	advanced, forkHeight, err := receiveBatch([]*types.FullBlock{block}, peerID, -1)
	if err != nil {
		return blockchain.InvalidBlock, forkHeight, err
	}
	if advanced {
		return blockchain.NewPeak, forkHeight, nil
	}
	return blockchain.AddedAsOrphan, forkHeight, nil
}

// dispatcher routes unsolicited inbound messages to the handler that owns
// each message type, mirroring the teacher's network/node.go switch over
// MsgType in its read loop.
func dispatcher(bc *blockchain.Blockchain, coordinator *syncpkg.Coordinator, uh *unfinished.Handler, ih *infusion.Handler, pool *mempool.Pool, n *network.Node) network.Dispatcher {
	return func(p *network.Peer, typ protocol.MessageType, requestID string, payload json.RawMessage) {
		switch typ {
		case protocol.MsgRequestMempoolTransactions:
			var req protocol.RequestMempoolTransactions
			if err := json.Unmarshal(payload, &req); err != nil {
				log.Printf("[dispatch] bad request_mempool_transactions payload from %s: %v", p.ID, err)
				return
			}
			bundles := pool.NotCoveredBy(mempool.DecodeFilter(req.Filter))
			n.SendTo(p.ID, requestID, protocol.MsgRespondMempoolTransactions, protocol.RespondMempoolTransactions{SpendBundles: bundles})
		case protocol.MsgRespondMempoolTransactions:
			var resp protocol.RespondMempoolTransactions
			if err := json.Unmarshal(payload, &resp); err != nil {
				log.Printf("[dispatch] bad respond_mempool_transactions payload from %s: %v", p.ID, err)
				return
			}
			for _, sb := range resp.SpendBundles {
				if err := pool.Add(sb); err != nil {
					log.Printf("[dispatch] mempool add from %s: %v", p.ID, err)
				}
			}
		case protocol.MsgNewPeak:
			var ann protocol.NewPeakFullNode
			if err := json.Unmarshal(payload, &ann); err != nil {
				log.Printf("[dispatch] bad new_peak payload from %s: %v", p.ID, err)
				return
			}
			go func() {
				if err := coordinator.HandleNewPeak(context.Background(), syncpkg.Announcement{
					PeerID:               p.ID,
					HeaderHash:           ann.HeaderHash,
					SubBlockHeight:       ann.SubBlockHeight,
					Weight:               ann.Weight,
					ForkPointHint:        ann.ForkPointHint,
					UnfinishedRewardHash: ann.UnfinishedRewardHash,
				}); err != nil {
					log.Printf("[dispatch] handle new_peak from %s: %v", p.ID, err)
				}
			}()
		case protocol.MsgRespondUnfinishedSubBlock:
			var resp protocol.RespondUnfinishedSubBlock
			if err := json.Unmarshal(payload, &resp); err != nil {
				log.Printf("[dispatch] bad respond_unfinished_sub_block payload from %s: %v", p.ID, err)
				return
			}
			if resp.Block == nil {
				return
			}
			priorSiblingCount, firstSubSlotNewEpoch := priorSiblingInfo(bc, resp.Block)
			if err := uh.Respond(resp.Block, p.ID, priorSiblingCount, firstSubSlotNewEpoch); err != nil {
				log.Printf("[dispatch] respond_unfinished_sub_block from %s: %v", p.ID, err)
			}
		case protocol.MsgNewInfusionPointVDF:
			var req protocol.NewInfusionPointVDF
			if err := json.Unmarshal(payload, &req); err != nil {
				log.Printf("[dispatch] bad new_infusion_point_vdf payload: %v", err)
				return
			}
			ih.NewInfusionPointVDF(req)
		case protocol.MsgRespondEndOfSubSlot:
			var resp protocol.RespondEndOfSubSlot
			if err := json.Unmarshal(payload, &resp); err != nil {
				log.Printf("[dispatch] bad respond_end_of_sub_slot payload: %v", err)
				return
			}
			ih.RespondEndOfSubSlot(resp.FinishedSubSlot)
		default:
			log.Printf("[dispatch] unhandled message type %s from %s", typ, p.ID)
		}
	}
}

// noopCoinView reports every coin as unspent. The real coin-set database is
// an external collaborator (§6); production deployments inject a CoinView
// backed by the same store that serves CoinStore.
type noopCoinView struct{}

func (noopCoinView) IsUnspent(peakHash, coinName string) (bool, error) { return true, nil }

func noopCoinSpendView(oldPeakHash, newPeakHash string) map[string]bool { return nil }

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
