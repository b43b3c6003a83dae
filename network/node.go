package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tolchain/fullnode/events"
	"github.com/tolchain/fullnode/protocol"
	"github.com/tolchain/fullnode/types"
	"github.com/tolchain/fullnode/weightproof"
)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 80

// Dispatcher is called for every received envelope that isn't a reply to a
// pending request; the sync/unfinished/infusion handlers register
// themselves here to receive unsolicited messages (NewPeak,
// RespondUnfinishedSubBlock, NewInfusionPointVDF, ...). requestID is
// non-empty when the sender expects a correlated reply (e.g. inbound
// RequestSubBlock from a peer acting as a client); the handler replies by
// calling peer.Send with the same RequestID set on its Envelope.
type Dispatcher func(peer *Peer, typ protocol.MessageType, requestID string, payload json.RawMessage)

// Node listens for incoming peers, manages outgoing connections, classifies
// peers by protocol.PeerClass, and correlates request/response pairs for
// the sync package's PeerClient interface. Adapted from the teacher's
// network/node.go peer-set management (§9: "server exclusively owns the
// connection set; connections hold a non-owning handle used only for
// callbacks").
type Node struct {
	nodeID     string
	listenAddr string
	tlsConfig  *tls.Config
	maxPeers   int

	mu      sync.RWMutex
	peers   map[string]*Peer
	byClass map[protocol.PeerClass]map[string]bool
	emitter *events.Emitter

	dispatch Dispatcher

	// onDisconnect, if set, is invoked with a peer's id after it is dropped
	// from the connection set (e.g. syncstate.State.RemovePeer, so stale
	// peerPeaks/peakToPeers bookkeeping doesn't outlive the connection).
	onDisconnect func(peerID string)

	pendingMu sync.Mutex
	pending   map[string]chan pendingReply

	reqCounter uint64

	listener net.Listener
	stopCh   chan struct{}
}

type pendingReply struct {
	typ     protocol.MessageType
	payload json.RawMessage
}

// NewNode creates a Node that will listen on listenAddr. If tlsCfg is
// non-nil the listener and outgoing connections use TLS. dispatch handles
// every inbound message that isn't a correlated request/response reply.
func NewNode(nodeID, listenAddr string, tlsCfg *tls.Config, emitter *events.Emitter, dispatch Dispatcher) *Node {
	return &Node{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		peers:      make(map[string]*Peer),
		byClass:    make(map[protocol.PeerClass]map[string]bool),
		pending:    make(map[string]chan pendingReply),
		emitter:    emitter,
		dispatch:   dispatch,
		stopCh:     make(chan struct{}),
	}
}

// Start begins accepting connections.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Stop shuts down the node and closes all peer connections.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
}

// AddPeer dials addr and registers the connection with no class. No
// handshake is run; the peer gets a class only when ClassifyPeer is called
// for it (§4.8).
func (n *Node) AddPeer(id, addr string) error {
	peer, err := Connect(id, addr, n.tlsConfig)
	if err != nil {
		return err
	}
	n.register(peer)
	go n.readLoop(peer)
	return nil
}

func (n *Node) register(peer *Peer) {
	n.mu.Lock()
	n.peers[peer.ID] = peer
	n.mu.Unlock()
}

// ClassifyPeer records a peer's class and emits add_connection (§4.8).
func (n *Node) ClassifyPeer(peerID string, class protocol.PeerClass) {
	n.mu.Lock()
	if p, ok := n.peers[peerID]; ok {
		p.Class = class
	}
	set, ok := n.byClass[class]
	if !ok {
		set = make(map[string]bool)
		n.byClass[class] = set
	}
	set[peerID] = true
	n.mu.Unlock()

	if n.emitter != nil {
		n.emitter.Emit(events.Event{Type: events.EventAddConnection, Data: map[string]any{"peer_id": peerID, "class": string(class)}})
	}
}

// SetDispatcher wires the handler for unsolicited inbound messages. Exists
// so callers can construct a Node first and wire dispatch afterward, since
// the dispatcher's handlers (sync.Coordinator, unfinished.Handler, ...)
// themselves depend on the Node as their Broadcaster/PeerClient.
func (n *Node) SetDispatcher(d Dispatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dispatch = d
}

func (n *Node) currentDispatcher() Dispatcher {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dispatch
}

// SetOnDisconnect wires a callback run after a peer is dropped from the
// connection set, mirroring SetDispatcher's two-phase wiring since the
// callback (syncstate.State.RemovePeer) is constructed independently of Node.
func (n *Node) SetOnDisconnect(f func(peerID string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDisconnect = f
}

func (n *Node) currentOnDisconnect() func(peerID string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.onDisconnect
}

// Peer returns the connected peer with the given id, or nil if not found.
func (n *Node) Peer(id string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

func (n *Node) peersInClass(class protocol.PeerClass) []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	set := n.byClass[class]
	out := make([]*Peer, 0, len(set))
	for id := range set {
		if p, ok := n.peers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (n *Node) send(p *Peer, env protocol.Envelope) {
	if err := p.Send(env); err != nil {
		log.Printf("[network] send to %s: %v", p.ID, err)
	}
}

// BroadcastFullNodes implements peak.Broadcaster / unfinished.Broadcaster /
// infusion.Broadcaster.
func (n *Node) BroadcastFullNodes(excludePeerID string, env protocol.Envelope) {
	for _, p := range n.peersInClass(protocol.FullNode) {
		if p.ID == excludePeerID {
			continue
		}
		n.send(p, env)
	}
}

// BroadcastWallets implements peak.Broadcaster.
func (n *Node) BroadcastWallets(env protocol.Envelope) {
	for _, p := range n.peersInClass(protocol.Wallet) {
		n.send(p, env)
	}
}

// BroadcastFarmers implements peak.Broadcaster / infusion.Broadcaster.
func (n *Node) BroadcastFarmers(env protocol.Envelope) {
	for _, p := range n.peersInClass(protocol.Farmer) {
		n.send(p, env)
	}
}

// SendTimelords implements peak.Broadcaster / unfinished.Broadcaster.
func (n *Node) SendTimelords(env protocol.Envelope) {
	for _, p := range n.peersInClass(protocol.Timelord) {
		n.send(p, env)
	}
}

// SendTo replies to a single peer, echoing requestID so the reply correlates
// with whatever inbound request prompted it (empty for an unsolicited push).
func (n *Node) SendTo(peerID, requestID string, typ protocol.MessageType, payload any) {
	p := n.Peer(peerID)
	if p == nil {
		return
	}
	n.send(p, protocol.Envelope{Type: typ, RequestID: requestID, Payload: payload})
}

func (n *Node) nextRequestID() string {
	id := atomic.AddUint64(&n.reqCounter, 1)
	return fmt.Sprintf("%s-%d", n.nodeID, id)
}

func (n *Node) request(ctx context.Context, peerID string, typ protocol.MessageType, payload any) (protocol.MessageType, json.RawMessage, error) {
	peer := n.Peer(peerID)
	if peer == nil {
		return "", nil, fmt.Errorf("network: no such peer %s", peerID)
	}
	reqID := n.nextRequestID()
	ch := make(chan pendingReply, 1)
	n.pendingMu.Lock()
	n.pending[reqID] = ch
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, reqID)
		n.pendingMu.Unlock()
	}()

	if err := peer.Send(protocol.Envelope{Type: typ, RequestID: reqID, Payload: payload}); err != nil {
		return "", nil, err
	}
	select {
	case reply := <-ch:
		return reply.typ, reply.payload, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// RequestSubBlock implements sync.PeerClient.
func (n *Node) RequestSubBlock(ctx context.Context, peerID string, height int64) (*types.FullBlock, error) {
	typ, payload, err := n.request(ctx, peerID, protocol.MsgRequestSubBlock, protocol.RequestSubBlock{Height: height, IncludeTransactionsGenerator: true})
	if err != nil {
		return nil, err
	}
	if typ != protocol.MsgRespondSubBlock {
		return nil, fmt.Errorf("network: unexpected reply type %s for sub-block request", typ)
	}
	var resp protocol.RespondSubBlock
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	if resp.SubBlock == nil {
		return nil, fmt.Errorf("network: peer %s returned an empty sub-block", peerID)
	}
	return resp.SubBlock, nil
}

// RequestSubBlocks implements sync.PeerClient. ok is false when the peer
// replied with RejectSubBlocks instead of a batch.
func (n *Node) RequestSubBlocks(ctx context.Context, peerID string, start, end int64) ([]*types.FullBlock, bool, error) {
	typ, payload, err := n.request(ctx, peerID, protocol.MsgRequestSubBlocks, protocol.RequestSubBlocks{Start: start, End: end, IncludeTxs: true})
	if err != nil {
		return nil, false, err
	}
	switch typ {
	case protocol.MsgRespondSubBlocks:
		var resp protocol.RespondSubBlocks
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, false, err
		}
		return resp.SubBlocks, true, nil
	case protocol.MsgRejectSubBlocks:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("network: unexpected reply type %s for sub-blocks request", typ)
	}
}

// RequestProofOfWeight implements sync.PeerClient.
func (n *Node) RequestProofOfWeight(ctx context.Context, peerID string, height int64, headerHash string) (weightproof.Proof, error) {
	typ, payload, err := n.request(ctx, peerID, protocol.MsgRequestProofOfWeight, protocol.RequestProofOfWeight{Height: height, HeaderHash: headerHash})
	if err != nil {
		return weightproof.Proof{}, err
	}
	if typ != protocol.MsgRespondProofOfWeight {
		return weightproof.Proof{}, fmt.Errorf("network: unexpected reply type %s for weight proof request", typ)
	}
	var resp protocol.RespondProofOfWeight
	if err := json.Unmarshal(payload, &resp); err != nil {
		return weightproof.Proof{}, err
	}
	var proof weightproof.Proof
	if err := json.Unmarshal(resp.WP, &proof); err != nil {
		return weightproof.Proof{}, err
	}
	return proof, nil
}

// Disconnect implements sync.PeerClient: drops peerID from the connection
// set and closes its socket.
func (n *Node) Disconnect(peerID string) {
	n.mu.Lock()
	peer, ok := n.peers[peerID]
	if ok {
		delete(n.peers, peerID)
		for _, set := range n.byClass {
			delete(set, peerID)
		}
	}
	n.mu.Unlock()
	if ok {
		peer.Close()
		if cb := n.currentOnDisconnect(); cb != nil {
			cb(peerID)
		}
	}
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				log.Printf("[network] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		n.mu.RLock()
		peerCount := len(n.peers)
		n.mu.RUnlock()
		if peerCount >= n.maxPeers {
			log.Printf("[network] max peers (%d) reached, rejecting %s", n.maxPeers, conn.RemoteAddr())
			conn.Close()
			continue
		}
		peer := NewPeer(conn.RemoteAddr().String(), conn.RemoteAddr().String(), conn)
		n.register(peer)
		go n.readLoop(peer)
	}
}

func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[network] readLoop panic from %s: %v", peer.ID, r)
		}
		n.Disconnect(peer.ID)
	}()
	for {
		typ, requestID, payload, err := peer.Receive()
		if err != nil {
			return
		}
		if requestID != "" && n.tryDeliverReply(requestID, typ, payload) {
			continue
		}
		if d := n.currentDispatcher(); d != nil {
			d(peer, typ, requestID, payload)
		}
	}
}

// tryDeliverReply routes a reply envelope back to the goroutine blocked in
// request(), if one is still waiting on requestID.
func (n *Node) tryDeliverReply(requestID string, typ protocol.MessageType, payload json.RawMessage) bool {
	n.pendingMu.Lock()
	ch, ok := n.pending[requestID]
	n.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- pendingReply{typ: typ, payload: payload}
	return true
}
