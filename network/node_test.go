package network

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tolchain/fullnode/protocol"
	"github.com/tolchain/fullnode/types"
)

func startTestNode(t *testing.T, dispatch Dispatcher) (*Node, string) {
	t.Helper()
	n := NewNode("node-"+t.Name(), "127.0.0.1:0", nil, nil, dispatch)
	if err := n.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(n.Stop)
	return n, n.listener.Addr().String()
}

func dialTestNode(t *testing.T, name, serverAddr string) *Node {
	t.Helper()
	c := NewNode(name, "127.0.0.1:0", nil, nil, nil)
	if err := c.Start(); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	t.Cleanup(c.Stop)
	if err := c.AddPeer("server", serverAddr); err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func TestRequestSubBlockRoundTrip(t *testing.T) {
	want := &types.FullBlock{PrevHeaderHash: types.GenesisHash}

	dispatch := func(peer *Peer, typ protocol.MessageType, requestID string, payload json.RawMessage) {
		if typ != protocol.MsgRequestSubBlock {
			return
		}
		peer.Send(protocol.Envelope{
			Type:      protocol.MsgRespondSubBlock,
			RequestID: requestID,
			Payload:   protocol.RespondSubBlock{SubBlock: want},
		})
	}
	_, addr := startTestNode(t, dispatch)
	client := dialTestNode(t, "client1", addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := client.RequestSubBlock(ctx, "server", 0)
	if err != nil {
		t.Fatalf("RequestSubBlock: %v", err)
	}
	if got.PrevHeaderHash != want.PrevHeaderHash {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRequestSubBlocksRejected(t *testing.T) {
	dispatch := func(peer *Peer, typ protocol.MessageType, requestID string, payload json.RawMessage) {
		if typ != protocol.MsgRequestSubBlocks {
			return
		}
		var req protocol.RequestSubBlocks
		_ = json.Unmarshal(payload, &req)
		peer.Send(protocol.Envelope{
			Type:      protocol.MsgRejectSubBlocks,
			RequestID: requestID,
			Payload:   protocol.RejectSubBlocks{Start: req.Start, End: req.End, Reason: "unknown range"},
		})
	}
	_, addr := startTestNode(t, dispatch)
	client := dialTestNode(t, "client2", addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	blocks, ok, err := client.RequestSubBlocks(ctx, "server", 0, 10)
	if err != nil {
		t.Fatalf("RequestSubBlocks: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false on reject, got blocks=%v", blocks)
	}
}

func TestRequestSubBlockTimesOutWithoutReply(t *testing.T) {
	_, addr := startTestNode(t, func(*Peer, protocol.MessageType, string, json.RawMessage) {})
	client := dialTestNode(t, "client3", addr)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.RequestSubBlock(ctx, "server", 0)
	if err == nil {
		t.Fatalf("expected a timeout error when the server never replies")
	}
}

func TestClassifyAndBroadcastScopesToClass(t *testing.T) {
	received := make(chan protocol.MessageType, 1)
	dispatch := func(peer *Peer, typ protocol.MessageType, requestID string, payload json.RawMessage) {
		received <- typ
	}
	_, addr := startTestNode(t, dispatch)
	client := dialTestNode(t, "client4", addr)
	client.ClassifyPeer("server", protocol.Wallet)

	client.BroadcastWallets(protocol.Envelope{Type: protocol.MsgNewPeak, Payload: protocol.NewPeakWallet{HeaderHash: "abc"}})

	select {
	case typ := <-received:
		if typ != protocol.MsgNewPeak {
			t.Fatalf("got %s, want new_peak", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast delivery")
	}

	client.BroadcastFarmers(protocol.Envelope{Type: protocol.MsgNewSignagePoint})
	select {
	case typ := <-received:
		t.Fatalf("expected no farmer-class delivery to a wallet-classified peer, got %s", typ)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectRemovesPeerFromClassSets(t *testing.T) {
	_, addr := startTestNode(t, func(*Peer, protocol.MessageType, string, json.RawMessage) {})
	client := dialTestNode(t, "client5", addr)
	client.ClassifyPeer("server", protocol.FullNode)

	if len(client.peersInClass(protocol.FullNode)) != 1 {
		t.Fatalf("expected one peer classified as full node")
	}
	client.Disconnect("server")
	if len(client.peersInClass(protocol.FullNode)) != 0 {
		t.Fatalf("expected peer to be removed from class set after disconnect")
	}
	if client.Peer("server") != nil {
		t.Fatalf("expected peer to be removed from the peer set after disconnect")
	}
}

func TestDisconnectInvokesOnDisconnectCallback(t *testing.T) {
	_, addr := startTestNode(t, func(*Peer, protocol.MessageType, string, json.RawMessage) {})
	client := dialTestNode(t, "client6", addr)

	var removed string
	client.SetOnDisconnect(func(peerID string) { removed = peerID })
	client.Disconnect("server")

	if removed != "server" {
		t.Fatalf("expected onDisconnect callback to fire with the disconnected peer id, got %q", removed)
	}
}
