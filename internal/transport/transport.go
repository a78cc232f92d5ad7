// Package transport defines the abstract bidirectional framed byte-stream
// contract the wire protocol drives (§6.1), plus two concrete adapters: a
// websocket client/server pair (ws.go) and an in-process pipe used by
// tests (mem.go). The core never depends on a specific transport; Wire is
// constructed with whatever satisfies these interfaces.
package transport

import "context"

// Frame is one UTF-8 JSON-encoded wire message.
type Frame = string

// Client is an asynchronous frame channel to a single remote peer.
type Client interface {
	Connect(ctx context.Context, address string) error
	Disconnect() error
	IsConnected() bool
	Send(frame Frame) error

	// OnMessage registers the callback invoked for every inbound frame,
	// with the sending peer id when known (from HELLO negotiation).
	OnMessage(func(frame Frame, peerID string))
	OnError(func(err error))
	OnClose(func())
}

// PeerLister is an optional client extension for transports with their
// own peer-discovery surface (P2P meshes).
type PeerLister interface {
	GetPeerIDs() []string
	ConnectToPeer(ctx context.Context, id string) error
}

// Server accepts multiple inbound connections, each identified by a
// connection id that is the delivery handle (distinct from the peer id
// claimed in HELLO).
type Server interface {
	Start(ctx context.Context, address string) error
	Stop() error
	Broadcast(frame Frame, exclude string) error
	SendTo(connID string, frame Frame) error
	GetConnectedClients() []string

	OnConnection(func(connID string))
	OnDisconnection(func(connID string))
	OnMessage(func(connID string, frame Frame))
}
