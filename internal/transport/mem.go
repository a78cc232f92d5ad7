package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemHub is an in-process registry of MemServer instances keyed by address,
// letting MemClient "dial" a server without touching the network. It exists
// purely for deterministic wire-protocol tests.
type MemHub struct {
	mu      sync.Mutex
	servers map[string]*MemServer
}

// NewMemHub returns an empty hub. Tests typically share one hub across a
// handful of simulated nodes.
func NewMemHub() *MemHub {
	return &MemHub{servers: make(map[string]*MemServer)}
}

func (h *MemHub) register(address string, s *MemServer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.servers[address] = s
}

func (h *MemHub) lookup(address string) (*MemServer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.servers[address]
	return s, ok
}

// MemServer is an in-process Server backed by a MemHub.
type MemServer struct {
	hub     *MemHub
	address string

	mu    sync.Mutex
	conns map[string]*MemClient

	onConn func(connID string)
	onDisc func(connID string)
	onMsg  func(connID string, frame Frame)
}

// NewMemServer returns a server adapter registered on hub once Start runs.
func NewMemServer(hub *MemHub) *MemServer {
	return &MemServer{hub: hub, conns: make(map[string]*MemClient)}
}

func (s *MemServer) Start(ctx context.Context, address string) error {
	s.address = address
	s.hub.register(address, s)
	return nil
}

func (s *MemServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conns {
		c.serverClose()
		delete(s.conns, id)
	}
	return nil
}

// acceptFrom is invoked by a MemClient dialing this server's address; it
// returns the connID the server assigns to that client.
func (s *MemServer) acceptFrom(c *MemClient) string {
	connID := uuid.NewString()
	s.mu.Lock()
	s.conns[connID] = c
	s.mu.Unlock()
	if s.onConn != nil {
		s.onConn(connID)
	}
	return connID
}

func (s *MemServer) deliverFromClient(connID string, frame Frame) {
	if s.onMsg != nil {
		s.onMsg(connID, frame)
	}
}

func (s *MemServer) disconnectClient(connID string) {
	s.mu.Lock()
	_, ok := s.conns[connID]
	delete(s.conns, connID)
	s.mu.Unlock()
	if ok && s.onDisc != nil {
		s.onDisc(connID)
	}
}

func (s *MemServer) Broadcast(frame Frame, exclude string) error {
	s.mu.Lock()
	targets := make([]*MemClient, 0, len(s.conns))
	for id, c := range s.conns {
		if id == exclude {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.deliverFromServer(frame)
	}
	return nil
}

func (s *MemServer) SendTo(connID string, frame Frame) error {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown connection %s", connID)
	}
	c.deliverFromServer(frame)
	return nil
}

func (s *MemServer) GetConnectedClients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

func (s *MemServer) OnConnection(fn func(connID string))          { s.onConn = fn }
func (s *MemServer) OnDisconnection(fn func(connID string))       { s.onDisc = fn }
func (s *MemServer) OnMessage(fn func(connID string, frame Frame)) { s.onMsg = fn }

// MemClient is an in-process Client dialing a MemServer by address via a
// shared MemHub.
type MemClient struct {
	hub *MemHub

	mu        sync.Mutex
	server    *MemServer
	connID    string
	connected bool

	onMsg   func(frame Frame, peerID string)
	onErr   func(error)
	onClose func()
}

// NewMemClient returns a client adapter bound to hub.
func NewMemClient(hub *MemHub) *MemClient {
	return &MemClient{hub: hub}
}

func (c *MemClient) Connect(ctx context.Context, address string) error {
	srv, ok := c.hub.lookup(address)
	if !ok {
		return fmt.Errorf("transport: no server listening at %s", address)
	}
	connID := srv.acceptFrom(c)
	c.mu.Lock()
	c.server = srv
	c.connID = connID
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *MemClient) Disconnect() error {
	c.mu.Lock()
	srv, connID, wasConnected := c.server, c.connID, c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected && srv != nil {
		srv.disconnectClient(connID)
	}
	return nil
}

func (c *MemClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MemClient) Send(frame Frame) error {
	c.mu.Lock()
	srv, connID, connected := c.server, c.connID, c.connected
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("transport: not connected")
	}
	srv.deliverFromClient(connID, frame)
	return nil
}

func (c *MemClient) deliverFromServer(frame Frame) {
	if c.onMsg != nil {
		c.onMsg(frame, "")
	}
}

// serverClose is invoked when the owning server shuts down, simulating a
// remote hangup on the client side.
func (c *MemClient) serverClose() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if c.onClose != nil {
		c.onClose()
	}
}

func (c *MemClient) OnMessage(fn func(frame Frame, peerID string)) { c.onMsg = fn }
func (c *MemClient) OnError(fn func(err error))                    { c.onErr = fn }
func (c *MemClient) OnClose(fn func())                             { c.onClose = fn }
