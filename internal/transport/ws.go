package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSClient is a websocket-backed Client, dialing a single remote server.
type WSClient struct {
	logger *logrus.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	onMsg    func(frame Frame, peerID string)
	onErr    func(error)
	onClose  func()
	closedCh chan struct{}
}

// NewWSClient returns a websocket client adapter.
func NewWSClient(logger *logrus.Logger) *WSClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WSClient{logger: logger}
}

func (c *WSClient) Connect(ctx context.Context, address string) error {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, address, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", address, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.closedCh = make(chan struct{})
	c.mu.Unlock()
	go c.readLoop()
	return nil
}

func (c *WSClient) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.onErr != nil {
				c.onErr(err)
			}
			if c.onClose != nil {
				c.onClose()
			}
			close(c.closedCh)
			return
		}
		if c.onMsg != nil {
			c.onMsg(string(data), "")
		}
	}
}

func (c *WSClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *WSClient) Send(frame Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *WSClient) OnMessage(fn func(frame Frame, peerID string)) { c.onMsg = fn }
func (c *WSClient) OnError(fn func(err error))                    { c.onErr = fn }
func (c *WSClient) OnClose(fn func())                             { c.onClose = fn }

// WSServer accepts inbound websocket connections, assigning each a random
// connection id used as its delivery handle.
type WSServer struct {
	logger *logrus.Logger

	mu      sync.Mutex
	conns   map[string]*websocket.Conn
	server  *http.Server

	onConn   func(connID string)
	onDisc   func(connID string)
	onMsg    func(connID string, frame Frame)
}

// NewWSServer returns a websocket server adapter.
func NewWSServer(logger *logrus.Logger) *WSServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WSServer{logger: logger, conns: make(map[string]*websocket.Conn)}
}

func (s *WSServer) Start(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.server = &http.Server{Addr: address, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("transport: listen %s: %w", address, err)
	default:
		return nil
	}
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	connID := uuid.NewString()
	s.mu.Lock()
	s.conns[connID] = conn
	s.mu.Unlock()

	if s.onConn != nil {
		s.onConn(connID)
	}
	s.readLoop(connID, conn)
}

func (s *WSServer) readLoop(connID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			delete(s.conns, connID)
			s.mu.Unlock()
			if s.onDisc != nil {
				s.onDisc(connID)
			}
			return
		}
		if s.onMsg != nil {
			s.onMsg(connID, string(data))
		}
	}
}

func (s *WSServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, id)
	}
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *WSServer) Broadcast(frame Frame, exclude string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, conn := range s.conns {
		if id == exclude {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *WSServer) SendTo(connID string, frame Frame) error {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown connection %s", connID)
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (s *WSServer) GetConnectedClients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

func (s *WSServer) OnConnection(fn func(connID string))       { s.onConn = fn }
func (s *WSServer) OnDisconnection(fn func(connID string))    { s.onDisc = fn }
func (s *WSServer) OnMessage(fn func(connID string, frame Frame)) { s.onMsg = fn }
