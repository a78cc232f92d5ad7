package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/interplaynetary/mesh/internal/dup"
	"github.com/interplaynetary/mesh/internal/graph"
	"github.com/interplaynetary/mesh/internal/ham"
	"github.com/interplaynetary/mesh/internal/listener"
	"github.com/interplaynetary/mesh/internal/ratelimit"
	"github.com/interplaynetary/mesh/internal/store"
	"github.com/interplaynetary/mesh/internal/transport"
	"github.com/interplaynetary/mesh/internal/xor"
)

// GetOptions overrides the default GET timeout for a single call.
type GetOptions struct {
	Wait time.Duration
}

type pendingGet struct {
	cb    func(graph.Graph, error)
	timer *time.Timer
}

// Wire is one running node: it owns the in-memory graph, the outstanding
// GET/reply correlation table, subscriptions, the set of souls eligible for
// acceptance via pendingReferences, and the collaborators (dup, store,
// fingerTable, rateLimiter) wired in at construction. All mutable state is
// guarded by a single mutex: one owner, serialized mutation, no partial or
// interleaved views.
type Wire struct {
	cfg      Config
	verifier ham.Verifier
	logger   *logrus.Logger

	store       *store.Store
	fingerTable *xor.FingerTable
	rateLimiter *ratelimit.Limiter
	dup         *dup.Set
	listen      *listener.Registry

	mu                sync.Mutex
	graph             graph.Graph
	queue             map[string]*pendingGet
	pendingReferences map[graph.Soul]bool
	deferred          map[graph.Soul]graph.Graph
	deferTimer        *time.Timer

	clients  map[string]transport.Client // peerID -> outbound dial
	server   transport.Server
	connPeer map[string]string // connID -> claimed peer id (server side)

	outbound   []frameEnvelope
	outboundCh chan struct{}
	closeCh    chan struct{}
	closeOnce  sync.Once
}

type frameEnvelope struct {
	frame      string
	targetSoul graph.Soul
	hasTarget  bool
}

// New builds a Wire with no transports attached; call AddClient/AttachServer
// before Run.
func New(cfg Config, st *store.Store, ft *xor.FingerTable, rl *ratelimit.Limiter, dupSet *dup.Set, verifier ham.Verifier, logger *logrus.Logger) *Wire {
	cfg.setDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Wire{
		cfg:               cfg,
		verifier:          verifier,
		logger:            logger,
		store:             st,
		fingerTable:       ft,
		rateLimiter:       rl,
		dup:               dupSet,
		listen:            listener.New(),
		graph:             make(graph.Graph),
		queue:             make(map[string]*pendingGet),
		pendingReferences: make(map[graph.Soul]bool),
		deferred:          make(map[graph.Soul]graph.Graph),
		clients:           make(map[string]transport.Client),
		connPeer:          make(map[string]string),
		outboundCh:        make(chan struct{}, 1),
		closeCh:           make(chan struct{}),
	}
}

// AddClient registers an outbound connection to a known peer, wiring its
// inbound callbacks into HandleFrame.
func (w *Wire) AddClient(peerID string, c transport.Client) {
	w.mu.Lock()
	w.clients[peerID] = c
	w.mu.Unlock()
	c.OnMessage(func(frame transport.Frame, fromPeer string) {
		id := fromPeer
		if id == "" {
			id = peerID
		}
		w.HandleFrame(frame, "client:"+id)
	})
	c.OnClose(func() {
		w.mu.Lock()
		delete(w.clients, peerID)
		w.mu.Unlock()
		w.fingerTable.RemovePeer(peerID)
	})
}

// AttachServer registers an inbound-accepting server transport.
func (w *Wire) AttachServer(srv transport.Server) {
	w.server = srv
	srv.OnMessage(func(connID string, frame transport.Frame) {
		w.HandleFrame(frame, connID)
	})
	srv.OnDisconnection(func(connID string) {
		w.mu.Lock()
		peerID, ok := w.connPeer[connID]
		delete(w.connPeer, connID)
		w.mu.Unlock()
		if ok {
			w.fingerTable.RemovePeer(peerID)
		}
	})
}

// Close stops the outbound pacing loop. Safe to call multiple times.
func (w *Wire) Close() {
	w.closeOnce.Do(func() { close(w.closeCh) })
}

// Run drives the outbound pacing loop (§4.8.3) until ctx is canceled or
// Close is called.
func (w *Wire) Run(ctx context.Context) {
	ticker := time.NewTicker(outboundPacing)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.closeCh:
			return
		case <-ticker.C:
			w.drainOne()
		}
	}
}

func (w *Wire) drainOne() {
	w.mu.Lock()
	if len(w.outbound) == 0 {
		w.mu.Unlock()
		return
	}
	env := w.outbound[0]
	w.outbound = w.outbound[1:]
	w.mu.Unlock()
	w.routedSend(env)
}

// routedSend implements §4.8.3 steps 2-4: route by closest peers to the
// target soul, falling back to broadcast, surfacing failure as a transport
// error to any caller waiting on this frame's id.
func (w *Wire) routedSend(env frameEnvelope) {
	if env.hasTarget {
		peers := w.fingerTable.FindClosestPeers(string(env.targetSoul), w.cfg.FindClosestK)
		if len(peers) > 0 {
			sent := false
			for _, peerID := range peers {
				if w.sendToPeer(peerID, env.frame) {
					sent = true
				}
			}
			if sent {
				return
			}
		}
	}
	if err := w.broadcastAll(env.frame); err != nil {
		w.logger.WithError(err).Warn("wire: routedSend found no reachable peer")
	}
}

func (w *Wire) sendToPeer(peerID, frame string) bool {
	w.mu.Lock()
	client, hasClient := w.clients[peerID]
	connID, hasConn := "", false
	for cID, pID := range w.connPeer {
		if pID == peerID {
			connID, hasConn = cID, true
			break
		}
	}
	server := w.server
	w.mu.Unlock()

	if hasClient {
		if err := client.Send(frame); err == nil {
			return true
		}
	}
	if hasConn && server != nil {
		if err := server.SendTo(connID, frame); err == nil {
			return true
		}
	}
	return false
}

func (w *Wire) broadcastAll(frame string) error {
	w.mu.Lock()
	clients := make([]transport.Client, 0, len(w.clients))
	for _, c := range w.clients {
		clients = append(clients, c)
	}
	server := w.server
	w.mu.Unlock()

	sent := false
	for _, c := range clients {
		if c.IsConnected() {
			if err := c.Send(frame); err == nil {
				sent = true
			}
		}
	}
	if server != nil {
		if err := server.Broadcast(frame, ""); err == nil {
			sent = true
		}
	}
	if !sent {
		return fmt.Errorf("wire: no reachable peers")
	}
	return nil
}

// enqueueOutbound appends a frame to the outbound queue, dropping the
// oldest entry if the configured cap is exceeded: best-effort backpressure
// that sacrifices the oldest undelivered frame over blocking the caller.
func (w *Wire) enqueueOutbound(frame string, target graph.Soul, hasTarget bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.outbound) >= w.cfg.MaxQueueLength {
		w.outbound = w.outbound[1:]
	}
	w.outbound = append(w.outbound, frameEnvelope{frame: frame, targetSoul: target, hasTarget: hasTarget})
}

func (w *Wire) newID() string {
	return uuid.NewString()
}

// ---------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------

// Get implements §4.8's public get: synchronous local hits, async disk
// hits, and an async wire round trip, each capable of invoking cb.
func (w *Wire) Get(lex graph.Lex, cb func(graph.Graph, error), opt *GetOptions) {
	wait := w.cfg.Wait
	if opt != nil && opt.Wait > 0 {
		wait = opt.Wait
	}

	w.mu.Lock()
	w.pendingReferences[lex.Soul] = true
	local, err := graph.Get(lex, w.graph, false)
	w.mu.Unlock()
	if err != nil {
		cb(nil, err)
		return
	}
	if local != nil {
		cb(local, nil)
		return
	}

	id := w.newID()
	w.mu.Lock()
	pg := &pendingGet{cb: cb}
	pg.timer = time.AfterFunc(wait, func() { w.timeoutGet(id) })
	w.queue[id] = pg
	w.mu.Unlock()

	wireLex, err := EncodeLex(lex)
	if err == nil {
		msg := Message{ID: id, Get: wireLex}
		if raw, err := json.Marshal(msg); err == nil {
			w.dup.Track(id)
			w.enqueueOutbound(string(raw), lex.Soul, true)
		}
	}

	go func() {
		diskGraph, err := w.store.Get(lex, w.cfg.Secure)
		if err != nil || diskGraph == nil {
			return
		}
		if !w.cancelPendingGet(id) {
			// Already delivered (wire reply or timeout) — cb must not fire twice.
			return
		}
		cb(diskGraph, nil)
	}()
}

// cancelPendingGet removes id's pending-GET entry and stops its timeout
// timer, if still outstanding. It reports whether the entry was still
// present, so a caller delivering a late result doesn't double-fire cb
// after a wire reply or timeoutGet already did.
func (w *Wire) cancelPendingGet(id string) bool {
	w.mu.Lock()
	pg, ok := w.queue[id]
	if ok {
		delete(w.queue, id)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	if pg.timer != nil {
		pg.timer.Stop()
	}
	return true
}

func (w *Wire) timeoutGet(id string) {
	w.mu.Lock()
	pg, ok := w.queue[id]
	if ok {
		delete(w.queue, id)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	// Timer already fired; no need to stop it here.
	pg.cb(nil, nil)
}

// Put implements §4.8's public put: local HAM merge, anti-spoofing check
// for ~pub souls, persistence, listener firing, and wire broadcast.
func (w *Wire) Put(g graph.Graph, cb func(error)) {
	if err := w.checkUserSoulSpoofing(g); err != nil {
		if cb != nil {
			cb(err)
		}
		return
	}

	w.mu.Lock()
	res, err := ham.Mix(g, w.graph, w.cfg.Secure, w.verifier)
	w.mu.Unlock()
	if err != nil {
		if cb != nil {
			cb(err)
		}
		return
	}
	if len(res.Now) == 0 && len(res.Defer) == 0 {
		if cb != nil {
			cb(nil)
		}
		return
	}

	w.mu.Lock()
	for soul, node := range res.Now {
		for _, v := range node.Fields {
			if v.IsRelation() {
				w.pendingReferences[v.RelationSoul()] = true
			}
		}
		w.pendingReferences[soul] = true
	}
	w.mu.Unlock()

	if len(res.Now) > 0 {
		w.store.Put(res.Now, func(err error) {
			if cb != nil {
				cb(err)
			}
		})
		w.fireListeners(res.Now)
		w.broadcastPut(res.Now)
	} else if cb != nil {
		cb(nil)
	}

	if len(res.Defer) > 0 {
		w.scheduleDeferred(res.Defer, res.Wait)
	}
}

// checkUserSoulSpoofing runs the anti-spoofing check from §4.8's public
// put: for every soul about to be written that is a ~pub soul, the
// currently-held pub field (if any) must agree with the incoming one.
func (w *Wire) checkUserSoulSpoofing(g graph.Graph) error {
	for soul, node := range g {
		if !graph.IsUserSoul(soul) {
			continue
		}
		incomingPub, ok := node.Fields["pub"]
		if !ok {
			continue
		}
		w.mu.Lock()
		existing, hasExisting := w.graph[soul]
		w.mu.Unlock()
		if !hasExisting {
			continue
		}
		currentPub, ok := existing.Fields["pub"]
		if !ok {
			continue
		}
		if !currentPub.Equal(incomingPub) {
			return fmt.Errorf("wire: pub mismatch for soul %q", soul)
		}
	}
	return nil
}

func (w *Wire) fireListeners(g graph.Graph) {
	for soul, node := range g {
		for field, v := range node.Fields {
			w.listen.Fire(soul, field, v, node.Meta.States[field])
		}
	}
}

func (w *Wire) broadcastPut(g graph.Graph) {
	put, err := EncodeGraph(g)
	if err != nil {
		w.logger.WithError(err).Warn("wire: encode outgoing put")
		return
	}
	id := w.newID()
	msg := Message{ID: id, Put: put}
	raw, err := json.Marshal(msg)
	if err != nil {
		w.logger.WithError(err).Warn("wire: marshal outgoing put")
		return
	}
	w.dup.Track(id)
	target, hasTarget := firstSoul(g)
	w.enqueueOutbound(string(raw), target, hasTarget)
}

func firstSoul(g graph.Graph) (graph.Soul, bool) {
	for soul := range g {
		return soul, true
	}
	return "", false
}

// scheduleDeferred coalesces a deferred re-invocation with any already
// pending one, per §4.8.2's "coalesced with other deferred items".
func (w *Wire) scheduleDeferred(g graph.Graph, wait time.Duration) {
	w.mu.Lock()
	for soul, node := range g {
		existing, ok := w.deferred[soul]
		if !ok {
			existing = graph.Graph{soul: graph.NewNode(soul)}
			w.deferred[soul] = existing
		}
		mergeNodeInto(existing[soul], node)
	}
	if w.deferTimer == nil {
		w.deferTimer = time.AfterFunc(wait, w.retryDeferred)
	}
	w.mu.Unlock()
}

func mergeNodeInto(dst, src *graph.NodeData) {
	for field, v := range src.Fields {
		dst.Fields[field] = v
		dst.Meta.States[field] = src.Meta.States[field]
		if sig, ok := src.Meta.Sigs[src.Meta.States[field]]; ok {
			dst.Meta.Sigs[src.Meta.States[field]] = sig
		}
	}
}

func (w *Wire) retryDeferred() {
	w.mu.Lock()
	pending := w.deferred
	w.deferred = make(map[graph.Soul]graph.Graph)
	w.deferTimer = nil
	w.mu.Unlock()

	for _, g := range pending {
		w.Put(g, nil)
	}
}

// On registers a subscription; if get is true it also issues a GET so the
// listener fires immediately with any existing data.
func (w *Wire) On(lex graph.Lex, cb listener.Callback, get bool) listener.Handle {
	h := w.listen.On(lex.Soul, lex.Field, cb)
	if get {
		w.Get(lex, func(g graph.Graph, err error) {
			if err != nil || g == nil {
				return
			}
			for soul, node := range g {
				for field, v := range node.Fields {
					cb(soul, field, v, node.Meta.States[field])
				}
			}
		}, nil)
	}
	return h
}

// Off removes a specific subscription handle.
func (w *Wire) Off(h listener.Handle) {
	w.listen.Off(h)
}
