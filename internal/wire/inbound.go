package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/interplaynetary/mesh/internal/graph"
	"github.com/interplaynetary/mesh/internal/ham"
)

// HandleFrame runs the nine-step inbound message pipeline (§4.8) over one
// framed string received on connID (a server connection id, or
// "client:<peerID>" for frames arriving on an outbound dial registered via
// AddClient).
func (w *Wire) HandleFrame(frame string, connID string) {
	if len(frame) > w.cfg.MaxFrameBytes {
		return
	}

	if w.rateLimiter != nil {
		if disconnect := w.rateLimiter.Allow(connID); disconnect {
			w.logger.WithField("conn", connID).Warn("wire: client exceeded sustained rate limit")
			return
		}
	}

	var msg Message
	if err := json.Unmarshal([]byte(frame), &msg); err != nil {
		return
	}
	if msg.ID == "" {
		return
	}
	if _, seen := w.dup.Check(msg.ID); seen {
		return
	}
	w.dup.Track(msg.ID)

	if msg.Hello != nil && msg.Hello.Pub != "" {
		w.mu.Lock()
		w.connPeer[connID] = msg.Hello.Pub
		w.mu.Unlock()
		if err := w.fingerTable.AddPeer(msg.Hello.Pub); err != nil {
			w.logger.WithError(err).Debug("wire: add peer from hello")
		}
	}

	if msg.Get != nil {
		w.handleInboundGet(msg, connID)
	}
	if len(msg.Put) > 0 {
		w.handleInboundPut(msg, connID)
	}
	if msg.ReplyTo != "" {
		w.deliverReply(msg)
	}
}

func (w *Wire) deliverReply(msg Message) {
	w.mu.Lock()
	pg, ok := w.queue[msg.ReplyTo]
	if ok {
		delete(w.queue, msg.ReplyTo)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	if pg.timer != nil {
		pg.timer.Stop()
	}
	if msg.Err != "" {
		pg.cb(nil, errors.New(msg.Err))
		return
	}
	if len(msg.Put) > 0 {
		g, err := DecodeGraph(msg.Put)
		pg.cb(g, err)
		return
	}
	pg.cb(nil, nil)
}

// handleInboundGet implements §4.8.1.
func (w *Wire) handleInboundGet(msg Message, connID string) {
	lex, err := DecodeLex(msg.Get)
	if err != nil {
		return
	}

	w.mu.Lock()
	local, err := graph.Get(lex, w.graph, false)
	w.mu.Unlock()
	if err == nil && local != nil {
		w.replyPut(msg.ID, connID, local)
		return
	}

	diskGraph, err := w.store.Get(lex, true)
	if err != nil {
		w.replyErr(msg.ID, connID, err.Error())
		return
	}
	if diskGraph != nil {
		w.replyPut(msg.ID, connID, diskGraph)
		return
	}
	notFound, _ := graph.Get(lex, graph.Graph{}, true)
	w.replyPut(msg.ID, connID, notFound)
}

// handleInboundPut implements §4.8.2: a two-pass subscription filter, then
// HAM merge, persistence and listener firing for accepted fields.
func (w *Wire) handleInboundPut(msg Message, connID string) {
	incoming, err := DecodeGraph(msg.Put)
	if err != nil {
		return
	}

	w.mu.Lock()
	for soul, node := range incoming {
		if !w.isInterestingLocked(soul) {
			continue
		}
		for _, v := range node.Fields {
			if v.IsRelation() {
				w.pendingReferences[v.RelationSoul()] = true
			}
		}
	}

	filtered := make(graph.Graph, len(incoming))
	for soul, node := range incoming {
		if w.isInterestingLocked(soul) {
			filtered[soul] = node
		}
	}
	w.mu.Unlock()

	if len(filtered) == 0 {
		return
	}

	w.mu.Lock()
	res, err := ham.Mix(filtered, w.graph, w.cfg.Secure, w.verifier)
	w.mu.Unlock()
	if err != nil {
		return
	}

	if len(res.Now) > 0 {
		w.store.Put(res.Now, nil)
		w.fireListeners(res.Now)
	}
	if len(res.Defer) > 0 {
		w.scheduleDeferred(res.Defer, res.Wait)
	}
}

// isInterestingLocked is the subscription-filter predicate shared by both
// passes of handleInboundPut: a soul already held, already referenced, or
// explicitly listened to is accepted. Caller must hold w.mu.
func (w *Wire) isInterestingLocked(soul graph.Soul) bool {
	if _, ok := w.graph[soul]; ok {
		return true
	}
	if w.pendingReferences[soul] {
		return true
	}
	return w.listen.Interested(soul)
}

// sendDirect delivers frame to the specific connection that sent a
// message being replied to.
func (w *Wire) sendDirect(connID, frame string) error {
	if peerID, ok := strings.CutPrefix(connID, "client:"); ok {
		w.mu.Lock()
		c, ok := w.clients[peerID]
		w.mu.Unlock()
		if !ok {
			return fmt.Errorf("wire: unknown client peer %s", peerID)
		}
		return c.Send(frame)
	}
	if w.server != nil {
		return w.server.SendTo(connID, frame)
	}
	return fmt.Errorf("wire: no route to connection %s", connID)
}

func (w *Wire) replyPut(origID, connID string, g graph.Graph) {
	put, err := EncodeGraph(g)
	if err != nil {
		w.logger.WithError(err).Warn("wire: encode get reply")
		return
	}
	id := w.newID()
	msg := Message{ID: id, ReplyTo: origID, Put: put}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	w.dup.Track(id)
	if err := w.sendDirect(connID, string(raw)); err != nil {
		w.logger.WithError(err).Debug("wire: direct reply failed")
	}
}

func (w *Wire) replyErr(origID, connID, errMsg string) {
	id := w.newID()
	msg := Message{ID: id, ReplyTo: origID, Err: errMsg}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	w.dup.Track(id)
	if err := w.sendDirect(connID, string(raw)); err != nil {
		w.logger.WithError(err).Debug("wire: direct error reply failed")
	}
}
