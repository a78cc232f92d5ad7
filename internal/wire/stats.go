package wire

// SoulCount returns the number of souls currently held in the in-memory
// graph, for wiring into a metrics reporter.
func (w *Wire) SoulCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.graph)
}

// QueueDepth returns the number of frames waiting to be paced out.
func (w *Wire) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.outbound)
}

// DeferredCount returns the number of souls with a future-dated write
// currently withheld.
func (w *Wire) DeferredCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.deferred)
}

// PeerCount returns the number of peers in the finger table.
func (w *Wire) PeerCount() int {
	return w.fingerTable.Count()
}

// DupTracked returns the number of message ids currently tracked for
// deduplication.
func (w *Wire) DupTracked() int {
	return w.dup.Len()
}
