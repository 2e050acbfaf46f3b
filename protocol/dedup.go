package protocol

import "sync"

// dedupWindow suppresses duplicate message ids within a fixed-size history.
// When the window is full, the oldest id is evicted first. Safe for
// concurrent use.
type dedupWindow struct {
	mu    sync.Mutex
	seen  map[string]bool
	order []string
	next  int
}

func newDedupWindow(size int) *dedupWindow {
	if size <= 0 {
		size = 1
	}
	return &dedupWindow{
		seen:  make(map[string]bool, size),
		order: make([]string, size),
	}
}

// Observe records the id and reports whether it was already in the window.
func (w *dedupWindow) Observe(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seen[id] {
		return true
	}
	if evict := w.order[w.next]; evict != "" {
		delete(w.seen, evict)
	}
	w.order[w.next] = id
	w.next = (w.next + 1) % len(w.order)
	w.seen[id] = true
	return false
}

// Len returns the number of ids currently held.
func (w *dedupWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
