package state

// dedupWindow remembers the most recent record UUIDs, evicting the oldest
// once the window is full.
type dedupWindow struct {
	size  int
	seen  map[string]struct{}
	order []string
	head  int
}

func newDedupWindow(size int) *dedupWindow {
	return &dedupWindow{
		size:  size,
		seen:  make(map[string]struct{}, size),
		order: make([]string, 0, size),
	}
}

func (w *dedupWindow) contains(id string) bool {
	_, ok := w.seen[id]
	return ok
}

func (w *dedupWindow) add(id string) {
	if w.size <= 0 || w.contains(id) {
		return
	}
	if len(w.order) < w.size {
		w.order = append(w.order, id)
	} else {
		delete(w.seen, w.order[w.head])
		w.order[w.head] = id
		w.head = (w.head + 1) % w.size
	}
	w.seen[id] = struct{}{}
}
