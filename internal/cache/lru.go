package cache

import "container/list"

// lruList tracks key recency with container/list so the oldest entry
// can be found in O(1), generalizing the teacher's O(n) scan-for-oldest
// eviction (control_plane/resilience/degraded_mode.go) to a bounded
// cache that may hold many more entries than FluxForge's fallback did.
type lruList struct {
	order *list.List
	pos   map[string]*list.Element
}

func newLRUList() *lruList {
	return &lruList{order: list.New(), pos: make(map[string]*list.Element)}
}

func (l *lruList) touch(key string) {
	if el, ok := l.pos[key]; ok {
		l.order.MoveToBack(el)
		return
	}
	l.pos[key] = l.order.PushBack(key)
}

func (l *lruList) remove(key string) {
	if el, ok := l.pos[key]; ok {
		l.order.Remove(el)
		delete(l.pos, key)
	}
}

func (l *lruList) oldest() (string, bool) {
	front := l.order.Front()
	if front == nil {
		return "", false
	}
	return front.Value.(string), true
}
