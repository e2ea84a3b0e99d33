package runner

import "sync"

type admission int

const (
	admitNew admission = iota
	admitQueued
	admitDone
)

// ledger remembers which buffer items are queued and which recently
// finished, so a replay from the control process neither runs a line twice
// nor loses a completion that was sent while it was away.
type ledger struct {
	mu     sync.Mutex
	queued map[string]bool
	done   map[string]bool
	order  []string
	keep   int
}

func newLedger(keep int) *ledger {
	return &ledger{queued: make(map[string]bool), done: make(map[string]bool), keep: keep}
}

func (l *ledger) admit(id string) admission {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.done[id]:
		return admitDone
	case l.queued[id]:
		return admitQueued
	}
	l.queued[id] = true
	return admitNew
}

// forget drops a queued id that never made it into the queue.
func (l *ledger) forget(id string) {
	l.mu.Lock()
	delete(l.queued, id)
	l.mu.Unlock()
}

func (l *ledger) complete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.queued, id)
	if l.done[id] {
		return
	}
	l.done[id] = true
	l.order = append(l.order, id)
	if len(l.order) > l.keep {
		delete(l.done, l.order[0])
		l.order = l.order[1:]
	}
}
