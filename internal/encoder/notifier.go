package encoder

import "sync"

// notifier delivers the completion result to one callback at most once.
type notifier struct {
	once     sync.Once
	mu       sync.Mutex
	callback func(error)
}

// arm stores cb unless a callback is already pending. It reports whether cb
// was stored.
func (n *notifier) arm(cb func(error)) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.callback != nil {
		return false
	}
	if cb == nil {
		cb = func(error) {}
	}
	n.callback = cb
	return true
}

// fire runs before, then the pending callback with err. Only the first call
// has an effect.
func (n *notifier) fire(err error, before func()) {
	n.once.Do(func() {
		n.mu.Lock()
		cb := n.callback
		n.mu.Unlock()

		if before != nil {
			before()
		}
		if cb != nil {
			cb(err)
		}
	})
}
