package broadcast

import "sync"

// ChannelObserver delivers broadcasts on a buffered channel. It suits
// in-process listeners.
type ChannelObserver struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
}

// NewChannelObserver creates an observer buffering up to size messages.
func NewChannelObserver(size int) *ChannelObserver {
	if size < 1 {
		size = 1
	}
	return &ChannelObserver{ch: make(chan Message, size)}
}

// C returns the message channel. It is closed when the observer leaves the
// hub.
func (o *ChannelObserver) C() <-chan Message {
	return o.ch
}

// Notify implements Observer.
func (o *ChannelObserver) Notify(msg Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- msg:
		return true
	default:
		return false
	}
}

// Close implements Observer.
func (o *ChannelObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}
