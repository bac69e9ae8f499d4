package transport

import (
	"sync"

	"chanrpc/message"
	"chanrpc/protocol"
)

// Watcher reads a channel on its own goroutine and delivers each message to
// a callback, one at a time and in arrival order.
//
//	readLoop ──Read()──► onReadable(msg) ──► Read() ──► ... ──► onError(err)
type Watcher struct {
	ch         Channel
	limits     protocol.Limits
	onReadable func(*message.Incoming)
	onError    func(error)

	mu       sync.Mutex
	canceled bool
	done     chan struct{}
}

// Watch starts delivering messages from ch. onError is called once, with the
// read error that ended the loop, unless the watcher was canceled first.
func Watch(ch Channel, limits protocol.Limits, onReadable func(*message.Incoming), onError func(error)) *Watcher {
	w := &Watcher{
		ch:         ch,
		limits:     limits,
		onReadable: onReadable,
		onError:    onError,
		done:       make(chan struct{}),
	}
	go w.readLoop()
	return w
}

func (w *Watcher) readLoop() {
	defer close(w.done)
	for {
		msg, err := w.ch.Read(w.limits.MaxBytes, w.limits.MaxHandles)
		if w.isCanceled() {
			if msg != nil {
				msg.CloseHandles()
			}
			return
		}
		if err != nil {
			w.onError(err)
			return
		}
		w.onReadable(msg)
	}
}

func (w *Watcher) isCanceled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canceled
}

// Cancel stops delivery. A callback already running completes; messages read
// afterwards are dropped with their handles closed. The pending Read only
// returns once the channel is closed or another message arrives.
func (w *Watcher) Cancel() {
	w.mu.Lock()
	w.canceled = true
	w.mu.Unlock()
}

// Done is closed when the read loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }
