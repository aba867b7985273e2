// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package substrate

import "sync"

// direct is one half of an in-memory substrate pair, adapted from the
// paired-channel shape of a synchronous in-memory connection but with
// delivery made intentionally lossy: a Send that arrives before the peer
// half has any listener registered is dropped, not buffered, matching the
// real primitive's best-effort contract instead of accidentally providing
// stronger delivery guarantees a production substrate would never offer.
//
// direct fans a Send out to every currently registered listener, not just
// the first, the same way multiple "message" event listeners on one
// window all observe the same postMessage: this is what lets several
// xchannel Channels, each with a distinct scope, share one direct pair.
//
// Deliveries to a given half are serialized through a single dispatch
// goroutine reading its inbox in FIFO order, the same guarantee
// wsbridge's single read-loop goroutine gives a real connection: two
// sequential Sends from one side (a progress callback followed by its
// final response, say) must reach the listener in that order, which an
// unbounded "go fn(...)" per Send cannot promise.
type direct struct {
	mu        sync.Mutex
	identity  string
	peer      *direct
	listeners map[int]Listener
	nextID    int
	inbox     chan directMessage
}

type directMessage struct {
	payload string
	sender  string
}

const directInboxSize = 64

// Direct returns a connected pair of in-memory Substrate halves for tests
// and same-process use. selfIdentity and peerIdentity are the opaque
// identity strings each half reports itself as to the other; they need
// not resemble real origins unless the Channels built on top of this pair
// are configured to filter by origin.
func Direct(selfIdentity, peerIdentity string) (self, peer Substrate) {
	a := &direct{identity: selfIdentity, listeners: make(map[int]Listener)}
	b := &direct{identity: peerIdentity, listeners: make(map[int]Listener)}
	a.peer = b
	b.peer = a
	return a, b
}

func (d *direct) LocalIdentity() string { return d.identity }

// Send enqueues payload on the peer's inbox so its single dispatch
// goroutine delivers it to every currently registered listener in the
// order it was sent. The enqueue and the registered-listener check share
// peer.mu with Subscribe/unsubscribe so a send can never race the inbox
// being closed out from under it.
func (d *direct) Send(payload string, _ string) error {
	d.mu.Lock()
	peer := d.peer
	self := d.identity
	d.mu.Unlock()

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.listeners) == 0 {
		return nil // best-effort: nobody listening yet, payload is lost
	}
	select {
	case peer.inbox <- directMessage{payload: payload, sender: self}:
	default:
		// inbox full: drop, consistent with best-effort delivery.
	}
	return nil
}

// Subscribe registers fn and, if it is the first listener, starts the
// dispatch goroutine that drains this half's inbox. Subscribe/unsubscribe
// and Send all hold d.mu while touching d.listeners/d.inbox, so starting
// and stopping the loop can never race a concurrent Send.
func (d *direct) Subscribe(fn Listener) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	first := len(d.listeners) == 1
	if first {
		d.inbox = make(chan directMessage, directInboxSize)
		go d.dispatchLoop(d.inbox)
	}
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		if len(d.listeners) == 0 {
			close(d.inbox)
			d.inbox = nil
		}
		d.mu.Unlock()
	}
}

// dispatchLoop drains inbox in order, delivering each message to every
// listener registered at the moment it is dequeued. It exits once inbox
// is closed by the last unsubscribe.
func (d *direct) dispatchLoop(inbox chan directMessage) {
	for m := range inbox {
		d.mu.Lock()
		fns := make([]Listener, 0, len(d.listeners))
		for _, fn := range d.listeners {
			fns = append(fns, fn)
		}
		d.mu.Unlock()

		for _, fn := range fns {
			fn(m.payload, m.sender)
		}
	}
}
