// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package wsbridge implements a substrate.Substrate over a websocket
// connection, for Channels whose two peers live in separate processes
// rather than sharing an address space. It is the out-of-process
// counterpart to substrate.Direct.
package wsbridge

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/xchannel/xchannel/substrate"
)

// Bridge adapts a *websocket.Conn to substrate.Substrate. Frames are
// carried as websocket text messages, one xchannel wire frame per
// message; Bridge does no framing of its own since gorilla/websocket
// already delimits messages.
//
// A single Bridge can back more than one xchannel Channel at once, each
// with a distinct scope: the read loop is started once, on the first
// Subscribe, and fans every inbound message out to all currently
// registered listeners.
type Bridge struct {
	conn *websocket.Conn

	mu        sync.Mutex
	identity  string
	writeMu   sync.Mutex
	listeners map[int]substrate.Listener
	nextID    int
	started   bool
	closed    bool
	done      chan struct{}
}

// New wraps conn as a Substrate. identity is reported as the sender
// identity on every inbound payload delivered to a Listener, and is also
// what LocalIdentity returns.
func New(conn *websocket.Conn, identity string) *Bridge {
	return &Bridge{
		conn:      conn,
		identity:  identity,
		listeners: make(map[int]substrate.Listener),
		done:      make(chan struct{}),
	}
}

func (b *Bridge) LocalIdentity() string { return b.identity }

// Send writes payload as a single websocket text message. peerIdentity is
// accepted for interface compatibility but unused: a websocket connection
// already has exactly one peer.
func (b *Bridge) Send(payload string, _ string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("wsbridge: send on closed connection")
	}
	b.mu.Unlock()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// Subscribe registers fn and, on the first call, starts the background
// read loop. The returned function deregisters fn; the underlying
// connection is only closed once every registered listener has
// unsubscribed.
func (b *Bridge) Subscribe(fn substrate.Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	first := !b.started
	b.started = true
	b.mu.Unlock()

	if first {
		go b.readLoop()
	}

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		remaining := len(b.listeners)
		alreadyClosed := b.closed
		if remaining == 0 && !alreadyClosed {
			b.closed = true
			close(b.done)
		}
		b.mu.Unlock()
		if remaining == 0 && !alreadyClosed {
			_ = b.conn.Close()
		}
	}
}

func (b *Bridge) readLoop() {
	for {
		mtype, data, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		if mtype != websocket.TextMessage {
			continue
		}
		select {
		case <-b.done:
			return
		default:
		}

		b.mu.Lock()
		fns := make([]substrate.Listener, 0, len(b.listeners))
		for _, fn := range b.listeners {
			fns = append(fns, fn)
		}
		b.mu.Unlock()

		for _, fn := range fns {
			fn(string(data), b.identity)
		}
	}
}
