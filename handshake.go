// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package xchannel

import (
	"encoding/json"
	"fmt"
)

// readyMethod is the unscoped method name used for the handshake; it is
// still subject to scoping like any other method, so two Channels sharing
// a substrate with different scopes run independent handshakes.
const readyMethod = "__ready"

const (
	pingPayload = "ping"
	pongPayload = "pong"
)

const (
	roleTagPing = "-R" // this side answered a ping and became odd-parity
	roleTagPong = "-L" // this side received a pong and became even-parity
)

// sendHandshakePing transmits the initial __ready/ping notification,
// bypassing the pre-ready queue since it is the message that establishes
// readiness in the first place.
func (ch *Channel) sendHandshakePing() {
	raw, _ := json.Marshal(pingPayload)
	_ = ch.sendFrame(Frame{Method: scopeMethod(ch.scope, readyMethod), Params: raw}, true)
}

// handleReady processes an inbound __ready frame. Per the handshake
// design, each side sends a ping immediately at construction rather than
// waiting for one; whichever side is built later has its ping reliably
// delivered to the side built earlier (already subscribed to the
// substrate), so the handshake converges regardless of which side's own
// ping was lost to the substrate's best-effort delivery. Receiving a
// second __ready after the channel is already marked ready indicates a
// peer that restarted its handshake without tearing down the old one, a
// protocol invariant violation this package treats as fatal rather than
// silently tolerating, since quietly accepting it would let a confused
// peer permanently desynchronize the transaction-id parity.
func (ch *Channel) handleReady(f Frame) {
	ch.mu.Lock()
	if ch.ready {
		ch.mu.Unlock()
		panic(fmt.Sprintf("xchannel: received a second __ready handshake frame on an already-ready channel (scope %q)", ch.scope))
	}

	var payload string
	_ = json.Unmarshal(f.Params, &payload)

	switch payload {
	case pingPayload:
		ch.fixupParityLocked(1)
		ch.identity += roleTagPing
		ch.ready = true
		pending := ch.drainPendingLocked()
		ch.mu.Unlock()

		pong, _ := json.Marshal(pongPayload)
		_ = ch.sendFrame(Frame{Method: scopeMethod(ch.scope, readyMethod), Params: pong}, true)
		ch.flushPending(pending)
		ch.markHandshakeComplete()
		ch.signalReady()

	case pongPayload:
		ch.fixupParityLocked(0)
		ch.identity += roleTagPong
		ch.ready = true
		pending := ch.drainPendingLocked()
		ch.mu.Unlock()

		ch.flushPending(pending)
		ch.markHandshakeComplete()
		ch.signalReady()

	default:
		ch.mu.Unlock()
		// Malformed handshake payload from an otherwise-matching origin;
		// drop it rather than treating it as fatal, since it cannot have
		// come from a conforming peer.
	}
}

// drainPendingLocked detaches the queued pre-ready frame buffer. Caller
// must hold ch.mu.
func (ch *Channel) drainPendingLocked() []Frame {
	pending := ch.pending
	ch.pending = nil
	return pending
}

// flushPending transmits frames queued before the channel became ready,
// in the order they were enqueued.
func (ch *Channel) flushPending(pending []Frame) {
	for _, f := range pending {
		_ = ch.transmit(f)
	}
}

// markHandshakeComplete records the completed handshake in the log and in
// metrics.
func (ch *Channel) markHandshakeComplete() {
	ch.logger.Debug("xchannel: handshake complete")
	ch.metrics.count(metricHandshakeReady, 1)
	if ch.prom != nil {
		ch.prom.handshakes.Inc()
	}
}

// signalReady invokes the configured ready observer and wakes any
// goroutine blocked in WaitReady.
func (ch *Channel) signalReady() {
	ch.mu.Lock()
	waiters := ch.waiters
	ch.waiters = nil
	onReady := ch.onReady
	ch.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if onReady != nil {
		onReady(ch)
	}
}
