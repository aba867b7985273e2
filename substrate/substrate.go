// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package substrate defines the asynchronous, untyped, best-effort
// string-passing primitive a Channel is layered on, along with an
// in-memory reference implementation for tests and same-process use.
//
// A substrate makes no promises beyond "if the peer happens to be
// listening when Send is called, it gets the payload." It does not
// guarantee delivery, ordering across distinct Send calls is not
// required, and a Send to a peer that has not yet registered a listener
// is simply lost — the same way a window.postMessage to a same-origin
// iframe whose script has not yet attached a "message" listener is lost.
// A Channel's handshake is designed to survive exactly this kind of race
// (see the package-level documentation of Build in xchannel) rather than
// depending on substrate to queue anything on its behalf.
package substrate

// Listener receives inbound payloads from a substrate connection, along
// with an implementation-defined identity for the sender. The identity's
// meaning is entirely up to the substrate: an in-memory pair might use an
// arbitrary opaque label, a websocket bridge might use the remote origin
// header.
type Listener func(payload string, senderIdentity string)

// Substrate is the primitive a Channel is built on: an asynchronous,
// untyped, best-effort string transport between exactly two peers.
type Substrate interface {
	// Send transmits payload toward peerIdentity. The meaning of
	// peerIdentity is substrate-defined; many implementations ignore it
	// and rely on the receiver to filter by sender identity instead,
	// mirroring how a postMessage targetOrigin narrows delivery without
	// the sender ever confirming the target actually received it.
	Send(payload string, peerIdentity string) error

	// Subscribe registers fn to be invoked for every inbound payload and
	// returns a function that deregisters it. Implementations must
	// support more than one concurrently registered listener: several
	// Channels with distinct scopes commonly share one Substrate, each
	// calling Subscribe once at Build, the same way several "message"
	// event listeners can be attached to one window at once.
	Subscribe(fn Listener) (unsubscribe func())
}

// LocalIdentifier is an optional capability a Substrate implementation can
// offer so that xchannel.Build can refuse to construct a Channel whose
// configured peer turns out to be the local context itself — a
// build-time precondition this package cannot otherwise check, since
// Substrate is opaque by design.
type LocalIdentifier interface {
	LocalIdentity() string
}
