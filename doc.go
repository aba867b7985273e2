// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package xchannel implements a bidirectional RPC runtime over an
// asynchronous, untyped, best-effort string-passing primitive between two
// isolated execution contexts — for example a parent document and an
// embedded document communicating through window.postMessage, or any other
// "substrate" that can only move opaque strings between two peers.
//
// A Channel supports four interaction patterns on top of that primitive:
//
//   - request/response, via Call;
//   - request with incremental progress callbacks, also via Call, using
//     callback values embedded in the request parameters;
//   - fire-and-forget notifications, via Notify;
//   - structured error replies, surfaced to a Call's error continuation.
//
// A Channel is symmetric: both peers can Bind handlers, Call the other
// side, and receive calls, over the same underlying substrate connection.
// This differs from a conventional client/server RPC library, where the
// two roles are distinct types; here a single Channel plays both roles at
// once, because the substrate it runs over (an iframe bridge, a worker
// port, or similar) has no inherent direction.
//
// # Handshake
//
// A newly built Channel is not usable for application traffic until both
// peers have exchanged a ready handshake (see the package-level
// documentation on Build). Calls and notifications issued before the
// handshake completes are queued and flushed, in order, once it does.
//
// # Scope
//
// Multiple Channels can share one substrate connection between the same
// peer pair by giving each a distinct Scope; frames are multiplexed by a
// "<scope>::" method prefix and a Channel never observes another scope's
// traffic.
//
// # Concurrency
//
// Unlike the browser environment this design is modeled on, Go has no
// single-threaded event loop guarantee. A Channel therefore protects its
// internal state with a mutex and, by default, runs at most one inbound
// handler at a time (Config.Concurrency), so that the "frames are never
// observed concurrently" property the wire protocol depends on holds by
// construction rather than by assumption.
package xchannel
