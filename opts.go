// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package xchannel

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xchannel/xchannel/substrate"
)

// Config carries the settings used to Build a Channel. Peer is the only
// required field.
type Config struct {
	// Peer is the substrate connection this Channel communicates over. It
	// must not be nil.
	Peer substrate.Substrate

	// Origin restricts which sender identity this Channel accepts frames
	// from. It must either be a canonical-looking origin string
	// (scheme://host[:port]) or the literal wildcard "*"; the wildcard
	// must be requested explicitly; there is no implicit "accept
	// anything" default.
	Origin string

	// Scope multiplexes several Channels over one shared substrate
	// connection. Frames are prefixed with "<scope>::" on the wire and a
	// Channel only ever observes frames in its own scope. Scope must not
	// contain "::". The empty scope is valid and is its own namespace.
	Scope string

	// Concurrency bounds how many inbound requests this Channel will run
	// its Handler for at once. The zero value means 1: handlers run one
	// at a time, which is the closest Go analogue to the single-threaded
	// cooperative model the wire protocol assumes frames are processed
	// under. Each request waits for its turn on its own goroutine, so the
	// order in which waiting handlers start is not defined.
	Concurrency int

	// RecentFrames bounds how many of the most recently sent and received
	// frames Channel.RecentFrames returns for debugging. The zero value
	// means no history is kept.
	RecentFrames int

	// OnReady is called, if set, once the ready handshake completes.
	OnReady func(*Channel)

	// PostObserver, if set, is called with every frame this Channel
	// transmits, after scoping is applied but before it reaches the
	// substrate.
	PostObserver func(f Frame)

	// RecvObserver, if set, is called with every frame this Channel
	// accepts from the substrate, after origin and scope filtering but
	// before dispatch.
	RecvObserver func(f Frame)

	// Logger receives structured diagnostic output: dropped frames,
	// recovered panics, and handshake transitions. A nil Logger is
	// replaced with zap.NewNop().
	Logger *zap.Logger

	// Metrics, if set, is the Prometheus registry this Channel registers
	// its per-channel counters into. A nil Metrics means the Channel
	// still tracks counters internally (see Channel.Info) but does not
	// export them to Prometheus.
	Metrics prometheus.Registerer
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c Config) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return 1
}
