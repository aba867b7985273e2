// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package testutil defines internal support code for writing tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/xchannel/xchannel"
	"github.com/xchannel/xchannel/substrate"
)

// NewPair builds two Channels connected by an in-memory substrate.Direct
// pair, with a wildcard origin so tests don't need to fabricate realistic
// origin strings, and waits for both sides' handshake to converge before
// returning. It fails t if either Channel fails to build or become ready
// within a short deadline.
func NewPair(t *testing.T, aIdentity, bIdentity string) (a, b *xchannel.Channel) {
	t.Helper()

	aSub, bSub := substrate.Direct(aIdentity, bIdentity)

	a, err := xchannel.Build(xchannel.Config{Peer: bSub, Origin: "*"})
	if err != nil {
		t.Fatalf("Build(a): %v", err)
	}
	b, err = xchannel.Build(xchannel.Config{Peer: aSub, Origin: "*"})
	if err != nil {
		t.Fatalf("Build(b): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.WaitReady(ctx); err != nil {
		t.Fatalf("a.WaitReady: %v", err)
	}
	if err := b.WaitReady(ctx); err != nil {
		t.Fatalf("b.WaitReady: %v", err)
	}

	t.Cleanup(func() {
		a.Destroy()
		b.Destroy()
	})
	return a, b
}

// MustBind binds method on ch and fails t if Bind reports an error.
func MustBind(t *testing.T, ch *xchannel.Channel, method string, h xchannel.Handler) {
	t.Helper()
	if err := ch.Bind(method, h); err != nil {
		t.Fatalf("Bind(%q): %v", method, err)
	}
}

// CallSync issues a synchronous call against ch and blocks for its result,
// the way production code would use xcaller instead — this helper exists
// so core-package tests can exercise Call/Notify without importing the
// xcaller package and creating an import cycle.
func CallSync(t *testing.T, ch *xchannel.Channel, method string, params any) (xchannel.Value, *xchannel.Error) {
	t.Helper()
	type result struct {
		val xchannel.Value
		err *xchannel.Error
	}
	done := make(chan result, 1)
	if err := ch.Call(xchannel.CallOptions{
		Method: method,
		Params: params,
		Success: func(v xchannel.Value) {
			done <- result{val: v}
		},
		Error: func(e *xchannel.Error) {
			done <- result{err: e}
		},
	}); err != nil {
		t.Fatalf("Call(%q): %v", method, err)
	}
	select {
	case r := <-done:
		return r.val, r.err
	case <-time.After(2 * time.Second):
		t.Fatalf("Call(%q): timed out waiting for a response", method)
		return xchannel.Value{}, nil
	}
}
