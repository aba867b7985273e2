// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package xchannel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xchannel/xchannel"
	"github.com/xchannel/xchannel/internal/testutil"
	"github.com/xchannel/xchannel/substrate"
)

// TestS1Echo covers scenario S1: a call whose handler returns its own
// params is delivered back to the caller's success continuation exactly
// once, with no error continuation firing.
func TestS1Echo(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := testutil.NewPair(t, "https://a.example", "https://b.example")
	defer func() { a.Destroy(); b.Destroy() }()
	testutil.MustBind(t, b, "echo", func(_ *xchannel.Transaction, params any) (any, error) {
		return params, nil
	})

	val, cerr := testutil.CallSync(t, a, "echo", map[string]any{"x": float64(1)})
	require.Nil(t, cerr)
	var got map[string]float64
	require.NoError(t, val.Unmarshal(&got))
	assert.Equal(t, map[string]float64{"x": 1}, got)
}

// TestS2Progress covers scenario S2: a handler that emits two progress
// callbacks before returning delivers both, in order, before success.
func TestS2Progress(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := testutil.NewPair(t, "https://a.example", "https://b.example")
	defer func() { a.Destroy(); b.Destroy() }()
	testutil.MustBind(t, b, "stream", func(tx *xchannel.Transaction, _ any) (any, error) {
		if err := tx.Invoke("cb", map[string]int{"n": 1}); err != nil {
			return nil, err
		}
		if err := tx.Invoke("cb", map[string]int{"n": 2}); err != nil {
			return nil, err
		}
		return "done", nil
	})

	var seen []int
	done := make(chan struct{})
	err := a.Call(xchannel.CallOptions{
		Method: "stream",
		Params: map[string]any{
			"cb": xchannel.CallbackFunc(func(v xchannel.Value) {
				var n struct{ N int }
				_ = v.Unmarshal(&n)
				seen = append(seen, n.N)
			}),
		},
		Success: func(v xchannel.Value) {
			var s string
			_ = v.Unmarshal(&s)
			assert.Equal(t, "done", s)
			close(done)
		},
		Error: func(e *xchannel.Error) {
			t.Fatalf("unexpected error: %v", e)
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for success")
	}
	assert.Equal(t, []int{1, 2}, seen)
}

// TestS3DelayedReturn covers scenario S3: a handler that delays its
// response and completes later from another goroutine still delivers
// exactly one success to the caller.
func TestS3DelayedReturn(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := testutil.NewPair(t, "https://a.example", "https://b.example")
	defer func() { a.Destroy(); b.Destroy() }()
	testutil.MustBind(t, b, "later", func(tx *xchannel.Transaction, _ any) (any, error) {
		tx.DelayReturn(true)
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = tx.Complete("ok")
		}()
		return nil, nil
	})

	val, cerr := testutil.CallSync(t, a, "later", nil)
	require.Nil(t, cerr)
	var got string
	require.NoError(t, val.Unmarshal(&got))
	assert.Equal(t, "ok", got)
}

// TestS4ThrownString covers scenario S4: a handler that panics with a
// plain string normalizes to a runtime_error carrying that string as its
// message.
func TestS4ThrownString(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := testutil.NewPair(t, "https://a.example", "https://b.example")
	defer func() { a.Destroy(); b.Destroy() }()
	testutil.MustBind(t, b, "boom", func(*xchannel.Transaction, any) (any, error) {
		panic("boom")
	})

	_, cerr := testutil.CallSync(t, a, "boom", nil)
	require.NotNil(t, cerr)
	assert.Equal(t, xchannel.CodeRuntimeError, cerr.Code)
	assert.Equal(t, "boom", cerr.Message)
}

// TestS5OriginMismatch covers scenario S5: a frame from an unexpected
// sender identity is dropped before it reaches any handler or alters any
// transaction state.
func TestS5OriginMismatch(t *testing.T) {
	defer leaktest.Check(t)()

	aSub, bSub := substrate.Direct("https://x.example", "https://evil.example")
	a, err := xchannel.Build(xchannel.Config{Peer: bSub, Origin: "https://x.example"})
	require.NoError(t, err)
	defer a.Destroy()

	called := false
	require.NoError(t, a.Bind("ping", func(*xchannel.Transaction, any) (any, error) {
		called = true
		return nil, nil
	}))

	b, err := xchannel.Build(xchannel.Config{Peer: aSub, Origin: "*"})
	require.NoError(t, err)
	defer b.Destroy()

	// b's own handshake ping arrives at a, but a's expected origin is
	// "https://x.example" and b's reported identity is
	// "https://evil.example", so a must never become ready from it.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = a.WaitReady(ctx)
	require.Error(t, err)
	assert.False(t, a.Info().Ready)
	assert.False(t, called)
}

// TestS6DuplicateBind covers scenario S6: binding a method name a second
// time fails without disturbing the first binding.
func TestS6DuplicateBind(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := testutil.NewPair(t, "https://a.example", "https://b.example")
	defer func() { a.Destroy(); b.Destroy() }()

	testutil.MustBind(t, b, "m", func(*xchannel.Transaction, any) (any, error) {
		return "first", nil
	})

	err := b.Bind("m", func(*xchannel.Transaction, any) (any, error) {
		return "second", nil
	})
	require.Error(t, err)

	val, cerr := testutil.CallSync(t, a, "m", nil)
	require.Nil(t, cerr)
	var got string
	require.NoError(t, val.Unmarshal(&got))
	assert.Equal(t, "first", got)
}

// TestIDCollisionFreedom covers testable property 1: regardless of
// handshake order, the two sides' outbound ids never collide, since one
// side is always odd and the other always even.
func TestIDCollisionFreedom(t *testing.T) {
	defer leaktest.Check(t)()

	aSub, bSub := substrate.Direct("https://a.example", "https://b.example")

	var aIDs, bIDs []int64
	a, err := xchannel.Build(xchannel.Config{
		Peer:   bSub,
		Origin: "*",
		PostObserver: func(f xchannel.Frame) {
			if f.Method == "noop" {
				aIDs = append(aIDs, f.ID)
			}
		},
	})
	require.NoError(t, err)
	defer a.Destroy()
	require.NoError(t, a.Bind("noop", func(*xchannel.Transaction, any) (any, error) { return nil, nil }))

	b, err := xchannel.Build(xchannel.Config{
		Peer:   aSub,
		Origin: "*",
		PostObserver: func(f xchannel.Frame) {
			if f.Method == "noop" {
				bIDs = append(bIDs, f.ID)
			}
		},
	})
	require.NoError(t, err)
	defer b.Destroy()
	require.NoError(t, b.Bind("noop", func(*xchannel.Transaction, any) (any, error) { return nil, nil }))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.WaitReady(ctx))

	for i := 0; i < 4; i++ {
		_, cerr := testutil.CallSync(t, a, "noop", nil)
		require.Nil(t, cerr)
		_, cerr = testutil.CallSync(t, b, "noop", nil)
		require.Nil(t, cerr)
	}

	require.NotEmpty(t, aIDs)
	require.NotEmpty(t, bIDs)
	seen := make(map[int64]bool, len(aIDs)+len(bIDs))
	for _, id := range aIDs {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	for _, id := range bIDs {
		assert.False(t, seen[id], "collision: id %d used by both sides", id)
		seen[id] = true
	}
	for _, id := range aIDs {
		assert.NotEqual(t, int64(0), id%2, "a's ids must all share one parity")
	}
	for _, id := range bIDs[1:] {
		assert.Equal(t, bIDs[0]%2, id%2, "b's ids must all share one parity")
	}
	assert.NotEqual(t, aIDs[0]%2, bIDs[0]%2, "the two sides must use opposite parities")
}

// TestScopeIsolation covers testable property 4: two Channels sharing one
// substrate connection but configured with distinct scopes never deliver
// a frame to one another, even when they bind the same method name.
func TestScopeIsolation(t *testing.T) {
	defer leaktest.Check(t)()

	aSub, bSub := substrate.Direct("https://a.example", "https://b.example")

	a1, err := xchannel.Build(xchannel.Config{Peer: bSub, Origin: "*", Scope: "one"})
	require.NoError(t, err)
	defer a1.Destroy()
	a2, err := xchannel.Build(xchannel.Config{Peer: bSub, Origin: "*", Scope: "two"})
	require.NoError(t, err)
	defer a2.Destroy()

	b1, err := xchannel.Build(xchannel.Config{Peer: aSub, Origin: "*", Scope: "one"})
	require.NoError(t, err)
	defer b1.Destroy()
	b2, err := xchannel.Build(xchannel.Config{Peer: aSub, Origin: "*", Scope: "two"})
	require.NoError(t, err)
	defer b2.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a1.WaitReady(ctx))
	require.NoError(t, a2.WaitReady(ctx))

	var oneCalled, twoCalled bool
	require.NoError(t, b1.Bind("echo", func(*xchannel.Transaction, any) (any, error) {
		oneCalled = true
		return "one", nil
	}))
	require.NoError(t, b2.Bind("echo", func(*xchannel.Transaction, any) (any, error) {
		twoCalled = true
		return "two", nil
	}))

	val, cerr := testutil.CallSync(t, a1, "echo", nil)
	require.Nil(t, cerr)
	var got string
	require.NoError(t, val.Unmarshal(&got))
	assert.Equal(t, "one", got)
	assert.True(t, oneCalled)
	assert.False(t, twoCalled)
}

// TestDuplicateScopeRejected covers Build's rejection of a second Channel
// claiming a scope already registered against the same substrate pairing:
// without this check two such Channels would silently coexist and both
// receive every frame in that scope.
func TestDuplicateScopeRejected(t *testing.T) {
	defer leaktest.Check(t)()

	aSub, bSub := substrate.Direct("https://a.example", "https://b.example")

	a1, err := xchannel.Build(xchannel.Config{Peer: bSub, Origin: "*", Scope: "dup"})
	require.NoError(t, err)
	defer a1.Destroy()

	_, err = xchannel.Build(xchannel.Config{Peer: bSub, Origin: "*", Scope: "dup"})
	require.Error(t, err)

	// A distinct scope against the same peer still succeeds...
	a2, err := xchannel.Build(xchannel.Config{Peer: bSub, Origin: "*", Scope: "other"})
	require.NoError(t, err)
	defer a2.Destroy()

	// ...and once a1 is destroyed, "dup" is free to be claimed again.
	a1.Destroy()
	a3, err := xchannel.Build(xchannel.Config{Peer: bSub, Origin: "*", Scope: "dup"})
	require.NoError(t, err)
	defer a3.Destroy()
}

// TestPreReadyBuffering covers testable property 6: a call issued before
// the handshake completes is queued and delivered in order once ready,
// rather than dropped or reordered relative to other pre-ready sends.
func TestPreReadyBuffering(t *testing.T) {
	defer leaktest.Check(t)()

	aSub, bSub := substrate.Direct("https://a.example", "https://b.example")

	a, err := xchannel.Build(xchannel.Config{Peer: bSub, Origin: "*"})
	require.NoError(t, err)
	defer a.Destroy()

	var order []string
	done := make(chan struct{}, 2)
	issue := func(tag string) {
		err := a.Call(xchannel.CallOptions{
			Method: "echo",
			Params: tag,
			Success: func(v xchannel.Value) {
				var s string
				_ = v.Unmarshal(&s)
				order = append(order, s)
				done <- struct{}{}
			},
		})
		require.NoError(t, err)
	}
	issue("first")
	issue("second")

	b, err := xchannel.Build(xchannel.Config{Peer: aSub, Origin: "*"})
	require.NoError(t, err)
	defer b.Destroy()
	require.NoError(t, b.Bind("echo", func(_ *xchannel.Transaction, params any) (any, error) {
		return params, nil
	}))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for buffered calls to complete")
		}
	}
	assert.Equal(t, []string{"first", "second"}, order)
}

// TestNotificationDiscardsError covers testable property 8: a handler
// panic during a notification never produces an outbound frame, since a
// notification has no Transaction to fail.
func TestNotificationDiscardsError(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := testutil.NewPair(t, "https://a.example", "https://b.example")
	defer func() { a.Destroy(); b.Destroy() }()
	sentBefore := b.Info().Metrics["xchannel_frames_sent"]

	ran := make(chan struct{})
	require.NoError(t, b.Bind("boom", func(tx *xchannel.Transaction, _ any) (any, error) {
		defer close(ran)
		assert.Nil(t, tx)
		panic(errors.New("kaboom"))
	}))

	require.NoError(t, a.Notify("boom", nil))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("notification handler never ran")
	}
	// Give the panic-recovery path a moment to run, then confirm it was
	// recorded but never produced an outbound response frame: a
	// notification has no Transaction, so there is nothing to fail.
	time.Sleep(20 * time.Millisecond)
	metrics := b.Info().Metrics
	assert.GreaterOrEqual(t, metrics["xchannel_handler_panics"], int64(1))
	assert.Equal(t, sentBefore, metrics["xchannel_frames_sent"])
}

// TestTableClosure covers testable property 2: an outstanding call's entry
// in the pending-calls table is removed the moment its response arrives,
// not merely marked done, and neither success nor error fires more than
// once for it.
func TestTableClosure(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := testutil.NewPair(t, "https://a.example", "https://b.example")
	defer func() { a.Destroy(); b.Destroy() }()
	testutil.MustBind(t, b, "echo", func(_ *xchannel.Transaction, params any) (any, error) {
		return params, nil
	})

	before := a.Info().Metrics["xchannel_outstanding_calls"]

	var successes int
	done := make(chan struct{})
	err := a.Call(xchannel.CallOptions{
		Method: "echo",
		Params: "x",
		Success: func(xchannel.Value) {
			successes++
			close(done)
		},
		Error: func(e *xchannel.Error) {
			t.Fatalf("unexpected error: %v", e)
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for success")
	}
	// Give the table-closing bookkeeping a moment to run after the
	// callback fires, then confirm the entry is gone: the outstanding
	// count must return to what it was before the call, not merely stop
	// growing.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, a.Info().Metrics["xchannel_outstanding_calls"])
	assert.Equal(t, 1, successes)
}

// TestCallbackRouting covers testable property 3: progress callbacks are
// routed to the path-addressed CallbackFunc named in the frame, and a
// callback invocation for an unknown or already-removed path is silently
// dropped rather than panicking or misrouting to a different callback.
func TestCallbackRouting(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := testutil.NewPair(t, "https://a.example", "https://b.example")
	defer func() { a.Destroy(); b.Destroy() }()
	testutil.MustBind(t, b, "stream", func(tx *xchannel.Transaction, _ any) (any, error) {
		// Invoke the "second" callback first to prove routing is by name,
		// not by registration order, then invoke "first", then attempt an
		// invocation of a callback path the caller never registered.
		if err := tx.Invoke("second", "B"); err != nil {
			return nil, err
		}
		if err := tx.Invoke("first", "A"); err != nil {
			return nil, err
		}
		_ = tx.Invoke("missing", "ignored")
		return "done", nil
	})

	var firstSeen, secondSeen []string
	done := make(chan struct{})
	err := a.Call(xchannel.CallOptions{
		Method: "stream",
		Params: map[string]any{
			"first": xchannel.CallbackFunc(func(v xchannel.Value) {
				var s string
				_ = v.Unmarshal(&s)
				firstSeen = append(firstSeen, s)
			}),
			"second": xchannel.CallbackFunc(func(v xchannel.Value) {
				var s string
				_ = v.Unmarshal(&s)
				secondSeen = append(secondSeen, s)
			}),
		},
		Success: func(xchannel.Value) { close(done) },
		Error: func(e *xchannel.Error) {
			t.Fatalf("unexpected error: %v", e)
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for success")
	}
	assert.Equal(t, []string{"A"}, firstSeen)
	assert.Equal(t, []string{"B"}, secondSeen)
}

// TestOriginIsolation covers testable property 5 directly: two Channels
// configured with narrow, non-matching Origin expectations never complete
// a handshake and never deliver a frame to each other's handlers, as
// distinct from TestS5OriginMismatch's single end-to-end scenario check.
func TestOriginIsolation(t *testing.T) {
	defer leaktest.Check(t)()

	aSub, bSub := substrate.Direct("https://a.example", "https://evil.example")
	a, err := xchannel.Build(xchannel.Config{Peer: bSub, Origin: "https://b.example"})
	require.NoError(t, err)
	defer a.Destroy()
	b, err := xchannel.Build(xchannel.Config{Peer: aSub, Origin: "https://a.example"})
	require.NoError(t, err)
	defer b.Destroy()

	called := make(chan struct{}, 1)
	require.NoError(t, b.Bind("ping", func(_ *xchannel.Transaction, _ any) (any, error) {
		called <- struct{}{}
		return "pong", nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.Error(t, a.WaitReady(ctx), "handshake must not complete across mismatched origins")

	select {
	case <-called:
		t.Fatal("handler ran despite origin mismatch")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestErrorNormalization covers testable property 7: every shape a
// handler can fail with collapses to the same wire Error shape, carrying
// through an explicit Code when the handler supplies one and falling back
// to CodeRuntimeError otherwise.
func TestErrorNormalization(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := testutil.NewPair(t, "https://a.example", "https://b.example")
	defer func() { a.Destroy(); b.Destroy() }()

	require.NoError(t, b.Bind("plainErr", func(_ *xchannel.Transaction, _ any) (any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, b.Bind("codedErr", func(_ *xchannel.Transaction, _ any) (any, error) {
		return nil, xchannel.NewError(xchannel.CodeBadRequest, "nope")
	}))
	require.NoError(t, b.Bind("customCoded", func(_ *xchannel.Transaction, _ any) (any, error) {
		return nil, &xchannel.CodedError{Code: "custom_code", Message: "also nope"}
	}))

	cases := []struct {
		method   string
		wantCode xchannel.Code
		wantMsg  string
	}{
		{"plainErr", xchannel.CodeRuntimeError, "boom"},
		{"codedErr", xchannel.CodeBadRequest, "nope"},
		{"customCoded", "custom_code", "also nope"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.method, func(t *testing.T) {
			got, errResp := testutil.CallSync(t, a, tc.method, nil)
			_ = got
			require.NotNil(t, errResp)
			assert.Equal(t, tc.wantCode, errResp.Code)
			assert.Equal(t, tc.wantMsg, errResp.Message)
		})
	}
}
