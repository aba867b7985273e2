// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package xchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/creachadair/mds/stringset"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xchannel/xchannel/substrate"
)

// Channel is a bidirectional RPC endpoint layered on a substrate
// connection. A Channel plays both the caller and callee role at once:
// the same instance can Bind handlers the peer invokes and Call methods
// the peer has bound.
//
// A Channel is safe for concurrent use by multiple goroutines.
type Channel struct {
	mu sync.Mutex

	peer        substrate.Substrate
	unsubscribe func()

	origin string
	scope  string

	identity string

	handlers map[string]Handler

	out         map[int64]*pendingCall
	in          map[int64]*Transaction
	idCounter   int64
	parityBit   int64 // 1 (odd) until handshake says otherwise; see fixupParityLocked
	parityFixed bool

	ready   bool
	pending []Frame
	waiters []chan struct{}

	onReady      func(*Channel)
	postObserver func(Frame)
	recvObserver func(Frame)

	logger *zap.Logger
	sem    *semaphore.Weighted

	destroyed bool

	metrics *metrics
	prom    *promCollectors

	recent    *lru.Cache
	recentSeq int64
}

// ChannelInfo is a point-in-time snapshot of a Channel's public state, for
// debugging and operational tooling.
type ChannelInfo struct {
	Identity string
	Ready    bool
	Methods  []string
	Metrics  map[string]int64
}

// RecentFrame is one entry of a Channel's bounded send/receive history.
type RecentFrame struct {
	Seq       int64
	Direction string // "sent" or "received"
	Frame     Frame
}

// scopeRegistryMu and scopeRegistry track, for each substrate.Substrate
// a Channel was built against, the set of scope labels already claimed
// against that same pairing. Several Channels legitimately share one
// substrate connection (several scopes multiplexed over one wsbridge, for
// instance), but two of them claiming the same scope against the same
// peer would silently double-deliver every frame in that scope to both,
// so Build rejects the second one instead.
var (
	scopeRegistryMu sync.Mutex
	scopeRegistry   = make(map[substrate.Substrate]stringset.Set)
)

// registerScope claims scope against peer, reporting an error if it is
// already claimed.
func registerScope(peer substrate.Substrate, scope string) error {
	scopeRegistryMu.Lock()
	defer scopeRegistryMu.Unlock()
	used := scopeRegistry[peer]
	if used.Contains(scope) {
		return errDuplicateScope
	}
	used.Add(scope)
	scopeRegistry[peer] = used
	return nil
}

// unregisterScope releases peer/scope's claim, letting a later Build
// reuse the scope against the same peer once this Channel is gone.
func unregisterScope(peer substrate.Substrate, scope string) {
	scopeRegistryMu.Lock()
	defer scopeRegistryMu.Unlock()
	used, ok := scopeRegistry[peer]
	if !ok {
		return
	}
	remaining := stringset.New()
	for _, s := range used.Elements() {
		if s != scope {
			remaining.Add(s)
		}
	}
	if len(remaining.Elements()) == 0 {
		delete(scopeRegistry, peer)
	} else {
		scopeRegistry[peer] = remaining
	}
}

// Build constructs a Channel bound to cfg.Peer. The Channel immediately
// sends its half of the ready handshake; it is not usable for Call or
// Notify traffic — beyond the handshake itself — until the handshake with
// the peer completes (see WaitReady).
//
// Build fails synchronously if cfg.Peer is nil, cfg.Origin does not
// parse as an origin or the wildcard "*", cfg.Scope contains "::",
// cfg.Scope is already registered against cfg.Peer by another live
// Channel, or cfg.Peer reports (via substrate.LocalIdentifier) that it is
// the local identity cfg.Origin names — Build refuses to wire a Channel
// to itself.
func Build(cfg Config) (*Channel, error) {
	if cfg.Peer == nil {
		return nil, errNilPeer
	}
	origin, err := canonicalizeOrigin(cfg.Origin)
	if err != nil {
		return nil, err
	}
	if err := validateScope(cfg.Scope); err != nil {
		return nil, err
	}

	var localIdentity string
	if li, ok := cfg.Peer.(substrate.LocalIdentifier); ok {
		localIdentity = li.LocalIdentity()
	}
	if origin != wildcardOrigin && localIdentity != "" && origin == localIdentity {
		return nil, errSelfPeer
	}

	if err := registerScope(cfg.Peer, cfg.Scope); err != nil {
		return nil, err
	}

	var recent *lru.Cache
	if cfg.RecentFrames > 0 {
		recent, err = lru.New(cfg.RecentFrames)
		if err != nil {
			unregisterScope(cfg.Peer, cfg.Scope)
			return nil, err
		}
	}

	identity, err := randomIdentityToken()
	if err != nil {
		unregisterScope(cfg.Peer, cfg.Scope)
		return nil, err
	}

	ch := &Channel{
		peer:         cfg.Peer,
		origin:       origin,
		scope:        cfg.Scope,
		identity:     identity,
		handlers:     make(map[string]Handler),
		out:          make(map[int64]*pendingCall),
		in:           make(map[int64]*Transaction),
		idCounter:    randomIDSeed(),
		parityBit:    1,
		onReady:      cfg.OnReady,
		postObserver: cfg.PostObserver,
		recvObserver: cfg.RecvObserver,
		logger:       cfg.logger(),
		sem:          semaphore.NewWeighted(int64(cfg.concurrency())),
		metrics:      newMetrics(),
		prom:         newPromCollectors(cfg.Metrics, identity),
		recent:       recent,
	}

	ch.unsubscribe = cfg.Peer.Subscribe(ch.onReceive)
	ch.sendHandshakePing()
	return ch, nil
}

func randomIDSeed() int64 {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return src.Int63n(1 << 20)
}

// randomIdentityToken returns the random half of a Channel's identity
// string; handshake.go appends a role tag once the peer's ping/pong
// establishes which side is which.
func randomIdentityToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String()[:5], nil
}

// Bind registers h as the handler for method on this Channel. It fails if
// method is empty, the Channel has been destroyed, or method already has
// a handler.
func (ch *Channel) Bind(method string, h Handler) error {
	if method == "" {
		return errEmptyMethod
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.destroyed {
		return errChannelDestroyed
	}
	if _, ok := ch.handlers[method]; ok {
		return errDuplicateMethod
	}
	ch.handlers[method] = h
	return nil
}

// Unbind removes method's handler, reporting whether one was bound.
func (ch *Channel) Unbind(method string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.handlers[method]; !ok {
		return false
	}
	delete(ch.handlers, method)
	return true
}

// CallOptions configures an outbound Call.
type CallOptions struct {
	// Method is the remote method name. It must be non-empty.
	Method string
	// Params is the call's parameter tree. It may contain CallbackFunc
	// leaves at any depth within map[string]any / []any structure.
	Params any
	// Success receives the call's result. It must not be nil.
	Success SuccessFunc
	// Error receives the call's error, if any. It may be nil, in which
	// case a failed call's error is simply discarded.
	Error ErrorFunc
}

// Call issues a request to the peer. The final response is delivered at
// most once, after any progress callbacks: to Success for a result, or to
// Error (if set) for a failure. Nothing is delivered if the Channel is
// destroyed first. Call returns as soon as the frame is queued or handed
// to the substrate; it does not block for a reply.
func (ch *Channel) Call(opts CallOptions) error {
	if opts.Method == "" {
		return errEmptyMethod
	}
	if opts.Success == nil {
		return errMissingSuccess
	}

	cbs := make(map[string]CallbackFunc)
	pruned, _ := extractCallbacks(opts.Params, "", cbs)
	raw, err := json.Marshal(pruned)
	if err != nil {
		return err
	}
	var paths []string
	for p := range cbs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	ch.mu.Lock()
	if ch.destroyed {
		ch.mu.Unlock()
		return errChannelDestroyed
	}
	id := ch.allocateIDLocked()
	ch.out[id] = &pendingCall{id: id, callbacks: cbs, success: opts.Success, onError: opts.Error}
	ch.mu.Unlock()
	ch.metrics.count(metricOutstandingCalls, 1)

	return ch.sendFrame(Frame{ID: id, Method: scopeMethod(ch.scope, opts.Method), Params: raw, Callbacks: paths}, false)
}

// Notify sends a fire-and-forget call to the peer; it has no response.
// Notify's params must not contain any CallbackFunc, since there is no
// transaction for a callback to report back to.
func (ch *Channel) Notify(method string, params any) error {
	if method == "" {
		return errEmptyMethod
	}
	cbs := make(map[string]CallbackFunc)
	pruned, _ := extractCallbacks(params, "", cbs)
	if len(cbs) > 0 {
		return fmt.Errorf("xchannel: notification parameters must not contain callbacks")
	}
	raw, err := json.Marshal(pruned)
	if err != nil {
		return err
	}
	return ch.sendFrame(Frame{Method: scopeMethod(ch.scope, method), Params: raw}, false)
}

// Destroy detaches this Channel from its substrate, clears its handler
// registry and transaction tables, and drops any queued pre-ready sends.
// In-flight calls never receive their continuations. Destroy is
// idempotent; every operation after Destroy is a best-effort no-op.
func (ch *Channel) Destroy() error {
	ch.mu.Lock()
	if ch.destroyed {
		ch.mu.Unlock()
		return nil
	}
	ch.destroyed = true
	waiters := ch.waiters
	ch.waiters = nil
	unsubscribe := ch.unsubscribe
	ch.handlers = nil
	ch.out = nil
	ch.in = nil
	ch.pending = nil
	ch.mu.Unlock()

	unregisterScope(ch.peer, ch.scope)
	for _, w := range waiters {
		close(w)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

// WaitReady blocks until the handshake with the peer completes, the
// Channel is destroyed, or ctx is done, whichever happens first.
func (ch *Channel) WaitReady(ctx context.Context) error {
	ch.mu.Lock()
	if ch.ready {
		ch.mu.Unlock()
		return nil
	}
	if ch.destroyed {
		ch.mu.Unlock()
		return errChannelDestroyed
	}
	w := make(chan struct{})
	ch.waiters = append(ch.waiters, w)
	ch.mu.Unlock()

	select {
	case <-w:
		ch.mu.Lock()
		ready := ch.ready
		ch.mu.Unlock()
		if !ready {
			return errChannelDestroyed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns a snapshot of this Channel's public state.
func (ch *Channel) Info() ChannelInfo {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ChannelInfo{
		Identity: ch.identity,
		Ready:    ch.ready,
		Methods:  stringset.FromKeys(ch.handlers).Elements(),
		Metrics:  ch.metrics.Snapshot(),
	}
}

// RecentFrames returns the most recently sent and received frames, oldest
// first, up to the Config.RecentFrames bound this Channel was built with.
// It returns nil if that bound was zero.
func (ch *Channel) RecentFrames() []RecentFrame {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.recent == nil {
		return nil
	}
	keys := ch.recent.Keys()
	out := make([]RecentFrame, 0, len(keys))
	for _, k := range keys {
		if v, ok := ch.recent.Peek(k); ok {
			out = append(out, v.(RecentFrame))
		}
	}
	return out
}

// allocateIDLocked reserves the next outbound transaction id. Caller must
// hold ch.mu. Before the handshake fixes this side's parity, ids are
// handed out provisionally assuming odd parity; if the handshake later
// determines this side is actually even-parity, fixupParityLocked
// rewrites every id assigned under the provisional guess, including ones
// still sitting in the pending queue, rather than only correcting the
// counter going forward.
func (ch *Channel) allocateIDLocked() int64 {
	id := 2*ch.idCounter + ch.parityBit
	ch.idCounter++
	return id
}

// fixupParityLocked is called exactly once, when the handshake determines
// this side's true parity. If it matches the provisional guess (odd),
// nothing has to change. If this side turns out to be even-parity, every
// id handed out so far under the provisional guess is shifted down by one
// to make it even, both in the outbound transaction table and in any
// frame still sitting in the pre-ready queue.
func (ch *Channel) fixupParityLocked(newParity int64) {
	ch.parityBit = newParity
	ch.parityFixed = true
	if newParity == 1 {
		return
	}
	fixed := make(map[int64]*pendingCall, len(ch.out))
	for id, pc := range ch.out {
		pc.id = id - 1
		fixed[pc.id] = pc
	}
	ch.out = fixed
	for i := range ch.pending {
		if ch.pending[i].hasID() {
			ch.pending[i].ID--
		}
	}
}

// sendFrame transmits f immediately if the Channel is ready, or enqueues
// it for transmission once the handshake completes. force bypasses the
// ready check; only the handshake itself uses it.
func (ch *Channel) sendFrame(f Frame, force bool) error {
	ch.mu.Lock()
	if ch.destroyed {
		ch.mu.Unlock()
		return errChannelDestroyed
	}
	if !ch.ready && !force {
		ch.pending = append(ch.pending, f)
		ch.mu.Unlock()
		return nil
	}
	ch.mu.Unlock()
	return ch.transmit(f)
}

// transmit hands f to the substrate unconditionally, recording it for
// observers, metrics, and the recent-frame ring buffer first.
func (ch *Channel) transmit(f Frame) error {
	raw, err := encodeFrame(f)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	target := ch.origin
	observer := ch.postObserver
	ch.recordLocked("sent", f)
	ch.mu.Unlock()

	ch.metrics.count(metricFramesSent, 1)
	if ch.prom != nil {
		ch.prom.sent.Inc()
	}
	if observer != nil {
		observer(f)
	}
	return ch.peer.Send(raw, target)
}

// recordLocked appends f to the recent-frame ring buffer. Caller must
// hold ch.mu.
func (ch *Channel) recordLocked(direction string, f Frame) {
	if ch.recent == nil {
		return
	}
	ch.recentSeq++
	ch.recent.Add(ch.recentSeq, RecentFrame{Seq: ch.recentSeq, Direction: direction, Frame: f})
}

// finishTransaction sends a final response frame and removes id from the
// inbound transaction table.
func (ch *Channel) finishTransaction(id int64, f Frame) error {
	ch.mu.Lock()
	if ch.in != nil {
		delete(ch.in, id)
	}
	ch.mu.Unlock()
	return ch.sendFrame(f, false)
}
