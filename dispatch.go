// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package xchannel

import (
	"context"
	"encoding/json"

	"github.com/creachadair/mds/stringset"
	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
)

// onReceive is the substrate.Listener installed at Build. It implements
// the full inbound pipeline: origin filter, decode, scope filter,
// recording, and classification into {handshake, request, progress,
// response, notification}.
func (ch *Channel) onReceive(payload string, senderIdentity string) {
	ch.mu.Lock()
	destroyed := ch.destroyed
	origin := ch.origin
	ch.mu.Unlock()
	if destroyed {
		return
	}

	if !originMatches(origin, senderIdentity) {
		ch.dropped("origin mismatch", zap.String("sender", senderIdentity))
		return
	}

	f, err := decodeFrame(payload)
	if err != nil {
		ch.dropped("malformed frame", zap.Error(err))
		return
	}

	if f.Method != "" {
		method, ok := descopeMethod(ch.scope, f.Method)
		if !ok {
			ch.dropped("scope mismatch", zap.String("method", f.Method), zap.String("frame", spew.Sdump(f)))
			return
		}
		f.Method = method
	}

	ch.mu.Lock()
	if ch.destroyed {
		ch.mu.Unlock()
		return
	}
	observer := ch.recvObserver
	ch.recordLocked("received", f)
	ch.mu.Unlock()

	ch.metrics.count(metricFramesReceived, 1)
	if ch.prom != nil {
		ch.prom.received.Inc()
	}
	if observer != nil {
		// The observer gets its own copy of the frame's byte and slice
		// fields, so it cannot alter the frame dispatched below.
		view := f
		view.Params = append(json.RawMessage(nil), f.Params...)
		view.Result = append(json.RawMessage(nil), f.Result...)
		view.Callbacks = append([]string(nil), f.Callbacks...)
		observer(view)
	}

	switch {
	case !f.hasID() && f.Method == readyMethod:
		ch.handleReady(f)
	case f.IsRequest():
		ch.handleRequest(f)
	case f.IsProgress():
		ch.handleProgress(f)
	case f.IsResponse():
		ch.handleResponseFrame(f)
	case f.IsNotification():
		ch.handleNotification(f)
	}
}

func (ch *Channel) dropped(reason string, fields ...zap.Field) {
	ch.metrics.count(metricFramesDropped, 1)
	if ch.prom != nil {
		ch.prom.dropped.Inc()
	}
	ch.logger.Debug("xchannel: dropped frame", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
}

// handleRequest processes an inbound method call awaiting a response.
func (ch *Channel) handleRequest(f Frame) {
	ch.mu.Lock()
	if ch.destroyed {
		ch.mu.Unlock()
		return
	}
	h, ok := ch.handlers[f.Method]
	if !ok {
		ch.mu.Unlock()
		return // unbound method: ignored, neither handled nor error-replied
	}
	tx := &Transaction{ch: ch, id: f.ID, callbackNames: stringset.New(f.Callbacks...)}
	ch.in[f.ID] = tx
	ch.mu.Unlock()

	go ch.runRequest(h, tx, f)
}

func (ch *Channel) runRequest(h Handler, tx *Transaction, f Frame) {
	if err := ch.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer ch.sem.Release(1)

	var decoded any
	if len(f.Params) > 0 {
		_ = json.Unmarshal(f.Params, &decoded)
	}
	if len(f.Callbacks) > 0 {
		installEmitters(decoded, f.Callbacks, tx.invokeRaw)
	}

	result, err := ch.invokeHandler(h, tx, decoded)

	if tx.Completed() || tx.isDelayed() {
		return
	}
	if err != nil {
		ce := normalizeError(err)
		_ = tx.Fail(ce.Code, ce.Message)
		return
	}
	_ = tx.Complete(result)
}

// invokeHandler runs h, recovering from and normalizing any panic the
// same way a thrown value is normalized in the originating design, so a
// misbehaving handler fails its own transaction instead of taking down
// the process hosting the Channel.
func (ch *Channel) invokeHandler(h Handler, tx *Transaction, params any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = recoveredError(p)
			ch.logger.Warn("xchannel: recovered handler panic", zap.Any("panic", p))
			ch.metrics.count(metricHandlerPanics, 1)
			if ch.prom != nil {
				ch.prom.panics.Inc()
			}
		}
	}()
	return h(tx, params)
}

// handleNotification processes an inbound fire-and-forget call. Its
// result and any error are discarded once recovered.
func (ch *Channel) handleNotification(f Frame) {
	ch.mu.Lock()
	if ch.destroyed {
		ch.mu.Unlock()
		return
	}
	h, ok := ch.handlers[f.Method]
	ch.mu.Unlock()
	if !ok {
		return
	}
	go ch.runNotification(h, f)
}

func (ch *Channel) runNotification(h Handler, f Frame) {
	if err := ch.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer ch.sem.Release(1)

	var decoded any
	if len(f.Params) > 0 {
		_ = json.Unmarshal(f.Params, &decoded)
	}
	_, _ = ch.invokeHandler(h, nil, decoded)
}

// handleProgress delivers a progress-callback frame to the local callable
// registered under its name, if the outstanding call and callback both
// still exist.
func (ch *Channel) handleProgress(f Frame) {
	ch.mu.Lock()
	pc, ok := ch.out[f.ID]
	ch.mu.Unlock()
	if !ok {
		ch.dropped("unknown id", zap.Int64("id", f.ID))
		return
	}
	cb, ok := pc.callbacks[f.Callback]
	if !ok {
		ch.dropped("unknown callback", zap.Int64("id", f.ID), zap.String("callback", f.Callback))
		return
	}
	cb(Value{raw: f.Params})
}

// handleResponseFrame delivers a final response frame to the outstanding
// call's success or error continuation and removes it from the table.
func (ch *Channel) handleResponseFrame(f Frame) {
	ch.mu.Lock()
	var pc *pendingCall
	var ok bool
	if ch.out != nil {
		pc, ok = ch.out[f.ID]
		if ok {
			delete(ch.out, f.ID)
		}
	}
	ch.mu.Unlock()
	if !ok {
		ch.dropped("unknown id", zap.Int64("id", f.ID))
		return
	}
	ch.metrics.count(metricOutstandingCalls, -1)

	if f.isFailure() {
		if pc.onError != nil {
			pc.onError(&Error{Code: f.Error, Message: f.Message})
		}
		return
	}
	pc.success(Value{raw: f.Result})
}
