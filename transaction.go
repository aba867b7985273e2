// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package xchannel

import (
	"encoding/json"
	"fmt"

	"github.com/creachadair/mds/stringset"
)

// Transaction is the control object a Handler receives for an inbound
// request. It lets the handler emit progress through a declared callback,
// defer its final response, and complete or fail the call exactly once.
//
// A Transaction is nil when the Handler was invoked for a notification;
// every exported method is safe to call on a nil Transaction. Invoke,
// Complete and Fail report an error rather than panicking, since
// notification handlers have no response to give; DelayReturn is a no-op,
// Completed reports true and Channel returns nil.
type Transaction struct {
	ch            *Channel
	id            int64
	callbackNames stringset.Set
	delayed       bool
	done          bool
}

// Invoke posts a progress frame for the named callback, which must be one
// the caller declared when it issued the call. It returns an error if name
// was not declared, if the transaction has already completed, or if tx is
// nil (a notification has no caller-declared callbacks to invoke).
func (tx *Transaction) Invoke(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.invokeRaw(name, raw)
}

// invokeRaw is Invoke without the marshal step, for the synthetic Emitter
// installed by installEmitters, which has already marshaled its argument
// once and must not marshal it again.
func (tx *Transaction) invokeRaw(name string, raw json.RawMessage) error {
	if tx == nil {
		return fmt.Errorf("xchannel: cannot invoke callback %q on a notification", name)
	}
	tx.ch.mu.Lock()
	if tx.done {
		tx.ch.mu.Unlock()
		return fmt.Errorf("xchannel: transaction %d already completed", tx.id)
	}
	if !tx.callbackNames.Contains(name) {
		tx.ch.mu.Unlock()
		return fmt.Errorf("xchannel: callback %q was not declared by the caller", name)
	}
	tx.ch.mu.Unlock()

	return tx.ch.sendFrame(Frame{ID: tx.id, Callback: name, Params: raw}, false)
}

// Complete finishes the transaction successfully with result v. It is a
// no-op error if the transaction already completed, or if tx is nil.
func (tx *Transaction) Complete(v any) error {
	if tx == nil {
		return fmt.Errorf("xchannel: cannot complete a notification")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !tx.markDone() {
		return fmt.Errorf("xchannel: transaction %d already completed", tx.id)
	}
	return tx.ch.finishTransaction(tx.id, Frame{ID: tx.id, Result: raw})
}

// Fail finishes the transaction with an error carrying code and message.
// It is a no-op error if the transaction already completed, or if tx is
// nil.
func (tx *Transaction) Fail(code Code, message string) error {
	if tx == nil {
		return fmt.Errorf("xchannel: cannot fail a notification")
	}
	if !tx.markDone() {
		return fmt.Errorf("xchannel: transaction %d already completed", tx.id)
	}
	return tx.ch.finishTransaction(tx.id, Frame{ID: tx.id, Error: code, Message: message})
}

// DelayReturn controls whether the Channel auto-completes this
// transaction when the Handler returns. Call DelayReturn(true) before
// returning from a Handler that will call Complete or Fail later, from
// another goroutine; call DelayReturn(false) to cancel a pending delay
// and resume automatic completion. It is a no-op on a nil Transaction.
func (tx *Transaction) DelayReturn(delay bool) {
	if tx == nil {
		return
	}
	tx.ch.mu.Lock()
	tx.delayed = delay
	tx.ch.mu.Unlock()
}

// Completed reports whether the transaction has already been given a
// final response. It always reports true for a nil Transaction.
func (tx *Transaction) Completed() bool {
	if tx == nil {
		return true
	}
	tx.ch.mu.Lock()
	defer tx.ch.mu.Unlock()
	return tx.done
}

// markDone flips done under the channel lock and reports whether this
// call was the one that made the transition.
func (tx *Transaction) markDone() bool {
	tx.ch.mu.Lock()
	defer tx.ch.mu.Unlock()
	if tx.done {
		return false
	}
	tx.done = true
	return true
}

// Channel returns the Channel this transaction belongs to, or nil for a
// notification.
func (tx *Transaction) Channel() *Channel {
	if tx == nil {
		return nil
	}
	return tx.ch
}

// isDelayed reports the current delay flag under the channel lock.
func (tx *Transaction) isDelayed() bool {
	tx.ch.mu.Lock()
	defer tx.ch.mu.Unlock()
	return tx.delayed
}

// pendingCall is the Channel-side bookkeeping for a call this side issued
// and is still awaiting a response to, mirroring jrpc2's pending map on
// the client side of a connection — except a Channel keeps one such table
// for calls it made and a separate inbound table (Transaction values) for
// calls it is answering, since both directions are live at once.
type pendingCall struct {
	id        int64
	callbacks map[string]CallbackFunc
	success   SuccessFunc
	onError   ErrorFunc
}
