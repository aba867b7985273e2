// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package xchannel

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Value wraps a raw JSON payload carried on a response or progress frame,
// deferring decoding to the caller rather than forcing a concrete Go type
// on every continuation. It plays the role jrpc2's Response.UnmarshalResult
// plays for call results, generalized to also cover progress-callback
// arguments.
type Value struct {
	raw json.RawMessage
}

// Raw returns the undecoded JSON payload. It may be empty.
func (v Value) Raw() json.RawMessage { return v.raw }

// Unmarshal decodes the payload into out. An empty payload is a no-op.
func (v Value) Unmarshal(out any) error {
	if len(v.raw) == 0 {
		return nil
	}
	return json.Unmarshal(v.raw, out)
}

// CallbackFunc is a locally-owned progress continuation embedded in the
// parameters passed to Call. The Channel extracts CallbackFunc leaves out
// of the parameter tree before marshaling it to the wire, replaces each
// with a path token the peer can invoke by name, and calls the
// corresponding CallbackFunc with the peer's arguments whenever a matching
// progress frame arrives.
type CallbackFunc func(Value)

// Emitter is the synthetic, remotely-backed counterpart to a CallbackFunc.
// A Handler invoked for an inbound request finds an Emitter installed at
// every path the caller declared as a callback; calling it marshals v and
// posts a progress frame back to the caller, where it is delivered to the
// matching CallbackFunc.
//
// Calling an Emitter after the Transaction it belongs to has completed is
// a no-op that returns an error rather than panicking, since progress is
// inherently racy with respect to completion.
type Emitter func(v any) error

// SuccessFunc receives the result of a completed call.
type SuccessFunc func(Value)

// ErrorFunc receives the error of a failed call.
type ErrorFunc func(*Error)

// Handler answers an inbound request or notification. params is the
// decoded parameter tree — map[string]any, []any, or a JSON scalar — with
// an Emitter installed at every path the peer declared as a callback. tx
// is nil when the invocation is a notification, since a notification has
// no response to complete or fail.
//
// The return value and error are ignored for notifications. For requests,
// if the Transaction has not already been completed or put into delayed
// return by the time Handler returns, the Channel completes it
// automatically with (result, err) normalized the same way a panic would
// be.
type Handler func(tx *Transaction, params any) (result any, err error)

// extractCallbacks walks v, which must be built from map[string]any,
// []any, and JSON-marshalable scalars, replacing every CallbackFunc leaf
// with nothing and recording it in cbs keyed by its slash-joined path. The
// returned tree is safe to hand to json.Marshal directly.
func extractCallbacks(v any, path string, cbs map[string]CallbackFunc) (out any, omit bool) {
	switch t := v.(type) {
	case CallbackFunc:
		cbs[path] = t
		return nil, true
	case map[string]any:
		clone := make(map[string]any, len(t))
		for k, val := range t {
			p := joinPath(path, k)
			nv, drop := extractCallbacks(val, p, cbs)
			if !drop {
				clone[k] = nv
			}
		}
		return clone, false
	case []any:
		clone := make([]any, 0, len(t))
		for i, val := range t {
			p := joinPath(path, strconv.Itoa(i))
			nv, drop := extractCallbacks(val, p, cbs)
			if drop {
				clone = append(clone, nil)
			} else {
				clone = append(clone, nv)
			}
		}
		return clone, false
	default:
		return v, false
	}
}

func joinPath(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "/" + seg
}

// installEmitters mutates the decoded params tree in place, replacing the
// value at each declared path with an Emitter that posts a progress frame
// through post. Paths that do not resolve against the tree's actual shape
// are silently ignored: a peer may declare a callback path that no longer
// matches if params were hand-built, and the protocol tolerates that by
// dropping the emitter rather than failing the whole request.
func installEmitters(root any, paths []string, post func(path string, args json.RawMessage) error) {
	for _, p := range paths {
		segs := strings.Split(p, "/")
		setAtPath(root, segs, Emitter(func(v any) error {
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			return post(p, raw)
		}))
	}
}

func setAtPath(root any, segs []string, leaf any) {
	cur := root
	for i := 0; i < len(segs)-1; i++ {
		switch t := cur.(type) {
		case map[string]any:
			cur = t[segs[i]]
		case []any:
			idx, err := strconv.Atoi(segs[i])
			if err != nil || idx < 0 || idx >= len(t) {
				return
			}
			cur = t[idx]
		default:
			return
		}
	}
	last := segs[len(segs)-1]
	switch t := cur.(type) {
	case map[string]any:
		t[last] = leaf
	case []any:
		idx, err := strconv.Atoi(last)
		if err == nil && idx >= 0 && idx < len(t) {
			t[idx] = leaf
		}
	}
}
