// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package xchannel

import (
	"errors"
	"fmt"
)

// Code identifies the kind of a wire-level error. Unlike a JSON-RPC numeric
// error code, a Code is an opaque string: the wire format this package
// implements has no reserved code space, so any non-empty string the
// application chooses is valid.
type Code string

// Codes produced by this module itself. Applications are free to define
// and use their own.
const (
	// CodeRuntimeError marks an error whose message was derived from a Go
	// error value that carried no explicit Code (see normalizeError).
	CodeRuntimeError Code = "runtime_error"

	// CodeBadRequest marks a request whose parameters could not be decoded
	// into the handler's argument type; the xhandler adapters report it.
	// Local usage errors such as an empty method name or a missing success
	// continuation are returned by Call as plain Go errors, not as this code.
	CodeBadRequest Code = "bad_request"
)

// Error is the wire representation of a failed call: it is carried back to
// the caller's error continuation when a Handler fails or panics. A request
// for an unbound method gets no reply at all.
//
// Error implements the standard error interface so it can be returned from
// a Handler directly and normalized without loss of its Code.
type Error struct {
	Code    Code   `json:"error"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError constructs an *Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodedError is a convenience error type for handlers that want to report a
// specific Code without depending on this package's Error type directly in
// their own return statements. It normalizes identically to *Error.
type CodedError struct {
	Code    Code
	Message string
}

func (e *CodedError) Error() string { return e.Message }

// normalizeError reduces an arbitrary Go error value to the wire Error
// shape carried on a failed response frame. The mapping is:
//
//   - nil normalizes to nil (no error);
//   - *Error passes through unchanged;
//   - *CodedError converts directly, preserving its Code;
//   - anything else becomes a CodeRuntimeError carrying err.Error().
//
// This is the Go-specific resolution of the four JSON-side error shapes
// (string / two-element list / object with an error field / arbitrary
// object) the originating design normalizes on its side of the wire: Go
// has a single error interface rather than four ad hoc shapes, so the
// normalization collapses to a type switch instead of a shape sniff.
func normalizeError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return &Error{Code: coded.Code, Message: coded.Message}
	}
	return &Error{Code: CodeRuntimeError, Message: err.Error()}
}

// recoveredError converts a value recovered from a panic into an *Error,
// mirroring the runtime's own error normalization so a misbehaving handler
// cannot bring down the process hosting the Channel.
func recoveredError(v any) *Error {
	if err, ok := v.(error); ok {
		return normalizeError(err)
	}
	return &Error{Code: CodeRuntimeError, Message: fmt.Sprint(v)}
}

// Sentinel errors returned directly by Channel methods, as opposed to
// errors carried back over the wire to a peer.
var (
	errChannelDestroyed = errors.New("xchannel: channel destroyed")
	errEmptyMethod      = errors.New("xchannel: method name is empty")
	errMissingSuccess   = errors.New("xchannel: call has no success continuation")
	errDuplicateMethod  = errors.New("xchannel: method already bound")
	errDuplicateScope   = errors.New("xchannel: scope already registered against this peer")
	errInvalidOrigin    = errors.New("xchannel: invalid origin")
	errInvalidScope     = errors.New("xchannel: scope must not contain \"::\"")
	errSelfPeer         = errors.New("xchannel: peer substrate resolves to the local identity")
	errNilPeer          = errors.New("xchannel: config has no peer substrate")
)
