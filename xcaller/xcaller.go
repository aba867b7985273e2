// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package xcaller reflectively constructs synchronous call wrapper
// functions for a method exposed over an xchannel.Channel, so a caller
// does not need to build a CallOptions value or bridge the Channel's
// callback-based Call into a blocking request of its own.
package xcaller

import (
	"context"
	"reflect"

	"github.com/xchannel/xchannel"
)

var (
	chanType = reflect.TypeOf((*xchannel.Channel)(nil))
	errType  = reflect.TypeOf((*error)(nil)).Elem()
	ctxType  = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// New reflectively constructs a function of type:
//
//	func(context.Context, *xchannel.Channel, X) (Y, error)
//
// that issues a call to method through the channel given, marshaling the
// request and decoding the response automatically. The caller must assert
// the expected type on the return value.
//
// As a special case, if X == nil, the returned function omits the request
// argument and has the signature:
//
//	func(context.Context, *xchannel.Channel) (Y, error)
//
// New panics if Y == nil.
//
// Example:
//
//	Add := xcaller.New("Math.Add", []int(nil), int(0)).(func(context.Context, *xchannel.Channel, []int) (int, error))
//	sum, err := Add(ctx, ch, []int{1, 3, 5, 7})
func New(method string, X, Y any, opts ...Option) any {
	var wantVariadic bool
	for _, opt := range opts {
		if _, ok := opt.(variadic); ok {
			wantVariadic = true
		}
	}

	reqType := reflect.TypeOf(X)
	rspType := reflect.TypeOf(Y)
	if rspType == nil {
		panic("xcaller: result type must not be nil")
	}
	if wantVariadic {
		reqType = reflect.SliceOf(reqType)
	}

	argTypes := []reflect.Type{ctxType, chanType}
	if reqType != nil {
		argTypes = append(argTypes, reqType)
	}
	funType := reflect.FuncOf(argTypes, []reflect.Type{rspType, errType}, wantVariadic)

	wantPtr := rspType.Kind() == reflect.Ptr
	if wantPtr {
		rspType = rspType.Elem()
	}

	param := func(v []reflect.Value) any { return v[2].Interface() }
	if reqType == nil {
		param = func([]reflect.Value) any { return nil }
	} else if reqType.Kind() == reflect.Slice {
		param = func(v []reflect.Value) any {
			if v[2].IsNil() {
				return reflect.MakeSlice(reqType, 0, 0).Interface()
			}
			return v[2].Interface()
		}
	}

	return reflect.MakeFunc(funType, func(args []reflect.Value) []reflect.Value {
		ctx := args[0].Interface().(context.Context)
		ch := args[1].Interface().(*xchannel.Channel)
		rsp := reflect.New(rspType)
		rerr := reflect.Zero(errType)

		err := callWait(ctx, ch, method, param(args), rsp.Interface())
		if err != nil {
			rerr = reflect.ValueOf(err).Convert(errType)
		}
		if wantPtr {
			return []reflect.Value{rsp, rerr}
		}
		return []reflect.Value{rsp.Elem(), rerr}
	}).Interface()
}

// callWait bridges Channel.Call's callback-based completion into a single
// blocking round trip, the way a jrpc2 client's CallWait blocks on a
// response that arrives on its own connection's read loop.
func callWait(ctx context.Context, ch *xchannel.Channel, method string, params any, out any) error {
	done := make(chan error, 1)
	err := ch.Call(xchannel.CallOptions{
		Method: method,
		Params: params,
		Success: func(v xchannel.Value) {
			done <- v.Unmarshal(out)
		},
		Error: func(e *xchannel.Error) {
			done <- e
		},
	})
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// An Option controls an optional behavior of New.
type Option interface {
	callOption()
}

type variadic struct{}

func (variadic) callOption() {}

// Variadic returns an Option that makes the generated function wrapper
// variadic in its request parameter type, i.e.
//
//	func(context.Context, *xchannel.Channel, ...X) (Y, error)
//
// instead of
//
//	func(context.Context, *xchannel.Channel, X) (Y, error)
func Variadic() Option { return variadic{} }
