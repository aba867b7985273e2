// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package xhandler reflectively adapts ordinary Go functions to the
// xchannel.Handler signature, so a bound method does not need to unpack its
// own parameter tree or normalize its own return values by hand.
package xhandler

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/xchannel/xchannel"
)

var (
	txType  = reflect.TypeOf((*xchannel.Transaction)(nil))
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

var errNoParameters = fmt.Errorf("xhandler: function does not accept parameters")

// FuncInfo describes the reflected shape of a function accepted by Check.
type FuncInfo struct {
	Type     reflect.Type // the function's reflected type
	Argument reflect.Type // the parameter type, or nil if the function takes none
	Result   reflect.Type // the result type, or nil if the function returns only error
	WantsTx  bool         // whether the function's first argument is *xchannel.Transaction

	ReportsError bool
	fn           any
}

// New reflectively constructs an xchannel.Handler from fn, which must have
// one of the forms described by Check. New panics if fn does not have a
// valid shape, the same way handler.New does for its own jrpc2.Handler
// adaptation.
func New(fn any) xchannel.Handler {
	fi, err := Check(fn)
	if err != nil {
		panic(fmt.Sprintf("xhandler: %v", err))
	}
	return fi.Wrap()
}

// Check reports whether fn can serve as an xchannel.Handler. The concrete
// value of fn must be a function with one of the following signature
// schemes, for JSON-marshalable types X and Y:
//
//	func() error
//	func() Y
//	func() (Y, error)
//	func(X) error
//	func(X) Y
//	func(X) (Y, error)
//	func(*xchannel.Transaction) error
//	func(*xchannel.Transaction) Y
//	func(*xchannel.Transaction) (Y, error)
//	func(*xchannel.Transaction, X) error
//	func(*xchannel.Transaction, X) Y
//	func(*xchannel.Transaction, X) (Y, error)
//
// If fn does not have one of these forms, Check reports an error.
func Check(fn any) (*FuncInfo, error) {
	if h, ok := fn.(xchannel.Handler); ok {
		return &FuncInfo{fn: h}, nil
	}

	ft := reflect.TypeOf(fn)
	if ft == nil || ft.Kind() != reflect.Func || ft.IsVariadic() {
		return nil, fmt.Errorf("value of type %T is not a valid handler function", fn)
	}

	fi := &FuncInfo{Type: ft, fn: fn}

	in := ft.NumIn()
	i := 0
	if in > 0 && ft.In(0) == txType {
		fi.WantsTx = true
		i = 1
	}
	switch in - i {
	case 0:
		// no parameter argument
	case 1:
		fi.Argument = ft.In(i)
	default:
		return nil, fmt.Errorf("function has too many parameters (%d)", in)
	}

	switch ft.NumOut() {
	case 1:
		if ft.Out(0) == errType {
			fi.Result = nil
			fi.ReportsError = true
		} else {
			fi.Result = ft.Out(0)
			fi.ReportsError = false
		}
	case 2:
		if ft.Out(1) != errType {
			return nil, fmt.Errorf("second return value must be error, got %v", ft.Out(1))
		}
		fi.Result = ft.Out(0)
		fi.ReportsError = true
	default:
		return nil, fmt.Errorf("function must return (value, error) or error, got %d results", ft.NumOut())
	}
	return fi, nil
}

// Wrap adapts the function represented by fi to an xchannel.Handler. Wrap
// panics if fi is nil or does not represent a valid function.
//
// As in the reflective adapter this package is modeled on, the intent is to
// hoist as much work as possible out of the returned closure: the
// unmarshaling and result-decoding helpers are built once here, so each
// invocation of the wrapped handler does only the reflection its own
// signature actually requires.
func (fi *FuncInfo) Wrap() xchannel.Handler {
	if fi == nil || fi.fn == nil {
		panic("xhandler: invalid FuncInfo value")
	}
	if h, ok := fi.fn.(xchannel.Handler); ok {
		return h
	}

	var newInput func(tx reflect.Value, params any) ([]reflect.Value, error)

	arg := fi.Argument
	if arg == nil {
		newInput = func(tx reflect.Value, params any) ([]reflect.Value, error) {
			if params != nil {
				return nil, errNoParameters
			}
			return txArgs(fi.WantsTx, tx), nil
		}
	} else if arg.Kind() == reflect.Ptr {
		newInput = func(tx reflect.Value, params any) ([]reflect.Value, error) {
			in := reflect.New(arg.Elem())
			if err := decodeParams(params, in.Interface()); err != nil {
				return nil, xchannel.NewError(xchannel.CodeBadRequest, err.Error())
			}
			return append(txArgs(fi.WantsTx, tx), in), nil
		}
	} else {
		newInput = func(tx reflect.Value, params any) ([]reflect.Value, error) {
			in := reflect.New(arg)
			if err := decodeParams(params, in.Interface()); err != nil {
				return nil, xchannel.NewError(xchannel.CodeBadRequest, err.Error())
			}
			return append(txArgs(fi.WantsTx, tx), in.Elem()), nil
		}
	}

	var decodeOut func([]reflect.Value) (any, error)
	if fi.Result == nil {
		decodeOut = func(vals []reflect.Value) (any, error) {
			if oerr := vals[0].Interface(); oerr != nil {
				return nil, oerr.(error)
			}
			return nil, nil
		}
	} else if !fi.ReportsError {
		decodeOut = func(vals []reflect.Value) (any, error) {
			return vals[0].Interface(), nil
		}
	} else {
		decodeOut = func(vals []reflect.Value) (any, error) {
			if oerr := vals[1].Interface(); oerr != nil {
				return nil, oerr.(error)
			}
			return vals[0].Interface(), nil
		}
	}

	call := reflect.ValueOf(fi.fn).Call
	return func(tx *xchannel.Transaction, params any) (any, error) {
		args, ierr := newInput(reflect.ValueOf(tx), params)
		if ierr != nil {
			return nil, ierr
		}
		return decodeOut(call(args))
	}
}

func txArgs(wantsTx bool, tx reflect.Value) []reflect.Value {
	if !wantsTx {
		return nil
	}
	return []reflect.Value{tx}
}

// decodeParams re-marshals the already-decoded parameter tree a Channel
// hands a Handler and unmarshals it into out, since the channel package
// works in terms of generic map[string]any/[]any trees rather than raw
// JSON bytes, unlike a jrpc2.Request's UnmarshalParams.
func decodeParams(params any, out any) error {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("re-encoding parameters: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// Map associates method names directly with handler functions of any shape
// Check accepts, analogous to handler.Map for jrpc2.Handler values.
type Map map[string]any

// Bind registers every entry of m on ch under its own method name.
func (m Map) Bind(ch *xchannel.Channel) error {
	for name, fn := range m {
		if err := ch.Bind(name, New(fn)); err != nil {
			return fmt.Errorf("binding %q: %w", name, err)
		}
	}
	return nil
}

// Names reports the method names defined by m.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}
