// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"log"

	"github.com/xchannel/xchannel"
	"github.com/xchannel/xchannel/xhandler"
)

// math exposes the same arithmetic surface the jrpc2 examples demonstrate,
// adapted to this package's Handler shape via xhandler.
type binop struct{ X, Y int }

func mathMethods() xhandler.Map {
	return xhandler.Map{
		"Add": func(vs []int) (int, error) {
			sum := 0
			for _, v := range vs {
				sum += v
			}
			return sum, nil
		},
		"Sub": func(arg binop) (int, error) { return arg.X - arg.Y, nil },
		"Mul": func(arg binop) (int, error) { return arg.X * arg.Y, nil },
		"Div": func(arg binop) (float64, error) {
			if arg.Y == 0 {
				return 0, xchannel.NewError(xchannel.CodeBadRequest, "zero divisor")
			}
			return float64(arg.X) / float64(arg.Y), nil
		},
		"Status": func() (string, error) { return "OK", nil },
	}
}

type alert struct{ Msg string }

// alertHandler logs a Post.Alert notification; its return value is ignored,
// since a notification's result is always discarded.
var alertHandler = xhandler.New(func(a alert) (bool, error) {
	log.Printf("[ALERT]: %s", a.Msg)
	return false, nil
})

// bindMath registers the math service and the Post.Alert notification
// handler on ch.
func bindMath(ch *xchannel.Channel) error {
	if err := mathMethods().Bind(ch); err != nil {
		return err
	}
	return ch.Bind("Post.Alert", alertHandler)
}
