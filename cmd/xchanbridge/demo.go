// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/xchannel/xchannel"
	"github.com/xchannel/xchannel/xcaller"
)

func contextWithTimeout(d time.Duration) context.Context {
	ctx, _ := context.WithTimeout(context.Background(), d)
	return ctx
}

var (
	add = xcaller.New("Add", []int(nil), int(0)).(func(context.Context, *xchannel.Channel, []int) (int, error))
	div = xcaller.New("Div", binop{}, float64(0)).(func(context.Context, *xchannel.Channel, binop) (float64, error))
	sub = xcaller.New("Sub", binop{}, int(0)).(func(context.Context, *xchannel.Channel, binop) (int, error))
	stat = xcaller.New("Status", nil, string("")).(func(context.Context, *xchannel.Channel) (string, error))
)

// demonstrate exercises the bridge's math service the way the jrpc2
// examples' client program exercises its server: a notification, a few
// individual calls, an expected error, and a batch of concurrent calls.
func demonstrate(ch *xchannel.Channel) error {
	ctx := context.Background()

	log.Print("-- sending a notification...")
	if err := ch.Notify("Post.Alert", alert{Msg: "there is a fire!"}); err != nil {
		return err
	}

	log.Print("-- sending individual requests...")
	if sum, err := add(ctx, ch, []int{1, 3, 5, 7}); err != nil {
		log.Printf("Add: %v", err)
	} else {
		log.Printf("Add result=%d", sum)
	}
	if quot, err := div(ctx, ch, binop{82, 19}); err != nil {
		log.Printf("Div: %v", err)
	} else {
		log.Printf("Div result=%.3f", quot)
	}
	if s, err := stat(ctx, ch); err != nil {
		log.Printf("Status: %v", err)
	} else {
		log.Printf("Status result=%q", s)
	}

	log.Print("-- an expected error (division by zero)...")
	if quot, err := div(ctx, ch, binop{15, 0}); err != nil {
		log.Printf("Div err=%v (expected)", err)
	} else {
		log.Printf("Div succeeded unexpectedly: result=%v", quot)
	}

	log.Print("-- sending concurrent requests...")
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		x, y := rand.Intn(100), rand.Intn(100)
		wg.Add(1)
		go func(x, y int) {
			defer wg.Done()
			r, err := sub(ctx, ch, binop{x, y})
			if err != nil {
				log.Printf("Sub(%d,%d): %v", x, y, err)
				return
			}
			log.Printf("Sub(%d,%d)=%d", x, y, r)
		}(x, y)
	}
	wg.Wait()
	return nil
}
