// Program xchanrepl is an interactive REPL that issues Call and Notify
// requests against a running xchanbridge listener, dialing its websocket URL.
//
// Usage:
//
//	xchanrepl ws://localhost:8080/bridge
//
// At the prompt, type:
//
//	<method> <json-params>
//	notify <method> <json-params>
//
// The resulting response, or any error, is printed to stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"

	"github.com/xchannel/xchannel"
	"github.com/xchannel/xchannel/substrate/wsbridge"
)

var (
	origin      = flag.String("origin", "*", "Expected origin of the peer")
	dialTimeout = flag.Duration("dial", 5*time.Second, "Timeout on dialing the server")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatal("Usage: xchanrepl <ws-url>")
	}
	addr := flag.Arg(0)

	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		log.Fatalf("Dial %q: %v", addr, err)
	}
	defer conn.Close()

	ch, err := xchannel.Build(xchannel.Config{
		Peer:   wsbridge.New(conn, "repl"),
		Origin: *origin,
	})
	if err != nil {
		log.Fatalf("Build: %v", err)
	}
	defer ch.Destroy()

	rctx, cancel := context.WithTimeout(context.Background(), *dialTimeout)
	defer cancel()
	if err := ch.WaitReady(rctx); err != nil {
		log.Fatalf("WaitReady: %v", err)
	}

	rl, err := readline.New("xchanrepl> ")
	if err != nil {
		log.Fatalf("readline: %v", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			return
		} else if err != nil {
			log.Fatalf("readline: %v", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := dispatch(ch, line); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func dispatch(ch *xchannel.Channel, line string) error {
	notify := false
	if rest, ok := strings.CutPrefix(line, "notify "); ok {
		notify = true
		line = rest
	}
	method, rawParams, _ := strings.Cut(strings.TrimSpace(line), " ")
	if method == "" {
		return fmt.Errorf("empty method")
	}

	var params any
	rawParams = strings.TrimSpace(rawParams)
	if rawParams != "" {
		if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}
	}

	if notify {
		return ch.Notify(method, params)
	}

	done := make(chan struct{})
	err := ch.Call(xchannel.CallOptions{
		Method: method,
		Params: params,
		Success: func(v xchannel.Value) {
			fmt.Println(string(v.Raw()))
			close(done)
		},
		Error: func(e *xchannel.Error) {
			fmt.Println("remote error:", e)
			close(done)
		},
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}
