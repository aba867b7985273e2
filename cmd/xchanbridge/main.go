// Program xchanbridge demonstrates a cross-process Channel bridge carried
// over a websocket, in either a listening or a dialing role.
//
// Usage:
//
//	xchanbridge -role listen -addr :8080
//	xchanbridge -role dial -addr ws://localhost:8080/bridge
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"

	"github.com/xchannel/xchannel"
	"github.com/xchannel/xchannel/substrate/wsbridge"
)

// bridgeConfig is the optional TOML configuration file for a bridge
// process, covering the connection-level settings a command-line flag
// would otherwise have to repeat for every invocation.
type bridgeConfig struct {
	Origin      string `toml:"origin"`
	Concurrency int    `toml:"concurrency"`
}

// scopeRoutes names the multiplexed scopes this bridge answers requests
// under, alongside the default (empty-scope) Channel every role always
// builds. A listening bridge binds the math service under each listed
// scope in addition to the default scope, demonstrating several Channels
// sharing one Bridge.
type scopeRoutes struct {
	Scopes []string `yaml:"scopes"`
}

func loadTOML(path string) (bridgeConfig, error) {
	var cfg bridgeConfig
	if path == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

func loadYAML(path string) (scopeRoutes, error) {
	var routes scopeRoutes
	if path == "" {
		return routes, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return routes, err
	}
	defer f.Close()
	return routes, yaml.NewDecoder(f).Decode(&routes)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func main() {
	app := cli.NewApp()
	app.Name = "xchanbridge"
	app.Usage = "bridge a Channel over a websocket, as a listener or a dialer"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "role", Usage: "listen or dial", Required: true},
		cli.StringFlag{Name: "addr", Usage: "listen address or dial URL", Required: true},
		cli.StringFlag{Name: "config", Usage: "path to a TOML bridge config file"},
		cli.StringFlag{Name: "scopes", Usage: "path to a YAML scope-routing file"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadTOML(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading toml config: %w", err)
	}
	routes, err := loadYAML(c.String("scopes"))
	if err != nil {
		return fmt.Errorf("loading scope routes: %w", err)
	}
	if cfg.Origin == "" {
		cfg.Origin = "*"
	}

	switch c.String("role") {
	case "listen":
		return runListen(c.String("addr"), cfg, routes)
	case "dial":
		return runDial(c.String("addr"), cfg)
	default:
		return fmt.Errorf("unknown -role %q, want listen or dial", c.String("role"))
	}
}

func runListen(addr string, cfg bridgeConfig, routes scopeRoutes) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade: %v", err)
			return
		}
		bridge := wsbridge.New(conn, "listener")
		if err := serveOneConnection(bridge, cfg, routes); err != nil {
			log.Printf("serveOneConnection: %v", err)
		}
	})
	log.Printf("listening at %s", addr)
	return http.ListenAndServe(addr, mux)
}

func serveOneConnection(bridge *wsbridge.Bridge, cfg bridgeConfig, routes scopeRoutes) error {
	scopes := append([]string{""}, routes.Scopes...)
	chans := make([]*xchannel.Channel, 0, len(scopes))
	for _, scope := range scopes {
		ch, err := xchannel.Build(xchannel.Config{
			Peer:        bridge,
			Origin:      cfg.Origin,
			Scope:       scope,
			Concurrency: cfg.Concurrency,
		})
		if err != nil {
			return fmt.Errorf("building channel for scope %q: %w", scope, err)
		}
		if err := bindMath(ch); err != nil {
			return fmt.Errorf("binding math service for scope %q: %w", scope, err)
		}
		chans = append(chans, ch)
		log.Printf("serving scope %q", scope)
	}
	select {} // the connection stays open until the peer disconnects the socket
}

func runDial(addr string, cfg bridgeConfig) error {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial %q: %w", addr, err)
	}
	bridge := wsbridge.New(conn, "dialer")

	ch, err := xchannel.Build(xchannel.Config{
		Peer:        bridge,
		Origin:      cfg.Origin,
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("building channel: %w", err)
	}
	defer ch.Destroy()

	if err := ch.WaitReady(contextWithTimeout(5 * time.Second)); err != nil {
		return fmt.Errorf("waiting for handshake: %w", err)
	}

	return demonstrate(ch)
}
