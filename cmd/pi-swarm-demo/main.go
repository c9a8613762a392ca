// ABOUTME: CLI entrypoint for exercising the channel fabric from a shell:
// ABOUTME: hosts channel groups, subscribes, sends one-shot messages, and
// ABOUTME: runs either end of the TCP bridge.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pi-agents/pi-swarm/bridge"
	"github.com/pi-agents/pi-swarm/channels"
	"github.com/pi-agents/pi-swarm/message"
	"github.com/pi-agents/pi-swarm/swarm"
)

var version = "dev"

// config holds all CLI configuration parsed from flags.
type config struct {
	mode         string
	groupPath    string
	channelNames string
	socketPath   string
	msg          string
	dataType     string
	from         string
	host         string
	port         int
	noReconnect  bool
	cleanDir     string
	showVersion  bool
}

func main() {
	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("pi-swarm-demo %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags() config {
	var cfg config

	fs := flag.NewFlagSet("pi-swarm-demo", flag.ContinueOnError)
	fs.StringVar(&cfg.mode, "mode", "", "Mode: serve, listen, send, bridge-server, bridge-client, clean")
	fs.StringVar(&cfg.groupPath, "group", "", "Channel group directory (serve mode)")
	fs.StringVar(&cfg.channelNames, "channels", "general,inbox-queen", "Comma-separated channel names (serve mode)")
	fs.StringVar(&cfg.socketPath, "socket", "", "Channel socket path (listen/send/bridge modes)")
	fs.StringVar(&cfg.msg, "msg", "", "Message text (send mode)")
	fs.StringVar(&cfg.dataType, "type", "", "Optional data.type for the message (send mode)")
	fs.StringVar(&cfg.from, "from", "", "Optional data.from for the message (send mode)")
	fs.StringVar(&cfg.host, "host", "127.0.0.1", "TCP host (bridge modes)")
	fs.IntVar(&cfg.port, "port", 7411, "TCP port (bridge modes)")
	fs.BoolVar(&cfg.noReconnect, "no-reconnect", false, "Disable bridge client reconnection")
	fs.StringVar(&cfg.cleanDir, "dir", "", "Directory to sweep for stale sockets (clean mode)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() { printHelp(os.Stderr) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	return cfg
}

func printHelp(w *os.File) {
	fmt.Fprintf(w, `pi-swarm-demo — exercise the channel fabric from a shell

Usage:
  pi-swarm-demo -mode serve -group DIR [-channels a,b,c]
  pi-swarm-demo -mode listen -socket PATH
  pi-swarm-demo -mode send -socket PATH -msg TEXT [-type T -from F]
  pi-swarm-demo -mode bridge-server -socket PATH [-host H -port P]
  pi-swarm-demo -mode bridge-client -socket PATH [-host H -port P] [-no-reconnect]
  pi-swarm-demo -mode clean -dir DIR
`)
}

// run dispatches to the appropriate mode based on the config.
// Returns an exit code: 0 for success, 1 for failure, 2 for a usage error.
func run(cfg config) int {
	switch cfg.mode {
	case "serve":
		return runServe(cfg)
	case "listen":
		return runListen(cfg)
	case "send":
		return runSend(cfg)
	case "bridge-server":
		return runBridgeServer(cfg)
	case "bridge-client":
		return runBridgeClient(cfg)
	case "clean":
		return runClean(cfg)
	default:
		printHelp(os.Stderr)
		return 2
	}
}

// runServe hosts a channel group until interrupted.
func runServe(cfg config) int {
	if cfg.groupPath == "" {
		fmt.Fprintln(os.Stderr, "error: -group is required in serve mode")
		return 2
	}

	var defs []channels.ChannelDef
	for _, name := range strings.Split(cfg.channelNames, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			defs = append(defs, channels.ChannelDef{Name: name})
		}
	}
	if len(defs) == 0 {
		fmt.Fprintln(os.Stderr, "error: no channel names given")
		return 2
	}

	group := channels.NewGroup(cfg.groupPath, defs)
	if err := group.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	for _, name := range group.Channels() {
		srv, _ := group.Channel(name)
		name := name
		srv.OnMessage(func(m message.Message, id channels.ClientID) {
			fmt.Printf("[%s] %s: %s\n", name, id, m.Msg)
		})
	}

	fmt.Printf("serving %d channel(s) under %s\n", len(defs), cfg.groupPath)
	waitForInterrupt()

	if err := group.Stop(false); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// runListen subscribes to one channel and prints every message until
// interrupted.
func runListen(cfg config) int {
	if cfg.socketPath == "" {
		fmt.Fprintln(os.Stderr, "error: -socket is required in listen mode")
		return 2
	}

	client := channels.NewClient(cfg.socketPath)
	client.OnMessage(func(m message.Message) {
		if typ, ok := m.Data["type"].(string); ok {
			fmt.Printf("[%s] %s\n", typ, m.Msg)
			return
		}
		fmt.Println(m.Msg)
	})
	client.OnDisconnect(func() {
		fmt.Fprintln(os.Stderr, "disconnected")
	})

	if err := client.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	waitForInterrupt()
	client.Disconnect()
	return 0
}

// runSend connects, sends one message, and exits.
func runSend(cfg config) int {
	if cfg.socketPath == "" || cfg.msg == "" {
		fmt.Fprintln(os.Stderr, "error: -socket and -msg are required in send mode")
		return 2
	}

	client := channels.NewClient(cfg.socketPath)
	if err := client.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer client.Disconnect()

	m := message.Message{Msg: cfg.msg}
	if cfg.dataType != "" || cfg.from != "" {
		m.Data = map[string]any{}
		if cfg.dataType != "" {
			m.Data["type"] = cfg.dataType
		}
		if cfg.from != "" {
			m.Data["from"] = cfg.from
		}
	}

	if err := client.Send(m); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	// The write is asynchronous on the receiving side; give the kernel a
	// moment to flush before the socket closes.
	time.Sleep(50 * time.Millisecond)
	return 0
}

// runBridgeServer exposes a local channel over TCP until interrupted.
func runBridgeServer(cfg config) int {
	if cfg.socketPath == "" {
		fmt.Fprintln(os.Stderr, "error: -socket is required in bridge-server mode")
		return 2
	}

	srv := bridge.NewServer(cfg.socketPath, cfg.host, cfg.port)
	srv.OnError(func(err error) {
		fmt.Fprintf(os.Stderr, "bridge error: %v\n", err)
	})
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Printf("bridging %s on %s:%d\n", cfg.socketPath, cfg.host, cfg.port)
	waitForInterrupt()

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// runBridgeClient mirrors a local channel to a remote bridge server until
// interrupted.
func runBridgeClient(cfg config) int {
	if cfg.socketPath == "" {
		fmt.Fprintln(os.Stderr, "error: -socket is required in bridge-client mode")
		return 2
	}

	client := bridge.NewClient(cfg.socketPath, cfg.host, cfg.port)
	client.ShouldReconnect = !cfg.noReconnect
	client.OnTCPConnect(func() {
		fmt.Println("tcp connected")
	})
	client.OnTCPDisconnect(func() {
		fmt.Println("tcp disconnected")
	})
	client.OnReconnecting(func(attempt int, delay time.Duration) {
		fmt.Printf("reconnecting attempt=%d delay=%s\n", attempt, delay)
	})
	client.OnError(func(err error) {
		fmt.Fprintf(os.Stderr, "bridge error: %v\n", err)
	})

	if err := client.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Printf("mirroring %s to %s:%d\n", cfg.socketPath, cfg.host, cfg.port)
	waitForInterrupt()

	client.Stop()
	return 0
}

// runClean sweeps a directory for dead socket files.
func runClean(cfg config) int {
	if cfg.cleanDir == "" {
		fmt.Fprintln(os.Stderr, "error: -dir is required in clean mode")
		return 2
	}
	swarm.CleanStaleSockets(cfg.cleanDir)
	// Probes are fire-and-forget; linger long enough for them to settle.
	time.Sleep(3 * time.Second)
	return 0
}

func waitForInterrupt() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
}
