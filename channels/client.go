// ABOUTME: Channel client — connects to one Server's Unix socket, sends
// ABOUTME: and receives framed messages, with no automatic reconnection.
package channels

import (
	"fmt"
	"net"
	"sync"

	"github.com/pi-agents/pi-swarm/internal/emitter"
	"github.com/pi-agents/pi-swarm/internal/logx"
	"github.com/pi-agents/pi-swarm/message"
)

// Client is a single connection to a channel's Unix socket. It never
// reconnects on its own: once the connection drops, it stays down until
// Connect is called again. (bridge.Client retries only its TCP leg, not
// the channels.Client it holds.)
type Client struct {
	SocketPath   string
	MaxFrameSize int

	mu        sync.Mutex
	conn      net.Conn
	decoder   *message.FrameDecoder
	connected bool

	onConnect    emitter.Set[func()]
	onDisconnect emitter.Set[func()]
	onMessage    emitter.Set[func(message.Message)]
	onError      emitter.Set[func(error)]

	log logx.Logger
}

// NewClient creates a Client targeting socketPath, not yet connected.
func NewClient(socketPath string) *Client {
	return &Client{
		SocketPath: socketPath,
		log:        logx.New("channels.client"),
	}
}

func (c *Client) OnConnect(fn func())                  { c.onConnect.Add(fn) }
func (c *Client) OnDisconnect(fn func())                { c.onDisconnect.Add(fn) }
func (c *Client) OnMessage(fn func(message.Message))    { c.onMessage.Add(fn) }
func (c *Client) OnError(fn func(error))                { c.onError.Add(fn) }

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the channel's socket once. It fails with
// ErrAlreadyConnected if already connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	conn, err := net.Dial("unix", c.SocketPath)
	if err != nil {
		return fmt.Errorf("channels: dial %s: %w", c.SocketPath, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.decoder = message.NewFrameDecoder(c.MaxFrameSize)
	c.connected = true
	c.mu.Unlock()

	c.onConnect.Each(func(h func()) { h() })

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			dec := c.decoder
			c.mu.Unlock()
			if dec == nil {
				return
			}

			msgs, decodeErr := dec.Push(buf[:n])
			for _, m := range msgs {
				c.onMessage.Each(func(h func(message.Message)) { h(m) })
			}
			if decodeErr != nil {
				c.onError.Each(func(h func(error)) { h(decodeErr) })
				c.teardown()
				return
			}
		}
		if err != nil {
			c.teardown()
			return
		}
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	wasConnected := c.connected
	conn := c.conn
	c.connected = false
	c.conn = nil
	c.decoder = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		c.onDisconnect.Each(func(h func()) { h() })
	}
}

// Send encodes and writes m to the channel. It fails with ErrNotConnected
// if Connect has not succeeded (or the connection has since dropped).
func (c *Client) Send(m message.Message) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	frame, err := message.Encode(m)
	if err != nil {
		return fmt.Errorf("channels: encode: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("channels: write: %w", err)
	}
	return nil
}

// Disconnect closes the connection, if any. Idempotent.
func (c *Client) Disconnect() {
	c.teardown()
}
