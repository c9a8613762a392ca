// ABOUTME: TCP bridge client — mirrors a local channel over a TCP
// ABOUTME: connection to a remote bridge server, reconnecting with
// ABOUTME: jittered exponential backoff when the remote side drops.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pi-agents/pi-swarm/channels"
	"github.com/pi-agents/pi-swarm/internal/emitter"
	"github.com/pi-agents/pi-swarm/internal/logx"
	"github.com/pi-agents/pi-swarm/message"
)

const (
	// DefaultInitialDelay is Client's default first reconnect delay.
	DefaultInitialDelay = 500 * time.Millisecond
	// DefaultMaxDelay caps Client's reconnect backoff.
	DefaultMaxDelay = 30 * time.Second
)

// Client connects a local channel to a remote bridge Server over TCP and
// forwards messages in both directions, reconnecting the TCP leg with
// jittered exponential backoff if it drops. The local channel connection
// itself is never retried — losing it is terminal for this Client.
type Client struct {
	ChannelPath     string
	Host            string
	Port            int
	MaxFrameSize    int
	ShouldReconnect bool
	InitialDelay    time.Duration
	MaxDelay        time.Duration

	local *channels.Client

	mu          sync.Mutex
	tcpConn     net.Conn
	decoder     *message.FrameDecoder
	status      Status
	stopping    bool
	attempt     int
	timer       *time.Timer
	pendingCancel context.CancelFunc

	onTCPConnect    emitter.Set[func()]
	onTCPDisconnect emitter.Set[func()]
	onReconnecting  emitter.Set[func(attempt int, delay time.Duration)]
	onError         emitter.Set[func(error)]

	log logx.Logger
}

// NewClient creates a Client bridging the local channel at channelPath to
// a remote bridge Server at host:port, with reconnect enabled and the
// package defaults for backoff bounds.
func NewClient(channelPath, host string, port int) *Client {
	return &Client{
		ChannelPath:     channelPath,
		Host:            host,
		Port:            port,
		ShouldReconnect: true,
		InitialDelay:    DefaultInitialDelay,
		MaxDelay:        DefaultMaxDelay,
		status:          StatusStopped,
		log:             logx.New("bridge.client"),
	}
}

func (c *Client) OnTCPConnect(fn func())                                  { c.onTCPConnect.Add(fn) }
func (c *Client) OnTCPDisconnect(fn func())                               { c.onTCPDisconnect.Add(fn) }
func (c *Client) OnReconnecting(fn func(attempt int, delay time.Duration)) { c.onReconnecting.Add(fn) }
func (c *Client) OnError(fn func(error))                                  { c.onError.Add(fn) }

// Status reports the bridge's current lifecycle state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start connects to the local channel and then makes one initial TCP
// connection attempt. A failure of the initial TCP connect disconnects
// the local channel and returns the error without scheduling a retry —
// subsequent drops, once connected, do reconnect per ShouldReconnect.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.status == StatusRunning {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.stopping = false
	c.mu.Unlock()

	local := channels.NewClient(c.ChannelPath)
	local.MaxFrameSize = c.MaxFrameSize
	local.OnMessage(func(m message.Message) { c.forwardToTCP(m) })
	local.OnDisconnect(func() { c.onLocalDisconnect() })

	if err := local.Connect(); err != nil {
		return fmt.Errorf("bridge: connect local channel: %w", err)
	}
	c.mu.Lock()
	c.local = local
	c.mu.Unlock()

	if err := c.connectTCP(); err != nil {
		local.Disconnect()
		return err
	}

	c.mu.Lock()
	c.status = StatusRunning
	c.mu.Unlock()
	return nil
}

func (c *Client) onLocalDisconnect() {
	c.mu.Lock()
	stopping := c.stopping
	if !stopping {
		c.status = StatusError
	}
	c.mu.Unlock()
	if !stopping {
		c.onError.Each(func(h func(error)) { h(fmt.Errorf("bridge: local channel disconnected")) })
	}
}

func (c *Client) forwardToTCP(m message.Message) {
	c.mu.Lock()
	conn := c.tcpConn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	frame, err := message.Encode(m)
	if err != nil {
		c.onError.Each(func(h func(error)) { h(fmt.Errorf("bridge: encode: %w", err)) })
		return
	}
	_, _ = conn.Write(frame)
}

// connectTCP dials the remote bridge server. The dial is cancellable via
// pendingCancel so Stop can abort an in-flight connect.
func (c *Client) connectTCP() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.pendingCancel = cancel
	c.mu.Unlock()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.Host, c.Port))

	c.mu.Lock()
	stopping := c.stopping
	c.pendingCancel = nil
	c.mu.Unlock()
	cancel()

	if stopping {
		if conn != nil {
			conn.Close()
		}
		return ErrStopped
	}
	if err != nil {
		return fmt.Errorf("bridge: dial %s:%d: %w", c.Host, c.Port, err)
	}

	c.mu.Lock()
	c.tcpConn = conn
	c.decoder = message.NewFrameDecoder(c.MaxFrameSize)
	c.attempt = 0
	c.mu.Unlock()

	c.onTCPConnect.Each(func(h func()) { h() })

	go c.readTCP(conn)
	return nil
}

func (c *Client) readTCP(conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			dec := c.decoder
			local := c.local
			c.mu.Unlock()
			if dec != nil {
				msgs, decodeErr := dec.Push(buf[:n])
				for _, m := range msgs {
					if local != nil {
						_ = local.Send(m)
					}
				}
				if decodeErr != nil {
					c.onError.Each(func(h func(error)) { h(decodeErr) })
				}
			}
		}
		if err != nil {
			if !isPeerReset(err) {
				c.mu.Lock()
				stopping := c.stopping
				c.mu.Unlock()
				if !stopping {
					c.onError.Each(func(h func(error)) { h(err) })
				}
			}
			c.onTCPClose(conn)
			return
		}
	}
}

func (c *Client) onTCPClose(conn net.Conn) {
	c.mu.Lock()
	wasConnected := c.tcpConn == conn
	if wasConnected {
		c.tcpConn = nil
		c.decoder = nil
	}
	stopping := c.stopping
	c.mu.Unlock()

	conn.Close()

	if !wasConnected || stopping {
		return
	}

	c.onTCPDisconnect.Each(func(h func()) { h() })
	c.scheduleReconnect()
}

// scheduleReconnect arms a timer for the next reconnect attempt, using
// jittered exponential backoff: base = InitialDelay * 2^(attempt-1),
// jitter = base * (0.75 + rand*0.5), capped at MaxDelay.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if !c.ShouldReconnect || c.stopping {
		c.mu.Unlock()
		return
	}
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	base := float64(c.InitialDelay) * float64(uint64(1)<<uint(attempt-1))
	delay := time.Duration(base * (0.75 + rand.Float64()*0.5))
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	c.onReconnecting.Each(func(h func(int, time.Duration)) { h(attempt, delay) })

	timer := time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		stopping := c.stopping
		c.mu.Unlock()
		if stopping {
			return
		}
		if err := c.connectTCP(); err != nil {
			c.scheduleReconnect()
		}
	})

	c.mu.Lock()
	c.timer = timer
	c.mu.Unlock()
}

// Stop cancels any pending reconnect, tears down the live TCP connection
// and any in-flight connect attempt, and disconnects the local channel.
// Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopping = true
	c.status = StatusStopped
	timer := c.timer
	c.timer = nil
	cancel := c.pendingCancel
	c.pendingCancel = nil
	conn := c.tcpConn
	c.tcpConn = nil
	c.decoder = nil
	local := c.local
	c.local = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if local != nil {
		local.Disconnect()
	}

	c.log.Log("stopped", "channel", c.ChannelPath)
}

func isPeerReset(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "broken pipe") || strings.Contains(s, "connection reset") ||
		strings.Contains(s, "use of closed network connection")
}
