// ABOUTME: Unix-domain-socket fan-out server — one per channel, forwarding
// ABOUTME: every message from one client to every other connected client.
package channels

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pi-agents/pi-swarm/internal/emitter"
	"github.com/pi-agents/pi-swarm/internal/logx"
	"github.com/pi-agents/pi-swarm/message"
)

// ClientID identifies one connection to a Server. IDs are locally unique
// and monotonically increasing within a single Server instance:
// "client-1", "client-2", ...
type ClientID string

const staleSocketProbeTimeout = 2 * time.Second

type serverConn struct {
	conn    net.Conn
	decoder *message.FrameDecoder
}

// Server is a single Unix-domain-socket fan-out listener. Every valid
// message a connected client sends is forwarded to every other connected
// client, unless EchoToSender is set, in which case the sender also
// receives its own message back.
type Server struct {
	SocketPath   string
	EchoToSender bool
	MaxFrameSize int

	mu       sync.RWMutex
	clients  map[ClientID]*serverConn
	nextID   uint64
	started  bool
	listener net.Listener

	onConnect    emitter.Set[func(ClientID)]
	onDisconnect emitter.Set[func(ClientID)]
	onMessage    emitter.Set[func(message.Message, ClientID)]
	onError      emitter.Set[func(error)]

	log logx.Logger
}

// NewServer creates a Server bound to socketPath. Start must be called
// before it accepts any connections.
func NewServer(socketPath string) *Server {
	return &Server{
		SocketPath: socketPath,
		clients:    make(map[ClientID]*serverConn),
		log:        logx.New("channels.server"),
	}
}

func (s *Server) OnConnect(fn func(ClientID))                        { s.onConnect.Add(fn) }
func (s *Server) OnDisconnect(fn func(ClientID))                     { s.onDisconnect.Add(fn) }
func (s *Server) OnMessage(fn func(message.Message, ClientID))       { s.onMessage.Add(fn) }
func (s *Server) OnError(fn func(error))                             { s.onError.Add(fn) }

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Started reports whether the server is currently listening.
func (s *Server) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Start binds the Unix socket and begins accepting connections in the
// background. A stale socket file left behind by a crashed prior instance
// is removed and replaced; a live listener already bound to SocketPath
// causes Start to fail with ErrSocketInUse.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	if err := s.cleanStaleSocket(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.SocketPath), 0o755); err != nil {
		return fmt.Errorf("channels: create socket dir: %w", err)
	}

	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("channels: listen %s: %w", s.SocketPath, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.started = true
	s.mu.Unlock()

	go s.acceptLoop(ln)

	s.log.Log("started", "socket", s.SocketPath)
	return nil
}

func (s *Server) cleanStaleSocket() error {
	info, err := os.Stat(s.SocketPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("channels: stat %s: %w", s.SocketPath, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return os.Remove(s.SocketPath)
	}

	conn, err := net.DialTimeout("unix", s.SocketPath, staleSocketProbeTimeout)
	if err == nil {
		conn.Close()
		return ErrSocketInUse
	}
	return os.Remove(s.SocketPath)
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.RLock()
			stopped := !s.started
			s.mu.RUnlock()
			if stopped {
				return
			}
			s.onError.Each(func(h func(error)) { h(fmt.Errorf("channels: accept: %w", err)) })
			return
		}
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	s.mu.Lock()
	s.nextID++
	id := ClientID(fmt.Sprintf("client-%d", s.nextID))
	s.clients[id] = &serverConn{conn: conn, decoder: message.NewFrameDecoder(s.MaxFrameSize)}
	s.mu.Unlock()

	s.onConnect.Each(func(h func(ClientID)) { h(id) })

	go s.readLoop(id, conn)
}

func (s *Server) readLoop(id ClientID, conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.mu.RLock()
			client, ok := s.clients[id]
			s.mu.RUnlock()
			if !ok {
				return
			}

			msgs, decodeErr := client.decoder.Push(buf[:n])
			for _, m := range msgs {
				s.onMessage.Each(func(h func(message.Message, ClientID)) { h(m, id) })
				s.fanOut(m, id)
			}
			if decodeErr != nil {
				s.onError.Each(func(h func(error)) { h(decodeErr) })
				s.disconnect(id)
				return
			}
		}
		if err != nil {
			s.disconnect(id)
			return
		}
	}
}

func (s *Server) disconnect(id ClientID) {
	s.mu.Lock()
	client, ok := s.clients[id]
	if ok {
		delete(s.clients, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	client.conn.Close()
	s.onDisconnect.Each(func(h func(ClientID)) { h(id) })
}

// fanOut delivers msg to every other connected client (and back to the
// sender too when EchoToSender is set), using a snapshot of the
// client map taken under the lock so a disconnect triggered mid-delivery
// (a slow or dead peer) never mutates the map out from under the loop.
func (s *Server) fanOut(msg message.Message, sender ClientID) {
	s.deliver(msg, sender, !s.EchoToSender)
}

// Broadcast delivers msg to every connected client, with no sender
// exclusion regardless of EchoToSender.
func (s *Server) Broadcast(msg message.Message) {
	s.deliver(msg, "", false)
}

func (s *Server) deliver(msg message.Message, sender ClientID, excludeSender bool) {
	s.mu.RLock()
	snapshot := make(map[ClientID]*serverConn, len(s.clients))
	for id, c := range s.clients {
		snapshot[id] = c
	}
	s.mu.RUnlock()

	frame, err := message.Encode(msg)
	if err != nil {
		s.onError.Each(func(h func(error)) { h(fmt.Errorf("channels: encode: %w", err)) })
		return
	}

	for id, c := range snapshot {
		if excludeSender && id == sender {
			continue
		}
		if _, err := c.conn.Write(frame); err != nil {
			if !isPeerReset(err) {
				s.onError.Each(func(h func(error)) { h(fmt.Errorf("channels: write to %s: %w", id, err)) })
			}
			s.disconnect(id)
		}
	}
}

func isPeerReset(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset")
}

// Stop closes the listener and every connected client, removes the socket
// file, and resets internal state. Idempotent: calling Stop on an
// already-stopped Server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	ln := s.listener
	s.listener = nil
	clients := s.clients
	s.clients = make(map[ClientID]*serverConn)
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range clients {
		c.conn.Close()
	}

	if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("channels: remove socket %s: %w", s.SocketPath, err)
	}

	s.log.Log("stopped", "socket", s.SocketPath)
	return nil
}
