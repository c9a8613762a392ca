// ABOUTME: TCP bridge server — connects to one local channel as a client,
// ABOUTME: accepts remote TCP peers, and forwards frames between them.
package bridge

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/pi-agents/pi-swarm/channels"
	"github.com/pi-agents/pi-swarm/internal/emitter"
	"github.com/pi-agents/pi-swarm/internal/logx"
	"github.com/pi-agents/pi-swarm/message"
)

// Status is the lifecycle state of a bridge endpoint (server or client).
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// PeerID identifies one remote TCP connection to a Server.
type PeerID string

type tcpPeer struct {
	conn    net.Conn
	decoder *message.FrameDecoder
}

// Server bridges one local channel to the network: every message the
// local channel client receives is forwarded to every connected TCP
// peer, and every frame a TCP peer sends is forwarded both to the local
// channel and to every other peer (fan-out among peers mirrors the local
// channel's own fan-out semantics).
type Server struct {
	ChannelPath  string
	Host         string
	Port         int
	MaxFrameSize int

	local *channels.Client

	mu       sync.Mutex
	listener net.Listener
	peers    map[PeerID]*tcpPeer
	status   Status

	onError emitter.Set[func(error)]
	log     logx.Logger
}

// NewServer creates a Server that bridges the local channel at
// channelPath to a TCP listener on host:port.
func NewServer(channelPath, host string, port int) *Server {
	return &Server{
		ChannelPath: channelPath,
		Host:        host,
		Port:        port,
		peers:       make(map[PeerID]*tcpPeer),
		status:      StatusStopped,
		log:         logx.New("bridge.server"),
	}
}

func (s *Server) OnError(fn func(error)) { s.onError.Add(fn) }

// Status reports the bridge's current lifecycle state.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start connects to the local channel, binds the TCP listener, and begins
// forwarding in both directions.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.status == StatusRunning {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	local := channels.NewClient(s.ChannelPath)
	local.MaxFrameSize = s.MaxFrameSize
	local.OnMessage(func(m message.Message) { s.forwardToAllPeers(m) })
	local.OnDisconnect(func() { s.onLocalDisconnect() })

	if err := local.Connect(); err != nil {
		return fmt.Errorf("bridge: connect local channel: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.Host, s.Port))
	if err != nil {
		local.Disconnect()
		return fmt.Errorf("bridge: listen %s:%d: %w", s.Host, s.Port, err)
	}

	s.mu.Lock()
	s.local = local
	s.listener = ln
	s.status = StatusRunning
	s.mu.Unlock()

	go s.acceptLoop(ln)

	s.log.Log("started", "channel", s.ChannelPath, "addr", ln.Addr().String())
	return nil
}

func (s *Server) onLocalDisconnect() {
	s.mu.Lock()
	// Stop() marks the bridge stopped before disconnecting the local
	// client, so a disconnect observed while not running is deliberate.
	if s.status != StatusRunning {
		s.mu.Unlock()
		return
	}
	s.status = StatusError
	s.mu.Unlock()
	s.onError.Each(func(h func(error)) { h(fmt.Errorf("bridge: local channel disconnected")) })
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.status != StatusRunning
			s.mu.Unlock()
			if stopped {
				return
			}
			s.onError.Each(func(h func(error)) { h(fmt.Errorf("bridge: accept: %w", err)) })
			return
		}
		s.handlePeer(conn)
	}
}

func (s *Server) handlePeer(conn net.Conn) {
	id := PeerID(uuid.NewString())
	peer := &tcpPeer{conn: conn, decoder: message.NewFrameDecoder(s.MaxFrameSize)}

	s.mu.Lock()
	s.peers[id] = peer
	s.mu.Unlock()

	go s.readPeer(id, peer)
}

func (s *Server) readPeer(id PeerID, peer *tcpPeer) {
	buf := make([]byte, 64*1024)
	for {
		n, err := peer.conn.Read(buf)
		if n > 0 {
			msgs, decodeErr := peer.decoder.Push(buf[:n])
			for _, m := range msgs {
				s.mu.Lock()
				local := s.local
				s.mu.Unlock()
				if local != nil {
					_ = local.Send(m)
				}
				s.fanOutToPeers(m, id)
			}
			if decodeErr != nil {
				s.onError.Each(func(h func(error)) { h(decodeErr) })
				s.disconnectPeer(id)
				return
			}
		}
		if err != nil {
			s.disconnectPeer(id)
			return
		}
	}
}

func (s *Server) disconnectPeer(id PeerID) {
	s.mu.Lock()
	peer, ok := s.peers[id]
	if ok {
		delete(s.peers, id)
	}
	s.mu.Unlock()
	if ok {
		peer.conn.Close()
	}
}

// fanOutToPeers delivers msg to every connected peer except the sender.
func (s *Server) fanOutToPeers(msg message.Message, sender PeerID) {
	s.mu.Lock()
	snapshot := make(map[PeerID]*tcpPeer, len(s.peers))
	for id, p := range s.peers {
		snapshot[id] = p
	}
	s.mu.Unlock()

	frame, err := message.Encode(msg)
	if err != nil {
		s.onError.Each(func(h func(error)) { h(fmt.Errorf("bridge: encode: %w", err)) })
		return
	}

	for id, p := range snapshot {
		if id == sender {
			continue
		}
		if _, err := p.conn.Write(frame); err != nil {
			s.disconnectPeer(id)
		}
	}
}

// forwardToAllPeers delivers a message received from the local channel to
// every connected TCP peer (no sender to exclude).
func (s *Server) forwardToAllPeers(msg message.Message) {
	s.mu.Lock()
	snapshot := make(map[PeerID]*tcpPeer, len(s.peers))
	for id, p := range s.peers {
		snapshot[id] = p
	}
	s.mu.Unlock()

	frame, err := message.Encode(msg)
	if err != nil {
		s.onError.Each(func(h func(error)) { h(fmt.Errorf("bridge: encode: %w", err)) })
		return
	}

	for id, p := range snapshot {
		if _, err := p.conn.Write(frame); err != nil {
			s.disconnectPeer(id)
		}
	}
}

// Stop tears down every TCP peer, closes the listener, and disconnects
// the local channel client. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStopped
	ln := s.listener
	s.listener = nil
	local := s.local
	s.local = nil
	peers := s.peers
	s.peers = make(map[PeerID]*tcpPeer)
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, p := range peers {
		p.conn.Close()
	}
	if local != nil {
		local.Disconnect()
	}

	s.log.Log("stopped", "channel", s.ChannelPath)
	return nil
}
