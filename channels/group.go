// ABOUTME: Channel group — a directory of named channel sockets plus a
// ABOUTME: group.json manifest, started and stopped together as one unit.
package channels

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pi-agents/pi-swarm/internal/logx"
)

// ChannelDef describes one channel within a Group.
type ChannelDef struct {
	Name         string
	EchoToSender bool
	MaxFrameSize int
}

type manifest struct {
	Created  string           `json:"created"`
	PID      int              `json:"pid"`
	Channels []manifestEntry  `json:"channels"`
}

type manifestEntry struct {
	Name string `json:"name"`
}

// Group manages a directory of Servers, one per ChannelDef, started in
// parallel and torn down together.
type Group struct {
	GroupPath string

	mu       sync.Mutex
	defs     []ChannelDef
	channels map[string]*Server
	started  bool

	log logx.Logger
}

// NewGroup creates a Group rooted at groupPath with the given channel
// definitions. Start must be called before any channel accepts
// connections.
func NewGroup(groupPath string, defs []ChannelDef) *Group {
	return &Group{
		GroupPath: groupPath,
		defs:      append([]ChannelDef(nil), defs...),
		log:       logx.New("channels.group"),
	}
}

// SocketPath returns the path a channel named name would bind to within
// this group, regardless of whether it has been started.
func (g *Group) SocketPath(name string) string {
	return filepath.Join(g.GroupPath, name+".sock")
}

// Start launches every defined channel's Server concurrently. If any
// channel fails to start, every channel that did succeed is stopped again
// (best effort) and Start returns the first error observed. group.json is
// written only once every channel is confirmed listening.
func (g *Group) Start() error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	defs := append([]ChannelDef(nil), g.defs...)
	g.mu.Unlock()

	if err := os.MkdirAll(g.GroupPath, 0o755); err != nil {
		return fmt.Errorf("channels: create group dir: %w", err)
	}

	type startResult struct {
		name string
		srv  *Server
		err  error
	}
	results := make([]startResult, len(defs))

	var wg sync.WaitGroup
	for i, def := range defs {
		wg.Add(1)
		go func(i int, def ChannelDef) {
			defer wg.Done()
			srv := NewServer(g.SocketPath(def.Name))
			srv.EchoToSender = def.EchoToSender
			srv.MaxFrameSize = def.MaxFrameSize
			err := srv.Start()
			results[i] = startResult{name: def.Name, srv: srv, err: err}
		}(i, def)
	}
	wg.Wait()

	servers := make(map[string]*Server, len(defs))
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		servers[r.name] = r.srv
	}

	if firstErr != nil {
		var rbWg sync.WaitGroup
		for _, srv := range servers {
			rbWg.Add(1)
			go func(s *Server) {
				defer rbWg.Done()
				_ = s.Stop()
			}(srv)
		}
		rbWg.Wait()
		return fmt.Errorf("channels: group start: %w", firstErr)
	}

	g.mu.Lock()
	g.channels = servers
	g.started = true
	g.mu.Unlock()

	if err := g.writeManifest(); err != nil {
		return err
	}

	g.log.Log("started", "group", g.GroupPath, "channels", len(servers))
	return nil
}

func (g *Group) writeManifest() error {
	g.mu.Lock()
	var names []string
	for _, d := range g.defs {
		if _, ok := g.channels[d.Name]; ok {
			names = append(names, d.Name)
		}
	}
	g.mu.Unlock()

	m := manifest{
		Created: time.Now().UTC().Format(time.RFC3339),
		PID:     os.Getpid(),
	}
	for _, n := range names {
		m.Channels = append(m.Channels, manifestEntry{Name: n})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("channels: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(g.GroupPath, "group.json"), data, 0o644); err != nil {
		return fmt.Errorf("channels: write manifest: %w", err)
	}
	return nil
}

// Stop stops every channel in the group and removes group.json. If
// removeDir is set, the whole group directory is removed afterward.
// Idempotent.
func (g *Group) Stop(removeDir bool) error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = false
	channels := g.channels
	g.channels = nil
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, srv := range channels {
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			_ = s.Stop()
		}(srv)
	}
	wg.Wait()

	manifestPath := filepath.Join(g.GroupPath, "group.json")
	if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("channels: remove manifest: %w", err)
	}

	if removeDir {
		if err := os.RemoveAll(g.GroupPath); err != nil {
			return fmt.Errorf("channels: remove group dir: %w", err)
		}
	}
	return nil
}

// AddChannel starts a new channel within an already-running group and
// rewrites group.json to include it.
func (g *Group) AddChannel(def ChannelDef) error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return ErrNotRunning
	}
	if _, exists := g.channels[def.Name]; exists {
		g.mu.Unlock()
		return ErrDuplicateChannel
	}
	g.mu.Unlock()

	srv := NewServer(g.SocketPath(def.Name))
	srv.EchoToSender = def.EchoToSender
	srv.MaxFrameSize = def.MaxFrameSize
	if err := srv.Start(); err != nil {
		return err
	}

	g.mu.Lock()
	g.channels[def.Name] = srv
	g.defs = append(g.defs, def)
	g.mu.Unlock()

	return g.writeManifest()
}

// RemoveChannel stops and forgets one channel, rewriting group.json.
func (g *Group) RemoveChannel(name string) error {
	g.mu.Lock()
	srv, ok := g.channels[name]
	if !ok {
		g.mu.Unlock()
		return ErrChannelNotFound
	}
	delete(g.channels, name)
	for i, d := range g.defs {
		if d.Name == name {
			g.defs = append(g.defs[:i], g.defs[i+1:]...)
			break
		}
	}
	g.mu.Unlock()

	if err := srv.Stop(); err != nil {
		return err
	}
	return g.writeManifest()
}

// Channels returns the names of every currently running channel, sorted.
func (g *Group) Channels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.channels))
	for n := range g.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsListening reports whether name is a currently running channel.
func (g *Group) IsListening(name string) bool {
	g.mu.Lock()
	srv, ok := g.channels[name]
	g.mu.Unlock()
	return ok && srv.Started()
}

// Channel returns the Server backing name, if it is part of this group.
func (g *Group) Channel(name string) (*Server, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	srv, ok := g.channels[name]
	return srv, ok
}
