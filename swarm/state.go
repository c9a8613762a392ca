// ABOUTME: Swarm state & lifecycle — the generation-guarded singleton
// ABOUTME: tracking every spawned agent through its bounded status
// ABOUTME: state machine, plus cleanup and graceful shutdown.
package swarm

import (
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/pi-agents/pi-swarm/channels"
)

// AgentStatus is a node in the swarm agent lifecycle state machine.
type AgentStatus string

const (
	StatusStarting     AgentStatus = "starting"
	StatusRunning      AgentStatus = "running"
	StatusDone         AgentStatus = "done"
	StatusBlocked      AgentStatus = "blocked"
	StatusCrashed      AgentStatus = "crashed"
	StatusDisconnected AgentStatus = "disconnected"
)

// transitions encodes the table in spec.md §4.11: transitions[from][to].
var transitions = map[AgentStatus]map[AgentStatus]bool{
	StatusStarting: {
		StatusRunning: true, StatusDone: true, StatusBlocked: true,
		StatusCrashed: true, StatusDisconnected: true,
	},
	StatusRunning: {
		StatusDone: true, StatusBlocked: true, StatusCrashed: true, StatusDisconnected: true,
	},
	StatusBlocked: {
		StatusRunning: true, StatusDone: true, StatusCrashed: true, StatusDisconnected: true,
	},
	StatusDone:         {},
	StatusCrashed:      {},
	StatusDisconnected: {},
}

// IsTerminal reports whether s is a sink state in the table.
func (s AgentStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusCrashed || s == StatusDisconnected
}

// AgentInfo is the runtime record for one agent within a swarm.
type AgentInfo struct {
	Name  string
	Role  Role
	Swarm string
	Task  string

	Status AgentStatus

	Process *SpawnResult

	DoneSummary         string
	BlockerDescription  string
	ProgressPhase       string
	ProgressPercent     int
	ProgressDetail      string
}

// StatusFields carries the optional fields UpdateAgentStatus may merge
// into an AgentInfo alongside the status transition itself.
type StatusFields struct {
	DoneSummary        *string
	BlockerDescription *string
	ProgressPhase      *string
	ProgressPercent    *int
	ProgressDetail     *string
}

func (f StatusFields) apply(info *AgentInfo) {
	if f.DoneSummary != nil {
		info.DoneSummary = *f.DoneSummary
	}
	if f.BlockerDescription != nil {
		info.BlockerDescription = *f.BlockerDescription
	}
	if f.ProgressPhase != nil {
		info.ProgressPhase = *f.ProgressPhase
	}
	if f.ProgressPercent != nil {
		info.ProgressPercent = *f.ProgressPercent
	}
	if f.ProgressDetail != nil {
		info.ProgressDetail = *f.ProgressDetail
	}
}

// State is one swarm's coordination state: its channel group, the queen's
// outbound clients, and every agent's lifecycle record. Only the package-
// level SetState/CurrentState/ClearState functions may replace which
// State is "current"; mutating an already-current State's fields goes
// through its own methods, which are safe for concurrent use.
type State struct {
	mu sync.Mutex

	Group       *channels.Group
	GroupPath   string
	Agents      map[string]*AgentInfo
	QueenClients map[string]*channels.Client
	TaskDirPath string

	// Per-event hooks, installed once when the State becomes current and
	// never replaced afterward. OnAllDone fires from UpdateStatus when the
	// last agent reaches a terminal status; the other three are invoked by
	// the notification Dispatcher after it applies the matching update.
	OnAgentDone func(name string)
	OnAllDone   func()
	OnBlocker   func(name, description string)
	OnNudge     func(name, reason string)

	generation uint64
}

// NewState creates an empty State rooted at the given channel group.
func NewState(groupPath string, group *channels.Group) *State {
	return &State{
		GroupPath:    groupPath,
		Group:        group,
		Agents:       map[string]*AgentInfo{},
		QueenClients: map[string]*channels.Client{},
	}
}

// RegisterAgent adds info to the state in the "starting" status if not
// already set, keyed by name.
func (s *State) RegisterAgent(info *AgentInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info.Status == "" {
		info.Status = StatusStarting
	}
	s.Agents[info.Name] = info
}

// Agent returns the AgentInfo for name, if present.
func (s *State) Agent(name string) (*AgentInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.Agents[name]
	return info, ok
}

// AllAgents returns every registered AgentInfo, sorted by name.
func (s *State) AllAgents() []*AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.Agents))
	for n := range s.Agents {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]*AgentInfo, 0, len(names))
	for _, n := range names {
		out = append(out, s.Agents[n])
	}
	return out
}

// allTerminal reports whether every registered agent is in a terminal
// status. A swarm with zero agents is vacuously not "all done".
func (s *State) allTerminal() bool {
	if len(s.Agents) == 0 {
		return false
	}
	for _, info := range s.Agents {
		if !info.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// UpdateStatus applies a validated transition to name's AgentInfo. It
// returns false, leaving state unchanged, if name is unknown or the
// transition isn't in the table — this is intentional: a late callback
// from an already-terminal agent must not undo the terminal marking.
func (s *State) UpdateStatus(name string, next AgentStatus, fields StatusFields) bool {
	s.mu.Lock()

	info, ok := s.Agents[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if !transitions[info.Status][next] {
		s.mu.Unlock()
		return false
	}

	info.Status = next
	fields.apply(info)
	allDone := s.allTerminal()
	onAllDone := s.OnAllDone
	s.mu.Unlock()

	if allDone && onAllDone != nil {
		onAllDone()
	}
	return true
}

// UpdateProgress merges progress fields into name's AgentInfo without
// requiring a status transition (progress reports don't move the state
// machine on their own).
func (s *State) UpdateProgress(name string, phase string, percent int, detail string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.Agents[name]
	if !ok {
		return false
	}
	if phase != "" {
		info.ProgressPhase = phase
	}
	info.ProgressPercent = percent
	if detail != "" {
		info.ProgressDetail = detail
	}
	return true
}

// --- package-level singleton plumbing -------------------------------

var (
	singletonMu sync.Mutex
	current     *State
	generation  uint64
)

// SetState atomically replaces the active State and bumps the generation
// counter, invalidating any callback that captured the prior generation.
// It returns the new generation.
func SetState(s *State) uint64 {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	generation++
	current = s
	if s != nil {
		s.generation = generation
	}
	return generation
}

// CurrentState returns the active State (nil if none) and the current
// generation.
func CurrentState() (*State, uint64) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	return current, generation
}

// ClearState removes the active State without replacing it, bumping the
// generation so stale callbacks still bail.
func ClearState() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	current = nil
	generation++
}

// Generation returns the current generation counter's value, without
// reference to which State (if any) is active.
func Generation() uint64 {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	return generation
}

// UpdateAgentStatus delegates to the active State's UpdateStatus. It
// returns false if there is no active swarm.
func UpdateAgentStatus(name string, next AgentStatus, fields StatusFields) bool {
	s, _ := CurrentState()
	if s == nil {
		return false
	}
	return s.UpdateStatus(name, next, fields)
}

// CleanupSwarm tears down the active swarm, best effort: SIGTERM to every
// spawned agent's process group, a brief grace period, then stopping the
// channel group (removing its directory) and clearing the singleton.
// Idempotent and safe to call with no active swarm.
func CleanupSwarm() {
	s, _ := CurrentState()
	if s == nil {
		return
	}

	s.mu.Lock()
	var pids []int
	for _, info := range s.Agents {
		if info.Process != nil && info.Process.Cmd.Process != nil {
			pids = append(pids, info.Process.Cmd.Process.Pid)
		}
	}
	group := s.Group
	s.mu.Unlock()

	for _, pid := range pids {
		KillProcessGroup(pid, syscall.SIGTERM)
	}
	if len(pids) > 0 {
		time.Sleep(200 * time.Millisecond)
	}

	if group != nil {
		_ = group.Stop(true)
	}

	ClearState()
}

// GracefulShutdown broadcasts a wrap-up instruction via sendInstruct, then
// polls until every agent is terminal or timeout elapses, then calls
// CleanupSwarm. If the active State is replaced or cleared while waiting
// (a generation change), GracefulShutdown returns immediately without
// touching the new state.
func GracefulShutdown(sendInstruct func(string) error, timeout, poll time.Duration) {
	s, gen := CurrentState()
	if s == nil {
		return
	}

	if sendInstruct != nil {
		_ = sendInstruct("Wrap up your current work and report status.")
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		cur, curGen := CurrentState()
		if curGen != gen || cur != s {
			return
		}

		s.mu.Lock()
		done := s.allTerminal()
		s.mu.Unlock()

		if done || time.Now().After(deadline) {
			CleanupSwarm()
			return
		}

		<-ticker.C
	}
}
