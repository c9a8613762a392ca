// ABOUTME: The swarm tool entry point — auto-selects blocking vs async
// ABOUTME: execution, enforces role, spawns agents, and formats results
// ABOUTME: for the host.
package swarm

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pi-agents/pi-swarm/channels"
)

// RunParams are the parameters recognized by Run (spec.md §4.12).
type RunParams struct {
	Agents      []AgentDef
	TaskDir     *TaskDirSpec
	Chain       []AgentDef
	Blocking    *bool
	Concurrency int

	Cwd   string
	Known map[string]AgentConfig

	Host   Host
	Config Config
	Parent *channels.Client // queen-inbox client of this process's own parent, if any
}

// SingleResult is one agent's outcome in blocking mode.
type SingleResult struct {
	Agent        string
	AgentSource  AgentSource
	Task         string
	ExitCode     int
	FinalText    string
	Stderr       string
	Usage        Usage
	Model        string
	ErrorMessage string
	Step         int
}

// RunResult is what Run returns: a human-facing Description plus, in
// blocking mode, the per-agent SingleResults behind it.
type RunResult struct {
	Mode        string // "async" | "blocking"
	Description string
	Results     []SingleResult
}

// shouldBlock implements spec.md §4.12's auto-selection: an explicit
// Blocking override always wins; otherwise a non-empty chain blocks; a
// single agent with no task directory blocks; everything else is async.
func shouldBlock(params RunParams) bool {
	if params.Blocking != nil {
		return *params.Blocking
	}
	if len(params.Chain) > 0 {
		return true
	}
	if len(params.Agents) == 1 && params.TaskDir == nil {
		return true
	}
	return false
}

// Run is the swarm tool's public entry point.
func Run(identity *Identity, activity *ActivityStore, params RunParams) (*RunResult, error) {
	if len(params.Agents) == 0 && len(params.Chain) == 0 {
		return nil, ErrNoAgents
	}
	params.Config = params.Config.normalize()

	blocking := shouldBlock(params)
	if !blocking && identity.Role == RoleAgent {
		return nil, ErrAgentsCantSpawn
	}

	if blocking {
		return runBlocking(activity, params)
	}
	return runAsync(activity, params)
}

// --- async path -------------------------------------------------------

func runAsync(activity *ActivityStore, params RunParams) (*RunResult, error) {
	if existing, _ := CurrentState(); existing != nil {
		allTerminal := true
		for _, info := range existing.AllAgents() {
			if !info.Status.IsTerminal() {
				allTerminal = false
				break
			}
		}
		if !allTerminal {
			return nil, ErrSwarmActive
		}
		CleanupSwarm()
		activity.ClearActivity("")
	}

	id := ulid.Make().String()
	group, topics := CreateSwarmChannelGroup(id, params.Agents)
	if err := group.Start(); err != nil {
		return nil, fmt.Errorf("swarm: start channel group: %w", err)
	}

	queenClients := map[string]*channels.Client{}
	for _, name := range []string{GeneralChannel, QueenInbox} {
		c := channels.NewClient(group.SocketPath(name))
		if err := c.Connect(); err != nil {
			_ = group.Stop(true)
			return nil, fmt.Errorf("swarm: connect queen to %s: %w", name, err)
		}
		queenClients[name] = c
	}
	for _, topic := range topics {
		c := channels.NewClient(group.SocketPath(topic))
		if err := c.Connect(); err != nil {
			_ = group.Stop(true)
			return nil, fmt.Errorf("swarm: connect queen to %s: %w", topic, err)
		}
		queenClients[topic] = c
	}
	for _, a := range params.Agents {
		inbox := InboxName(a.Name)
		c := channels.NewClient(group.SocketPath(inbox))
		if err := c.Connect(); err != nil {
			_ = group.Stop(true)
			return nil, fmt.Errorf("swarm: connect queen to %s: %w", inbox, err)
		}
		queenClients[inbox] = c
	}

	dispatcher := NewDispatcher(activity, params.Parent)
	dispatcher.Attach(queenClients[GeneralChannel])
	dispatcher.Attach(queenClients[QueenInbox])
	for _, topic := range topics {
		dispatcher.Attach(queenClients[topic])
	}

	var taskDirPath string
	if params.TaskDir != nil {
		if err := CreateTaskDir(*params.TaskDir); err != nil {
			_ = group.Stop(true)
			return nil, err
		}
		taskDirPath = params.TaskDir.Path
	}

	state := NewState(group.GroupPath, group)
	state.QueenClients = queenClients
	state.TaskDirPath = taskDirPath
	gen := SetState(state)
	installStateCallbacks(state, params.Host, gen)

	for i := range params.Agents {
		def := params.Agents[i]
		info := &AgentInfo{Name: def.Name, Role: def.Role, Swarm: def.Swarm, Task: def.Task, Status: StatusStarting}
		state.RegisterAgent(info)

		spawned, err := SpawnAgent(def, group.GroupPath, taskDirPath, params.Cwd, params.Known)
		if err != nil {
			state.UpdateStatus(def.Name, StatusCrashed, StatusFields{})
			if params.Host != nil {
				params.Host.Notify(NotifyCrash, fmt.Sprintf("failed to spawn %s: %v", def.Name, err))
			}
			continue
		}
		info.Process = spawned

		go watchSpawnedAgent(def.Name, spawned, activity, params.Host, gen)
	}

	go armRegistrationTimeout(gen, params.Config.RegistrationTimeout)

	return &RunResult{
		Mode:        "async",
		Description: fmt.Sprintf("swarm %s started with %d agent(s) under %s", id, len(params.Agents), group.GroupPath),
	}, nil
}

// installStateCallbacks wires the per-event hooks on a freshly activated
// State: done, blocker, and nudge reports surface as host notifications,
// and the all-done hook announces swarm completion. Every hook snapshots
// gen and bails when the singleton has since been replaced, so a callback
// from a dying swarm never speaks for its successor.
func installStateCallbacks(state *State, host Host, gen uint64) {
	state.OnAgentDone = func(name string) {
		if Generation() != gen || host == nil {
			return
		}
		summary := ""
		if info, ok := state.Agent(name); ok {
			summary = info.DoneSummary
		}
		host.Notify(NotifyDone, fmt.Sprintf("✓ done: %s", summary))
	}
	state.OnBlocker = func(name, description string) {
		if Generation() != gen || host == nil {
			return
		}
		host.Notify(NotifyBlocker, fmt.Sprintf("blocker from %s: %s", name, description))
	}
	state.OnNudge = func(name, reason string) {
		if Generation() != gen || host == nil {
			return
		}
		host.Notify(NotifyFollowUp, fmt.Sprintf("hive-mind follow-up from %s: %s", name, reason))
	}
	state.OnAllDone = func() {
		if Generation() != gen || host == nil {
			return
		}
		host.Notify(NotifyDone, "swarm complete: all agents reached a terminal state")
	}
}

func watchSpawnedAgent(name string, spawned *SpawnResult, activity *ActivityStore, host Host, gen uint64) {
	var stderrBuf strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		io.Copy(&stderrBuf, spawned.Stderr)
	}()

	err := spawned.Reap()
	<-done

	if s, curGen := CurrentState(); s == nil || curGen != gen {
		return
	}

	info, ok := func() (*AgentInfo, bool) {
		s, _ := CurrentState()
		if s == nil {
			return nil, false
		}
		return s.Agent(name)
	}()
	if !ok || info.Status.IsTerminal() {
		return
	}

	if err != nil {
		UpdateAgentStatus(name, StatusCrashed, StatusFields{})
		if host != nil {
			host.Notify(NotifyCrash, fmt.Sprintf("%s crashed: %s", name, truncateText(stderrBuf.String(), 500)))
		}
	} else {
		summary := "process exited"
		UpdateAgentStatus(name, StatusDone, StatusFields{DoneSummary: &summary})
	}
}

func armRegistrationTimeout(gen uint64, timeout time.Duration) {
	time.Sleep(timeout)

	s, curGen := CurrentState()
	if s == nil || curGen != gen {
		return
	}
	for _, info := range s.AllAgents() {
		if info.Status == StatusStarting {
			s.UpdateStatus(info.Name, StatusCrashed, StatusFields{})
		}
	}
}

// --- blocking path ------------------------------------------------------

func runBlocking(activity *ActivityStore, params RunParams) (*RunResult, error) {
	concurrency := params.Concurrency
	if concurrency <= 0 {
		concurrency = params.Config.DefaultConcurrency
	}

	if len(params.Chain) > 0 {
		return runChain(activity, params)
	}
	return runParallel(activity, params, concurrency)
}

func runParallel(activity *ActivityStore, params RunParams, concurrency int) (*RunResult, error) {
	results, err := mapWithConcurrencyLimit(params.Agents, concurrency, func(_ int, def AgentDef) (SingleResult, error) {
		return runSingleBlocking(activity, def, params.Cwd, params.Known, 0)
	})
	if err != nil {
		return nil, err
	}

	if len(results) == 1 {
		return &RunResult{Mode: "blocking", Description: formatSingleResult(results[0]), Results: results}, nil
	}
	return &RunResult{Mode: "blocking", Description: formatParallelResults(results), Results: results}, nil
}

func runChain(activity *ActivityStore, params RunParams) (*RunResult, error) {
	results := make([]SingleResult, 0, len(params.Chain))
	previous := ""

	for i, def := range params.Chain {
		step := def
		if i > 0 {
			step.Task = strings.ReplaceAll(step.Task, "{previous}", previous)
		}

		r, err := runSingleBlocking(activity, step, params.Cwd, params.Known, i+1)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
		previous = r.FinalText
	}

	return &RunResult{Mode: "blocking", Description: formatChainResults(results), Results: results}, nil
}

func runSingleBlocking(activity *ActivityStore, def AgentDef, cwd string, known map[string]AgentConfig, step int) (SingleResult, error) {
	spawned, err := SpawnAgent(def, "", "", cwd, known)
	if err != nil {
		return SingleResult{Agent: def.Name, Task: def.Task, ExitCode: -1, ErrorMessage: err.Error(), Step: step}, nil
	}

	var stderrBuf strings.Builder
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		io.Copy(&stderrBuf, spawned.Stderr)
	}()

	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		scanner := bufio.NewScanner(spawned.Stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			activity.FeedRawEvent(def.Name, scanner.Text())
		}
	}()

	<-stdoutDone
	<-stderrDone
	waitErr := spawned.Reap()

	exitCode := 0
	var errMsg string
	if waitErr != nil {
		errMsg = waitErr.Error()
		exitCode = exitCodeFrom(waitErr)
	}

	finalText := lastAssistantText(activity.Events(def.Name))

	source := AgentSource("")
	if def.Agent != "" {
		if cfg, ok := known[def.Agent]; ok {
			source = cfg.Source
		}
	}

	result := SingleResult{
		Agent:        def.Name,
		AgentSource:  source,
		Task:         def.Task,
		ExitCode:     exitCode,
		FinalText:    finalText,
		Stderr:       stderrBuf.String(),
		Usage:        activity.Usage(def.Name),
		Model:        def.Model,
		ErrorMessage: errMsg,
		Step:         step,
	}
	return result, nil
}

func lastAssistantText(events []ActivityEvent) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == ActivityMessage && events[i].MessageText != "" {
			return events[i].MessageText
		}
	}
	return ""
}

// mapWithConcurrencyLimit runs fn over items with at most limit workers
// concurrently, preserving input order in the result slice. A single
// worker's error propagates out without cancelling its peers, who run to
// completion (spec.md §4.12).
func mapWithConcurrencyLimit[T, R any](items []T, limit int, fn func(int, T) (R, error)) ([]R, error) {
	if limit <= 0 {
		limit = 1
	}
	results := make([]R, len(items))

	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			r, err := fn(i, item)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// --- result formatting --------------------------------------------------

func formatSingleResult(r SingleResult) string {
	if r.ExitCode != 0 {
		return fmt.Sprintf("agent %s failed (exit %d): %s", r.Agent, r.ExitCode, previewMarkdown(r.Stderr, 200))
	}
	if r.FinalText != "" {
		return r.FinalText
	}
	return fmt.Sprintf("agent %s completed with no final message", r.Agent)
}

func formatParallelResults(results []SingleResult) string {
	succeeded := 0
	for _, r := range results {
		if r.ExitCode == 0 && r.ErrorMessage == "" {
			succeeded++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Parallel execution: %d/%d succeeded\n", succeeded, len(results))
	for _, r := range results {
		if r.ExitCode == 0 && r.ErrorMessage == "" {
			fmt.Fprintf(&b, "✓ %s: %s\n", r.Agent, previewMarkdown(r.FinalText, 200))
		} else {
			fmt.Fprintf(&b, "✗ %s: %s\n", r.Agent, previewMarkdown(firstNonEmpty(r.ErrorMessage, r.Stderr), 200))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatChainResults(results []SingleResult) string {
	succeeded := 0
	for _, r := range results {
		if r.ExitCode == 0 && r.ErrorMessage == "" {
			succeeded++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Chain completed: %d/%d steps succeeded\n", succeeded, len(results))
	for _, r := range results {
		fmt.Fprintf(&b, "step %d (%s): %s\n", r.Step, r.Agent, previewMarkdown(firstNonEmpty(r.FinalText, r.ErrorMessage), 200))
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// exitCodeFrom extracts a process exit code from cmd.Wait's error, or -1
// if it isn't an *exec.ExitError (e.g. the process never started).
func exitCodeFrom(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
