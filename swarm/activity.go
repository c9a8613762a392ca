// ABOUTME: Activity and usage aggregation — parses a child agent's
// ABOUTME: stdout JSON-event stream into typed activity entries and
// ABOUTME: accumulates token/cost usage per agent.
package swarm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ActivityType discriminates an ActivityEvent.
type ActivityType string

const (
	ActivityToolStart ActivityType = "tool_start"
	ActivityToolEnd   ActivityType = "tool_end"
	ActivityMessage   ActivityType = "message"
	ActivityThinking  ActivityType = "thinking"
)

const (
	maxToolResultChars = 8192
	maxTextChars       = 4096
)

// ActivityEvent is one derived, human-readable record of agent activity,
// either parsed from the child's JSON-event stdout stream or injected
// synthetically by coordination code.
type ActivityEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	Type      ActivityType `json:"type"`
	Summary   string       `json:"summary"`

	ToolName   string `json:"toolName,omitempty"`
	ToolArgs   any    `json:"toolArgs,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
	ToolResult string `json:"toolResult,omitempty"`

	MessageText string `json:"messageText,omitempty"`
	Tokens      int    `json:"tokens,omitempty"`
}

// Usage accumulates token counts and cost for one agent, or for the
// process-wide aggregate (the sum of every agent's Usage). ContextTokens is
// never summed: per agent it is the last observed value, and in
// AggregateUsage it is the largest value across agents.
type Usage struct {
	Input         int64   `json:"input"`
	Output        int64   `json:"output"`
	CacheRead     int64   `json:"cacheRead"`
	CacheWrite    int64   `json:"cacheWrite"`
	Cost          float64 `json:"cost"`
	ContextTokens int64   `json:"contextTokens,omitempty"`
	Turns         int     `json:"turns,omitempty"`
}

// Add accumulates other's fields into u, treating ContextTokens as
// last-observed: other's value replaces u's only when other's is set.
func (u *Usage) Add(other Usage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
	u.Cost += other.Cost
	u.Turns += other.Turns
	if other.ContextTokens > 0 {
		u.ContextTokens = other.ContextTokens
	}
}

type agentActivity struct {
	mu     sync.Mutex
	events []ActivityEvent
	usage  Usage
}

// ActivityStore holds per-agent activity logs and usage accumulators. The
// zero value is not usable; use NewActivityStore.
type ActivityStore struct {
	mu    sync.Mutex
	byAgent map[string]*agentActivity
}

// NewActivityStore creates an empty ActivityStore.
func NewActivityStore() *ActivityStore {
	return &ActivityStore{byAgent: map[string]*agentActivity{}}
}

func (s *ActivityStore) agent(name string) *agentActivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byAgent[name]
	if !ok {
		a = &agentActivity{}
		s.byAgent[name] = a
	}
	return a
}

// Events returns every activity event recorded for name, oldest first.
// The returned slice is unbounded by design (spec.md §9); callers that
// only need recent entries should use Tail.
func (s *ActivityStore) Events(name string) []ActivityEvent {
	a := s.agent(name)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ActivityEvent, len(a.events))
	copy(out, a.events)
	return out
}

// Tail returns the last n events recorded for name (or fewer, if there
// aren't n yet).
func (s *ActivityStore) Tail(name string, n int) []ActivityEvent {
	events := s.Events(name)
	if n <= 0 || n >= len(events) {
		return events
	}
	return events[len(events)-n:]
}

// Usage returns the current usage accumulator for name.
func (s *ActivityStore) Usage(name string) Usage {
	a := s.agent(name)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// AggregateUsage sums every agent's Usage, except ContextTokens which is
// aggregated only informally (the max observed across agents).
func (s *ActivityStore) AggregateUsage() Usage {
	s.mu.Lock()
	agents := make([]*agentActivity, 0, len(s.byAgent))
	for _, a := range s.byAgent {
		agents = append(agents, a)
	}
	s.mu.Unlock()

	var total Usage
	for _, a := range agents {
		a.mu.Lock()
		u := a.usage
		a.mu.Unlock()
		total.Input += u.Input
		total.Output += u.Output
		total.CacheRead += u.CacheRead
		total.CacheWrite += u.CacheWrite
		total.Cost += u.Cost
		total.Turns += u.Turns
		if u.ContextTokens > total.ContextTokens {
			total.ContextTokens = u.ContextTokens
		}
	}
	return total
}

// ClearActivity clears one agent's activity and usage, or every agent's
// when name is empty.
func (s *ActivityStore) ClearActivity(name string) {
	if name == "" {
		s.mu.Lock()
		s.byAgent = map[string]*agentActivity{}
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	delete(s.byAgent, name)
	s.mu.Unlock()
}

// PushSyntheticEvent appends a human-readable entry not derived from the
// JSON-event stream, letting coordination code (channel dispatch, spawn
// lifecycle) inject activity alongside it.
func (s *ActivityStore) PushSyntheticEvent(name string, typ ActivityType, summary string) {
	a := s.agent(name)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ActivityEvent{Timestamp: time.Now(), Type: typ, Summary: summary})
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// rawEvent mirrors the subset of the child's newline-delimited JSON
// stdout protocol this module interprets; unknown types/fields are
// ignored.
type rawEvent struct {
	Type     string          `json:"type"`
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args"`
	IsError  bool            `json:"isError"`
	Result   json.RawMessage `json:"result"`
	Message  *rawAssistant   `json:"message"`
}

type rawAssistant struct {
	Role    string            `json:"role"`
	Content []rawContentPart  `json:"content"`
	Usage   *rawUsage         `json:"usage"`
	Model   string            `json:"model"`
}

type rawContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

type rawUsage struct {
	Input       int64   `json:"input"`
	Output      int64   `json:"output"`
	CacheRead   int64   `json:"cacheRead"`
	CacheWrite  int64   `json:"cacheWrite"`
	TotalTokens int64   `json:"totalTokens"`
	Cost        rawCost `json:"cost"`
}

type rawCost struct {
	Total float64 `json:"total"`
}

// FeedRawEvent parses one line of a child's stdout as a JSON event and,
// if recognized, appends derived ActivityEvents and accumulates usage for
// name. Unparseable or blank lines are ignored silently.
func (s *ActivityStore) FeedRawEvent(name string, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var ev rawEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return
	}

	a := s.agent(name)

	switch ev.Type {
	case "tool_execution_start":
		var args any
		if len(ev.Args) > 0 {
			_ = json.Unmarshal(ev.Args, &args)
		}
		entry := ActivityEvent{
			Timestamp: time.Now(),
			Type:      ActivityToolStart,
			ToolName:  ev.ToolName,
			ToolArgs:  args,
			Summary:   formatToolSummary(ev.ToolName, args),
		}
		a.mu.Lock()
		a.events = append(a.events, entry)
		a.mu.Unlock()

	case "tool_execution_end":
		result := truncateText(string(ev.Result), maxToolResultChars)
		entry := ActivityEvent{
			Timestamp:  time.Now(),
			Type:       ActivityToolEnd,
			ToolName:   ev.ToolName,
			IsError:    ev.IsError,
			ToolResult: result,
			Summary:    formatToolEndSummary(ev.ToolName, ev.IsError),
		}
		a.mu.Lock()
		a.events = append(a.events, entry)
		a.mu.Unlock()

	case "message_end":
		if ev.Message == nil || ev.Message.Role != "assistant" {
			return
		}
		s.feedAssistantMessage(a, ev.Message)
	}
}

func (s *ActivityStore) feedAssistantMessage(a *agentActivity, m *rawAssistant) {
	var tokens int
	if m.Usage != nil {
		tokens = int(m.Usage.Output)
	}

	var entries []ActivityEvent
	for _, part := range m.Content {
		switch part.Type {
		case "thinking":
			text := truncateText(part.Thinking, maxTextChars)
			entries = append(entries, ActivityEvent{
				Timestamp: time.Now(),
				Type:      ActivityThinking,
				Summary:   text,
				Tokens:    tokens,
			})
		case "text":
			text := truncateText(part.Text, maxTextChars)
			entries = append(entries, ActivityEvent{
				Timestamp:   time.Now(),
				Type:        ActivityMessage,
				MessageText: text,
				Tokens:      tokens,
				Summary:     previewText(text, 120),
			})
		}
	}

	a.mu.Lock()
	a.events = append(a.events, entries...)
	if m.Usage != nil {
		a.usage.Input += m.Usage.Input
		a.usage.Output += m.Usage.Output
		a.usage.CacheRead += m.Usage.CacheRead
		a.usage.CacheWrite += m.Usage.CacheWrite
		a.usage.Cost += m.Usage.Cost.Total
		if m.Usage.TotalTokens > 0 {
			a.usage.ContextTokens = m.Usage.TotalTokens
		}
		a.usage.Turns++
	}
	a.mu.Unlock()
}

func previewText(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return truncateText(s, max)
}

// formatToolSummary renders a human-readable one-liner for a
// tool_execution_start event, tool-specific per spec.md §4.13.
func formatToolSummary(tool string, args any) string {
	m, _ := args.(map[string]any)

	switch tool {
	case "bash":
		cmd, _ := m["command"].(string)
		return "bash " + ellipsize(cmd, 60)
	case "read", "write", "edit", "ls", "grep", "find":
		return formatPathToolSummary(tool, m)
	default:
		data, _ := json.Marshal(args)
		return fmt.Sprintf("%s %s", tool, ellipsize(string(data), 50))
	}
}

func formatToolEndSummary(tool string, isError bool) string {
	if isError {
		return fmt.Sprintf("%s failed", tool)
	}
	return fmt.Sprintf("%s completed", tool)
}

func formatPathToolSummary(tool string, args map[string]any) string {
	path, _ := args["path"].(string)
	verb := tool
	summary := verb + " " + shortenPath(path)

	if offset, ok := args["offset"]; ok {
		end, hasEnd := args["limit"]
		if hasEnd {
			summary += fmt.Sprintf(":%v-%v", offset, end)
		} else {
			summary += fmt.Sprintf(":%v", offset)
		}
	}
	if pattern, ok := args["pattern"].(string); ok && pattern != "" {
		summary += " /" + pattern + "/"
	}
	return summary
}

// shortenPath replaces the user's home directory with ~ and truncates
// deep paths to their last two segments.
func shortenPath(path string) string {
	if path == "" {
		return ""
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if strings.HasPrefix(path, home) {
			path = "~" + strings.TrimPrefix(path, home)
		}
	}

	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
		return ".../" + strings.Join(parts, "/")
	}
	return path
}

func ellipsize(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
