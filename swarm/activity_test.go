package swarm

import "testing"

func TestFeedRawEventToolStartAndEnd(t *testing.T) {
	s := NewActivityStore()
	s.FeedRawEvent("a1", `{"type":"tool_execution_start","toolName":"bash","args":{"command":"go test ./..."}}`)
	s.FeedRawEvent("a1", `{"type":"tool_execution_end","toolName":"bash","isError":false,"result":"ok"}`)

	events := s.Events("a1")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != ActivityToolStart || events[0].ToolName != "bash" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != ActivityToolEnd || events[1].IsError {
		t.Errorf("unexpected second event: %+v", events[1])
	}
}

func TestFeedRawEventMessageEndAccumulatesUsage(t *testing.T) {
	s := NewActivityStore()
	line := `{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"done"}],"usage":{"input":100,"output":20,"totalTokens":500,"cost":{"total":0.05}}}}`
	s.FeedRawEvent("a1", line)

	events := s.Events("a1")
	if len(events) != 1 || events[0].MessageText != "done" {
		t.Fatalf("unexpected events: %+v", events)
	}

	usage := s.Usage("a1")
	if usage.Input != 100 || usage.Output != 20 {
		t.Errorf("unexpected usage: %+v", usage)
	}
	if usage.ContextTokens != 500 {
		t.Errorf("expected contextTokens 500, got %d", usage.ContextTokens)
	}
	if usage.Turns != 1 {
		t.Errorf("expected 1 turn, got %d", usage.Turns)
	}
}

func TestFeedRawEventContextTokensIsLastObservedNotSummed(t *testing.T) {
	s := NewActivityStore()
	first := `{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"a"}],"usage":{"totalTokens":1000}}}`
	second := `{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"b"}],"usage":{"totalTokens":1200}}}`
	s.FeedRawEvent("a1", first)
	s.FeedRawEvent("a1", second)

	usage := s.Usage("a1")
	if usage.ContextTokens != 1200 {
		t.Errorf("expected last-observed contextTokens 1200, got %d", usage.ContextTokens)
	}
	if usage.Turns != 2 {
		t.Errorf("expected 2 turns summed, got %d", usage.Turns)
	}
}

func TestFeedRawEventIgnoresBlankAndUnparseableLines(t *testing.T) {
	s := NewActivityStore()
	s.FeedRawEvent("a1", "")
	s.FeedRawEvent("a1", "   ")
	s.FeedRawEvent("a1", "not json at all")

	if len(s.Events("a1")) != 0 {
		t.Fatalf("expected no events from blank/unparseable lines")
	}
}

func TestFeedRawEventIgnoresNonAssistantMessages(t *testing.T) {
	s := NewActivityStore()
	s.FeedRawEvent("a1", `{"type":"message_end","message":{"role":"user","content":[{"type":"text","text":"hi"}]}}`)
	if len(s.Events("a1")) != 0 {
		t.Fatalf("expected user messages to be ignored")
	}
}

func TestAggregateUsageSumsAcrossAgentsExceptContextTokens(t *testing.T) {
	s := NewActivityStore()
	s.FeedRawEvent("a1", `{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"x"}],"usage":{"input":10,"output":5,"totalTokens":300}}}`)
	s.FeedRawEvent("a2", `{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"y"}],"usage":{"input":20,"output":8,"totalTokens":700}}}`)

	total := s.AggregateUsage()
	if total.Input != 30 || total.Output != 13 {
		t.Errorf("unexpected aggregate: %+v", total)
	}
	if total.ContextTokens != 700 {
		t.Errorf("expected max observed contextTokens 700, got %d", total.ContextTokens)
	}
}

func TestTailReturnsLastNEvents(t *testing.T) {
	s := NewActivityStore()
	for i := 0; i < 5; i++ {
		s.PushSyntheticEvent("a1", ActivityMessage, "event")
	}
	if got := len(s.Tail("a1", 2)); got != 2 {
		t.Errorf("expected 2 tail events, got %d", got)
	}
	if got := len(s.Tail("a1", 100)); got != 5 {
		t.Errorf("expected all 5 events when n exceeds length, got %d", got)
	}
}

func TestClearActivityRemovesOneOrAllAgents(t *testing.T) {
	s := NewActivityStore()
	s.PushSyntheticEvent("a1", ActivityMessage, "x")
	s.PushSyntheticEvent("a2", ActivityMessage, "y")

	s.ClearActivity("a1")
	if len(s.Events("a1")) != 0 {
		t.Fatalf("expected a1 cleared")
	}
	if len(s.Events("a2")) != 1 {
		t.Fatalf("expected a2 untouched")
	}

	s.ClearActivity("")
	if len(s.Events("a2")) != 0 {
		t.Fatalf("expected all agents cleared")
	}
}

func TestFormatToolSummaryBashTruncatesLongCommands(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "x"
	}
	summary := formatToolSummary("bash", map[string]any{"command": long})
	if len(summary) > len("bash ")+60 {
		t.Errorf("expected truncated summary, got length %d", len(summary))
	}
}

func TestShortenPathCollapsesDeepPaths(t *testing.T) {
	got := shortenPath("/a/b/c/d/e.go")
	if got != ".../d/e.go" {
		t.Errorf("got %q", got)
	}
}
