package swarm

import (
	"testing"
	"time"
)

func TestAgentStatusTransitionTable(t *testing.T) {
	allowed := map[AgentStatus][]AgentStatus{
		StatusStarting: {StatusRunning, StatusDone, StatusBlocked, StatusCrashed, StatusDisconnected},
		StatusRunning:  {StatusDone, StatusBlocked, StatusCrashed, StatusDisconnected},
		StatusBlocked:  {StatusRunning, StatusDone, StatusCrashed, StatusDisconnected},
		StatusDone:     {},
		StatusCrashed:  {},
		StatusDisconnected: {},
	}

	every := []AgentStatus{StatusStarting, StatusRunning, StatusDone, StatusBlocked, StatusCrashed, StatusDisconnected}

	for _, from := range every {
		for _, to := range every {
			wantOK := false
			for _, a := range allowed[from] {
				if a == to {
					wantOK = true
				}
			}

			s := NewState(t.TempDir(), nil)
			s.RegisterAgent(&AgentInfo{Name: "a", Status: from})
			got := s.UpdateStatus("a", to, StatusFields{})
			if got != wantOK {
				t.Errorf("transition %s -> %s: got ok=%v, want %v", from, to, got, wantOK)
			}
		}
	}
}

func TestTerminalStatusesRejectFurtherTransitions(t *testing.T) {
	for _, terminal := range []AgentStatus{StatusDone, StatusCrashed, StatusDisconnected} {
		s := NewState(t.TempDir(), nil)
		s.RegisterAgent(&AgentInfo{Name: "a", Status: terminal})
		if s.UpdateStatus("a", StatusRunning, StatusFields{}) {
			t.Errorf("expected terminal status %s to reject a late transition to running", terminal)
		}
		info, _ := s.Agent("a")
		if info.Status != terminal {
			t.Errorf("expected status to remain %s, got %s", terminal, info.Status)
		}
	}
}

func TestUpdateStatusOnUnknownAgentFails(t *testing.T) {
	s := NewState(t.TempDir(), nil)
	if s.UpdateStatus("ghost", StatusRunning, StatusFields{}) {
		t.Fatalf("expected update on unknown agent to fail")
	}
}

func TestOnAllDoneFiresExactlyOnceWhenLastAgentTerminates(t *testing.T) {
	s := NewState(t.TempDir(), nil)
	s.RegisterAgent(&AgentInfo{Name: "a", Status: StatusStarting})
	s.RegisterAgent(&AgentInfo{Name: "b", Status: StatusStarting})

	calls := 0
	s.OnAllDone = func() { calls++ }

	s.UpdateStatus("a", StatusRunning, StatusFields{})
	s.UpdateStatus("a", StatusDone, StatusFields{})
	if calls != 0 {
		t.Fatalf("expected onAllDone not to fire while b is still pending, got %d calls", calls)
	}

	s.UpdateStatus("b", StatusCrashed, StatusFields{})
	if calls != 1 {
		t.Fatalf("expected onAllDone to fire exactly once, got %d calls", calls)
	}

	// A further (invalid, since done/crashed are terminal) update must not
	// re-fire it.
	s.UpdateStatus("a", StatusRunning, StatusFields{})
	if calls != 1 {
		t.Fatalf("expected onAllDone to still have fired exactly once, got %d calls", calls)
	}
}

func TestGenerationGuardInvalidatesStaleState(t *testing.T) {
	ClearState()

	first := NewState(t.TempDir(), nil)
	first.RegisterAgent(&AgentInfo{Name: "a", Status: StatusStarting})
	gen1 := SetState(first)

	second := NewState(t.TempDir(), nil)
	gen2 := SetState(second)

	if gen2 == gen1 {
		t.Fatalf("expected generation to change on SetState, got %d both times", gen1)
	}

	cur, curGen := CurrentState()
	if cur != second || curGen != gen2 {
		t.Fatalf("expected CurrentState to return the second State/gen")
	}

	// A callback that captured gen1 must observe it no longer matches.
	if curGen == gen1 {
		t.Fatalf("stale generation should not match current generation")
	}

	ClearState()
	if cur, _ := CurrentState(); cur != nil {
		t.Fatalf("expected CurrentState to be nil after ClearState")
	}
}

func TestUpdateAgentStatusDelegatesToCurrentState(t *testing.T) {
	ClearState()
	if UpdateAgentStatus("a", StatusRunning, StatusFields{}) {
		t.Fatalf("expected no-op false with no active swarm")
	}

	s := NewState(t.TempDir(), nil)
	s.RegisterAgent(&AgentInfo{Name: "a", Status: StatusStarting})
	SetState(s)
	defer ClearState()

	if !UpdateAgentStatus("a", StatusRunning, StatusFields{}) {
		t.Fatalf("expected delegated update to succeed")
	}
	info, _ := s.Agent("a")
	if info.Status != StatusRunning {
		t.Fatalf("expected status running, got %s", info.Status)
	}
}

func TestGracefulShutdownStopsWaitingOnGenerationChange(t *testing.T) {
	ClearState()
	s := NewState(t.TempDir(), nil)
	s.RegisterAgent(&AgentInfo{Name: "a", Status: StatusStarting})
	SetState(s)

	done := make(chan struct{})
	go func() {
		GracefulShutdown(nil, time.Second, 10*time.Millisecond)
		close(done)
	}()

	// Swap the state out from under the waiting GracefulShutdown call; it
	// must return promptly rather than run to the full timeout.
	time.Sleep(20 * time.Millisecond)
	ClearState()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected GracefulShutdown to return promptly after generation change")
	}
}
