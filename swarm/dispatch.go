// ABOUTME: Notification dispatch — routes incoming channel messages by
// ABOUTME: data.type to state updates, activity injection, host
// ABOUTME: notifications, and upward relay to a parent swarm.
package swarm

import (
	"fmt"

	"github.com/pi-agents/pi-swarm/channels"
	"github.com/pi-agents/pi-swarm/message"
)

// NotificationKind classifies a Host notification, so a host UI can style
// or route it (e.g. interrupt-worthy blockers vs. informational done
// reports).
type NotificationKind string

const (
	NotifyDone     NotificationKind = "done"
	NotifyBlocker  NotificationKind = "blocker"
	NotifyFollowUp NotificationKind = "followup"
	NotifyCrash    NotificationKind = "crash"
)

// Host is the host runtime's "emit event" surface (spec.md §1: only this
// sliver of the host matters here — everything else about it is an
// external collaborator).
type Host interface {
	Notify(kind NotificationKind, text string)
}

// Dispatcher installs one unified handler on every subscribe-channel
// client: it inspects data.type, updates swarm state, records activity,
// invokes the active State's per-event callbacks (which carry the host
// notifications), and — if parentQueenClient is set — relays the raw
// message upward so deep coordinator trees propagate events to the root.
type Dispatcher struct {
	activity          *ActivityStore
	parentQueenClient *channels.Client
}

// NewDispatcher creates a Dispatcher. parentQueenClient may be nil when
// this process has no parent (it is the root queen).
func NewDispatcher(activity *ActivityStore, parentQueenClient *channels.Client) *Dispatcher {
	return &Dispatcher{activity: activity, parentQueenClient: parentQueenClient}
}

// Attach registers this Dispatcher's handler on client.
func (d *Dispatcher) Attach(client *channels.Client) {
	client.OnMessage(func(m message.Message) { d.handle(m) })
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (d *Dispatcher) handle(m message.Message) {
	if m.Data == nil {
		return
	}
	typ := stringField(m.Data, "type")
	from := stringField(m.Data, "from")

	handled := true
	switch typ {
	case "register":
		role := stringField(m.Data, "role")
		swarmTag := stringField(m.Data, "swarm")
		d.activity.PushSyntheticEvent(from, ActivityMessage, fmt.Sprintf("registered (%s, %s)", role, swarmTag))
		UpdateAgentStatus(from, StatusRunning, StatusFields{})

	case "done":
		summary := stringField(m.Data, "summary")
		d.activity.PushSyntheticEvent(from, ActivityMessage, "done: "+summary)
		if UpdateAgentStatus(from, StatusDone, StatusFields{DoneSummary: &summary}) {
			if s, _ := CurrentState(); s != nil && s.OnAgentDone != nil {
				s.OnAgentDone(from)
			}
		}

	case "blocker":
		description := stringField(m.Data, "description")
		d.activity.PushSyntheticEvent(from, ActivityMessage, "blocked: "+description)
		if UpdateAgentStatus(from, StatusBlocked, StatusFields{BlockerDescription: &description}) {
			if s, _ := CurrentState(); s != nil && s.OnBlocker != nil {
				s.OnBlocker(from, description)
			}
		}

	case "nudge":
		reason := stringField(m.Data, "reason")
		d.activity.PushSyntheticEvent(from, ActivityMessage, "hive-mind: "+reason)
		if s, _ := CurrentState(); s != nil && s.OnNudge != nil {
			s.OnNudge(from, reason)
		}

	case "progress":
		phase := stringField(m.Data, "phase")
		percent := intField(m.Data, "percent")
		detail := stringField(m.Data, "detail")
		s, _ := CurrentState()
		if s != nil {
			s.UpdateProgress(from, phase, percent, detail)
		}
		label := detail
		if label == "" {
			label = phase
		}
		summary := label
		if percent > 0 {
			summary = fmt.Sprintf("%s (%d%%)", label, percent)
		}
		d.activity.PushSyntheticEvent(from, ActivityMessage, summary)

	case "disconnected":
		UpdateAgentStatus(from, StatusDisconnected, StatusFields{})

	default:
		handled = false
	}

	if handled && d.parentQueenClient != nil {
		_ = d.parentQueenClient.Send(m)
	}
}
