// ABOUTME: Swarm channel layout — the naming convention that turns a bare
// ABOUTME: channels.Group into the reserved general/inbox/topic channels a
// ABOUTME: swarm expects.
package swarm

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/pi-agents/pi-swarm/channels"
)

// GeneralChannel is the broadcast channel every agent in a swarm
// subscribes to.
const GeneralChannel = "general"

// QueenInbox is the queen's receive-only inbox channel, by convention.
const QueenInbox = "inbox-queen"

// SwarmBaseDir is the parent directory under which every swarm's channel
// group directory is created, one random subdirectory per swarm.
var SwarmBaseDir = filepath.Join(os.TempDir(), "pi-swarm")

var unsafeChannelChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeChannelPart replaces any run of characters outside
// [A-Za-z0-9._-] with a single hyphen, so agent and swarm names can be
// used safely as socket filenames.
func SanitizeChannelPart(s string) string {
	return unsafeChannelChars.ReplaceAllString(s, "-")
}

// InboxName returns the channel name for agent's inbox.
func InboxName(agent string) string {
	return "inbox-" + SanitizeChannelPart(agent)
}

// TopicName returns the channel name for a sub-swarm's topic channel.
func TopicName(swarmName string) string {
	return "topic-" + SanitizeChannelPart(swarmName)
}

// AgentDef describes one agent to be included in a swarm's channel
// layout and, later, spawned as a child process.
type AgentDef struct {
	Name  string
	Role  Role
	Swarm string
	Task  string

	// Agent references a discovered AgentConfig by name; inline fields
	// below always take precedence over the referenced config.
	Agent        string
	Model        string
	Tools        []string
	SystemPrompt string
	Cwd          string
}

// CreateSwarmChannelGroup builds (but does not start) the channels.Group
// for a swarm: general, inbox-queen, one inbox per agent, and — when the
// agents span two or more distinct Swarm tags — one topic channel per
// distinct tag. It also returns the swarm-tag -> topic-channel-name map,
// empty when every agent shares one swarm (or none at all).
func CreateSwarmChannelGroup(id string, agents []AgentDef) (*channels.Group, map[string]string) {
	groupPath := filepath.Join(SwarmBaseDir, id)

	defs := []channels.ChannelDef{
		{Name: GeneralChannel},
		{Name: QueenInbox},
	}
	for _, a := range agents {
		defs = append(defs, channels.ChannelDef{Name: InboxName(a.Name)})
	}

	distinctSwarms := map[string]bool{}
	for _, a := range agents {
		if a.Swarm != "" {
			distinctSwarms[a.Swarm] = true
		}
	}

	topics := make(map[string]string)
	if len(distinctSwarms) >= 2 {
		for s := range distinctSwarms {
			topic := TopicName(s)
			topics[s] = topic
			defs = append(defs, channels.ChannelDef{Name: topic})
		}
	}

	return channels.NewGroup(groupPath, defs), topics
}
