// ABOUTME: Process-wide identity — a read-once view of this process's
// ABOUTME: role, name, and channel wiring, derived from its environment.
package swarm

import (
	"os"
	"strings"
	"sync"
)

// Role is a coordination role. Queens start swarms at the root;
// coordinators can start sub-swarms; agents cannot spawn.
type Role string

const (
	RoleQueen       Role = "queen"
	RoleCoordinator Role = "coordinator"
	RoleAgent       Role = "agent"
)

// Identity describes this process's coordination identity.
type Identity struct {
	Name  string
	Role  Role
	Swarm string
}

var (
	identityMu sync.Mutex
	identity   *Identity
)

// CurrentIdentity returns this process's Identity, reading environment
// variables the first time it's called and caching the result for every
// subsequent call within the process's lifetime.
func CurrentIdentity() *Identity {
	identityMu.Lock()
	defer identityMu.Unlock()

	if identity != nil {
		return identity
	}

	name := os.Getenv("PI_CHANNELS_NAME")
	if name == "" {
		name = os.Getenv("PI_SWARM_AGENT_NAME")
	}
	if name == "" {
		name = "queen"
	}

	role := Role(os.Getenv("PI_SWARM_AGENT_ROLE"))
	if role == "" {
		role = RoleQueen
	}

	identity = &Identity{
		Name:  name,
		Role:  role,
		Swarm: os.Getenv("PI_SWARM_AGENT_SWARM"),
	}
	return identity
}

// ResetIdentity clears the cached Identity singleton. Test-only: nothing
// in normal operation should need to re-derive identity within one
// process lifetime.
func ResetIdentity() {
	identityMu.Lock()
	defer identityMu.Unlock()
	identity = nil
}

// GetChannelGroupPath returns the channel group directory path this
// process was told to join, if it is a spawned child.
func GetChannelGroupPath() string {
	return os.Getenv("PI_CHANNELS_GROUP")
}

// GetInboxChannel returns this process's own inbox channel name, if set.
func GetInboxChannel() string {
	return os.Getenv("PI_CHANNELS_INBOX")
}

// GetSubscribeChannels returns the comma-separated list of channels this
// process should subscribe to on start, trimmed and with empty entries
// dropped. Defaults to ["general"] when unset.
func GetSubscribeChannels() []string {
	raw := os.Getenv("PI_CHANNELS_SUBSCRIBE")
	if raw == "" {
		return []string{GeneralChannel}
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{GeneralChannel}
	}
	return out
}

// GetTaskDirPath returns this process's task directory path, set only for
// spawned coordinators.
func GetTaskDirPath() string {
	return os.Getenv("PI_SWARM_TASK_DIR")
}
