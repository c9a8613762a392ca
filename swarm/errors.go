package swarm

import "errors"

// Sentinel errors for the swarm coordination layer, following the
// channels package's flat errors.New block convention.
var (
	ErrSwarmActive     = errors.New("swarm: a swarm is already active")
	ErrNoActiveSwarm   = errors.New("swarm: no active swarm")
	ErrAgentNotFound   = errors.New("swarm: agent not found")
	ErrInvalidStatus   = errors.New("swarm: invalid status transition")
	ErrAgentsCantSpawn = errors.New("swarm: agents may not start a swarm")
	ErrNoAgents        = errors.New("swarm: no agents specified")
)
