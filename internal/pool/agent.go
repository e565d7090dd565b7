package pool

import (
	"context"
	"slices"
	"time"
)

type State string

const (
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateProvisioning State = "provisioning"
	StateDraining     State = "draining"
	StateTerminated   State = "terminated"
)

type Kind string

const (
	KindStatic    Kind = "static"
	KindEphemeral Kind = "ephemeral"
)

// Agent is a snapshot of an agent record. The records themselves are only
// touched by the pool's loop goroutine.
type Agent struct {
	ID            string    `json:"agent_id"`
	Name          string    `json:"name"`
	Kind          Kind      `json:"kind"`
	State         State     `json:"state"`
	Labels        []string  `json:"labels"`
	Executors     int       `json:"executors"`
	Running       int       `json:"running"`
	Group         string    `json:"group,omitempty"`
	Handle        string    `json:"handle,omitempty"`
	Monitored     bool      `json:"monitored"`
	LastUsed      time.Time `json:"last_used"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// StaticAgent describes a long-lived agent to register with the pool.
// Monitored agents must heartbeat to stay alive.
type StaticAgent struct {
	ID        string
	Name      string
	Labels    []string
	Executors int
	Monitored bool
}

// GroupConfig enables ephemeral provisioning for a label set.
type GroupConfig struct {
	Name        string
	Labels      []string
	MinReplicas int
	MaxReplicas int
	Image       string
	Monitored   bool
}

type ProvisionRequest struct {
	AgentID string
	Group   string
	Labels  []string
	Image   string
}

// Provisioned is what the fleet backend reports for a new agent. An agent
// that is not Ready yet becomes ready on its first heartbeat.
type Provisioned struct {
	Handle string
	Ready  bool
}

// Provisioner is the fleet backend for ephemeral agents.
type Provisioner interface {
	Provision(context.Context, ProvisionRequest) (Provisioned, error)
	Terminate(context.Context, string) error
}

type Observer interface {
	AgentStates(map[State]int)
	ProvisionOutcome(group string, ok bool)
	AgentLost()
}

// Lease is an agent handed out by Acquire. Lost is closed if the agent
// stops heartbeating while the lease is held.
type Lease struct {
	ID    string
	Agent Agent
	lost  chan struct{}
}

func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// superset reports whether have contains every label in want.
func superset(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
