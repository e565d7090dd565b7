package store

import (
	"context"
	"strings"
	"time"
)

// Agent is a statically registered build host reached over SSH.
type Agent struct {
	AgentID           string    `db:"agent_id"             json:"agent_id"`
	Name              string    `db:"name"                 json:"name"`
	Hostname          string    `db:"hostname"             json:"hostname"`
	Username          string    `db:"username"             json:"username"`
	SSHPrivateKeyHash string    `db:"ssh_private_key_hash" json:"-"`
	Workspace         string    `db:"workspace"            json:"workspace"`
	Labels            string    `db:"labels"               json:"labels"`
	Executors         int64     `db:"executors"            json:"executors"`
	Description       string    `db:"description"          json:"description"`
	CreatedOn         time.Time `db:"created_on"           json:"created_on"`

	SSHPrivateKey []byte `db:"-" json:"-"`
}

func (a *Agent) LabelSet() []string {
	labels := make([]string, 0)
	for l := range strings.SplitSeq(a.Labels, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

type AgentStore interface {
	CreateAgent(context.Context, *Agent) error
	ReadAgentByID(context.Context, string) (*Agent, error)
	UpdateAgent(context.Context, *Agent) error
	DeleteAgent(context.Context, string) error
	ListAgents(context.Context) ([]*Agent, error)
}
