package store

import (
	"context"
	"database/sql"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type AgentSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewAgentSQLiteStore(rdb, rwdb *sql.DB) *AgentSQLiteStore {
	return &AgentSQLiteStore{rdb, rwdb}
}

func (store *AgentSQLiteStore) CreateAgent(ctx context.Context, a *Agent) error {
	query := `insert into agents (
		agent_id,
		name,
		hostname,
		username,
		ssh_private_key_hash,
		workspace,
		labels,
		executors,
		description
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	returning created_on`
	err := sqlscan.Get(
		ctx, store.rwdb, a, query,
		a.AgentID,
		a.Name,
		a.Hostname,
		a.Username,
		a.SSHPrivateKeyHash,
		a.Workspace,
		a.Labels,
		a.Executors,
		a.Description,
	)
	return conflict(err, "agent", a.Name)
}

func (store *AgentSQLiteStore) ReadAgentByID(ctx context.Context, id string) (*Agent, error) {
	a := new(Agent)
	query := `select * from agents where agent_id = $1`
	if err := sqlscan.Get(ctx, store.rdb, a, query, id); err != nil {
		return nil, notFound(err, "agent", id)
	}
	return a, nil
}

func (store *AgentSQLiteStore) UpdateAgent(ctx context.Context, a *Agent) error {
	query := `update agents
	set name = $1,
		hostname = $2,
		username = $3,
		ssh_private_key_hash = $4,
		workspace = $5,
		labels = $6,
		executors = $7,
		description = $8
	where agent_id = $9`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		a.Name,
		a.Hostname,
		a.Username,
		a.SSHPrivateKeyHash,
		a.Workspace,
		a.Labels,
		a.Executors,
		a.Description,
		a.AgentID,
	)
	return err
}

func (store *AgentSQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	query := "delete from agents where agent_id = $1"
	res, err := store.rwdb.ExecContext(ctx, query, id)
	return affected(res, err, "agent", id)
}

func (store *AgentSQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `select * from agents order by name`
	agents := make([]*Agent, 0)
	err := sqlscan.Select(ctx, store.rdb, &agents, query)
	return agents, err
}
