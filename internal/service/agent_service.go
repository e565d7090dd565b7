package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/pool"
	"github.com/haatos/simple-cd/internal/security"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

type AgentRegistry interface {
	Register(context.Context, pool.StaticAgent) error
	Deregister(ctx context.Context, id string) error
}

type AgentServicer interface {
	CreateAgent(context.Context, AgentRequest) (*store.Agent, error)
	GetAgentByID(context.Context, string) (*store.Agent, error)
	ListAgents(context.Context) ([]*store.Agent, error)
	DeleteAgent(context.Context, string) error
	TestAgentConnection(context.Context, string) error
}

type AgentRequest struct {
	Name        string   `json:"name"`
	Hostname    string   `json:"hostname"`
	Username    string   `json:"username"`
	PrivateKey  string   `json:"ssh_private_key"`
	Workspace   string   `json:"workspace"`
	Labels      []string `json:"labels"`
	Executors   int64    `json:"executors"`
	Description string   `json:"description"`
}

// AgentService manages static build hosts. Their SSH keys are stored
// encrypted, and every stored agent is registered in the pool.
type AgentService struct {
	agentStore store.AgentStore
	encrypter  security.Encrypter
	registry   AgentRegistry
}

func NewAgentService(
	agentStore store.AgentStore,
	encrypter security.Encrypter,
	registry AgentRegistry,
) *AgentService {
	return &AgentService{agentStore: agentStore, encrypter: encrypter, registry: registry}
}

func (s *AgentService) CreateAgent(ctx context.Context, req AgentRequest) (*store.Agent, error) {
	if err := req.validate(); err != nil {
		return nil, fault.Validation("agents", "create", err)
	}
	if _, err := ssh.ParsePrivateKey([]byte(req.PrivateKey)); err != nil {
		return nil, fault.Validation("agents", "create", fmt.Errorf("ssh private key: %w", err))
	}
	keyHash, err := s.encrypter.EncryptAES(req.PrivateKey)
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(req.Labels))
	for _, l := range req.Labels {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}

	a := &store.Agent{
		AgentID:           uuid.NewString(),
		Name:              req.Name,
		Hostname:          req.Hostname,
		Username:          req.Username,
		SSHPrivateKeyHash: keyHash,
		Workspace:         req.Workspace,
		Labels:            strings.Join(labels, ","),
		Executors:         max(req.Executors, 1),
		Description:       req.Description,
	}
	if err := s.agentStore.CreateAgent(ctx, a); err != nil {
		if errors.Is(err, fault.ErrAlreadyExists) {
			return nil, fault.New(fault.KindConflict, "agents", "create", err)
		}
		return nil, err
	}
	if err := s.registry.Register(ctx, staticAgent(a)); err != nil {
		return nil, err
	}
	return a, nil
}

func (req AgentRequest) validate() error {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return errors.New("name is required")
	case strings.TrimSpace(req.Hostname) == "":
		return errors.New("hostname is required")
	case strings.TrimSpace(req.Username) == "":
		return errors.New("username is required")
	case strings.TrimSpace(req.Workspace) == "":
		return errors.New("workspace is required")
	case req.Executors < 0:
		return errors.New("executors must not be negative")
	}
	return nil
}

func (s *AgentService) GetAgentByID(ctx context.Context, agentID string) (*store.Agent, error) {
	return s.agentStore.ReadAgentByID(ctx, agentID)
}

func (s *AgentService) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	return s.agentStore.ListAgents(ctx)
}

// DeleteAgent drains the agent from the pool and removes it.
func (s *AgentService) DeleteAgent(ctx context.Context, agentID string) error {
	if err := s.registry.Deregister(ctx, agentID); err != nil && !errors.Is(err, fault.ErrNotFound) {
		return err
	}
	return s.agentStore.DeleteAgent(ctx, agentID)
}

// LoadAgents registers every stored agent in the pool.
func (s *AgentService) LoadAgents(ctx context.Context) (int, error) {
	agents, err := s.agentStore.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range agents {
		if err := s.registry.Register(ctx, staticAgent(a)); err != nil {
			return 0, err
		}
	}
	log.Info().Int("agents", len(agents)).Msg("loaded static agents")
	return len(agents), nil
}

func (s *AgentService) TestAgentConnection(ctx context.Context, agentID string) error {
	a, err := s.GetAgentByID(ctx, agentID)
	if err != nil {
		return err
	}

	privateKey, err := s.encrypter.DecryptAES(a.SSHPrivateKeyHash)
	if err != nil {
		return err
	}
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return err
	}
	cc := &ssh.ClientConfig{
		User:            a.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	hostname := a.Hostname
	if _, _, err := net.SplitHostPort(hostname); err != nil {
		hostname = net.JoinHostPort(hostname, "22")
	}
	client, err := ssh.Dial("tcp", hostname, cc)
	if err != nil {
		return fault.Unavailable("agents", "connect", err).With("agent_id", a.AgentID)
	}
	defer client.Close()
	return nil
}

func staticAgent(a *store.Agent) pool.StaticAgent {
	return pool.StaticAgent{
		ID:        a.AgentID,
		Name:      a.Name,
		Labels:    a.LabelSet(),
		Executors: int(a.Executors),
	}
}
