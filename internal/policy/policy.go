package policy

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/pipeline"
	"github.com/robfig/cron/v3"
)

const (
	defaultApprovalTimeout  = 24 * time.Hour
	defaultSmokeTestTimeout = 5 * time.Minute
)

// ScopeRule grants claims to credentials whose scope matches. Repository and
// refs are glob patterns; an empty environment list matches any environment.
type ScopeRule struct {
	Repository   string   `yaml:"repository"`
	Environments []string `yaml:"environments"`
	Refs         []string `yaml:"refs"`
	Claims       []string `yaml:"claims"`
}

func (r ScopeRule) matches(repository, environment, ref string) bool {
	if !pipeline.Glob(r.Repository, repository) {
		return false
	}
	if len(r.Environments) > 0 && !slices.Contains(r.Environments, environment) {
		return false
	}
	if len(r.Refs) == 0 {
		return true
	}
	for _, pattern := range r.Refs {
		if pipeline.Glob(pattern, ref) {
			return true
		}
	}
	return false
}

type blackoutDocument struct {
	Cron     string `yaml:"cron"`
	Duration string `yaml:"duration"`
}

type environmentDocument struct {
	Name             string             `yaml:"name"`
	RequiresApproval bool               `yaml:"requires-approval"`
	Quorum           int                `yaml:"quorum"`
	Approvers        []string           `yaml:"approvers"`
	AutoRollback     bool               `yaml:"auto-rollback"`
	ApprovalTimeout  string             `yaml:"approval-timeout"`
	SmokeTestTimeout string             `yaml:"smoke-test-timeout"`
	DeployCommand    string             `yaml:"deploy-command"`
	SmokeTestCommand string             `yaml:"smoke-test-command"`
	Blackouts        []blackoutDocument `yaml:"blackouts"`
}

type AgentGroup struct {
	Name        string   `yaml:"name"`
	Labels      []string `yaml:"labels"`
	MinReplicas int      `yaml:"min-replicas"`
	MaxReplicas int      `yaml:"max-replicas"`
	Ephemeral   bool     `yaml:"ephemeral"`
	Image       string   `yaml:"image"`
	Heartbeat   bool     `yaml:"heartbeat"`
}

type document struct {
	Scopes       []ScopeRule           `yaml:"scopes"`
	Environments []environmentDocument `yaml:"environments"`
	AgentGroups  []AgentGroup          `yaml:"agent-groups"`
}

// Window is a recurring blackout: it opens on every tick of the cron
// schedule and stays open for Duration.
type Window struct {
	Spec     string
	Schedule cron.Schedule
	Duration time.Duration
}

func (w Window) Active(now time.Time) bool {
	start := w.Schedule.Next(now.Add(-w.Duration))
	return !start.After(now)
}

type Environment struct {
	Name             string
	RequiresApproval bool
	Quorum           int
	Approvers        []string
	AutoRollback     bool
	ApprovalTimeout  time.Duration
	SmokeTestTimeout time.Duration
	DeployCommand    string
	SmokeTestCommand string
	Blackouts        []Window
}

func (e *Environment) Authorized(approver string) bool {
	return slices.Contains(e.Approvers, approver)
}

// InBlackout returns the window active at now, if any.
func (e *Environment) InBlackout(now time.Time) (Window, bool) {
	for _, w := range e.Blackouts {
		if w.Active(now) {
			return w, true
		}
	}
	return Window{}, false
}

// Policy is the identity and policy source consulted by the credential
// broker, the deployment state machine and the agent pool.
type Policy struct {
	Scopes       []ScopeRule
	Environments map[string]*Environment
	AgentGroups  []AgentGroup
}

// Claims returns the claims of the first rule matching the scope. A scope
// no rule matches is denied.
func (p *Policy) Claims(repository, environment, ref string) ([]string, bool) {
	for _, r := range p.Scopes {
		if r.matches(repository, environment, ref) {
			return slices.Clone(r.Claims), true
		}
	}
	return nil, false
}

func (p *Policy) Environment(name string) (*Environment, bool) {
	e, ok := p.Environments[name]
	return e, ok
}

func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func Parse(data []byte) (*Policy, error) {
	doc := document{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, invalid("parsing policy: %v", err)
	}

	p := &Policy{
		Scopes:       doc.Scopes,
		Environments: make(map[string]*Environment),
		AgentGroups:  doc.AgentGroups,
	}
	for i, r := range doc.Scopes {
		if r.Repository == "" {
			return nil, invalid("scope rule %d requires a repository pattern", i)
		}
	}
	for _, ed := range doc.Environments {
		env, err := ed.toEnvironment()
		if err != nil {
			return nil, err
		}
		if _, ok := p.Environments[env.Name]; ok {
			return nil, invalid("duplicate environment %q", env.Name)
		}
		p.Environments[env.Name] = env
	}
	seen := make(map[string]bool)
	for _, g := range doc.AgentGroups {
		if len(g.Labels) == 0 {
			return nil, invalid("agent group %q requires labels", g.Name)
		}
		if g.MinReplicas < 0 || g.MaxReplicas < g.MinReplicas {
			return nil, invalid("agent group %q has invalid replica bounds", g.Name)
		}
		if seen[g.Name] {
			return nil, invalid("duplicate agent group %q", g.Name)
		}
		seen[g.Name] = true
	}
	return p, nil
}

func (ed environmentDocument) toEnvironment() (*Environment, error) {
	if ed.Name == "" {
		return nil, invalid("environment name is required")
	}
	env := &Environment{
		Name:             ed.Name,
		RequiresApproval: ed.RequiresApproval,
		Quorum:           ed.Quorum,
		Approvers:        ed.Approvers,
		AutoRollback:     ed.AutoRollback,
		ApprovalTimeout:  defaultApprovalTimeout,
		SmokeTestTimeout: defaultSmokeTestTimeout,
		DeployCommand:    ed.DeployCommand,
		SmokeTestCommand: ed.SmokeTestCommand,
	}
	if env.RequiresApproval {
		if env.Quorum == 0 {
			env.Quorum = 1
		}
		if env.Quorum > len(env.Approvers) {
			return nil, invalid("environment %q quorum %d exceeds %d approvers",
				env.Name, env.Quorum, len(env.Approvers))
		}
	}
	var err error
	if ed.ApprovalTimeout != "" {
		if env.ApprovalTimeout, err = time.ParseDuration(ed.ApprovalTimeout); err != nil {
			return nil, invalid("environment %q approval-timeout: %v", env.Name, err)
		}
	}
	if ed.SmokeTestTimeout != "" {
		if env.SmokeTestTimeout, err = time.ParseDuration(ed.SmokeTestTimeout); err != nil {
			return nil, invalid("environment %q smoke-test-timeout: %v", env.Name, err)
		}
	}
	for _, b := range ed.Blackouts {
		sched, err := cronParser.Parse(b.Cron)
		if err != nil {
			return nil, invalid("environment %q blackout %q: %v", env.Name, b.Cron, err)
		}
		d, err := time.ParseDuration(b.Duration)
		if err != nil || d <= 0 {
			return nil, invalid("environment %q blackout %q needs a positive duration", env.Name, b.Cron)
		}
		env.Blackouts = append(env.Blackouts, Window{Spec: b.Cron, Schedule: sched, Duration: d})
	}
	return env, nil
}

func invalid(format string, args ...any) error {
	return fault.Validation("policy", "load", fmt.Errorf(format, args...))
}
