package pipeline

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/haatos/simple-cd/internal/fault"
)

type RunPolicy string

const (
	RunOnSuccess RunPolicy = ""
	RunAlways    RunPolicy = "always"
)

type Step struct {
	Name    string
	Script  string
	Timeout time.Duration
}

type SecretScope struct {
	Environment string
}

type CacheSpec struct {
	Key         string
	RestoreKeys []string
	Paths       []string
}

type DeploySpec struct {
	Environment string
	Artifact    string
	Emergency   bool
}

type Job struct {
	Name          string
	Stage         string
	Needs         []string
	When          Condition
	Policy        RunPolicy
	SkipIsSuccess bool
	Labels        []string
	Retries       int
	Timeout       time.Duration
	Secrets       *SecretScope
	Cache         *CacheSpec
	Deploy        *DeploySpec
	Steps         []Step
}

// Matches reports whether the job's condition holds for tc. A job without a
// condition always matches.
func (j Job) Matches(tc TriggerContext) bool {
	if j.When == nil {
		return true
	}
	return j.When.Eval(tc)
}

type Stage struct {
	Name string
	Jobs []Job
}

// Definition is a validated pipeline. It is never mutated after New returns.
type Definition struct {
	name   string
	source []byte
	stages []Stage
	jobs   map[string]Job
	order  []string
}

type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Path, " -> ")
}

func (e *CyclicDependencyError) Is(target error) bool {
	return target == fault.ErrCyclicDependency
}

// New validates stages and builds an immutable Definition. Jobs without
// explicit needs depend on every job of the previous stage.
func New(name string, stages []Stage) (*Definition, error) {
	if strings.TrimSpace(name) == "" {
		return nil, invalid("pipeline name is required")
	}
	if len(stages) == 0 {
		return nil, invalid("pipeline %q has no stages", name)
	}

	d := &Definition{
		name:   name,
		stages: make([]Stage, 0, len(stages)),
		jobs:   make(map[string]Job),
	}
	var previous []string
	declared := make([]string, 0)
	for _, s := range stages {
		if s.Name == "" {
			return nil, invalid("stage name is required")
		}
		if len(s.Jobs) == 0 {
			return nil, invalid("stage %q has no jobs", s.Name)
		}
		stage := Stage{Name: s.Name, Jobs: make([]Job, 0, len(s.Jobs))}
		current := make([]string, 0, len(s.Jobs))
		for _, j := range s.Jobs {
			if j.Name == "" {
				return nil, invalid("job name is required in stage %q", s.Name)
			}
			if _, ok := d.jobs[j.Name]; ok {
				return nil, invalid("duplicate job name %q", j.Name)
			}
			if j.Policy != RunOnSuccess && j.Policy != RunAlways {
				return nil, invalid("job %q has unknown run policy %q", j.Name, j.Policy)
			}
			if j.Retries < 0 {
				return nil, invalid("job %q has negative retries", j.Name)
			}
			if j.Deploy != nil && j.Deploy.Environment == "" {
				return nil, invalid("job %q deploy requires an environment", j.Name)
			}
			if j.Cache != nil && j.Cache.Key == "" {
				return nil, invalid("job %q cache requires a key", j.Name)
			}
			job := cloneJob(j)
			job.Stage = s.Name
			if job.Needs == nil {
				job.Needs = slices.Clone(previous)
			}
			job.Needs = unique(job.Needs)
			d.jobs[job.Name] = job
			stage.Jobs = append(stage.Jobs, job)
			current = append(current, job.Name)
			declared = append(declared, job.Name)
		}
		d.stages = append(d.stages, stage)
		previous = current
	}

	for _, name := range declared {
		for _, need := range d.jobs[name].Needs {
			if need == name {
				return nil, fault.Validation("pipeline", "validate",
					&CyclicDependencyError{Path: []string{name, name}})
			}
			if _, ok := d.jobs[need]; !ok {
				return nil, invalid("job %q needs unknown job %q", name, need)
			}
		}
	}

	if cycle := findCycle(declared, d.jobs); cycle != nil {
		return nil, fault.Validation("pipeline", "validate", &CyclicDependencyError{Path: cycle})
	}
	d.order = topologicalOrder(declared, d.jobs)
	return d, nil
}

func invalid(format string, args ...any) error {
	return fault.Validation("pipeline", "validate",
		fmt.Errorf("%w: %s", fault.ErrInvalidDefinition, fmt.Sprintf(format, args...)))
}

func (d *Definition) Name() string {
	return d.name
}

// Source returns the YAML the definition was parsed from, if any.
func (d *Definition) Source() []byte {
	return slices.Clone(d.source)
}

func (d *Definition) Stages() []Stage {
	stages := make([]Stage, len(d.stages))
	for i, s := range d.stages {
		stages[i] = Stage{Name: s.Name, Jobs: make([]Job, len(s.Jobs))}
		for k, j := range s.Jobs {
			stages[i].Jobs[k] = cloneJob(j)
		}
	}
	return stages
}

func (d *Definition) Job(name string) (Job, bool) {
	j, ok := d.jobs[name]
	if !ok {
		return Job{}, false
	}
	return cloneJob(j), true
}

// Order returns job names in a dependency respecting order, ties broken by
// declaration order.
func (d *Definition) Order() []string {
	return slices.Clone(d.order)
}

// Dependents returns the jobs that directly need name.
func (d *Definition) Dependents(name string) []string {
	out := make([]string, 0)
	for _, n := range d.order {
		if slices.Contains(d.jobs[n].Needs, name) {
			out = append(out, n)
		}
	}
	return out
}

func cloneJob(j Job) Job {
	j.Labels = slices.Clone(j.Labels)
	j.Steps = slices.Clone(j.Steps)
	if j.Needs != nil {
		j.Needs = slices.Clone(j.Needs)
	}
	if j.Secrets != nil {
		s := *j.Secrets
		j.Secrets = &s
	}
	if j.Cache != nil {
		c := *j.Cache
		c.RestoreKeys = slices.Clone(c.RestoreKeys)
		c.Paths = slices.Clone(c.Paths)
		j.Cache = &c
	}
	if j.Deploy != nil {
		dep := *j.Deploy
		j.Deploy = &dep
	}
	return j
}

func unique(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

const (
	white = iota
	grey
	black
)

func findCycle(names []string, jobs map[string]Job) []string {
	color := make(map[string]int, len(names))
	stack := make([]string, 0)
	var visit func(n string) []string
	visit = func(n string) []string {
		color[n] = grey
		stack = append(stack, n)
		for _, need := range jobs[n].Needs {
			switch color[need] {
			case grey:
				i := slices.Index(stack, need)
				cycle := slices.Clone(stack[i:])
				return append(cycle, need)
			case white:
				if c := visit(need); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}
	for _, n := range names {
		if color[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

func topologicalOrder(names []string, jobs map[string]Job) []string {
	indegree := make(map[string]int, len(names))
	for _, n := range names {
		indegree[n] = len(jobs[n].Needs)
	}
	order := make([]string, 0, len(names))
	done := make(map[string]bool, len(names))
	for len(order) < len(names) {
		for _, n := range names {
			if done[n] || indegree[n] > 0 {
				continue
			}
			done[n] = true
			order = append(order, n)
			for _, m := range names {
				if slices.Contains(jobs[m].Needs, n) {
					indegree[m]--
				}
			}
			break
		}
	}
	return order
}
