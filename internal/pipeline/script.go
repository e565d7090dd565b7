package pipeline

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/haatos/simple-cd/internal/fault"
)

type stepDocument struct {
	Step           string `yaml:"step"`
	Script         string `yaml:"script"`
	TimeoutSeconds int64  `yaml:"timeout_seconds"`
}

type conditionDocument struct {
	Branches []string            `yaml:"branches"`
	Events   []string            `yaml:"events"`
	Paths    []string            `yaml:"paths"`
	All      []conditionDocument `yaml:"all"`
	Any      []conditionDocument `yaml:"any"`
	Not      *conditionDocument  `yaml:"not"`
}

type jobDocument struct {
	Job            string             `yaml:"job"`
	RunsOn         []string           `yaml:"runs-on"`
	Needs          *[]string          `yaml:"needs"`
	When           *conditionDocument `yaml:"when"`
	Run            string             `yaml:"run"`
	SkipIsSuccess  bool               `yaml:"skip-is-success"`
	Retries        int                `yaml:"retries"`
	TimeoutMinutes int64              `yaml:"timeout-minutes"`
	Secrets        *struct {
		Environment string `yaml:"environment"`
	} `yaml:"secrets"`
	Cache *struct {
		Key         string   `yaml:"key"`
		RestoreKeys []string `yaml:"restore-keys"`
		Paths       []string `yaml:"paths"`
	} `yaml:"cache"`
	Deploy *struct {
		Environment string `yaml:"environment"`
		Artifact    string `yaml:"artifact"`
		Emergency   bool   `yaml:"emergency"`
	} `yaml:"deploy"`
	Steps []stepDocument `yaml:"steps"`
}

type stageDocument struct {
	Stage string        `yaml:"stage"`
	Jobs  []jobDocument `yaml:"jobs"`
}

type PipelineScript struct {
	Name   string          `yaml:"name"`
	Stages []stageDocument `yaml:"stages"`
}

// Parse reads a pipeline YAML document into a validated Definition.
func Parse(data []byte) (*Definition, error) {
	ps := new(PipelineScript)
	if err := yaml.Unmarshal(data, ps); err != nil {
		return nil, fault.Validation("pipeline", "parse",
			fmt.Errorf("%w: %w", fault.ErrInvalidDefinition, err))
	}

	stages := make([]Stage, 0, len(ps.Stages))
	for _, sd := range ps.Stages {
		stage := Stage{Name: sd.Stage, Jobs: make([]Job, 0, len(sd.Jobs))}
		for _, jd := range sd.Jobs {
			stage.Jobs = append(stage.Jobs, jd.toJob())
		}
		stages = append(stages, stage)
	}

	d, err := New(ps.Name, stages)
	if err != nil {
		return nil, err
	}
	d.source = append([]byte(nil), data...)
	return d, nil
}

func (jd jobDocument) toJob() Job {
	j := Job{
		Name:          jd.Job,
		Labels:        jd.RunsOn,
		Policy:        RunPolicy(jd.Run),
		SkipIsSuccess: jd.SkipIsSuccess,
		Retries:       jd.Retries,
		Timeout:       time.Duration(jd.TimeoutMinutes) * time.Minute,
	}
	if jd.Needs != nil {
		j.Needs = append(make([]string, 0, len(*jd.Needs)), *jd.Needs...)
	}
	if jd.When != nil {
		j.When = jd.When.toCondition()
	}
	if jd.Secrets != nil {
		j.Secrets = &SecretScope{Environment: jd.Secrets.Environment}
	}
	if jd.Cache != nil {
		j.Cache = &CacheSpec{
			Key:         jd.Cache.Key,
			RestoreKeys: jd.Cache.RestoreKeys,
			Paths:       jd.Cache.Paths,
		}
	}
	if jd.Deploy != nil {
		j.Deploy = &DeploySpec{
			Environment: jd.Deploy.Environment,
			Artifact:    jd.Deploy.Artifact,
			Emergency:   jd.Deploy.Emergency,
		}
	}
	for _, sd := range jd.Steps {
		j.Steps = append(j.Steps, Step{
			Name:    sd.Step,
			Script:  sd.Script,
			Timeout: time.Duration(sd.TimeoutSeconds) * time.Second,
		})
	}
	return j
}

func (cd conditionDocument) toCondition() Condition {
	all := make(AllOf, 0)
	if len(cd.Branches) > 0 {
		all = append(all, BranchMatch(cd.Branches))
	}
	if len(cd.Events) > 0 {
		all = append(all, EventIn(cd.Events))
	}
	if len(cd.Paths) > 0 {
		all = append(all, PathsChanged(cd.Paths))
	}
	if len(cd.All) > 0 {
		sub := make(AllOf, 0, len(cd.All))
		for _, c := range cd.All {
			if cond := c.toCondition(); cond != nil {
				sub = append(sub, cond)
			}
		}
		all = append(all, sub)
	}
	if len(cd.Any) > 0 {
		sub := make(AnyOf, 0, len(cd.Any))
		for _, c := range cd.Any {
			if cond := c.toCondition(); cond != nil {
				sub = append(sub, cond)
			}
		}
		all = append(all, sub)
	}
	if cd.Not != nil {
		if cond := cd.Not.toCondition(); cond != nil {
			all = append(all, Not{Condition: cond})
		}
	}
	switch len(all) {
	case 0:
		return nil
	case 1:
		return all[0]
	}
	return all
}
