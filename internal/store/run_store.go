package store

import (
	"context"
	"time"
)

type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusSkipped   RunStatus = "skipped"
	StatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

type SkipReason string

const (
	SkipCondition       SkipReason = "condition"
	SkipUpstreamFailed  SkipReason = "upstream_failed"
	SkipUpstreamSkipped SkipReason = "upstream_skipped"
)

type PipelineRun struct {
	RunID          string     `db:"run_id"          json:"run_id"`
	Pipeline       string     `db:"pipeline"        json:"pipeline"`
	Repository     string     `db:"repository"      json:"repository"`
	Ref            string     `db:"ref"             json:"ref"`
	Event          string     `db:"event"           json:"event"`
	SHA            string     `db:"sha"             json:"sha"`
	Actor          string     `db:"actor"           json:"actor"`
	TriggerContext string     `db:"trigger_context" json:"-"`
	Definition     string     `db:"definition"      json:"-"`
	Status         RunStatus  `db:"status"          json:"status"`
	FailFast       bool       `db:"fail_fast"       json:"fail_fast"`
	MaxParallel    int64      `db:"max_parallel"    json:"max_parallel"`
	FailureKind    *string    `db:"failure_kind"    json:"failure_kind,omitempty"`
	Failure        *string    `db:"failure"         json:"failure,omitempty"`
	CreatedOn      time.Time  `db:"created_on"      json:"created_on"`
	StartedOn      *time.Time `db:"started_on"      json:"started_on,omitempty"`
	EndedOn        *time.Time `db:"ended_on"        json:"ended_on,omitempty"`
}

type JobRun struct {
	JobRunID     string      `db:"job_run_id"     json:"job_run_id"`
	JobRunRunID  string      `db:"job_run_run_id" json:"run_id"`
	Name         string      `db:"name"           json:"name"`
	Stage        string      `db:"stage"          json:"stage"`
	Status       RunStatus   `db:"status"         json:"status"`
	AgentID      *string     `db:"agent_id"       json:"agent_id,omitempty"`
	SkipReason   *SkipReason `db:"skip_reason"    json:"skip_reason,omitempty"`
	ExitCode     *int64      `db:"exit_code"      json:"exit_code,omitempty"`
	RetryCount   int64       `db:"retry_count"    json:"retry_count"`
	FailureKind  *string     `db:"failure_kind"   json:"failure_kind,omitempty"`
	Failure      *string     `db:"failure"        json:"failure,omitempty"`
	DeploymentID *string     `db:"deployment_id"  json:"deployment_id,omitempty"`
	CreatedOn    time.Time   `db:"created_on"     json:"created_on"`
	StartedOn    *time.Time  `db:"started_on"     json:"started_on,omitempty"`
	EndedOn      *time.Time  `db:"ended_on"       json:"ended_on,omitempty"`
}

type RunWriter interface {
	CreatePipelineRun(context.Context, *PipelineRun, []*JobRun) error
	UpdatePipelineRunStatus(context.Context, string, RunStatus, *string, *string, *time.Time, *time.Time) error
	UpdateJobRun(context.Context, *JobRun) error
}

type RunReader interface {
	ReadPipelineRunByID(context.Context, string) (*PipelineRun, error)
	ListJobRuns(context.Context, string) ([]*JobRun, error)
	ListPipelineRuns(context.Context, string, string, int64) ([]*PipelineRun, error)
	ListActivePipelineRuns(context.Context) ([]*PipelineRun, error)
}

type RunStore interface {
	RunWriter
	RunReader
}
