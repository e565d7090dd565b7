package store

import (
	"context"
	"time"
)

// Pipeline is a registered pipeline definition. Definition holds the YAML
// source; runs snapshot it at submission.
type Pipeline struct {
	PipelineID string `db:"pipeline_id" json:"pipeline_id"`
	Name       string `db:"name"        json:"name"`
	Repository string `db:"repository"  json:"repository"`
	Definition string `db:"definition"  json:"definition"`
	// Pipeline schedule in cron syntax
	Schedule *string `db:"schedule" json:"schedule,omitempty"`
	// Git ref for scheduled runs
	ScheduleRef *string `db:"schedule_ref" json:"schedule_ref,omitempty"`
	// Scheduled job ID
	ScheduleJobID *string   `db:"schedule_job_id" json:"-"`
	CreatedOn     time.Time `db:"created_on"      json:"created_on"`
}

type PipelineStore interface {
	CreatePipeline(context.Context, *Pipeline) error
	ReadPipelineByID(context.Context, string) (*Pipeline, error)
	ReadPipelineByName(context.Context, string) (*Pipeline, error)
	UpdatePipeline(context.Context, *Pipeline) error
	UpdatePipelineSchedule(context.Context, string, *string, *string) error
	UpdatePipelineScheduleJobID(context.Context, string, *string) error
	DeletePipeline(context.Context, string) error
	ListPipelines(context.Context) ([]*Pipeline, error)
	ListScheduledPipelines(context.Context) ([]*Pipeline, error)
}
