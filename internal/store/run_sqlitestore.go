package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type RunSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewRunSQLiteStore(rdb, rwdb *sql.DB) *RunSQLiteStore {
	return &RunSQLiteStore{rdb, rwdb}
}

func (store *RunSQLiteStore) CreatePipelineRun(
	ctx context.Context,
	r *PipelineRun,
	jobRuns []*JobRun,
) error {
	tx, err := store.rwdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	runQuery := `insert into pipeline_runs (
		run_id,
		pipeline,
		repository,
		ref,
		event,
		sha,
		actor,
		trigger_context,
		definition,
		status,
		fail_fast,
		max_parallel,
		created_on
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if _, err := tx.ExecContext(
		ctx, runQuery,
		r.RunID,
		r.Pipeline,
		r.Repository,
		r.Ref,
		r.Event,
		r.SHA,
		r.Actor,
		r.TriggerContext,
		r.Definition,
		r.Status,
		r.FailFast,
		r.MaxParallel,
		r.CreatedOn,
	); err != nil {
		return err
	}

	jobQuery := `insert into job_runs (
		job_run_id,
		job_run_run_id,
		name,
		stage,
		status,
		skip_reason,
		created_on,
		ended_on
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, jr := range jobRuns {
		if _, err := tx.ExecContext(
			ctx, jobQuery,
			jr.JobRunID,
			jr.JobRunRunID,
			jr.Name,
			jr.Stage,
			jr.Status,
			jr.SkipReason,
			jr.CreatedOn,
			jr.EndedOn,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (store *RunSQLiteStore) UpdatePipelineRunStatus(
	ctx context.Context,
	id string,
	status RunStatus,
	failureKind, failure *string,
	startedOn, endedOn *time.Time,
) error {
	query := `update pipeline_runs
	set status = $1,
		failure_kind = coalesce($2, failure_kind),
		failure = coalesce($3, failure),
		started_on = coalesce($4, started_on),
		ended_on = coalesce($5, ended_on)
	where run_id = $6`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		status,
		failureKind,
		failure,
		startedOn,
		endedOn,
		id,
	)
	return err
}

func (store *RunSQLiteStore) UpdateJobRun(ctx context.Context, jr *JobRun) error {
	query := `update job_runs
	set status = $1,
		agent_id = $2,
		skip_reason = $3,
		exit_code = $4,
		retry_count = $5,
		failure_kind = $6,
		failure = $7,
		deployment_id = $8,
		started_on = $9,
		ended_on = $10
	where job_run_id = $11`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		jr.Status,
		jr.AgentID,
		jr.SkipReason,
		jr.ExitCode,
		jr.RetryCount,
		jr.FailureKind,
		jr.Failure,
		jr.DeploymentID,
		jr.StartedOn,
		jr.EndedOn,
		jr.JobRunID,
	)
	return err
}

func (store *RunSQLiteStore) ReadPipelineRunByID(ctx context.Context, id string) (*PipelineRun, error) {
	r := new(PipelineRun)
	query := "select * from pipeline_runs where run_id = $1"
	if err := sqlscan.Get(ctx, store.rdb, r, query, id); err != nil {
		return nil, notFound(err, "run", id)
	}
	return r, nil
}

func (store *RunSQLiteStore) ListJobRuns(ctx context.Context, runID string) ([]*JobRun, error) {
	query := `select * from job_runs
	where job_run_run_id = $1
	order by created_on, job_run_id`
	jobRuns := make([]*JobRun, 0)
	err := sqlscan.Select(ctx, store.rdb, &jobRuns, query, runID)
	return jobRuns, err
}

func (store *RunSQLiteStore) ListPipelineRuns(
	ctx context.Context,
	pipeline, ref string,
	limit int64,
) ([]*PipelineRun, error) {
	query := `select * from pipeline_runs
	where pipeline = $1 and ($2 = '' or ref = $3)
	order by created_on desc limit $4`
	runs := make([]*PipelineRun, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query, pipeline, ref, ref, limit)
	return runs, err
}

func (store *RunSQLiteStore) ListActivePipelineRuns(ctx context.Context) ([]*PipelineRun, error) {
	query := `select * from pipeline_runs
	where status in ('pending', 'queued', 'running')
	order by created_on`
	runs := make([]*PipelineRun, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query)
	return runs, err
}
