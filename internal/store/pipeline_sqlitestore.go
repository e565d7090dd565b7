package store

import (
	"context"
	"database/sql"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type PipelineSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewPipelineSQLiteStore(rdb, rwdb *sql.DB) *PipelineSQLiteStore {
	return &PipelineSQLiteStore{rdb, rwdb}
}

func (store *PipelineSQLiteStore) CreatePipeline(ctx context.Context, p *Pipeline) error {
	query := `insert into pipelines (
		pipeline_id,
		name,
		repository,
		definition,
		schedule,
		schedule_ref
	)
	values ($1, $2, $3, $4, $5, $6)
	returning created_on`
	err := sqlscan.Get(
		ctx, store.rwdb, p, query,
		p.PipelineID,
		p.Name,
		p.Repository,
		p.Definition,
		p.Schedule,
		p.ScheduleRef,
	)
	return conflict(err, "pipeline", p.Name)
}

func (store *PipelineSQLiteStore) ReadPipelineByID(
	ctx context.Context,
	id string,
) (*Pipeline, error) {
	p := new(Pipeline)
	query := "select * from pipelines where pipeline_id = $1"
	if err := sqlscan.Get(ctx, store.rdb, p, query, id); err != nil {
		return nil, notFound(err, "pipeline", id)
	}
	return p, nil
}

func (store *PipelineSQLiteStore) ReadPipelineByName(
	ctx context.Context,
	name string,
) (*Pipeline, error) {
	p := new(Pipeline)
	query := "select * from pipelines where name = $1"
	if err := sqlscan.Get(ctx, store.rdb, p, query, name); err != nil {
		return nil, notFound(err, "pipeline", name)
	}
	return p, nil
}

func (store *PipelineSQLiteStore) UpdatePipeline(ctx context.Context, p *Pipeline) error {
	query := `update pipelines
	set name = $1,
		repository = $2,
		definition = $3
	where pipeline_id = $4`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		p.Name,
		p.Repository,
		p.Definition,
		p.PipelineID,
	)
	return conflict(err, "pipeline", p.Name)
}

func (store *PipelineSQLiteStore) UpdatePipelineSchedule(
	ctx context.Context,
	id string,
	schedule, ref *string,
) error {
	query := `update pipelines
	set schedule = $1,
		schedule_ref = $2
	where pipeline_id = $3`
	_, err := store.rwdb.ExecContext(ctx, query, schedule, ref, id)
	return err
}

func (store *PipelineSQLiteStore) UpdatePipelineScheduleJobID(
	ctx context.Context,
	id string,
	jobID *string,
) error {
	query := `update pipelines set schedule_job_id = $1 where pipeline_id = $2`
	_, err := store.rwdb.ExecContext(ctx, query, jobID, id)
	return err
}

func (store *PipelineSQLiteStore) DeletePipeline(ctx context.Context, id string) error {
	query := "delete from pipelines where pipeline_id = $1"
	res, err := store.rwdb.ExecContext(ctx, query, id)
	return affected(res, err, "pipeline", id)
}

func (store *PipelineSQLiteStore) ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	query := "select * from pipelines order by name"
	pipelines := make([]*Pipeline, 0)
	err := sqlscan.Select(ctx, store.rdb, &pipelines, query)
	return pipelines, err
}

func (store *PipelineSQLiteStore) ListScheduledPipelines(
	ctx context.Context,
) ([]*Pipeline, error) {
	query := `select * from pipelines
	where schedule is not null and schedule != ''
	order by name`
	pipelines := make([]*Pipeline, 0)
	err := sqlscan.Select(ctx, store.rdb, &pipelines, query)
	return pipelines, err
}
