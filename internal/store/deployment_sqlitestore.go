package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type DeploymentSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewDeploymentSQLiteStore(rdb, rwdb *sql.DB) *DeploymentSQLiteStore {
	return &DeploymentSQLiteStore{rdb, rwdb}
}

func (store *DeploymentSQLiteStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	query := `insert into deployments (
		deployment_id,
		environment,
		artifact,
		status,
		requested_by,
		emergency,
		previous_deployment_id,
		rollback_attempts,
		run_id,
		job_run_id,
		created_on,
		updated_on
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		d.DeploymentID,
		d.Environment,
		d.Artifact,
		d.Status,
		d.RequestedBy,
		d.Emergency,
		d.PreviousDeploymentID,
		d.RollbackAttempts,
		d.RunID,
		d.JobRunID,
		d.CreatedOn,
		d.UpdatedOn,
	)
	return err
}

func (store *DeploymentSQLiteStore) UpdateDeployment(ctx context.Context, d *Deployment) error {
	query := `update deployments
	set status = $1,
		rollback_attempts = $2,
		failure_kind = $3,
		failure = $4,
		updated_on = $5
	where deployment_id = $6`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		d.Status,
		d.RollbackAttempts,
		d.FailureKind,
		d.Failure,
		d.UpdatedOn,
		d.DeploymentID,
	)
	return err
}

func (store *DeploymentSQLiteStore) CreateApproval(
	ctx context.Context,
	deploymentID, approver string,
	approvedOn time.Time,
) error {
	query := `insert into deployment_approvals (
		approval_deployment_id,
		approver,
		approved_on
	)
	values ($1, $2, $3)`
	_, err := store.rwdb.ExecContext(ctx, query, deploymentID, approver, approvedOn)
	return err
}

func (store *DeploymentSQLiteStore) UpdateEnvironmentCurrent(
	ctx context.Context,
	environment, deploymentID string,
) error {
	query := `insert into environments (environment, current_deployment_id)
	values ($1, $2)
	on conflict (environment) do update set current_deployment_id = excluded.current_deployment_id`
	_, err := store.rwdb.ExecContext(ctx, query, environment, deploymentID)
	return err
}

func (store *DeploymentSQLiteStore) ReadDeploymentByID(
	ctx context.Context,
	id string,
) (*Deployment, error) {
	d := new(Deployment)
	query := `select * from deployments where deployment_id = $1`
	if err := sqlscan.Get(ctx, store.rdb, d, query, id); err != nil {
		return nil, notFound(err, "deployment", id)
	}
	if err := store.readApprovals(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (store *DeploymentSQLiteStore) ReadEnvironmentCurrent(
	ctx context.Context,
	environment string,
) (*Deployment, error) {
	d := new(Deployment)
	query := `select d.* from deployments d
	join environments e
	on e.current_deployment_id = d.deployment_id
	where e.environment = $1`
	if err := sqlscan.Get(ctx, store.rdb, d, query, environment); err != nil {
		return nil, notFound(err, "environment", environment)
	}
	if err := store.readApprovals(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (store *DeploymentSQLiteStore) ListDeployments(
	ctx context.Context,
	environment string,
	limit int64,
) ([]*Deployment, error) {
	query := `select * from deployments
	where environment = $1
	order by created_on desc limit $2`
	deployments := make([]*Deployment, 0)
	err := sqlscan.Select(ctx, store.rdb, &deployments, query, environment, limit)
	return deployments, err
}

func (store *DeploymentSQLiteStore) ListActiveDeployments(ctx context.Context) ([]*Deployment, error) {
	query := `select * from deployments
	where status in ('pending_approval', 'approved', 'deploying', 'verifying')
	order by created_on`
	deployments := make([]*Deployment, 0)
	if err := sqlscan.Select(ctx, store.rdb, &deployments, query); err != nil {
		return nil, err
	}
	for _, d := range deployments {
		if err := store.readApprovals(ctx, d); err != nil {
			return nil, err
		}
	}
	return deployments, nil
}

func (store *DeploymentSQLiteStore) readApprovals(ctx context.Context, d *Deployment) error {
	query := `select * from deployment_approvals
	where approval_deployment_id = $1
	order by approved_on, approver`
	approvals := make([]Approval, 0)
	if err := sqlscan.Select(ctx, store.rdb, &approvals, query, d.DeploymentID); err != nil {
		return err
	}
	d.Approvals = approvals
	return nil
}
