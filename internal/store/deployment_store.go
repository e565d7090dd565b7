package store

import (
	"context"
	"time"
)

type DeploymentStatus string

const (
	DeploymentPendingApproval DeploymentStatus = "pending_approval"
	DeploymentApproved        DeploymentStatus = "approved"
	DeploymentDeploying       DeploymentStatus = "deploying"
	DeploymentVerifying       DeploymentStatus = "verifying"
	DeploymentSucceeded       DeploymentStatus = "succeeded"
	DeploymentFailed          DeploymentStatus = "failed"
	DeploymentRolledBack      DeploymentStatus = "rolled_back"
)

func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentSucceeded, DeploymentFailed, DeploymentRolledBack:
		return true
	}
	return false
}

type Deployment struct {
	DeploymentID         string           `db:"deployment_id"          json:"deployment_id"`
	Environment          string           `db:"environment"            json:"environment"`
	Artifact             string           `db:"artifact"               json:"artifact"`
	Status               DeploymentStatus `db:"status"                 json:"status"`
	RequestedBy          string           `db:"requested_by"           json:"requested_by"`
	Emergency            bool             `db:"emergency"              json:"emergency"`
	PreviousDeploymentID *string          `db:"previous_deployment_id" json:"previous_deployment_id,omitempty"`
	RollbackAttempts     int64            `db:"rollback_attempts"      json:"rollback_attempts"`
	RunID                *string          `db:"run_id"                 json:"run_id,omitempty"`
	JobRunID             *string          `db:"job_run_id"             json:"job_run_id,omitempty"`
	FailureKind          *string          `db:"failure_kind"           json:"failure_kind,omitempty"`
	Failure              *string          `db:"failure"                json:"failure,omitempty"`
	CreatedOn            time.Time        `db:"created_on"             json:"created_on"`
	UpdatedOn            time.Time        `db:"updated_on"             json:"updated_on"`

	Approvals []Approval `db:"-" json:"approvals"`
}

type Approval struct {
	ApprovalDeploymentID string    `db:"approval_deployment_id" json:"-"`
	Approver             string    `db:"approver"               json:"approver"`
	ApprovedOn           time.Time `db:"approved_on"            json:"approved_on"`
}

type DeploymentWriter interface {
	CreateDeployment(context.Context, *Deployment) error
	UpdateDeployment(context.Context, *Deployment) error
	CreateApproval(context.Context, string, string, time.Time) error
	UpdateEnvironmentCurrent(context.Context, string, string) error
}

type DeploymentReader interface {
	ReadDeploymentByID(context.Context, string) (*Deployment, error)
	ReadEnvironmentCurrent(context.Context, string) (*Deployment, error)
	ListDeployments(context.Context, string, int64) ([]*Deployment, error)
	ListActiveDeployments(context.Context) ([]*Deployment, error)
}

type DeploymentStore interface {
	DeploymentWriter
	DeploymentReader
}
