package audit

import (
	"context"
	"time"
)

type Kind string

const (
	RunSubmitted Kind = "run.submitted"
	RunCancelled Kind = "run.cancelled"
	RunCompleted Kind = "run.completed"

	JobQueued     Kind = "job.queued"
	JobDispatched Kind = "job.dispatched"
	JobCompleted  Kind = "job.completed"
	JobRetried    Kind = "job.retried"
	JobSkipped    Kind = "job.skipped"

	CredentialIssued  Kind = "credential.issued"
	CredentialRevoked Kind = "credential.revoked"

	DeploymentRequested         Kind = "deployment.requested"
	DeploymentEmergencyOverride Kind = "deployment.emergency_override"
	DeploymentApproved          Kind = "deployment.approved"
	DeploymentTransition        Kind = "deployment.transition"
	DeploymentRollbackStarted   Kind = "deployment.rollback_started"
	DeploymentRollbackFailed    Kind = "deployment.rollback_failed"

	AgentProvisioned Kind = "agent.provisioned"
	AgentLost        Kind = "agent.lost"
	AgentTerminated  Kind = "agent.terminated"
)

// Event is one entry of the append-only log. Seq, OccurredOn, PrevHash and
// Hash are assigned by Append.
type Event struct {
	Seq        int64             `json:"seq"`
	Kind       Kind              `json:"kind"`
	Component  string            `json:"component"`
	Subject    string            `json:"subject"`
	Actor      string            `json:"actor"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredOn time.Time         `json:"occurred_on"`
	PrevHash   string            `json:"prev_hash"`
	Hash       string            `json:"hash"`
}

// Recorder appends events. Components depend on this rather than *Log.
type Recorder interface {
	Append(context.Context, Event) (Event, error)
}

// Sink receives appended events. Delivery is best effort; an error is
// logged and never reaches the caller of Append.
type Sink interface {
	Deliver(context.Context, Event) error
}
