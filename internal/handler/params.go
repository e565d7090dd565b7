package handler

import "github.com/haatos/simple-cd/internal/store"

type TriggerParams struct {
	Repository   string   `json:"repository"`
	Ref          string   `json:"ref"`
	Event        string   `json:"event"`
	SHA          string   `json:"sha"`
	ChangedFiles []string `json:"changed_files"`
	FailFast     bool     `json:"fail_fast"`
	MaxParallel  int64    `json:"max_parallel"`
}

type SubmitRunParams struct {
	TriggerParams
	Definition string `json:"definition"`
}

type RunParams struct {
	RunID string `param:"run_id"`
	Job   string `param:"job"`
}

type ListRunsParams struct {
	Pipeline string `query:"pipeline"`
	Ref      string `query:"ref"`
	Limit    int64  `query:"limit"`
}

type DeploymentParams struct {
	DeploymentID string `param:"deployment_id"`
}

type PostDeploymentParams struct {
	Environment string `json:"environment"`
	Artifact    string `json:"artifact"`
	Emergency   bool   `json:"emergency"`
}

type ListDeploymentsParams struct {
	Environment string `query:"environment"`
	Limit       int64  `query:"limit"`
}

type AuditParams struct {
	After int64 `query:"after"`
	Limit int64 `query:"limit"`
}

type AgentParams struct {
	AgentID string `param:"agent_id"`
}

type ExchangeParams struct {
	Token string `json:"token"`
}

type PipelineParams struct {
	PipelineID string `param:"pipeline_id"`
}

type PipelineRunParams struct {
	TriggerParams
	PipelineID string `param:"pipeline_id"`
}

type PostPipelineParams struct {
	Repository string `json:"repository"`
	Definition string `json:"definition"`
}

type PipelineScheduleParams struct {
	PipelineID string  `param:"pipeline_id"`
	Schedule   *string `json:"schedule"`
	Ref        *string `json:"ref"`
}

type APIKeyParams struct {
	APIKeyID string `param:"api_key_id"`
}

type PostAPIKeyParams struct {
	Principal string     `json:"principal"`
	Role      store.Role `json:"role"`
}
