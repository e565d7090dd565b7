package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/haatos/simple-cd/internal/audit"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/policy"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const deploymentComponent = "deployments"

type DeployExecutor interface {
	Apply(ctx context.Context, environment, artifact string) error
}

type SmokeTester interface {
	Verify(ctx context.Context, environment, artifact string) error
}

type EnvironmentPolicy interface {
	Environment(name string) (*policy.Environment, bool)
}

type DeploymentObserver interface {
	DeploymentFinished(environment, status string)
}

type DeploymentRequest struct {
	Environment string
	Artifact    string
	RequestedBy string
	Emergency   bool
	RunID       *string
	JobRunID    *string
}

type DeploymentServicer interface {
	RequestDeployment(context.Context, DeploymentRequest) (*store.Deployment, error)
	Approve(ctx context.Context, deploymentID, approver string) (*store.Deployment, error)
	Rollback(ctx context.Context, deploymentID, actor string) (*store.Deployment, error)
	GetDeployment(context.Context, string) (*store.Deployment, error)
	ListDeployments(ctx context.Context, environment string, limit int64) ([]*store.Deployment, error)
}

// DeploymentService drives deployments through approval, rollout,
// verification and rollback. At most one deployment per environment is
// non-terminal; the environment lock is held from request until the
// deployment (and any automatic rollback) settles.
type DeploymentService struct {
	deploymentStore store.DeploymentStore
	environments    EnvironmentPolicy
	deployer        DeployExecutor
	smoke           SmokeTester
	recorder        audit.Recorder
	clock           clockwork.Clock
	observer        DeploymentObserver

	mu    sync.Mutex
	locks map[string]string

	// approvals and sweeps of pending deployments are serialized
	approveMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type DeploymentOption func(*DeploymentService)

func WithDeploymentClock(c clockwork.Clock) DeploymentOption {
	return func(s *DeploymentService) { s.clock = c }
}

func WithDeploymentObserver(o DeploymentObserver) DeploymentOption {
	return func(s *DeploymentService) { s.observer = o }
}

func NewDeploymentService(
	deploymentStore store.DeploymentStore,
	environments EnvironmentPolicy,
	deployer DeployExecutor,
	smoke SmokeTester,
	recorder audit.Recorder,
	opts ...DeploymentOption,
) *DeploymentService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &DeploymentService{
		deploymentStore: deploymentStore,
		environments:    environments,
		deployer:        deployer,
		smoke:           smoke,
		recorder:        recorder,
		clock:           clockwork.NewRealClock(),
		observer:        nopDeploymentObserver{},
		locks:           make(map[string]string),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type nopDeploymentObserver struct{}

func (nopDeploymentObserver) DeploymentFinished(string, string) {}

// RequestDeployment takes the environment lock and records a deployment of
// the artifact. Deployments to environments without approval start rolling
// out immediately; others wait in pending_approval for a quorum.
func (s *DeploymentService) RequestDeployment(
	ctx context.Context,
	req DeploymentRequest,
) (*store.Deployment, error) {
	env, err := s.environment(req.Environment, "request")
	if err != nil {
		return nil, err
	}
	if req.Artifact == "" {
		return nil, fault.Validation(deploymentComponent, "request", errors.New("artifact is required")).
			With("environment", env.Name)
	}

	now := s.clock.Now().UTC()
	window, blackout := env.InBlackout(now)
	if blackout && !req.Emergency {
		return nil, fault.Policy(
			deploymentComponent, "request",
			fmt.Errorf("%w: %s (%s)", fault.ErrMaintenanceWindowActive, env.Name, window.Spec),
		).With("environment", env.Name)
	}

	d := &store.Deployment{
		DeploymentID: uuid.NewString(),
		Environment:  env.Name,
		Artifact:     req.Artifact,
		Status:       store.DeploymentApproved,
		RequestedBy:  req.RequestedBy,
		Emergency:    req.Emergency,
		RunID:        req.RunID,
		JobRunID:     req.JobRunID,
		CreatedOn:    now,
		UpdatedOn:    now,
		Approvals:    []store.Approval{},
	}
	if env.RequiresApproval {
		d.Status = store.DeploymentPendingApproval
	}

	if err := s.lock(env.Name, d.DeploymentID); err != nil {
		return nil, err
	}
	current, err := s.deploymentStore.ReadEnvironmentCurrent(ctx, env.Name)
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		s.unlock(env.Name, d.DeploymentID)
		return nil, err
	}
	if current != nil {
		d.PreviousDeploymentID = &current.DeploymentID
	}
	if err := s.deploymentStore.CreateDeployment(ctx, d); err != nil {
		s.unlock(env.Name, d.DeploymentID)
		return nil, err
	}

	s.record(audit.DeploymentRequested, d, req.RequestedBy, map[string]string{
		"artifact":  d.Artifact,
		"status":    string(d.Status),
		"emergency": fmt.Sprint(d.Emergency),
	})
	if blackout {
		s.record(audit.DeploymentEmergencyOverride, d, req.RequestedBy, map[string]string{
			"window": window.Spec,
		})
		log.Warn().
			Str("deployment_id", d.DeploymentID).
			Str("environment", env.Name).
			Str("requested_by", req.RequestedBy).
			Msg("emergency deployment during maintenance window")
	}

	out := snapshot(d)
	if d.Status == store.DeploymentApproved {
		s.start(d, env)
	}
	return out, nil
}

// Approve records approver's approval. Approvals are counted per distinct
// authorized approver; reaching the environment's quorum starts the rollout.
func (s *DeploymentService) Approve(
	ctx context.Context,
	deploymentID, approver string,
) (*store.Deployment, error) {
	s.approveMu.Lock()
	defer s.approveMu.Unlock()

	d, err := s.deploymentStore.ReadDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.Status != store.DeploymentPendingApproval {
		return nil, invalidTransition("approve", d)
	}
	env, err := s.environment(d.Environment, "approve")
	if err != nil {
		return nil, err
	}
	if !env.Authorized(approver) {
		return nil, fault.Policy(
			deploymentComponent, "approve",
			fmt.Errorf("%w: %s for %s", fault.ErrApproverNotAuthorized, approver, env.Name),
		).With("environment", env.Name).With("approver", approver)
	}
	if slices.ContainsFunc(d.Approvals, func(a store.Approval) bool { return a.Approver == approver }) {
		return d, nil
	}

	now := s.clock.Now().UTC()
	if err := s.deploymentStore.CreateApproval(ctx, d.DeploymentID, approver, now); err != nil {
		return nil, err
	}
	d.Approvals = append(d.Approvals, store.Approval{
		ApprovalDeploymentID: d.DeploymentID,
		Approver:             approver,
		ApprovedOn:           now,
	})
	s.record(audit.DeploymentApproved, d, approver, map[string]string{
		"approvals": fmt.Sprint(len(d.Approvals)),
		"quorum":    fmt.Sprint(env.Quorum),
	})

	if len(d.Approvals) < max(env.Quorum, 1) {
		return d, nil
	}
	s.transition(d, store.DeploymentApproved, approver)
	out := snapshot(d)
	s.start(d, env)
	return out, nil
}

// Rollback redeploys the artifact of the deployment that was current before
// deploymentID. Only the environment's current deployment or a failed one
// can be rolled back.
func (s *DeploymentService) Rollback(
	ctx context.Context,
	deploymentID, actor string,
) (*store.Deployment, error) {
	d, err := s.deploymentStore.ReadDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case store.DeploymentFailed:
	case store.DeploymentSucceeded:
		current, err := s.deploymentStore.ReadEnvironmentCurrent(ctx, d.Environment)
		if err != nil {
			return nil, err
		}
		if current.DeploymentID != d.DeploymentID {
			return nil, invalidTransition("rollback", d)
		}
	default:
		return nil, invalidTransition("rollback", d)
	}
	env, err := s.environment(d.Environment, "rollback")
	if err != nil {
		return nil, err
	}
	if d.PreviousDeploymentID == nil {
		return nil, noRollbackTarget(d)
	}
	if err := s.lock(env.Name, d.DeploymentID); err != nil {
		return nil, err
	}

	out := snapshot(d)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.unlock(env.Name, d.DeploymentID)
		s.rollback(d, env, actor)
	}()
	return out, nil
}

func (s *DeploymentService) GetDeployment(ctx context.Context, deploymentID string) (*store.Deployment, error) {
	return s.deploymentStore.ReadDeploymentByID(ctx, deploymentID)
}

func (s *DeploymentService) ListDeployments(
	ctx context.Context,
	environment string,
	limit int64,
) ([]*store.Deployment, error) {
	return s.deploymentStore.ListDeployments(ctx, environment, limit)
}

// ExpireApprovals fails deployments that have waited for approval longer
// than their environment's approval timeout.
func (s *DeploymentService) ExpireApprovals(ctx context.Context) (int, error) {
	s.approveMu.Lock()
	defer s.approveMu.Unlock()

	active, err := s.deploymentStore.ListActiveDeployments(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now().UTC()
	expired := 0
	for _, d := range active {
		if d.Status != store.DeploymentPendingApproval {
			continue
		}
		env, ok := s.environments.Environment(d.Environment)
		if !ok || env.ApprovalTimeout <= 0 || now.Sub(d.CreatedOn) < env.ApprovalTimeout {
			continue
		}
		setDeploymentFailure(d, fault.Timeout(
			deploymentComponent, "approve",
			fmt.Errorf("approval not granted within %s: %w", env.ApprovalTimeout, fault.ErrTimeout),
		).With("environment", env.Name))
		s.transition(d, store.DeploymentFailed, schedulerActor)
		s.unlock(d.Environment, d.DeploymentID)
		s.observer.DeploymentFinished(d.Environment, string(d.Status))
		expired++
	}
	return expired, nil
}

// Recover restores the environment locks of deployments left non-terminal
// by a previous process. Approved deployments resume; deployments caught
// mid-rollout are failed without an automatic rollback.
func (s *DeploymentService) Recover(ctx context.Context) (int, error) {
	active, err := s.deploymentStore.ListActiveDeployments(ctx)
	if err != nil {
		return 0, err
	}
	for _, d := range active {
		env, ok := s.environments.Environment(d.Environment)
		if !ok {
			setDeploymentFailure(d, fault.Validation(deploymentComponent, "recover", fault.ErrUnknownEnvironment).
				With("environment", d.Environment))
			s.transition(d, store.DeploymentFailed, schedulerActor)
			continue
		}
		if err := s.lock(env.Name, d.DeploymentID); err != nil {
			log.Error().Err(err).Str("deployment_id", d.DeploymentID).Msg("recovering deployment")
			continue
		}
		switch d.Status {
		case store.DeploymentPendingApproval:
		case store.DeploymentApproved:
			s.start(d, env)
		default:
			setDeploymentFailure(d, fault.Infrastructure(
				deploymentComponent, "recover",
				fmt.Errorf("interrupted while %s", d.Status),
			).With("environment", env.Name))
			s.transition(d, store.DeploymentFailed, schedulerActor)
			s.unlock(env.Name, d.DeploymentID)
		}
		log.Info().
			Str("deployment_id", d.DeploymentID).
			Str("environment", d.Environment).
			Str("status", string(d.Status)).
			Msg("recovered deployment")
	}
	return len(active), nil
}

// Close stops in-flight rollouts and waits for them to settle.
func (s *DeploymentService) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *DeploymentService) start(d *store.Deployment, env *policy.Environment) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deploy(d, env)
	}()
}

func (s *DeploymentService) deploy(d *store.Deployment, env *policy.Environment) {
	defer s.unlock(env.Name, d.DeploymentID)

	s.transition(d, store.DeploymentDeploying, schedulerActor)
	err := s.apply(env, d.Artifact)
	if err == nil {
		s.transition(d, store.DeploymentVerifying, schedulerActor)
		err = s.verify(env, d.Artifact)
	}
	if err != nil {
		setDeploymentFailure(d, err)
		s.transition(d, store.DeploymentFailed, schedulerActor)
		s.observer.DeploymentFinished(env.Name, string(d.Status))
		log.Error().Err(err).
			Str("deployment_id", d.DeploymentID).
			Str("environment", env.Name).
			Msg("deployment failed")
		if env.AutoRollback && d.RollbackAttempts == 0 {
			s.rollback(d, env, schedulerActor)
		}
		return
	}

	s.transition(d, store.DeploymentSucceeded, schedulerActor)
	if err := s.deploymentStore.UpdateEnvironmentCurrent(context.Background(), env.Name, d.DeploymentID); err != nil {
		log.Error().Err(err).Str("environment", env.Name).Msg("updating current deployment")
	}
	s.observer.DeploymentFinished(env.Name, string(d.Status))
	log.Info().
		Str("deployment_id", d.DeploymentID).
		Str("environment", env.Name).
		Str("artifact", d.Artifact).
		Msg("deployment succeeded")
}

// rollback redeploys the previous deployment's artifact. A failed rollback
// leaves d failed and is not retried.
func (s *DeploymentService) rollback(d *store.Deployment, env *policy.Environment, actor string) {
	d.RollbackAttempts++
	d.UpdatedOn = s.clock.Now().UTC()
	s.save(d)

	target, err := s.rollbackTarget(d)
	if err != nil {
		s.rollbackFailed(d, actor, err)
		return
	}
	s.record(audit.DeploymentRollbackStarted, d, actor, map[string]string{
		"target":   target.DeploymentID,
		"artifact": target.Artifact,
		"attempt":  fmt.Sprint(d.RollbackAttempts),
	})

	err = s.apply(env, target.Artifact)
	if err == nil {
		err = s.verify(env, target.Artifact)
	}
	if err != nil {
		s.rollbackFailed(d, actor, err)
		return
	}

	s.transition(d, store.DeploymentRolledBack, actor)
	if err := s.deploymentStore.UpdateEnvironmentCurrent(context.Background(), env.Name, target.DeploymentID); err != nil {
		log.Error().Err(err).Str("environment", env.Name).Msg("updating current deployment")
	}
	s.observer.DeploymentFinished(env.Name, string(d.Status))
	log.Info().
		Str("deployment_id", d.DeploymentID).
		Str("environment", env.Name).
		Str("restored", target.DeploymentID).
		Msg("deployment rolled back")
}

func (s *DeploymentService) rollbackTarget(d *store.Deployment) (*store.Deployment, error) {
	if d.PreviousDeploymentID == nil {
		return nil, noRollbackTarget(d)
	}
	target, err := s.deploymentStore.ReadDeploymentByID(context.Background(), *d.PreviousDeploymentID)
	if err != nil {
		return nil, err
	}
	if target.Status != store.DeploymentSucceeded {
		return nil, noRollbackTarget(d)
	}
	return target, nil
}

func (s *DeploymentService) rollbackFailed(d *store.Deployment, actor string, err error) {
	if d.Status != store.DeploymentFailed {
		setDeploymentFailure(d, err)
		s.transition(d, store.DeploymentFailed, actor)
		s.observer.DeploymentFinished(d.Environment, string(d.Status))
	}
	s.record(audit.DeploymentRollbackFailed, d, actor, map[string]string{
		"failure_kind": string(fault.KindOf(err)),
		"failure":      err.Error(),
		"attempt":      fmt.Sprint(d.RollbackAttempts),
	})
	log.Error().Err(err).
		Str("deployment_id", d.DeploymentID).
		Str("environment", d.Environment).
		Msg("rollback failed, environment needs manual intervention")
}

func (s *DeploymentService) apply(env *policy.Environment, artifact string) error {
	err := s.deployer.Apply(s.ctx, env.Name, artifact)
	if err != nil && fault.KindOf(err) == fault.KindInternal {
		return fault.Execution(deploymentComponent, "apply", err).With("environment", env.Name)
	}
	return err
}

// verify runs the smoke tests bounded by the environment's timeout.
func (s *DeploymentService) verify(env *policy.Environment, artifact string) error {
	ctx, cancel := context.WithCancel(s.ctx)
	if env.SmokeTestTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, env.SmokeTestTimeout)
	}
	defer cancel()

	err := s.smoke.Verify(ctx, env.Name, artifact)
	switch {
	case err == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fault.Timeout(
			deploymentComponent, "verify",
			fmt.Errorf("smoke tests exceeded %s: %w", env.SmokeTestTimeout, fault.ErrTimeout),
		).With("environment", env.Name)
	case fault.KindOf(err) == fault.KindInternal:
		return fault.Execution(deploymentComponent, "verify", err).With("environment", env.Name)
	}
	return err
}

func (s *DeploymentService) environment(name, op string) (*policy.Environment, error) {
	env, ok := s.environments.Environment(name)
	if !ok {
		return nil, fault.Validation(
			deploymentComponent, op,
			fmt.Errorf("%w: %q", fault.ErrUnknownEnvironment, name),
		).With("environment", name)
	}
	return env, nil
}

func (s *DeploymentService) lock(environment, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.locks[environment]; ok {
		return fault.Policy(
			deploymentComponent, "lock",
			fmt.Errorf("%w: %s is held by deployment %s", fault.ErrEnvironmentBusy, environment, holder),
		).With("environment", environment)
	}
	s.locks[environment] = deploymentID
	return nil
}

func (s *DeploymentService) unlock(environment, deploymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[environment] == deploymentID {
		delete(s.locks, environment)
	}
}

func (s *DeploymentService) transition(d *store.Deployment, to store.DeploymentStatus, actor string) {
	from := d.Status
	d.Status = to
	d.UpdatedOn = s.clock.Now().UTC()
	s.save(d)

	attrs := map[string]string{"from": string(from), "to": string(to)}
	if to == store.DeploymentFailed && d.Failure != nil {
		attrs["failure"] = *d.Failure
		attrs["failure_kind"] = *d.FailureKind
	}
	s.record(audit.DeploymentTransition, d, actor, attrs)
}

func (s *DeploymentService) save(d *store.Deployment) {
	if err := s.deploymentStore.UpdateDeployment(context.Background(), d); err != nil {
		log.Error().Err(err).Str("deployment_id", d.DeploymentID).Msg("updating deployment")
	}
}

func (s *DeploymentService) record(kind audit.Kind, d *store.Deployment, actor string, attrs map[string]string) {
	attrs["environment"] = d.Environment
	if _, err := s.recorder.Append(context.Background(), audit.Event{
		Kind:       kind,
		Component:  deploymentComponent,
		Subject:    d.DeploymentID,
		Actor:      actor,
		Attributes: attrs,
	}); err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Str("deployment_id", d.DeploymentID).Msg("appending audit event")
	}
}

func setDeploymentFailure(d *store.Deployment, err error) {
	kind := string(fault.KindOf(err))
	failure := err.Error()
	d.FailureKind = &kind
	d.Failure = &failure
}

func invalidTransition(op string, d *store.Deployment) error {
	return fault.New(
		fault.KindConflict, deploymentComponent, op,
		fmt.Errorf("deployment %s is %s: %w", d.DeploymentID, d.Status, fault.ErrInvalidTransition),
	).With("environment", d.Environment)
}

func noRollbackTarget(d *store.Deployment) error {
	return fault.New(
		fault.KindConflict, deploymentComponent, "rollback",
		fmt.Errorf("%w for %s", fault.ErrNoRollbackTarget, d.Environment),
	).With("environment", d.Environment)
}

// snapshot copies d for returning while a rollout goroutine owns the
// original.
func snapshot(d *store.Deployment) *store.Deployment {
	out := *d
	out.Approvals = slices.Clone(d.Approvals)
	return &out
}
