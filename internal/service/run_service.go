package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haatos/simple-cd/internal/audit"
	"github.com/haatos/simple-cd/internal/broker"
	"github.com/haatos/simple-cd/internal/cache"
	"github.com/haatos/simple-cd/internal/executor"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/pipeline"
	"github.com/haatos/simple-cd/internal/pool"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
)

const (
	schedulerComponent = "scheduler"
	schedulerActor     = "scheduler"

	// CredentialEnv carries the job's brokered token into its steps.
	CredentialEnv = "SIMPLECD_CREDENTIAL"
)

type AgentPool interface {
	Acquire(ctx context.Context, labels []string, timeout time.Duration) (*pool.Lease, error)
	Release(ctx context.Context, lease *pool.Lease)
}

type CredentialIssuer interface {
	Issue(ctx context.Context, scope broker.Scope, ttl time.Duration, requester string) (*broker.Credential, error)
	Revoke(ctx context.Context, cred *broker.Credential, actor string) error
}

type CacheStore interface {
	Get(namespace, key string, restoreKeys []string) (*cache.Hit, bool)
	Put(ctx context.Context, namespace, key string, payload io.Reader) (cache.Entry, error)
}

type DeploymentRequester interface {
	RequestDeployment(ctx context.Context, req DeploymentRequest) (*store.Deployment, error)
}

type RunObserver interface {
	RunCompleted(status string)
	JobCompleted(status string, d time.Duration)
	JobRetried()
	JobWaiting(delta int)
}

type RunServicer interface {
	Submit(context.Context, *pipeline.Definition, pipeline.TriggerContext, SubmitOptions) (*store.PipelineRun, error)
	Cancel(ctx context.Context, runID, actor string) error
	GetRun(context.Context, string) (*store.PipelineRun, []*store.JobRun, error)
	ListRuns(ctx context.Context, pipeline, ref string, limit int64) ([]*store.PipelineRun, error)
	JobLog(runID, job string) (io.ReadCloser, error)
}

type RunConfig struct {
	AgentWaitTimeout   time.Duration
	MaxRunningJobs     int64
	DefaultMaxParallel int64
	InfraRetries       uint64
	InfraRetryBackoff  time.Duration
	CredentialTTL      time.Duration
	// LogDir receives job output as <run id>/<job>.log. Output is
	// discarded when empty.
	LogDir string
}

type SubmitOptions struct {
	FailFast    bool
	MaxParallel int64
}

type RunService struct {
	runStore store.RunStore
	pool     AgentPool
	executor executor.Executor
	recorder audit.Recorder
	cfg      RunConfig

	clock       clockwork.Clock
	observer    RunObserver
	credentials CredentialIssuer
	cache       CacheStore
	deployments DeploymentRequester

	running *semaphore.Weighted
	active  *activeRuns
	wg      sync.WaitGroup
}

type RunOption func(*RunService)

func WithRunClock(c clockwork.Clock) RunOption {
	return func(s *RunService) { s.clock = c }
}

func WithRunObserver(o RunObserver) RunOption {
	return func(s *RunService) { s.observer = o }
}

func WithCredentials(c CredentialIssuer) RunOption {
	return func(s *RunService) { s.credentials = c }
}

func WithCache(c CacheStore) RunOption {
	return func(s *RunService) { s.cache = c }
}

func WithDeployments(d DeploymentRequester) RunOption {
	return func(s *RunService) { s.deployments = d }
}

func NewRunService(
	runStore store.RunStore,
	agents AgentPool,
	exec executor.Executor,
	recorder audit.Recorder,
	cfg RunConfig,
	opts ...RunOption,
) *RunService {
	if cfg.MaxRunningJobs <= 0 {
		cfg.MaxRunningJobs = 1
	}
	if cfg.DefaultMaxParallel <= 0 {
		cfg.DefaultMaxParallel = 1
	}
	if cfg.InfraRetryBackoff <= 0 {
		cfg.InfraRetryBackoff = time.Second
	}
	s := &RunService{
		runStore: runStore,
		pool:     agents,
		executor: exec,
		recorder: recorder,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		observer: nopRunObserver{},
		running:  semaphore.NewWeighted(cfg.MaxRunningJobs),
		active:   newActiveRuns(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type nopRunObserver struct{}

func (nopRunObserver) RunCompleted(string)                {}
func (nopRunObserver) JobCompleted(string, time.Duration) {}
func (nopRunObserver) JobRetried()                        {}
func (nopRunObserver) JobWaiting(int)                     {}

// cancelCause is the cancellation cause of a run stopped on request rather
// than by a job failure.
type cancelCause struct {
	reason string
	actor  string
}

func (c *cancelCause) Error() string {
	return "run cancelled: " + c.reason
}

var errFailFast = errors.New("cancelled after a job failed")

type runState struct {
	run  *store.PipelineRun
	def  *pipeline.Definition
	tc   pipeline.TriggerContext
	jobs map[string]*store.JobRun
	key  string

	ctx    context.Context
	cancel context.CancelCauseFunc
	events chan jobEvent
	after  <-chan struct{}
	done   chan struct{}
}

type jobEventKind int

const (
	jobStarted jobEventKind = iota
	jobRetrying
	jobDone
)

// jobEvent is a state report from a job's dispatch goroutine to its run's
// loop, the only writer of the run's JobRuns.
type jobEvent struct {
	job          string
	kind         jobEventKind
	agentID      string
	err          error
	exitCode     *int64
	deploymentID *string
}

// Submit records a run of def for tc and starts dispatching it. Jobs whose
// condition does not hold for tc are skipped up front. A still active run
// of the same pipeline and ref is cancelled, and finishes before this run
// dispatches anything.
func (s *RunService) Submit(
	ctx context.Context,
	def *pipeline.Definition,
	tc pipeline.TriggerContext,
	opts SubmitOptions,
) (*store.PipelineRun, error) {
	if def == nil {
		return nil, fault.Validation(schedulerComponent, "submit", fault.ErrInvalidDefinition)
	}
	tc = tc.Freeze()
	if tc.Repository == "" || tc.Ref == "" {
		return nil, fault.Validation(
			schedulerComponent, "submit",
			fmt.Errorf("%w: trigger requires repository and ref", fault.ErrInvalidDefinition),
		)
	}
	if tc.Event == "" {
		tc.Event = pipeline.EventManual
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = s.cfg.DefaultMaxParallel
	}
	tcJSON, err := json.Marshal(tc)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	run := &store.PipelineRun{
		RunID:          uuid.NewString(),
		Pipeline:       def.Name(),
		Repository:     tc.Repository,
		Ref:            tc.Ref,
		Event:          tc.Event,
		SHA:            tc.SHA,
		Actor:          tc.Actor,
		TriggerContext: string(tcJSON),
		Definition:     string(def.Source()),
		Status:         store.StatusQueued,
		FailFast:       opts.FailFast,
		MaxParallel:    maxParallel,
		CreatedOn:      now,
	}
	jobs := make(map[string]*store.JobRun)
	jobRuns := make([]*store.JobRun, 0)
	for _, name := range def.Order() {
		job, _ := def.Job(name)
		jr := &store.JobRun{
			JobRunID:    uuid.NewString(),
			JobRunRunID: run.RunID,
			Name:        job.Name,
			Stage:       job.Stage,
			Status:      store.StatusPending,
			CreatedOn:   now,
		}
		if !job.Matches(tc) {
			reason := store.SkipCondition
			jr.Status = store.StatusSkipped
			jr.SkipReason = &reason
			jr.EndedOn = &now
		}
		jobs[name] = jr
		jobRuns = append(jobRuns, jr)
	}
	if err := s.runStore.CreatePipelineRun(ctx, run, jobRuns); err != nil {
		return nil, err
	}
	submitted := *run

	runCtx, cancel := context.WithCancelCause(context.Background())
	rs := &runState{
		run:    run,
		def:    def,
		tc:     tc,
		jobs:   jobs,
		key:    run.Pipeline + "\x00" + run.Ref,
		ctx:    runCtx,
		cancel: cancel,
		events: make(chan jobEvent),
		done:   make(chan struct{}),
	}

	s.record(audit.RunSubmitted, run.RunID, tc.Actor, map[string]string{
		"pipeline": run.Pipeline,
		"ref":      run.Ref,
		"sha":      run.SHA,
		"event":    run.Event,
	})
	for _, jr := range jobRuns {
		if jr.Status == store.StatusSkipped {
			s.record(audit.JobSkipped, jr.JobRunID, schedulerActor, map[string]string{
				"run_id": run.RunID,
				"job":    jr.Name,
				"reason": string(store.SkipCondition),
			})
		}
	}

	if prev := s.active.add(rs); prev != nil {
		reason := "superseded by run " + run.RunID
		prev.cancel(&cancelCause{reason: reason, actor: tc.Actor})
		rs.after = prev.done
		s.record(audit.RunCancelled, prev.run.RunID, tc.Actor, map[string]string{"reason": reason})
		log.Info().
			Str("run_id", prev.run.RunID).
			Str("superseded_by", run.RunID).
			Msg("cancelling superseded run")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(rs)
	}()

	log.Info().
		Str("run_id", run.RunID).
		Str("pipeline", run.Pipeline).
		Str("ref", run.Ref).
		Int("jobs", len(jobRuns)).
		Msg("run submitted")
	return &submitted, nil
}

// Cancel stops an active run. Queued and running jobs end cancelled.
func (s *RunService) Cancel(ctx context.Context, runID, actor string) error {
	rs, ok := s.active.get(runID)
	if !ok {
		run, err := s.runStore.ReadPipelineRunByID(ctx, runID)
		if err != nil {
			return err
		}
		return fault.New(
			fault.KindConflict, schedulerComponent, "cancel",
			fmt.Errorf("run %s is %s: %w", runID, run.Status, fault.ErrInvalidTransition),
		)
	}
	reason := "cancelled by " + actor
	rs.cancel(&cancelCause{reason: reason, actor: actor})
	s.record(audit.RunCancelled, runID, actor, map[string]string{"reason": reason})
	return nil
}

// Wait blocks until the run's dispatch loop has finished. A run that is not
// active returns immediately.
func (s *RunService) Wait(ctx context.Context, runID string) error {
	rs, ok := s.active.get(runID)
	if !ok {
		return nil
	}
	select {
	case <-rs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RunService) GetRun(ctx context.Context, runID string) (*store.PipelineRun, []*store.JobRun, error) {
	run, err := s.runStore.ReadPipelineRunByID(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	jobs, err := s.runStore.ListJobRuns(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, jobs, nil
}

func (s *RunService) ListRuns(
	ctx context.Context,
	pipelineName, ref string,
	limit int64,
) ([]*store.PipelineRun, error) {
	return s.runStore.ListPipelineRuns(ctx, pipelineName, ref, limit)
}

// JobLog opens the recorded output of a job.
func (s *RunService) JobLog(runID, job string) (io.ReadCloser, error) {
	if s.cfg.LogDir == "" {
		return nil, fmt.Errorf("job output is not recorded: %w", fault.ErrNotFound)
	}
	if strings.ContainsAny(runID+job, `/\`) || strings.Contains(runID+job, "..") {
		return nil, fault.Validation(schedulerComponent, "log", fmt.Errorf("invalid run or job name"))
	}
	f, err := os.Open(filepath.Join(s.cfg.LogDir, runID, job+".log"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("log of job %s in run %s: %w", job, runID, fault.ErrNotFound)
	}
	return f, err
}

// Recover fails runs left unfinished by a previous process. Their
// unfinished jobs end cancelled.
func (s *RunService) Recover(ctx context.Context) (int, error) {
	runs, err := s.runStore.ListActivePipelineRuns(ctx)
	if err != nil {
		return 0, err
	}
	const reason = "interrupted"
	kind := string(fault.KindInfrastructure)
	for _, run := range runs {
		now := s.clock.Now().UTC()
		jobs, err := s.runStore.ListJobRuns(ctx, run.RunID)
		if err != nil {
			return 0, err
		}
		for _, jr := range jobs {
			if jr.Status.Terminal() {
				continue
			}
			failure := reason
			jr.Status = store.StatusCancelled
			jr.Failure = &failure
			jr.EndedOn = &now
			if err := s.runStore.UpdateJobRun(ctx, jr); err != nil {
				return 0, err
			}
		}
		failure := reason
		if err := s.runStore.UpdatePipelineRunStatus(
			ctx, run.RunID, store.StatusFailed, &kind, &failure, run.StartedOn, &now,
		); err != nil {
			return 0, err
		}
		s.record(audit.RunCompleted, run.RunID, schedulerActor, map[string]string{
			"status": string(store.StatusFailed),
			"reason": reason,
		})
		log.Warn().Str("run_id", run.RunID).Msg("failed interrupted run")
	}
	return len(runs), nil
}

// Shutdown cancels every active run and waits for their loops to finish.
func (s *RunService) Shutdown(ctx context.Context) error {
	for _, rs := range s.active.all() {
		rs.cancel(&cancelCause{reason: "shutdown", actor: schedulerActor})
	}
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

func (s *RunService) runLoop(rs *runState) {
	defer close(rs.done)
	if rs.after != nil {
		<-rs.after
	}

	now := s.clock.Now().UTC()
	rs.run.Status = store.StatusRunning
	rs.run.StartedOn = &now
	s.saveRun(rs.run)

	var ready []string
	inFlight := 0
	for {
		if rs.ctx.Err() == nil {
			ready = append(ready, s.promote(rs)...)
			for inFlight < int(rs.run.MaxParallel) && len(ready) > 0 {
				name := ready[0]
				ready = ready[1:]
				inFlight++
				job, _ := rs.def.Job(name)
				go s.dispatch(rs, job, rs.jobs[name].JobRunID)
			}
		}
		if inFlight == 0 && (len(ready) == 0 || rs.ctx.Err() != nil) {
			break
		}
		if s.apply(rs, <-rs.events) {
			inFlight--
		}
	}
	s.finish(rs)
}

// promote moves pending jobs whose needs are all terminal to queued, or
// skips them when an upstream outcome rules them out. Jobs are visited in
// topological order so skips cascade in one pass.
func (s *RunService) promote(rs *runState) []string {
	var ready []string
	for _, name := range rs.def.Order() {
		jr := rs.jobs[name]
		if jr.Status != store.StatusPending {
			continue
		}
		job, _ := rs.def.Job(name)
		ok, skip := readiness(job, rs.jobs)
		switch {
		case skip != "":
			now := s.clock.Now().UTC()
			jr.Status = store.StatusSkipped
			jr.SkipReason = &skip
			jr.EndedOn = &now
			s.saveJob(jr)
			s.record(audit.JobSkipped, jr.JobRunID, schedulerActor, map[string]string{
				"run_id": rs.run.RunID,
				"job":    jr.Name,
				"reason": string(skip),
			})
		case ok:
			jr.Status = store.StatusQueued
			s.saveJob(jr)
			s.record(audit.JobQueued, jr.JobRunID, schedulerActor, map[string]string{
				"run_id": rs.run.RunID,
				"job":    jr.Name,
			})
			ready = append(ready, name)
		}
	}
	return ready
}

// readiness reports whether job may be queued, or why it must be skipped.
// A failed, cancelled or failure-skipped need skips the job unless it runs
// always; a need skipped otherwise counts as success only for jobs with
// skip-is-success.
func readiness(job pipeline.Job, jobs map[string]*store.JobRun) (bool, store.SkipReason) {
	upstreamFailed, upstreamSkipped := false, false
	for _, need := range job.Needs {
		jr := jobs[need]
		if !jr.Status.Terminal() {
			return false, ""
		}
		switch jr.Status {
		case store.StatusFailed, store.StatusCancelled:
			upstreamFailed = true
		case store.StatusSkipped:
			if jr.SkipReason != nil && *jr.SkipReason == store.SkipUpstreamFailed {
				upstreamFailed = true
			} else {
				upstreamSkipped = true
			}
		}
	}
	switch {
	case job.Policy == pipeline.RunAlways:
		return true, ""
	case upstreamFailed:
		return false, store.SkipUpstreamFailed
	case upstreamSkipped && !job.SkipIsSuccess:
		return false, store.SkipUpstreamSkipped
	}
	return true, ""
}

// apply folds a job event into the run's state. It reports whether the
// event ended the job's dispatch.
func (s *RunService) apply(rs *runState, ev jobEvent) bool {
	jr := rs.jobs[ev.job]
	now := s.clock.Now().UTC()

	switch ev.kind {
	case jobStarted:
		jr.Status = store.StatusRunning
		jr.AgentID = &ev.agentID
		if jr.StartedOn == nil {
			jr.StartedOn = &now
		}
		s.saveJob(jr)
		s.record(audit.JobDispatched, jr.JobRunID, schedulerActor, map[string]string{
			"run_id":   rs.run.RunID,
			"job":      jr.Name,
			"agent_id": ev.agentID,
		})
		return false

	case jobRetrying:
		jr.Status = store.StatusQueued
		jr.RetryCount++
		setJobFailure(jr, ev.err)
		s.saveJob(jr)
		s.record(audit.JobRetried, jr.JobRunID, schedulerActor, map[string]string{
			"run_id":       rs.run.RunID,
			"job":          jr.Name,
			"attempt":      fmt.Sprint(jr.RetryCount + 1),
			"failure_kind": string(fault.KindOf(ev.err)),
		})
		s.observer.JobRetried()
		log.Warn().Err(ev.err).
			Str("run_id", rs.run.RunID).
			Str("job", jr.Name).
			Int64("retry", jr.RetryCount).
			Msg("retrying job")
		return false
	}

	jr.Status = store.StatusSucceeded
	jr.FailureKind, jr.Failure = nil, nil
	if ev.err != nil {
		jr.Status = store.StatusFailed
		if rs.ctx.Err() != nil || fault.Is(ev.err, fault.KindCancelled) {
			jr.Status = store.StatusCancelled
		}
		setJobFailure(jr, ev.err)
	}
	jr.EndedOn = &now
	jr.ExitCode = ev.exitCode
	jr.DeploymentID = ev.deploymentID
	s.saveJob(jr)

	attrs := map[string]string{
		"run_id": rs.run.RunID,
		"job":    jr.Name,
		"status": string(jr.Status),
	}
	if jr.AgentID != nil {
		attrs["agent_id"] = *jr.AgentID
	}
	if ev.err != nil {
		attrs["failure_kind"] = string(fault.KindOf(ev.err))
		attrs["failure"] = ev.err.Error()
		maps.Copy(attrs, fault.ContextOf(ev.err))
	}
	s.record(audit.JobCompleted, jr.JobRunID, schedulerActor, attrs)

	var took time.Duration
	if jr.StartedOn != nil {
		took = now.Sub(*jr.StartedOn)
	}
	s.observer.JobCompleted(string(jr.Status), took)

	if jr.Status == store.StatusFailed && rs.run.FailFast {
		rs.cancel(errFailFast)
	}
	return true
}

func setJobFailure(jr *store.JobRun, err error) {
	kind := string(fault.KindOf(err))
	failure := err.Error()
	jr.FailureKind = &kind
	jr.Failure = &failure
}

// finish cancels whatever never ran and settles the run's status.
func (s *RunService) finish(rs *runState) {
	now := s.clock.Now().UTC()
	cause := context.Cause(rs.ctx)

	jobFailed := ""
	for _, name := range rs.def.Order() {
		jr := rs.jobs[name]
		if !jr.Status.Terminal() {
			jr.Status = store.StatusCancelled
			jr.EndedOn = &now
			if cause != nil {
				failure := cause.Error()
				jr.Failure = &failure
			}
			s.saveJob(jr)
			s.record(audit.JobCompleted, jr.JobRunID, schedulerActor, map[string]string{
				"run_id": rs.run.RunID,
				"job":    jr.Name,
				"status": string(jr.Status),
			})
		}
		switch {
		case jr.Status == store.StatusFailed && (jobFailed == "" || rs.jobs[jobFailed].Status != store.StatusFailed):
			jobFailed = jr.Name
		case jr.Status == store.StatusCancelled && jobFailed == "":
			jobFailed = jr.Name
		}
	}

	var cc *cancelCause
	switch {
	case errors.As(cause, &cc):
		failure := cc.reason
		kind := string(fault.KindCancelled)
		rs.run.Status = store.StatusCancelled
		rs.run.Failure = &failure
		rs.run.FailureKind = &kind
	case jobFailed != "":
		failure := fmt.Sprintf("job %s: %s", jobFailed, fault.ErrJobFailed)
		rs.run.Status = store.StatusFailed
		rs.run.Failure = &failure
		rs.run.FailureKind = rs.jobs[jobFailed].FailureKind
	default:
		rs.run.Status = store.StatusSucceeded
	}
	rs.run.EndedOn = &now
	s.saveRun(rs.run)
	rs.cancel(nil)

	attrs := map[string]string{"status": string(rs.run.Status)}
	if rs.run.Failure != nil {
		attrs["reason"] = *rs.run.Failure
	}
	s.record(audit.RunCompleted, rs.run.RunID, schedulerActor, attrs)
	s.observer.RunCompleted(string(rs.run.Status))
	log.Info().
		Str("run_id", rs.run.RunID).
		Str("pipeline", rs.run.Pipeline).
		Str("status", string(rs.run.Status)).
		Msg("run finished")
	s.active.remove(rs)
}

// dispatch runs job until it succeeds or its retries are exhausted.
// Execution failures are retried up to the job's retry count,
// infrastructure failures with exponential backoff up to the configured
// limit.
func (s *RunService) dispatch(rs *runState, job pipeline.Job, jobRunID string) {
	backoff := retry.WithMaxRetries(s.cfg.InfraRetries, retry.NewExponential(s.cfg.InfraRetryBackoff))
	executions := 0
	for {
		res := s.attempt(rs, job, jobRunID)
		if res.err == nil || rs.ctx.Err() != nil {
			res.job, res.kind = job.Name, jobDone
			rs.events <- res
			return
		}

		again := false
		switch {
		case fault.Is(res.err, fault.KindExecution) && executions < job.Retries:
			executions++
			again = true
		case infrastructureFailure(res.err):
			if delay, stop := backoff.Next(); !stop {
				select {
				case <-s.clock.After(delay):
					again = true
				case <-rs.ctx.Done():
				}
			}
		}
		if !again {
			res.job, res.kind = job.Name, jobDone
			rs.events <- res
			return
		}
		rs.events <- jobEvent{job: job.Name, kind: jobRetrying, err: res.err}
	}
}

func infrastructureFailure(err error) bool {
	return fault.Is(err, fault.KindInfrastructure) ||
		errors.Is(err, fault.ErrProvisioningFailed) ||
		errors.Is(err, fault.ErrAgentLost)
}

// attempt runs job once on a freshly leased agent. The global running slot
// is taken only once the agent is leased, so jobs waiting on a scarce label
// do not hold it.
func (s *RunService) attempt(rs *runState, job pipeline.Job, jobRunID string) jobEvent {
	s.observer.JobWaiting(1)
	lease, err := s.pool.Acquire(rs.ctx, job.Labels, s.cfg.AgentWaitTimeout)
	s.observer.JobWaiting(-1)
	if err != nil {
		return jobEvent{err: err}
	}
	defer s.pool.Release(context.Background(), lease)

	if err := s.running.Acquire(rs.ctx, 1); err != nil {
		return jobEvent{err: fault.New(fault.KindCancelled, schedulerComponent, "dispatch", errors.Join(fault.ErrCancelled, err))}
	}
	defer s.running.Release(1)
	rs.events <- jobEvent{job: job.Name, kind: jobStarted, agentID: lease.Agent.ID}

	ctx, cancel := context.WithCancelCause(rs.ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-lease.Lost():
			cancel(fault.ErrAgentLost)
		case <-ctx.Done():
		}
	}()

	out, closeOut := s.output(rs.run.RunID, job.Name)
	defer closeOut()

	ej := executor.Job{
		RunID:      rs.run.RunID,
		JobRunID:   jobRunID,
		Name:       job.Name,
		Repository: rs.tc.Repository,
		Ref:        rs.tc.Ref,
		SHA:        rs.tc.SHA,
		Steps:      job.Steps,
		Env:        jobEnv(rs, job),
		Timeout:    job.Timeout,
		Agent:      lease.Agent,
	}

	if job.Secrets != nil {
		cred, err := s.issueCredential(ctx, rs, job)
		if err != nil {
			return jobEvent{err: err}
		}
		defer func() {
			if err := s.credentials.Revoke(context.Background(), cred, schedulerActor); err != nil {
				log.Error().Err(err).Str("credential", cred.ID).Msg("revoking job credential")
			}
		}()
		ej.Env[CredentialEnv] = cred.Token
	}

	if err := s.executor.Checkout(ctx, ej, out); err != nil {
		return jobEvent{err: agentLost(ctx, lease, err)}
	}
	saveKey := s.restoreCache(ctx, rs, job, ej, out)

	result, err := s.executor.Execute(ctx, ej, out)
	code := int64(result.ExitCode)
	if err != nil {
		return jobEvent{err: agentLost(ctx, lease, err), exitCode: &code}
	}
	if saveKey != "" {
		s.saveCache(ctx, rs, job, ej, saveKey, out)
	}

	res := jobEvent{exitCode: &code}
	if job.Deploy != nil {
		d, err := s.requestDeployment(ctx, rs, job, jobRunID)
		if err != nil {
			res.err = err
		} else {
			res.deploymentID = &d.DeploymentID
			fmt.Fprintf(out, "Requested deployment %s to %s\n", d.DeploymentID, d.Environment)
		}
	}
	return res
}

// agentLost replaces err with an infrastructure failure when the job was
// stopped because its agent stopped heartbeating.
func agentLost(ctx context.Context, lease *pool.Lease, err error) error {
	if !errors.Is(context.Cause(ctx), fault.ErrAgentLost) {
		return err
	}
	return fault.Infrastructure(
		schedulerComponent, "execute",
		fmt.Errorf("agent %s: %w", lease.Agent.ID, fault.ErrAgentLost),
	).With("agent_id", lease.Agent.ID)
}

func jobEnv(rs *runState, job pipeline.Job) map[string]string {
	return map[string]string{
		"CI":                  "true",
		"SIMPLECD_RUN_ID":     rs.run.RunID,
		"SIMPLECD_PIPELINE":   rs.run.Pipeline,
		"SIMPLECD_JOB":        job.Name,
		"SIMPLECD_REPOSITORY": rs.tc.Repository,
		"SIMPLECD_REF":        rs.tc.Ref,
		"SIMPLECD_BRANCH":     rs.tc.Branch(),
		"SIMPLECD_SHA":        rs.tc.SHA,
		"SIMPLECD_EVENT":      rs.tc.Event,
	}
}

func (s *RunService) issueCredential(ctx context.Context, rs *runState, job pipeline.Job) (*broker.Credential, error) {
	if s.credentials == nil {
		return nil, fault.Infrastructure(
			schedulerComponent, "credential",
			fmt.Errorf("job %s declares secrets but no credential broker is configured", job.Name),
		)
	}
	return s.credentials.Issue(ctx, broker.Scope{
		Repository:  rs.tc.Repository,
		Environment: job.Secrets.Environment,
		Ref:         rs.tc.Ref,
	}, s.cfg.CredentialTTL, rs.run.Actor)
}

func (s *RunService) requestDeployment(
	ctx context.Context,
	rs *runState,
	job pipeline.Job,
	jobRunID string,
) (*store.Deployment, error) {
	if s.deployments == nil {
		return nil, fault.Infrastructure(
			schedulerComponent, "deploy",
			fmt.Errorf("job %s deploys but no deployment service is configured", job.Name),
		)
	}
	runID := rs.run.RunID
	return s.deployments.RequestDeployment(ctx, DeploymentRequest{
		Environment: job.Deploy.Environment,
		Artifact:    rs.tc.Expand(job.Deploy.Artifact),
		RequestedBy: rs.run.Actor,
		Emergency:   job.Deploy.Emergency,
		RunID:       &runID,
		JobRunID:    &jobRunID,
	})
}

var hashTemplate = regexp.MustCompile(`\{\{\s*hash\s+([^}]+)\}\}`)

// cacheKey expands {{hash <files>}} with the hash of those files on the
// agent, then the trigger placeholders.
func (s *RunService) cacheKey(ctx context.Context, rs *runState, ej executor.Job, key string) (string, error) {
	var hashErr error
	key = hashTemplate.ReplaceAllStringFunc(key, func(m string) string {
		files := strings.Fields(hashTemplate.FindStringSubmatch(m)[1])
		h, err := s.executor.HashFiles(ctx, ej, files)
		if err != nil && hashErr == nil {
			hashErr = err
		}
		return h
	})
	if hashErr != nil {
		return "", hashErr
	}
	return rs.tc.Expand(key), nil
}

// restoreCache restores the best matching entry into the job directory. It
// returns the key to save under after the job succeeds, or "" when the
// exact key was restored.
func (s *RunService) restoreCache(
	ctx context.Context,
	rs *runState,
	job pipeline.Job,
	ej executor.Job,
	out io.Writer,
) string {
	if job.Cache == nil || s.cache == nil {
		return ""
	}
	key, err := s.cacheKey(ctx, rs, ej, job.Cache.Key)
	if err != nil {
		fmt.Fprintf(out, "Cache disabled, resolving key failed: %v\n", err)
		return ""
	}
	restoreKeys := make([]string, 0, len(job.Cache.RestoreKeys))
	for _, rk := range job.Cache.RestoreKeys {
		restoreKeys = append(restoreKeys, rs.tc.Expand(rk))
	}

	hit, ok := s.cache.Get(rs.run.Repository, key, restoreKeys)
	if !ok {
		fmt.Fprintf(out, "Cache miss for key %s\n", key)
		return key
	}
	defer hit.Release()

	rc, err := hit.Open()
	if err != nil {
		log.Warn().Err(err).Str("key", hit.Entry.Key).Msg("opening cache entry")
		return key
	}
	defer rc.Close()
	if err := s.executor.Restore(ctx, ej, rc); err != nil {
		log.Warn().Err(err).Str("key", hit.Entry.Key).Str("job", job.Name).Msg("restoring cache")
		return key
	}
	fmt.Fprintf(out, "Restored cache from key %s\n", hit.Entry.Key)
	if hit.Exact {
		return ""
	}
	return key
}

func (s *RunService) saveCache(
	ctx context.Context,
	rs *runState,
	job pipeline.Job,
	ej executor.Job,
	key string,
	out io.Writer,
) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.executor.Save(ctx, ej, job.Cache.Paths, pw))
	}()
	entry, err := s.cache.Put(ctx, rs.run.Repository, key, pr)
	pr.Close()

	switch {
	case errors.Is(err, fault.ErrAlreadyExists):
		fmt.Fprintf(out, "Cache key %s already saved\n", key)
	case err != nil:
		log.Warn().Err(err).Str("key", key).Str("job", job.Name).Msg("saving cache")
		fmt.Fprintf(out, "Saving cache failed: %v\n", err)
	default:
		fmt.Fprintf(out, "Saved cache key %s (%d bytes)\n", key, entry.Size)
	}
}

// output opens the job's log file for appending.
func (s *RunService) output(runID, job string) (io.Writer, func()) {
	if s.cfg.LogDir == "" {
		return io.Discard, func() {}
	}
	dir := filepath.Join(s.cfg.LogDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("creating job log directory")
		return io.Discard, func() {}
	}
	f, err := os.OpenFile(filepath.Join(dir, job+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error().Err(err).Str("job", job).Msg("opening job log")
		return io.Discard, func() {}
	}
	return f, func() { f.Close() }
}

func (s *RunService) saveRun(run *store.PipelineRun) {
	if err := s.runStore.UpdatePipelineRunStatus(
		context.Background(),
		run.RunID, run.Status, run.FailureKind, run.Failure, run.StartedOn, run.EndedOn,
	); err != nil {
		log.Error().Err(err).Str("run_id", run.RunID).Msg("updating run")
	}
}

func (s *RunService) saveJob(jr *store.JobRun) {
	if err := s.runStore.UpdateJobRun(context.Background(), jr); err != nil {
		log.Error().Err(err).Str("job_run_id", jr.JobRunID).Msg("updating job run")
	}
}

func (s *RunService) record(kind audit.Kind, subject, actor string, attrs map[string]string) {
	if _, err := s.recorder.Append(context.Background(), audit.Event{
		Kind:       kind,
		Component:  schedulerComponent,
		Subject:    subject,
		Actor:      actor,
		Attributes: attrs,
	}); err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Str("subject", subject).Msg("appending audit event")
	}
}
