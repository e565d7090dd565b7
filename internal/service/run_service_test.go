package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haatos/simple-cd/internal/audit"
	"github.com/haatos/simple-cd/internal/broker"
	"github.com/haatos/simple-cd/internal/cache"
	"github.com/haatos/simple-cd/internal/executor"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/pipeline"
	"github.com/haatos/simple-cd/internal/pool"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(db, "sqlite"))
	t.Cleanup(func() { db.Close() })
	return db
}

type eventRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *eventRecorder) Append(_ context.Context, e audit.Event) (audit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return e, nil
}

func (r *eventRecorder) count(kind audit.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(kind audit.Kind) (audit.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return audit.Event{}, false
}

type jobScript func(ctx context.Context, job executor.Job, attempt int) (executor.Result, error)

// scriptedExecutor runs jobs by name from scripts; jobs without a script
// succeed.
type scriptedExecutor struct {
	mu       sync.Mutex
	scripts  map[string]jobScript
	attempts map[string]int
	trace    []string
	env      map[string]map[string]string
	hash     string
	archive  []byte
	restored [][]byte
	saves    int
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		scripts:  make(map[string]jobScript),
		attempts: make(map[string]int),
		env:      make(map[string]map[string]string),
	}
}

func (e *scriptedExecutor) Checkout(ctx context.Context, job executor.Job, out io.Writer) error {
	return nil
}

func (e *scriptedExecutor) Execute(ctx context.Context, job executor.Job, out io.Writer) (executor.Result, error) {
	e.mu.Lock()
	e.attempts[job.Name]++
	attempt := e.attempts[job.Name]
	e.trace = append(e.trace, "start:"+job.RunID+"/"+job.Name)
	e.env[job.Name] = job.Env
	script := e.scripts[job.Name]
	e.mu.Unlock()
	fmt.Fprintf(out, "running %s\n", job.Name)

	result, err := executor.Result{Steps: len(job.Steps)}, error(nil)
	if script != nil {
		result, err = script(ctx, job, attempt)
	}

	e.mu.Lock()
	e.trace = append(e.trace, "end:"+job.RunID+"/"+job.Name)
	e.mu.Unlock()
	return result, err
}

func (e *scriptedExecutor) Restore(ctx context.Context, job executor.Job, archive io.Reader) error {
	b, err := io.ReadAll(archive)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restored = append(e.restored, b)
	return err
}

func (e *scriptedExecutor) Save(ctx context.Context, job executor.Job, paths []string, archive io.Writer) error {
	e.mu.Lock()
	e.saves++
	payload := e.archive
	e.mu.Unlock()
	_, err := archive.Write(payload)
	return err
}

func (e *scriptedExecutor) HashFiles(ctx context.Context, job executor.Job, paths []string) (string, error) {
	return e.hash, nil
}

func (e *scriptedExecutor) position(event, runID, job string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Index(e.trace, event+":"+runID+"/"+job)
}

func (e *scriptedExecutor) attemptsOf(job string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[job]
}

func fails(kind fault.Kind) jobScript {
	return func(ctx context.Context, job executor.Job, attempt int) (executor.Result, error) {
		return executor.Result{ExitCode: 1}, fault.New(kind, "executor", "step", fmt.Errorf("job %s attempt %d failed", job.Name, attempt))
	}
}

func failsOnce(kind fault.Kind) jobScript {
	return func(ctx context.Context, job executor.Job, attempt int) (executor.Result, error) {
		if attempt == 1 {
			return fails(kind)(ctx, job, attempt)
		}
		return executor.Result{}, nil
	}
}

func blocksUntilCancelled(ctx context.Context, job executor.Job, attempt int) (executor.Result, error) {
	select {
	case <-ctx.Done():
		return executor.Result{}, fault.New(fault.KindCancelled, "executor", "step", fault.ErrCancelled)
	case <-time.After(10 * time.Second):
		return executor.Result{}, nil
	}
}

// concurrencyGauge records the most jobs it saw executing at once.
type concurrencyGauge struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (g *concurrencyGauge) script(ctx context.Context, job executor.Job, attempt int) (executor.Result, error) {
	g.mu.Lock()
	g.current++
	g.peak = max(g.peak, g.current)
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.current--
		g.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return executor.Result{}, fault.New(fault.KindCancelled, "executor", "step", fault.ErrCancelled)
	case <-time.After(30 * time.Millisecond):
		return executor.Result{}, nil
	}
}

func (g *concurrencyGauge) highest() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

// wide builds one stage of n independent jobs, each run by script.
func wide(t *testing.T, exec *scriptedExecutor, prefix string, n int, script jobScript) *pipeline.Definition {
	t.Helper()
	jobs := make([]pipeline.Job, 0, n)
	for i := range n {
		name := fmt.Sprintf("%s-%d", prefix, i)
		exec.scripts[name] = script
		jobs = append(jobs, pipeline.Job{Name: name, Steps: steps(name)})
	}
	def, err := pipeline.New("wide-"+prefix, []pipeline.Stage{{Name: "main", Jobs: jobs}})
	require.NoError(t, err)
	return def
}

type MockCredentialIssuer struct {
	mock.Mock
}

func (m *MockCredentialIssuer) Issue(
	ctx context.Context,
	scope broker.Scope,
	ttl time.Duration,
	requester string,
) (*broker.Credential, error) {
	args := m.Called(ctx, scope, ttl, requester)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.Credential), args.Error(1)
}

func (m *MockCredentialIssuer) Revoke(ctx context.Context, cred *broker.Credential, actor string) error {
	args := m.Called(ctx, cred, actor)
	return args.Error(0)
}

type MockDeploymentRequester struct {
	mock.Mock
}

func (m *MockDeploymentRequester) RequestDeployment(
	ctx context.Context,
	req DeploymentRequest,
) (*store.Deployment, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Deployment), args.Error(1)
}

func newTestRunService(
	t *testing.T,
	exec executor.Executor,
	cfg RunConfig,
	opts ...RunOption,
) (*RunService, *eventRecorder) {
	t.Helper()
	db := newTestDB(t)
	recorder := &eventRecorder{}
	agents := pool.New(nil, recorder, pool.DefaultConfig())
	t.Cleanup(func() { agents.Close(context.Background()) })
	require.NoError(t, agents.Register(context.Background(), pool.StaticAgent{
		ID:        "agent-1",
		Name:      "builder",
		Labels:    []string{"linux"},
		Executors: 4,
	}))

	if cfg.AgentWaitTimeout == 0 {
		cfg.AgentWaitTimeout = 2 * time.Second
	}
	if cfg.MaxRunningJobs == 0 {
		cfg.MaxRunningJobs = 8
	}
	if cfg.DefaultMaxParallel == 0 {
		cfg.DefaultMaxParallel = 4
	}
	if cfg.InfraRetryBackoff == 0 {
		cfg.InfraRetryBackoff = time.Millisecond
	}
	s := NewRunService(store.NewRunSQLiteStore(db, db), agents, exec, recorder, cfg, opts...)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, recorder
}

func trigger(ref string) pipeline.TriggerContext {
	return pipeline.TriggerContext{
		Repository: "https://git.example.com/app.git",
		Ref:        ref,
		Event:      pipeline.EventPush,
		SHA:        "abc123",
		Actor:      "alice",
	}
}

func runToEnd(
	t *testing.T,
	s *RunService,
	def *pipeline.Definition,
	tc pipeline.TriggerContext,
	opts SubmitOptions,
) (*store.PipelineRun, map[string]*store.JobRun) {
	t.Helper()
	run, err := s.Submit(context.Background(), def, tc, opts)
	require.NoError(t, err)
	return waitRun(t, s, run.RunID)
}

func waitRun(t *testing.T, s *RunService, runID string) (*store.PipelineRun, map[string]*store.JobRun) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, runID))
	run, jobs, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	byName := make(map[string]*store.JobRun)
	for _, jr := range jobs {
		byName[jr.Name] = jr
	}
	return run, byName
}

func steps(name string) []pipeline.Step {
	return []pipeline.Step{{Name: name, Script: "make " + name}}
}

// diamond builds a -> {b, c} -> d.
func diamond(t *testing.T, d pipeline.Job) *pipeline.Definition {
	t.Helper()
	d.Name = "d"
	def, err := pipeline.New("diamond", []pipeline.Stage{
		{Name: "build", Jobs: []pipeline.Job{{Name: "a", Steps: steps("a")}}},
		{Name: "test", Jobs: []pipeline.Job{{Name: "b", Steps: steps("b")}, {Name: "c", Steps: steps("c")}}},
		{Name: "release", Jobs: []pipeline.Job{d}},
	})
	require.NoError(t, err)
	return def
}

func single(t *testing.T, job pipeline.Job) *pipeline.Definition {
	t.Helper()
	if job.Steps == nil {
		job.Steps = steps(job.Name)
	}
	def, err := pipeline.New("single-"+job.Name, []pipeline.Stage{{Name: "main", Jobs: []pipeline.Job{job}}})
	require.NoError(t, err)
	return def
}

func TestRunService_Submit(t *testing.T) {
	t.Run("success - every job runs after its needs", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		s, recorder := newTestRunService(t, exec, RunConfig{})

		// act
		run, jobs := runToEnd(t, s, diamond(t, pipeline.Job{Steps: steps("d")}), trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusSucceeded, run.Status)
		require.Len(t, jobs, 4)
		for _, jr := range jobs {
			assert.Equal(t, store.StatusSucceeded, jr.Status, jr.Name)
			require.NotNil(t, jr.AgentID)
			assert.Equal(t, "agent-1", *jr.AgentID)
		}
		id := run.RunID
		assert.Less(t, exec.position("end", id, "a"), exec.position("start", id, "b"))
		assert.Less(t, exec.position("end", id, "a"), exec.position("start", id, "c"))
		assert.Less(t, exec.position("end", id, "b"), exec.position("start", id, "d"))
		assert.Less(t, exec.position("end", id, "c"), exec.position("start", id, "d"))
		assert.Equal(t, 4, recorder.count(audit.JobDispatched))
		assert.Equal(t, 1, recorder.count(audit.RunSubmitted))
		completed, ok := recorder.last(audit.RunCompleted)
		require.True(t, ok)
		assert.Equal(t, "succeeded", completed.Attributes["status"])
	})

	t.Run("success - failure skips every dependent", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		exec.scripts["a"] = fails(fault.KindExecution)
		s, _ := newTestRunService(t, exec, RunConfig{})

		// act
		run, jobs := runToEnd(t, s, diamond(t, pipeline.Job{Steps: steps("d")}), trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusFailed, run.Status)
		assert.Equal(t, store.StatusFailed, jobs["a"].Status)
		require.NotNil(t, jobs["a"].FailureKind)
		assert.Equal(t, string(fault.KindExecution), *jobs["a"].FailureKind)
		for _, name := range []string{"b", "c", "d"} {
			assert.Equal(t, store.StatusSkipped, jobs[name].Status, name)
			require.NotNil(t, jobs[name].SkipReason)
			assert.Equal(t, store.SkipUpstreamFailed, *jobs[name].SkipReason)
		}
		assert.Equal(t, 1, exec.attemptsOf("a"))
		assert.Equal(t, 0, exec.attemptsOf("d"))
	})

	t.Run("success - run always job runs after upstream failure", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		exec.scripts["a"] = fails(fault.KindExecution)
		s, _ := newTestRunService(t, exec, RunConfig{})
		def := diamond(t, pipeline.Job{Policy: pipeline.RunAlways, Steps: steps("d")})

		// act
		run, jobs := runToEnd(t, s, def, trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusFailed, run.Status)
		assert.Equal(t, store.StatusSkipped, jobs["b"].Status)
		assert.Equal(t, store.StatusSkipped, jobs["c"].Status)
		assert.Equal(t, store.StatusSucceeded, jobs["d"].Status)
	})

	t.Run("success - condition skips and skip-is-success", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		s, recorder := newTestRunService(t, exec, RunConfig{})
		def, err := pipeline.New("docs", []pipeline.Stage{
			{Name: "build", Jobs: []pipeline.Job{
				{Name: "docs", When: pipeline.BranchMatch{"release/*"}, Steps: steps("docs")},
			}},
			{Name: "publish", Jobs: []pipeline.Job{
				{Name: "publish", Steps: steps("publish")},
				{Name: "notify", SkipIsSuccess: true, Steps: steps("notify")},
			}},
		})
		require.NoError(t, err)

		// act
		run, jobs := runToEnd(t, s, def, trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusSucceeded, run.Status)
		assert.Equal(t, store.SkipCondition, *jobs["docs"].SkipReason)
		assert.Equal(t, store.SkipUpstreamSkipped, *jobs["publish"].SkipReason)
		assert.Equal(t, store.StatusSucceeded, jobs["notify"].Status)
		assert.Equal(t, 0, exec.attemptsOf("docs"))
		assert.Equal(t, 2, recorder.count(audit.JobSkipped))
	})

	t.Run("success - execution failure is retried up to the job's retries", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		exec.scripts["flaky"] = failsOnce(fault.KindExecution)
		s, recorder := newTestRunService(t, exec, RunConfig{})

		// act
		run, jobs := runToEnd(t, s, single(t, pipeline.Job{Name: "flaky", Retries: 1}), trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusSucceeded, run.Status)
		assert.Equal(t, int64(1), jobs["flaky"].RetryCount)
		assert.Nil(t, jobs["flaky"].Failure)
		assert.Equal(t, 2, exec.attemptsOf("flaky"))
		assert.Equal(t, 1, recorder.count(audit.JobRetried))
	})

	t.Run("success - infrastructure failure is retried with backoff", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		exec.scripts["build"] = failsOnce(fault.KindInfrastructure)
		s, _ := newTestRunService(t, exec, RunConfig{InfraRetries: 2})

		// act
		run, jobs := runToEnd(t, s, single(t, pipeline.Job{Name: "build"}), trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusSucceeded, run.Status)
		assert.Equal(t, int64(1), jobs["build"].RetryCount)
	})

	t.Run("failure - infrastructure retries are bounded", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		exec.scripts["build"] = fails(fault.KindInfrastructure)
		s, _ := newTestRunService(t, exec, RunConfig{InfraRetries: 2})

		// act
		run, jobs := runToEnd(t, s, single(t, pipeline.Job{Name: "build"}), trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusFailed, run.Status)
		assert.Equal(t, 3, exec.attemptsOf("build"))
		assert.Equal(t, int64(2), jobs["build"].RetryCount)
		assert.Equal(t, string(fault.KindInfrastructure), *jobs["build"].FailureKind)
	})

	t.Run("failure - execution failure without retries is not retried", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		exec.scripts["build"] = fails(fault.KindExecution)
		s, _ := newTestRunService(t, exec, RunConfig{InfraRetries: 2})

		// act
		_, jobs := runToEnd(t, s, single(t, pipeline.Job{Name: "build"}), trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusFailed, jobs["build"].Status)
		assert.Equal(t, 1, exec.attemptsOf("build"))
		require.NotNil(t, jobs["build"].ExitCode)
		assert.Equal(t, int64(1), *jobs["build"].ExitCode)
	})

	t.Run("failure - no agent with the requested labels", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		s, _ := newTestRunService(t, exec, RunConfig{AgentWaitTimeout: 50 * time.Millisecond})

		// act
		run, jobs := runToEnd(t, s, single(t, pipeline.Job{Name: "train", Labels: []string{"gpu"}}), trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusFailed, run.Status)
		assert.Equal(t, store.StatusFailed, jobs["train"].Status)
		assert.Equal(t, string(fault.KindResourceUnavailable), *jobs["train"].FailureKind)
		assert.Contains(t, *jobs["train"].Failure, fault.ErrNoAgentAvailable.Error())
		assert.Equal(t, 0, exec.attemptsOf("train"))
	})

	t.Run("failure - fail fast cancels the other jobs", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		exec.scripts["lint"] = fails(fault.KindExecution)
		exec.scripts["test"] = blocksUntilCancelled
		s, _ := newTestRunService(t, exec, RunConfig{})
		def, err := pipeline.New("checks", []pipeline.Stage{{Name: "check", Jobs: []pipeline.Job{
			{Name: "lint", Steps: steps("lint")},
			{Name: "test", Steps: steps("test")},
		}}})
		require.NoError(t, err)

		// act
		run, jobs := runToEnd(t, s, def, trigger("refs/heads/main"), SubmitOptions{FailFast: true, MaxParallel: 2})

		// assert
		assert.Equal(t, store.StatusFailed, run.Status)
		assert.Equal(t, store.StatusFailed, jobs["lint"].Status)
		assert.Equal(t, store.StatusCancelled, jobs["test"].Status)
	})

	t.Run("failure - trigger without ref", func(t *testing.T) {
		// arrange
		s, _ := newTestRunService(t, newScriptedExecutor(), RunConfig{})

		// act
		_, err := s.Submit(context.Background(), single(t, pipeline.Job{Name: "build"}), trigger(""), SubmitOptions{})

		// assert
		assert.True(t, fault.Is(err, fault.KindValidation))
	})
}

func TestRunService_CancelInProgress(t *testing.T) {
	t.Run("success - new run for the same ref supersedes the running one", func(t *testing.T) {
		// arrange
		var calls atomic.Int32
		exec := newScriptedExecutor()
		exec.scripts["deploy"] = func(ctx context.Context, job executor.Job, attempt int) (executor.Result, error) {
			if calls.Add(1) == 1 {
				return blocksUntilCancelled(ctx, job, attempt)
			}
			return executor.Result{}, nil
		}
		s, recorder := newTestRunService(t, exec, RunConfig{})
		def := single(t, pipeline.Job{Name: "deploy"})
		first, err := s.Submit(context.Background(), def, trigger("refs/heads/main"), SubmitOptions{})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return exec.position("start", first.RunID, "deploy") >= 0
		}, 2*time.Second, 5*time.Millisecond)

		// act
		second, err := s.Submit(context.Background(), def, trigger("refs/heads/main"), SubmitOptions{})
		require.NoError(t, err)
		secondRun, secondJobs := waitRun(t, s, second.RunID)
		firstRun, firstJobs := waitRun(t, s, first.RunID)

		// assert
		assert.Equal(t, store.StatusCancelled, firstRun.Status)
		assert.Contains(t, *firstRun.Failure, second.RunID)
		assert.Equal(t, store.StatusCancelled, firstJobs["deploy"].Status)
		assert.Equal(t, store.StatusSucceeded, secondRun.Status)
		assert.Equal(t, store.StatusSucceeded, secondJobs["deploy"].Status)
		assert.Less(t,
			exec.position("end", first.RunID, "deploy"),
			exec.position("start", second.RunID, "deploy"),
		)
		assert.Equal(t, 1, recorder.count(audit.RunCancelled))
	})

	t.Run("success - runs for different refs do not interfere", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		s, _ := newTestRunService(t, exec, RunConfig{})
		def := single(t, pipeline.Job{Name: "build"})

		// act
		onMain, err1 := s.Submit(context.Background(), def, trigger("refs/heads/main"), SubmitOptions{})
		feature, err2 := s.Submit(context.Background(), def, trigger("refs/heads/feature"), SubmitOptions{})
		require.NoError(t, err1)
		require.NoError(t, err2)
		mainRun, _ := waitRun(t, s, onMain.RunID)
		featureRun, _ := waitRun(t, s, feature.RunID)

		// assert
		assert.Equal(t, store.StatusSucceeded, mainRun.Status)
		assert.Equal(t, store.StatusSucceeded, featureRun.Status)
	})
}

func TestRunService_Concurrency(t *testing.T) {
	t.Run("success - run never has more than max parallel jobs in flight", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		gauge := &concurrencyGauge{}
		def := wide(t, exec, "shard", 6, gauge.script)
		s, _ := newTestRunService(t, exec, RunConfig{})

		// act
		run, jobs := runToEnd(t, s, def, trigger("refs/heads/main"), SubmitOptions{MaxParallel: 2})

		// assert
		assert.Equal(t, store.StatusSucceeded, run.Status)
		assert.Len(t, jobs, 6)
		assert.Equal(t, 2, gauge.highest())
	})

	t.Run("success - global running cap holds across runs", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		gauge := &concurrencyGauge{}
		mainDef := wide(t, exec, "main", 3, gauge.script)
		featureDef := wide(t, exec, "feature", 3, gauge.script)
		s, _ := newTestRunService(t, exec, RunConfig{MaxRunningJobs: 2})

		// act
		onMain, err1 := s.Submit(context.Background(), mainDef, trigger("refs/heads/main"), SubmitOptions{MaxParallel: 3})
		feature, err2 := s.Submit(context.Background(), featureDef, trigger("refs/heads/feature"), SubmitOptions{MaxParallel: 3})
		require.NoError(t, err1)
		require.NoError(t, err2)
		mainRun, _ := waitRun(t, s, onMain.RunID)
		featureRun, _ := waitRun(t, s, feature.RunID)

		// assert
		assert.Equal(t, store.StatusSucceeded, mainRun.Status)
		assert.Equal(t, store.StatusSucceeded, featureRun.Status)
		assert.Equal(t, 2, gauge.highest())
	})

	t.Run("success - job waiting for a scarce agent does not hold a running slot", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		s, _ := newTestRunService(t, exec, RunConfig{MaxRunningJobs: 1, AgentWaitTimeout: time.Second})
		waiting, err := s.Submit(context.Background(),
			single(t, pipeline.Job{Name: "train", Labels: []string{"gpu"}}), trigger("refs/heads/ml"), SubmitOptions{})
		require.NoError(t, err)

		// act
		started := time.Now()
		buildRun, _ := runToEnd(t, s, single(t, pipeline.Job{Name: "build"}), trigger("refs/heads/main"), SubmitOptions{})
		elapsed := time.Since(started)

		// assert
		assert.Equal(t, store.StatusSucceeded, buildRun.Status)
		assert.Less(t, elapsed, time.Second)
		waitingRun, waitingJobs := waitRun(t, s, waiting.RunID)
		assert.Equal(t, store.StatusFailed, waitingRun.Status)
		assert.Equal(t, string(fault.KindResourceUnavailable), *waitingJobs["train"].FailureKind)
		assert.Equal(t, 0, exec.attemptsOf("train"))
	})
}

func TestRunService_Cancel(t *testing.T) {
	t.Run("success - running jobs are cancelled", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		exec.scripts["build"] = blocksUntilCancelled
		s, recorder := newTestRunService(t, exec, RunConfig{})
		def, err := pipeline.New("two", []pipeline.Stage{
			{Name: "build", Jobs: []pipeline.Job{{Name: "build", Steps: steps("build")}}},
			{Name: "test", Jobs: []pipeline.Job{{Name: "test", Steps: steps("test")}}},
		})
		require.NoError(t, err)
		run, err := s.Submit(context.Background(), def, trigger("refs/heads/main"), SubmitOptions{})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return exec.position("start", run.RunID, "build") >= 0
		}, 2*time.Second, 5*time.Millisecond)

		// act
		err = s.Cancel(context.Background(), run.RunID, "bob")

		// assert
		require.NoError(t, err)
		stored, jobs := waitRun(t, s, run.RunID)
		assert.Equal(t, store.StatusCancelled, stored.Status)
		assert.Equal(t, store.StatusCancelled, jobs["build"].Status)
		assert.Equal(t, store.StatusCancelled, jobs["test"].Status)
		cancelled, ok := recorder.last(audit.RunCancelled)
		require.True(t, ok)
		assert.Equal(t, "bob", cancelled.Actor)
	})

	t.Run("failure - finished run cannot be cancelled", func(t *testing.T) {
		// arrange
		s, _ := newTestRunService(t, newScriptedExecutor(), RunConfig{})
		run, _ := runToEnd(t, s, single(t, pipeline.Job{Name: "build"}), trigger("refs/heads/main"), SubmitOptions{})

		// act
		err := s.Cancel(context.Background(), run.RunID, "bob")

		// assert
		assert.ErrorIs(t, err, fault.ErrInvalidTransition)
	})

	t.Run("failure - unknown run", func(t *testing.T) {
		// arrange
		s, _ := newTestRunService(t, newScriptedExecutor(), RunConfig{})

		// act
		err := s.Cancel(context.Background(), "missing", "bob")

		// assert
		assert.ErrorIs(t, err, fault.ErrNotFound)
	})
}

func TestRunService_Cache(t *testing.T) {
	t.Run("success - miss saves, exact hit restores without saving", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		exec.hash = "h1"
		exec.archive = []byte("vendor archive")
		blobs, err := cache.NewFileBlobStore(t.TempDir())
		require.NoError(t, err)
		caches := cache.NewStore(blobs)
		s, _ := newTestRunService(t, exec, RunConfig{}, WithCache(caches))
		def := single(t, pipeline.Job{Name: "build", Cache: &pipeline.CacheSpec{
			Key:         "deps-{{hash go.sum}}",
			RestoreKeys: []string{"deps-"},
			Paths:       []string{"vendor"},
		}})

		// act
		runToEnd(t, s, def, trigger("refs/heads/main"), SubmitOptions{})
		runToEnd(t, s, def, trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, 1, exec.saves)
		require.Len(t, exec.restored, 1)
		assert.Equal(t, []byte("vendor archive"), exec.restored[0])
		hit, ok := caches.Get("https://git.example.com/app.git", "deps-h1", nil)
		require.True(t, ok)
		hit.Release()
		assert.True(t, hit.Exact)
	})
}

func TestRunService_Credentials(t *testing.T) {
	t.Run("success - credential is issued into the job and revoked after", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		issuer := new(MockCredentialIssuer)
		cred := &broker.Credential{ID: "cred-1", Token: "sealed-token"}
		scope := broker.Scope{Repository: "https://git.example.com/app.git", Environment: "staging", Ref: "refs/heads/main"}
		issuer.On("Issue", mock.Anything, scope, 15*time.Minute, "alice").Return(cred, nil)
		issuer.On("Revoke", mock.Anything, cred, "scheduler").Return(nil)
		s, _ := newTestRunService(t, exec, RunConfig{CredentialTTL: 15 * time.Minute}, WithCredentials(issuer))
		def := single(t, pipeline.Job{Name: "migrate", Secrets: &pipeline.SecretScope{Environment: "staging"}})

		// act
		run, jobs := runToEnd(t, s, def, trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusSucceeded, run.Status)
		assert.Equal(t, store.StatusSucceeded, jobs["migrate"].Status)
		assert.Equal(t, "sealed-token", exec.env["migrate"][CredentialEnv])
		issuer.AssertExpectations(t)
	})

	t.Run("failure - scope denied fails the job", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		issuer := new(MockCredentialIssuer)
		denied := fault.Policy("broker", "issue", fault.ErrScopeDenied)
		issuer.On("Issue", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, denied)
		s, _ := newTestRunService(t, exec, RunConfig{}, WithCredentials(issuer))
		def := single(t, pipeline.Job{Name: "migrate", Secrets: &pipeline.SecretScope{Environment: "production"}})

		// act
		_, jobs := runToEnd(t, s, def, trigger("refs/heads/feature"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusFailed, jobs["migrate"].Status)
		assert.Equal(t, string(fault.KindPolicyRejection), *jobs["migrate"].FailureKind)
		assert.Equal(t, 0, exec.attemptsOf("migrate"))
		issuer.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRunService_Deploy(t *testing.T) {
	t.Run("success - deploy job requests a deployment", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		deployments := new(MockDeploymentRequester)
		deployments.On("RequestDeployment", mock.Anything, mock.MatchedBy(func(req DeploymentRequest) bool {
			return req.Environment == "staging" &&
				req.Artifact == "registry/app:abc123" &&
				req.RequestedBy == "alice" &&
				req.JobRunID != nil
		})).Return(&store.Deployment{DeploymentID: "dep-1", Environment: "staging"}, nil)
		s, _ := newTestRunService(t, exec, RunConfig{}, WithDeployments(deployments))
		def := single(t, pipeline.Job{Name: "ship", Deploy: &pipeline.DeploySpec{
			Environment: "staging",
			Artifact:    "registry/app:{{sha}}",
		}})

		// act
		_, jobs := runToEnd(t, s, def, trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusSucceeded, jobs["ship"].Status)
		require.NotNil(t, jobs["ship"].DeploymentID)
		assert.Equal(t, "dep-1", *jobs["ship"].DeploymentID)
		deployments.AssertExpectations(t)
	})

	t.Run("failure - rejected deployment fails the job", func(t *testing.T) {
		// arrange
		exec := newScriptedExecutor()
		deployments := new(MockDeploymentRequester)
		busy := fault.Policy("deployments", "lock", fault.ErrEnvironmentBusy)
		deployments.On("RequestDeployment", mock.Anything, mock.Anything).Return(nil, busy)
		s, _ := newTestRunService(t, exec, RunConfig{}, WithDeployments(deployments))
		def := single(t, pipeline.Job{Name: "ship", Deploy: &pipeline.DeploySpec{Environment: "staging", Artifact: "app"}})

		// act
		_, jobs := runToEnd(t, s, def, trigger("refs/heads/main"), SubmitOptions{})

		// assert
		assert.Equal(t, store.StatusFailed, jobs["ship"].Status)
		assert.Contains(t, *jobs["ship"].Failure, fault.ErrEnvironmentBusy.Error())
	})
}

func TestRunService_Recover(t *testing.T) {
	t.Run("success - interrupted runs are failed", func(t *testing.T) {
		// arrange
		db := newTestDB(t)
		runStore := store.NewRunSQLiteStore(db, db)
		recorder := &eventRecorder{}
		now := time.Now().UTC()
		run := &store.PipelineRun{
			RunID: "run-1", Pipeline: "build", Repository: "repo", Ref: "refs/heads/main",
			Event: "push", SHA: "abc", Actor: "alice", TriggerContext: "{}",
			Status: store.StatusRunning, MaxParallel: 1, CreatedOn: now, StartedOn: &now,
		}
		jobs := []*store.JobRun{
			{JobRunID: "jr-1", JobRunRunID: "run-1", Name: "build", Stage: "build", Status: store.StatusSucceeded, CreatedOn: now},
			{JobRunID: "jr-2", JobRunRunID: "run-1", Name: "test", Stage: "test", Status: store.StatusRunning, CreatedOn: now},
		}
		require.NoError(t, runStore.CreatePipelineRun(context.Background(), run, jobs))
		s := NewRunService(runStore, nil, nil, recorder, RunConfig{})

		// act
		n, err := s.Recover(context.Background())

		// assert
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		stored, storedJobs, err := s.GetRun(context.Background(), "run-1")
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, stored.Status)
		assert.Equal(t, "interrupted", *stored.Failure)
		statuses := map[string]store.RunStatus{}
		for _, jr := range storedJobs {
			statuses[jr.Name] = jr.Status
		}
		assert.Equal(t, store.StatusSucceeded, statuses["build"])
		assert.Equal(t, store.StatusCancelled, statuses["test"])
		assert.Equal(t, 1, recorder.count(audit.RunCompleted))
	})
}

func TestReadiness(t *testing.T) {
	upstreamFailed := store.SkipUpstreamFailed
	condition := store.SkipCondition
	cases := []struct {
		name   string
		job    pipeline.Job
		needs  map[string]*store.JobRun
		ready  bool
		reason store.SkipReason
	}{
		{
			name:  "waits for running need",
			job:   pipeline.Job{Needs: []string{"a"}},
			needs: map[string]*store.JobRun{"a": {Status: store.StatusRunning}},
		},
		{
			name:  "ready after success",
			job:   pipeline.Job{Needs: []string{"a"}},
			needs: map[string]*store.JobRun{"a": {Status: store.StatusSucceeded}},
			ready: true,
		},
		{
			name:   "skipped after failure",
			job:    pipeline.Job{Needs: []string{"a"}},
			needs:  map[string]*store.JobRun{"a": {Status: store.StatusFailed}},
			reason: store.SkipUpstreamFailed,
		},
		{
			name:   "failure skip propagates through skip-is-success",
			job:    pipeline.Job{Needs: []string{"a"}, SkipIsSuccess: true},
			needs:  map[string]*store.JobRun{"a": {Status: store.StatusSkipped, SkipReason: &upstreamFailed}},
			reason: store.SkipUpstreamFailed,
		},
		{
			name:  "condition skip counts as success",
			job:   pipeline.Job{Needs: []string{"a"}, SkipIsSuccess: true},
			needs: map[string]*store.JobRun{"a": {Status: store.StatusSkipped, SkipReason: &condition}},
			ready: true,
		},
		{
			name:  "run always ignores cancelled need",
			job:   pipeline.Job{Needs: []string{"a"}, Policy: pipeline.RunAlways},
			needs: map[string]*store.JobRun{"a": {Status: store.StatusCancelled}},
			ready: true,
		},
	}
	for _, tc := range cases {
		t.Run("success - "+tc.name, func(t *testing.T) {
			// act
			ready, reason := readiness(tc.job, tc.needs)

			// assert
			assert.Equal(t, tc.ready, ready)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestAgentLost(t *testing.T) {
	t.Run("success - lost agent becomes an infrastructure failure", func(t *testing.T) {
		// arrange
		ctx, cancel := context.WithCancelCause(context.Background())
		cancel(fault.ErrAgentLost)
		lease := &pool.Lease{ID: "lease-1", Agent: pool.Agent{ID: "agent-1"}}

		// act
		err := agentLost(ctx, lease, fault.New(fault.KindCancelled, "executor", "step", fault.ErrCancelled))

		// assert
		assert.True(t, fault.Is(err, fault.KindInfrastructure))
		assert.ErrorIs(t, err, fault.ErrAgentLost)
		assert.Equal(t, "agent-1", fault.ContextOf(err)["agent_id"])
	})

	t.Run("success - other errors pass through", func(t *testing.T) {
		// arrange
		original := fault.Execution("executor", "step", fmt.Errorf("exit 2"))

		// act
		err := agentLost(context.Background(), &pool.Lease{}, original)

		// assert
		assert.Equal(t, original, err)
	})
}

func TestRunService_JobLog(t *testing.T) {
	t.Run("success - job output is recorded per run", func(t *testing.T) {
		// arrange
		s, _ := newTestRunService(t, newScriptedExecutor(), RunConfig{LogDir: t.TempDir()})
		run, _ := runToEnd(t, s, single(t, pipeline.Job{Name: "build"}), trigger("refs/heads/main"), SubmitOptions{})

		// act
		rc, err := s.JobLog(run.RunID, "build")

		// assert
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "running build\n", string(b))
	})

	t.Run("failure - path traversal is rejected", func(t *testing.T) {
		// arrange
		s, _ := newTestRunService(t, newScriptedExecutor(), RunConfig{LogDir: t.TempDir()})

		// act
		_, err := s.JobLog("..", "build")

		// assert
		assert.True(t, fault.Is(err, fault.KindValidation))
	})
}
