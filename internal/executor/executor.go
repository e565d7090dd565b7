package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/haatos/simple-cd/internal/cache"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/pipeline"
	"github.com/haatos/simple-cd/internal/pool"
)

const component = "executor"

// Job is everything an executor needs to run one job on a leased agent.
type Job struct {
	RunID      string
	JobRunID   string
	Name       string
	Repository string
	Ref        string
	SHA        string
	Steps      []pipeline.Step
	Env        map[string]string
	Timeout    time.Duration
	Agent      pool.Agent
}

// Workdir is the job's directory relative to the agent workspace.
func (j Job) Workdir() string {
	return path.Join(j.RunID, j.Name)
}

type Result struct {
	ExitCode int
	Steps    int
}

// Executor runs a job's steps on the agent it was leased. Step output is
// written to out as it is produced. A step exiting non-zero fails with an
// execution fault, agent communication problems with an infrastructure
// fault.
type Executor interface {
	// Checkout prepares the job's working directory at the job's revision.
	Checkout(ctx context.Context, job Job, out io.Writer) error
	Execute(ctx context.Context, job Job, out io.Writer) (Result, error)
	// Restore unpacks a tar archive into the job's working directory.
	Restore(ctx context.Context, job Job, archive io.Reader) error
	// Save writes the given workdir-relative paths as a tar archive.
	Save(ctx context.Context, job Job, paths []string, archive io.Writer) error
	// HashFiles hashes the content of workdir-relative files, in order.
	HashFiles(ctx context.Context, job Job, paths []string) (string, error)
}

// Router dispatches to an executor by agent kind.
type Router struct {
	Static    Executor
	Ephemeral Executor
}

func (r *Router) pick(agent pool.Agent) (Executor, error) {
	var e Executor
	switch agent.Kind {
	case pool.KindStatic:
		e = r.Static
	case pool.KindEphemeral:
		e = r.Ephemeral
	}
	if e == nil {
		return nil, fault.Infrastructure(
			component, "route",
			fmt.Errorf("no executor for %s agent %s", agent.Kind, agent.ID),
		)
	}
	return e, nil
}

func (r *Router) Checkout(ctx context.Context, job Job, out io.Writer) error {
	e, err := r.pick(job.Agent)
	if err != nil {
		return err
	}
	return e.Checkout(ctx, job, out)
}

func (r *Router) Execute(ctx context.Context, job Job, out io.Writer) (Result, error) {
	e, err := r.pick(job.Agent)
	if err != nil {
		return Result{}, err
	}
	return e.Execute(ctx, job, out)
}

func (r *Router) Restore(ctx context.Context, job Job, archive io.Reader) error {
	e, err := r.pick(job.Agent)
	if err != nil {
		return err
	}
	return e.Restore(ctx, job, archive)
}

func (r *Router) Save(ctx context.Context, job Job, paths []string, archive io.Writer) error {
	e, err := r.pick(job.Agent)
	if err != nil {
		return err
	}
	return e.Save(ctx, job, paths, archive)
}

func (r *Router) HashFiles(ctx context.Context, job Job, paths []string) (string, error) {
	e, err := r.pick(job.Agent)
	if err != nil {
		return "", err
	}
	return e.HashFiles(ctx, job, paths)
}

// catScript prints the given files of dir in order, failing when any is
// missing.
func catScript(dir string, paths []string) (string, error) {
	quoted := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := relative(p)
		if err != nil {
			return "", err
		}
		quoted = append(quoted, shellQuote(rel))
	}
	return fmt.Sprintf("cd %s && cat -- %s", shellQuote(dir), strings.Join(quoted, " ")), nil
}

func hashOutput(job Job, code int, output *bytes.Buffer) (string, error) {
	if code != 0 {
		return "", fault.Execution(
			component, "hash",
			fmt.Errorf("hashing files of job %q: %s", job.Name, strings.TrimSpace(output.String())),
		).With("job", job.Name)
	}
	return cache.HashReader(output)
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// exports renders env as a sorted sequence of export statements.
func exports(env map[string]string) string {
	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(env)) {
		fmt.Fprintf(&sb, "export %s=%s; ", k, shellQuote(env[k]))
	}
	return sb.String()
}

// checkoutScript prepares dir with the repository at sha, falling back to
// ref when no sha was given.
func checkoutScript(dir, repository, ref, sha string) string {
	target := sha
	if target == "" {
		target = ref
	}
	return fmt.Sprintf(
		"mkdir -p %[1]s && cd %[1]s && if [ ! -d .git ]; then git clone --quiet %[2]s . ; fi && git fetch --quiet origin %[3]s && git checkout --quiet --force %[4]s",
		shellQuote(dir),
		shellQuote(repository),
		shellQuote(ref),
		shellQuote(target),
	)
}

func stepScript(dir string, env map[string]string, script string) string {
	return fmt.Sprintf("cd %s && %sset -e; %s", shellQuote(dir), exports(env), script)
}

func stepTimeout(step pipeline.Step, job Job) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return job.Timeout
}

func stepFailed(job Job, step pipeline.Step, code int) error {
	return fault.Execution(
		component, "step",
		fmt.Errorf("step %q of job %q exited with code %d", step.Name, job.Name, code),
	).With("job", job.Name).With("step", step.Name).With("exit_code", fmt.Sprint(code))
}

func stepTimedOut(job Job, step pipeline.Step, timeout time.Duration) error {
	return fault.Timeout(
		component, "step",
		fmt.Errorf("step %q of job %q timed out after %s: %w", step.Name, job.Name, timeout, fault.ErrTimeout),
	).With("job", job.Name).With("step", step.Name)
}

func stepCancelled(job Job, step pipeline.Step) error {
	return fault.New(
		fault.KindCancelled, component, "step",
		fmt.Errorf("step %q of job %q: %w", step.Name, job.Name, fault.ErrCancelled),
	).With("job", job.Name)
}
