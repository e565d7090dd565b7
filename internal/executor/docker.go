package executor

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/pipeline"
)

const containerWorkspace = "/workspace"

// ContainerExecClient is the part of the docker API the container executor
// uses. *client.Client satisfies it.
type ContainerExecClient interface {
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
	CopyToContainer(ctx context.Context, container, path string, content io.Reader, options types.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, container, srcPath string) (io.ReadCloser, types.ContainerPathStat, error)
}

// DockerExecutor runs jobs inside ephemeral agent containers. The agent's
// handle is the container ID.
type DockerExecutor struct {
	dc              ContainerExecClient
	checkoutTimeout time.Duration
}

func NewDockerExecutor(dc ContainerExecClient) *DockerExecutor {
	return &DockerExecutor{dc: dc, checkoutTimeout: defaultCheckoutTimeout}
}

func (e *DockerExecutor) dir(job Job) string {
	return path.Join(containerWorkspace, job.Workdir())
}

func (e *DockerExecutor) Checkout(ctx context.Context, job Job, out io.Writer) error {
	if job.Agent.Handle == "" {
		return fault.Infrastructure(component, "checkout", fmt.Errorf("agent %s has no container", job.Agent.ID))
	}
	fmt.Fprintf(out, "Checking out %s@%s in container %s\n", job.Repository, job.Ref, shortID(job.Agent.Handle))
	checkout := pipeline.Step{Name: "checkout", Script: checkoutScript(e.dir(job), job.Repository, job.Ref, job.SHA)}
	code, err := e.exec(ctx, job.Agent.Handle, checkout.Script, e.checkoutTimeout, out)
	if err != nil {
		return sessionError(job, checkout, e.checkoutTimeout, err)
	}
	if code != 0 {
		return stepFailed(job, checkout, code)
	}
	return nil
}

func (e *DockerExecutor) Execute(ctx context.Context, job Job, out io.Writer) (Result, error) {
	if job.Agent.Handle == "" {
		return Result{}, fault.Infrastructure(component, "execute", fmt.Errorf("agent %s has no container", job.Agent.ID))
	}
	dir := e.dir(job)

	result := Result{}
	for _, step := range job.Steps {
		fmt.Fprintf(out, "Executing step '%s'\n", step.Name)
		timeout := stepTimeout(step, job)
		code, err := e.exec(ctx, job.Agent.Handle, stepScript(dir, job.Env, step.Script), timeout, out)
		if err != nil {
			return result, sessionError(job, step, timeout, err)
		}
		result.ExitCode = code
		if code != 0 {
			return result, stepFailed(job, step, code)
		}
		result.Steps++
	}
	return result, nil
}

func (e *DockerExecutor) Restore(ctx context.Context, job Job, archive io.Reader) error {
	dir := e.dir(job)
	code, err := e.exec(ctx, job.Agent.Handle, "mkdir -p "+shellQuote(dir), e.checkoutTimeout, io.Discard)
	if err == nil && code != 0 {
		err = fmt.Errorf("mkdir %s exited with code %d", dir, code)
	}
	if err != nil {
		return fault.Infrastructure(component, "restore", err).With("job", job.Name)
	}
	if err := e.dc.CopyToContainer(ctx, job.Agent.Handle, dir, archive, types.CopyToContainerOptions{}); err != nil {
		return fault.Infrastructure(component, "restore", err).With("job", job.Name)
	}
	return nil
}

// Save copies each path out of the container and merges the per-path
// archives into one, rooted at the job directory.
func (e *DockerExecutor) Save(ctx context.Context, job Job, paths []string, archive io.Writer) error {
	dir := e.dir(job)
	tw := tar.NewWriter(archive)
	for _, p := range paths {
		rel, err := relative(p)
		if err != nil {
			return fault.Validation(component, "save", err)
		}
		rc, _, err := e.dc.CopyFromContainer(ctx, job.Agent.Handle, path.Join(dir, rel))
		if client.IsErrNotFound(err) {
			continue
		}
		if err != nil {
			return fault.Infrastructure(component, "save", err).With("job", job.Name)
		}
		err = rebase(tw, rc, path.Dir(rel))
		rc.Close()
		if err != nil {
			return fault.Infrastructure(component, "save", err).With("job", job.Name)
		}
	}
	if err := tw.Close(); err != nil {
		return fault.Infrastructure(component, "save", err)
	}
	return nil
}

func (e *DockerExecutor) HashFiles(ctx context.Context, job Job, paths []string) (string, error) {
	script, err := catScript(e.dir(job), paths)
	if err != nil {
		return "", fault.Validation(component, "hash", err)
	}
	output := new(bytes.Buffer)
	code, err := e.exec(ctx, job.Agent.Handle, script, e.checkoutTimeout, output)
	if err != nil {
		return "", fault.Infrastructure(component, "hash", err).With("job", job.Name)
	}
	return hashOutput(job, code, output)
}

// rebase copies every entry of the archive in r into tw under prefix.
func rebase(tw *tar.Writer, r io.Reader, prefix string) error {
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if prefix != "." {
			h.Name = path.Join(prefix, h.Name)
			if h.Typeflag == tar.TypeDir {
				h.Name += "/"
			}
		}
		if err := tw.WriteHeader(h); err != nil {
			return err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return err
		}
	}
}

func (e *DockerExecutor) exec(
	ctx context.Context,
	containerID, command string,
	timeout time.Duration,
	out io.Writer,
) (int, error) {
	created, err := e.dc.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, err
	}
	resp, err := e.dc.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return 0, err
	}
	defer resp.Close()

	doneCh := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(out, out, resp.Reader)
		doneCh <- err
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-timeoutCh:
		return 0, errSessionTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-doneCh:
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
	}

	inspect, err := e.dc.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, err
	}
	return inspect.ExitCode, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
