package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/pipeline"
	"github.com/haatos/simple-cd/internal/security"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultCheckoutTimeout = 5 * time.Minute
)

type AgentReader interface {
	ReadAgentByID(context.Context, string) (*store.Agent, error)
}

// SSHExecutor runs jobs on static agents over SSH. Agent connection details
// and the encrypted private key come from the agent store.
type SSHExecutor struct {
	agents          AgentReader
	encrypter       security.Encrypter
	dialTimeout     time.Duration
	checkoutTimeout time.Duration
}

func NewSSHExecutor(agents AgentReader, encrypter security.Encrypter) *SSHExecutor {
	return &SSHExecutor{
		agents:          agents,
		encrypter:       encrypter,
		dialTimeout:     defaultDialTimeout,
		checkoutTimeout: defaultCheckoutTimeout,
	}
}

func (e *SSHExecutor) Checkout(ctx context.Context, job Job, out io.Writer) error {
	client, agent, err := e.connect(ctx, job.Agent.ID)
	if err != nil {
		return err
	}
	defer client.Close()

	dir := path.Join(agent.Workspace, job.Workdir())
	fmt.Fprintf(out, "Checking out %s@%s on %s\n", job.Repository, job.Ref, agent.Name)
	checkout := pipeline.Step{Name: "checkout", Script: checkoutScript(dir, job.Repository, job.Ref, job.SHA)}
	code, err := runSession(ctx, client, checkout.Script, e.checkoutTimeout, out)
	if err != nil {
		return sessionError(job, checkout, e.checkoutTimeout, err)
	}
	if code != 0 {
		return stepFailed(job, checkout, code)
	}
	return nil
}

func (e *SSHExecutor) Execute(ctx context.Context, job Job, out io.Writer) (Result, error) {
	client, agent, err := e.connect(ctx, job.Agent.ID)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	dir := path.Join(agent.Workspace, job.Workdir())
	result := Result{}
	for _, step := range job.Steps {
		fmt.Fprintf(out, "Executing step '%s'\n", step.Name)
		timeout := stepTimeout(step, job)
		code, err := runSession(ctx, client, stepScript(dir, job.Env, step.Script), timeout, out)
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

func (e *SSHExecutor) Restore(ctx context.Context, job Job, archive io.Reader) error {
	client, agent, err := e.connect(ctx, job.Agent.ID)
	if err != nil {
		return err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fault.Infrastructure(component, "restore", err)
	}
	defer sc.Close()

	dir := path.Join(agent.Workspace, job.Workdir())
	if err := untar(ctx, sftpFS{sc}, dir, archive); err != nil {
		return fault.Infrastructure(component, "restore", err).With("job", job.Name)
	}
	return nil
}

func (e *SSHExecutor) Save(ctx context.Context, job Job, paths []string, archive io.Writer) error {
	client, agent, err := e.connect(ctx, job.Agent.ID)
	if err != nil {
		return err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fault.Infrastructure(component, "save", err)
	}
	defer sc.Close()

	dir := path.Join(agent.Workspace, job.Workdir())
	if err := tarPaths(ctx, sftpFS{sc}, dir, paths, archive); err != nil {
		return fault.Infrastructure(component, "save", err).With("job", job.Name)
	}
	return nil
}

func (e *SSHExecutor) HashFiles(ctx context.Context, job Job, paths []string) (string, error) {
	client, agent, err := e.connect(ctx, job.Agent.ID)
	if err != nil {
		return "", err
	}
	defer client.Close()

	script, err := catScript(path.Join(agent.Workspace, job.Workdir()), paths)
	if err != nil {
		return "", fault.Validation(component, "hash", err)
	}
	output := new(bytes.Buffer)
	code, err := runSession(ctx, client, script, e.checkoutTimeout, output)
	if err != nil {
		return "", fault.Infrastructure(component, "hash", err).With("job", job.Name)
	}
	return hashOutput(job, code, output)
}

func (e *SSHExecutor) connect(ctx context.Context, agentID string) (*ssh.Client, *store.Agent, error) {
	agent, err := e.agents.ReadAgentByID(ctx, agentID)
	if err != nil {
		return nil, nil, fault.Infrastructure(component, "connect", err).With("agent_id", agentID)
	}
	key, err := e.encrypter.DecryptAES(agent.SSHPrivateKeyHash)
	if err != nil {
		return nil, nil, fault.Infrastructure(component, "connect", fmt.Errorf("decrypting agent key: %w", err))
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, nil, fault.Infrastructure(component, "connect", fmt.Errorf("parsing agent key: %w", err))
	}

	cc := &ssh.ClientConfig{
		User:            agent.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.dialTimeout,
	}
	hostname := agent.Hostname
	if !strings.Contains(hostname, ":") {
		hostname += ":22"
	}
	client, err := ssh.Dial("tcp", hostname, cc)
	if err != nil {
		return nil, nil, fault.Infrastructure(component, "connect", err).With("agent_id", agentID)
	}
	log.Debug().Str("agent_id", agentID).Str("hostname", hostname).Msg("ssh connected")
	return client, agent, nil
}

var errSessionTimeout = errors.New("session timed out")

// runSession runs command in a new session, streaming stdout and stderr
// line by line to out. A non-zero exit is reported through the exit code,
// not the error.
func runSession(
	ctx context.Context,
	client *ssh.Client,
	command string,
	timeout time.Duration,
	out io.Writer,
) (int, error) {
	sess, err := client.NewSession()
	if err != nil {
		return 0, err
	}
	defer sess.Close()
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return 0, err
	}

	var mu sync.Mutex
	forward := func(r io.Reader) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			mu.Lock()
			fmt.Fprintln(out, scanner.Text())
			mu.Unlock()
		}
	}

	if err := sess.Start(command); err != nil {
		return 0, err
	}

	doneCh := make(chan error, 1)
	go func() {
		var wg sync.WaitGroup
		wg.Go(func() { forward(stdout) })
		wg.Go(func() { forward(stderr) })
		wg.Wait()
		doneCh <- sess.Wait()
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-timeoutCh:
		sess.Signal(ssh.SIGKILL)
		return 0, errSessionTimeout
	case <-ctx.Done():
		sess.Signal(ssh.SIGINT)
		return 0, ctx.Err()
	case err := <-doneCh:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return 0, err
	}
}

func sessionError(job Job, step pipeline.Step, timeout time.Duration, err error) error {
	switch {
	case errors.Is(err, errSessionTimeout):
		return stepTimedOut(job, step, timeout)
	case errors.Is(err, context.Canceled):
		return stepCancelled(job, step)
	case errors.Is(err, context.DeadlineExceeded):
		return stepTimedOut(job, step, timeout)
	}
	return fault.Infrastructure(component, "step", err).With("job", job.Name).With("step", step.Name)
}
