package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/policy"
	"github.com/rs/zerolog/log"
)

type EnvironmentSource interface {
	Environment(name string) (*policy.Environment, bool)
}

// CommandDeployer applies artifacts and runs smoke tests with the shell
// commands configured per environment. The commands see the environment
// name and artifact as SIMPLECD_ENVIRONMENT and SIMPLECD_ARTIFACT.
type CommandDeployer struct {
	environments EnvironmentSource
	shell        string
}

func NewCommandDeployer(environments EnvironmentSource) *CommandDeployer {
	return &CommandDeployer{environments: environments, shell: "/bin/sh"}
}

func (d *CommandDeployer) Apply(ctx context.Context, environment, artifact string) error {
	env, ok := d.environments.Environment(environment)
	if !ok {
		return fault.Validation(component, "apply", fault.ErrUnknownEnvironment).With("environment", environment)
	}
	if env.DeployCommand == "" {
		log.Warn().Str("environment", environment).Msg("no deploy command configured, nothing applied")
		return nil
	}
	return d.run(ctx, "apply", env.DeployCommand, environment, artifact)
}

func (d *CommandDeployer) Verify(ctx context.Context, environment, artifact string) error {
	env, ok := d.environments.Environment(environment)
	if !ok {
		return fault.Validation(component, "verify", fault.ErrUnknownEnvironment).With("environment", environment)
	}
	if env.SmokeTestCommand == "" {
		return nil
	}
	return d.run(ctx, "verify", env.SmokeTestCommand, environment, artifact)
}

func (d *CommandDeployer) run(ctx context.Context, op, command, environment, artifact string) error {
	cmd := exec.CommandContext(ctx, d.shell, "-c", command)
	cmd.Env = append(
		os.Environ(),
		"SIMPLECD_ENVIRONMENT="+environment,
		"SIMPLECD_ARTIFACT="+artifact,
	)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	log.Info().
		Str("op", op).
		Str("environment", environment).
		Str("artifact", artifact).
		Str("output", strings.TrimSpace(output.String())).
		Err(err).
		Msg("deployment command finished")
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fault.Timeout(component, op, fmt.Errorf("%s: %w", command, fault.ErrTimeout)).
				With("environment", environment)
		}
		return fault.New(fault.KindCancelled, component, op, fault.ErrCancelled)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fault.Execution(
			component, op,
			fmt.Errorf("%s exited with code %d", command, exitErr.ExitCode()),
		).With("environment", environment)
	}
	return fault.Infrastructure(component, op, err).With("environment", environment)
}
