package fleet

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/haatos/simple-cd/internal/pool"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
)

const (
	LabelAgentID = "simplecd.agent.id"
	LabelGroup   = "simplecd.agent.group"
	LabelLabels  = "simplecd.agent.labels"
)

// ContainerClient is the part of the docker API the provisioner uses.
// *client.Client satisfies it.
type ContainerClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(
		ctx context.Context,
		config *container.Config,
		hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

func NewDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// DockerProvisioner runs each ephemeral agent as a labelled container.
type DockerProvisioner struct {
	dc           ContainerClient
	defaultImage string
	command      []string
	env          []string
}

type Option func(*DockerProvisioner)

// WithCommand overrides the command agent containers run. It must keep the
// container alive until it is terminated.
func WithCommand(cmd ...string) Option {
	return func(p *DockerProvisioner) { p.command = cmd }
}

// WithEnv adds KEY=value pairs to every agent container.
func WithEnv(env ...string) Option {
	return func(p *DockerProvisioner) { p.env = append(p.env, env...) }
}

func NewDockerProvisioner(dc ContainerClient, defaultImage string, opts ...Option) *DockerProvisioner {
	p := &DockerProvisioner{
		dc:           dc,
		defaultImage: defaultImage,
		command:      []string{"sleep", "infinity"},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *DockerProvisioner) Provision(ctx context.Context, req pool.ProvisionRequest) (pool.Provisioned, error) {
	img := req.Image
	if img == "" {
		img = p.defaultImage
	}

	out, err := p.dc.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return pool.Provisioned{}, fmt.Errorf("pulling %s: %w", img, err)
	}
	// the pull only completes once its progress stream is drained
	_, err = io.Copy(io.Discard, out)
	out.Close()
	if err != nil {
		return pool.Provisioned{}, fmt.Errorf("pulling %s: %w", img, err)
	}

	env := append([]string{
		"SIMPLECD_AGENT_ID=" + req.AgentID,
		"SIMPLECD_AGENT_GROUP=" + req.Group,
	}, p.env...)
	resp, err := p.dc.ContainerCreate(
		ctx,
		&container.Config{
			Image: img,
			Cmd:   p.command,
			Env:   env,
			Labels: map[string]string{
				LabelAgentID: req.AgentID,
				LabelGroup:   req.Group,
				LabelLabels:  strings.Join(req.Labels, ","),
			},
		},
		nil, nil, nil,
		"simplecd-"+req.AgentID,
	)
	if err != nil {
		return pool.Provisioned{}, fmt.Errorf("creating agent container: %w", err)
	}

	if err := p.dc.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return pool.Provisioned{}, fmt.Errorf("starting agent container: %w", err)
	}

	inspect, err := p.dc.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.remove(resp.ID)
		return pool.Provisioned{}, fmt.Errorf("inspecting agent container: %w", err)
	}
	ready := inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.Running

	log.Info().
		Str("agent_id", req.AgentID).
		Str("group", req.Group).
		Str("container_id", resp.ID).
		Bool("ready", ready).
		Msg("agent container started")
	return pool.Provisioned{Handle: resp.ID, Ready: ready}, nil
}

func (p *DockerProvisioner) Terminate(ctx context.Context, handle string) error {
	err := p.dc.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if client.IsErrNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("removing agent container %s: %w", handle, err)
	}
	return nil
}

// Reap removes agent containers left behind by a previous process. Agents
// do not survive a restart, so every labelled container is an orphan.
func (p *DockerProvisioner) Reap(ctx context.Context) (int, error) {
	containers, err := p.dc.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelAgentID)),
	})
	if err != nil {
		return 0, fmt.Errorf("listing agent containers: %w", err)
	}
	reaped := 0
	for _, c := range containers {
		if err := p.Terminate(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("container_id", c.ID).Msg("could not reap agent container")
			continue
		}
		reaped++
	}
	return reaped, nil
}

func (p *DockerProvisioner) remove(id string) {
	if err := p.dc.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil {
		log.Warn().Err(err).Str("container_id", id).Msg("could not remove failed agent container")
	}
}
