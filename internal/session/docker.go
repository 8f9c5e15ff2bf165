package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// sessionLabel marks every container this provisioner starts.
const sessionLabel = "deepinsight.session"

// containerRuntime is the slice of the Docker API the provisioner needs.
type containerRuntime interface {
	Run(ctx context.Context, name, image string, port nat.Port) (string, error)
	HostPort(ctx context.Context, id string, port nat.Port) (string, error)
	Remove(ctx context.Context, id string) error
	Labelled(ctx context.Context, label string) ([]string, error)
}

type dockerRuntime struct {
	cli *client.Client
}

func (d dockerRuntime) Run(ctx context.Context, name, image string, port nat.Port) (string, error) {
	cfg := &containerTypes.Config{
		Image:        image,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{sessionLabel: name},
	}
	hostCfg := &containerTypes.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		AutoRemove: false,
	}
	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, containerTypes.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, containerTypes.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

func (d dockerRuntime) HostPort(ctx context.Context, id string, port nat.Port) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("container inspect: %w", err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", id)
	}
	bindings := info.NetworkSettings.Ports[port]
	if len(bindings) == 0 || bindings[0].HostPort == "" {
		return "", fmt.Errorf("container %s does not publish %s", id, port)
	}
	return bindings[0].HostPort, nil
}

func (d dockerRuntime) Remove(ctx context.Context, id string) error {
	return d.cli.ContainerRemove(ctx, id, containerTypes.RemoveOptions{Force: true})
}

func (d dockerRuntime) Labelled(ctx context.Context, label string) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, containerTypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Docker runs one worker container per session and publishes its port on
// the loopback interface.
type Docker struct {
	runtime containerRuntime
	image   string
	port    nat.Port
}

// NewDocker creates a provisioner using the Docker daemon from the
// environment.
func NewDocker(image string, port int) (*Docker, error) {
	if image == "" {
		return nil, fmt.Errorf("docker provisioner needs an image")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client init: %w", err)
	}
	return newDocker(dockerRuntime{cli: cli}, image, port)
}

func newDocker(rt containerRuntime, image string, port int) (*Docker, error) {
	if port <= 0 {
		port = 8000
	}
	p, err := nat.NewPort("tcp", strconv.Itoa(port))
	if err != nil {
		return nil, err
	}
	return &Docker{runtime: rt, image: image, port: p}, nil
}

// Name implements Provisioner.
func (p *Docker) Name() string { return "docker" }

// Provision starts a container for the session.
func (p *Docker) Provision(ctx context.Context, spec Spec) (Instance, error) {
	name := "deepinsight-" + spec.SessionID
	id, err := p.runtime.Run(ctx, name, p.image, p.port)
	if err != nil {
		return Instance{}, err
	}
	hostPort, err := p.runtime.HostPort(ctx, id, p.port)
	if err != nil {
		_ = p.runtime.Remove(context.WithoutCancel(ctx), id)
		return Instance{}, err
	}
	return Instance{ID: id, Address: "http://127.0.0.1:" + hostPort}, nil
}

// Teardown force-removes the container.
func (p *Docker) Teardown(ctx context.Context, inst Instance) error {
	if inst.ID == "" {
		return nil
	}
	return p.runtime.Remove(ctx, inst.ID)
}

// RemoveOrphans force-removes session containers left behind by an earlier
// process. It returns how many were removed.
func (p *Docker) RemoveOrphans(ctx context.Context) (int, error) {
	ids, err := p.runtime.Labelled(ctx, sessionLabel)
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, id := range ids {
		if err := p.runtime.Remove(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", id, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
