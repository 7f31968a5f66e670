// Package sandbox provisions isolated execution environments for
// remote-mode tasks. Each sandbox runs the sidecar image with the task
// repository cloned at /workspace.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shadowrealm/shadow/internal/common/config"
	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/executor"
	"github.com/shadowrealm/shadow/internal/task/models"
)

// Labels attached to every managed sandbox so instances can be
// recovered and swept by label.
const (
	LabelManaged = "shadow.managed"
	LabelTaskID  = "shadow.task_id"
	LabelName    = "shadow.name"
)

// Instance is one live sandbox bound to a task.
type Instance struct {
	ContainerID string
	Name        string
	Namespace   string
	TaskID      string
	BaseURL     string
}

// Provisioner manages sandbox lifecycle.
type Provisioner interface {
	// Create provisions and starts a sandbox for the task.
	Create(ctx context.Context, task *models.Task) (*Instance, error)
	// WaitReady blocks until the sandbox sidecar answers health checks
	// or the timeout elapses.
	WaitReady(ctx context.Context, inst *Instance, timeout time.Duration) error
	// Destroy stops and removes a task's sandbox. Destroying a task
	// with no sandbox is not an error.
	Destroy(ctx context.Context, taskID string) error
	// Recover returns the running sandboxes left over from a previous
	// orchestrator run.
	Recover(ctx context.Context) ([]*Instance, error)
	// Close releases provisioner resources.
	Close() error
}

// DockerProvisioner runs sandboxes as docker containers on a shared
// network, addressed by container DNS name. When a namespace is
// configured the cluster-local service DNS form is used instead.
type DockerProvisioner struct {
	cli         *client.Client
	cfg         config.SandboxConfig
	sidecarPort int
	log         *logger.Logger
}

// NewDockerProvisioner creates a provisioner using the docker daemon
// from the environment.
func NewDockerProvisioner(cfg config.SandboxConfig, sidecarPort int, log *logger.Logger) (*DockerProvisioner, error) {
	if log == nil {
		log = logger.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerProvisioner{
		cli:         cli,
		cfg:         cfg,
		sidecarPort: sidecarPort,
		log:         log.WithFields(zap.String("component", "sandbox")),
	}, nil
}

func (p *DockerProvisioner) baseURL(name string) string {
	if p.cfg.Namespace != "" {
		return executor.SidecarBaseURL(name, p.cfg.Namespace, p.sidecarPort)
	}
	return fmt.Sprintf("http://%s:%d", name, p.sidecarPort)
}

// startupConfig is the document the sidecar entrypoint reads on boot.
// It is rendered as YAML and handed over in a single env var so the
// entrypoint script does not reassemble its settings from loose vars.
type startupConfig struct {
	TaskID       string `yaml:"task_id"`
	RepoURL      string `yaml:"repo_url"`
	BaseBranch   string `yaml:"base_branch"`
	ShadowBranch string `yaml:"shadow_branch"`
	SidecarPort  int    `yaml:"sidecar_port"`
}

// Create implements Provisioner.
func (p *DockerProvisioner) Create(ctx context.Context, task *models.Task) (*Instance, error) {
	name := SandboxName(task.ID)
	log := p.log.WithTaskID(task.ID)

	if reader, err := p.cli.ImagePull(ctx, p.cfg.Image, image.PullOptions{}); err != nil {
		log.Warn("image pull failed, using local image if present",
			zap.String("image", p.cfg.Image), zap.Error(err))
	} else {
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	startup, err := yaml.Marshal(startupConfig{
		TaskID:       task.ID,
		RepoURL:      task.RepoURL,
		BaseBranch:   task.BaseBranch,
		ShadowBranch: task.ShadowBranch,
		SidecarPort:  p.sidecarPort,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render startup config: %w", err)
	}

	containerCfg := &container.Config{
		Image: p.cfg.Image,
		Env: []string{
			"SHADOW_STARTUP_CONFIG=" + string(startup),
		},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelTaskID:  task.ID,
			LabelName:    name,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.cfg.Network),
	}

	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox %s: %w", name, err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start sandbox %s: %w", name, err)
	}

	log.Info("sandbox created",
		zap.String("sandbox", name),
		zap.String("container_id", resp.ID))

	return &Instance{
		ContainerID: resp.ID,
		Name:        name,
		Namespace:   p.cfg.Namespace,
		TaskID:      task.ID,
		BaseURL:     p.baseURL(name),
	}, nil
}

// WaitReady implements Provisioner. It polls the sidecar health
// endpoint until it answers.
func (p *DockerProvisioner) WaitReady(ctx context.Context, inst *Instance, timeout time.Duration) error {
	probe := executor.NewRemoteExecutor(inst.BaseURL, p.log)

	deadline := time.After(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = probe.Health(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("sandbox %s not ready after %s: %w", inst.Name, timeout, lastErr)
		case <-ticker.C:
		}
	}
}

func (p *DockerProvisioner) findByTask(ctx context.Context, taskID string) ([]string, error) {
	f := filters.NewArgs(
		filters.Arg("label", LabelManaged+"=true"),
		filters.Arg("label", LabelTaskID+"="+taskID),
	)
	containers, err := p.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Destroy implements Provisioner.
func (p *DockerProvisioner) Destroy(ctx context.Context, taskID string) error {
	ids, err := p.findByTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		timeout := 30
		if err := p.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
			p.log.Warn("failed to stop sandbox, removing anyway",
				zap.String("container_id", id), zap.Error(err))
		}
		if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			return fmt.Errorf("failed to remove sandbox %s: %w", id, err)
		}
		p.log.Info("sandbox destroyed",
			zap.String("task_id", taskID), zap.String("container_id", id))
	}
	return nil
}

// Recover implements Provisioner.
func (p *DockerProvisioner) Recover(ctx context.Context) ([]*Instance, error) {
	f := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	containers, err := p.cli.ContainerList(ctx, container.ListOptions{Filters: f})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	var recovered []*Instance
	for _, c := range containers {
		if c.State != "running" {
			continue
		}
		taskID := c.Labels[LabelTaskID]
		name := c.Labels[LabelName]
		if taskID == "" || name == "" {
			p.log.Warn("skipping sandbox with missing labels", zap.String("container_id", c.ID))
			continue
		}
		recovered = append(recovered, &Instance{
			ContainerID: c.ID,
			Name:        name,
			Namespace:   p.cfg.Namespace,
			TaskID:      taskID,
			BaseURL:     p.baseURL(name),
		})
	}
	return recovered, nil
}

// Close implements Provisioner.
func (p *DockerProvisioner) Close() error {
	return p.cli.Close()
}
