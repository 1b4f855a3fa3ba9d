// Package container provisions Docker containers for container-mode agent
// instances and injects attachment files into running ones.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// WorkspaceDir is the project mount point inside agent containers.
const WorkspaceDir = "/workspace"

// Options configures a new agent container.
type Options struct {
	Name        string
	Image       string
	ProjectPath string // host path mounted at WorkspaceDir
	Environment map[string]string
	Cmd         []string
}

// Manager wraps the Docker client for agent-container lifecycle.
type Manager struct {
	client *client.Client
}

// NewManager connects to the Docker daemon using the ambient environment
// (DOCKER_HOST etc.).
func NewManager() (*Manager, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container.NewManager: %w", err)
	}
	return &Manager{client: c}, nil
}

// CreateAgentContainer creates an interactive container running the agent
// command with the project bind-mounted at /workspace. The container keeps
// stdin open so "docker start -ai" can reattach it inside a runtime window.
func (m *Manager) CreateAgentContainer(ctx context.Context, opts Options) (string, error) {
	env := make([]string, 0, len(opts.Environment))
	for k, v := range opts.Environment {
		env = append(env, k+"="+v)
	}

	cfg := &containertypes.Config{
		Image:      opts.Image,
		Env:        env,
		Cmd:        opts.Cmd,
		WorkingDir: WorkspaceDir,
		Tty:        true,
		OpenStdin:  true,
		StdinOnce:  false,
	}

	hostCfg := &containertypes.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: opts.ProjectPath,
				Target: WorkspaceDir,
			},
		},
		// host.docker.internal lets the agent's hooks reach the daemon.
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}

	resp, err := m.client.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("container.Manager.CreateAgentContainer: %w", err)
	}
	return resp.ID, nil
}

// CopyFileToContainer copies one host file into destDir inside the
// container, creating destDir when missing.
func (m *Manager) CopyFileToContainer(ctx context.Context, containerID, localPath, destDir string) error {
	archive, err := tarSingleFile(localPath)
	if err != nil {
		return fmt.Errorf("container.Manager.CopyFileToContainer: %w", err)
	}

	if err := m.ensureDir(ctx, containerID, destDir); err != nil {
		return fmt.Errorf("container.Manager.CopyFileToContainer: %w", err)
	}

	err = m.client.CopyToContainer(ctx, containerID, destDir, archive, containertypes.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("container.Manager.CopyFileToContainer: %w", err)
	}
	return nil
}

// ensureDir runs mkdir -p inside the container.
func (m *Manager) ensureDir(ctx context.Context, containerID, dir string) error {
	resp, err := m.client.ContainerExecCreate(ctx, containerID, containertypes.ExecOptions{
		Cmd: []string{"mkdir", "-p", dir},
	})
	if err != nil {
		return fmt.Errorf("exec create: %w", err)
	}
	if err := m.client.ContainerExecStart(ctx, resp.ID, containertypes.ExecStartOptions{}); err != nil {
		return fmt.Errorf("exec start: %w", err)
	}
	return nil
}

// StopContainer stops a running container with a 10 second grace period.
func (m *Manager) StopContainer(ctx context.Context, containerID string) error {
	timeout := 10
	err := m.client.ContainerStop(ctx, containerID, containertypes.StopOptions{Timeout: &timeout})
	if err != nil {
		return fmt.Errorf("container.Manager.StopContainer: %w", err)
	}
	return nil
}

// RemoveContainer force-removes the container.
func (m *Manager) RemoveContainer(ctx context.Context, containerID string) error {
	err := m.client.ContainerRemove(ctx, containerID, containertypes.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("container.Manager.RemoveContainer: %w", err)
	}
	return nil
}

// Close closes the Docker client.
func (m *Manager) Close() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("container.Manager.Close: %w", err)
	}
	return nil
}

// tarSingleFile packs one file, by base name, into an in-memory tar stream.
func tarSingleFile(path string) (io.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(path),
		Mode: 0o644,
		Size: info.Size(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
