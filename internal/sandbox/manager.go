// Package sandbox manages the lifecycle of ephemeral Docker containers used
// to run untrusted code: create, stage files, run with live output streaming,
// cancel, destroy.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// ErrProvisioning marks failures to materialize a sandbox: image unavailable
// or the container engine unreachable.
var ErrProvisioning = errors.New("sandbox provisioning failed")

// sandboxLabel tags every container we create so orphans are identifiable
// after an unclean shutdown.
const sandboxLabel = "runbox.sandbox"

// DockerAPI is the subset of the Docker client the manager uses. Tests
// substitute a fake; production passes *client.Client.
type DockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	Ping(ctx context.Context) (types.Ping, error)
}

// Manager owns all Docker interactions. One manager, backed by one shared
// thread-safe client, serves every concurrent sandbox.
type Manager struct {
	cli DockerAPI
	log *zap.Logger
}

// NewManager creates a manager over an existing Docker API client.
func NewManager(cli DockerAPI, log *zap.Logger) *Manager {
	return &Manager{cli: cli, log: log}
}

// NewDockerClient connects to the local Docker daemon and verifies it is
// reachable.
func NewDockerClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %v", ErrProvisioning, err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: docker daemon unreachable: %v", ErrProvisioning, err)
	}
	return cli, nil
}

// Create materializes an ephemeral container bound to the spec's image.
// The container is created but not started; Run starts it.
func (m *Manager) Create(ctx context.Context, spec Spec) (*Handle, error) {
	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	id := uuid.New().String()[:12]
	name := "runbox-" + id

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		WorkingDir: spec.WorkDir,
		Labels:     map[string]string{sandboxLabel: "true"},
	}
	hostCfg := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes,
			MemorySwap: spec.Limits.MemoryBytes, // swap disabled
			CPUQuota:   spec.Limits.CPUQuota,
			CPUPeriod:  spec.Limits.CPUPeriod,
		},
	}
	if spec.Limits.PidsLimit > 0 {
		pids := spec.Limits.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}
	if !spec.NetworkEnabled {
		hostCfg.NetworkMode = "none"
	}

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: creating container: %v", ErrProvisioning, err)
	}

	m.log.Debug("sandbox created",
		zap.String("sandbox_id", id),
		zap.String("container_id", resp.ID),
		zap.String("image", spec.Image),
		zap.Bool("network", spec.NetworkEnabled))

	return &Handle{ID: id, ContainerID: resp.ID, Spec: spec, state: StateCreated}, nil
}

func (m *Manager) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := m.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	m.log.Info("pulling image", zap.String("image", ref))
	reader, err := m.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pulling image %s: %v", ErrProvisioning, ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: pulling image %s: %v", ErrProvisioning, ref, err)
	}
	return nil
}

// CopyFiles stages files into the sandbox working directory before Run.
func (m *Manager) CopyFiles(ctx context.Context, h *Handle, files []File) error {
	archive, err := tarArchive(files)
	if err != nil {
		return fmt.Errorf("building file archive: %w", err)
	}
	if err := m.cli.CopyToContainer(ctx, h.ContainerID, h.Spec.WorkDir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying files to sandbox: %w", err)
	}
	return nil
}

// Run starts the sandbox process and returns its live output. Chunks arrive
// in production order, stdout and stderr interleaved as the process emitted
// them; the chunk channel closes at stream end and exactly one Result follows.
// The wall-clock timeout and ctx cancellation both kill the process.
func (m *Manager) Run(ctx context.Context, h *Handle) (<-chan Chunk, <-chan Result, error) {
	attach, err := m.cli.ContainerAttach(ctx, h.ContainerID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: attaching to container: %v", ErrProvisioning, err)
	}

	waitCh, waitErrCh := m.cli.ContainerWait(ctx, h.ContainerID, container.WaitConditionNextExit)

	if err := m.cli.ContainerStart(ctx, h.ContainerID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, nil, fmt.Errorf("%w: starting container: %v", ErrProvisioning, err)
	}
	h.setState(StateRunning)

	chunks := make(chan Chunk, 64)
	results := make(chan Result, 1)

	go func() {
		defer close(chunks)
		defer attach.Close()
		_, err := stdcopy.StdCopy(
			&chunkWriter{stream: StreamStdout, out: chunks},
			&chunkWriter{stream: StreamStderr, out: chunks},
			attach.Reader,
		)
		if err != nil && !errors.Is(err, io.EOF) {
			m.log.Debug("output stream closed", zap.String("sandbox_id", h.ID), zap.Error(err))
		}
	}()

	go func() {
		timeout := h.Spec.Limits.Timeout
		if timeout <= 0 {
			timeout = time.Hour
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-timer.C:
			m.Cancel(h)
			h.setState(StateTimedOut)
			results <- Result{ExitCode: -1, TimedOut: true}

		case <-ctx.Done():
			m.Cancel(h)
			h.setState(StateCancelled)
			results <- Result{ExitCode: -1, Cancelled: true}

		case err := <-waitErrCh:
			if ctx.Err() != nil {
				m.Cancel(h)
				h.setState(StateCancelled)
				results <- Result{ExitCode: -1, Cancelled: true}
				return
			}
			h.setState(StateFailed)
			results <- Result{ExitCode: -1, Err: err}

		case status := <-waitCh:
			res := Result{ExitCode: int(status.StatusCode)}
			if inspect, err := m.cli.ContainerInspect(ctx, h.ContainerID); err == nil &&
				inspect.State != nil && inspect.State.OOMKilled {
				res.OOMKilled = true
			}
			if res.Success() {
				h.setState(StateCompleted)
			} else {
				h.setState(StateFailed)
			}
			results <- res
		}
	}()

	return chunks, results, nil
}

// Cancel forcibly terminates the sandbox process. Idempotent and safe to call
// concurrently with Run's own completion; a container that already exited is
// not an error.
func (m *Manager) Cancel(h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.cli.ContainerKill(ctx, h.ContainerID, "KILL"); err != nil && !benignKillErr(err) {
		m.log.Warn("killing sandbox", zap.String("sandbox_id", h.ID), zap.Error(err))
	}
}

func benignKillErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "is not running") || strings.Contains(s, "No such container")
}

// Destroy releases everything associated with the handle. It runs at most
// once per handle; later calls are no-ops.
func (m *Manager) Destroy(h *Handle) error {
	var err error
	h.destroyOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err = m.cli.ContainerRemove(ctx, h.ContainerID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		})
		h.setState(StateDestroyed)
		if err != nil {
			m.log.Warn("removing sandbox container", zap.String("sandbox_id", h.ID), zap.Error(err))
			err = fmt.Errorf("removing container: %w", err)
			return
		}
		m.log.Debug("sandbox destroyed", zap.String("sandbox_id", h.ID))
	})
	return err
}

// CleanupOrphans removes leftover sandbox containers from a previous process,
// identified by label. Called once at startup.
func (m *Manager) CleanupOrphans(ctx context.Context) (int, error) {
	list, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sandboxLabel+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("listing orphaned sandboxes: %w", err)
	}

	removed := 0
	for _, c := range list {
		if err := m.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			m.log.Warn("removing orphaned sandbox", zap.String("container_id", c.ID), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.Info("removed orphaned sandboxes", zap.Int("count", removed))
	}
	return removed, nil
}

// chunkWriter adapts one demuxed stream to the chunk channel.
type chunkWriter struct {
	stream Stream
	out    chan<- Chunk
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	w.out <- Chunk{Stream: w.stream, Data: data}
	return len(p), nil
}
