package runtime

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"go.uber.org/multierr"
)

const (
	// DefaultNamespace is the containerd namespace the database containers live in
	DefaultNamespace = "default"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultTimeout bounds operations called without an explicit timeout
	DefaultTimeout = 60 * time.Second
)

// ContainerdRuntime is the Control Channel for nodes that run as containerd
// containers. The container ID is Node.Container, or Node.Name when unset.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

var _ channel.Control = (*ContainerdRuntime)(nil)

// NewContainerdRuntime connects to containerd at socketPath and operates in
// namespace
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// IsRunning reports whether the node's container has a running task
func (r *ContainerdRuntime) IsRunning(ctx context.Context, node *types.Node) (bool, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID(node))
	if err != nil {
		return false, fmt.Errorf("failed to load container %s: %w", containerID(node), err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get task: %w", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get task status: %w", err)
	}
	return status.Status == containerd.Running || status.Status == containerd.Paused, nil
}

// Exec runs cmd in the node. On a running node the command joins the
// container's task; on a stopped node it runs in a short-lived maintenance
// container sharing the node's filesystem and host networking.
func (r *ContainerdRuntime) Exec(ctx context.Context, node *types.Node, cmd channel.Command, timeout time.Duration) (channel.ExecResult, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	ctx, cancel := context.WithTimeout(ctx, orDefault(timeout))
	defer cancel()

	container, err := r.client.LoadContainer(ctx, containerID(node))
	if err != nil {
		return channel.ExecResult{}, fmt.Errorf("failed to load container %s: %w", containerID(node), err)
	}

	task, err := container.Task(ctx, nil)
	if err == nil {
		status, serr := task.Status(ctx)
		if serr != nil {
			return channel.ExecResult{}, fmt.Errorf("failed to get task status: %w", serr)
		}
		if status.Status == containerd.Running {
			return r.execInTask(ctx, container, task, cmd)
		}
	} else if !errdefs.IsNotFound(err) {
		return channel.ExecResult{}, fmt.Errorf("failed to get task: %w", err)
	}

	return r.execInMaintenance(ctx, container, cmd)
}

func (r *ContainerdRuntime) execInTask(ctx context.Context, container containerd.Container, task containerd.Task, cmd channel.Command) (channel.ExecResult, error) {
	spec, err := container.Spec(ctx)
	if err != nil {
		return channel.ExecResult{}, fmt.Errorf("failed to load container spec: %w", err)
	}

	pspec := *spec.Process
	pspec.Terminal = false
	pspec.Args = cmd.Args
	pspec.Env = append(append([]string{}, pspec.Env...), cmd.Env...)

	var stdout, stderr bytes.Buffer
	process, err := task.Exec(ctx, "pgwarden-"+uuid.New().String()[:8], &pspec,
		cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return channel.ExecResult{}, fmt.Errorf("failed to create exec process: %w", err)
	}
	defer func() {
		// a detached context so cleanup still runs after a timeout
		if _, err := process.Delete(context.WithoutCancel(ctx), containerd.WithProcessKill); err != nil {
			logger := log.WithComponent("runtime")
			logger.Debug().Err(err).Msg("Failed to delete exec process")
		}
	}()

	code, err := runProcess(ctx, process)
	if err != nil {
		return channel.ExecResult{}, err
	}
	return channel.ExecResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (r *ContainerdRuntime) execInMaintenance(ctx context.Context, container containerd.Container, cmd channel.Command) (channel.ExecResult, error) {
	info, err := container.Info(ctx)
	if err != nil {
		return channel.ExecResult{}, fmt.Errorf("failed to load container info: %w", err)
	}
	spec, err := container.Spec(ctx)
	if err != nil {
		return channel.ExecResult{}, fmt.Errorf("failed to load container spec: %w", err)
	}
	image, err := container.Image(ctx)
	if err != nil {
		return channel.ExecResult{}, fmt.Errorf("failed to load container image: %w", err)
	}

	var mounts []specs.Mount
	for _, m := range spec.Mounts {
		if m.Type == "bind" {
			mounts = append(mounts, m)
		}
	}

	id := info.ID + "-maint-" + uuid.New().String()[:8]
	maint, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithSnapshotter(info.Snapshotter),
		containerd.WithSnapshot(info.SnapshotKey),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithMounts(mounts),
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithProcessArgs(cmd.Args...),
			oci.WithEnv(cmd.Env),
		),
	)
	if err != nil {
		return channel.ExecResult{}, fmt.Errorf("failed to create maintenance container: %w", err)
	}
	defer func() {
		// the snapshot belongs to the node container and must survive
		if err := maint.Delete(context.WithoutCancel(ctx)); err != nil {
			logger := log.WithComponent("runtime")
			logger.Warn().Err(err).Str("container", id).Msg("Failed to delete maintenance container")
		}
	}()

	var stdout, stderr bytes.Buffer
	task, err := maint.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return channel.ExecResult{}, fmt.Errorf("failed to create maintenance task: %w", err)
	}
	defer func() {
		if _, err := task.Delete(context.WithoutCancel(ctx), containerd.WithProcessKill); err != nil {
			logger := log.WithComponent("runtime")
			logger.Debug().Err(err).Msg("Failed to delete maintenance task")
		}
	}()

	code, err := runProcess(ctx, task)
	if err != nil {
		return channel.ExecResult{}, err
	}
	return channel.ExecResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// runProcess starts p and waits for it to exit or for ctx to expire
func runProcess(ctx context.Context, p containerd.Process) (int, error) {
	statusC, err := p.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to wait for process: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return 0, fmt.Errorf("failed to collect exit status: %w", err)
		}
		return int(code), nil
	case <-ctx.Done():
		_ = p.Kill(context.WithoutCancel(ctx), syscall.SIGKILL)
		return 0, fmt.Errorf("command did not finish: %w", ctx.Err())
	}
}

// Restart stops then starts the node within one timeout. A failed restart is
// reported as exit code 1 alongside the error.
func (r *ContainerdRuntime) Restart(ctx context.Context, node *types.Node, timeout time.Duration) (int, error) {
	timeout = orDefault(timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.Stop(ctx, node, restartGrace(timeout)); err != nil {
		return 1, err
	}
	if err := r.Start(ctx, node, remaining(ctx)); err != nil {
		return 1, err
	}
	return 0, nil
}

// restartGrace is the share of a restart timeout a graceful stop may use.
// The SIGKILL escalation and the start share the rest.
func restartGrace(timeout time.Duration) time.Duration {
	return timeout / 2
}

// remaining is the time left before ctx's deadline
func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return DefaultTimeout
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	// expired: the context already fails every call
	return time.Nanosecond
}

// Stop sends SIGTERM, escalating to SIGKILL when the task outlives timeout
func (r *ContainerdRuntime) Stop(ctx context.Context, node *types.Node, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID(node))
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID(node), err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get task: %w", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get task status: %w", err)
	}

	if status.Status != containerd.Stopped {
		stopCtx, cancel := context.WithTimeout(ctx, orDefault(timeout))
		defer cancel()

		statusC, err := task.Wait(stopCtx)
		if err != nil {
			return fmt.Errorf("failed to wait for task: %w", err)
		}

		if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to kill task: %w", err)
		}

		select {
		case <-statusC:
		case <-stopCtx.Done():
			logger := log.WithNode(node.Name)
			logger.Warn().Msg("Graceful stop timed out, sending SIGKILL")
			if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
				return fmt.Errorf("failed to force kill task: %w", err)
			}
			if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
				return fmt.Errorf("failed to delete task: %w", err)
			}
			return nil
		}
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// Start creates and starts a new task for the node's container
func (r *ContainerdRuntime) Start(ctx context.Context, node *types.Node, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	ctx, cancel := context.WithTimeout(ctx, orDefault(timeout))
	defer cancel()

	container, err := r.client.LoadContainer(ctx, containerID(node))
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID(node), err)
	}

	// a previous task that exited on its own blocks NewTask
	if old, err := container.Task(ctx, nil); err == nil {
		status, err := old.Status(ctx)
		if err == nil && status.Status == containerd.Running {
			return nil
		}
		if _, err := old.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete stale task: %w", err)
		}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return multierr.Combine(fmt.Errorf("failed to start task: %w", err), deleteTask(ctx, task))
	}
	return nil
}

func deleteTask(ctx context.Context, task containerd.Task) error {
	if _, err := task.Delete(context.WithoutCancel(ctx), containerd.WithProcessKill); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func containerID(node *types.Node) string {
	if node.Container != "" {
		return node.Container
	}
	return node.Name
}

func orDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	return timeout
}
