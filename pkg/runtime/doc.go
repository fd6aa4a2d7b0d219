/*
Package runtime is the containerd-backed Control Channel.

Each registered node maps to one containerd container (Node.Container, falling
back to Node.Name) in a single namespace. ContainerdRuntime implements
channel.Control on top of the containerd client:

	IsRunning  task status is running or paused
	Exec       task.Exec into the running task, or a maintenance container
	Stop       SIGTERM, then SIGKILL once the timeout expires, then task delete
	Start      delete any stale task, create a new one, start it
	Restart    Stop followed by Start

# Maintenance containers

Rebuilding a standby has to clear and refill the data directory while the
server is down, which rules out exec into the node's task. When Exec finds no
running task it creates a throwaway container from the node's image that
reuses the node's snapshot and bind mounts and shares the host network, runs
the command to completion, and deletes itself. The node's snapshot is never
removed.

# Usage

	rt, err := runtime.NewContainerdRuntime("/run/containerd/containerd.sock", "default")
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.Exec(ctx, node, layout.WriteStandbyMarker(), 10*time.Second)
	if err == nil && !res.Success() {
		// non-zero exit, see res.Stderr
	}

All calls require access to the containerd socket, usually root.
*/
package runtime
