//go:build integration

package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testImage = "docker.io/library/alpine:3.20"

// newTestNode creates a stopped container that sleeps once started
func newTestNode(t *testing.T, rt *ContainerdRuntime) *types.Node {
	t.Helper()
	ctx := namespaces.WithNamespace(context.Background(), rt.namespace)

	image, err := rt.client.Pull(ctx, testImage, containerd.WithPullUnpack)
	require.NoError(t, err)

	id := "pgwarden-it-" + uuid.New().String()[:8]
	container, err := rt.client.NewContainer(ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(oci.WithImageConfig(image), oci.WithProcessArgs("sleep", "3600")),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		node := &types.Node{Name: id}
		if err := rt.Stop(context.Background(), node, 5*time.Second); err != nil {
			t.Logf("Warning: failed to stop %s: %v", id, err)
		}
		if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
			t.Logf("Warning: failed to delete %s: %v", id, err)
		}
	})

	return &types.Node{Name: id, Kind: types.NodeKindBackup}
}

func TestContainerdNodeLifecycle(t *testing.T) {
	rt, err := NewContainerdRuntime("", "")
	if err != nil {
		t.Skipf("containerd not available: %v", err)
	}
	defer rt.Close()

	ctx := context.Background()
	node := newTestNode(t, rt)

	running, err := rt.IsRunning(ctx, node)
	require.NoError(t, err)
	assert.False(t, running, "a fresh container has no task")

	require.NoError(t, rt.Start(ctx, node, 30*time.Second))
	running, err = rt.IsRunning(ctx, node)
	require.NoError(t, err)
	assert.True(t, running)

	t.Run("exec captures output", func(t *testing.T) {
		res, err := rt.Exec(ctx, node, channel.Command{Args: []string{"echo", "hello"}}, 10*time.Second)
		require.NoError(t, err)
		assert.True(t, res.Success())
		assert.Equal(t, "hello", strings.TrimSpace(res.Stdout))
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		res, err := rt.Exec(ctx, node, channel.Command{Args: []string{"sh", "-c", "exit 3"}}, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
	})

	t.Run("exec honors its timeout", func(t *testing.T) {
		_, err := rt.Exec(ctx, node, channel.Command{Args: []string{"sleep", "30"}}, 500*time.Millisecond)
		assert.Error(t, err)
	})

	code, err := rt.Restart(ctx, node, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	running, err = rt.IsRunning(ctx, node)
	require.NoError(t, err)
	assert.True(t, running)

	// sleep as PID 1 ignores SIGTERM, so the stop escalates to SIGKILL
	start := time.Now()
	code, err = rt.Restart(ctx, node, 4*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Less(t, time.Since(start), 5*time.Second, "stop and start share one timeout")

	require.NoError(t, rt.Stop(ctx, node, 10*time.Second))
	running, err = rt.IsRunning(ctx, node)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestContainerdUnknownContainer(t *testing.T) {
	rt, err := NewContainerdRuntime("", "")
	if err != nil {
		t.Skipf("containerd not available: %v", err)
	}
	defer rt.Close()

	node := &types.Node{Name: "pgwarden-missing-" + uuid.New().String()[:8]}
	ctx := context.Background()

	_, err = rt.IsRunning(ctx, node)
	assert.Error(t, err)

	code, err := rt.Restart(ctx, node, time.Second)
	assert.Error(t, err)
	assert.Equal(t, 1, code)
}
