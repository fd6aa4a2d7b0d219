//go:build integration

package pg

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestDialerAgainstPrimary(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("postgres"),
		postgres.WithUsername("testadmin"),
		postgres.WithPassword("securepwd123"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	node := &types.Node{Name: "node1", Host: host, Port: port.Int(), Kind: types.NodeKindBackup}
	dialer := NewDialer(Credentials{User: "testadmin", Password: "securepwd123", SSLMode: "disable"})

	session, err := dialer.Connect(ctx, node, 5*time.Second)
	require.NoError(t, err)
	defer session.Close(ctx)

	standby, err := session.IsStandby(ctx)
	require.NoError(t, err)
	assert.False(t, standby)

	pos, err := session.CurrentPosition(ctx)
	require.NoError(t, err)
	assert.NotZero(t, pos)

	_, err = session.ReceivedPosition(ctx)
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestDialerConnectTimeout(t *testing.T) {
	// 192.0.2.0/24 is reserved for documentation and never answers
	node := &types.Node{Name: "blackhole", Host: "192.0.2.1", Port: 5432}
	dialer := NewDialer(Credentials{User: "testadmin"})

	start := time.Now()
	_, err := dialer.Connect(context.Background(), node, 500*time.Millisecond)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
