package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePosition(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Position
		wantErr bool
	}{
		{name: "zero", input: "0/0", want: 0},
		{name: "low word only", input: "0/3E8", want: 1000},
		{name: "high word", input: "1/0", want: 1 << 32},
		{name: "mixed", input: "16/B374D848", want: Position(0x16<<32 | 0xB374D848)},
		{name: "surrounding space", input: " 0/10 ", want: 16},
		{name: "missing slash", input: "3E8", wantErr: true},
		{name: "bad hex", input: "0/XYZ", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePosition(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPositionString(t *testing.T) {
	assert.Equal(t, "0/3E8", Position(1000).String())
	assert.Equal(t, "16/B374D848", Position(0x16<<32|0xB374D848).String())

	p, err := ParsePosition(Position(123456789012).String())
	require.NoError(t, err)
	assert.Equal(t, Position(123456789012), p)
}

func TestLagReadingJSON(t *testing.T) {
	primary := Position(1000)
	reading := LagReading{Node: "node2", PrimaryPosition: &primary, GapBytes: LagUnknown}

	data, err := json.Marshal(reading)
	require.NoError(t, err)
	assert.JSONEq(t, `{"node":"node2","primary_position":"0/3E8","node_position":null,"gap_bytes":-1}`, string(data))
	assert.False(t, reading.Known())
}

func TestNodeMatches(t *testing.T) {
	n := &Node{Name: "node1", Container: "postgres-node1", Address: "172.18.0.2"}

	assert.True(t, n.Matches("node1"))
	assert.True(t, n.Matches("postgres-node1"))
	assert.True(t, n.Matches("172.18.0.2"))
	assert.False(t, n.Matches("node2"))
	assert.False(t, n.Matches(""))
}

func TestNodeStatusIsPrimary(t *testing.T) {
	assert.True(t, NodeStatus{Connectivity: ConnectivityReachable, Role: RolePrimary}.IsPrimary())
	assert.False(t, NodeStatus{Connectivity: ConnectivityUnreachable, Role: RolePrimary}.IsPrimary())
	assert.False(t, NodeStatus{Connectivity: ConnectivityReachable, Role: RoleStandby}.IsPrimary())
}

func TestClusterCloneIsDeep(t *testing.T) {
	c := &Cluster{Name: "orders", Nodes: []string{"node1"}}
	clone := c.Clone()
	clone.Nodes[0] = "changed"

	assert.Equal(t, "node1", c.Nodes[0])
	assert.True(t, c.Has("node1"))
	assert.False(t, c.Has("node2"))
}
