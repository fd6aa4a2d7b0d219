package failover

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/channel/fake"
	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// topology is a generated cluster: size nodes, node primary is the primary,
// bit i of replicas makes node i replica-kind, bit i of down stops it. Bit i
// of alpha or beta attaches node i to that cluster; bit i of markerFails or
// stopFails makes writing the standby marker or stopping node i fail.
type topology struct {
	size        int
	primary     int
	replicas    uint8
	down        uint8
	target      int
	alpha       uint8
	beta        uint8
	markerFails uint8
	stopFails   uint8
}

func (tp topology) build(t *testing.T) *fixture {
	f := newFixture(t)
	for i := 0; i < tp.size; i++ {
		name := fmt.Sprintf("node%d", i)
		kind := types.NodeKindBackup
		if i != tp.primary && tp.replicas&(1<<i) != 0 {
			kind = types.NodeKindReplica
		}
		state := fake.Standby(fmt.Sprintf("node%d", tp.primary), types.Position(1000-i))
		switch {
		case i == tp.primary:
			state = fake.Primary(1000)
		case tp.down&(1<<i) != 0:
			state = fake.Stopped(fmt.Sprintf("node%d", tp.primary))
		}
		if tp.markerFails&(1<<i) != 0 {
			state.ExitCodes = map[channel.Op]int{channel.OpWriteStandbyMarker: 1}
		}
		if tp.stopFails&(1<<i) != 0 {
			state.StopErr = errors.New("simulated stop failure")
		}
		f.add(t, name, kind, state)
	}

	for cluster, bits := range map[string]uint8{"alpha": tp.alpha, "beta": tp.beta &^ tp.alpha} {
		if _, err := f.registry.CreateCluster(cluster, ""); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < tp.size; i++ {
			if bits&(1<<i) == 0 {
				continue
			}
			if _, err := f.registry.Attach(cluster, fmt.Sprintf("node%d", i)); err != nil {
				t.Fatal(err)
			}
		}
	}
	return f
}

func genTopology() gopter.Gen {
	return gen.IntRange(2, 5).FlatMap(func(v interface{}) gopter.Gen {
		size := v.(int)
		return gopter.CombineGens(
			gen.IntRange(0, size-1),
			gen.UInt8(),
			gen.UInt8(),
			gen.IntRange(0, size-1),
			gen.UInt8(),
			gen.UInt8(),
			gen.UInt8(),
			gen.UInt8(),
		).Map(func(vs []interface{}) topology {
			return topology{
				size:        size,
				primary:     vs[0].(int),
				replicas:    vs[1].(uint8),
				down:        vs[2].(uint8),
				target:      vs[3].(int),
				alpha:       vs[4].(uint8),
				beta:        vs[5].(uint8),
				markerFails: vs[6].(uint8),
				stopFails:   vs[7].(uint8),
			}
		})
	}, reflect.TypeOf(topology{}))
}

func TestPromotionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a second primary or a replica primary is always reported", prop.ForAll(
		func(tp topology) bool {
			f := tp.build(t)
			res, _ := f.orch.Promote(context.Background(), fmt.Sprintf("node%d", tp.target))

			consistent := len(f.cluster.Primaries()) <= 1
			for _, p := range f.cluster.Primaries() {
				if n, _ := f.registry.Get(p); !n.Promotable() {
					consistent = false
				}
			}
			return consistent || (res.SafetyViolation && !res.Succeeded())
		},
		genTopology(),
	))

	properties.Property("success leaves exactly the target as primary", prop.ForAll(
		func(tp topology) bool {
			f := tp.build(t)
			target := fmt.Sprintf("node%d", tp.target)
			res, err := f.orch.Promote(context.Background(), target)
			if err != nil {
				return !res.Succeeded()
			}
			primaries := f.cluster.Primaries()
			return res.NewPrimary == target && len(primaries) == 1 && primaries[0] == target
		},
		genTopology(),
	))

	properties.Property("replica targets are rejected before any channel call", prop.ForAll(
		func(tp topology) bool {
			f := tp.build(t)
			target := fmt.Sprintf("node%d", tp.target)
			if n, _ := f.registry.Get(target); n.Promotable() {
				return true
			}
			_, err := f.orch.Promote(context.Background(), target)
			return KindOf(err) == KindInvalidNode && len(f.cluster.Calls()) == 0
		},
		genTopology(),
	))

	properties.TestingRun(t)
}
