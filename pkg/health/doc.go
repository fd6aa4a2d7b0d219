/*
Package health tracks node health over time and diagnoses unreachable nodes.

A single probe says whether a node answered right now. The Monitor turns
repeated probes into a Status per node with consecutive-failure thresholds,
so one dropped connection does not report a node down:

	monitor := health.NewMonitor(registry, probe.NewLocator(prober), broker, health.Config{
		Interval: 10 * time.Second,
		Retries:  3,
	})
	monitor.Start(ctx)
	defer monitor.Stop()

Each round inspects the whole topology once. Transitions are published as
node.down and node.up events, and anomalies such as two nodes accepting
writes are published as topology.anomaly the first round they appear. The
monitor never acts on what it sees; failover is always an explicit request.

Diagnose runs a TCP, an exec (pg_isready) and a query checker against one
node to explain why it is unreachable.
*/
package health
