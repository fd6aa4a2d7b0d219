/*
Package events provides the in-memory event broker pgwarden publishes node,
cluster and orchestration events on.

	Publisher → event queue (100) → broadcast loop → subscriber channels (50 each)

Publish never blocks. A full queue drops the event with a warning, and a
subscriber whose buffer is full misses the event; orchestration must not wait
on observers.

Event types:

	node.registered  node.deregistered  node.down  node.up
	cluster.created  cluster.node_attached  cluster.node_detached
	operation.started  operation.state_changed  operation.completed  operation.failed
	rebuild.completed  rebuild.failed
	topology.anomaly  safety.violation

Operation events carry the operation ID, type and state in Metadata so a
subscriber can follow one promotion from start to finish.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.Message)
	}
*/
package events
