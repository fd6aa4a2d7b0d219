/*
Package storage persists the node registry in a BoltDB file.

Persistence is opt-in: without a state directory the registry lives in memory
and is rebuilt from the static configuration on every start. With one, every
registry change is written through to <state-dir>/pgwarden.db and reloaded on
the next start.

# Layout

	pgwarden.db
	├── nodes     name → {seq, node JSON}
	└── clusters  name → {seq, cluster JSON}

Each record carries the bucket sequence it was first saved under. BoltDB
iterates keys in byte order, so ListNodes and ListClusters sort by that
sequence to hand records back in registration order. Overwriting a record keeps
its original sequence.

# Usage

	store, err := storage.NewBoltStore(stateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SaveNode(node); err != nil {
		return err
	}
	nodes, err := store.ListNodes()

Observed node status is never stored; it is recomputed on every probe.
*/
package storage
