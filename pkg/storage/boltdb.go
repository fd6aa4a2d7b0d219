package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/pgwarden/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// DBFile is the database file name inside the state directory
const DBFile = "pgwarden.db"

// ErrStoreLocked means another process holds the database open
var ErrStoreLocked = errors.New("state store is locked by another process")

// openTimeout bounds the wait for the database file lock
var openTimeout = 2 * time.Second

var (
	// Bucket names
	bucketNodes    = []byte("nodes")
	bucketClusters = []byte("clusters")
)

// record wraps a value with the bucket sequence it was first saved under
type record struct {
	Seq   uint64          `json:"seq"`
	Value json.RawMessage `json:"value"`
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the database in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: openTimeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s (is pgwarden serve running?)", ErrStoreLocked, dbPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketClusters} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Node operations
func (s *BoltStore) SaveNode(node *types.Node) error {
	return s.put(bucketNodes, node.Name, node)
}

func (s *BoltStore) GetNode(name string) (*types.Node, error) {
	var node types.Node
	if err := s.get(bucketNodes, name, &node); err != nil {
		return nil, fmt.Errorf("node %s: %w", name, err)
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.list(bucketNodes, func(raw json.RawMessage) error {
		var node types.Node
		if err := json.Unmarshal(raw, &node); err != nil {
			return err
		}
		nodes = append(nodes, &node)
		return nil
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(name string) error {
	return s.delete(bucketNodes, name)
}

// Cluster operations
func (s *BoltStore) SaveCluster(cluster *types.Cluster) error {
	return s.put(bucketClusters, cluster.Name, cluster)
}

func (s *BoltStore) GetCluster(name string) (*types.Cluster, error) {
	var cluster types.Cluster
	if err := s.get(bucketClusters, name, &cluster); err != nil {
		return nil, fmt.Errorf("cluster %s: %w", name, err)
	}
	return &cluster, nil
}

func (s *BoltStore) ListClusters() ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.list(bucketClusters, func(raw json.RawMessage) error {
		var cluster types.Cluster
		if err := json.Unmarshal(raw, &cluster); err != nil {
			return err
		}
		clusters = append(clusters, &cluster)
		return nil
	})
	return clusters, err
}

func (s *BoltStore) DeleteCluster(name string) error {
	return s.delete(bucketClusters, name)
}

// put upserts v under key, keeping the sequence of an existing record
func (s *BoltStore) put(bucket []byte, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)

		rec := record{Value: value}
		if existing := b.Get([]byte(key)); existing != nil {
			var old record
			if err := json.Unmarshal(existing, &old); err != nil {
				return err
			}
			rec.Seq = old.Seq
		} else {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			rec.Seq = seq
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		return json.Unmarshal(rec.Value, v)
	})
}

func (s *BoltStore) list(bucket []byte, fn func(json.RawMessage) error) error {
	var records []record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode %s/%s: %w", bucket, k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	for _, rec := range records {
		if err := fn(rec.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
