package storage

import (
	"errors"

	"github.com/cuemby/pgwarden/pkg/types"
)

// ErrNotFound is returned when a key has no stored record
var ErrNotFound = errors.New("not found")

// Store persists the node registry. Lists come back in the order records
// were first saved, so registry order survives a restart.
type Store interface {
	// Nodes
	SaveNode(node *types.Node) error
	GetNode(name string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(name string) error

	// Clusters
	SaveCluster(cluster *types.Cluster) error
	GetCluster(name string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	DeleteCluster(name string) error

	// Utility
	Close() error
}
