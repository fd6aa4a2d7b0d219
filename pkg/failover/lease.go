package failover

import (
	"sync"

	goset "github.com/deckarep/golang-set/v2"
)

// GlobalKey leases every node in the registry
const GlobalKey = "*"

// leaseSet hands out try-acquire leases by key. The global key conflicts
// with every other key.
type leaseSet struct {
	mu   sync.Mutex
	held goset.Set[string]
}

func newLeaseSet() *leaseSet {
	return &leaseSet{held: goset.NewThreadUnsafeSet[string]()}
}

// acquire takes the lease for key and reports whether it succeeded. It never
// waits.
func (l *leaseSet) acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held.Contains(GlobalKey) {
		return false
	}
	if key == GlobalKey && l.held.Cardinality() > 0 {
		return false
	}
	return l.held.Add(key)
}

func (l *leaseSet) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held.Remove(key)
}

// keys lists the keys currently leased
func (l *leaseSet) keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held.ToSlice()
}
