package failover

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLeaseSet(t *testing.T) {
	tests := []struct {
		name string
		held []string
		key  string
		want bool
	}{
		{name: "free", key: "alpha", want: true},
		{name: "same key", held: []string{"alpha"}, key: "alpha", want: false},
		{name: "other key", held: []string{"alpha"}, key: "beta", want: true},
		{name: "global while a key is held", held: []string{"alpha"}, key: GlobalKey, want: false},
		{name: "any key while global held", held: []string{GlobalKey}, key: "beta", want: false},
		{name: "global when free", key: GlobalKey, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLeaseSet()
			for _, k := range tt.held {
				assert.True(t, l.acquire(k))
			}
			assert.Equal(t, tt.want, l.acquire(tt.key))
		})
	}
}

func TestLeaseRelease(t *testing.T) {
	l := newLeaseSet()
	assert.True(t, l.acquire(GlobalKey))
	l.release(GlobalKey)
	assert.True(t, l.acquire("alpha"))
	assert.Equal(t, []string{"alpha"}, l.keys())
}
