package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRestartBudget(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		grace   time.Duration
	}{
		{name: "configured", timeout: 60 * time.Second, grace: 30 * time.Second},
		{name: "short", timeout: time.Second, grace: 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grace := restartGrace(tt.timeout)
			assert.Equal(t, tt.grace, grace)
			assert.Less(t, grace, tt.timeout, "the stop leaves time for the start")
		})
	}
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, DefaultTimeout, remaining(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	left := remaining(ctx)
	assert.Greater(t, left, 50*time.Second)
	assert.LessOrEqual(t, left, time.Minute)

	expired, cancel2 := context.WithTimeout(context.Background(), -time.Second)
	defer cancel2()
	assert.Equal(t, time.Nanosecond, remaining(expired))
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, DefaultTimeout, orDefault(0))
	assert.Equal(t, DefaultTimeout, orDefault(-time.Second))
	assert.Equal(t, time.Second, orDefault(time.Second))
}
