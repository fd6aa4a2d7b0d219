package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name  string
		setup func()
		want  string
	}{
		{
			name: "all healthy",
			setup: func() {
				RegisterComponent(ComponentAPI, true, "")
				RegisterComponent(ComponentRegistry, true, "")
			},
			want: "healthy",
		},
		{
			name: "degraded topology",
			setup: func() {
				RegisterComponent(ComponentAPI, true, "")
				MarkDegraded(ComponentTopology, "no primary")
			},
			want: "degraded",
		},
		{
			name: "unhealthy wins over degraded",
			setup: func() {
				MarkDegraded(ComponentTopology, "no primary")
				RegisterComponent(ComponentControl, false, "containerd socket unavailable")
			},
			want: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			tt.setup()
			assert.Equal(t, tt.want, GetHealth().Status)
		})
	}
}

func TestUpdateComponent(t *testing.T) {
	resetHealth(t)

	RegisterComponent("test", true, "ok")
	UpdateComponent("test", false, "error")

	comp := healthChecker.components["test"]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "error", comp.Message)
	assert.Equal(t, "unhealthy: error", GetHealth().Components["test"])
}

func TestGetReadiness(t *testing.T) {
	t.Run("all critical ready", func(t *testing.T) {
		resetHealth(t)
		RegisterComponent(ComponentRegistry, true, "")
		RegisterComponent(ComponentControl, true, "")
		RegisterComponent(ComponentAPI, true, "")
		MarkDegraded(ComponentTopology, "no primary")

		assert.Equal(t, "ready", GetReadiness().Status)
	})

	t.Run("missing critical component", func(t *testing.T) {
		resetHealth(t)
		RegisterComponent(ComponentAPI, true, "")

		r := GetReadiness()
		assert.Equal(t, "not_ready", r.Status)
		assert.NotEmpty(t, r.Message)
	})

	t.Run("custom critical set", func(t *testing.T) {
		resetHealth(t)
		SetCriticalComponents(ComponentAPI)
		RegisterComponent(ComponentAPI, true, "")

		assert.Equal(t, "ready", GetReadiness().Status)
	})
}

func TestHandlers(t *testing.T) {
	resetHealth(t)
	SetVersion("test")
	RegisterComponent(ComponentAPI, true, "")

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
		want     string
	}{
		{name: "health", handler: HealthHandler(), wantCode: http.StatusOK, want: "healthy"},
		{name: "ready", handler: ReadyHandler(), wantCode: http.StatusServiceUnavailable, want: "not_ready"},
		{name: "live", handler: LivenessHandler(), wantCode: http.StatusOK, want: "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/"+tt.name, nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.want, body["status"])
		})
	}
}
