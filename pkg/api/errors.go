package api

import (
	"errors"
	"net/http"

	"github.com/cuemby/pgwarden/pkg/failover"
	"github.com/cuemby/pgwarden/pkg/manager"
	"github.com/cuemby/pgwarden/pkg/registry"
)

// ErrorResponse is the body of every non-orchestration error
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps registry and manager errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNodeNotFound),
		errors.Is(err, registry.ErrClusterNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNodeExists),
		errors.Is(err, registry.ErrClusterExists),
		errors.Is(err, registry.ErrAlreadyAttached),
		errors.Is(err, manager.ErrNodeIsPrimary),
		errors.Is(err, failover.ErrConcurrentOperationConflict):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidNode),
		errors.Is(err, registry.ErrInvalidCluster),
		errors.Is(err, registry.ErrNotAttached),
		errors.Is(err, manager.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// resultStatus maps an orchestration outcome to an HTTP status code. An
// already-satisfied request is not an error.
func resultStatus(kind failover.Kind) int {
	switch kind {
	case "", failover.KindAlreadyInDesiredState:
		return http.StatusOK
	case failover.KindInvalidNode:
		return http.StatusBadRequest
	case failover.KindConcurrentOperationConflict:
		return http.StatusConflict
	case failover.KindNodeUnreachable:
		return http.StatusServiceUnavailable
	case failover.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

// writeResult always sends the structured Result, so the failed step, the
// kind and the safety violation flag reach the caller
func writeResult(w http.ResponseWriter, res *failover.Result, err error) {
	if res == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resultStatus(failover.KindOf(err)), res)
}
