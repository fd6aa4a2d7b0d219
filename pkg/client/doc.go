/*
Package client provides a Go client for the pgwarden HTTP API.

The CLI uses it so that one-shot commands run through the long-running
server instead of building a second orchestrator with its own lease table:

	c, err := client.NewClient("127.0.0.1:8080")
	res, err := c.Promote(ctx, "node2")

Orchestration calls return the server's failover.Result together with a
*ResultError whenever the run did not reach Done. ResultError matches the
failover sentinels, so errors.Is(err, failover.ErrConcurrentOperationConflict)
behaves the same against the server as against an in-process Manager.

Other failures come back as *APIError, which matches ErrNotFound,
ErrConflict and ErrBadRequest by status code.
*/
package client
