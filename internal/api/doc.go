// Package api exposes the marketplace over HTTP: agent registration and
// discovery, the credit ledger, single-job hires, asynchronous dispatch
// callbacks and pipeline runs. Errors are returned as
// {"error":{"code":...,"message":...}} with the status registered for the
// error code.
package api
