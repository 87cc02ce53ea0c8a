// Package agent hosts skills behind the job protocol. A Container turns plain
// Go functions into an agent that validates incoming jobs, runs them and
// reports structured results, either in-process through dispatch.LocalTransport
// or over HTTP through Handler.
package agent
