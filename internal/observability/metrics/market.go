package metrics

import "time"

var (
	transfers = defaultRegistry.counter("chorus_ledger_transfers_total",
		"Ledger transfer attempts by outcome.", "outcome")
	transferVolume = defaultRegistry.counter("chorus_ledger_volume_credits_total",
		"Credits moved by successful transfers.")
	dispatches = defaultRegistry.counter("chorus_jobs_dispatched_total",
		"Jobs dispatched to agents by result status and error code.", "status", "error_code")
	jobLatency = defaultRegistry.histogram("chorus_job_duration_seconds",
		"Wall time of job dispatches.", durationBuckets)
	settlements = defaultRegistry.counter("chorus_settlements_total",
		"Settlement attempts by outcome.", "outcome")
	pipelineRuns = defaultRegistry.counter("chorus_pipeline_runs_total",
		"Finished pipeline runs by status.", "status")
	pipelineNodes = defaultRegistry.counter("chorus_pipeline_node_transitions_total",
		"Pipeline node state transitions.", "status")
)

// ObserveTransfer counts a ledger transfer attempt. amount is only added to
// the volume counter for successful transfers.
func ObserveTransfer(outcome string, amount float64) {
	transfers.inc(outcome)
	if outcome == "ok" {
		transferVolume.add(amount)
	}
}

// ObserveDispatch records the outcome and latency of one job dispatch.
func ObserveDispatch(status, errorCode string, duration time.Duration) {
	dispatches.inc(status, errorCode)
	jobLatency.observe(duration.Seconds())
}

// ObserveSettlement counts settlement outcomes (paid, unpaid, transfer_failed, error).
func ObserveSettlement(outcome string) { settlements.inc(outcome) }

// ObservePipelineRun counts finished pipeline runs by terminal status.
func ObservePipelineRun(status string) { pipelineRuns.inc(status) }

// ObservePipelineNode counts node state transitions.
func ObservePipelineNode(status string) { pipelineNodes.inc(status) }
