package engine

import (
	"github.com/VictoriaMetrics/metrics"
)

// Process-wide counters. The HTTP layer exposes them in Prometheus text
// format; tests read them through the same package.
var (
	opsCommitted       = metrics.GetOrCreateCounter(`canvasync_ops_committed_total`)
	opsRejected        = metrics.GetOrCreateCounter(`canvasync_ops_rejected_total`)
	syncRetries        = metrics.GetOrCreateCounter(`canvasync_sync_retries_total`)
	syncConflicts      = metrics.GetOrCreateCounter(`canvasync_sync_conflicts_total`)
	remoteMerges       = metrics.GetOrCreateCounter(`canvasync_remote_merges_total`)
	offlineTransitions = metrics.GetOrCreateCounter(`canvasync_offline_transitions_total`)
	presenceWrites     = metrics.GetOrCreateCounter(`canvasync_presence_writes_total`)
	presenceCoalesced  = metrics.GetOrCreateCounter(`canvasync_presence_coalesced_total`)
	presenceStaleDrops = metrics.GetOrCreateCounter(`canvasync_presence_stale_dropped_total`)
)
