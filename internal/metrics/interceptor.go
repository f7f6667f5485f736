package metrics

import "time"

// RecordRPC records a single local JSON-RPC dispatch (C7) by method name
// and result code ("ok" or an error code from the §7 taxonomy).
func RecordRPC(method, code string, start time.Time) {
	RPCRequestsTotal.WithLabelValues(method, code).Inc()
	RPCRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
