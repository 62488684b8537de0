// Package metrics exposes Prometheus metrics for the sync client.
//
// Key metrics:
//   - Channel state, connect attempts and received events per topic
//   - Entity cache sizes
//   - Archive insert, conflict and failure counts with flush latency
package metrics
