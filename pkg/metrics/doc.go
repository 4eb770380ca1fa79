// Package metrics exposes Prometheus collectors for the controller: queue
// and worker gauges, assignment and sweep counters, artifact byte counters,
// and API request instrumentation. It also carries a small component health
// checker backing the health endpoint.
package metrics
