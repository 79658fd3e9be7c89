// Package prometheus renders goVerify metrics in Prometheus text format.
//
// [NewPrometheusExporter] wraps a [goVerify.Engine] and exposes an
// [http.Handler] for a /metrics route. Counters are named
// goverify_*_total and the SubmitCode histogram is
// goverify_verify_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry. Callers mount the Handler.
//   - Mutate engine state.
package prometheus
