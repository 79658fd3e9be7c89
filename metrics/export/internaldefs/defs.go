package internaldefs

import (
	goVerify "github.com/MrEthical07/goVerify"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   goVerify.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for export.
type HistogramDef struct {
	ID   goVerify.MetricID
	Name string
	Help string
}

// AuditDroppedName is rendered from Engine.AuditDropped rather than the
// counter snapshot, so it stays accurate with metrics disabled.
const AuditDroppedName = "goverify_audit_dropped_total"

// CounterDefs lists every exported counter in rendering order.
var CounterDefs = []CounterDef{
	{ID: goVerify.MetricCodeRequested, Name: "goverify_code_requested_total", Help: "RequestCode calls, including enumeration-safe decoys."},
	{ID: goVerify.MetricCodeIssued, Name: "goverify_code_issued_total", Help: "Codes generated and handed to a channel."},
	{ID: goVerify.MetricCodeDeliveryFailed, Name: "goverify_code_delivery_failed_total", Help: "Codes whose delivery failed after retries."},
	{ID: goVerify.MetricCodeVerified, Name: "goverify_code_verified_total", Help: "Sessions that verified a correct code."},
	{ID: goVerify.MetricCodeRejected, Name: "goverify_code_rejected_total", Help: "Incorrect code submissions."},
	{ID: goVerify.MetricCodeExpired, Name: "goverify_code_expired_total", Help: "Submissions received after the code expired."},
	{ID: goVerify.MetricAttemptsExceeded, Name: "goverify_attempts_exceeded_total", Help: "Sessions aborted for exhausting verify attempts."},
	{ID: goVerify.MetricRateLimitHit, Name: "goverify_rate_limit_hit_total", Help: "Requests denied by a rate limiter."},
	{ID: goVerify.MetricCredentialRejected, Name: "goverify_credential_rejected_total", Help: "Candidate credentials rejected by policy."},
	{ID: goVerify.MetricCredentialCollected, Name: "goverify_credential_collected_total", Help: "Candidate credentials accepted and hashed."},
	{ID: goVerify.MetricCredentialUpdateSuccess, Name: "goverify_credential_update_success_total", Help: "Credential updates applied by the identity provider."},
	{ID: goVerify.MetricCredentialUpdateFailure, Name: "goverify_credential_update_failure_total", Help: "Credential updates that failed permanently."},
	{ID: goVerify.MetricCredentialUpdateReplayed, Name: "goverify_credential_update_replayed_total", Help: "Confirm calls answered from the idempotency ledger."},
	{ID: goVerify.MetricSessionAborted, Name: "goverify_session_aborted_total", Help: "Sessions that reached the Aborted state."},
	{ID: goVerify.MetricSessionClosedInput, Name: "goverify_session_closed_input_total", Help: "Input received for a closed session."},
	{ID: goVerify.MetricDeliveryRetry, Name: "goverify_delivery_retry_total", Help: "Channel delivery retries."},
	{ID: goVerify.MetricProviderRetry, Name: "goverify_provider_retry_total", Help: "Identity provider update retries."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goVerify.MetricVerifyLatency, Name: "goverify_verify_latency_seconds", Help: "SubmitCode latency histogram."},
}

// HistogramBounds are the upper bounds of the engine latency buckets, in
// seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix spells HistogramBounds for instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array. Missing buckets read as
// zero and extra ones are ignored.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to the running totals
// exposition formats expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
