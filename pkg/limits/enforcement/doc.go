// Package enforcement maps budget actions to call dispositions.
//
// # Overview
//
// A call ends with exactly one Disposition, ordered by severity:
//
//   - Allow: the call proceeds unchanged
//   - Throttle: the call proceeds, and the caller should slow down
//   - Downgrade: the call should move to a cheaper routing stage
//   - Block: the call is refused
//
// Thresholds and hard limits produce Outcomes; the disposition of a call is
// the most severe outcome across every budget that matched it.
//
// # Usage
//
//	d := enforcement.Allow
//	for _, hit := range hits {
//	    d = enforcement.Max(d, enforcement.ForHardLimit(hit.Action).Disposition)
//	}
//
//	enforcer := enforcement.NewEnforcer(enforcement.Config{ThrottleDelay: time.Second})
//	retry := enforcer.RetryAfter(d, windowEnd, now)
//
// # Thread Safety
//
// The Enforcer is immutable and can be used concurrently from multiple goroutines.
package enforcement
