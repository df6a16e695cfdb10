// Package alerting decides when a listing alerts and delivers queued alerts.
package alerting

// ShouldAlert reports whether a listing crosses threshold for the first
// time. A listing that already alerted never alerts again.
func ShouldAlert(threshold, score float64, alerted bool) bool {
	return !alerted && score >= threshold
}
