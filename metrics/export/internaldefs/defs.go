package internaldefs

import (
	"github.com/okada-platform/authcore"
)

type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// CounterDefs names every counter exported by both exporters.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricRegisterSuccess, Name: "authcore_register_success_total", Help: "Identities registered."},
	{ID: authcore.MetricRegisterConflict, Name: "authcore_register_conflict_total", Help: "Registrations rejected as duplicate."},
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Successful logins."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Failed logins."},
	{ID: authcore.MetricLoginLocked, Name: "authcore_login_locked_total", Help: "Logins rejected because the account is locked."},
	{ID: authcore.MetricAccountLocked, Name: "authcore_account_locked_total", Help: "Accounts locked after repeated failures."},
	{ID: authcore.MetricAccountUnlocked, Name: "authcore_account_unlocked_total", Help: "Accounts unlocked by reset or admin action."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful refresh-token rotations."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Rejected refresh attempts."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected_total", Help: "Refresh token reuse detections (family revoked)."},
	{ID: authcore.MetricLogout, Name: "authcore_logout_total", Help: "Single-session logouts."},
	{ID: authcore.MetricLogoutAll, Name: "authcore_logout_all_total", Help: "Logout-all operations."},
	{ID: authcore.MetricTokenRevoked, Name: "authcore_token_revoked_total", Help: "Access tokens rejected as revoked."},
	{ID: authcore.MetricCodeSent, Name: "authcore_code_sent_total", Help: "Verification codes delivered."},
	{ID: authcore.MetricCodeDeliveryFailed, Name: "authcore_code_delivery_failed_total", Help: "Verification codes the notifier failed to deliver."},
	{ID: authcore.MetricCodeVerified, Name: "authcore_code_verified_total", Help: "Verification codes confirmed."},
	{ID: authcore.MetricCodeFailed, Name: "authcore_code_failed_total", Help: "Verification code comparisons that failed."},
	{ID: authcore.MetricCodeAttemptsExceeded, Name: "authcore_code_attempts_exceeded_total", Help: "Verification codes exhausted by failed attempts."},
	{ID: authcore.MetricPasswordResetRequest, Name: "authcore_password_reset_request_total", Help: "Password reset requests."},
	{ID: authcore.MetricPasswordResetConfirm, Name: "authcore_password_reset_confirm_total", Help: "Completed password resets."},
	{ID: authcore.MetricPasswordChange, Name: "authcore_password_change_total", Help: "Completed password changes."},
	{ID: authcore.MetricRateLimitHit, Name: "authcore_rate_limit_hit_total", Help: "Rate-limit checks that denied a request."},
	{ID: authcore.MetricRateLimitDegraded, Name: "authcore_rate_limit_degraded_total", Help: "Rate-limit checks that failed open."},
	{ID: authcore.MetricRevocationUnavailable, Name: "authcore_revocation_unavailable_total", Help: "Token validations rejected because the revocation index was unreachable."},
	{ID: authcore.MetricSweepRemoved, Name: "authcore_sweep_removed_total", Help: "Rows deactivated, deleted or unlocked by maintenance sweeps."},
}

var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricValidateLatency, Name: "authcore_validate_latency_seconds", Help: "Access token validation latency."},
	{ID: authcore.MetricLoginLatency, Name: "authcore_login_latency_seconds", Help: "Login latency, including password hashing."},
}

// HistogramBounds are the upper bounds of the core buckets, in seconds.
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

// NormalizeBuckets pads or truncates raw to the eight core buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	copy(out[:], raw)
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i, v := range raw {
		running += v
		out[i] = running
	}
	return out
}
