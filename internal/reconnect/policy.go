// Package reconnect decides whether and when a dropped tenant session should
// be reopened. Everything here is pure; callers own the clock and the timers.
package reconnect

import "time"

// Reason classifies why a transport session ended.
type Reason string

const (
	ReasonLoggedOut          Reason = "logged_out"
	ReasonDeviceRemoved      Reason = "device_removed"
	ReasonCredentialsInvalid Reason = "credentials_invalid"
	ReasonReplaced           Reason = "replaced"
	ReasonBanned             Reason = "banned"
	ReasonClientOutdated     Reason = "client_outdated"
	ReasonPairingFailed      Reason = "pairing_failed"

	ReasonConnectionLost  Reason = "connection_lost"
	ReasonConnectFailed   Reason = "connect_failed"
	ReasonTimedOut        Reason = "timed_out"
	ReasonRestartRequired Reason = "restart_required"
	ReasonUnknown         Reason = "unknown"

	// ReasonChallengeExpired is recorded when a QR or pairing code was never used.
	ReasonChallengeExpired Reason = "challenge_expired"
	// ReasonManual is recorded when the operator disconnects a tenant.
	ReasonManual Reason = "manual"
)

// IsTerminal reports whether a reason must never be retried automatically.
func (r Reason) IsTerminal() bool {
	switch r {
	case ReasonLoggedOut, ReasonDeviceRemoved, ReasonCredentialsInvalid,
		ReasonReplaced, ReasonBanned, ReasonClientOutdated, ReasonPairingFailed,
		ReasonChallengeExpired, ReasonManual:
		return true
	default:
		return false
	}
}

// RevokesCredentials reports whether the stored auth material is no longer usable.
func (r Reason) RevokesCredentials() bool {
	switch r {
	case ReasonLoggedOut, ReasonDeviceRemoved, ReasonCredentialsInvalid:
		return true
	default:
		return false
	}
}

// Policy holds the back-off parameters.
type Policy struct {
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	MaxAttempts int           `json:"max_attempts"`
}

// DefaultPolicy returns a sensible default configuration.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   3 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 5,
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	ShouldRetry bool          `json:"should_retry"`
	Delay       time.Duration `json:"delay"`
	// Terminal is set when the reason itself forbids retrying, as opposed to
	// running out of attempts.
	Terminal bool `json:"terminal"`
}

// Decide maps the 1-based number of the upcoming attempt and the disconnect
// reason to a retry decision.
func (p Policy) Decide(attempt int, reason Reason) Decision {
	if reason.IsTerminal() {
		return Decision{Terminal: true}
	}
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return Decision{}
	}
	return Decision{ShouldRetry: true, Delay: p.Delay(attempt)}
}

// Delay returns min(BaseDelay * 2^(attempt-1), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		// Doubling past half of the int64 range would wrap.
		if delay >= time.Duration(1<<62) {
			delay = time.Duration(1<<63 - 1)
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
