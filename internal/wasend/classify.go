package wasend

// CloseCategory buckets a numeric disconnect code into the retry decision
// the supervisor takes.
type CloseCategory int

const (
	// CloseTemporary is retryable within the backoff budget.
	CloseTemporary CloseCategory = iota
	// CloseRateLimited is retryable with a doubled backoff delay.
	CloseRateLimited
	// CloseLoggedOut means the remote peer unlinked the device: purge
	// credentials, never auto-reconnect.
	CloseLoggedOut
	// CloseFatal is terminal but keeps credentials for a manual retry.
	CloseFatal
)

func (c CloseCategory) String() string {
	switch c {
	case CloseRateLimited:
		return "rate_limited"
	case CloseLoggedOut:
		return "logged_out"
	case CloseFatal:
		return "fatal"
	default:
		return "temporary"
	}
}

// Disconnect codes as surfaced by the remote stream.
const (
	CodeLoggedOut       = 401
	CodeForbidden       = 403
	CodeConnectionLost  = 408
	CodeMDMismatch      = 411
	CodeRateLimited     = 429
	CodeBadSession      = 500
	CodeUnavailable     = 503
	CodeReplaced        = 440
	CodeRestartRequired = 515
)

// Classify maps a disconnect code to its retry category. Unknown codes are
// treated as temporary; the retry budget bounds the damage of a wrong
// guess.
func Classify(code int) CloseCategory {
	switch code {
	case CodeLoggedOut:
		return CloseLoggedOut
	case CodeRateLimited:
		return CloseRateLimited
	case CodeForbidden, CodeReplaced, CodeMDMismatch, CodeBadSession:
		return CloseFatal
	case CodeConnectionLost, CodeUnavailable, CodeRestartRequired:
		return CloseTemporary
	default:
		return CloseTemporary
	}
}
