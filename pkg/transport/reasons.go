package transport

type DisconnectReason string

const (
	ReasonUnknown             DisconnectReason = "unknown"
	ReasonConnectionClosed    DisconnectReason = "connection_closed"
	ReasonConnectionLost      DisconnectReason = "connection_lost"
	ReasonTimedOut            DisconnectReason = "timed_out"
	ReasonReplaced            DisconnectReason = "connection_replaced"
	ReasonRestartRequired     DisconnectReason = "restart_required"
	ReasonServiceUnavailable  DisconnectReason = "service_unavailable"
	ReasonLoggedOut           DisconnectReason = "logged_out"
	ReasonBadSession          DisconnectReason = "bad_session"
	ReasonForbidden           DisconnectReason = "forbidden"
	ReasonMultideviceMismatch DisconnectReason = "multidevice_mismatch"
	ReasonPairingTimeout      DisconnectReason = "pairing_timeout"
)

// Terminal reports whether the credential was explicitly invalidated. A
// terminal disconnect is never followed by an automatic reconnect.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonLoggedOut
}

// CredentialInvalid reports whether stored credentials must be wiped before
// the next connection attempt so that a fresh pairing challenge is issued.
func (r DisconnectReason) CredentialInvalid() bool {
	switch r {
	case ReasonBadSession, ReasonForbidden, ReasonMultideviceMismatch, ReasonPairingTimeout:
		return true
	default:
		return false
	}
}

// ReasonFromStatusCode maps the numeric close codes used by the upstream
// protocol to a DisconnectReason.
func ReasonFromStatusCode(code int) DisconnectReason {
	switch code {
	case 401:
		return ReasonLoggedOut
	case 403:
		return ReasonForbidden
	case 408:
		return ReasonConnectionLost
	case 411:
		return ReasonMultideviceMismatch
	case 428:
		return ReasonConnectionClosed
	case 440:
		return ReasonReplaced
	case 500:
		return ReasonBadSession
	case 503:
		return ReasonServiceUnavailable
	case 515:
		return ReasonRestartRequired
	default:
		return ReasonUnknown
	}
}
