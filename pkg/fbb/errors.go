package fbb

import "fmt"

// ProtocolError reports a malformed or unexpected line from the peer:
// bad verdict counts, batch checksum mismatches, invalid message headers,
// commands out of state.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "fbb: protocol error: " + e.Reason
}

func protoErrf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// AuthError reports a failed challenge-response exchange, including a
// challenge arriving with no shared secret configured
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "fbb: auth error: " + e.Reason
}

// LimitError reports that the peer's traffic limit stopped the session
// before the outbound queue was drained. The session itself ended cleanly.
type LimitError struct {
	Undelivered int // Messages still queued when the limit latched
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("fbb: traffic limit reached with %d messages undelivered", e.Undelivered)
}

// ConfigError reports invalid session configuration
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "fbb: config error: " + e.Reason
}
