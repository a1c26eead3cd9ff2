package model

// Reason is the terminal reason code of a session.
type Reason string

const (
	ReasonExited        Reason = "exited"
	ReasonAuthFailed    Reason = "auth-failed"
	ReasonUnreachable   Reason = "unreachable"
	ReasonIdleTimeout   Reason = "idle-timeout"
	ReasonProtocolError Reason = "protocol-error"
	ReasonSpawnFailed   Reason = "spawn-failed"
	ReasonCanceled      Reason = "canceled"
)

// ProcessExitCode translates a result into a process exit status.
func (r Result) ProcessExitCode() int {
	switch r.Reason {
	case ReasonExited:
		return r.ExitCode
	case ReasonIdleTimeout:
		return 0
	case ReasonAuthFailed:
		return 3
	case ReasonUnreachable:
		return 4
	case ReasonProtocolError:
		return 5
	case ReasonSpawnFailed:
		return 6
	case ReasonCanceled:
		return 130
	default:
		return 1
	}
}
