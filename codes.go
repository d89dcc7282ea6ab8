package routing

// Code is a status surfaced to the owning process or to response callbacks.
// Values at or above CodeSuccess delivered through NetworkStatus are close
// peer counts; negative values are terminal or failure statuses.
type Code int

const (
	CodeSuccess Code = 0

	CodeGeneralError          Code = -1
	CodeNotJoined             Code = -2
	CodeInvalidDestination    Code = -3
	CodeUnreachable           Code = -4
	CodeTimedOut              Code = -5
	CodeAnonymousSessionEnded Code = -6
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeGeneralError:
		return "general error"
	case CodeNotJoined:
		return "not joined"
	case CodeInvalidDestination:
		return "invalid destination"
	case CodeUnreachable:
		return "unreachable"
	case CodeTimedOut:
		return "timed out"
	case CodeAnonymousSessionEnded:
		return "anonymous session ended"
	default:
		return "unknown code"
	}
}
