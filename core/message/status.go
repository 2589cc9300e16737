package message

// Status is the numeric outcome code carried by Result and Status
// sub-messages, modeled on HTTP-style status codes.
type Status int

// Status codes. Anything >= BadRequest is a terminal failure.
const (
	StatusContinue           Status = 100
	StatusOk                 Status = 200
	StatusAccepted           Status = 202
	StatusPartial            Status = 206
	StatusPartialComplete    Status = 210
	StatusComplete           Status = 205
	StatusBadRequest         Status = 400
	StatusUnauthorized       Status = 401
	StatusForbidden          Status = 403
	StatusNotFound           Status = 404
	StatusNotAllowed         Status = 405
	StatusInternalError      Status = 500
	StatusNotImplemented     Status = 501
	StatusServiceUnavailable Status = 502
	StatusExpFailed          Status = 417
)

// IsTerminalError reports whether s is a failure status: error codes
// >= BadRequest are treated as terminal failures.
func (s Status) IsTerminalError() bool {
	return s >= StatusBadRequest
}

// String renders a short human label for logging.
func (s Status) String() string {
	switch s {
	case StatusContinue:
		return "Continue"
	case StatusOk:
		return "Ok"
	case StatusAccepted:
		return "Accepted"
	case StatusPartial:
		return "Partial"
	case StatusPartialComplete:
		return "PartialComplete"
	case StatusComplete:
		return "Complete"
	case StatusBadRequest:
		return "BadRequest"
	case StatusUnauthorized:
		return "Unauthorized"
	case StatusForbidden:
		return "Forbidden"
	case StatusNotFound:
		return "NotFound"
	case StatusNotAllowed:
		return "NotAllowed"
	case StatusInternalError:
		return "InternalServerError"
	case StatusNotImplemented:
		return "NotImplemented"
	case StatusServiceUnavailable:
		return "ServiceUnavailable"
	case StatusExpFailed:
		return "ExpectationFailed"
	default:
		return "Unknown"
	}
}
