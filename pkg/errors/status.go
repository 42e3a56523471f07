package errors

import "errors"

// Signaling status codes carried in wsDisconnect messages. The values mirror
// the SIP reason codes existing clients expect.
const (
	StatusNormal             = 200
	StatusBadRequest         = 400
	StatusForbidden          = 403
	StatusNotFound           = 404
	StatusBadSDP             = 420
	StatusNoConversation     = 481
	StatusBusy               = 486
	StatusUnsupportedMedia   = 488
	StatusInternalError      = 500
	StatusDecline            = 603
)

var errorStatusCodes = map[error]int{
	ErrInvalidInput:       StatusBadRequest,
	ErrNotSignedIn:        StatusForbidden,
	ErrPeerNotFound:       StatusNotFound,
	ErrNotFound:           StatusNotFound,
	ErrInvalidSDP:         StatusBadSDP,
	ErrMissingAudio:       StatusBadSDP,
	ErrMissingCandidates:  StatusBadSDP,
	ErrMissingSDES:        StatusBadSDP,
	ErrPeerBusy:           StatusBusy,
	ErrUnsupportedMedia:   StatusUnsupportedMedia,
	ErrStalePairing:       StatusNoConversation,
	ErrSessionNotFound:    StatusInternalError,
	ErrProxyFailure:       StatusInternalError,
	ErrProxyTimeout:       StatusInternalError,
	ErrInternalError:      StatusInternalError,
	ErrTimeout:            StatusInternalError,
	ErrFailedPrecondition: StatusInternalError,
}

// StatusFromError translates an error into the wsDisconnect status vocabulary.
// Unrecognized errors map to 500.
func StatusFromError(err error) int {
	if err == nil {
		return StatusNormal
	}

	var serr *Error
	if errors.As(err, &serr) && serr.original != nil {
		if code, ok := statusLookup(serr.original); ok {
			return code
		}
	}
	if code, ok := statusLookup(err); ok {
		return code
	}
	return StatusInternalError
}

// StatusText returns the reason phrase for a signaling status code.
func StatusText(status int) string {
	switch status {
	case StatusNormal:
		return "Normal Clearing"
	case StatusBadRequest:
		return "Bad Request"
	case StatusForbidden:
		return "Forbidden"
	case StatusNotFound:
		return "Peer Not Found"
	case StatusBadSDP:
		return "Bad SDP"
	case StatusNoConversation:
		return "No Active Conversation"
	case StatusBusy:
		return "Busy Here"
	case StatusUnsupportedMedia:
		return "Unsupported Media Type"
	case StatusDecline:
		return "Decline"
	}
	return "Internal Server Error"
}

func statusLookup(err error) (int, bool) {
	for sentinel, code := range errorStatusCodes {
		if errors.Is(err, sentinel) {
			return code, true
		}
	}
	return 0, false
}
