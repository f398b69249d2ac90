package spota

import (
	"errors"
	"fmt"
)

// Status is a profile status code, carried in confirmations, error
// indications and write responses.
type Status uint8

const (
	StatusOK               Status = 0x00
	StatusAppError         Status = 0x80
	StatusInvalidParam     Status = 0x81
	StatusInexistentHandle Status = 0x82
	StatusReqDisallowed    Status = 0x89
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAppError:
		return "app_error"
	case StatusInvalidParam:
		return "invalid_param"
	case StatusInexistentHandle:
		return "inexistent_handle"
	case StatusReqDisallowed:
		return "request_disallowed"
	default:
		return fmt.Sprintf("status(0x%02x)", uint8(s))
	}
}

var (
	// ErrInvalidTable is returned when the characteristic table fails validation.
	ErrInvalidTable = errors.New("invalid characteristic table")

	// ErrInvalidHandle is returned by an AttributeDB for handles it does not hold.
	ErrInvalidHandle = errors.New("invalid attribute handle")

	// ErrValueTooLong is returned by an AttributeDB for values exceeding the slot size.
	ErrValueTooLong = errors.New("attribute value too long")
)

// StatusOf maps an AttributeDB error to the status reported to the peer.
func StatusOf(err error) Status {
	var perr *ProfileError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &perr):
		return perr.Status
	case errors.Is(err, ErrValueTooLong):
		return StatusInvalidParam
	case errors.Is(err, ErrInvalidHandle):
		return StatusInexistentHandle
	default:
		return StatusAppError
	}
}

// ProfileError reports a profile-level failure for a given request.
type ProfileError struct {
	Status  Status
	Request MsgID
}

func (e *ProfileError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Request, e.Status)
}

// Is allows errors.Is to compare ProfileError values by Status.
func (e *ProfileError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ProfileError)
	if !ok {
		return false
	}
	return e.Status == t.Status
}

// ErrReqDisallowed matches any ProfileError with StatusReqDisallowed.
var ErrReqDisallowed = &ProfileError{Status: StatusReqDisallowed}
