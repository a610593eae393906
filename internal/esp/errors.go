package esp

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame covers bad SOF/EOF markers and impossible lengths.
	// Frames failing this way are line noise and are dropped.
	ErrMalformedFrame = errors.New("esp: malformed frame")

	// ErrChecksumMismatch is returned when a checksum-bearing frame fails
	// validation. Also dropped.
	ErrChecksumMismatch = errors.New("esp: checksum mismatch")

	// ErrRequestTimeout means no matching response arrived in time.
	ErrRequestTimeout = errors.New("esp: request timed out")

	// ErrNotConnected is returned when a request is attempted with no link.
	ErrNotConnected = errors.New("esp: not connected")
)

// RequestError is produced when the detector answers a request with one of
// its error packets instead of the expected response.
type RequestError struct {
	// Response is the error packet id the detector sent.
	Response PacketID
	// Request is the packet id the detector rejected.
	Request PacketID
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("esp: %s rejected with %s", e.Request, e.Response)
}

// IsRequestError returns true if err is or wraps a *RequestError.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}
