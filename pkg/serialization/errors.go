package serialization

import "errors"

var (
	// ErrInputOverrun indicates the decoder ran out of input before the
	// value was complete.
	ErrInputOverrun = errors.New("serialization: input overrun")

	// ErrBadVint indicates a variable-length integer did not terminate
	// within its permitted maximum byte count.
	ErrBadVint = errors.New("serialization: bad vint encoding")

	// ErrBadCstr indicates the mandatory trailing NUL of an encoded string
	// was absent.
	ErrBadCstr = errors.New("serialization: bad c-string terminator")
)
