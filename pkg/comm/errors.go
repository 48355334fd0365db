package comm

import (
	"fmt"
)

// Kind classifies comm-layer failures. Synchronous facade calls return an
// *Error carrying a Kind; asynchronous failures surface as Disconnect and
// Error events whose Err field carries one.
type Kind int

const (
	KindOk Kind = iota
	KindNotConnected
	KindBrokenConnection
	KindConnectFailure
	KindAlreadyConnected
	KindBindFailure
	KindInvalidProxy
	KindMessageTooLong
	KindRequestTimeout
	KindQueueFull
)

var kindNames = map[Kind]string{
	KindOk:               "Ok",
	KindNotConnected:     "CommNotConnected",
	KindBrokenConnection: "CommBrokenConnection",
	KindConnectFailure:   "CommConnectFailure",
	KindAlreadyConnected: "CommAlreadyConnected",
	KindBindFailure:      "CommBindFailure",
	KindInvalidProxy:     "CommInvalidProxy",
	KindMessageTooLong:   "MessageTooLong",
	KindRequestTimeout:   "RequestTimeout",
	KindQueueFull:        "QueueFull",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the typed failure value used across the comm layer.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

// Is matches errors by Kind, so errors.Is(err, ErrNotConnected) works on
// wrapped and detail-carrying values alike.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Sentinel values for errors.Is comparisons.
var (
	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrBrokenConnection = &Error{Kind: KindBrokenConnection}
	ErrConnectFailure   = &Error{Kind: KindConnectFailure}
	ErrAlreadyConnected = &Error{Kind: KindAlreadyConnected}
	ErrBindFailure      = &Error{Kind: KindBindFailure}
	ErrInvalidProxy     = &Error{Kind: KindInvalidProxy}
	ErrMessageTooLong   = &Error{Kind: KindMessageTooLong}
	ErrRequestTimeout   = &Error{Kind: KindRequestTimeout}
	ErrQueueFull        = &Error{Kind: KindQueueFull}
)
