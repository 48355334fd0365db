package comm

import (
	"fmt"
	"net"
)

// EventType discriminates the events delivered to dispatch handlers.
type EventType uint8

const (
	// EventConnectionEstablished signals a connection reached its usable
	// state (socket open, handshake complete when an initializer is set).
	EventConnectionEstablished EventType = iota + 1

	// EventDisconnect signals a connection was lost or closed. Err carries
	// the cause.
	EventDisconnect

	// EventMessage carries a complete inbound frame.
	EventMessage

	// EventError signals an asynchronous failure tied to a peer, such as a
	// request timeout or a connect failure.
	EventError

	// EventTimer signals a timer armed with SetTimer has fired.
	EventTimer
)

func (t EventType) String() string {
	switch t {
	case EventConnectionEstablished:
		return "CONNECTION_ESTABLISHED"
	case EventDisconnect:
		return "DISCONNECT"
	case EventMessage:
		return "MESSAGE"
	case EventError:
		return "ERROR"
	case EventTimer:
		return "TIMER"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// Event is the tagged record delivered to dispatch handlers. Header and
// Payload are populated only for EventMessage; Err only for EventDisconnect
// and EventError; Peer for everything except EventTimer and the
// connect-failure EventError raised by ConnectionManager, which carries a
// nil Peer.
type Event struct {
	Type    EventType
	Peer    net.Addr
	Header  *Header
	Payload []byte
	Err     error
}

func newConnectionEstablishedEvent(peer net.Addr) *Event {
	return &Event{Type: EventConnectionEstablished, Peer: peer}
}

func newDisconnectEvent(peer net.Addr, err error) *Event {
	return &Event{Type: EventDisconnect, Peer: peer, Err: err}
}

func newMessageEvent(peer net.Addr, header *Header, payload []byte) *Event {
	return &Event{Type: EventMessage, Peer: peer, Header: header, Payload: payload}
}

func newErrorEvent(peer net.Addr, err error) *Event {
	return &Event{Type: EventError, Peer: peer, Err: err}
}

func newTimerEvent() *Event {
	return &Event{Type: EventTimer}
}

func (e *Event) String() string {
	switch e.Type {
	case EventMessage:
		return fmt.Sprintf("Event{MESSAGE peer=%v id=%d proto=%s len=%d}",
			e.Peer, e.Header.ID, ProtocolName(e.Header.Protocol), e.Header.TotalLen)
	case EventDisconnect, EventError:
		return fmt.Sprintf("Event{%s peer=%v err=%v}", e.Type, e.Peer, e.Err)
	case EventTimer:
		return "Event{TIMER}"
	default:
		return fmt.Sprintf("Event{%s peer=%v}", e.Type, e.Peer)
	}
}
