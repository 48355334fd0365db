// Package comm implements the asynchronous event-driven network substrate
// every component of the system rides on: framed binary messages over TCP
// and UDP, reactors with timer heaps, request/response correlation with
// timeouts, group-ordered delivery, and background connection management.
//
// The core is an untyped message substrate. It moves frames; it never
// interprets payloads. Consumers build outgoing frames with Frame and the
// serialization codec, register DispatchHandlers for inbound events, and
// drive everything through the Comm facade.
package comm

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed wire size of the message header (16 bytes).
const HeaderSize = 16

// HeaderVersion is the current header format version.
const HeaderVersion = 1

// Sub-protocol tags carried in the header. The core treats them as opaque;
// they exist so a connection multiplexing several services can route by tag.
const (
	ProtocolNone uint8 = iota
	ProtocolDFSBroker
	ProtocolHyperspace
	ProtocolMaster
	ProtocolRangeServer

	protocolMax
)

var protocolNames = [protocolMax]string{
	"none",
	"dfsbroker",
	"hyperspace",
	"master",
	"rangeserver",
}

// ProtocolName returns the symbolic name of a sub-protocol tag.
func ProtocolName(p uint8) string {
	if p < protocolMax {
		return protocolNames[p]
	}
	return "unknown"
}

// Header flag bits.
const (
	// FlagRequest marks a frame as a request; a response may follow.
	FlagRequest uint8 = 0x01

	// FlagIgnoreResponse tells the sender side not to deliver a response;
	// no pending-request record is registered for such a frame.
	FlagIgnoreResponse uint8 = 0x02
)

var (
	// ErrHeaderTooShort indicates fewer than HeaderSize bytes were available.
	ErrHeaderTooShort = errors.New("comm: message too short for header")
	// ErrBadHeaderLen indicates the header length field does not match the
	// implementation's header size.
	ErrBadHeaderLen = errors.New("comm: invalid header length field")
	// ErrBadTotalLen indicates a total length smaller than the header itself.
	ErrBadTotalLen = errors.New("comm: invalid total length field")
)

// Header is the fixed message header prefixing every frame.
//
// Wire layout (little-endian):
//
//	offset  size  field
//	0       1     version
//	1       1     protocol
//	2       1     flags
//	3       1     header_len
//	4       4     id
//	8       4     group_id
//	12      4     total_len
//
// TotalLen covers the header, the primary payload, and the extended payload.
// Responses echo the id and group of the request they answer.
type Header struct {
	Version   uint8
	Protocol  uint8
	Flags     uint8
	HeaderLen uint8
	ID        uint32
	GroupID   uint32
	TotalLen  uint32
}

// ParseHeader decodes a header from wire format and validates its length
// fields. It reads exactly HeaderSize bytes from data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrHeaderTooShort
	}

	h := Header{
		Version:   data[0],
		Protocol:  data[1],
		Flags:     data[2],
		HeaderLen: data[3],
		ID:        binary.LittleEndian.Uint32(data[4:8]),
		GroupID:   binary.LittleEndian.Uint32(data[8:12]),
		TotalLen:  binary.LittleEndian.Uint32(data[12:16]),
	}

	if h.HeaderLen != HeaderSize {
		return Header{}, ErrBadHeaderLen
	}
	if h.TotalLen < HeaderSize {
		return Header{}, ErrBadTotalLen
	}
	return h, nil
}

// Encode writes the header into dst, which must hold at least HeaderSize
// bytes.
func (h *Header) Encode(dst []byte) {
	dst[0] = h.Version
	dst[1] = h.Protocol
	dst[2] = h.Flags
	dst[3] = h.HeaderLen
	binary.LittleEndian.PutUint32(dst[4:8], h.ID)
	binary.LittleEndian.PutUint32(dst[8:12], h.GroupID)
	binary.LittleEndian.PutUint32(dst[12:16], h.TotalLen)
}

// IsRequest reports whether the REQUEST flag is set.
func (h *Header) IsRequest() bool {
	return h.Flags&FlagRequest != 0
}

// IgnoresResponse reports whether the IGNORE_RESPONSE flag is set.
func (h *Header) IgnoresResponse() bool {
	return h.Flags&FlagIgnoreResponse != 0
}

// PayloadLen returns the number of payload bytes following the header.
func (h *Header) PayloadLen() int {
	return int(h.TotalLen) - HeaderSize
}
