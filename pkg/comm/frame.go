package comm

import (
	"github.com/hypercomm/hypercomm/pkg/serialization"
)

// Frame is an outgoing message buffer.
//
// A frame owns a primary buffer, whose first HeaderSize bytes are reserved
// for the header and whose remainder is filled through the Append methods,
// plus an optional extended buffer: a zero-copy reference to bulk bytes
// transmitted immediately after the primary buffer. Two write cursors track
// how much of each region has been sent, so a partial write suspends and
// resumes without rebuilding the frame.
//
// Building a request:
//
//	f := comm.NewFrame(comm.ProtocolDFSBroker, 2)
//	f.AppendU16(cmdStatus)
//
// Building a response carrying block data:
//
//	f := comm.NewFrameExt(ev.Header.Protocol, 12, block)
//	f.InitializeFromRequest(ev.Header)
//	f.AppendU32(errOK)
//	f.AppendU64(offset)
//
// The header is patched in place at send time, when the final primary and
// extended sizes are known. Size payloadCap to the bytes you will append:
// appends within the stated capacity never reallocate the primary buffer.
type Frame struct {
	Header Header

	enc *serialization.Encoder
	ext []byte

	// wire is the sealed primary buffer; pumps write from it.
	wire    []byte
	dataPos int
	extPos  int
}

// NewFrame creates a frame with a primary buffer sized for payloadCap bytes
// of appended data.
func NewFrame(protocol uint8, payloadCap int) *Frame {
	return NewFrameExt(protocol, payloadCap, nil)
}

// NewFrameExt creates a frame that additionally carries ext as its extended
// buffer. The frame holds a reference to ext without copying; the caller
// must not mutate it until the frame has been sent.
func NewFrameExt(protocol uint8, payloadCap int, ext []byte) *Frame {
	buf := make([]byte, HeaderSize, HeaderSize+payloadCap)
	return &Frame{
		Header: Header{
			Version:   HeaderVersion,
			Protocol:  protocol,
			HeaderLen: HeaderSize,
		},
		enc: serialization.NewEncoderBytes(buf),
		ext: ext,
	}
}

// InitializeFromRequest prepares the frame as a response to the given
// request header: id, group, and protocol are carried over and the REQUEST
// flag is cleared.
func (f *Frame) InitializeFromRequest(h *Header) {
	f.Header.ID = h.ID
	f.Header.GroupID = h.GroupID
	f.Header.Protocol = h.Protocol
	f.Header.Flags = h.Flags &^ FlagRequest
}

// SetGroup tags the frame with a serialization group. Frames sharing a
// non-zero group on one connection are delivered in submission order.
func (f *Frame) SetGroup(group uint32) {
	f.Header.GroupID = group
}

// AddFlag sets a header flag bit.
func (f *Frame) AddFlag(flag uint8) {
	f.Header.Flags |= flag
}

// AppendBool appends a boolean to the primary buffer.
func (f *Frame) AppendBool(v bool) { f.enc.PutBool(v) }

// AppendU8 appends a byte to the primary buffer.
func (f *Frame) AppendU8(v uint8) { f.enc.PutU8(v) }

// AppendU16 appends a 16-bit integer, little-endian.
func (f *Frame) AppendU16(v uint16) { f.enc.PutU16(v) }

// AppendU32 appends a 32-bit integer, little-endian.
func (f *Frame) AppendU32(v uint32) { f.enc.PutU32(v) }

// AppendU64 appends a 64-bit integer, little-endian.
func (f *Frame) AppendU64(v uint64) { f.enc.PutU64(v) }

// AppendVi32 appends a 32-bit variable-length integer.
func (f *Frame) AppendVi32(v uint32) { f.enc.PutVi32(v) }

// AppendVi64 appends a 64-bit variable-length integer.
func (f *Frame) AppendVi64(v uint64) { f.enc.PutVi64(v) }

// AppendStr16 appends a string with a 16-bit length prefix and trailing NUL.
func (f *Frame) AppendStr16(s string) { f.enc.PutStr16(s) }

// AppendVstr appends a string with a vint32 length prefix and trailing NUL.
func (f *Frame) AppendVstr(s string) { f.enc.PutVstr(s) }

// AppendBytes appends a byte blob with a 32-bit length prefix.
func (f *Frame) AppendBytes(b []byte) { f.enc.PutBytes(b) }

// PrimaryLen returns the current primary buffer size including the header.
func (f *Frame) PrimaryLen() int {
	return f.enc.Len()
}

// ExtLen returns the extended buffer size.
func (f *Frame) ExtLen() int {
	return len(f.ext)
}

// TotalLen returns the full wire size of the frame.
func (f *Frame) TotalLen() int {
	return f.PrimaryLen() + f.ExtLen()
}

// seal fixes the header length fields to the final buffer sizes and patches
// the header into the reserved region. Called by the send path once the id
// and flags are final; after seal the frame is wire-ready.
func (f *Frame) seal() {
	f.wire = f.enc.Bytes()
	f.Header.Version = HeaderVersion
	f.Header.HeaderLen = HeaderSize
	f.Header.TotalLen = uint32(len(f.wire) + len(f.ext))
	f.Header.Encode(f.wire[:HeaderSize])
}

// ResetCursors rewinds both write cursors to the start of their buffers.
func (f *Frame) ResetCursors() {
	f.dataPos = 0
	f.extPos = 0
}

// sent reports whether both regions have been fully transmitted.
func (f *Frame) sent() bool {
	return f.dataPos >= len(f.wire) && f.extPos >= len(f.ext)
}
