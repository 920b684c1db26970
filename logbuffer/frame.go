package logbuffer

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Frame header layout, 32 bytes, little-endian:
//
//	0:  frame_length   int32   written last with release ordering
//	4:  version        uint8
//	5:  flags          uint8   0x80 begin fragment, 0x40 end fragment
//	6:  type           uint16  0x01 data, 0x00 pad
//	8:  term_offset    int32
//	12: session_id     int32
//	16: stream_id      int32
//	20: term_id        int32
//	24: reserved_value int64
const (
	FrameAlignment        = 32
	DataFrameHeaderLength = 32

	frameLengthFieldOffset   = 0
	versionFieldOffset       = 4
	flagsFieldOffset         = 5
	typeFieldOffset          = 6
	termOffsetFieldOffset    = 8
	sessionIDFieldOffset     = 12
	streamIDFieldOffset      = 16
	termIDFieldOffset        = 20
	reservedValueFieldOffset = 24

	// FrameTypePad marks the unused tail of a term or an unblocked hole.
	FrameTypePad uint16 = 0x00

	// FrameTypeData marks a message fragment.
	FrameTypeData uint16 = 0x01

	// BeginFragFlag is set on the first fragment of a message.
	BeginFragFlag uint8 = 0x80

	// EndFragFlag is set on the last fragment of a message.
	EndFragFlag uint8 = 0x40

	// UnfragmentedFlags marks a message carried whole in one frame.
	UnfragmentedFlags = BeginFragFlag | EndFragFlag

	// FrameVersion is the current frame header version.
	FrameVersion uint8 = 0
)

// FrameLengthVolatile reads a frame length with acquire ordering.  A
// non-zero value means the header and payload of the frame are fully
// written.
func FrameLengthVolatile(buf []byte, termOffset int32) int32 {
	return atomic.LoadInt32((*int32)(unsafe.Pointer(&buf[termOffset+frameLengthFieldOffset])))
}

// SetFrameLengthOrdered commits a frame by publishing its length with
// release ordering.
func SetFrameLengthOrdered(buf []byte, termOffset, frameLength int32) {
	atomic.StoreInt32((*int32)(unsafe.Pointer(&buf[termOffset+frameLengthFieldOffset])), frameLength)
}

// CasFrameLength conditionally replaces a frame length.
func CasFrameLength(buf []byte, termOffset, expected, update int32) bool {
	return atomic.CompareAndSwapInt32(
		(*int32)(unsafe.Pointer(&buf[termOffset+frameLengthFieldOffset])), expected, update)
}

func FrameVersionOf(buf []byte, termOffset int32) uint8 {
	return buf[termOffset+versionFieldOffset]
}

func FrameFlags(buf []byte, termOffset int32) uint8 {
	return buf[termOffset+flagsFieldOffset]
}

func SetFrameFlags(buf []byte, termOffset int32, flags uint8) {
	buf[termOffset+flagsFieldOffset] = flags
}

func FrameType(buf []byte, termOffset int32) uint16 {
	return binary.LittleEndian.Uint16(buf[termOffset+typeFieldOffset:])
}

func SetFrameType(buf []byte, termOffset int32, frameType uint16) {
	binary.LittleEndian.PutUint16(buf[termOffset+typeFieldOffset:], frameType)
}

// IsPaddingFrame reports whether the frame at termOffset pads out a term or
// an unblocked hole.
func IsPaddingFrame(buf []byte, termOffset int32) bool {
	return FrameType(buf, termOffset) == FrameTypePad
}

func FrameTermOffset(buf []byte, termOffset int32) int32 {
	return int32(binary.LittleEndian.Uint32(buf[termOffset+termOffsetFieldOffset:]))
}

func FrameSessionID(buf []byte, termOffset int32) int32 {
	return int32(binary.LittleEndian.Uint32(buf[termOffset+sessionIDFieldOffset:]))
}

func FrameStreamID(buf []byte, termOffset int32) int32 {
	return int32(binary.LittleEndian.Uint32(buf[termOffset+streamIDFieldOffset:]))
}

func FrameTermID(buf []byte, termOffset int32) int32 {
	return int32(binary.LittleEndian.Uint32(buf[termOffset+termIDFieldOffset:]))
}

func FrameReservedValue(buf []byte, termOffset int32) int64 {
	return int64(binary.LittleEndian.Uint64(buf[termOffset+reservedValueFieldOffset:]))
}

func SetFrameReservedValue(buf []byte, termOffset int32, value int64) {
	binary.LittleEndian.PutUint64(buf[termOffset+reservedValueFieldOffset:], uint64(value))
}

// HeaderWriter stamps frame headers for one publication.  The frame length
// field is left zero; committing the frame is the caller's release store.
type HeaderWriter struct {
	SessionID int32
	StreamID  int32
}

// Write lays down a data frame header at termOffset with a zero length.
func (h HeaderWriter) Write(buf []byte, termOffset, termID int32) {
	binary.LittleEndian.PutUint32(buf[termOffset+frameLengthFieldOffset:], 0)
	buf[termOffset+versionFieldOffset] = FrameVersion
	buf[termOffset+flagsFieldOffset] = 0
	SetFrameType(buf, termOffset, FrameTypeData)
	binary.LittleEndian.PutUint32(buf[termOffset+termOffsetFieldOffset:], uint32(termOffset))
	binary.LittleEndian.PutUint32(buf[termOffset+sessionIDFieldOffset:], uint32(h.SessionID))
	binary.LittleEndian.PutUint32(buf[termOffset+streamIDFieldOffset:], uint32(h.StreamID))
	binary.LittleEndian.PutUint32(buf[termOffset+termIDFieldOffset:], uint32(termID))
	binary.LittleEndian.PutUint64(buf[termOffset+reservedValueFieldOffset:], 0)
}

// DefaultFrameHeader builds the header template stored in log metadata.
func DefaultFrameHeader(sessionID, streamID int32) []byte {
	header := make([]byte, DataFrameHeaderLength)
	header[versionFieldOffset] = FrameVersion
	header[flagsFieldOffset] = UnfragmentedFlags
	binary.LittleEndian.PutUint16(header[typeFieldOffset:], FrameTypeData)
	binary.LittleEndian.PutUint32(header[sessionIDFieldOffset:], uint32(sessionID))
	binary.LittleEndian.PutUint32(header[streamIDFieldOffset:], uint32(streamID))
	return header
}
