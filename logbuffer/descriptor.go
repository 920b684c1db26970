// Package logbuffer defines the shared-memory layout of a publication log: a
// single mapped file holding three equally sized term buffers that rotate
// through active, prior and clean roles, followed by a fixed-size metadata
// trailer.  Producers append frames with an atomic fetch-and-add on the active
// partition's raw tail; consumers observe committed frames through the
// release-published frame length field.
//
// All on-file integers are little-endian.  Atomic loads and stores are
// performed directly on the mapped region, so the driver targets
// little-endian platforms.
package logbuffer

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

const (
	// PartitionCount is the number of rotating term buffers in a log.
	PartitionCount = 3

	// TermMinLength is the smallest legal term buffer length.
	TermMinLength = 64 * 1024

	// TermMaxLength is the largest legal term buffer length.
	TermMaxLength = 1 << 30

	// PageMinSize is the assumed minimum page size for the metadata trailer.
	PageMinSize = 4 * 1024

	// CacheLineLength pads independently mutated metadata fields apart.
	CacheLineLength = 64

	// LogMetadataLength is the fixed size of the metadata trailer.
	LogMetadataLength = PageMinSize
)

type InvalidTermLengthError int32

func (e InvalidTermLengthError) Error() string {
	return fmt.Sprintf("term length %d must be a power of two between %d and %d",
		int32(e), TermMinLength, TermMaxLength)
}

// CheckTermLength validates a term buffer length.
func CheckTermLength(termLength int32) error {
	if termLength < TermMinLength || termLength > TermMaxLength ||
		bits.OnesCount32(uint32(termLength)) != 1 {
		return InvalidTermLengthError(termLength)
	}
	return nil
}

// ComputeLogLength returns the total file length for a log with the given
// term length.
func ComputeLogLength(termLength int32) int64 {
	return int64(termLength)*PartitionCount + LogMetadataLength
}

// LogMetadata is the view of the metadata trailer of a mapped log file.  The
// raw tails and the active term count are mutated by producers and read by
// the conductor and consumers; they sit on their own cache lines.  The
// configuration fields after them are written once at creation and never
// change.
type LogMetadata struct {
	tailCounters [PartitionCount]int64
	_            [CacheLineLength - PartitionCount*8]byte

	activeTermCount int32
	_               [CacheLineLength - 4]byte

	initialTermID            int32
	defaultFrameHeaderLength int32
	mtuLength                int32
	termLength               int32
	pageSize                 int32
	publicationWindowLength  int32
	receiverWindowLength     int32
	socketSndbufLength       int32
	socketRcvbufLength       int32
	_                        [CacheLineLength - 36]byte

	isConnected          int32
	activeTransportCount int32
	_                    [CacheLineLength - 8]byte

	endOfStreamPosition int64
	correlationID       int64
	_                   [CacheLineLength - 16]byte

	defaultFrameHeader [DataFrameHeaderLength]byte
}

// Metadata returns the LogMetadata view over a fully mapped log file.
func Metadata(mem []byte, termLength int32) *LogMetadata {
	return (*LogMetadata)(unsafe.Pointer(&mem[int64(termLength)*PartitionCount]))
}

// TermBuffers slices the three term partitions out of a fully mapped log file.
func TermBuffers(mem []byte, termLength int32) [PartitionCount][]byte {
	var buffers [PartitionCount][]byte
	for i := 0; i < PartitionCount; i++ {
		offset := int64(i) * int64(termLength)
		buffers[i] = mem[offset : offset+int64(termLength) : offset+int64(termLength)]
	}
	return buffers
}

// RawTailVolatile reads a partition's raw tail with acquire ordering.
func (m *LogMetadata) RawTailVolatile(partitionIndex int) int64 {
	return atomic.LoadInt64(&m.tailCounters[partitionIndex])
}

// SetRawTail writes a partition's raw tail without ordering.  Only used
// during log initialisation before the file is shared.
func (m *LogMetadata) SetRawTail(partitionIndex int, rawTail int64) {
	m.tailCounters[partitionIndex] = rawTail
}

// CasRawTail conditionally replaces a partition's raw tail.
func (m *LogMetadata) CasRawTail(partitionIndex int, expected, update int64) bool {
	return atomic.CompareAndSwapInt64(&m.tailCounters[partitionIndex], expected, update)
}

// GetAndAddRawTail reserves alignedLength bytes in a partition and returns
// the raw tail before the addition.
func (m *LogMetadata) GetAndAddRawTail(partitionIndex int, alignedLength int32) int64 {
	return atomic.AddInt64(&m.tailCounters[partitionIndex], int64(alignedLength)) - int64(alignedLength)
}

// ActiveTermCount reads the active term count with acquire ordering.
func (m *LogMetadata) ActiveTermCount() int32 {
	return atomic.LoadInt32(&m.activeTermCount)
}

// CasActiveTermCount conditionally advances the active term count.
func (m *LogMetadata) CasActiveTermCount(expected, update int32) bool {
	return atomic.CompareAndSwapInt32(&m.activeTermCount, expected, update)
}

// SetActiveTermCountOrdered writes the active term count with release
// ordering.
func (m *LogMetadata) SetActiveTermCountOrdered(count int32) {
	atomic.StoreInt32(&m.activeTermCount, count)
}

// IsConnected reports whether any subscriber is attached.
func (m *LogMetadata) IsConnected() bool {
	return atomic.LoadInt32(&m.isConnected) == 1
}

// SetIsConnectedOrdered publishes the connected flag with release ordering.
func (m *LogMetadata) SetIsConnectedOrdered(connected bool) {
	var v int32
	if connected {
		v = 1
	}
	atomic.StoreInt32(&m.isConnected, v)
}

// ActiveTransportCount reads the active transport count.
func (m *LogMetadata) ActiveTransportCount() int32 {
	return atomic.LoadInt32(&m.activeTransportCount)
}

// SetActiveTransportCountOrdered publishes the active transport count.
func (m *LogMetadata) SetActiveTransportCountOrdered(count int32) {
	atomic.StoreInt32(&m.activeTransportCount, count)
}

// EndOfStreamPosition reads the end-of-stream position with acquire ordering.
func (m *LogMetadata) EndOfStreamPosition() int64 {
	return atomic.LoadInt64(&m.endOfStreamPosition)
}

// SetEndOfStreamPositionOrdered publishes the end-of-stream position.
func (m *LogMetadata) SetEndOfStreamPositionOrdered(position int64) {
	atomic.StoreInt64(&m.endOfStreamPosition, position)
}

func (m *LogMetadata) InitialTermID() int32 { return m.initialTermID }
func (m *LogMetadata) MTULength() int32     { return m.mtuLength }
func (m *LogMetadata) TermLength() int32    { return m.termLength }
func (m *LogMetadata) PageSize() int32      { return m.pageSize }
func (m *LogMetadata) CorrelationID() int64 { return m.correlationID }

func (m *LogMetadata) DefaultFrameHeader() []byte {
	return m.defaultFrameHeader[:m.defaultFrameHeaderLength]
}

// Initialise writes the immutable configuration fields of a freshly created
// log.  Must complete before the file is visible to any other process.
func (m *LogMetadata) Initialise(
	termLength, pageSize, initialTermID, mtuLength, publicationWindowLength int32,
	correlationID int64,
	defaultHeader []byte,
) {
	m.termLength = termLength
	m.pageSize = pageSize
	m.initialTermID = initialTermID
	m.mtuLength = mtuLength
	m.publicationWindowLength = publicationWindowLength
	m.correlationID = correlationID
	m.endOfStreamPosition = int64(^uint64(0) >> 1)
	m.defaultFrameHeaderLength = int32(len(defaultHeader))
	copy(m.defaultFrameHeader[:], defaultHeader)
}

// InitialiseTailWithTermID primes a partition's raw tail for a term id at
// offset zero.
func (m *LogMetadata) InitialiseTailWithTermID(partitionIndex int, termID int32) {
	m.SetRawTail(partitionIndex, PackTail(termID, 0))
}

// RotateLog advances the log to the next term.  The next partition's raw
// tail is primed with the new term id before the active term count is
// bumped, so a producer that observes the new count also observes the fresh
// tail.  Concurrent producers race benignly via CAS; the first to succeed
// performs the rotation and the rest find it done.
func RotateLog(m *LogMetadata, currentTermCount, currentTermID int32) bool {
	nextTermID := currentTermID + 1
	nextIndex := IndexByTermCount(currentTermCount + 1)

	for {
		rawTail := m.RawTailVolatile(nextIndex)
		if nextTermID == TermID(rawTail) {
			break
		}
		if m.CasRawTail(nextIndex, rawTail, PackTail(nextTermID, 0)) {
			break
		}
	}

	return m.CasActiveTermCount(currentTermCount, currentTermCount+1)
}
