package logbuffer

import "math/bits"

// Position arithmetic over the (term id, term offset) decomposition of a
// stream position.  A position is a 64-bit monotone byte count that
// decomposes as (termID - initialTermID) << positionBitsToShift | termOffset.

// Align rounds value up to the next multiple of alignment, which must be a
// power of two.
func Align(value, alignment int32) int32 {
	return (value + (alignment - 1)) &^ (alignment - 1)
}

// PositionBitsToShift returns log2 of the term length.
func PositionBitsToShift(termLength int32) uint8 {
	return uint8(bits.TrailingZeros32(uint32(termLength)))
}

// PackTail packs a term id and term offset into a raw tail word.
func PackTail(termID, termOffset int32) int64 {
	return int64(termID)<<32 | int64(uint32(termOffset))
}

// TermID extracts the term id from a raw tail.
func TermID(rawTail int64) int32 {
	return int32(rawTail >> 32)
}

// TermOffset extracts the term offset from a raw tail, clamped to the term
// length.  A raw offset beyond the term length means the term is full.
func TermOffset(rawTail, termLength int64) int32 {
	tail := rawTail & 0xFFFFFFFF
	if tail < termLength {
		return int32(tail)
	}
	return int32(termLength)
}

// IndexByTermCount returns the partition index active for a term count.
func IndexByTermCount(termCount int32) int {
	return int(termCount % PartitionCount)
}

// IndexByPosition returns the partition index holding a stream position.
func IndexByPosition(position int64, positionBitsToShift uint8) int {
	return int((position >> positionBitsToShift) % PartitionCount)
}

// ComputePosition computes the stream position for a (term id, term offset)
// pair.
func ComputePosition(activeTermID, termOffset int32, positionBitsToShift uint8, initialTermID int32) int64 {
	termCount := int64(activeTermID) - int64(initialTermID)
	return (termCount << positionBitsToShift) + int64(termOffset)
}

// ComputeTermBeginPosition computes the stream position at which a term
// starts.
func ComputeTermBeginPosition(activeTermID int32, positionBitsToShift uint8, initialTermID int32) int64 {
	termCount := int64(activeTermID) - int64(initialTermID)
	return termCount << positionBitsToShift
}

// ComputeTermCount returns how many terms a term id is past the initial term
// id.
func ComputeTermCount(termID, initialTermID int32) int32 {
	return termID - initialTermID
}

// ComputeTermIDFromPosition returns the term id a stream position falls in.
func ComputeTermIDFromPosition(position int64, positionBitsToShift uint8, initialTermID int32) int32 {
	return int32(position>>positionBitsToShift) + initialTermID
}

// MaxPossiblePosition is the highest position reachable before the term id
// would wrap.
func MaxPossiblePosition(termLength int32) int64 {
	return int64(termLength) << 31
}

// ComputeFragmentedFrameLength returns the total aligned length occupied in
// a term by a message fragmented at maxPayloadLength.
func ComputeFragmentedFrameLength(length, maxPayloadLength int32) int32 {
	numMaxPayloads := length / maxPayloadLength
	remainingPayload := length % maxPayloadLength

	lastFrameLength := int32(0)
	if remainingPayload > 0 {
		lastFrameLength = Align(remainingPayload+DataFrameHeaderLength, FrameAlignment)
	}

	return numMaxPayloads*Align(maxPayloadLength+DataFrameHeaderLength, FrameAlignment) + lastFrameLength
}
