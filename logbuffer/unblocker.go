package logbuffer

import "encoding/binary"

// A writer that wins the fetch-and-add on a raw tail but dies before
// committing its frame leaves a hole: consumers see a zero frame length at a
// position below the producer position and stop making progress.  Unblock
// repairs the hole by writing a PAD frame over the reserved region, after
// which consumers skip it.  A committed frame is never overwritten; the pad
// is only laid down while the frame length still reads zero.

type unblockStatus int

const (
	noAction unblockStatus = iota
	unblocked
	unblockedToEnd
)

// Unblock pads the hole at blockedPosition.  Returns true when a pad was
// written and consumers can make progress again.
func Unblock(
	meta *LogMetadata,
	termBuffers [PartitionCount][]byte,
	blockedPosition int64,
	termLength int32,
) bool {
	positionBitsToShift := PositionBitsToShift(termLength)
	blockedTermCount := int32(blockedPosition >> positionBitsToShift)
	blockedIndex := IndexByTermCount(blockedTermCount)

	rawTail := meta.RawTailVolatile(blockedIndex)
	termID := TermID(rawTail)
	tailOffset := TermOffset(rawTail, int64(termLength))
	blockedOffset := int32(blockedPosition & int64(termLength-1))

	switch unblockTerm(meta, termBuffers[blockedIndex], blockedOffset, tailOffset, termID) {
	case unblockedToEnd:
		RotateLog(meta, blockedTermCount, termID)
		return true
	case unblocked:
		return true
	}

	return false
}

// unblockTerm decides how far the hole at blockedOffset extends.  If a
// committed frame exists past the hole, the pad runs up to it; otherwise the
// pad covers the whole reserved region up to the tail.  A pad reaching the
// end of the term also rotates the log.
func unblockTerm(
	meta *LogMetadata, termBuffer []byte, blockedOffset, tailOffset, termID int32,
) unblockStatus {
	if blockedOffset >= tailOffset {
		return noAction
	}
	if FrameLengthVolatile(termBuffer, blockedOffset) != 0 {
		return noAction
	}

	scanOffset := blockedOffset + FrameAlignment
	for scanOffset < tailOffset {
		if FrameLengthVolatile(termBuffer, scanOffset) != 0 {
			if scanBackToConfirmStillZeroed(termBuffer, scanOffset, blockedOffset) {
				resetToPadding(meta, termBuffer, blockedOffset, termID, scanOffset-blockedOffset)
				return unblocked
			}
			return noAction
		}
		scanOffset += FrameAlignment
	}

	// Nothing committed beyond the hole: pad the full reserved region.
	resetToPadding(meta, termBuffer, blockedOffset, termID, tailOffset-blockedOffset)
	if tailOffset == int32(len(termBuffer)) {
		return unblockedToEnd
	}
	return unblocked
}

// scanBackToConfirmStillZeroed re-checks that no late writer committed a
// frame inside the hole between the forward scan and the pad.
func scanBackToConfirmStillZeroed(termBuffer []byte, from, limit int32) bool {
	for offset := from - FrameAlignment; offset >= limit; offset -= FrameAlignment {
		if FrameLengthVolatile(termBuffer, offset) != 0 {
			return false
		}
	}
	return true
}

// resetToPadding lays a PAD frame header over the hole and publishes it with
// a release store of the length, guarded by a CAS from zero so a committed
// frame is never clobbered.
func resetToPadding(meta *LogMetadata, termBuffer []byte, termOffset, termID, frameLength int32) {
	defaultHeader := meta.DefaultFrameHeader()
	copy(termBuffer[termOffset+versionFieldOffset:termOffset+DataFrameHeaderLength],
		defaultHeader[versionFieldOffset:])
	SetFrameType(termBuffer, termOffset, FrameTypePad)
	SetFrameFlags(termBuffer, termOffset, UnfragmentedFlags)

	binary.LittleEndian.PutUint32(termBuffer[termOffset+termOffsetFieldOffset:], uint32(termOffset))
	binary.LittleEndian.PutUint32(termBuffer[termOffset+termIDFieldOffset:], uint32(termID))

	CasFrameLength(termBuffer, termOffset, 0, frameLength)
}
