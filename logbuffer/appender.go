package logbuffer

// AppenderFailed signals that a claim ran past the end of the term.  The
// publication rotates the log and the caller retries in the new term.
const AppenderFailed int32 = -1

// TermAppender performs wait-free appends into one term partition.  Writers
// in any process serialise purely on the atomic fetch-and-add of the
// partition's raw tail; the writer whose addition crosses the end of the
// term pads the remainder and triggers rotation, while later writers observe
// the term-count mismatch and back off.
type TermAppender struct {
	termBuffer     []byte
	meta           *LogMetadata
	partitionIndex int
}

// NewTermAppender wraps one partition of a mapped log.
func NewTermAppender(termBuffer []byte, meta *LogMetadata, partitionIndex int) *TermAppender {
	return &TermAppender{
		termBuffer:     termBuffer,
		meta:           meta,
		partitionIndex: partitionIndex,
	}
}

// RawTailVolatile reads the partition's raw tail with acquire ordering.
func (ta *TermAppender) RawTailVolatile() int64 {
	return ta.meta.RawTailVolatile(ta.partitionIndex)
}

// Claim reserves an aligned region for a frame of the given payload length
// and wraps it in claim.  Returns the resulting term offset, or
// AppenderFailed at end of term.
func (ta *TermAppender) Claim(activeTermID, length int32, header HeaderWriter, claim *Claim) int32 {
	frameLength := length + DataFrameHeaderLength
	alignedLength := Align(frameLength, FrameAlignment)
	termLength := int32(len(ta.termBuffer))

	rawTail := ta.meta.GetAndAddRawTail(ta.partitionIndex, alignedLength)
	termOffset := rawTail & 0xFFFFFFFF
	termID := TermID(rawTail)

	resultingOffset := termOffset + int64(alignedLength)
	if termID != activeTermID {
		return AppenderFailed
	}
	if resultingOffset > int64(termLength) {
		return ta.handleEndOfLog(int32(termOffset), termID, header)
	}

	offset := int32(termOffset)
	header.Write(ta.termBuffer, offset, termID)
	SetFrameFlags(ta.termBuffer, offset, UnfragmentedFlags)
	claim.wrap(ta.termBuffer, offset, frameLength)

	return int32(resultingOffset)
}

// AppendUnfragmented appends a message carried whole in a single frame.
// Returns the resulting term offset, or AppenderFailed at end of term.
func (ta *TermAppender) AppendUnfragmented(
	activeTermID int32, header HeaderWriter, payload []byte, reservedValue int64,
) int32 {
	frameLength := int32(len(payload)) + DataFrameHeaderLength
	alignedLength := Align(frameLength, FrameAlignment)
	termLength := int32(len(ta.termBuffer))

	rawTail := ta.meta.GetAndAddRawTail(ta.partitionIndex, alignedLength)
	termOffset := rawTail & 0xFFFFFFFF
	termID := TermID(rawTail)

	resultingOffset := termOffset + int64(alignedLength)
	if termID != activeTermID {
		return AppenderFailed
	}
	if resultingOffset > int64(termLength) {
		return ta.handleEndOfLog(int32(termOffset), termID, header)
	}

	offset := int32(termOffset)
	header.Write(ta.termBuffer, offset, termID)
	copy(ta.termBuffer[offset+DataFrameHeaderLength:], payload)
	SetFrameReservedValue(ta.termBuffer, offset, reservedValue)
	SetFrameFlags(ta.termBuffer, offset, UnfragmentedFlags)
	SetFrameLengthOrdered(ta.termBuffer, offset, frameLength)

	return int32(resultingOffset)
}

// AppendFragmented appends a message split into MTU-sized fragments.  The
// whole run of fragments is reserved with one fetch-and-add; the first
// fragment carries the begin flag and the last the end flag.  Returns the
// resulting term offset, or AppenderFailed at end of term.
func (ta *TermAppender) AppendFragmented(
	activeTermID int32,
	header HeaderWriter,
	payload []byte,
	maxPayloadLength int32,
	reservedValue int64,
) int32 {
	length := int32(len(payload))
	framedLength := ComputeFragmentedFrameLength(length, maxPayloadLength)
	termLength := int32(len(ta.termBuffer))

	rawTail := ta.meta.GetAndAddRawTail(ta.partitionIndex, framedLength)
	termOffset := rawTail & 0xFFFFFFFF
	termID := TermID(rawTail)

	resultingOffset := termOffset + int64(framedLength)
	if termID != activeTermID {
		return AppenderFailed
	}
	if resultingOffset > int64(termLength) {
		return ta.handleEndOfLog(int32(termOffset), termID, header)
	}

	flags := BeginFragFlag
	frameOffset := int32(termOffset)
	remaining := length
	for remaining > 0 {
		bytesToWrite := remaining
		if bytesToWrite > maxPayloadLength {
			bytesToWrite = maxPayloadLength
		}
		frameLength := bytesToWrite + DataFrameHeaderLength

		header.Write(ta.termBuffer, frameOffset, termID)
		copy(ta.termBuffer[frameOffset+DataFrameHeaderLength:],
			payload[length-remaining:length-remaining+bytesToWrite])

		if remaining <= maxPayloadLength {
			flags |= EndFragFlag
		}
		SetFrameFlags(ta.termBuffer, frameOffset, flags)
		SetFrameReservedValue(ta.termBuffer, frameOffset, reservedValue)
		SetFrameLengthOrdered(ta.termBuffer, frameOffset, frameLength)

		flags = 0
		frameOffset += Align(frameLength, FrameAlignment)
		remaining -= bytesToWrite
	}

	return int32(resultingOffset)
}

// handleEndOfLog pads the unused tail of the term with a single PAD frame.
// Only the writer whose claim first crossed the end sees termOffset inside
// the term and writes the padding.
func (ta *TermAppender) handleEndOfLog(termOffset, termID int32, header HeaderWriter) int32 {
	termLength := int32(len(ta.termBuffer))

	if termOffset < termLength {
		paddingLength := termLength - termOffset
		header.Write(ta.termBuffer, termOffset, termID)
		SetFrameType(ta.termBuffer, termOffset, FrameTypePad)
		SetFrameFlags(ta.termBuffer, termOffset, UnfragmentedFlags)
		SetFrameLengthOrdered(ta.termBuffer, termOffset, paddingLength)
	}

	return AppenderFailed
}
