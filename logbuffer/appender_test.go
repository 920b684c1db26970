package logbuffer_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/shmcast/logbuffer"
)

const (
	testInitialTermID = int32(7)
	testSessionID     = int32(1001)
	testStreamID      = int32(10)
)

func newTestAppender(t *testing.T) ([]byte, *logbuffer.LogMetadata, *logbuffer.TermAppender) {
	t.Helper()
	mem, meta := newTestLog(t)
	meta.Initialise(testTermLength, logbuffer.PageMinSize, testInitialTermID, 4096,
		testTermLength/2, 1, logbuffer.DefaultFrameHeader(testSessionID, testStreamID))
	meta.InitialiseTailWithTermID(0, testInitialTermID)
	meta.SetActiveTermCountOrdered(0)

	buffers := logbuffer.TermBuffers(mem, testTermLength)
	return buffers[0], meta, logbuffer.NewTermAppender(buffers[0], meta, 0)
}

func testHeader() logbuffer.HeaderWriter {
	return logbuffer.HeaderWriter{SessionID: testSessionID, StreamID: testStreamID}
}

func TestAppendUnfragmented(t *testing.T) {
	term, meta, appender := newTestAppender(t)

	payload := bytes.Repeat([]byte{0x5A}, 96)
	resultingOffset := appender.AppendUnfragmented(testInitialTermID, testHeader(), payload, 0xBEEF)

	require.Equal(t, int32(128), resultingOffset)
	assert.Equal(t, logbuffer.PackTail(testInitialTermID, 128), meta.RawTailVolatile(0))

	assert.Equal(t, int32(128), logbuffer.FrameLengthVolatile(term, 0))
	assert.Equal(t, logbuffer.FrameTypeData, logbuffer.FrameType(term, 0))
	assert.Equal(t, logbuffer.UnfragmentedFlags, logbuffer.FrameFlags(term, 0))
	assert.Equal(t, int32(0), logbuffer.FrameTermOffset(term, 0))
	assert.Equal(t, testSessionID, logbuffer.FrameSessionID(term, 0))
	assert.Equal(t, testStreamID, logbuffer.FrameStreamID(term, 0))
	assert.Equal(t, testInitialTermID, logbuffer.FrameTermID(term, 0))
	assert.Equal(t, int64(0xBEEF), logbuffer.FrameReservedValue(term, 0))
	assert.Equal(t, payload, term[logbuffer.DataFrameHeaderLength:128])
}

func TestAppendUnfragmentedSequence(t *testing.T) {
	term, _, appender := newTestAppender(t)

	first := appender.AppendUnfragmented(testInitialTermID, testHeader(), make([]byte, 96), 0)
	second := appender.AppendUnfragmented(testInitialTermID, testHeader(), make([]byte, 200), 0)

	require.Equal(t, int32(128), first)
	// 200 + 32 header aligns to 256.
	require.Equal(t, int32(128+256), second)
	assert.Equal(t, int32(232), logbuffer.FrameLengthVolatile(term, 128))
	assert.Equal(t, int32(128), logbuffer.FrameTermOffset(term, 128))
}

func TestAppendExactFitLeavesNoPadding(t *testing.T) {
	term, meta, appender := newTestAppender(t)

	meta.SetRawTail(0, logbuffer.PackTail(testInitialTermID, testTermLength-128))
	resultingOffset := appender.AppendUnfragmented(testInitialTermID, testHeader(), make([]byte, 96), 0)

	assert.Equal(t, int32(testTermLength), resultingOffset)
	assert.Equal(t, int32(128), logbuffer.FrameLengthVolatile(term, testTermLength-128))
	assert.Equal(t, logbuffer.FrameTypeData, logbuffer.FrameType(term, testTermLength-128))
}

func TestAppendPastEndOfTermWritesPadding(t *testing.T) {
	term, meta, appender := newTestAppender(t)

	meta.SetRawTail(0, logbuffer.PackTail(testInitialTermID, testTermLength-32))
	resultingOffset := appender.AppendUnfragmented(testInitialTermID, testHeader(), make([]byte, 96), 0)

	assert.Equal(t, logbuffer.AppenderFailed, resultingOffset)

	padOffset := int32(testTermLength - 32)
	assert.Equal(t, int32(32), logbuffer.FrameLengthVolatile(term, padOffset))
	assert.True(t, logbuffer.IsPaddingFrame(term, padOffset))
	assert.Equal(t, testInitialTermID, logbuffer.FrameTermID(term, padOffset))
}

func TestAppendOnStaleTermFails(t *testing.T) {
	term, _, appender := newTestAppender(t)

	resultingOffset := appender.AppendUnfragmented(testInitialTermID+1, testHeader(), make([]byte, 96), 0)

	assert.Equal(t, logbuffer.AppenderFailed, resultingOffset)
	assert.Equal(t, int32(0), logbuffer.FrameLengthVolatile(term, 0))
}

func TestAppendFragmented(t *testing.T) {
	term, _, appender := newTestAppender(t)

	const maxPayload = 4064
	payload := bytes.Repeat([]byte{0x77}, maxPayload+1)

	resultingOffset := appender.AppendFragmented(
		testInitialTermID, testHeader(), payload, maxPayload, 0)

	require.Equal(t, int32(4096+64), resultingOffset)

	// First fragment: full MTU frame with only the begin flag.
	assert.Equal(t, int32(4096), logbuffer.FrameLengthVolatile(term, 0))
	assert.Equal(t, logbuffer.BeginFragFlag, logbuffer.FrameFlags(term, 0))

	// Second fragment: one byte with only the end flag.
	assert.Equal(t, int32(33), logbuffer.FrameLengthVolatile(term, 4096))
	assert.Equal(t, logbuffer.EndFragFlag, logbuffer.FrameFlags(term, 4096))

	reassembled := append([]byte{},
		term[logbuffer.DataFrameHeaderLength:4096]...)
	reassembled = append(reassembled, term[4096+logbuffer.DataFrameHeaderLength:4096+33]...)
	assert.Equal(t, payload, reassembled)
}

func TestAppendFragmentedExactMultiple(t *testing.T) {
	term, _, appender := newTestAppender(t)

	const maxPayload = 4064
	payload := make([]byte, 2*maxPayload)

	resultingOffset := appender.AppendFragmented(
		testInitialTermID, testHeader(), payload, maxPayload, 0)

	require.Equal(t, int32(2*4096), resultingOffset)
	assert.Equal(t, logbuffer.BeginFragFlag, logbuffer.FrameFlags(term, 0))
	assert.Equal(t, logbuffer.EndFragFlag, logbuffer.FrameFlags(term, 4096))
}

func TestClaimCommit(t *testing.T) {
	term, meta, appender := newTestAppender(t)

	var claim logbuffer.Claim
	resultingOffset := appender.Claim(testInitialTermID, 96, testHeader(), &claim)

	require.Equal(t, int32(128), resultingOffset)
	assert.Equal(t, logbuffer.PackTail(testInitialTermID, 128), meta.RawTailVolatile(0))

	// The reservation is not visible until committed.
	assert.Equal(t, int32(0), logbuffer.FrameLengthVolatile(term, 0))

	require.Equal(t, int32(96), claim.Length())
	copy(claim.Buffer(), bytes.Repeat([]byte{0xCD}, 96))
	claim.SetReservedValue(77)
	claim.Commit()

	assert.Equal(t, int32(128), logbuffer.FrameLengthVolatile(term, 0))
	assert.Equal(t, logbuffer.FrameTypeData, logbuffer.FrameType(term, 0))
	assert.Equal(t, int64(77), logbuffer.FrameReservedValue(term, 0))
	assert.Equal(t, byte(0xCD), term[logbuffer.DataFrameHeaderLength])
}

func TestClaimAbortLeavesPadding(t *testing.T) {
	term, _, appender := newTestAppender(t)

	var claim logbuffer.Claim
	resultingOffset := appender.Claim(testInitialTermID, 96, testHeader(), &claim)
	require.Equal(t, int32(128), resultingOffset)

	claim.Abort()

	assert.Equal(t, int32(128), logbuffer.FrameLengthVolatile(term, 0))
	assert.True(t, logbuffer.IsPaddingFrame(term, 0))
}

func TestConcurrentAppendersInterleaveWithoutOverlap(t *testing.T) {
	term, _, appender := newTestAppender(t)

	const writers = 4
	const perWriter = 32
	done := make(chan struct{})

	for w := 0; w < writers; w++ {
		go func(marker byte) {
			defer func() { done <- struct{}{} }()
			payload := bytes.Repeat([]byte{marker}, 96)
			for i := 0; i < perWriter; i++ {
				appender.AppendUnfragmented(testInitialTermID, testHeader(), payload, 0)
			}
		}(byte(w + 1))
	}
	for w := 0; w < writers; w++ {
		<-done
	}

	// Every frame is aligned, fully written and uniform in content.
	offset := int32(0)
	frames := 0
	for frames < writers*perWriter {
		frameLength := logbuffer.FrameLengthVolatile(term, offset)
		require.Equal(t, int32(128), frameLength)
		marker := term[offset+logbuffer.DataFrameHeaderLength]
		require.NotZero(t, marker)
		for _, b := range term[offset+logbuffer.DataFrameHeaderLength : offset+128] {
			require.Equal(t, marker, b)
		}
		offset += 128
		frames++
	}
}
