package logbuffer_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/shmcast/logbuffer"
)

const testTermLength = 64 * 1024

func newTestLog(t *testing.T) ([]byte, *logbuffer.LogMetadata) {
	t.Helper()
	mem := make([]byte, logbuffer.ComputeLogLength(testTermLength))
	return mem, logbuffer.Metadata(mem, testTermLength)
}

func TestComputeLogLength(t *testing.T) {
	assert.Equal(t, int64(3*testTermLength+logbuffer.LogMetadataLength),
		logbuffer.ComputeLogLength(testTermLength))
}

func TestTermBuffersSliceThePartitions(t *testing.T) {
	mem, _ := newTestLog(t)
	buffers := logbuffer.TermBuffers(mem, testTermLength)

	for i := 0; i < logbuffer.PartitionCount; i++ {
		require.Len(t, buffers[i], testTermLength)
	}

	buffers[1][0] = 0xAB
	assert.Equal(t, byte(0xAB), mem[testTermLength])
}

func TestMetadataInitialise(t *testing.T) {
	_, meta := newTestLog(t)

	header := logbuffer.DefaultFrameHeader(42, 10)
	meta.Initialise(testTermLength, logbuffer.PageMinSize, 7, 4096, testTermLength/2, 99, header)

	assert.Equal(t, int32(testTermLength), meta.TermLength())
	assert.Equal(t, int32(7), meta.InitialTermID())
	assert.Equal(t, int32(4096), meta.MTULength())
	assert.Equal(t, int64(99), meta.CorrelationID())
	assert.Equal(t, header, meta.DefaultFrameHeader())
	assert.Equal(t, int64(math.MaxInt64), meta.EndOfStreamPosition())
	assert.False(t, meta.IsConnected())
}

func TestRawTailAccess(t *testing.T) {
	_, meta := newTestLog(t)

	meta.InitialiseTailWithTermID(0, 7)
	assert.Equal(t, logbuffer.PackTail(7, 0), meta.RawTailVolatile(0))

	before := meta.GetAndAddRawTail(0, 128)
	assert.Equal(t, logbuffer.PackTail(7, 0), before)
	assert.Equal(t, logbuffer.PackTail(7, 128), meta.RawTailVolatile(0))
}

func TestConnectedFlag(t *testing.T) {
	_, meta := newTestLog(t)

	assert.False(t, meta.IsConnected())
	meta.SetIsConnectedOrdered(true)
	assert.True(t, meta.IsConnected())
	meta.SetIsConnectedOrdered(false)
	assert.False(t, meta.IsConnected())
}

func TestRotateLog(t *testing.T) {
	_, meta := newTestLog(t)

	meta.InitialiseTailWithTermID(0, 7)
	meta.SetActiveTermCountOrdered(0)

	assert.True(t, logbuffer.RotateLog(meta, 0, 7))

	assert.Equal(t, int32(1), meta.ActiveTermCount())
	assert.Equal(t, logbuffer.PackTail(8, 0), meta.RawTailVolatile(1))

	// A second rotation attempt with the stale term count is a no-op.
	assert.False(t, logbuffer.RotateLog(meta, 0, 7))
	assert.Equal(t, int32(1), meta.ActiveTermCount())
}

func TestRotateLogThreeTimesWrapsPartitions(t *testing.T) {
	_, meta := newTestLog(t)

	meta.InitialiseTailWithTermID(0, 7)
	meta.SetActiveTermCountOrdered(0)

	for termCount := int32(0); termCount < 3; termCount++ {
		termID := 7 + termCount
		require.True(t, logbuffer.RotateLog(meta, termCount, termID))
	}

	assert.Equal(t, int32(3), meta.ActiveTermCount())
	// Partition 0 is active again for term count 3 with term id 10.
	assert.Equal(t, logbuffer.PackTail(10, 0), meta.RawTailVolatile(0))
	assert.Equal(t, 0, logbuffer.IndexByTermCount(meta.ActiveTermCount()))
}

func TestEndOfStreamPosition(t *testing.T) {
	_, meta := newTestLog(t)

	meta.SetEndOfStreamPositionOrdered(4096)
	assert.Equal(t, int64(4096), meta.EndOfStreamPosition())
}
