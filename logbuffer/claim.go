package logbuffer

// Claim is a zero-copy reservation of a frame in a term buffer.  The payload
// region may be written directly; Commit publishes the frame to consumers
// and Abort turns the reservation into padding that consumers skip.
type Claim struct {
	frame       []byte
	frameLength int32
}

func (c *Claim) wrap(termBuffer []byte, termOffset, frameLength int32) {
	c.frame = termBuffer[termOffset : termOffset+frameLength]
	c.frameLength = frameLength
}

// Buffer returns the claimed payload region.
func (c *Claim) Buffer() []byte {
	return c.frame[DataFrameHeaderLength:c.frameLength]
}

// Length returns the payload length of the claim.
func (c *Claim) Length() int32 {
	return c.frameLength - DataFrameHeaderLength
}

// ReservedValue returns the reserved value field of the claimed frame.
func (c *Claim) ReservedValue() int64 {
	return FrameReservedValue(c.frame, 0)
}

// SetReservedValue stamps the reserved value field of the claimed frame.
// Must be called before Commit.
func (c *Claim) SetReservedValue(value int64) {
	SetFrameReservedValue(c.frame, 0, value)
}

// Commit publishes the claimed frame with a release store of its length.
func (c *Claim) Commit() {
	SetFrameLengthOrdered(c.frame, 0, c.frameLength)
	c.frame = nil
}

// Abort converts the claimed region into a padding frame and publishes it,
// so consumers skip over the reservation.
func (c *Claim) Abort() {
	SetFrameType(c.frame, 0, FrameTypePad)
	SetFrameLengthOrdered(c.frame, 0, c.frameLength)
	c.frame = nil
}
