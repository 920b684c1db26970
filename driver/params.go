package driver

import (
	"fmt"
	"time"

	"github.com/fluxline/shmcast/logbuffer"
)

type InvalidMTULengthError int32

func (e InvalidMTULengthError) Error() string {
	return fmt.Sprintf("mtu length %d must be a multiple of %d and no more than term length / 8",
		int32(e), logbuffer.FrameAlignment)
}

type UnalignedTermOffsetError int32

func (e UnalignedTermOffsetError) Error() string {
	return fmt.Sprintf("starting term offset %d must be a multiple of %d and inside the term",
		int32(e), logbuffer.FrameAlignment)
}

// PublicationParams carries the per-publication settings resolved from a
// client's add-publication request.  Validation happens synchronously at
// creation; an invalid parameter set means the publication is never created.
type PublicationParams struct {
	Channel  string
	StreamID int32
	Tag      int64

	TermLength    int32
	MTULength     int32
	InitialTermID int32

	// Starting point for exclusive publications resuming a stream.
	TermID      int32
	TermOffset  int32
	HasPosition bool

	IsExclusive bool

	LivenessTimeout          time.Duration
	UnblockTimeout           time.Duration
	UntetheredWindowTimeout  time.Duration
	UntetheredLingerTimeout  time.Duration
	UntetheredRestingTimeout time.Duration
}

// Validate checks the parameter set against the log buffer constraints.
func (p *PublicationParams) Validate() error {
	if err := logbuffer.CheckTermLength(p.TermLength); err != nil {
		return err
	}

	if p.MTULength%logbuffer.FrameAlignment != 0 ||
		p.MTULength <= logbuffer.DataFrameHeaderLength ||
		p.MTULength > p.TermLength/8 {
		return InvalidMTULengthError(p.MTULength)
	}

	if p.HasPosition {
		if p.TermOffset%logbuffer.FrameAlignment != 0 ||
			p.TermOffset < 0 || p.TermOffset >= p.TermLength {
			return UnalignedTermOffsetError(p.TermOffset)
		}
		if !p.IsExclusive {
			return fmt.Errorf("starting term id and offset require an exclusive publication")
		}
	}

	return nil
}
