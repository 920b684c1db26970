package driver

import (
	"fmt"
	"math"
	"path/filepath"
	"sync/atomic"

	"github.com/fluxline/shmcast/counters"
	"github.com/fluxline/shmcast/logbuffer"
	"github.com/fluxline/shmcast/metrics"
	"github.com/fluxline/shmcast/shm"
	"github.com/fluxline/shmcast/utils/log"
)

// Return codes from Offer and TryClaim.  Non-negative values are the new
// stream position.
const (
	// NotConnected means no subscriber is attached.
	NotConnected int64 = -1

	// BackPressured means the slowest tethered subscriber is a full flow
	// control window behind.
	BackPressured int64 = -2

	// AdminAction means a term rotation is in progress; retry.
	AdminAction int64 = -3

	// PublicationClosed means the publication can no longer be used.
	PublicationClosed int64 = -4

	// MaxPositionExceeded means the stream has consumed the full position
	// space; the publication must be closed.
	MaxPositionExceeded int64 = -5
)

// PublicationState is the conductor-side lifecycle of a publication.
type PublicationState int

const (
	// PublicationActive accepts offers and subscriptions.
	PublicationActive PublicationState = iota

	// PublicationDraining has no producers left; subscribers catch up.
	PublicationDraining

	// PublicationLinger keeps the log mapped for late readers.
	PublicationLinger

	// PublicationDone is eligible for reclamation.
	PublicationDone
)

func (s PublicationState) String() string {
	switch s {
	case PublicationActive:
		return "ACTIVE"
	case PublicationDraining:
		return "DRAINING"
	case PublicationLinger:
		return "LINGER"
	case PublicationDone:
		return "DONE"
	}
	return "UNKNOWN"
}

// Publication is a unidirectional ordered byte stream identified by a
// (session, stream) pair, carried over a single mapped log file.  Producers
// append through Offer and TryClaim from any goroutine or process; all
// administrative state below the conductor-fields comment is owned by the
// single conductor goroutine.
type Publication struct {
	logFile     *shm.MappedFile
	meta        *logbuffer.LogMetadata
	termBuffers [logbuffer.PartitionCount][]byte
	appenders   [logbuffer.PartitionCount]*logbuffer.TermAppender
	header      logbuffer.HeaderWriter

	cm     *counters.Manager
	pubPos *counters.Counter
	pubLmt *counters.Counter

	registrationID int64
	sessionID      int32
	streamID       int32
	initialTermID  int32
	channel        string
	tag            int64
	isExclusive    bool

	termLength          int32
	positionBitsToShift uint8
	maxPossiblePosition int64
	maxPayloadLength    int32
	maxMessageLength    int32
	termWindowLength    int64
	tripGain            int64

	livenessTimeoutNs              int64
	unblockTimeoutNs               int64
	untetheredWindowLimitTimeoutNs int64
	untetheredLingerTimeoutNs      int64
	untetheredRestingTimeoutNs     int64

	closed atomic.Bool

	// conductor fields; only the conductor touches these.
	state                              PublicationState
	refCount                           int
	hasReachedEndOfLife                bool
	subscribable                       Subscribable
	tripLimit                          int64
	cleanPosition                      int64
	consumerPosition                   int64
	lastConsumerPosition               int64
	timeOfLastConsumerPositionChangeNs int64
	timeOfLastStateChangeNs            int64
	inCoolDown                         bool
	coolDownExpireTimeNs               int64

	onUntetheredStateChange UntetheredStateChangeFunc
	onRevoke                func(*Publication)
}

// NewPublication creates the log file for a publication, maps it, and wires
// up the position counters.  The file is created exclusively: this driver
// is its only writer of administrative state.
func NewPublication(
	dir string,
	registrationID int64,
	sessionID int32,
	params *PublicationParams,
	cm *counters.Manager,
	nowNs int64,
) (*Publication, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	logFileName := filepath.Join(dir, fmt.Sprintf("%d.logbuffer", registrationID))
	logFile, err := shm.CreateLogFile(logFileName, logbuffer.ComputeLogLength(params.TermLength))
	if err != nil {
		return nil, fmt.Errorf("publication %d: %w", registrationID, err)
	}

	termID := params.InitialTermID
	termOffset := int32(0)
	if params.HasPosition {
		termID = params.TermID
		termOffset = params.TermOffset
	}

	mem := logFile.Data()
	meta := logbuffer.Metadata(mem, params.TermLength)
	termWindowLength := int64(params.TermLength / 2)

	meta.Initialise(
		params.TermLength,
		logbuffer.PageMinSize,
		params.InitialTermID,
		params.MTULength,
		int32(termWindowLength),
		registrationID,
		logbuffer.DefaultFrameHeader(sessionID, params.StreamID),
	)

	termCount := logbuffer.ComputeTermCount(termID, params.InitialTermID)
	activeIndex := logbuffer.IndexByTermCount(termCount)
	meta.SetRawTail(activeIndex, logbuffer.PackTail(termID, termOffset))
	meta.SetActiveTermCountOrdered(termCount)

	pubPosID, err := cm.Allocate(fmt.Sprintf("pub-pos: %d %d:%d %s",
		registrationID, sessionID, params.StreamID, params.Channel))
	if err != nil {
		logFile.Close()
		logFile.Unlink()
		return nil, err
	}
	pubLmtID, err := cm.Allocate(fmt.Sprintf("pub-lmt: %d %d:%d %s",
		registrationID, sessionID, params.StreamID, params.Channel))
	if err != nil {
		cm.Free(pubPosID)
		logFile.Close()
		logFile.Unlink()
		return nil, err
	}

	positionBitsToShift := logbuffer.PositionBitsToShift(params.TermLength)
	startPosition := logbuffer.ComputePosition(termID, termOffset, positionBitsToShift, params.InitialTermID)

	p := &Publication{
		logFile:             logFile,
		meta:                meta,
		termBuffers:         logbuffer.TermBuffers(mem, params.TermLength),
		header:              logbuffer.HeaderWriter{SessionID: sessionID, StreamID: params.StreamID},
		cm:                  cm,
		pubPos:              cm.Counter(pubPosID),
		pubLmt:              cm.Counter(pubLmtID),
		registrationID:      registrationID,
		sessionID:           sessionID,
		streamID:            params.StreamID,
		initialTermID:       params.InitialTermID,
		channel:             params.Channel,
		tag:                 params.Tag,
		isExclusive:         params.IsExclusive,
		termLength:          params.TermLength,
		positionBitsToShift: positionBitsToShift,
		maxPossiblePosition: logbuffer.MaxPossiblePosition(params.TermLength),
		maxPayloadLength:    params.MTULength - logbuffer.DataFrameHeaderLength,
		maxMessageLength:    params.TermLength / 8,
		termWindowLength:    termWindowLength,
		tripGain:            termWindowLength / 8,

		livenessTimeoutNs:              params.LivenessTimeout.Nanoseconds(),
		unblockTimeoutNs:               params.UnblockTimeout.Nanoseconds(),
		untetheredWindowLimitTimeoutNs: params.UntetheredWindowTimeout.Nanoseconds(),
		untetheredLingerTimeoutNs:      params.UntetheredLingerTimeout.Nanoseconds(),
		untetheredRestingTimeoutNs:     params.UntetheredRestingTimeout.Nanoseconds(),

		state:                              PublicationActive,
		refCount:                           1,
		cleanPosition:                      startPosition,
		consumerPosition:                   startPosition,
		lastConsumerPosition:               startPosition,
		timeOfLastConsumerPositionChangeNs: nowNs,
		timeOfLastStateChangeNs:            nowNs,
	}

	for i := 0; i < logbuffer.PartitionCount; i++ {
		p.appenders[i] = logbuffer.NewTermAppender(p.termBuffers[i], meta, i)
	}
	p.pubPos.Set(startPosition)

	p.subscribable.onAddPosition = func() {
		p.meta.SetIsConnectedOrdered(true)
	}
	p.subscribable.onRemovePosition = func(last bool) {
		p.updatePublisherPositionAndLimit()
		if last {
			p.meta.SetIsConnectedOrdered(false)
		}
	}

	metrics.MappedBytes.Add(float64(logFile.Length()))
	return p, nil
}

func (p *Publication) RegistrationID() int64 { return p.registrationID }
func (p *Publication) SessionID() int32      { return p.sessionID }
func (p *Publication) StreamID() int32       { return p.streamID }
func (p *Publication) Channel() string       { return p.channel }
func (p *Publication) IsExclusive() bool     { return p.isExclusive }
func (p *Publication) LogFileName() string   { return p.logFile.Path() }
func (p *Publication) State() PublicationState {
	return p.state
}

// PositionCounters returns the ids of the publisher position and publisher
// limit counters.
func (p *Publication) PositionCounters() (pubPos, pubLmt int32) {
	return p.pubPos.ID(), p.pubLmt.ID()
}

// IsClosed reports whether the publication has been closed to producers.
func (p *Publication) IsClosed() bool {
	return p.closed.Load()
}

// Offer publishes a message, fragmenting it when it exceeds the MTU
// payload.  Returns the new stream position or one of the sentinel codes.
func (p *Publication) Offer(payload []byte, reservedValue int64) int64 {
	if p.IsClosed() {
		return PublicationClosed
	}
	length := int32(len(payload))
	if length > p.maxMessageLength {
		panic(fmt.Sprintf("message length %d exceeds max message length %d", length, p.maxMessageLength))
	}

	limit := p.pubLmt.Get()
	termCount := p.meta.ActiveTermCount()
	index := logbuffer.IndexByTermCount(termCount)
	appender := p.appenders[index]
	rawTail := appender.RawTailVolatile()
	termOffset := logbuffer.TermOffset(rawTail, int64(p.termLength))
	termID := logbuffer.TermID(rawTail)

	if termCount != logbuffer.ComputeTermCount(termID, p.initialTermID) {
		return AdminAction
	}

	position := logbuffer.ComputePosition(termID, termOffset, p.positionBitsToShift, p.initialTermID)
	if position >= limit {
		return p.backPressureStatus(position, length)
	}

	var resultingOffset int32
	if length <= p.maxPayloadLength {
		resultingOffset = appender.AppendUnfragmented(termID, p.header, payload, reservedValue)
	} else {
		resultingOffset = appender.AppendFragmented(termID, p.header, payload, p.maxPayloadLength, reservedValue)
	}

	return p.newPosition(termCount, termID, termOffset, position, resultingOffset)
}

// TryClaim reserves a frame for zero-copy writing.  The claim must be
// committed or aborted promptly; an abandoned claim blocks consumers until
// the conductor unblocks it.  Only lengths up to the MTU payload can be
// claimed.
func (p *Publication) TryClaim(length int32, claim *logbuffer.Claim) int64 {
	if p.IsClosed() {
		return PublicationClosed
	}
	if length > p.maxPayloadLength {
		panic(fmt.Sprintf("claim length %d exceeds max payload length %d", length, p.maxPayloadLength))
	}

	limit := p.pubLmt.Get()
	termCount := p.meta.ActiveTermCount()
	index := logbuffer.IndexByTermCount(termCount)
	appender := p.appenders[index]
	rawTail := appender.RawTailVolatile()
	termOffset := logbuffer.TermOffset(rawTail, int64(p.termLength))
	termID := logbuffer.TermID(rawTail)

	if termCount != logbuffer.ComputeTermCount(termID, p.initialTermID) {
		return AdminAction
	}

	position := logbuffer.ComputePosition(termID, termOffset, p.positionBitsToShift, p.initialTermID)
	if position >= limit {
		return p.backPressureStatus(position, length)
	}

	resultingOffset := appender.Claim(termID, length, p.header, claim)
	return p.newPosition(termCount, termID, termOffset, position, resultingOffset)
}

func (p *Publication) newPosition(
	termCount, termID, termOffset int32, position int64, resultingOffset int32,
) int64 {
	if resultingOffset > 0 {
		return (position - int64(termOffset)) + int64(resultingOffset)
	}

	if (position-int64(termOffset))+int64(p.termLength) >= p.maxPossiblePosition {
		return MaxPositionExceeded
	}

	logbuffer.RotateLog(p.meta, termCount, termID)
	return AdminAction
}

func (p *Publication) backPressureStatus(currentPosition int64, messageLength int32) int64 {
	alignedLength := int64(logbuffer.Align(messageLength+logbuffer.DataFrameHeaderLength, logbuffer.FrameAlignment))
	if currentPosition+alignedLength >= p.maxPossiblePosition {
		return MaxPositionExceeded
	}
	if p.meta.IsConnected() {
		return BackPressured
	}
	return NotConnected
}

// ProducerPosition derives the producer's published position from the
// active partition's raw tail.
func (p *Publication) ProducerPosition() int64 {
	termCount := p.meta.ActiveTermCount()
	rawTail := p.meta.RawTailVolatile(logbuffer.IndexByTermCount(termCount))

	return logbuffer.ComputePosition(
		logbuffer.TermID(rawTail),
		logbuffer.TermOffset(rawTail, int64(p.termLength)),
		p.positionBitsToShift,
		p.initialTermID,
	)
}

// JoinPosition is where a newly attached subscriber starts reading: the
// furthest back any current non-resting subscriber still is.
func (p *Publication) JoinPosition() int64 {
	position := p.consumerPosition
	for _, tp := range p.subscribable.Positions() {
		if tp.State != TetherResting {
			if subPos := tp.Position.Get(); subPos < position {
				position = subPos
			}
		}
	}
	return position
}

// updatePublisherPositionAndLimit recomputes the publication limit from the
// slowest non-resting subscriber once per duty cycle.  The limit counter is
// only republished when the proposed limit passes the trip limit, so the
// cache line is not bounced between cores on every consumed byte.
func (p *Publication) updatePublisherPositionAndLimit() int {
	workCount := 0

	if p.state == PublicationActive {
		producerPosition := p.ProducerPosition()
		p.pubPos.Set(producerPosition)

		if p.subscribable.Len() > 0 {
			minConsumerPosition := int64(math.MaxInt64)
			maxConsumerPosition := p.consumerPosition

			for _, tp := range p.subscribable.Positions() {
				if tp.State != TetherResting {
					subPos := tp.Position.Get()
					if subPos < minConsumerPosition {
						minConsumerPosition = subPos
					}
					if subPos > maxConsumerPosition {
						maxConsumerPosition = subPos
					}
				}
			}
			if minConsumerPosition == math.MaxInt64 {
				minConsumerPosition = p.consumerPosition
			}

			proposedLimit := minConsumerPosition + p.termWindowLength
			if proposedLimit > p.tripLimit {
				p.cleanBufferTo(minConsumerPosition - int64(p.termLength))
				p.pubLmt.Set(proposedLimit)
				p.tripLimit = proposedLimit + p.tripGain
				workCount = 1
			}

			p.consumerPosition = maxConsumerPosition
		} else if p.pubLmt.Get() > producerPosition {
			p.tripLimit = producerPosition
			p.pubLmt.Set(producerPosition)
			p.cleanBufferTo(producerPosition - int64(p.termLength))
			workCount = 1
		}
	}

	return workCount
}

// cleanBufferTo zeroes dirty term bytes up to position, bounded to one term
// remainder per call so a slow consumer cannot stretch a duty cycle.
func (p *Publication) cleanBufferTo(position int64) {
	cleanPosition := p.cleanPosition
	if position <= cleanPosition {
		return
	}

	dirtyIndex := logbuffer.IndexByPosition(cleanPosition, p.positionBitsToShift)
	termOffset := cleanPosition & int64(p.termLength-1)
	bytesToClean := position - cleanPosition
	if bytesLeftInTerm := int64(p.termLength) - termOffset; bytesToClean > bytesLeftInTerm {
		bytesToClean = bytesLeftInTerm
	}

	dirty := p.termBuffers[dirtyIndex][termOffset : termOffset+bytesToClean]
	for i := range dirty {
		dirty[i] = 0
	}

	p.cleanPosition = cleanPosition + bytesToClean
}

// checkUntetheredSubscriptions advances the tether state machine for
// subscribers that opted out of flow control.
func (p *Publication) checkUntetheredSubscriptions(nowNs int64) {
	untetheredWindowLimit := (p.consumerPosition - p.termWindowLength) + (p.termWindowLength >> 3)

	positions := p.subscribable.Positions()
	for i := len(positions) - 1; i >= 0; i-- {
		tp := positions[i]
		if tp.IsTether {
			continue
		}

		switch tp.State {
		case TetherActive:
			if tp.Position.Get() > untetheredWindowLimit {
				tp.TimeOfLastUpdateNs = nowNs
			} else if nowNs-tp.TimeOfLastUpdateNs > p.untetheredWindowLimitTimeoutNs {
				p.transitionTether(tp, TetherLinger, nowNs)
			}
		case TetherLinger:
			if nowNs-tp.TimeOfLastUpdateNs > p.untetheredLingerTimeoutNs {
				p.transitionTether(tp, TetherResting, nowNs)
			}
		case TetherResting:
			if nowNs-tp.TimeOfLastUpdateNs > p.untetheredRestingTimeoutNs {
				p.subscribable.Remove(tp.RegistrationID)
				p.cm.Free(tp.Position.ID())
				log.Debug("untethered subscriber %d removed from publication %d after resting",
					tp.RegistrationID, p.registrationID)
			}
		}
	}
}

func (p *Publication) transitionTether(tp *TetherablePosition, newState TetherState, nowNs int64) {
	tp.State = newState
	tp.TimeOfLastUpdateNs = nowNs
	if p.onUntetheredStateChange != nil {
		p.onUntetheredStateChange(tp, nowNs, newState)
	}
}

// isPossiblyBlocked reports whether a writer may have reserved space and
// died before committing: either producers have rotated past the consumer's
// term, or the producer position is ahead while the consumer is stuck.
func (p *Publication) isPossiblyBlocked(producerPosition, consumerPosition int64) bool {
	producerTermCount := p.meta.ActiveTermCount()
	expectedTermCount := int32(consumerPosition >> p.positionBitsToShift)

	if producerTermCount != expectedTermCount {
		return true
	}

	return producerPosition > consumerPosition
}

func (p *Publication) checkForBlockedPublisher(producerPosition, nowNs int64) {
	consumerPosition := p.consumerPosition

	if consumerPosition == p.lastConsumerPosition &&
		p.isPossiblyBlocked(producerPosition, consumerPosition) {
		if nowNs-p.timeOfLastConsumerPositionChangeNs > p.unblockTimeoutNs {
			if logbuffer.Unblock(p.meta, p.termBuffers, consumerPosition, p.termLength) {
				metrics.UnblockedPublications.Inc()
				log.Warn("unblocked publication %d at position %d", p.registrationID, consumerPosition)
			}
		}
	} else {
		p.timeOfLastConsumerPositionChangeNs = nowNs
		p.lastConsumerPosition = consumerPosition
	}
}

// isDrained holds when every non-resting subscriber has consumed up to the
// producer position.
func (p *Publication) isDrained(producerPosition int64) bool {
	for _, tp := range p.subscribable.Positions() {
		if tp.State != TetherResting && tp.Position.Get() < producerPosition {
			return false
		}
	}
	return true
}

// IsAcceptingSubscriptions reports whether a new subscriber may attach.
func (p *Publication) IsAcceptingSubscriptions() bool {
	return !p.inCoolDown &&
		(p.state == PublicationActive ||
			(p.state == PublicationDraining && !p.isDrained(p.ProducerPosition())))
}

// HasReachedEndOfLife reports whether the publication can be reclaimed.
func (p *Publication) HasReachedEndOfLife() bool {
	return p.hasReachedEndOfLife
}

// OnTimeEvent advances the publication once per conductor duty cycle.
func (p *Publication) OnTimeEvent(nowNs int64) int {
	if p.inCoolDown && nowNs > p.coolDownExpireTimeNs {
		p.inCoolDown = false
	}

	workCount := p.updatePublisherPositionAndLimit()

	switch p.state {
	case PublicationActive:
		p.checkUntetheredSubscriptions(nowNs)
		if !p.isExclusive {
			p.checkForBlockedPublisher(p.ProducerPosition(), nowNs)
		}

	case PublicationDraining:
		producerPosition := p.ProducerPosition()
		p.pubPos.Set(producerPosition)

		if p.isDrained(producerPosition) {
			p.state = PublicationLinger
			p.timeOfLastStateChangeNs = nowNs
			log.Debug("publication %d drained, lingering", p.registrationID)
		} else if logbuffer.Unblock(p.meta, p.termBuffers, p.consumerPosition, p.termLength) {
			metrics.UnblockedPublications.Inc()
		}

	case PublicationLinger:
		if nowNs-p.timeOfLastStateChangeNs >= p.livenessTimeoutNs {
			p.state = PublicationDone
			p.hasReachedEndOfLife = true
		}
	}

	return workCount
}

// IncRef adds a producer reference for a shared publication.
func (p *Publication) IncRef() {
	p.refCount++
}

// DecRef drops a producer reference.  When the last producer goes away the
// publication stops accepting offers, publishes its end-of-stream position
// and begins draining.
func (p *Publication) DecRef(nowNs int64) {
	p.refCount--
	if p.refCount == 0 {
		producerPosition := p.ProducerPosition()
		p.meta.SetEndOfStreamPositionOrdered(producerPosition)
		p.closed.Store(true)
		p.state = PublicationDraining
		p.timeOfLastStateChangeNs = nowNs
		log.Debug("publication %d draining from position %d", p.registrationID, producerPosition)
	}
}

// Revoke administratively terminates the stream.  Subscribers observe the
// end-of-stream position and cease reading; the publication drains and is
// reclaimed as usual.
func (p *Publication) Revoke(nowNs int64) {
	if p.state == PublicationActive || p.state == PublicationDraining {
		p.meta.SetEndOfStreamPositionOrdered(p.ProducerPosition())
		p.closed.Store(true)
		p.state = PublicationDraining
		p.timeOfLastStateChangeNs = nowNs
		metrics.PublicationsRevoked.Inc()
		if p.onRevoke != nil {
			p.onRevoke(p)
		}
		log.Warn("publication %d revoked", p.registrationID)
	}
}

// Reject puts the publication into cool-down after a malformed image
// report.  While cooling down it refuses new subscriptions, so a noisy
// subscriber cannot keep recreating a doomed publication.
func (p *Publication) Reject(nowNs int64, reason string) {
	p.inCoolDown = true
	p.coolDownExpireTimeNs = nowNs + p.livenessTimeoutNs
	log.Warn("publication %d rejected: %s", p.registrationID, reason)
}

// AddSubscriber attaches a consumer position.  The subscribable add hook
// flips the connected flag producers read through backPressureStatus.
func (p *Publication) AddSubscriber(tp *TetherablePosition, nowNs int64) {
	tp.TimeOfLastUpdateNs = nowNs
	p.subscribable.Add(tp)
}

// RemoveSubscriber detaches a consumer position.  The subscribable remove
// hook performs one final position-and-limit update and clears the
// connected flag when the last subscriber leaves.
func (p *Publication) RemoveSubscriber(registrationID int64) *TetherablePosition {
	return p.subscribable.Remove(registrationID)
}

// CloseLog frees the counters, unmaps the log and removes the file.  Called
// by the conductor at reclamation.
func (p *Publication) CloseLog(cm *counters.Manager) {
	p.closed.Store(true)

	cm.Free(p.pubPos.ID())
	cm.Free(p.pubLmt.ID())

	mappedBytes := p.logFile.Length()
	if err := p.logFile.Close(); err != nil {
		log.Error("failed to unmap publication %d log: %v", p.registrationID, err)
	}
	if err := p.logFile.Unlink(); err != nil {
		log.Error("failed to remove publication %d log file: %v", p.registrationID, err)
	}
	metrics.MappedBytes.Sub(float64(mappedBytes))
}
