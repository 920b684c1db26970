package driver

import (
	"fmt"
	"sync"

	"github.com/fluxline/shmcast/counters"
	"github.com/fluxline/shmcast/metrics"
	"github.com/fluxline/shmcast/utils"
	"github.com/fluxline/shmcast/utils/log"
)

type PublicationNotFoundError int64

func (e PublicationNotFoundError) Error() string {
	return fmt.Sprintf("publication %d not found", int64(e))
}

type NotAcceptingSubscriptionsError int64

func (e NotAcceptingSubscriptionsError) Error() string {
	return fmt.Sprintf("publication %d is not accepting subscriptions", int64(e))
}

// Conductor owns all publication administrative state: creation and reuse,
// subscriber registration, the per-duty-cycle time events and the final
// reclamation of drained logs.  Admin calls and DoWork serialise on one
// mutex; nothing on the producer fast path takes it.
type Conductor struct {
	mu sync.Mutex

	config   *utils.DriverConfig
	counters *counters.Manager
	nanoTime func() int64

	publications       []*Publication
	publicationsByID   map[int64]*Publication
	nextRegistrationID int64
	nextSessionID      int32
}

// NewConductor creates a conductor over a counters arena.  nanoTime
// supplies the duty-cycle clock and is injectable for tests.
func NewConductor(config *utils.DriverConfig, cm *counters.Manager, nanoTime func() int64) *Conductor {
	return &Conductor{
		config:           config,
		counters:         cm,
		nanoTime:         nanoTime,
		publicationsByID: make(map[int64]*Publication),
		nextSessionID:    1,
	}
}

// CountersManager exposes the arena subscriber positions are allocated
// from.
func (c *Conductor) CountersManager() *counters.Manager {
	return c.counters
}

// PublicationParamsFromConfig seeds a parameter set with the driver
// defaults.
func (c *Conductor) PublicationParamsFromConfig(channel string, streamID int32) *PublicationParams {
	return &PublicationParams{
		Channel:                  channel,
		StreamID:                 streamID,
		TermLength:               c.config.TermLength,
		MTULength:                c.config.MTULength,
		LivenessTimeout:          c.config.LivenessTimeout,
		UnblockTimeout:           c.config.UnblockTimeout,
		UntetheredWindowTimeout:  c.config.UntetheredWindowTimeout,
		UntetheredLingerTimeout:  c.config.UntetheredLingerTimeout,
		UntetheredRestingTimeout: c.config.UntetheredRestingTimeout,
	}
}

// AddPublication resolves a client add-publication request.  A shared
// request for a (channel, stream) pair with a live shared publication joins
// it; otherwise a fresh log is created.  Exclusive requests always create.
func (c *Conductor) AddPublication(params *PublicationParams) (*Publication, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !params.IsExclusive {
		for _, p := range c.publications {
			if !p.IsExclusive() && p.Channel() == params.Channel &&
				p.StreamID() == params.StreamID && p.State() == PublicationActive {
				p.IncRef()
				return p, nil
			}
		}
	}

	registrationID := c.nextRegistrationID
	c.nextRegistrationID++
	sessionID := c.nextSessionID
	c.nextSessionID++

	p, err := NewPublication(
		c.config.RootDirectory, registrationID, sessionID, params, c.counters, c.nanoTime())
	if err != nil {
		return nil, err
	}

	c.publications = append(c.publications, p)
	c.publicationsByID[registrationID] = p
	metrics.PublicationsCreated.Inc()
	log.Info("publication %d created: %s stream=%d session=%d exclusive=%v",
		registrationID, params.Channel, params.StreamID, sessionID, params.IsExclusive)

	return p, nil
}

// ClosePublication drops one producer reference.
func (c *Conductor) ClosePublication(registrationID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.publicationsByID[registrationID]
	if !ok {
		return PublicationNotFoundError(registrationID)
	}
	p.DecRef(c.nanoTime())
	return nil
}

// AddSubscription attaches a subscriber to a publication, allocating its
// position counter at the join position.  Returns the position counter.
func (c *Conductor) AddSubscription(
	publicationID, subscriptionID int64, isTether bool,
) (*counters.Counter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.publicationsByID[publicationID]
	if !ok {
		return nil, PublicationNotFoundError(publicationID)
	}
	if !p.IsAcceptingSubscriptions() {
		return nil, NotAcceptingSubscriptionsError(publicationID)
	}

	counterID, err := c.counters.Allocate(fmt.Sprintf("sub-pos: %d %d:%d %s",
		subscriptionID, p.SessionID(), p.StreamID(), p.Channel()))
	if err != nil {
		return nil, err
	}

	position := c.counters.Counter(counterID)
	position.Set(p.JoinPosition())

	p.AddSubscriber(&TetherablePosition{
		RegistrationID: subscriptionID,
		IsTether:       isTether,
		State:          TetherActive,
		Position:       position,
	}, c.nanoTime())

	return position, nil
}

// RemoveSubscription detaches a subscriber and frees its position counter.
func (c *Conductor) RemoveSubscription(publicationID, subscriptionID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.publicationsByID[publicationID]
	if !ok {
		return PublicationNotFoundError(publicationID)
	}

	tp := p.RemoveSubscriber(subscriptionID)
	if tp == nil {
		return fmt.Errorf("subscription %d not found on publication %d", subscriptionID, publicationID)
	}
	c.counters.Free(tp.Position.ID())
	return nil
}

// RevokePublication administratively terminates a stream.
func (c *Conductor) RevokePublication(registrationID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.publicationsByID[registrationID]
	if !ok {
		return PublicationNotFoundError(registrationID)
	}
	p.Revoke(c.nanoTime())
	return nil
}

// RejectPublication reports a malformed image and puts the publication in
// cool-down.
func (c *Conductor) RejectPublication(registrationID int64, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.publicationsByID[registrationID]
	if !ok {
		return PublicationNotFoundError(registrationID)
	}
	p.Reject(c.nanoTime(), reason)
	return nil
}

// Publication looks up a live publication by registration id.
func (c *Conductor) Publication(registrationID int64) *Publication {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.publicationsByID[registrationID]
}

// DoWork runs one duty cycle: every publication gets its time event and
// publications that reached end of life are reclaimed.  Returns the amount
// of work done, for idle strategies.
func (c *Conductor) DoWork() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowNs := c.nanoTime()
	workCount := 0

	for i := len(c.publications) - 1; i >= 0; i-- {
		p := c.publications[i]
		workCount += p.OnTimeEvent(nowNs)

		if p.HasReachedEndOfLife() {
			c.publications = append(c.publications[:i], c.publications[i+1:]...)
			delete(c.publicationsByID, p.RegistrationID())
			c.reclaimPublication(p)
			workCount++
		}
	}

	return workCount
}

func (c *Conductor) reclaimPublication(p *Publication) {
	for _, tp := range p.subscribable.Positions() {
		c.counters.Free(tp.Position.ID())
	}
	p.CloseLog(c.counters)
	metrics.PublicationsReclaimed.Inc()
	log.Info("publication %d reclaimed", p.RegistrationID())
}
