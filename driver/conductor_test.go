package driver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/shmcast/driver"
)

func TestSharedPublicationIsReused(t *testing.T) {
	c, _, _ := newTestConductor(t)

	first := addPublication(t, c, false)
	second := addPublication(t, c, false)

	assert.Equal(t, first.RegistrationID(), second.RegistrationID())

	// Two references: one close keeps it active.
	require.NoError(t, c.ClosePublication(first.RegistrationID()))
	assert.Equal(t, driver.PublicationActive, first.State())

	require.NoError(t, c.ClosePublication(first.RegistrationID()))
	assert.Equal(t, driver.PublicationDraining, first.State())
}

func TestExclusivePublicationsAreDistinct(t *testing.T) {
	c, _, _ := newTestConductor(t)

	first := addPublication(t, c, true)
	second := addPublication(t, c, true)

	assert.NotEqual(t, first.RegistrationID(), second.RegistrationID())
	assert.NotEqual(t, first.SessionID(), second.SessionID())
	assert.NotEqual(t, first.LogFileName(), second.LogFileName())
}

func TestSharedRequestDoesNotJoinExclusivePublication(t *testing.T) {
	c, _, _ := newTestConductor(t)

	exclusive := addPublication(t, c, true)
	shared := addPublication(t, c, false)

	assert.NotEqual(t, exclusive.RegistrationID(), shared.RegistrationID())
}

func TestAddSubscriptionToUnknownPublication(t *testing.T) {
	c, _, _ := newTestConductor(t)

	_, err := c.AddSubscription(42, 100, true)
	assert.ErrorIs(t, err, driver.PublicationNotFoundError(42))
}

func TestSubscriberJoinsAtCurrentConsumerPosition(t *testing.T) {
	c, _, _ := newTestConductor(t)
	p := addPublication(t, c, false)

	first, err := c.AddSubscription(p.RegistrationID(), 100, true)
	require.NoError(t, err)
	c.DoWork()

	// Stream some data and let the subscriber consume it.
	for i := 0; i < 4; i++ {
		require.True(t, p.Offer(make([]byte, 96), 0) > 0)
	}
	first.Set(256)
	c.DoWork()

	second, err := c.AddSubscription(p.RegistrationID(), 101, true)
	require.NoError(t, err)
	assert.Equal(t, int64(256), second.Get())
}

func TestRemoveSubscriptionFreesCounter(t *testing.T) {
	c, _, cm := newTestConductor(t)
	p := addPublication(t, c, false)

	position, err := c.AddSubscription(p.RegistrationID(), 100, true)
	require.NoError(t, err)

	require.NoError(t, c.RemoveSubscription(p.RegistrationID(), 100))
	assert.Error(t, c.RemoveSubscription(p.RegistrationID(), 100))

	// The freed counter id is the first one handed out again.
	id, err := cm.Allocate("probe")
	require.NoError(t, err)
	assert.Equal(t, position.ID(), id)
}

func TestLastSubscriberClearsConnectedFlag(t *testing.T) {
	c, _, _ := newTestConductor(t)
	p := addPublication(t, c, false)

	_, err := c.AddSubscription(p.RegistrationID(), 100, true)
	require.NoError(t, err)
	c.DoWork()

	// Connected: back pressure rather than not connected once the window
	// fills.
	for i := int64(0); i < testWindowLength/128; i++ {
		require.True(t, p.Offer(make([]byte, 96), 0) > 0)
	}
	assert.Equal(t, driver.BackPressured, p.Offer(make([]byte, 96), 0))

	require.NoError(t, c.RemoveSubscription(p.RegistrationID(), 100))
	assert.Equal(t, driver.NotConnected, p.Offer(make([]byte, 96), 0))
}

func TestInvalidParamsRejectedSynchronously(t *testing.T) {
	c, _, _ := newTestConductor(t)

	params := c.PublicationParamsFromConfig("shm:events", 10)
	params.TermLength = 12345

	_, err := c.AddPublication(params)
	assert.Error(t, err)
}
