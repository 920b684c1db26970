package utils_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/shmcast/utils"
)

func TestParseConfigDefaults(t *testing.T) {
	config, err := utils.ParseConfig([]byte("root_directory: /tmp/shmcast\n"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/shmcast", config.RootDirectory)
	assert.Equal(t, int32(utils.DefaultTermLength), config.TermLength)
	assert.Equal(t, int32(utils.DefaultMTULength), config.MTULength)
	assert.Equal(t, utils.DefaultDutyCycleInterval, config.DutyCycleInterval)
	assert.Equal(t, utils.DefaultUnblockTimeout, config.UnblockTimeout)
}

func TestParseConfigOverrides(t *testing.T) {
	yml := `
root_directory: /var/run/shmcast
listen_url: localhost:9100
term_length: 65536
mtu_length: 8192
duty_cycle_interval: 5ms
unblock_timeout: 30s
untethered_resting_timeout: 1m
`
	config, err := utils.ParseConfig([]byte(yml))
	require.NoError(t, err)

	assert.Equal(t, "localhost:9100", config.ListenURL)
	assert.Equal(t, int32(65536), config.TermLength)
	assert.Equal(t, int32(8192), config.MTULength)
	assert.Equal(t, 5*time.Millisecond, config.DutyCycleInterval)
	assert.Equal(t, 30*time.Second, config.UnblockTimeout)
	assert.Equal(t, time.Minute, config.UntetheredRestingTimeout)
}

func TestParseConfigRejectsMissingRootDirectory(t *testing.T) {
	_, err := utils.ParseConfig([]byte("listen_url: localhost:9100\n"))
	assert.Error(t, err)
}

func TestParseConfigRejectsBadTermLength(t *testing.T) {
	_, err := utils.ParseConfig([]byte("root_directory: /tmp/x\nterm_length: 1000\n"))
	assert.Error(t, err)
}

func TestParseConfigRejectsBadDuration(t *testing.T) {
	_, err := utils.ParseConfig([]byte("root_directory: /tmp/x\nunblock_timeout: soon\n"))
	assert.Error(t, err)
}
