package driver

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fluxline/shmcast/counters"
	"github.com/fluxline/shmcast/metrics"
	"github.com/fluxline/shmcast/utils"
	"github.com/fluxline/shmcast/utils/log"
)

// Driver runs one conductor over a directory of log files.  A single driver
// process has exclusive write access to the administrative state of the
// logs it creates.
type Driver struct {
	InstanceID string

	config    *utils.DriverConfig
	conductor *Conductor
	counters  *counters.Manager
}

// NewDriver prepares the log directory and conductor but does not start the
// duty cycle.
func NewDriver(config *utils.DriverConfig) (*Driver, error) {
	if err := os.MkdirAll(config.RootDirectory, 0o700); err != nil {
		return nil, fmt.Errorf("create root directory %s: %w", config.RootDirectory, err)
	}

	cm := counters.NewManager(config.CountersCapacity)

	return &Driver{
		InstanceID: uuid.NewString(),
		config:     config,
		conductor:  NewConductor(config, cm, nanoClock),
		counters:   cm,
	}, nil
}

// Conductor returns the driver's conductor for administrative requests.
func (d *Driver) Conductor() *Conductor {
	return d.conductor
}

// Run executes the conductor duty cycle until the context is cancelled.
func (d *Driver) Run(ctx context.Context) {
	log.Info("driver instance %s running duty cycle every %v", d.InstanceID, d.config.DutyCycleInterval)

	ticker := time.NewTicker(d.config.DutyCycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("driver instance %s stopped", d.InstanceID)
			return
		case <-ticker.C:
			start := time.Now()
			d.conductor.DoWork()
			metrics.DutyCycleDuration.Observe(time.Since(start).Seconds())
		}
	}
}

func nanoClock() int64 {
	return time.Now().UnixNano()
}
