package utils

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/fluxline/shmcast/utils/log"
)

// InstanceConfig is the parsed configuration of the running driver instance.
var InstanceConfig DriverConfig

const (
	DefaultTermLength        = 16 * 1024 * 1024
	DefaultMTULength         = 4096
	DefaultCountersCapacity  = 1024
	DefaultDutyCycleInterval = time.Millisecond

	DefaultLivenessTimeout          = 5 * time.Second
	DefaultUnblockTimeout           = 15 * time.Second
	DefaultUntetheredWindowTimeout  = 5 * time.Second
	DefaultUntetheredLingerTimeout  = 5 * time.Second
	DefaultUntetheredRestingTimeout = 10 * time.Second
)

// DriverConfig holds the settings for a driver process. One driver owns a
// directory of log files and has exclusive write access to the files it
// creates.
type DriverConfig struct {
	RootDirectory     string
	ListenURL         string
	TermLength        int32
	MTULength         int32
	CountersCapacity  int
	DutyCycleInterval time.Duration
	StopGracePeriod   time.Duration

	LivenessTimeout          time.Duration
	UnblockTimeout           time.Duration
	UntetheredWindowTimeout  time.Duration
	UntetheredLingerTimeout  time.Duration
	UntetheredRestingTimeout time.Duration

	StartTime time.Time
}

// ParseConfig sets the DriverConfig from the raw YAML contents.
func ParseConfig(data []byte) (*DriverConfig, error) {
	var (
		m   DriverConfig
		aux struct {
			RootDirectory     string `yaml:"root_directory"`
			ListenURL         string `yaml:"listen_url"`
			LogLevel          string `yaml:"log_level"`
			TermLength        int32  `yaml:"term_length"`
			MTULength         int32  `yaml:"mtu_length"`
			CountersCapacity  int    `yaml:"counters_capacity"`
			DutyCycleInterval string `yaml:"duty_cycle_interval"`
			StopGracePeriod   string `yaml:"stop_grace_period"`

			LivenessTimeout          string `yaml:"liveness_timeout"`
			UnblockTimeout           string `yaml:"unblock_timeout"`
			UntetheredWindowTimeout  string `yaml:"untethered_window_timeout"`
			UntetheredLingerTimeout  string `yaml:"untethered_linger_timeout"`
			UntetheredRestingTimeout string `yaml:"untethered_resting_timeout"`
		}
	)

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return nil, err
	}

	if aux.RootDirectory == "" {
		return nil, errors.New("invalid root directory")
	}
	m.RootDirectory = aux.RootDirectory
	m.ListenURL = aux.ListenURL

	m.TermLength = DefaultTermLength
	if aux.TermLength != 0 {
		if bits.OnesCount32(uint32(aux.TermLength)) != 1 {
			return nil, fmt.Errorf("term_length %d is not a power of two", aux.TermLength)
		}
		m.TermLength = aux.TermLength
	}

	m.MTULength = DefaultMTULength
	if aux.MTULength != 0 {
		m.MTULength = aux.MTULength
	}

	m.CountersCapacity = DefaultCountersCapacity
	if aux.CountersCapacity != 0 {
		m.CountersCapacity = aux.CountersCapacity
	}

	var err error
	if m.DutyCycleInterval, err = parseDuration(aux.DutyCycleInterval, DefaultDutyCycleInterval); err != nil {
		return nil, err
	}
	if m.StopGracePeriod, err = parseDuration(aux.StopGracePeriod, 0); err != nil {
		return nil, err
	}
	if m.LivenessTimeout, err = parseDuration(aux.LivenessTimeout, DefaultLivenessTimeout); err != nil {
		return nil, err
	}
	if m.UnblockTimeout, err = parseDuration(aux.UnblockTimeout, DefaultUnblockTimeout); err != nil {
		return nil, err
	}
	if m.UntetheredWindowTimeout, err = parseDuration(aux.UntetheredWindowTimeout, DefaultUntetheredWindowTimeout); err != nil {
		return nil, err
	}
	if m.UntetheredLingerTimeout, err = parseDuration(aux.UntetheredLingerTimeout, DefaultUntetheredLingerTimeout); err != nil {
		return nil, err
	}
	if m.UntetheredRestingTimeout, err = parseDuration(aux.UntetheredRestingTimeout, DefaultUntetheredRestingTimeout); err != nil {
		return nil, err
	}

	if aux.LogLevel != "" {
		switch strings.ToLower(aux.LogLevel) {
		case "fatal":
			log.SetLevel(log.FATAL)
		case "error":
			log.SetLevel(log.ERROR)
		case "warning":
			log.SetLevel(log.WARNING)
		case "debug":
			log.SetLevel(log.DEBUG)
		case "info":
			log.SetLevel(log.INFO)
		default:
			log.Error("invalid log_level %q, defaulting to info", aux.LogLevel)
		}
	}

	return &m, nil
}

func parseDuration(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return d, nil
}
