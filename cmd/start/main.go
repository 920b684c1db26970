package start

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fluxline/shmcast/driver"
	"github.com/fluxline/shmcast/metrics"
	"github.com/fluxline/shmcast/utils"
	"github.com/fluxline/shmcast/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a shmcast media driver"
	long                  = "This command starts a shmcast shared-memory media driver"
	example               = "shmcast start --config <path>"
	defaultConfigFilePath = "./shmcast.yml"
	configDesc            = "set the path for the shmcast YAML configuration file"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	utils.InstanceConfig.StartTime = time.Now()
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	globalCtx, globalCancel := context.WithCancel(context.Background())
	defer globalCancel()

	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read configuration file")
	}

	// Don't output command usage if args are correct
	cmd.SilenceUsage = true

	// Log config location.
	log.Info("using %v for configuration", configFilePath)

	// Attempt to set configuration.
	config, err := utils.ParseConfig(data)
	if err != nil {
		return errors.Wrap(err, "failed to parse configuration file")
	}
	config.StartTime = utils.InstanceConfig.StartTime
	utils.InstanceConfig = *config

	log.Info("initializing shmcast driver...")
	start := time.Now()

	d, err := driver.NewDriver(config)
	if err != nil {
		return errors.Wrap(err, "failed to create driver")
	}

	go d.Run(globalCtx)

	startupTime := time.Since(start)
	metrics.StartupTime.Set(startupTime.Seconds())
	log.Info("startup time: %s", startupTime)

	// Spawn a goroutine and listen for a signal.
	const defaultSignalChanLen = 10
	signalChan := make(chan os.Signal, defaultSignalChanLen)
	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("initiating graceful shutdown due to '%v' request", s)
				globalCancel()
				log.Info("waiting a grace period of %v to shutdown...", config.StopGracePeriod)
				time.Sleep(config.StopGracePeriod)
				shutdown()
			}
		}
	}()
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	if config.ListenURL != "" {
		// Set monitoring handler.
		log.Info("launching prometheus metrics server...")
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(config.ListenURL, nil); err != nil {
			return errors.Wrap(err, "failed to start metrics server")
		}
		return nil
	}

	<-globalCtx.Done()
	return nil
}

func shutdown() {
	log.Info("exiting...")
	os.Exit(0)
}
