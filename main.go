package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"can-dashboard/broadcast"
	"can-dashboard/canbus"
	"can-dashboard/common"
	"can-dashboard/link"
	"can-dashboard/logging"
	"can-dashboard/mqtt"
	"can-dashboard/service"
	"can-dashboard/supervisor"
	"can-dashboard/web"
)

func main() {
	flags := pflag.NewFlagSet("can-dashboard", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to the config file (default ./config.yaml)")
	flags.Parse(os.Args[1:])

	config, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(config.Logging.Level, config.Logging.Pretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid logging config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, config, logger); err != nil {
		logger.Error().Err(err).Msg("CAN dashboard stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("CAN dashboard stopped")
}

// run wires the components together and blocks until ctx is cancelled or
// the HTTP server fails.
func run(ctx context.Context, config Config, logger zerolog.Logger) error {
	bc := broadcast.New(common.InitialStatus(), config.Stream.Buffer, logging.Component(logger, "broadcast"))
	store := canbus.NewStore()

	var prober link.Prober
	if config.CAN.Probe == probeNetlink {
		prober = link.NewNetlinkProber()
	}
	manager := link.NewManager(nil, prober, logging.Component(logger, "link"))

	channel := canbus.NewChannel(nil, store, bc, logging.Component(logger, "canbus"))
	sup := supervisor.New(config.CAN.Config, manager, channel, bc, logging.Component(logger, "supervisor"))
	can := service.New(store, bc, manager, sup, logging.Component(logger, "service"))
	server := web.New(config.HTTP, can, logging.Component(logger, "web"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("supervisor stopped")
		}
	}()

	if config.MQTT.Enabled {
		client, err := mqtt.NewClient(config.MQTT, can, logging.Component(logger, "mqtt"))
		if err != nil {
			return err
		}
		// With auto reconnect the dashboard keeps serving while the broker is away.
		if err := client.Start(); err != nil {
			logger.Error().Err(err).Msg("MQTT mirror not started")
		} else {
			defer client.Stop()
		}
	}

	logger.Info().
		Str("interface", sup.Interface()).
		Uint32("bitrate", sup.Bitrate()).
		Str("probe", config.CAN.Probe).
		Msg("CAN dashboard started")

	err := server.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
