// Command gatewayd is the gateway's entry point: load configuration, open
// the EZSP adapter and the state file, then run the single dispatch loop
// until a shutdown signal arrives.
//
// Grounded on urmzd/homai/cmd/api/main.go's flag-parsing/zerolog-setup/
// construct-then-run/signal-driven-shutdown shape, adapted to build
// pkg/gateway.Gateway against pkg/aps/ezsp instead of opening a SQLite
// database and an API router.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/aps/ezsp"
	"github.com/zigbee-gateway/gwcore/pkg/config"
	"github.com/zigbee-gateway/gwcore/pkg/gateway"
	"github.com/zigbee-gateway/gwcore/pkg/persistence"
)

// coordinatorEndpoint is the fixed HA endpoint the coordinator itself
// answers on, used as the destination endpoint for device-to-gateway
// binds (spec §4.9).
const coordinatorEndpoint uint8 = 1

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logFormat := flag.String("log-format", "", "override GW_LOG_FORMAT (json|console)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	configureLogging(cfg.LogLevel, cfg.LogFormat)

	sink, err := persistence.OpenFileSink(cfg.StatePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state file")
	}

	openCtx, cancelOpen := context.WithTimeout(context.Background(), cfg.ASHConnectDelay+time.Second)
	adapter, err := ezsp.Open(openCtx, cfg.SerialPort, ezsp.OpenOptions{
		BaudRate:       cfg.SerialBaud,
		ConnectTimeout: cfg.ASHConnectDelay,
	})
	cancelOpen()
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.SerialPort).Msg("failed to open EZSP adapter")
	}
	defer adapter.Close()

	gatewayIEEE, err := coordinatorIEEE(adapter)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read coordinator IEEE address")
	}

	gw, err := gateway.New(cfg, adapter, sink, gatewayIEEE, coordinatorEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct gateway")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
	}()

	log.Info().Str("port", cfg.SerialPort).Str("state", sink.Path()).Msg("gateway starting")
	if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("gateway stopped unexpectedly")
	}
}

func configureLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// coordinatorIEEE reads the adapter's own MAC address and folds it into a
// uint64, the form every other address in the gateway is keyed by.
func coordinatorIEEE(adapter *ezsp.Adapter) (uint64, error) {
	raw, err := adapter.GetParameter(aps.ParamMacAddress)
	if err != nil {
		return 0, err
	}
	eui, ok := raw.([8]byte)
	if !ok {
		return 0, nil
	}
	return binary.BigEndian.Uint64(eui[:]), nil
}
