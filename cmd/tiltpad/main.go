// tiltpad is a synthetic peer for exercising a relay without a phone
// or a browser. In controller mode it sweeps a fake orientation through
// the calibration layer at a fixed cadence; in display mode it samples
// the session store once per second the way a render loop would.
package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/tiltlink/tiltlink/calibration"
	"github.com/tiltlink/tiltlink/client"
	"github.com/tiltlink/tiltlink/envelope"
	"github.com/tiltlink/tiltlink/model"
	"github.com/tiltlink/tiltlink/session"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		serverURL = fs.StringP("server", "s", "ws://localhost:8888", "relay server url")
		room      = fs.StringP("room", "r", "", "room token (required)")
		role      = fs.String("role", envelope.RoleController, "controller or display")
		rate      = fs.Int("rate", 30, "controller samples per second")
		recalStep = fs.Duration("recalibrate-every", 20*time.Second, "controller recalibration interval")
		dump      = fs.Bool("dump", false, "dump rosters and samples to stdout")
		logLevel  = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if *room == "" {
		logger.Fatal().Msg("--room is required")
	}
	if *rate <= 0 {
		logger.Fatal().Msg("--rate must be positive")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	store := &session.Store{}
	transport, err := client.New(client.Config{
		Logger:    &logger,
		ServerURL: *serverURL,
		Room:      *room,
		Role:      *role,
		Store:     store,
		OnPresence: func(self string, roster []envelope.Device) {
			if *dump {
				spew.Dump(roster)
			}
			logger.Info().
				Str("self", self).
				Int("peers", len(roster)).
				Msg("presence")
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create transport")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go transport.Run(ctx)

	switch *role {
	case envelope.RoleController:
		runController(ctx, transport, *rate, *recalStep, &logger)
	default:
		runDisplay(ctx, store, *dump, &logger)
	}
	transport.Disconnect()
}

// runController sweeps yaw/pitch/roll sinusoids as if an operator were
// waving the device around, recalibrating on an interval to exercise
// the action channel.
func runController(ctx context.Context, transport *client.Transport, rate int, recalStep time.Duration, logger *zerolog.Logger) {
	cal := &calibration.Calibrator{}
	sampleTicker := time.NewTicker(time.Second / time.Duration(rate))
	recalTicker := time.NewTicker(recalStep)
	defer sampleTicker.Stop()
	defer recalTicker.Stop()

	started := time.Now()
	rawAt := func(t time.Time) model.ControlSample {
		el := t.Sub(started).Seconds()
		return model.ControlSample{
			Yaw:        170 + 40*math.Sin(el*0.5), // drifts across the ±180 seam
			Pitch:      15 * math.Sin(el*0.8),
			Roll:       10 * math.Sin(el*1.1),
			CapturedAt: t.UnixMilli(),
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-recalTicker.C:
			cal.Recalibrate(rawAt(now))
			transport.SendAction("recalibrate")
			logger.Info().Msg("recalibrated")
		case now := <-sampleTicker.C:
			transport.SendOrientation(cal.Apply(rawAt(now)))
		}
	}
}

// runDisplay polls the store the way a render loop samples it.
func runDisplay(ctx context.Context, store *session.Store, dump bool, logger *zerolog.Logger) {
	frameTicker := time.NewTicker(time.Second)
	defer frameTicker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-frameTicker.C:
			sample, ok := store.LatestControlSample()
			if !ok {
				logger.Info().
					Stringer("status", store.Status()).
					Msg("no sample yet")
				continue
			}
			if dump {
				spew.Dump(sample)
			}
			logger.Info().
				Float64("yaw", sample.Yaw).
				Float64("pitch", sample.Pitch).
				Float64("roll", sample.Roll).
				Msg("latest sample")

			if action, ok := store.LatestDiscreteAction(); ok && action.Seq != lastSeq {
				lastSeq = action.Seq
				logger.Info().
					Str("action", action.ID).
					Uint64("seq", action.Seq).
					Msg("action observed")
			}
		}
	}
}
