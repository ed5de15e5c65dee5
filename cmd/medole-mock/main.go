// cmd/medole-mock/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benck/ha-medole/internal/devicesim"
	"github.com/benck/ha-medole/internal/logging"
)

var version = "dev"

func main() {
	listen := flag.String("listen", "tcp://0.0.0.0:5020", "modbus tcp listen url")
	unit := flag.Uint("unit", 1, "unit id to answer (0 answers every unit)")
	step := flag.Duration("step", 5*time.Second, "simulation step interval")
	seed := flag.Int64("seed", time.Now().UnixNano(), "simulation random seed")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := logging.New("medole-mock", version, logging.Config{Level: *level, Format: "console"})

	if *unit > 247 {
		log.Fatal().Uint("unit", *unit).Msg("unit id outside 0..247")
	}

	sim, err := devicesim.NewMedole(*seed, time.Now)
	if err != nil {
		log.Fatal().Err(err).Msg("simulation setup failed")
	}

	srv, err := devicesim.NewServer(*listen, sim.Bank(), uint8(*unit), log)
	if err != nil {
		log.Fatal().Err(err).Msg("server setup failed")
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Str("listen", *listen).Msg("server start failed")
	}
	log.Info().
		Str("listen", *listen).
		Uint("unit", *unit).
		Dur("step", *step).
		Msg("mock medole dehumidifier serving")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim.Run(ctx, *step)

	if err := srv.Stop(); err != nil {
		log.Warn().Err(err).Msg("server stop failed")
	}
	reads, writes := sim.Bank().Counts()
	log.Info().Int("reads", reads).Int("writes", writes).Msg("stopped")
}
