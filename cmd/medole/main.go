// cmd/medole/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/benck/ha-medole/internal/bridge"
	"github.com/benck/ha-medole/internal/config"
	"github.com/benck/ha-medole/internal/coordinator"
	"github.com/benck/ha-medole/internal/dehumidifier"
	"github.com/benck/ha-medole/internal/logging"
	"github.com/benck/ha-medole/internal/metrics"
	"github.com/benck/ha-medole/internal/status"
)

const serviceName = "medole"

var version = "dev"

func main() {
	cfgPath := flag.String("config", "", "path to medole.yaml (default: ./medole.yaml or /etc/medole/medole.yaml)")
	flag.Parse()

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		bootLog := logging.New(serviceName, version, logging.Config{Format: "console"})
		bootLog.Fatal().Err(err).Msg("config load failed")
	}

	log := logging.New(serviceName, version, logging.Config(cfg.Logging))
	log.Info().Int("devices", len(cfg.Devices)).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()

	// --------------------
	// One coordinator per device
	// --------------------

	var coords []*coordinator.Coordinator
	for _, dev := range cfg.Devices {
		c, err := coordinator.Start(ctx, dev,
			coordinator.WithLogger(log),
			coordinator.WithMetrics(reg),
		)
		if err != nil {
			log.Fatal().Err(err).Str("device", dev.Name).Msg("coordinator start failed")
		}
		coords = append(coords, c)
	}

	// --------------------
	// HTTP: metrics, health, state
	// --------------------

	var srv *http.Server
	if cfg.HTTP.Enabled {
		srv = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           routes(reg, coords),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("listen", cfg.HTTP.Listen).Msg("http server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server failed")
			}
		}()
	}

	// --------------------
	// MQTT bridge (optional)
	// --------------------

	var wg sync.WaitGroup
	if cfg.MQTT.Enabled {
		cli, err := bridge.Connect(cfg.MQTT, log)
		if err != nil {
			log.Fatal().Err(err).Msg("mqtt connect failed")
		}
		defer bridge.Disconnect(cli, cfg.MQTT)

		br := bridge.New(cli, bridge.Config{
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, log, reg)

		for _, c := range coords {
			wg.Add(1)
			go func(c *coordinator.Coordinator) {
				defer wg.Done()
				runBridge(ctx, br, c, log)
			}(c)
		}
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// --------------------
	// Shutdown (bounded)
	// --------------------

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for _, c := range coords {
			c.Stop()
		}
		wg.Wait()
	}()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown incomplete")
		}
	}

	select {
	case <-stopped:
		log.Info().Msg("stopped")
	case <-shutdownCtx.Done():
		log.Warn().Msg("shutdown timeout, exiting with work in flight")
	}
}

// runBridge keeps one device mirrored until ctx ends. Run fails only when
// subscribing fails, typically while the broker is still unreachable.
func runBridge(ctx context.Context, br *bridge.Bridge, c *coordinator.Coordinator, log zerolog.Logger) {
	for {
		err := br.Run(ctx, c)
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("device", c.Name()).Msg("bridge stopped, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// ---- HTTP ----

type deviceState struct {
	status.Document
	Dehumidifier dehumidifier.View `json:"dehumidifier"`
}

func routes(reg *metrics.Registry, coords []*coordinator.Coordinator) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())

	// healthz: 200 while every coordinator worker is alive
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		out := make(map[string]string, len(coords))
		code := http.StatusOK
		for _, c := range coords {
			select {
			case <-c.Done():
				out[c.Name()] = "stopped"
				code = http.StatusServiceUnavailable
			default:
				out[c.Name()] = c.Health().State.String()
			}
		}
		writeJSON(w, code, out)
	})

	mux.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		out := make(map[string]deviceState, len(coords))
		for _, c := range coords {
			s := c.CurrentState()
			out[c.Name()] = deviceState{
				Document:     status.NewDocument(s, c.Health()),
				Dehumidifier: dehumidifier.FromSnapshot(s),
			}
		}
		writeJSON(w, http.StatusOK, out)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
