package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/api"
	"github.com/lorawan-server/lorawan-node/internal/auth"
	"github.com/lorawan-server/lorawan-node/internal/config"
	"github.com/lorawan-server/lorawan-node/internal/hardware"
	"github.com/lorawan-server/lorawan-node/internal/integration"
	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/monitoring"
	"github.com/lorawan-server/lorawan-node/internal/storage"
	"github.com/lorawan-server/lorawan-node/internal/uplink"
	"github.com/lorawan-server/lorawan-node/pkg/crypto"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
	"github.com/lorawan-server/lorawan-node/pkg/sx127x"
)

func main() {
	var (
		configPath   = flag.String("config", "config/lorawan-node.yml", "configuration file")
		validateOnly = flag.Bool("validate", false, "validate the configuration and exit")
		showConfig   = flag.Bool("show-config", false, "print the configuration and exit")
		issueToken   = flag.String("issue-token", "", "print an API token for this subject and exit")
		tokenScope   = flag.String("scope", auth.ScopeWrite, "scope of the issued token (read|write)")
		hashPassword = flag.String("hash-password", "", "print the bcrypt hash of a password and exit")
		genSecret    = flag.Bool("gen-secret", false, "print a random JWT secret and exit")
		sendHex      = flag.String("send", "", "send one uplink with this hex payload and exit")
		fPort        = flag.Uint("port", 1, "FPort of the -send uplink")
		confirmed    = flag.Bool("confirmed", false, "send the -send uplink as confirmed")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch {
	case *hashPassword != "":
		hash, err := crypto.HashPassword(*hashPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash password")
		}
		fmt.Println(hash)
		return

	case *genSecret:
		secret, err := crypto.GenerateRandomString(32)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to generate secret")
		}
		fmt.Println(secret)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("Failed to load configuration")
	}
	setupLogging(cfg.Log)

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}
	if *validateOnly {
		cfg.PrintConfigSummary()
		fmt.Println("configuration OK")
		return
	}
	if *issueToken != "" {
		token, err := auth.NewJWTManager(&cfg.JWT).GenerateToken(*issueToken, *tokenScope)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	var payload []byte
	if *sendHex != "" {
		payload, err = hex.DecodeString(*sendHex)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid -send payload")
		}
		if *fPort > 223 {
			log.Fatal().Uint("port", *fPort).Msg("Invalid -port")
		}
	}

	if err := run(cfg, payload, uint8(*fPort), *confirmed, *sendHex != ""); err != nil {
		log.Fatal().Err(err).Msg("LoRaWAN node stopped")
	}
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(cfg *config.Config, payload []byte, fPort uint8, confirmed, oneShot bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session, err := cfg.Device.Session()
	if err != nil {
		return err
	}
	ucfg, err := cfg.Radio.UplinkConfig()
	if err != nil {
		return err
	}
	logger := log.With().Str("dev_addr", session.DevAddr().String()).Logger()

	store, err := storage.Open(ctx, cfg.Counter.Backend, cfg.Counter.Path, cfg.Counter.DSN, session.DevAddr().String())
	if err != nil {
		return fmt.Errorf("open frame counter store: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	radio, err := hardware.Open(cfg.Radio, sx127x.WithLogger(logger))
	if err != nil {
		return err
	}
	defer radio.Close()
	defer func() {
		if err := radio.Sleep(); err != nil {
			logger.Warn().Err(err).Msg("Failed to put radio to sleep")
		}
	}()

	if err := radio.Configure(cfg.Radio.DeviceConfig()); err != nil {
		return fmt.Errorf("configure radio: %w", err)
	}

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	pipeline, err := uplink.New(radio, session, store, ucfg,
		uplink.WithLogger(logger),
		uplink.WithMetrics(metrics))
	if err != nil {
		return err
	}

	if oneShot {
		res, err := pipeline.Transmit(ctx, payload, fPort, confirmed)
		var perr *uplink.PersistenceError
		if err != nil && !errors.As(err, &perr) {
			return err
		}
		out, _ := json.MarshalIndent(models.NewUplinkResponse(res, perr == nil), "", "  ")
		fmt.Println(string(out))
		return err
	}

	return serve(ctx, cfg, logger, radio, pipeline, metrics)
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger, radio *hardware.Radio, pipeline *uplink.Pipeline, metrics *monitoring.Metrics) error {
	devAddr := cfg.Device.DevAddr
	downlinks := api.NewDownlinkLog(cfg.API.DownlinkHistory)

	var bridge *integration.Bridge
	if cfg.NATS.URL != "" {
		logger.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")
		nc, err := integration.Connect(cfg.NATS)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			defer nc.Drain()
			bridge = integration.NewBridge(nc, pipeline, cfg.NATS.Prefix, devAddr)
			go func() {
				if err := bridge.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("NATS bridge stopped")
				}
			}()
			publishLifecycle(bridge, devAddr, models.EventTypeStarted)
			defer publishLifecycle(bridge, devAddr, models.EventTypeStopped)
		}
	}

	pipeline.OnDownlink(func(dl lorawan.Downlink) {
		msg := models.NewDownlinkMessage(dl.Frame.MACPayload.FHDR.DevAddr, dl, radio.LastPacket(), time.Now())
		downlinks.Add(msg)
		if bridge != nil {
			if err := bridge.PublishDownlink(msg); err != nil {
				logger.Error().Err(err).Msg("Failed to publish downlink")
			}
		}
	})

	var server *api.RESTServer
	if cfg.API.Enabled {
		server = api.NewRESTServer(cfg, pipeline,
			api.WithDownlinkLog(downlinks),
			api.WithMetricsHandler(metrics.Handler()))
		go func() {
			if err := server.ListenAndServe(cfg.API.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("REST API server failed")
			}
		}()
	}

	if cfg.Radio.Receive {
		if err := pipeline.Listen(); err != nil {
			return fmt.Errorf("start receive: %w", err)
		}
	}

	logger.Info().
		Str("region", cfg.Radio.Region).
		Str("data_rate", cfg.Radio.DataRate).
		Bool("receive", cfg.Radio.Receive).
		Msg("LoRaWAN node started")

	interval := cfg.Radio.PollInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if err := pipeline.Service(); err != nil {
				logger.Debug().Err(err).Msg("Service")
			}
		}
	}

	logger.Info().Msg("Shutting down...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("REST API shutdown")
		}
	}
	return nil
}

func publishLifecycle(bridge *integration.Bridge, devAddr string, typ models.EventType) {
	ev := models.NewEvent(devAddr, typ, models.EventLevelInfo, "LoRaWAN node "+string(typ), nil)
	if err := bridge.PublishEvent(ev); err != nil {
		log.Warn().Err(err).Msg("Failed to publish lifecycle event")
	}
}
