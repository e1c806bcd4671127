package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	httpapp "devicetrust/internal/app/http"
	"devicetrust/internal/config"
	trusthttp "devicetrust/internal/http/trust"
	"devicetrust/internal/lib/logger/sl"
	"devicetrust/internal/services/trust"
	"devicetrust/internal/storage/postgres"
	"devicetrust/internal/storage/sqlite"
)

// registry is the full storage contract the trust core consumes; both the
// sqlite and postgres backends satisfy it.
type registry interface {
	trust.ProfileProvider
	trust.DeviceStorage
	trust.SessionStorage
	trust.MagicLinkStorage
	trust.PairingPinStorage
	trust.LoginPinStorage
	trust.AuditRecorder
}

type App struct {
	HTTPServer *httpapp.App

	log          *slog.Logger
	trustService *trust.Trust
	sweepEvery   time.Duration
	stopSweep    chan struct{}
}

func New(log *slog.Logger, cfg *config.Config) *App {
	var (
		store registry
		err   error
	)
	if cfg.PostgresDSN != "" {
		store, err = postgres.New(cfg.PostgresDSN, log)
	} else {
		store, err = sqlite.New(cfg.StoragePath, log)
	}
	if err != nil {
		panic(err)
	}

	trustService := trust.New(
		log,
		store, // ProfileProvider
		store, // DeviceStorage
		store, // SessionStorage
		store, // MagicLinkStorage
		store, // PairingPinStorage
		store, // LoginPinStorage
		store, // AuditRecorder
		trust.Policy{
			SessionTTL:             cfg.Sessions.TTL,
			StandardLinkTTL:        cfg.MagicLinks.StandardTTL,
			ExtendedLinkTTL:        cfg.MagicLinks.ExtendedTTL,
			OneTimeLinkTTL:         cfg.MagicLinks.OneTimeTTL,
			SingleUseAllLinks:      cfg.MagicLinks.SingleUseAll,
			PairingCodeWidth:       cfg.PairingPins.CodeWidth,
			PairingDefaultDuration: cfg.PairingPins.DefaultDuration,
			PairingMaxDuration:     cfg.PairingPins.MaxDuration,
			LoginPinMinLen:         cfg.LoginPin.MinLen,
			LoginPinMaxLen:         cfg.LoginPin.MaxLen,
			LoginPinMaxFailures:    cfg.LoginPin.MaxFailures,
			LoginPinLockoutWindow:  cfg.LoginPin.LockoutWindow,
		},
	)

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	trusthttp.NewServer(trustService, log).Register(engine)

	httpApp := httpapp.New(log, engine, cfg.HTTP.Port, cfg.HTTP.Timeout)

	return &App{
		HTTPServer:   httpApp,
		log:          log,
		trustService: trustService,
		sweepEvery:   cfg.PairingPins.SweepInterval,
		stopSweep:    make(chan struct{}),
	}
}

// StartSweeper runs the expired pairing pin sweep on its interval until
// Stop is called.
func (a *App) StartSweeper() {
	go func() {
		ticker := time.NewTicker(a.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := a.trustService.SweepExpiredPairingPins(context.Background()); err != nil {
					a.log.Error("pairing pin sweep failed", sl.Err(err))
				}
			case <-a.stopSweep:
				return
			}
		}
	}()
}

func (a *App) Stop() {
	close(a.stopSweep)
	a.HTTPServer.Stop()
}
