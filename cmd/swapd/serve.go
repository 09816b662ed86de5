package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ArkLabsHQ/swapd/internal/config"
	"github.com/ArkLabsHQ/swapd/internal/core/application"
	"github.com/ArkLabsHQ/swapd/internal/infrastructure/db"
	"github.com/ArkLabsHQ/swapd/internal/infrastructure/esplora"
	"github.com/ArkLabsHQ/swapd/internal/infrastructure/keys"
	scheduler "github.com/ArkLabsHQ/swapd/internal/infrastructure/scheduler/gocron"
	"github.com/ArkLabsHQ/swapd/internal/interface/web"
	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/ArkLabsHQ/swapd/pkg/swap"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serve(c *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	log.SetLevel(cfg.LogrusLevel())

	log.Info("starting swapd...")

	keyManager, err := keys.LoadOrCreate(cfg.Datadir, cfg.Mnemonic, cfg.Net())
	if err != nil {
		log.WithError(err).Fatal("failed to load swap keys")
	}

	dbSvc, err := db.NewService(db.ServiceConfig{
		DbType:   "badger",
		DbConfig: []any{cfg.Datadir, log.StandardLogger()},
	})
	if err != nil {
		log.WithError(err).Fatal("failed to open db")
	}

	chain := esplora.NewService(cfg.EsploraURL, cfg.ElectrumURL, cfg.Net())
	api := &boltz.Api{URL: cfg.BoltzURL, WSURL: cfg.WSURL()}
	notifier := swap.NewNotifier(api)
	schedulerSvc := scheduler.NewScheduler(chain, cfg.PollInterval())

	buildInfo := application.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	appSvc, err := application.NewService(
		buildInfo, cfg.SwapConfig(), dbSvc, keyManager, api, notifier, chain, schedulerSvc,
		application.WithStallThreshold(cfg.StallThresholdDuration()),
	)
	if err != nil {
		log.WithError(err).Fatal("failed to init application service")
	}

	webSvc := web.NewService(web.Config{Port: cfg.HTTPPort, Network: cfg.Network}, appSvc, buildInfo)

	log.RegisterExitHandler(func() {
		webSvc.Stop()
		appSvc.Stop()
		notifier.Close()
		// nolint:all
		chain.Close()
	})

	if err := appSvc.Start(c.Context); err != nil {
		log.WithError(err).Fatal("failed to start application service")
	}

	log.Info("starting service...")
	if err := webSvc.Start(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down service...")
	log.Exit(0)
	return nil
}
