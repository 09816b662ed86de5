package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ArkLabsHQ/swapd/internal/test/mockboltz"
	"github.com/btcsuite/btcd/chaincfg"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	v := viper.New()
	v.SetEnvPrefix("MOCK_BOLTZ")
	v.AutomaticEnv()
	v.SetDefault("LISTEN_ADDR", ":9001")
	v.SetDefault("LOG_LEVEL", int(log.DebugLevel))
	v.SetDefault("AUTO_LOCK_REVERSE", "2s")

	log.SetLevel(log.Level(v.GetUint32("LOG_LEVEL")))

	network := &chaincfg.RegressionNetParams
	if v.GetString("NETWORK") == "testnet" {
		network = &chaincfg.TestNet3Params
	}

	server, err := mockboltz.New(mockboltz.Config{
		ListenAddr:      v.GetString("LISTEN_ADDR"),
		Network:         network,
		StartHeight:     v.GetUint32("START_HEIGHT"),
		TimeoutBlocks:   v.GetUint32("TIMEOUT_BLOCKS"),
		ServiceFeePPM:   v.GetUint64("SERVICE_FEE_PPM"),
		MinerFeeSat:     v.GetUint64("MINER_FEE_SAT"),
		FeeRate:         v.GetFloat64("FEE_RATE"),
		MinAmount:       v.GetUint64("MIN_AMOUNT"),
		MaxAmount:       v.GetUint64("MAX_AMOUNT"),
		AutoLockReverse: v.GetDuration("AUTO_LOCK_REVERSE"),
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := server.Start(); err != nil {
		log.Fatalf("failed to start mock boltz: %s", err)
	}
	log.Infof("mock boltz listening at %s", server.URL())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, os.Interrupt)
	<-sigChan

	log.Info("shutting down mock boltz...")
	if err := server.Stop(); err != nil {
		log.WithError(err).Warn("failed to stop mock boltz")
	}
	log.Exit(0)
}
