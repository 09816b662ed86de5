package esplora

import (
	"github.com/ArkLabsHQ/swapd/pkg/swap"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	log "github.com/sirupsen/logrus"
)

const minFeeRate = 1

// Service is a chain backend that holds a connection.
type Service interface {
	swap.ChainBackend
	Close() error
}

// NewService prefers the Electrum protocol when electrumURL is set and falls
// back to the Esplora REST API at esploraURL.
func NewService(esploraURL, electrumURL string, network *chaincfg.Params) Service {
	if electrumURL != "" {
		log.Infof("using electrum server %s", electrumURL)
		return NewElectrumService(electrumURL, network)
	}
	log.Infof("using esplora at %s", esploraURL)
	return NewHTTPService(esploraURL)
}

func satPerVByte(rate chainfee.SatPerKVByte) float64 {
	vb := float64(rate) / 1000
	if vb < minFeeRate {
		return minFeeRate
	}
	return vb
}
