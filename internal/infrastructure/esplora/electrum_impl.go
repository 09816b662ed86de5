package esplora

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ArkLabsHQ/swapd/pkg/swap"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/ccoveille/go-safecast"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// electrumService is the chain backend over the Electrum protocol.
type electrumService struct {
	client  *ElectrumClient
	network *chaincfg.Params
}

func NewElectrumService(url string, network *chaincfg.Params) Service {
	return &electrumService{
		client:  NewElectrumClient(url, 10*time.Second),
		network: network,
	}
}

func (s *electrumService) GetBlockHeight(ctx context.Context) (uint32, error) {
	height, err := s.client.GetBlockchainHeight(ctx)
	if err != nil {
		return 0, electrumErr("get height", err)
	}
	return safecast.ToUint32(height)
}

func (s *electrumService) ListUnspent(ctx context.Context, address string) ([]swap.Utxo, error) {
	scriptHash, err := AddressToScriptHash(address, s.network)
	if err != nil {
		return nil, err
	}

	result, err := s.client.call(ctx, "blockchain.scripthash.listunspent", scriptHash)
	if err != nil {
		return nil, electrumErr("listunspent", err)
	}

	var unspents []struct {
		TxHash string `json:"tx_hash"`
		TxPos  uint32 `json:"tx_pos"`
		Height int64  `json:"height"`
		Value  uint64 `json:"value"`
	}
	if err := json.Unmarshal(result, &unspents); err != nil {
		return nil, fmt.Errorf("failed to parse unspents: %w", err)
	}

	utxos := make([]swap.Utxo, 0, len(unspents))
	for _, u := range unspents {
		utxo := swap.Utxo{Txid: u.TxHash, Vout: u.TxPos, Amount: u.Value}
		// 0 is mempool, -1 mempool with unconfirmed parents.
		if u.Height > 0 {
			if utxo.Height, err = safecast.ToUint32(u.Height); err != nil {
				return nil, err
			}
		}
		utxos = append(utxos, utxo)
	}
	return utxos, nil
}

// EstimateFeeRate asks for a next block estimate, falling back to 1 sat/vB
// when the server has none.
func (s *electrumService) EstimateFeeRate(ctx context.Context) (float64, error) {
	result, err := s.client.call(ctx, "blockchain.estimatefee", 1)
	if err != nil {
		return 0, electrumErr("estimatefee", err)
	}

	var btcPerKvB float64
	if err := json.Unmarshal(result, &btcPerKvB); err != nil {
		return 0, fmt.Errorf("failed to parse fee estimate: %w", err)
	}
	if btcPerKvB <= 0 {
		return minFeeRate, nil
	}

	amount, err := btcutil.NewAmount(btcPerKvB)
	if err != nil {
		return 0, fmt.Errorf("invalid fee estimate: %w", err)
	}
	return satPerVByte(chainfee.SatPerKVByte(amount)), nil
}

func (s *electrumService) Broadcast(ctx context.Context, txHex string) (string, error) {
	result, err := s.client.call(ctx, "blockchain.transaction.broadcast", txHex)
	if err != nil {
		var rpcErr *ElectrumError
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%w: %s", swap.ErrBroadcastRejected, rpcErr.Message)
		}
		return "", electrumErr("broadcast", err)
	}

	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", fmt.Errorf("failed to parse txid: %w", err)
	}
	return txid, nil
}

func (s *electrumService) Close() error {
	s.client.Close()
	return nil
}

// AddressToScriptHash returns the Electrum script hash of address: the
// reversed sha256 of its output script.
func AddressToScriptHash(address string, network *chaincfg.Params) (string, error) {
	decoded, err := btcutil.DecodeAddress(address, network)
	if err != nil {
		return "", fmt.Errorf("invalid address %s: %w", address, err)
	}
	pkScript, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return "", err
	}
	return scriptPubKeyToScriptHash(pkScript), nil
}

func scriptPubKeyToScriptHash(scriptPubKey []byte) string {
	hash := sha256.Sum256(scriptPubKey)
	reversed := make([]byte, len(hash))
	for i := range hash {
		reversed[len(hash)-1-i] = hash[i]
	}
	return hex.EncodeToString(reversed)
}

// electrumErr marks transport failures as transient. Server side errors are
// returned as they are.
func electrumErr(op string, err error) error {
	var rpcErr *ElectrumError
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("electrum %s: %w", op, err)
	}
	return fmt.Errorf("%w: electrum %s: %w", swap.ErrTransientNetwork, op, err)
}
