package mockboltz

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
	log "github.com/sirupsen/logrus"
)

var (
	errMissingInputs = errors.New("bad-txns-inputs-missingorspent")
	errNonFinal      = errors.New("non-final")
)

type chainUtxo struct {
	outpoint wire.OutPoint
	out      *wire.TxOut
	address  string
	// height is the confirmation height, 0 in mempool.
	height uint32
}

// chain is a single node regtest chain. Every accepted transaction is fully
// script-verified and lands in the mempool until the next block.
type chain struct {
	network *chaincfg.Params

	mu      sync.Mutex
	height  uint32
	feeRate float64
	utxos   map[wire.OutPoint]*chainUtxo
	txs     map[chainhash.Hash]*wire.MsgTx
	mempool map[chainhash.Hash]struct{}
}

func newChain(network *chaincfg.Params, height uint32, feeRate float64) *chain {
	return &chain{
		network: network,
		height:  height,
		feeRate: feeRate,
		utxos:   make(map[wire.OutPoint]*chainUtxo),
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
		mempool: make(map[chainhash.Hash]struct{}),
	}
}

func (c *chain) tip() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

func (c *chain) setFeeRate(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feeRate = rate
}

// mine confirms the mempool in the first of n new blocks and returns the
// confirmed transactions.
func (c *chain) mine(n uint32) []*wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n == 0 {
		return nil
	}
	confirmedAt := c.height + 1
	c.height += n

	confirmed := make([]*wire.MsgTx, 0, len(c.mempool))
	for txid := range c.mempool {
		confirmed = append(confirmed, c.txs[txid])
	}
	for _, u := range c.utxos {
		if u.height == 0 {
			u.height = confirmedAt
		}
	}
	c.mempool = make(map[chainhash.Hash]struct{})
	return confirmed
}

// fund creates an output paying amount to address out of thin air.
func (c *chain) fund(address string, amount uint64) (*wire.MsgTx, error) {
	decoded, err := btcutil.DecodeAddress(address, c.network)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, err)
	}
	pkScript, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, err
	}
	value, err := safecast.ToInt64(amount)
	if err != nil {
		return nil, err
	}

	var prev chainhash.Hash
	if _, err := rand.Read(prev[:]); err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prev},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: value, PkScript: pkScript})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.accept(tx)
	return tx, nil
}

// broadcast verifies tx against the utxo set and adds it to the mempool.
func (c *chain) broadcast(tx *wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.txs[tx.TxHash()]; ok {
		return fmt.Errorf("txn-already-known")
	}
	if tx.LockTime > c.height {
		return fmt.Errorf("%w: locktime %d above height %d", errNonFinal, tx.LockTime, c.height)
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	var inValue int64
	for _, in := range tx.TxIn {
		u, ok := c.utxos[in.PreviousOutPoint]
		if !ok {
			return fmt.Errorf("%w: %s", errMissingInputs, in.PreviousOutPoint)
		}
		prevOuts[in.PreviousOutPoint] = u.out
		inValue += u.out.Value
	}

	var outValue int64
	for _, out := range tx.TxOut {
		outValue += out.Value
	}
	if outValue > inValue {
		return fmt.Errorf("bad-txns-in-belowout: %d < %d", inValue, outValue)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prevOut := prevOuts[in.PreviousOutPoint]
		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, i, txscript.StandardVerifyFlags, nil,
			sigHashes, prevOut.Value, fetcher,
		)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("mandatory-script-verify-flag-failed (input %d): %w", i, err)
		}
	}

	for _, in := range tx.TxIn {
		delete(c.utxos, in.PreviousOutPoint)
	}
	c.accept(tx)
	return nil
}

// accept must be called with mu held.
func (c *chain) accept(tx *wire.MsgTx) {
	txid := tx.TxHash()
	c.txs[txid] = tx
	c.mempool[txid] = struct{}{}

	for i, out := range tx.TxOut {
		var address string
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, c.network)
		if err == nil && len(addrs) == 1 {
			address = addrs[0].EncodeAddress()
		}
		outpoint := wire.OutPoint{Hash: txid, Index: uint32(i)}
		c.utxos[outpoint] = &chainUtxo{outpoint: outpoint, out: out, address: address}
	}
}

func (c *chain) unspent(address string) []chainUtxo {
	c.mu.Lock()
	defer c.mu.Unlock()

	utxos := make([]chainUtxo, 0)
	for _, u := range c.utxos {
		if u.address == address {
			utxos = append(utxos, *u)
		}
	}
	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].outpoint.String() < utxos[j].outpoint.String()
	})
	return utxos
}

func (c *chain) utxo(outpoint wire.OutPoint) (chainUtxo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.utxos[outpoint]
	if !ok {
		return chainUtxo{}, false
	}
	return *u, true
}

func (c *chain) register(mux *http.ServeMux) {
	mux.HandleFunc("/blocks/tip/height", c.handleTipHeight)
	mux.HandleFunc("/address/", c.handleAddressUtxos)
	mux.HandleFunc("/fee-estimates", c.handleFeeEstimates)
}

func (c *chain) handleTipHeight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	// nolint:all
	io.WriteString(w, strconv.FormatUint(uint64(c.tip()), 10))
}

func (c *chain) handleAddressUtxos(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) != 3 || parts[2] != "utxo" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if _, err := btcutil.DecodeAddress(parts[1], c.network); err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	type status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint32 `json:"block_height,omitempty"`
	}
	type esploraUtxo struct {
		Txid   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Value  int64  `json:"value"`
		Status status `json:"status"`
	}

	utxos := c.unspent(parts[1])
	resp := make([]esploraUtxo, 0, len(utxos))
	for _, u := range utxos {
		resp = append(resp, esploraUtxo{
			Txid:   u.outpoint.Hash.String(),
			Vout:   u.outpoint.Index,
			Value:  u.out.Value,
			Status: status{Confirmed: u.height > 0, BlockHeight: u.height},
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *chain) handleFeeEstimates(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	rate := c.feeRate
	c.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]float64{"1": rate, "6": rate})
}

func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func deserializeTx(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(txHex))
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
