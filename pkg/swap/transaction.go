package swap

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
)

type TxKind int

const (
	ClaimTx TxKind = iota
	RefundTx
)

func (k TxKind) String() string {
	if k == RefundTx {
		return "refund"
	}
	return "claim"
}

const (
	// DustAmount is the taproot dust limit.
	DustAmount uint64 = 330
	feeBuffer  uint64 = 100
	minFeeRate        = 1.0
)

// SwapTransaction spends the lockup output of a swap to a single destination.
// It is rebuilt for every settlement attempt.
type SwapTransaction struct {
	Kind        TxKind
	SwapId      string
	Script      *SwapScript
	Destination string
	Funding     Utxo
	Fee         uint64
	Tx          *wire.MsgTx
	// SignedWith names the strategy that produced the witness.
	SignedWith string

	prevOut *wire.TxOut
}

type txOptions struct {
	feeRate    float64
	fee        uint64
	lockupTxid string
}

type TxOption func(*txOptions)

// WithFeeRate overrides the backend fee estimate, in sat/vbyte.
func WithFeeRate(satPerVByte float64) TxOption {
	return func(o *txOptions) { o.feeRate = satPerVByte }
}

// WithFee sets an absolute fee in sats.
func WithFee(sats uint64) TxOption {
	return func(o *txOptions) { o.fee = sats }
}

// WithLockupTxid selects the lockup output of a known transaction when the
// address holds more than one.
func WithLockupTxid(txid string) TxOption {
	return func(o *txOptions) { o.lockupTxid = txid }
}

func NewClaimTransaction(
	ctx context.Context, swapId string, script *SwapScript, destination string,
	chain ChainBackend, network *chaincfg.Params, opts ...TxOption,
) (*SwapTransaction, error) {
	return newSwapTransaction(ctx, ClaimTx, swapId, script, destination, chain, network, opts...)
}

func NewRefundTransaction(
	ctx context.Context, swapId string, script *SwapScript, destination string,
	chain ChainBackend, network *chaincfg.Params, opts ...TxOption,
) (*SwapTransaction, error) {
	return newSwapTransaction(ctx, RefundTx, swapId, script, destination, chain, network, opts...)
}

func newSwapTransaction(
	ctx context.Context, kind TxKind, swapId string, script *SwapScript,
	destination string, chain ChainBackend, network *chaincfg.Params, opts ...TxOption,
) (*SwapTransaction, error) {
	o := &txOptions{}
	for _, opt := range opts {
		opt(o)
	}

	destAddr, err := btcutil.DecodeAddress(destination, network)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid destination address: %s", ErrValidation, err)
	}
	if !destAddr.IsForNet(network) {
		return nil, fmt.Errorf("%w: destination address is not for %s", ErrValidation, network.Name)
	}
	destScript, err := payToAddrScript(destAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	lockupAddress, err := script.Address(network)
	if err != nil {
		return nil, err
	}
	lockupScript, err := script.PkScript()
	if err != nil {
		return nil, err
	}

	utxos, err := chain.ListUnspent(ctx, lockupAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to list unspents of %s: %w", lockupAddress, err)
	}
	funding, ok := selectFunding(utxos, o.lockupTxid)
	if !ok {
		return nil, fmt.Errorf("%w: nothing locked in %s", ErrFundingNotFound, lockupAddress)
	}

	fundingHash, err := chainhash.NewHashFromStr(funding.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid lockup txid: %w", err)
	}
	fundingValue, err := safecast.ToInt64(funding.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid lockup amount: %w", err)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: *fundingHash, Index: funding.Vout},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: fundingValue, PkScript: destScript})

	st := &SwapTransaction{
		Kind:        kind,
		SwapId:      swapId,
		Script:      script,
		Destination: destination,
		Funding:     funding,
		Tx:          tx,
		prevOut:     &wire.TxOut{Value: fundingValue, PkScript: lockupScript},
	}

	fee := o.fee
	if fee == 0 {
		feeRate := o.feeRate
		if feeRate <= 0 {
			feeRate, err = chain.EstimateFeeRate(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to estimate fee rate: %w", err)
			}
		}
		fee, err = st.estimateFee(feeRate)
		if err != nil {
			return nil, err
		}
	}

	if funding.Amount <= fee || funding.Amount-fee <= DustAmount {
		return nil, fmt.Errorf(
			"not enough funds to cover network fees: locked %d, fee %d", funding.Amount, fee,
		)
	}
	outValue, err := safecast.ToInt64(funding.Amount - fee)
	if err != nil {
		return nil, err
	}
	tx.TxOut[0].Value = outValue
	st.Fee = fee

	return st, nil
}

// estimateFee sizes the transaction with a script-path witness, the larger of
// the two spend paths.
func (t *SwapTransaction) estimateFee(feeRate float64) (uint64, error) {
	if feeRate < minFeeRate {
		feeRate = minFeeRate
	}

	isClaim := t.Kind == ClaimTx
	leaf := t.Script.RefundLeaf
	if isClaim {
		leaf = t.Script.ClaimLeaf
	}
	witness := wire.TxWitness{make([]byte, 64)}
	if isClaim {
		witness = append(witness, make([]byte, 32))
	}
	witness = append(witness, leaf, make([]byte, 65))

	t.Tx.TxIn[0].Witness = witness
	vbytes := computeVSize(t.Tx)
	t.Tx.TxIn[0].Witness = nil

	return uint64(math.Ceil(float64(vbytes)*feeRate)) + feeBuffer, nil
}

// prepare resets the fields that depend on the spend path.
func (t *SwapTransaction) prepare(keyPath bool) {
	t.Tx.TxIn[0].Witness = nil
	t.Tx.LockTime = 0
	t.Tx.TxIn[0].Sequence = wire.MaxTxInSequenceNum
	t.SignedWith = ""

	if t.Kind == RefundTx && !keyPath {
		t.Tx.LockTime = t.Script.TimeoutBlockHeight
		t.Tx.TxIn[0].Sequence = wire.MaxTxInSequenceNum - 1
	}
}

func (t *SwapTransaction) PrevOutputFetcher() txscript.PrevOutputFetcher {
	return NewPrevOutputFetcher(t.prevOut, t.Tx.TxIn[0].PreviousOutPoint)
}

// KeyPathMessage is the sighash a cooperative signature commits to.
func (t *SwapTransaction) KeyPathMessage() ([32]byte, error) {
	return TaprootMessage(t.Tx, 0, t.PrevOutputFetcher())
}

// Verify runs the script interpreter over the signed input.
func (t *SwapTransaction) Verify() error {
	fetcher := t.PrevOutputFetcher()
	engine, err := txscript.NewEngine(
		t.prevOut.PkScript, t.Tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(t.Tx, fetcher), t.prevOut.Value, fetcher,
	)
	if err != nil {
		return fmt.Errorf("failed to create script engine: %w", err)
	}
	if err := engine.Execute(); err != nil {
		return fmt.Errorf("invalid %s witness: %w", t.Kind, err)
	}
	return nil
}

func (t *SwapTransaction) Hex() (string, error) {
	return serializeTransaction(t.Tx)
}

func (t *SwapTransaction) Txid() string {
	return t.Tx.TxHash().String()
}

// Broadcast publishes the signed transaction. Reverse claims go through relay
// first when one is given, falling back to the chain backend.
func (t *SwapTransaction) Broadcast(
	ctx context.Context, chain ChainBackend, relay Relay,
) (string, error) {
	txHex, err := t.Hex()
	if err != nil {
		return "", err
	}

	logger := log.WithField("swap", t.SwapId)

	if relay != nil && t.Kind == ClaimTx && t.Script.Direction == Reverse {
		txid, err := relay.BroadcastTransaction(ctx, boltz.CurrencyBtc, txHex)
		if err == nil {
			logger.Infof("%s %s relayed by service", t.Kind, txid)
			return txid, nil
		}
		logger.WithError(err).Warn("service relay refused transaction, broadcasting to chain")
	}

	txid, err := chain.Broadcast(ctx, txHex)
	if err != nil {
		if IsRetryable(err) || errors.Is(err, ErrBroadcastRejected) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s", ErrBroadcastRejected, err)
	}
	if txid == "" {
		txid = t.Txid()
	}

	logger.Infof("%s %s broadcasted", t.Kind, txid)
	return txid, nil
}

func selectFunding(utxos []Utxo, lockupTxid string) (Utxo, bool) {
	var best Utxo
	found := false
	for _, u := range utxos {
		if lockupTxid != "" && u.Txid == lockupTxid {
			return u, true
		}
		if !found || u.Amount > best.Amount {
			best = u
			found = true
		}
	}
	return best, found
}

func computeVSize(tx *wire.MsgTx) lntypes.VByte {
	baseSize := tx.SerializeSizeStripped()
	totalSize := tx.SerializeSize()
	weight := totalSize + baseSize*3
	return lntypes.WeightUnit(uint64(weight)).ToVB()
}

func payToAddrScript(addr btcutil.Address) ([]byte, error) {
	switch addr.(type) {
	case *btcutil.AddressWitnessPubKeyHash,
		*btcutil.AddressWitnessScriptHash,
		*btcutil.AddressTaproot:
		return txscript.PayToAddrScript(addr)
	default:
		return nil, fmt.Errorf("unsupported address type: %T", addr)
	}
}

func serializeTransaction(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func deserializeTransaction(txHex string) (*wire.MsgTx, error) {
	txBytes, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}

	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return tx, nil
}
