package swap

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
)

type Direction int

const (
	// Submarine: we lock onchain funds, the service pays our invoice.
	Submarine Direction = iota
	// Reverse: the service locks onchain funds once we get paid offchain.
	Reverse
)

func (d Direction) String() string {
	switch d {
	case Submarine:
		return "submarine"
	case Reverse:
		return "reverse"
	default:
		return "unknown"
	}
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "submarine":
		return Submarine, nil
	case "reverse":
		return Reverse, nil
	default:
		return 0, fmt.Errorf("unknown swap direction %q", s)
	}
}

const leafVersion = byte(txscript.BaseLeafVersion)

// SwapScript is the taproot swap tree of a single swap: a claim leaf locked by
// the preimage hash and the claim key, a refund leaf locked by the refund key
// and an absolute timeout. The key path is the MuSig2 aggregate of both keys.
type SwapScript struct {
	Direction          Direction
	ClaimKey           *btcec.PublicKey
	RefundKey          *btcec.PublicKey
	PaymentHash        lntypes.Hash
	TimeoutBlockHeight uint32

	ClaimLeaf  []byte
	RefundLeaf []byte
}

// NewSwapScript derives the swap tree from its parameters.
func NewSwapScript(
	direction Direction, claimKey, refundKey *btcec.PublicKey,
	paymentHash lntypes.Hash, timeoutBlockHeight uint32,
) (*SwapScript, error) {
	if claimKey == nil || refundKey == nil {
		return nil, fmt.Errorf("missing claim or refund public key")
	}
	if timeoutBlockHeight == 0 {
		return nil, fmt.Errorf("missing timeout block height")
	}

	claimLeaf, err := buildClaimLeaf(claimKey, input.Ripemd160H(paymentHash[:]))
	if err != nil {
		return nil, err
	}
	refundLeaf, err := buildRefundLeaf(refundKey, timeoutBlockHeight)
	if err != nil {
		return nil, err
	}

	return &SwapScript{
		Direction:          direction,
		ClaimKey:           claimKey,
		RefundKey:          refundKey,
		PaymentHash:        paymentHash,
		TimeoutBlockHeight: timeoutBlockHeight,
		ClaimLeaf:          claimLeaf,
		RefundLeaf:         refundLeaf,
	}, nil
}

// SwapParams is what the service states about a freshly created swap.
type SwapParams struct {
	// ServiceKey is the service's claim key for submarine swaps and its refund
	// key for reverse swaps.
	ServiceKey         string
	SwapTree           boltz.SwapTree
	TimeoutBlockHeight uint32
	LockupAddress      string
}

func SubmarineParams(resp *boltz.CreateSubmarineResponse) SwapParams {
	return SwapParams{
		ServiceKey:         resp.ClaimPublicKey,
		SwapTree:           resp.SwapTree,
		TimeoutBlockHeight: resp.TimeoutBlockHeight,
		LockupAddress:      resp.Address,
	}
}

func ReverseParams(resp *boltz.CreateReverseResponse) SwapParams {
	return SwapParams{
		ServiceKey:         resp.RefundPublicKey,
		SwapTree:           resp.SwapTree,
		TimeoutBlockHeight: resp.TimeoutBlockHeight,
		LockupAddress:      resp.LockupAddress,
	}
}

// FromSwapResponse rebuilds the swap tree from locally held data and the
// timeout stated by the service, and rejects the swap unless the service's
// leaves and lockup address match it byte for byte.
func FromSwapResponse(
	direction Direction, params SwapParams, ourKey *btcec.PublicKey,
	paymentHash lntypes.Hash, network *chaincfg.Params,
) (*SwapScript, error) {
	if ourKey == nil {
		return nil, fmt.Errorf("missing our public key")
	}

	serviceKey, err := parsePubkey(params.ServiceKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid service public key: %s", ErrScriptMismatch, err)
	}
	if serviceKey == nil {
		return nil, fmt.Errorf("%w: missing service public key", ErrScriptMismatch)
	}

	claimKey, refundKey := serviceKey, ourKey
	if direction == Reverse {
		claimKey, refundKey = ourKey, serviceKey
	}

	if err := validateSwapTree(params.SwapTree); err != nil {
		return nil, fmt.Errorf("%w: invalid swap tree: %s", ErrScriptMismatch, err)
	}
	if err := validateClaimPath(params.SwapTree, claimKey, paymentHash); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrScriptMismatch, err)
	}
	if err := validateRefundPath(
		params.SwapTree, refundKey, params.TimeoutBlockHeight,
	); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrScriptMismatch, err)
	}

	script, err := NewSwapScript(
		direction, claimKey, refundKey, paymentHash, params.TimeoutBlockHeight,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrScriptMismatch, err)
	}

	// The parsers above give a precise reason; the byte comparison is the
	// actual check.
	serviceClaimLeaf, _ := hex.DecodeString(params.SwapTree.ClaimLeaf.Output)
	serviceRefundLeaf, _ := hex.DecodeString(params.SwapTree.RefundLeaf.Output)
	if !bytes.Equal(serviceClaimLeaf, script.ClaimLeaf) {
		return nil, fmt.Errorf(
			"%w: claim leaf mismatch: expected %x, got %x",
			ErrScriptMismatch, script.ClaimLeaf, serviceClaimLeaf,
		)
	}
	if !bytes.Equal(serviceRefundLeaf, script.RefundLeaf) {
		return nil, fmt.Errorf(
			"%w: refund leaf mismatch: expected %x, got %x",
			ErrScriptMismatch, script.RefundLeaf, serviceRefundLeaf,
		)
	}

	address, err := script.Address(network)
	if err != nil {
		return nil, err
	}
	if address != params.LockupAddress {
		return nil, fmt.Errorf(
			"%w: lockup address mismatch: expected %s, got %s",
			ErrScriptMismatch, address, params.LockupAddress,
		)
	}

	return script, nil
}

// OurKey is the key the local side signs with.
func (s *SwapScript) OurKey() *btcec.PublicKey {
	if s.Direction == Reverse {
		return s.ClaimKey
	}
	return s.RefundKey
}

func (s *SwapScript) ServiceKey() *btcec.PublicKey {
	if s.Direction == Reverse {
		return s.RefundKey
	}
	return s.ClaimKey
}

// Keys is the MuSig2 signer set, service first.
func (s *SwapScript) Keys() []*btcec.PublicKey {
	return []*btcec.PublicKey{s.ServiceKey(), s.OurKey()}
}

func (s *SwapScript) Hash160() []byte {
	return input.Ripemd160H(s.PaymentHash[:])
}

func (s *SwapScript) InternalKey() (*btcec.PublicKey, error) {
	agg, _, _, err := musig2.AggregateKeys(s.Keys(), false)
	if err != nil {
		return nil, fmt.Errorf("musig2 aggregate keys: %w", err)
	}
	return agg.FinalKey, nil
}

func (s *SwapScript) MerkleRoot() []byte {
	claimLeafHash := tapLeafHash(leafVersion, s.ClaimLeaf)
	refundLeafHash := tapLeafHash(leafVersion, s.RefundLeaf)
	return computeMerkleRoot(claimLeafHash[:], refundLeafHash[:])
}

func (s *SwapScript) OutputKey() (*btcec.PublicKey, error) {
	internalKey, err := s.InternalKey()
	if err != nil {
		return nil, err
	}
	return txscript.ComputeTaprootOutputKey(internalKey, s.MerkleRoot()), nil
}

func (s *SwapScript) PkScript() ([]byte, error) {
	outputKey, err := s.OutputKey()
	if err != nil {
		return nil, err
	}
	return txscript.PayToTaprootScript(outputKey)
}

// Address is the P2TR lockup address of the swap on network.
func (s *SwapScript) Address(network *chaincfg.Params) (string, error) {
	outputKey, err := s.OutputKey()
	if err != nil {
		return "", err
	}
	return encodeP2TRAddress(network, schnorr.SerializePubKey(outputKey))
}

// ControlBlock proves the claim or the refund leaf against the output key.
func (s *SwapScript) ControlBlock(isClaimPath bool) ([]byte, error) {
	internalKey, err := s.InternalKey()
	if err != nil {
		return nil, err
	}

	sibling := s.ClaimLeaf
	if isClaimPath {
		sibling = s.RefundLeaf
	}
	siblingHash := tapLeafHash(leafVersion, sibling)

	tweakedKey := txscript.ComputeTaprootOutputKey(internalKey, s.MerkleRoot())
	parity := tweakedKey.SerializeCompressed()[0] & 0x01

	controlBlock := make([]byte, 0, 1+32+32)
	controlBlock = append(controlBlock, leafVersion|parity)
	controlBlock = append(controlBlock, schnorr.SerializePubKey(internalKey)...)
	controlBlock = append(controlBlock, siblingHash[:]...)

	return controlBlock, nil
}

// SwapTree renders the leaves in the service's wire format.
func (s *SwapScript) SwapTree() boltz.SwapTree {
	return boltz.SwapTree{
		ClaimLeaf: boltz.SwapTreeLeaf{
			Version: leafVersion, Output: hex.EncodeToString(s.ClaimLeaf),
		},
		RefundLeaf: boltz.SwapTreeLeaf{
			Version: leafVersion, Output: hex.EncodeToString(s.RefundLeaf),
		},
	}
}

func buildClaimLeaf(claimKey *btcec.PublicKey, hash160 []byte) ([]byte, error) {
	if len(hash160) != 20 {
		return nil, fmt.Errorf("preimage hash must be 20 bytes, got %d", len(hash160))
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_SIZE).
		AddData([]byte{32}).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_HASH160).
		AddData(hash160).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(schnorr.SerializePubKey(claimKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

func buildRefundLeaf(refundKey *btcec.PublicKey, timeout uint32) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(refundKey)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(int64(timeout)).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		Script()
}

func computeMerkleRoot(claimLeafHash, refundLeafHash []byte) []byte {
	left, right := claimLeafHash, refundLeafHash
	if bytes.Compare(left, right) > 0 {
		left, right = right, left
	}

	branch := append(append([]byte{}, left...), right...)
	h := chainhash.TaggedHash(chainhash.TagTapBranch, branch)
	return h[:]
}

func tapLeafHash(version byte, script []byte) [32]byte {
	var b bytes.Buffer
	b.WriteByte(version)
	_ = wire.WriteVarInt(&b, 0, uint64(len(script)))
	b.Write(script)
	return *chainhash.TaggedHash(chainhash.TagTapLeaf, b.Bytes())
}

func encodeP2TRAddress(net *chaincfg.Params, xonlyPubKey []byte) (string, error) {
	if len(xonlyPubKey) != 32 {
		return "", fmt.Errorf("x-only pubkey must be 32 bytes, got %d", len(xonlyPubKey))
	}

	tapAddr, err := btcutil.NewAddressTaproot(xonlyPubKey, net)
	if err != nil {
		return "", err
	}
	return tapAddr.EncodeAddress(), nil
}
