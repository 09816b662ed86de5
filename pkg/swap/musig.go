package swap

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MuSigContext is one side of the 2-of-2 key-path signing round with the
// service:
//
//   - GenerateNonce, send PubNonce to the service
//   - receive its PubNonce and partial signature (32-byte scalar)
//   - AggregateNonces, PartialSign with the taproot tweak of the swap tree
//   - Combine into the final signature for the tweaked output key
//
// A context signs exactly one message; a new round needs a new context.
type MuSigContext struct {
	privateKey *btcec.PrivateKey
	keys       []*btcec.PublicKey
	merkleRoot []byte

	ourNonces *musig2.Nonces
}

func NewMuSigContext(ourKey *btcec.PrivateKey, script *SwapScript) (*MuSigContext, error) {
	if ourKey == nil {
		return nil, fmt.Errorf("nil private key")
	}
	if script == nil {
		return nil, fmt.Errorf("nil swap script")
	}
	if !ourKey.PubKey().IsEqual(script.OurKey()) {
		return nil, fmt.Errorf("private key does not match the swap's %s key", script.Direction)
	}

	return &MuSigContext{
		privateKey: ourKey,
		keys:       script.Keys(),
		merkleRoot: script.MerkleRoot(),
	}, nil
}

func (c *MuSigContext) Keys() []*btcec.PublicKey {
	return c.keys
}

// GenerateNonce draws a fresh nonce pair, replacing any previous one.
func (c *MuSigContext) GenerateNonce() ([musig2.PubNonceSize]byte, error) {
	nonces, err := musig2.GenNonces(musig2.WithPublicKey(c.privateKey.PubKey()))
	if err != nil {
		return [musig2.PubNonceSize]byte{}, fmt.Errorf("musig2.GenNonces: %w", err)
	}

	c.ourNonces = nonces
	return nonces.PubNonce, nil
}

func (c *MuSigContext) PubNonce() string {
	if c.ourNonces == nil {
		return ""
	}
	return SerializePubNonce(c.ourNonces.PubNonce)
}

func (c *MuSigContext) AggregateNonces(
	theirNonce [musig2.PubNonceSize]byte,
) ([musig2.PubNonceSize]byte, error) {
	if c.ourNonces == nil {
		return [musig2.PubNonceSize]byte{}, fmt.Errorf("nonce not generated")
	}

	combined, err := musig2.AggregateNonces([][musig2.PubNonceSize]byte{
		c.ourNonces.PubNonce, theirNonce,
	})
	if err != nil {
		return [musig2.PubNonceSize]byte{}, fmt.Errorf("musig2.AggregateNonces: %w", err)
	}
	return combined, nil
}

// PartialSign signs msg with our secret nonce. The nonce is consumed.
func (c *MuSigContext) PartialSign(
	combinedNonce [musig2.PubNonceSize]byte, msg [32]byte,
) (*musig2.PartialSignature, error) {
	if c.ourNonces == nil {
		return nil, fmt.Errorf("nonce not generated")
	}

	ps, err := musig2.Sign(
		c.ourNonces.SecNonce,
		c.privateKey,
		combinedNonce,
		c.keys,
		msg,
		musig2.WithTaprootSignTweak(c.merkleRoot),
		musig2.WithFastSign(),
	)
	c.ourNonces = nil
	if err != nil {
		return nil, fmt.Errorf("musig2.Sign: %w", err)
	}

	return ps, nil
}

// VerifyTheirs checks the service's partial signature before it is combined.
func (c *MuSigContext) VerifyTheirs(
	theirSig *musig2.PartialSignature, theirNonce, combinedNonce [musig2.PubNonceSize]byte,
	theirKey *btcec.PublicKey, msg [32]byte,
) bool {
	return theirSig.Verify(
		theirNonce, combinedNonce, c.keys, theirKey, msg,
		musig2.WithTaprootSignTweak(c.merkleRoot),
	)
}

// Combine aggregates both partial signatures into a Schnorr signature valid for
// the tweaked output key.
func (c *MuSigContext) Combine(
	ours, theirs *musig2.PartialSignature, msg [32]byte,
) (*schnorr.Signature, error) {
	if ours == nil || ours.R == nil {
		return nil, fmt.Errorf("missing our partial signature")
	}
	if theirs == nil {
		return nil, fmt.Errorf("missing their partial signature")
	}

	sig := musig2.CombineSigs(
		ours.R,
		[]*musig2.PartialSignature{ours, theirs},
		musig2.WithTaprootTweakedCombine(msg, c.keys, c.merkleRoot, false),
	)
	if sig == nil {
		return nil, fmt.Errorf("CombineSigs returned nil")
	}

	return sig, nil
}

// TaprootMessage computes the BIP341 key-path sighash.
func TaprootMessage(
	tx *wire.MsgTx, inputIndex int, prevOutFetcher txscript.PrevOutputFetcher,
) ([32]byte, error) {
	if tx == nil {
		return [32]byte{}, fmt.Errorf("nil tx")
	}
	if inputIndex < 0 || inputIndex >= len(tx.TxIn) {
		return [32]byte{}, fmt.Errorf("inputIndex out of range")
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	msg32, err := txscript.CalcTaprootSignatureHash(
		sigHashes, txscript.SigHashDefault, tx, inputIndex, prevOutFetcher,
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("CalcTaprootSignatureHash: %w", err)
	}

	var msg [32]byte
	copy(msg[:], msg32)
	return msg, nil
}

func VerifyFinalSig(msg [32]byte, finalSig *schnorr.Signature, outputKey *btcec.PublicKey) error {
	if finalSig == nil {
		return fmt.Errorf("nil final signature")
	}
	if outputKey == nil {
		return fmt.Errorf("nil output key")
	}
	if !finalSig.Verify(msg[:], outputKey) {
		return fmt.Errorf("final signature verify failed")
	}
	return nil
}

func ParsePubNonce(nonceHex string) ([musig2.PubNonceSize]byte, error) {
	if len(nonceHex) != 2*musig2.PubNonceSize {
		return [musig2.PubNonceSize]byte{}, fmt.Errorf(
			"invalid nonce length: got %d want %d hex chars", len(nonceHex), 2*musig2.PubNonceSize,
		)
	}
	b, err := hex.DecodeString(nonceHex)
	if err != nil {
		return [musig2.PubNonceSize]byte{}, fmt.Errorf("decode nonce hex: %w", err)
	}
	var n [musig2.PubNonceSize]byte
	copy(n[:], b)
	return n, nil
}

func SerializePubNonce(nonce [musig2.PubNonceSize]byte) string {
	return hex.EncodeToString(nonce[:])
}

// ParsePartialSignature parses the service's partial signature format: the
// bare 32-byte scalar, hex encoded.
func ParsePartialSignature(sigHex string) (*musig2.PartialSignature, error) {
	b, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("decode partial sig hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid partial sig len: got %d want 32", len(b))
	}

	ps := &musig2.PartialSignature{S: new(btcec.ModNScalar)}
	if overflow := ps.S.SetByteSlice(b); overflow {
		return nil, fmt.Errorf("partial sig scalar overflow")
	}
	return ps, nil
}

func SerializePartialSignature(ps *musig2.PartialSignature) string {
	b := ps.S.Bytes()
	return hex.EncodeToString(b[:])
}

func NewPrevOutputFetcher(prevOut *wire.TxOut, prevOutPoint wire.OutPoint) txscript.PrevOutputFetcher {
	return txscript.NewMultiPrevOutFetcher(map[wire.OutPoint]*wire.TxOut{
		prevOutPoint: prevOut,
	})
}
