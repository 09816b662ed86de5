package swap

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
)

// ClaimLeafComponents are the fields of a claim leaf:
//
//	OP_SIZE
//	OP_PUSHBYTES_1 0x20
//	OP_EQUALVERIFY
//	OP_HASH160
//	OP_PUSHBYTES_20 <preimage_hash>
//	OP_EQUALVERIFY
//	OP_PUSHBYTES_32 <claim_pubkey>
//	OP_CHECKSIG
type ClaimLeafComponents struct {
	PreimageHash [20]byte
	ClaimPubKey  [32]byte
}

// RefundLeafComponents are the fields of a refund leaf:
//
//	OP_PUSHBYTES_32 <refund_pubkey>
//	OP_CHECKSIGVERIFY
//	OP_PUSHBYTES_n <timeout>
//	OP_CHECKLOCKTIMEVERIFY
type RefundLeafComponents struct {
	RefundPubKey [32]byte
	Timeout      uint32
}

type scriptParser struct {
	buf *bytes.Reader
}

func newScriptParser(script []byte) *scriptParser {
	return &scriptParser{buf: bytes.NewReader(script)}
}

func (p *scriptParser) expectOpcode(expected byte, name string) error {
	got, err := p.buf.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if got != expected {
		return fmt.Errorf("expected %s (0x%x), got 0x%x", name, expected, got)
	}
	return nil
}

func (p *scriptParser) expectPush(expectedLen byte, name string) error {
	got, err := p.buf.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read push length for %s: %w", name, err)
	}
	if got != expectedLen {
		return fmt.Errorf("expected push length 0x%x for %s, got 0x%x", expectedLen, name, got)
	}
	return nil
}

func (p *scriptParser) readFixedBytes(n int, name string) ([]byte, error) {
	data := make([]byte, n)
	read, err := p.buf.Read(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if read != n {
		return nil, fmt.Errorf("expected %d bytes for %s, got %d", n, name, read)
	}
	return data, nil
}

func (p *scriptParser) expectNoMoreBytes() error {
	if p.buf.Len() != 0 {
		return fmt.Errorf("unexpected extra bytes at end of script: %d bytes remaining", p.buf.Len())
	}
	return nil
}

func ParseClaimLeaf(script []byte) (*ClaimLeafComponents, error) {
	p := newScriptParser(script)

	if err := p.expectOpcode(txscript.OP_SIZE, "OP_SIZE"); err != nil {
		return nil, err
	}
	if err := p.expectPush(0x01, "preimage size"); err != nil {
		return nil, err
	}
	size, err := p.readFixedBytes(1, "preimage size")
	if err != nil {
		return nil, err
	}
	if size[0] != 0x20 {
		return nil, fmt.Errorf("expected preimage size 0x20, got 0x%x", size[0])
	}
	if err := p.expectOpcode(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}
	if err := p.expectOpcode(txscript.OP_HASH160, "OP_HASH160"); err != nil {
		return nil, err
	}
	if err := p.expectPush(0x14, "preimage hash"); err != nil {
		return nil, err
	}
	preimageHash, err := p.readFixedBytes(20, "preimage hash")
	if err != nil {
		return nil, err
	}
	if err := p.expectOpcode(txscript.OP_EQUALVERIFY, "second OP_EQUALVERIFY"); err != nil {
		return nil, err
	}
	if err := p.expectPush(0x20, "claim pubkey"); err != nil {
		return nil, err
	}
	claimPubKey, err := p.readFixedBytes(32, "claim pubkey")
	if err != nil {
		return nil, err
	}
	if err := p.expectOpcode(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err := p.expectNoMoreBytes(); err != nil {
		return nil, err
	}

	components := &ClaimLeafComponents{}
	copy(components.PreimageHash[:], preimageHash)
	copy(components.ClaimPubKey[:], claimPubKey)
	return components, nil
}

func ParseRefundLeaf(script []byte) (*RefundLeafComponents, error) {
	p := newScriptParser(script)

	if err := p.expectPush(0x20, "refund pubkey"); err != nil {
		return nil, err
	}
	refundPubKey, err := p.readFixedBytes(32, "refund pubkey")
	if err != nil {
		return nil, err
	}
	if err := p.expectOpcode(txscript.OP_CHECKSIGVERIFY, "OP_CHECKSIGVERIFY"); err != nil {
		return nil, err
	}

	pushLen, err := p.buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read push length for timeout: %w", err)
	}
	if pushLen < 0x01 || pushLen > 0x04 {
		return nil, fmt.Errorf("expected timeout push length 1-4 bytes, got 0x%x", pushLen)
	}
	timeoutBytes, err := p.readFixedBytes(int(pushLen), "timeout")
	if err != nil {
		return nil, err
	}
	// Script numbers are little-endian.
	var timeout uint32
	for i, b := range timeoutBytes {
		timeout |= uint32(b) << (8 * i)
	}

	if err := p.expectOpcode(txscript.OP_CHECKLOCKTIMEVERIFY, "OP_CHECKLOCKTIMEVERIFY"); err != nil {
		return nil, err
	}
	if err := p.expectNoMoreBytes(); err != nil {
		return nil, err
	}

	components := &RefundLeafComponents{Timeout: timeout}
	copy(components.RefundPubKey[:], refundPubKey)
	return components, nil
}

func validateClaimPath(
	swapTree boltz.SwapTree, claimKey *btcec.PublicKey, paymentHash lntypes.Hash,
) error {
	script, err := hex.DecodeString(swapTree.ClaimLeaf.Output)
	if err != nil {
		return fmt.Errorf("invalid claim leaf hex: %w", err)
	}
	components, err := ParseClaimLeaf(script)
	if err != nil {
		return fmt.Errorf("invalid claim leaf script: %w", err)
	}

	claimKeyXOnly := schnorr.SerializePubKey(claimKey)
	if !bytes.Equal(claimKeyXOnly, components.ClaimPubKey[:]) {
		return fmt.Errorf(
			"claim pubkey mismatch: expected %x, got %x in script",
			claimKeyXOnly, components.ClaimPubKey[:],
		)
	}

	hash160 := input.Ripemd160H(paymentHash[:])
	if !bytes.Equal(hash160, components.PreimageHash[:]) {
		return fmt.Errorf(
			"preimage hash mismatch: expected %x, got %x in script",
			hash160, components.PreimageHash[:],
		)
	}

	return nil
}

func validateRefundPath(
	swapTree boltz.SwapTree, refundKey *btcec.PublicKey, expectedTimeout uint32,
) error {
	script, err := hex.DecodeString(swapTree.RefundLeaf.Output)
	if err != nil {
		return fmt.Errorf("invalid refund leaf hex: %w", err)
	}
	components, err := ParseRefundLeaf(script)
	if err != nil {
		return fmt.Errorf("invalid refund leaf script: %w", err)
	}

	refundKeyXOnly := schnorr.SerializePubKey(refundKey)
	if !bytes.Equal(refundKeyXOnly, components.RefundPubKey[:]) {
		return fmt.Errorf(
			"refund pubkey mismatch: expected %x, got %x in script",
			refundKeyXOnly, components.RefundPubKey[:],
		)
	}

	if components.Timeout != expectedTimeout {
		return fmt.Errorf(
			"timeout mismatch: expected %d, got %d in script",
			expectedTimeout, components.Timeout,
		)
	}

	return nil
}

func validateSwapTree(swapTree boltz.SwapTree) error {
	if swapTree.ClaimLeaf.Output == "" {
		return fmt.Errorf("claim leaf output is empty")
	}
	if swapTree.ClaimLeaf.Version != leafVersion {
		return fmt.Errorf(
			"invalid claim leaf version: expected 0x%x, got 0x%x",
			leafVersion, swapTree.ClaimLeaf.Version,
		)
	}
	if swapTree.RefundLeaf.Output == "" {
		return fmt.Errorf("refund leaf output is empty")
	}
	if swapTree.RefundLeaf.Version != leafVersion {
		return fmt.Errorf(
			"invalid refund leaf version: expected 0x%x, got 0x%x",
			leafVersion, swapTree.RefundLeaf.Version,
		)
	}
	return nil
}

func parsePubkey(pubkey string) (*secp256k1.PublicKey, error) {
	if len(pubkey) <= 0 {
		return nil, nil
	}

	dec, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey: %s", err)
	}

	pk, err := secp256k1.ParsePubKey(dec)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey: %s", err)
	}

	return pk, nil
}
