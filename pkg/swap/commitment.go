package swap

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
)

// Commitment is the hash lock of a swap. Preimage is nil for the party that
// only knows the hash.
type Commitment struct {
	Preimage *lntypes.Preimage
	Hash     lntypes.Hash
}

// NewCommitment draws a fresh random preimage.
func NewCommitment() (*Commitment, error) {
	var preimage lntypes.Preimage
	if _, err := rand.Read(preimage[:]); err != nil {
		return nil, fmt.Errorf("failed to generate preimage: %w", err)
	}

	return &Commitment{
		Preimage: &preimage,
		Hash:     preimage.Hash(),
	}, nil
}

func CommitmentFromPreimage(preimage []byte) (*Commitment, error) {
	p, err := lntypes.MakePreimage(preimage)
	if err != nil {
		return nil, fmt.Errorf("invalid preimage: %w", err)
	}
	return &Commitment{Preimage: &p, Hash: p.Hash()}, nil
}

func CommitmentFromHash(hash []byte) (*Commitment, error) {
	h, err := lntypes.MakeHash(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid preimage hash: %w", err)
	}
	return &Commitment{Hash: h}, nil
}

// Verify checks candidate against the committed hash and, on success, keeps
// it as the known preimage.
func (c *Commitment) Verify(candidate []byte) error {
	preimage, err := VerifyPreimage(candidate, c.Hash)
	if err != nil {
		return err
	}
	c.Preimage = &preimage
	return nil
}

// Hash160 is the ripemd160(sha256(preimage)) committed to in the claim leaf.
func (c *Commitment) Hash160() []byte {
	return input.Ripemd160H(c.Hash[:])
}

func (c *Commitment) PreimageHex() string {
	if c.Preimage == nil {
		return ""
	}
	return hex.EncodeToString(c.Preimage[:])
}

// VerifyPreimage succeeds iff sha256(candidate) == expected.
func VerifyPreimage(candidate []byte, expected lntypes.Hash) (lntypes.Preimage, error) {
	preimage, err := lntypes.MakePreimage(candidate)
	if err != nil {
		return lntypes.Preimage{}, fmt.Errorf(
			"%w: preimage must be 32 bytes, got %d", ErrCommitmentMismatch, len(candidate),
		)
	}
	if !preimage.Matches(expected) {
		return lntypes.Preimage{}, fmt.Errorf(
			"%w: expected hash %s, got %s", ErrCommitmentMismatch, expected, preimage.Hash(),
		)
	}
	return preimage, nil
}
