package swap

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
)

// CooperativeSigner runs the two-round MuSig2 protocol with the service for a
// single swap. Every round draws a fresh nonce, so calls can be repeated.
type CooperativeSigner struct {
	peer   Counterparty
	swapId string
	script *SwapScript
	key    *btcec.PrivateKey
}

func NewCooperativeSigner(
	peer Counterparty, swapId string, script *SwapScript, key *btcec.PrivateKey,
) (*CooperativeSigner, error) {
	if peer == nil {
		return nil, fmt.Errorf("%w: no counterparty", ErrCooperativeSignFailed)
	}
	if _, err := NewMuSigContext(key, script); err != nil {
		return nil, err
	}
	return &CooperativeSigner{peer: peer, swapId: swapId, script: script, key: key}, nil
}

// CosignSubmarineClaim hands the service our partial signature for its
// key-path claim of a submarine lockup. The service must first prove it paid
// the invoice with a preimage matching the swap's payment hash.
func (s *CooperativeSigner) CosignSubmarineClaim(ctx context.Context) error {
	if s.script.Direction != Submarine {
		return fmt.Errorf("cosigning a claim is only possible for submarine swaps")
	}

	details, err := s.peer.GetSubmarineClaimDetails(ctx, s.swapId)
	if err != nil {
		return fmt.Errorf("%w: failed to get claim details: %w", ErrCooperativeSignFailed, err)
	}

	preimage, err := hex.DecodeString(details.Preimage)
	if err != nil {
		return fmt.Errorf("%w: invalid preimage hex: %s", ErrCommitmentMismatch, err)
	}
	if _, err := VerifyPreimage(preimage, s.script.PaymentHash); err != nil {
		return err
	}

	if details.PublicKey != "" {
		serviceKey, err := parsePubkey(details.PublicKey)
		if err != nil || !serviceKey.IsEqual(s.script.ServiceKey()) {
			return fmt.Errorf(
				"%w: claim details signed for unexpected key %s",
				ErrCounterpartyProtocol, details.PublicKey,
			)
		}
	}

	theirNonce, err := ParsePubNonce(details.PubNonce)
	if err != nil {
		return fmt.Errorf("%w: %w: %s", ErrCooperativeSignFailed, ErrCounterpartyProtocol, err)
	}
	msgBytes, err := hex.DecodeString(details.TransactionHash)
	if err != nil || len(msgBytes) != 32 {
		return fmt.Errorf(
			"%w: %w: invalid transaction hash %q",
			ErrCooperativeSignFailed, ErrCounterpartyProtocol, details.TransactionHash,
		)
	}
	var msg [32]byte
	copy(msg[:], msgBytes)

	musig, err := NewMuSigContext(s.key, s.script)
	if err != nil {
		return err
	}
	if _, err := musig.GenerateNonce(); err != nil {
		return fmt.Errorf("%w: %w", ErrCooperativeSignFailed, err)
	}
	ourNonce := musig.PubNonce()
	combinedNonce, err := musig.AggregateNonces(theirNonce)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCooperativeSignFailed, err)
	}
	ours, err := musig.PartialSign(combinedNonce, msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCooperativeSignFailed, err)
	}

	if err := s.peer.PostSubmarineClaimSignature(ctx, s.swapId, boltz.PartialSignature{
		PubNonce:         ourNonce,
		PartialSignature: SerializePartialSignature(ours),
	}); err != nil {
		return fmt.Errorf("%w: failed to post partial signature: %w", ErrCooperativeSignFailed, err)
	}

	log.WithField("swap", s.swapId).Info("cosigned service claim")
	return nil
}

// SignRefund gets the service's partial signature for our key-path refund of
// a submarine lockup and returns the aggregated signature.
func (s *CooperativeSigner) SignRefund(
	ctx context.Context, tx *SwapTransaction,
) (*schnorr.Signature, error) {
	if tx.Kind != RefundTx || s.script.Direction != Submarine {
		return nil, fmt.Errorf("cooperative refunds are only possible for submarine swaps")
	}

	return s.sign(ctx, tx, func(pubNonce, txHex string) (*boltz.PartialSignature, error) {
		return s.peer.RefundSubmarine(ctx, s.swapId, boltz.SubmarineRefundRequest{
			PubNonce:    pubNonce,
			Transaction: txHex,
			Index:       0,
		})
	})
}

// SignClaim reveals the preimage to the service in exchange for its partial
// signature on our key-path claim of a reverse lockup.
func (s *CooperativeSigner) SignClaim(
	ctx context.Context, tx *SwapTransaction, preimage lntypes.Preimage,
) (*schnorr.Signature, error) {
	if tx.Kind != ClaimTx || s.script.Direction != Reverse {
		return nil, fmt.Errorf("cooperative claims are only possible for reverse swaps")
	}
	if !preimage.Matches(s.script.PaymentHash) {
		return nil, fmt.Errorf("%w: preimage does not match swap payment hash", ErrCommitmentMismatch)
	}

	return s.sign(ctx, tx, func(pubNonce, txHex string) (*boltz.PartialSignature, error) {
		return s.peer.ClaimReverse(ctx, s.swapId, boltz.ReverseClaimRequest{
			Index:       0,
			Transaction: txHex,
			Preimage:    hex.EncodeToString(preimage[:]),
			PubNonce:    pubNonce,
		})
	})
}

func (s *CooperativeSigner) sign(
	ctx context.Context, tx *SwapTransaction,
	exchange func(pubNonce, txHex string) (*boltz.PartialSignature, error),
) (*schnorr.Signature, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCooperativeSignFailed, err)
	}

	musig, err := NewMuSigContext(s.key, s.script)
	if err != nil {
		return nil, err
	}
	if _, err := musig.GenerateNonce(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCooperativeSignFailed, err)
	}

	txHex, err := tx.Hex()
	if err != nil {
		return nil, err
	}
	msg, err := tx.KeyPathMessage()
	if err != nil {
		return nil, err
	}

	theirs, err := exchange(musig.PubNonce(), txHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCooperativeSignFailed, err)
	}

	theirNonce, err := ParsePubNonce(theirs.PubNonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %s", ErrCooperativeSignFailed, ErrCounterpartyProtocol, err)
	}
	theirSig, err := ParsePartialSignature(theirs.PartialSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %s", ErrCooperativeSignFailed, ErrCounterpartyProtocol, err)
	}

	combinedNonce, err := musig.AggregateNonces(theirNonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCooperativeSignFailed, err)
	}
	if !musig.VerifyTheirs(theirSig, theirNonce, combinedNonce, s.script.ServiceKey(), msg) {
		return nil, fmt.Errorf(
			"%w: %w: invalid partial signature", ErrCooperativeSignFailed, ErrCounterpartyProtocol,
		)
	}

	ours, err := musig.PartialSign(combinedNonce, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCooperativeSignFailed, err)
	}
	sig, err := musig.Combine(ours, theirSig, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCooperativeSignFailed, err)
	}

	outputKey, err := s.script.OutputKey()
	if err != nil {
		return nil, err
	}
	if err := VerifyFinalSig(msg, sig, outputKey); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCooperativeSignFailed, err)
	}

	return sig, nil
}
