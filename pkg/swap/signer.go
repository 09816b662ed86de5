package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
)

type SignRequest struct {
	Key *btcec.PrivateKey
	// Preimage is required for claims.
	Preimage *lntypes.Preimage
}

// SigningStrategy produces the witness of a SwapTransaction for one spend path.
type SigningStrategy interface {
	Name() string
	Sign(ctx context.Context, tx *SwapTransaction, req SignRequest) error
}

// Sign tries strategies in order and stops at the first that yields a valid
// witness. The returned error joins every failure.
func (t *SwapTransaction) Sign(
	ctx context.Context, req SignRequest, strategies ...SigningStrategy,
) error {
	if req.Key == nil {
		return fmt.Errorf("missing signing key")
	}
	if len(strategies) == 0 {
		return fmt.Errorf("no signing strategy")
	}

	logger := log.WithField("swap", t.SwapId)

	errs := make([]error, 0, len(strategies))
	for _, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		err := strategy.Sign(ctx, t, req)
		if err == nil {
			t.SignedWith = strategy.Name()
			logger.Debugf("%s signed with %s path", t.Kind, strategy.Name())
			return nil
		}

		logger.WithError(err).Warnf("%s path %s failed", strategy.Name(), t.Kind)
		errs = append(errs, fmt.Errorf("%s: %w", strategy.Name(), err))
	}

	return errors.Join(errs...)
}

// SignClaim signs cooperatively when peer is given, with the script path
// otherwise or if cooperation fails.
func (t *SwapTransaction) SignClaim(
	ctx context.Context, key *btcec.PrivateKey, preimage lntypes.Preimage,
	peer Counterparty, cooperativeTimeout time.Duration,
) error {
	req := SignRequest{Key: key, Preimage: &preimage}
	return t.Sign(ctx, req, Strategies(peer, nil, cooperativeTimeout)...)
}

// SignRefund signs cooperatively when peer is given, falling back to the
// unilateral refund path once the timeout matured according to chain.
func (t *SwapTransaction) SignRefund(
	ctx context.Context, key *btcec.PrivateKey, peer Counterparty,
	chain ChainBackend, cooperativeTimeout time.Duration,
) error {
	return t.Sign(ctx, SignRequest{Key: key}, Strategies(peer, chain, cooperativeTimeout)...)
}

// Strategies is the default chain: cooperative first if a peer is available,
// then the script path.
func Strategies(
	peer Counterparty, chain ChainBackend, cooperativeTimeout time.Duration,
) []SigningStrategy {
	strategies := make([]SigningStrategy, 0, 2)
	if peer != nil {
		strategies = append(strategies, &CooperativeStrategy{
			Peer: peer, Timeout: cooperativeTimeout,
		})
	}
	var heights BlockHeightSource
	if chain != nil {
		heights = chain
	}
	return append(strategies, &ScriptPathStrategy{Heights: heights})
}

// CooperativeStrategy spends through the key path with the service's help.
type CooperativeStrategy struct {
	Peer Counterparty
	// Timeout bounds the whole signing round, zero means no bound.
	Timeout time.Duration
}

func (s *CooperativeStrategy) Name() string { return "cooperative" }

func (s *CooperativeStrategy) Sign(
	ctx context.Context, tx *SwapTransaction, req SignRequest,
) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	signer, err := NewCooperativeSigner(s.Peer, tx.SwapId, tx.Script, req.Key)
	if err != nil {
		return err
	}

	tx.prepare(true)

	var sig *schnorr.Signature
	switch tx.Kind {
	case ClaimTx:
		if req.Preimage == nil {
			return fmt.Errorf("%w: missing preimage", ErrValidation)
		}
		sig, err = signer.SignClaim(ctx, tx, *req.Preimage)
	case RefundTx:
		sig, err = signer.SignRefund(ctx, tx)
	}
	if err != nil {
		return err
	}

	tx.Tx.TxIn[0].Witness = wire.TxWitness{sig.Serialize()}
	if err := tx.Verify(); err != nil {
		tx.Tx.TxIn[0].Witness = nil
		return fmt.Errorf("%w: %w", ErrCooperativeSignFailed, err)
	}
	return nil
}

type BlockHeightSource interface {
	GetBlockHeight(ctx context.Context) (uint32, error)
}

// ScriptPathStrategy spends through the claim or refund leaf without the
// service. Refunds check the timeout against Heights when set.
type ScriptPathStrategy struct {
	Heights BlockHeightSource
}

func (s *ScriptPathStrategy) Name() string { return "script-path" }

func (s *ScriptPathStrategy) Sign(
	ctx context.Context, tx *SwapTransaction, req SignRequest,
) error {
	script := tx.Script
	isClaim := tx.Kind == ClaimTx

	if isClaim {
		if req.Preimage == nil {
			return fmt.Errorf("%w: missing preimage", ErrValidation)
		}
		if !req.Preimage.Matches(script.PaymentHash) {
			return fmt.Errorf("%w: preimage does not match swap payment hash", ErrCommitmentMismatch)
		}
	} else if s.Heights != nil {
		height, err := s.Heights.GetBlockHeight(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block height: %w", err)
		}
		if height < script.TimeoutBlockHeight {
			return &TimeoutNotReachedError{Current: height, Required: script.TimeoutBlockHeight}
		}
	}

	leaf := script.RefundLeaf
	if isClaim {
		leaf = script.ClaimLeaf
	}
	controlBlock, err := script.ControlBlock(isClaim)
	if err != nil {
		return err
	}

	tx.prepare(false)

	fetcher := tx.PrevOutputFetcher()
	sig, err := txscript.RawTxInTapscriptSignature(
		tx.Tx, txscript.NewTxSigHashes(tx.Tx, fetcher), 0,
		tx.prevOut.Value, tx.prevOut.PkScript,
		txscript.NewBaseTapLeaf(leaf), txscript.SigHashDefault, req.Key,
	)
	if err != nil {
		return fmt.Errorf("failed to sign %s leaf: %w", tx.Kind, err)
	}

	witness := wire.TxWitness{sig}
	if isClaim {
		witness = append(witness, req.Preimage[:])
	}
	tx.Tx.TxIn[0].Witness = append(witness, leaf, controlBlock)

	if err := tx.Verify(); err != nil {
		tx.Tx.TxIn[0].Witness = nil
		return err
	}
	return nil
}
