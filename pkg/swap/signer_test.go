package swap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

// lockedSwap is a swap registered on the fake service with its lockup funded.
type lockedSwap struct {
	id       string
	key      *btcec.PrivateKey
	preimage lntypes.Preimage
	script   *SwapScript
	funding  Utxo
}

func newLockedSwap(
	t *testing.T, svc *fakeService, direction Direction, amount uint64,
) lockedSwap {
	t.Helper()

	key := newKey(t)
	preimage := newPreimage(t)
	claimKey, refundKey := svc.key.PubKey(), key.PubKey()
	if direction == Reverse {
		claimKey, refundKey = refundKey, claimKey
	}
	script, err := NewSwapScript(direction, claimKey, refundKey, preimage.Hash(), testTimeout)
	require.NoError(t, err)

	id := svc.register(&serviceSwap{script: script, preimage: &preimage})
	address, err := script.Address(testNetwork)
	require.NoError(t, err)
	funding := svc.chain.fund(address, amount)

	return lockedSwap{id: id, key: key, preimage: preimage, script: script, funding: funding}
}

func TestSignRefund(t *testing.T) {
	t.Run("cooperative", func(t *testing.T) {
		chain := newFakeChain(testTimeout - 10)
		svc := newFakeService(t, chain)
		sw := newLockedSwap(t, svc, Submarine, 100_000)

		tx, err := NewRefundTransaction(
			context.Background(), sw.id, sw.script, newAddress(t), chain, testNetwork,
		)
		require.NoError(t, err)
		require.NoError(t, tx.SignRefund(context.Background(), sw.key, svc, chain, time.Second))

		require.Equal(t, "cooperative", tx.SignedWith)
		require.Len(t, tx.Tx.TxIn[0].Witness, 1)
		require.Zero(t, tx.Tx.LockTime)
		require.Equal(t, uint32(wire.MaxTxInSequenceNum), tx.Tx.TxIn[0].Sequence)
		require.NoError(t, tx.Verify())
	})

	t.Run("falls back to script path when the service refuses", func(t *testing.T) {
		chain := newFakeChain(testTimeout)
		svc := newFakeService(t, chain)
		svc.refuseCooperation = true
		sw := newLockedSwap(t, svc, Submarine, 100_000)

		tx, err := NewRefundTransaction(
			context.Background(), sw.id, sw.script, newAddress(t), chain, testNetwork,
		)
		require.NoError(t, err)
		require.NoError(t, tx.SignRefund(context.Background(), sw.key, svc, chain, time.Second))

		require.Equal(t, "script-path", tx.SignedWith)
		require.Len(t, tx.Tx.TxIn[0].Witness, 3)
		require.Equal(t, testTimeout, tx.Tx.LockTime)
		require.Equal(t, uint32(wire.MaxTxInSequenceNum-1), tx.Tx.TxIn[0].Sequence)
		require.NoError(t, tx.Verify())
	})

	t.Run("falls back on an invalid partial signature", func(t *testing.T) {
		chain := newFakeChain(testTimeout + 5)
		svc := newFakeService(t, chain)
		svc.badPartial = true
		sw := newLockedSwap(t, svc, Submarine, 100_000)

		tx, err := NewRefundTransaction(
			context.Background(), sw.id, sw.script, newAddress(t), chain, testNetwork,
		)
		require.NoError(t, err)
		require.NoError(t, tx.SignRefund(context.Background(), sw.key, svc, chain, time.Second))
		require.Equal(t, "script-path", tx.SignedWith)
		require.NoError(t, tx.Verify())
	})

	t.Run("without counterparty", func(t *testing.T) {
		chain := newFakeChain(testTimeout)
		svc := newFakeService(t, chain)
		sw := newLockedSwap(t, svc, Submarine, 100_000)

		tx, err := NewRefundTransaction(
			context.Background(), sw.id, sw.script, newAddress(t), chain, testNetwork,
		)
		require.NoError(t, err)

		// A cooperative attempt that failed leaves nothing behind.
		signer, err := NewCooperativeSigner(&fakeService{
			key: svc.key, chain: chain, swaps: svc.swaps, refuseCooperation: true,
		}, sw.id, sw.script, sw.key)
		require.NoError(t, err)
		tx.prepare(true)
		_, err = signer.SignRefund(context.Background(), tx)
		require.ErrorIs(t, err, ErrCooperativeSignFailed)

		require.NoError(t, tx.SignRefund(context.Background(), sw.key, nil, chain, time.Second))
		require.Equal(t, "script-path", tx.SignedWith)
		require.NoError(t, tx.Verify())
	})

	t.Run("timeout not reached", func(t *testing.T) {
		chain := newFakeChain(testTimeout - 1)
		svc := newFakeService(t, chain)
		svc.refuseCooperation = true
		sw := newLockedSwap(t, svc, Submarine, 100_000)

		tx, err := NewRefundTransaction(
			context.Background(), sw.id, sw.script, newAddress(t), chain, testNetwork,
		)
		require.NoError(t, err)
		err = tx.SignRefund(context.Background(), sw.key, svc, chain, time.Second)
		require.ErrorIs(t, err, ErrTimeoutNotReached)
		require.ErrorIs(t, err, ErrCooperativeSignFailed)

		var notReached *TimeoutNotReachedError
		require.True(t, errors.As(err, &notReached))
		require.Equal(t, testTimeout, notReached.Required)
		require.Equal(t, testTimeout-1, notReached.Current)
		require.Empty(t, tx.SignedWith)
	})
}

func TestSignClaim(t *testing.T) {
	t.Run("cooperative", func(t *testing.T) {
		chain := newFakeChain(100)
		svc := newFakeService(t, chain)
		sw := newLockedSwap(t, svc, Reverse, 50_000)

		tx, err := NewClaimTransaction(
			context.Background(), sw.id, sw.script, newAddress(t), chain, testNetwork,
		)
		require.NoError(t, err)
		require.NoError(t, tx.SignClaim(context.Background(), sw.key, sw.preimage, svc, time.Second))
		require.Equal(t, "cooperative", tx.SignedWith)
		require.Len(t, tx.Tx.TxIn[0].Witness, 1)
		require.NoError(t, tx.Verify())
	})

	t.Run("script path reveals the preimage", func(t *testing.T) {
		chain := newFakeChain(100)
		svc := newFakeService(t, chain)
		svc.refuseCooperation = true
		sw := newLockedSwap(t, svc, Reverse, 50_000)

		tx, err := NewClaimTransaction(
			context.Background(), sw.id, sw.script, newAddress(t), chain, testNetwork,
		)
		require.NoError(t, err)
		require.NoError(t, tx.SignClaim(context.Background(), sw.key, sw.preimage, svc, time.Second))
		require.Equal(t, "script-path", tx.SignedWith)

		witness := tx.Tx.TxIn[0].Witness
		require.Len(t, witness, 4)
		require.Equal(t, sw.preimage[:], []byte(witness[1]))
		require.Equal(t, sw.script.ClaimLeaf, []byte(witness[2]))
		require.Zero(t, tx.Tx.LockTime)
		require.NoError(t, tx.Verify())
	})

	t.Run("wrong preimage", func(t *testing.T) {
		chain := newFakeChain(100)
		svc := newFakeService(t, chain)
		sw := newLockedSwap(t, svc, Reverse, 50_000)

		tx, err := NewClaimTransaction(
			context.Background(), sw.id, sw.script, newAddress(t), chain, testNetwork,
		)
		require.NoError(t, err)
		err = tx.SignClaim(context.Background(), sw.key, newPreimage(t), svc, time.Second)
		require.ErrorIs(t, err, ErrCommitmentMismatch)
		require.Empty(t, tx.SignedWith)
	})

	t.Run("wrong key", func(t *testing.T) {
		chain := newFakeChain(100)
		svc := newFakeService(t, chain)
		sw := newLockedSwap(t, svc, Reverse, 50_000)

		tx, err := NewClaimTransaction(
			context.Background(), sw.id, sw.script, newAddress(t), chain, testNetwork,
		)
		require.NoError(t, err)
		err = tx.SignClaim(context.Background(), newKey(t), sw.preimage, svc, time.Second)
		require.Error(t, err)
		require.Empty(t, tx.SignedWith)
	})
}

func TestCosignSubmarineClaim(t *testing.T) {
	t.Run("repeated requests each yield a valid signature", func(t *testing.T) {
		chain := newFakeChain(100)
		svc := newFakeService(t, chain)
		sw := newLockedSwap(t, svc, Submarine, 100_000)

		signer, err := NewCooperativeSigner(svc, sw.id, sw.script, sw.key)
		require.NoError(t, err)

		require.NoError(t, signer.CosignSubmarineClaim(context.Background()))
		require.NoError(t, signer.CosignSubmarineClaim(context.Background()))
		require.Equal(t, 2, svc.cosigned)
	})

	t.Run("service without proof of payment", func(t *testing.T) {
		chain := newFakeChain(100)
		svc := newFakeService(t, chain)
		svc.wrongPreimage = true
		sw := newLockedSwap(t, svc, Submarine, 100_000)

		signer, err := NewCooperativeSigner(svc, sw.id, sw.script, sw.key)
		require.NoError(t, err)

		err = signer.CosignSubmarineClaim(context.Background())
		require.ErrorIs(t, err, ErrCommitmentMismatch)
		require.ErrorIs(t, err, ErrValidation)
		require.Zero(t, svc.cosigned)
	})

	t.Run("reverse swaps are not cosigned", func(t *testing.T) {
		chain := newFakeChain(100)
		svc := newFakeService(t, chain)
		sw := newLockedSwap(t, svc, Reverse, 100_000)

		signer, err := NewCooperativeSigner(svc, sw.id, sw.script, sw.key)
		require.NoError(t, err)
		require.Error(t, signer.CosignSubmarineClaim(context.Background()))
	})

	t.Run("no counterparty", func(t *testing.T) {
		sw := newLockedSwap(t, newFakeService(t, newFakeChain(100)), Submarine, 100_000)
		_, err := NewCooperativeSigner(nil, sw.id, sw.script, sw.key)
		require.ErrorIs(t, err, ErrCooperativeSignFailed)
	})
}

type failingStrategy struct{ err error }

func (s failingStrategy) Name() string { return "failing" }

func (s failingStrategy) Sign(context.Context, *SwapTransaction, SignRequest) error {
	return s.err
}

func TestSignStrategyChain(t *testing.T) {
	chain := newFakeChain(testTimeout)
	svc := newFakeService(t, chain)
	sw := newLockedSwap(t, svc, Submarine, 100_000)

	tx, err := NewRefundTransaction(
		context.Background(), sw.id, sw.script, newAddress(t), chain, testNetwork,
	)
	require.NoError(t, err)

	boom := errors.New("boom")

	t.Run("first success wins", func(t *testing.T) {
		err := tx.Sign(
			context.Background(), SignRequest{Key: sw.key},
			failingStrategy{boom}, &ScriptPathStrategy{Heights: chain},
			failingStrategy{errors.New("never reached")},
		)
		require.NoError(t, err)
		require.Equal(t, "script-path", tx.SignedWith)
	})

	t.Run("all failures are joined", func(t *testing.T) {
		other := errors.New("other")
		err := tx.Sign(
			context.Background(), SignRequest{Key: sw.key},
			failingStrategy{boom}, failingStrategy{other},
		)
		require.ErrorIs(t, err, boom)
		require.ErrorIs(t, err, other)
	})

	t.Run("no strategies", func(t *testing.T) {
		require.Error(t, tx.Sign(context.Background(), SignRequest{Key: sw.key}))
	})

	t.Run("missing key", func(t *testing.T) {
		require.Error(t, tx.Sign(context.Background(), SignRequest{}, &ScriptPathStrategy{}))
	})
}
