package swap

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

const testTimeout uint32 = 800_144

type scriptFixture struct {
	ourKey     *btcec.PrivateKey
	serviceKey *btcec.PrivateKey
	hash       lntypes.Hash
}

func newScriptFixture(t *testing.T) scriptFixture {
	p := newPreimage(t)
	return scriptFixture{
		ourKey:     newKey(t),
		serviceKey: newKey(t),
		hash:       p.Hash(),
	}
}

// serviceScript is the script the service builds for direction.
func (f scriptFixture) serviceScript(t *testing.T, direction Direction) *SwapScript {
	t.Helper()
	claimKey, refundKey := f.serviceKey.PubKey(), f.ourKey.PubKey()
	if direction == Reverse {
		claimKey, refundKey = refundKey, claimKey
	}
	script, err := NewSwapScript(direction, claimKey, refundKey, f.hash, testTimeout)
	require.NoError(t, err)
	return script
}

func paramsOf(t *testing.T, script *SwapScript, serviceKey *btcec.PublicKey) SwapParams {
	t.Helper()
	address, err := script.Address(testNetwork)
	require.NoError(t, err)
	return SwapParams{
		ServiceKey:         hex.EncodeToString(serviceKey.SerializeCompressed()),
		SwapTree:           script.SwapTree(),
		TimeoutBlockHeight: script.TimeoutBlockHeight,
		LockupAddress:      address,
	}
}

func TestFromSwapResponse(t *testing.T) {
	for _, direction := range []Direction{Submarine, Reverse} {
		t.Run(direction.String(), func(t *testing.T) {
			f := newScriptFixture(t)
			params := paramsOf(t, f.serviceScript(t, direction), f.serviceKey.PubKey())

			script, err := FromSwapResponse(direction, params, f.ourKey.PubKey(), f.hash, testNetwork)
			require.NoError(t, err)
			require.Equal(t, direction, script.Direction)
			require.True(t, script.OurKey().IsEqual(f.ourKey.PubKey()))
			require.True(t, script.ServiceKey().IsEqual(f.serviceKey.PubKey()))
			require.Equal(t, testTimeout, script.TimeoutBlockHeight)

			address, err := script.Address(testNetwork)
			require.NoError(t, err)
			require.Equal(t, params.LockupAddress, address)
		})
	}
}

func TestAddressDeterminism(t *testing.T) {
	f := newScriptFixture(t)
	a := f.serviceScript(t, Submarine)
	b := f.serviceScript(t, Submarine)

	first, err := a.Address(testNetwork)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := a.Address(testNetwork)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	other, err := b.Address(testNetwork)
	require.NoError(t, err)
	require.Equal(t, first, other)
	require.Equal(t, a.MerkleRoot(), b.MerkleRoot())

	regtest, err := a.Address(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.NotEqual(t, first, regtest)

	pkScript, err := a.PkScript()
	require.NoError(t, err)
	require.True(t, txscript.IsPayToTaproot(pkScript))
}

func TestFromSwapResponseRejectsMismatch(t *testing.T) {
	f := newScriptFixture(t)
	honest := f.serviceScript(t, Submarine)
	other := newScriptFixture(t)

	mutate := func(fn func(p *SwapParams)) SwapParams {
		p := paramsOf(t, honest, f.serviceKey.PubKey())
		fn(&p)
		return p
	}
	rebuilt := func(claimKey, refundKey *btcec.PublicKey, hash lntypes.Hash, timeout uint32) SwapParams {
		script, err := NewSwapScript(Submarine, claimKey, refundKey, hash, timeout)
		require.NoError(t, err)
		p := paramsOf(t, script, f.serviceKey.PubKey())
		return p
	}

	truncatedHash := func() SwapParams {
		leaf, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_SIZE).
			AddData([]byte{32}).
			AddOp(txscript.OP_EQUALVERIFY).
			AddOp(txscript.OP_HASH160).
			AddData(honest.Hash160()[:19]).
			AddOp(txscript.OP_EQUALVERIFY).
			AddData(schnorr.SerializePubKey(f.serviceKey.PubKey())).
			AddOp(txscript.OP_CHECKSIG).
			Script()
		require.NoError(t, err)
		return mutate(func(p *SwapParams) { p.SwapTree.ClaimLeaf.Output = hex.EncodeToString(leaf) })
	}

	testCases := []struct {
		name   string
		params SwapParams
	}{
		{
			name:   "keys swapped",
			params: rebuilt(f.ourKey.PubKey(), f.serviceKey.PubKey(), f.hash, testTimeout),
		},
		{
			name:   "claim key substituted",
			params: rebuilt(other.serviceKey.PubKey(), f.ourKey.PubKey(), f.hash, testTimeout),
		},
		{
			name:   "refund key substituted",
			params: rebuilt(f.serviceKey.PubKey(), other.ourKey.PubKey(), f.hash, testTimeout),
		},
		{
			name:   "other payment hash",
			params: rebuilt(f.serviceKey.PubKey(), f.ourKey.PubKey(), other.hash, testTimeout),
		},
		{
			name:   "hash truncated",
			params: truncatedHash(),
		},
		{
			name: "timeout off by one in script",
			params: mutate(func(p *SwapParams) {
				script, err := NewSwapScript(
					Submarine, f.serviceKey.PubKey(), f.ourKey.PubKey(), f.hash, testTimeout+1,
				)
				require.NoError(t, err)
				p.SwapTree = script.SwapTree()
			}),
		},
		{
			name:   "timeout off by one in response",
			params: mutate(func(p *SwapParams) { p.TimeoutBlockHeight = testTimeout - 1 }),
		},
		{
			name:   "other lockup address",
			params: mutate(func(p *SwapParams) { p.LockupAddress = newAddress(t) }),
		},
		{
			name: "service key does not match the tree",
			params: mutate(func(p *SwapParams) {
				p.ServiceKey = hex.EncodeToString(other.serviceKey.PubKey().SerializeCompressed())
			}),
		},
		{
			name:   "missing service key",
			params: mutate(func(p *SwapParams) { p.ServiceKey = "" }),
		},
		{
			name:   "invalid leaf version",
			params: mutate(func(p *SwapParams) { p.SwapTree.RefundLeaf.Version = 0xc2 }),
		},
		{
			name:   "empty claim leaf",
			params: mutate(func(p *SwapParams) { p.SwapTree.ClaimLeaf.Output = "" }),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromSwapResponse(Submarine, tc.params, f.ourKey.PubKey(), f.hash, testNetwork)
			require.ErrorIs(t, err, ErrScriptMismatch)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	t.Run("every single byte mutation", func(t *testing.T) {
		leaves := map[string][]byte{
			"claim":  honest.ClaimLeaf,
			"refund": honest.RefundLeaf,
		}
		for name, leaf := range leaves {
			for i := range leaf {
				mutated := append([]byte(nil), leaf...)
				mutated[i] ^= 0x01

				params := mutate(func(p *SwapParams) {
					if name == "claim" {
						p.SwapTree.ClaimLeaf.Output = hex.EncodeToString(mutated)
					} else {
						p.SwapTree.RefundLeaf.Output = hex.EncodeToString(mutated)
					}
				})
				_, err := FromSwapResponse(
					Submarine, params, f.ourKey.PubKey(), f.hash, testNetwork,
				)
				require.ErrorIs(t, err, ErrScriptMismatch, "%s leaf byte %d", name, i)
			}
		}
	})
}

func TestParseLeaves(t *testing.T) {
	f := newScriptFixture(t)
	script := f.serviceScript(t, Submarine)

	claim, err := ParseClaimLeaf(script.ClaimLeaf)
	require.NoError(t, err)
	require.Equal(t, script.Hash160(), claim.PreimageHash[:])
	require.Equal(t, schnorr.SerializePubKey(f.serviceKey.PubKey()), claim.ClaimPubKey[:])

	refund, err := ParseRefundLeaf(script.RefundLeaf)
	require.NoError(t, err)
	require.Equal(t, testTimeout, refund.Timeout)
	require.Equal(t, schnorr.SerializePubKey(f.ourKey.PubKey()), refund.RefundPubKey[:])

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := ParseClaimLeaf(append(append([]byte(nil), script.ClaimLeaf...), txscript.OP_NOP))
		require.Error(t, err)
		_, err = ParseRefundLeaf(append(append([]byte(nil), script.RefundLeaf...), txscript.OP_NOP))
		require.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := ParseClaimLeaf(script.ClaimLeaf[:10])
		require.Error(t, err)
		_, err = ParseRefundLeaf(script.RefundLeaf[:33])
		require.Error(t, err)
	})
}

func TestControlBlock(t *testing.T) {
	f := newScriptFixture(t)
	script := f.serviceScript(t, Reverse)

	outputKey, err := script.OutputKey()
	require.NoError(t, err)

	for _, isClaim := range []bool{true, false} {
		raw, err := script.ControlBlock(isClaim)
		require.NoError(t, err)
		require.Len(t, raw, 65)

		leaf := script.RefundLeaf
		if isClaim {
			leaf = script.ClaimLeaf
		}
		controlBlock, err := txscript.ParseControlBlock(raw)
		require.NoError(t, err)
		require.NoError(t, txscript.VerifyTaprootLeafCommitment(
			controlBlock, schnorr.SerializePubKey(outputKey), leaf,
		))
	}
}

func TestDirection(t *testing.T) {
	for _, d := range []Direction{Submarine, Reverse} {
		parsed, err := ParseDirection(d.String())
		require.NoError(t, err)
		require.Equal(t, d, parsed)
	}
	_, err := ParseDirection("chain")
	require.Error(t, err)
}
