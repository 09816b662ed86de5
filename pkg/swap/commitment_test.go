package swap

import (
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyPreimage(t *testing.T) {
	t.Run("valid preimage", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			p := newPreimage(t)
			got, err := VerifyPreimage(p[:], sha256.Sum256(p[:]))
			require.NoError(t, err)
			require.Equal(t, p, got)
		}
	})

	t.Run("hash of another preimage", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			p, other := newPreimage(t), newPreimage(t)
			_, err := VerifyPreimage(p[:], other.Hash())
			require.ErrorIs(t, err, ErrCommitmentMismatch)
			require.ErrorIs(t, err, ErrValidation)
		}
	})

	t.Run("invalid length - too short", func(t *testing.T) {
		p := newPreimage(t)
		_, err := VerifyPreimage(p[:31], p.Hash())
		require.ErrorIs(t, err, ErrCommitmentMismatch)
	})

	t.Run("invalid length - too long", func(t *testing.T) {
		p := newPreimage(t)
		_, err := VerifyPreimage(append(p[:], 0x00), p.Hash())
		require.ErrorIs(t, err, ErrCommitmentMismatch)
	})
}

func TestCommitment(t *testing.T) {
	t.Run("generate", func(t *testing.T) {
		c, err := NewCommitment()
		require.NoError(t, err)
		require.NotNil(t, c.Preimage)
		require.True(t, c.Preimage.Matches(c.Hash))
		require.Len(t, c.PreimageHex(), 64)

		other, err := NewCommitment()
		require.NoError(t, err)
		require.NotEqual(t, c.Hash, other.Hash)
	})

	t.Run("verify keeps the preimage", func(t *testing.T) {
		p := newPreimage(t)
		hash := p.Hash()
		c, err := CommitmentFromHash(hash[:])
		require.NoError(t, err)
		require.Nil(t, c.Preimage)
		require.Empty(t, c.PreimageHex())

		wrong := newPreimage(t)
		err = c.Verify(wrong[:])
		require.Error(t, err)
		require.Nil(t, c.Preimage)

		require.NoError(t, c.Verify(p[:]))
		require.Equal(t, p, *c.Preimage)
	})

	t.Run("hash160", func(t *testing.T) {
		p := newPreimage(t)
		c, err := CommitmentFromPreimage(p[:])
		require.NoError(t, err)
		require.Len(t, c.Hash160(), 20)

		script, err := NewSwapScript(
			Reverse, newKey(t).PubKey(), newKey(t).PubKey(), c.Hash, 100,
		)
		require.NoError(t, err)
		require.Equal(t, c.Hash160(), script.Hash160())
	})

	t.Run("invalid inputs", func(t *testing.T) {
		_, err := CommitmentFromPreimage([]byte{1, 2, 3})
		require.Error(t, err)
		_, err = CommitmentFromHash(make([]byte, 31))
		require.Error(t, err)
	})
}

func TestIsRetryable(t *testing.T) {
	notReached := &TimeoutNotReachedError{Current: 10, Required: 20}

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", ErrTransientNetwork, true},
		{"funding not found", ErrFundingNotFound, true},
		{"validation", ErrScriptMismatch, false},
		{"timeout not reached", notReached, false},
		{
			"cooperation failed on a transient error but timeout not reached",
			errors.Join(errors.Join(ErrCooperativeSignFailed, ErrTransientNetwork), notReached),
			false,
		},
		{"broadcast rejected", ErrBroadcastRejected, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}

	require.ErrorIs(t, notReached, ErrTimeoutNotReached)
	require.Contains(t, notReached.Error(), "refund available after block height 20")
}
