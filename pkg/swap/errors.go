package swap

import (
	"errors"
	"fmt"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
)

var (
	// ErrValidation halts a swap: nothing is signed or sent after it.
	ErrValidation         = errors.New("validation failed")
	ErrScriptMismatch     = fmt.Errorf("%w: script mismatch", ErrValidation)
	ErrCommitmentMismatch = fmt.Errorf("%w: commitment mismatch", ErrValidation)

	ErrTransientNetwork      = errors.New("transient network error")
	ErrCooperativeSignFailed = errors.New("cooperative signing failed")
	ErrFundingNotFound       = errors.New("funding output not found")
	ErrTimeoutNotReached     = errors.New("timeout not reached")
	ErrBroadcastRejected     = errors.New("broadcast rejected")
	ErrCounterpartyProtocol  = errors.New("counterparty protocol error")
)

// TimeoutNotReachedError reports how far the chain is from the refund timelock.
type TimeoutNotReachedError struct {
	Current  uint32
	Required uint32
}

func (e *TimeoutNotReachedError) Error() string {
	return fmt.Sprintf(
		"%s: current height %d, refund available after block height %d",
		ErrTimeoutNotReached, e.Current, e.Required,
	)
}

func (e *TimeoutNotReachedError) Is(target error) bool {
	return target == ErrTimeoutNotReached
}

// IsRetryable tells whether an operation failing with err is worth repeating
// later without any change of swap state.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrTimeoutNotReached) {
		return false
	}
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrFundingNotFound) ||
		boltz.IsTransient(err)
}
