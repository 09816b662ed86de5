package domain

import (
	"context"
	"errors"

	"github.com/ArkLabsHQ/swapd/pkg/swap"
)

var ErrSwapNotFound = errors.New("swap not found")

// Swap is the persisted record of a swap, enough to resume driving it after
// a restart. The swap key is not stored, only its derivation index.
type Swap struct {
	Id            string
	Direction     swap.Direction
	State         swap.State
	Invoice       string
	Amount        uint64
	LockupAddress string
	Destination   string
	KeyIndex      uint32
	// ServiceKey is the service's claim key for submarine swaps and its
	// refund key for reverse ones.
	ServiceKey         string
	PaymentHash        string
	Preimage           string
	TimeoutBlockHeight uint32
	ConfirmationDepth  uint32
	Funded             bool
	LockupTxid         string
	ClaimTxid          string
	RefundTxid         string
	RefundAt           uint32
	ClaimFeeBumps      uint32
	FailureReason      string
	CreatedAt          int64
	UpdatedAt          int64
}

func (s Swap) IsPending() bool {
	return !s.State.IsFinal()
}

// SwapRepository stores the swaps created by the daemon
type SwapRepository interface {
	GetAll(ctx context.Context) ([]Swap, error)
	GetPending(ctx context.Context) ([]Swap, error)
	Get(ctx context.Context, swapId string) (*Swap, error)
	Add(ctx context.Context, swaps []Swap) (int, error)
	Update(ctx context.Context, swap Swap) error
	Close()
}

// Session restores the protocol state of the swap.
func (s Swap) Session() swap.Session {
	return swap.Session{
		Direction:          s.Direction,
		State:              s.State,
		ConfirmationDepth:  s.ConfirmationDepth,
		TimeoutBlockHeight: s.TimeoutBlockHeight,
		Funded:             s.Funded,
		LockupTxid:         s.LockupTxid,
		ClaimTxid:          s.ClaimTxid,
		RefundTxid:         s.RefundTxid,
		RefundAt:           s.RefundAt,
		ClaimFeeBumps:      s.ClaimFeeBumps,
		FailureReason:      s.FailureReason,
	}
}

// NextAction is what the user can still do with a swap that did not settle.
func (s Swap) NextAction() string {
	return swap.NextAction(swap.Swap{Id: s.Id, Direction: s.Direction, Session: s.Session()})
}
