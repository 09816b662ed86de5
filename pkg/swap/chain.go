package swap

import (
	"context"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
)

type Utxo struct {
	Txid   string
	Vout   uint32
	Amount uint64
	// Height is the confirmation height, 0 while in mempool.
	Height uint32
}

// Confirmations is the depth of u at tip, 0 while in mempool.
func (u Utxo) Confirmations(tip uint32) uint32 {
	if u.Height == 0 || tip < u.Height {
		return 0
	}
	return tip - u.Height + 1
}

// ChainBackend is the onchain data source. Implementations wrap unreachable
// backends in ErrTransientNetwork and rejected broadcasts in
// ErrBroadcastRejected.
type ChainBackend interface {
	ListUnspent(ctx context.Context, address string) ([]Utxo, error)
	GetBlockHeight(ctx context.Context) (uint32, error)
	// EstimateFeeRate returns sat/vbyte.
	EstimateFeeRate(ctx context.Context) (float64, error)
	Broadcast(ctx context.Context, txHex string) (string, error)
}

// Counterparty is the service side of the cooperative signing rounds.
type Counterparty interface {
	GetSubmarineClaimDetails(ctx context.Context, swapId string) (*boltz.SubmarineClaimDetails, error)
	PostSubmarineClaimSignature(ctx context.Context, swapId string, sig boltz.PartialSignature) error
	RefundSubmarine(
		ctx context.Context, swapId string, req boltz.SubmarineRefundRequest,
	) (*boltz.PartialSignature, error)
	ClaimReverse(
		ctx context.Context, swapId string, req boltz.ReverseClaimRequest,
	) (*boltz.PartialSignature, error)
}

// Relay broadcasts through the service, which accepts reverse claims paying
// less than the mempool minimum fee.
type Relay interface {
	BroadcastTransaction(ctx context.Context, currency boltz.Currency, txHex string) (string, error)
}

// Service is everything the swap handler needs from the swap service.
type Service interface {
	Counterparty
	Relay
	CreateSubmarineSwap(
		ctx context.Context, req boltz.CreateSubmarineRequest,
	) (*boltz.CreateSubmarineResponse, error)
	CreateReverseSwap(
		ctx context.Context, req boltz.CreateReverseRequest,
	) (*boltz.CreateReverseResponse, error)
	GetReverseBip21(ctx context.Context, invoice string) (*boltz.Bip21Response, error)
	GetSwapStatus(ctx context.Context, swapId string) (*boltz.SwapStatusResponse, error)
}

// Funder sends onchain funds to a submarine swap's lockup address. Without
// one, the handler reports a payment instruction and waits for the service to
// see the lockup.
type Funder interface {
	Fund(ctx context.Context, address string, amount uint64) (string, error)
}

// StatusStream delivers the service's status updates for one swap id, in
// order. The channel closes when ctx is done.
type StatusStream interface {
	Subscribe(ctx context.Context, swapId string) (<-chan boltz.SwapUpdate, error)
}

// LimitsSource is implemented by services publishing the amounts they accept
// for submarine swaps.
type LimitsSource interface {
	GetSubmarinePairs(ctx context.Context) (boltz.Pairs, error)
}

type RefundScheduler interface {
	ScheduleRefundAtHeight(target uint32, refund func()) error
}
