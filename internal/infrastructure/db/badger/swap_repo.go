package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/ArkLabsHQ/swapd/internal/core/domain"
	"github.com/ArkLabsHQ/swapd/pkg/swap"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const (
	swapDir = "swap"
)

var pendingStates = []interface{}{
	swap.StateCreated,
	swap.StateAwaitingSettlement,
	swap.StateClaimPending,
	swap.StateRefundNeeded,
}

type swapRepository struct {
	store *badgerhold.Store
}

func NewSwapRepository(baseDir string, logger badger.Logger) (domain.SwapRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, swapDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open swap store: %s", err)
	}
	return &swapRepository{store}, nil
}

func (r *swapRepository) GetAll(ctx context.Context) ([]domain.Swap, error) {
	return r.find(nil)
}

func (r *swapRepository) GetPending(ctx context.Context) ([]domain.Swap, error) {
	return r.find(badgerhold.Where("State").In(pendingStates...))
}

func (r *swapRepository) Get(ctx context.Context, swapId string) (*domain.Swap, error) {
	var data swapData
	err := r.store.Get(swapId, &data)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSwapNotFound, swapId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}

	s := data.toSwap()
	return &s, nil
}

// Add stores the given swaps, skipping those already stored, and returns how
// many were added.
func (r *swapRepository) Add(ctx context.Context, swaps []domain.Swap) (int, error) {
	count := 0
	for _, s := range swaps {
		if s.CreatedAt == 0 {
			s.CreatedAt = time.Now().Unix()
		}
		if err := r.store.Insert(s.Id, toSwapData(s)); err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				continue
			}
			return count, fmt.Errorf("failed to add swap %s: %w", s.Id, err)
		}
		count++
	}
	return count, nil
}

func (r *swapRepository) Update(ctx context.Context, s domain.Swap) error {
	s.UpdatedAt = time.Now().Unix()
	err := r.store.Update(s.Id, toSwapData(s))
	if errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrSwapNotFound, s.Id)
	}
	return err
}

func (r *swapRepository) Close() {
	// nolint:all
	r.store.Close()
}

func (r *swapRepository) find(query *badgerhold.Query) ([]domain.Swap, error) {
	var dataList []swapData
	if err := r.store.Find(&dataList, query); err != nil {
		return nil, fmt.Errorf("failed to get swaps: %w", err)
	}

	swaps := make([]domain.Swap, 0, len(dataList))
	for _, data := range dataList {
		swaps = append(swaps, data.toSwap())
	}
	sort.SliceStable(swaps, func(i, j int) bool {
		return swaps[i].CreatedAt < swaps[j].CreatedAt
	})
	return swaps, nil
}

type swapData struct {
	Id                 string
	Direction          swap.Direction
	State              swap.State `badgerhold:"index"`
	Invoice            string
	Amount             uint64
	LockupAddress      string
	Destination        string
	KeyIndex           uint32
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

func toSwapData(s domain.Swap) swapData {
	return swapData(s)
}

func (s swapData) toSwap() domain.Swap {
	return domain.Swap(s)
}
