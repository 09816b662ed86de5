package application

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ArkLabsHQ/swapd/internal/core/domain"
	"github.com/ArkLabsHQ/swapd/internal/core/ports"
	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/ArkLabsHQ/swapd/pkg/monitor"
	"github.com/ArkLabsHQ/swapd/pkg/swap"
	"github.com/ArkLabsHQ/swapd/utils"
	"github.com/btcsuite/btcd/btcec/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	resumeConcurrency     = 8
	refundRetryDelay      = time.Minute
	chainReadyInterval    = time.Second
	defaultStallThreshold = 10 * time.Minute
)

var (
	ErrSwapRunning    = errors.New("swap is still being driven")
	ErrNotRefundable  = errors.New("swap cannot be refunded")
	ErrInvoiceExpired = errors.New("invoice expired")
)

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// KeyManager derives the key of every swap from its index.
type KeyManager interface {
	SwapKey(index uint32) (*btcec.PrivateKey, error)
}

// PayResult is the outcome of PayInvoice. Swap is nil when the invoice could
// be paid directly onchain.
type PayResult struct {
	Swap        *domain.Swap
	Instruction swap.PaymentInstruction
	Direct      bool
}

type Option func(*Service)

// WithFunder makes the service pay submarine lockups itself.
func WithFunder(funder swap.Funder) Option {
	return func(s *Service) { s.funder = funder }
}

// WithStallThreshold sets how long a swap driver may go without progress
// before it is reported as stalled.
func WithStallThreshold(d time.Duration) Option {
	return func(s *Service) { s.stallThreshold = d }
}

type Service struct {
	BuildInfo BuildInfo

	cfg       swap.Config
	repo      ports.RepoManager
	keys      KeyManager
	api       swap.Service
	chain     swap.ChainBackend
	scheduler ports.SchedulerService
	funder    swap.Funder
	handler   *swap.SwapHandler
	monitor   *monitor.Monitor

	stallThreshold time.Duration

	keyMu     sync.Mutex
	nextIndex uint32

	// persistMu serializes the writes of the drivers and of the scheduled
	// refunds, which share the same records.
	persistMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[string]map[chan swap.Progress]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewService(
	buildInfo BuildInfo,
	cfg swap.Config,
	repo ports.RepoManager,
	keys KeyManager,
	api swap.Service,
	stream swap.StatusStream,
	chain swap.ChainBackend,
	scheduler ports.SchedulerService,
	opts ...Option,
) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("missing repository")
	}
	if keys == nil {
		return nil, fmt.Errorf("missing key manager")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("missing scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		BuildInfo: buildInfo,
		cfg:       cfg,
		repo:      repo,
		keys:      keys,
		api:       api,
		chain:     chain,
		scheduler: scheduler,
		subs:      make(map[string]map[chan swap.Progress]struct{}),
		ctx:       ctx,
		cancel:    cancel,

		stallThreshold: defaultStallThreshold,
	}
	for _, opt := range opts {
		opt(svc)
	}

	monitorOpts := []monitor.Option{
		monitor.WithLogger(log.WithField("component", "monitor")),
		monitor.WithStallThreshold(svc.stallThreshold),
	}
	// Stalls are checked as often as the chain is polled, and at least twice
	// per threshold.
	if cfg.PollInterval > 0 {
		monitorOpts = append(monitorOpts, monitor.WithCheckInterval(
			min(cfg.PollInterval, svc.stallThreshold/2),
		))
	}
	svc.monitor = monitor.New(monitorOpts...)

	handlerOpts := []swap.HandlerOption{swap.WithRefundScheduler(scheduler)}
	if svc.funder != nil {
		handlerOpts = append(handlerOpts, swap.WithFunder(svc.funder))
	}
	handler, err := swap.NewSwapHandler(api, stream, chain, cfg, handlerOpts...)
	if err != nil {
		cancel()
		return nil, err
	}
	svc.handler = handler

	return svc, nil
}

// Start waits for the chain backend, starts the scheduler and resumes every
// pending swap.
func (s *Service) Start(ctx context.Context) error {
	err := utils.Retry(ctx, chainReadyInterval, func(ctx context.Context) (bool, error) {
		height, err := s.chain.GetBlockHeight(ctx)
		if err != nil {
			if swap.IsRetryable(err) {
				log.WithError(err).Warn("chain backend not reachable yet")
				return false, nil
			}
			return false, err
		}
		log.Infof("chain backend at height %d", height)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("chain backend not ready: %w", err)
	}

	s.scheduler.SetCallbacks(ports.SchedulerCallbacks{
		OnError: func(err error) {
			log.WithError(err).Warn("scheduler error")
		},
	})
	s.scheduler.Start()

	swaps, err := s.repo.Swap().GetAll(ctx)
	if err != nil {
		return err
	}
	for _, sw := range swaps {
		if sw.KeyIndex >= s.nextIndex {
			s.nextIndex = sw.KeyIndex + 1
		}
	}

	return s.resume(ctx)
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.monitor.Stop()
		s.scheduler.Stop()
		s.repo.Close()
		log.Info("swap service stopped")
	})
}

// PayInvoice pays invoice through a submarine swap, refunding to
// refundAddress if the service does not pay it.
func (s *Service) PayInvoice(
	ctx context.Context, invoice, refundAddress string,
) (*PayResult, error) {
	decoded, err := utils.DecodeInvoice(invoice)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", swap.ErrValidation, err)
	}
	if decoded.Expired(time.Now()) {
		return nil, ErrInvoiceExpired
	}

	index, key, err := s.newKey()
	if err != nil {
		return nil, err
	}

	sw, instruction, err := s.handler.PayInvoice(ctx, invoice, refundAddress, key)
	if err != nil {
		return nil, err
	}
	if sw == nil {
		log.Infof("invoice can be paid directly to %s", instruction.Address)
		return &PayResult{Instruction: *instruction, Direct: true}, nil
	}

	record, err := s.add(ctx, sw, index)
	if err != nil {
		return nil, err
	}
	if err := s.drive(sw, index); err != nil {
		return nil, err
	}

	return &PayResult{
		Swap:        record,
		Instruction: swap.NewPaymentInstruction(sw.LockupAddress, sw.Amount),
	}, nil
}

// ReceivePayment creates a reverse swap whose invoice pays amount minus fees
// to claimAddress.
func (s *Service) ReceivePayment(
	ctx context.Context, amount uint64, claimAddress string,
) (*domain.Swap, error) {
	index, key, err := s.newKey()
	if err != nil {
		return nil, err
	}

	sw, err := s.handler.ReceivePayment(ctx, amount, claimAddress, key)
	if err != nil {
		return nil, err
	}

	record, err := s.add(ctx, sw, index)
	if err != nil {
		return nil, err
	}
	if err := s.drive(sw, index); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) GetSwap(ctx context.Context, swapId string) (*domain.Swap, error) {
	return s.repo.Swap().Get(ctx, swapId)
}

func (s *Service) ListSwaps(ctx context.Context, pendingOnly bool) ([]domain.Swap, error) {
	if pendingOnly {
		return s.repo.Swap().GetPending(ctx)
	}
	return s.repo.Swap().GetAll(ctx)
}

// RefundSwap refunds a submarine swap whose driver is not running, as long as
// something is locked in its lockup address.
// A refund failing for a transient reason is retried later by the scheduler.
func (s *Service) RefundSwap(ctx context.Context, swapId string) (string, error) {
	if s.monitor.Running(swapId) {
		return "", ErrSwapRunning
	}

	record, err := s.repo.Swap().Get(ctx, swapId)
	if err != nil {
		return "", err
	}
	if record.Direction != swap.Submarine {
		return "", fmt.Errorf("%w: only submarine swaps lock our funds", ErrNotRefundable)
	}
	switch record.State {
	case swap.StateRefunded:
		return record.RefundTxid, nil
	case swap.StateSettled:
		return "", fmt.Errorf("%w: swap settled", ErrNotRefundable)
	}

	sw, err := s.restore(*record)
	if err != nil {
		return "", err
	}

	logger := log.WithField("swap", swapId)
	// The lockup may have been sent outside the daemon, so the chain decides.
	txid, err := s.handler.Refund(ctx, sw)
	if errors.Is(err, swap.ErrFundingNotFound) {
		return "", fmt.Errorf("%w: %w", ErrNotRefundable, err)
	}
	if err != nil {
		if errors.Is(err, swap.ErrTransientNetwork) || boltz.IsTransient(err) {
			retryAt := time.Now().Add(refundRetryDelay)
			if schedErr := s.scheduler.ScheduleRefundAtTime(retryAt, func() {
				// nolint:all
				s.RefundSwap(s.ctx, swapId)
			}); schedErr == nil {
				logger.WithError(err).Warnf("refund failed, retrying at %s", retryAt.Format(time.RFC3339))
			}
		}
		return "", err
	}

	sw.Session.State = swap.StateRefunded
	sw.Session.Funded = true
	sw.Session.RefundTxid = txid
	sw.Session.RefundAt = 0
	if err := s.persist(*sw, record.KeyIndex); err != nil {
		logger.WithError(err).Warn("failed to persist refund")
	}
	logger.Infof("refunded in %s", txid)
	return txid, nil
}

// Subscribe delivers the progress of swapId until unsubscribe is called.
func (s *Service) Subscribe(swapId string) (<-chan swap.Progress, func()) {
	ch := make(chan swap.Progress, 16)

	s.subsMu.Lock()
	if s.subs[swapId] == nil {
		s.subs[swapId] = make(map[chan swap.Progress]struct{})
	}
	s.subs[swapId][ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs[swapId], ch)
			if len(s.subs[swapId]) == 0 {
				delete(s.subs, swapId)
			}
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

// Tasks reports the state of every swap driver.
func (s *Service) Tasks() monitor.MonitorStatus {
	return s.monitor.Snapshot()
}

func (s *Service) resume(ctx context.Context) error {
	pending, err := s.repo.Swap().GetPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) <= 0 {
		return nil
	}
	log.Infof("resuming %d pending swaps", len(pending))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(resumeConcurrency)
	for _, record := range pending {
		record := record
		eg.Go(func() error {
			s.resumeOne(egCtx, record)
			return nil
		})
	}
	return eg.Wait()
}

func (s *Service) resumeOne(ctx context.Context, record domain.Swap) {
	logger := log.WithField("swap", record.Id)

	if record.State != swap.StateRefundNeeded {
		_, err := s.api.GetSwapStatus(ctx, record.Id)
		var httpErr *boltz.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			logger.Warn("swap unknown to the service, marking it failed")
			record.State = swap.StateFailed
			record.FailureReason = "swap unknown to the service"
			s.persistMu.Lock()
			defer s.persistMu.Unlock()
			if err := s.repo.Swap().Update(ctx, record); err != nil {
				logger.WithError(err).Warn("failed to update swap")
			}
			return
		}
		if err != nil {
			logger.WithError(err).Debug("failed to get swap status, resuming anyway")
		}
	}

	sw, err := s.restore(record)
	if err != nil {
		logger.WithError(err).Error("failed to restore swap")
		return
	}
	if err := s.drive(sw, record.KeyIndex); err != nil {
		logger.WithError(err).Warn("failed to resume swap")
	}
}

// drive runs the handler on sw under the monitor, persisting every step.
func (s *Service) drive(sw *swap.Swap, keyIndex uint32) error {
	progress := func(snapshot swap.Swap, p swap.Progress) {
		if err := s.persist(snapshot, keyIndex); err != nil {
			log.WithField("swap", snapshot.Id).WithError(err).Warn("failed to persist swap")
		}
		s.publish(p)
	}

	_, err := s.monitor.Go(sw.Id, func(ctx context.Context, hb monitor.Heartbeat) error {
		result := s.handler.Run(ctx, sw, func(snapshot swap.Swap, p swap.Progress) {
			hb.Tick()
			progress(snapshot, p)
		})
		if err := s.persist(*sw, keyIndex); err != nil {
			return err
		}

		logger := log.WithField("swap", sw.Id)
		switch result.State {
		case swap.StateSettled, swap.StateRefunded:
			logger.Infof("swap %s in %s", result.State, result.Txid)
		default:
			if result.NextAction != "" {
				logger.Warnf("driver exited in state %s, %s", result.State, result.NextAction)
			}
		}
		return ctx.Err()
	})
	return err
}

func (s *Service) publish(p swap.Progress) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for ch := range s.subs[p.SwapId] {
		select {
		case ch <- p:
		default:
		}
	}
}

func (s *Service) newKey() (uint32, *btcec.PrivateKey, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	index := s.nextIndex
	key, err := s.keys.SwapKey(index)
	if err != nil {
		return 0, nil, err
	}
	s.nextIndex++
	return index, key, nil
}

func (s *Service) add(ctx context.Context, sw *swap.Swap, keyIndex uint32) (*domain.Swap, error) {
	record := toRecord(*sw, keyIndex)
	if _, err := s.repo.Swap().Add(ctx, []domain.Swap{record}); err != nil {
		return nil, fmt.Errorf("failed to store swap: %w", err)
	}
	return &record, nil
}

func (s *Service) persist(sw swap.Swap, keyIndex uint32) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	record := toRecord(sw, keyIndex)
	if stored, err := s.repo.Swap().Get(context.Background(), sw.Id); err == nil {
		record.CreatedAt = stored.CreatedAt
		// A finished scheduled refund must not be overwritten by a stale
		// driver snapshot.
		if stored.State.IsFinal() && !record.State.IsFinal() {
			return nil
		}
	}
	return s.repo.Swap().Update(context.Background(), record)
}

// restore rebuilds a swap from its record, deriving its key again.
func (s *Service) restore(record domain.Swap) (*swap.Swap, error) {
	key, err := s.keys.SwapKey(record.KeyIndex)
	if err != nil {
		return nil, err
	}

	rawServiceKey, err := hex.DecodeString(record.ServiceKey)
	if err != nil {
		return nil, fmt.Errorf("invalid service key: %w", err)
	}
	serviceKey, err := btcec.ParsePubKey(rawServiceKey)
	if err != nil {
		return nil, fmt.Errorf("invalid service key: %w", err)
	}

	var commitment *swap.Commitment
	if record.Preimage != "" {
		preimage, err := hex.DecodeString(record.Preimage)
		if err != nil {
			return nil, fmt.Errorf("invalid preimage: %w", err)
		}
		commitment, err = swap.CommitmentFromPreimage(preimage)
		if err != nil {
			return nil, err
		}
	} else {
		hash, err := hex.DecodeString(record.PaymentHash)
		if err != nil {
			return nil, fmt.Errorf("invalid payment hash: %w", err)
		}
		commitment, err = swap.CommitmentFromHash(hash)
		if err != nil {
			return nil, err
		}
	}

	claimKey, refundKey := serviceKey, key.PubKey()
	if record.Direction == swap.Reverse {
		claimKey, refundKey = key.PubKey(), serviceKey
	}
	script, err := swap.NewSwapScript(
		record.Direction, claimKey, refundKey, commitment.Hash, record.TimeoutBlockHeight,
	)
	if err != nil {
		return nil, err
	}

	return &swap.Swap{
		Id:            record.Id,
		Direction:     record.Direction,
		Invoice:       record.Invoice,
		Amount:        record.Amount,
		LockupAddress: record.LockupAddress,
		Destination:   record.Destination,
		Key:           key,
		Commitment:    commitment,
		Script:        script,
		Session:       record.Session(),
		CreatedAt:     record.CreatedAt,
	}, nil
}

func toRecord(sw swap.Swap, keyIndex uint32) domain.Swap {
	serviceKey := sw.Script.ClaimKey
	if sw.Direction == swap.Reverse {
		serviceKey = sw.Script.RefundKey
	}

	return domain.Swap{
		Id:                 sw.Id,
		Direction:          sw.Direction,
		State:              sw.Session.State,
		Invoice:            sw.Invoice,
		Amount:             sw.Amount,
		LockupAddress:      sw.LockupAddress,
		Destination:        sw.Destination,
		KeyIndex:           keyIndex,
		ServiceKey:         hex.EncodeToString(serviceKey.SerializeCompressed()),
		PaymentHash:        sw.Commitment.Hash.String(),
		Preimage:           sw.Commitment.PreimageHex(),
		TimeoutBlockHeight: sw.Session.TimeoutBlockHeight,
		ConfirmationDepth:  sw.Session.ConfirmationDepth,
		Funded:             sw.Session.Funded,
		LockupTxid:         sw.Session.LockupTxid,
		ClaimTxid:          sw.Session.ClaimTxid,
		RefundTxid:         sw.Session.RefundTxid,
		RefundAt:           sw.Session.RefundAt,
		ClaimFeeBumps:      sw.Session.ClaimFeeBumps,
		FailureReason:      sw.Session.FailureReason,
		CreatedAt:          sw.CreatedAt,
	}
}
