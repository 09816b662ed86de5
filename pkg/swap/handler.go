package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/ArkLabsHQ/swapd/utils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCooperativeTimeout = 30 * time.Second
	defaultPollInterval       = 30 * time.Second
	defaultRetryInterval      = 500 * time.Millisecond
	maxRetryInterval          = 30 * time.Second
	// feeBumpStep is the share of the base fee rate added per claim fee bump.
	feeBumpStep = 0.5
)

type Config struct {
	Network *chaincfg.Params
	// ConfirmationDepth is how deep a reverse lockup must be before claiming,
	// 0 claims from mempool.
	ConfirmationDepth uint32
	// CooperativeTimeout bounds every cooperative signing round.
	CooperativeTimeout time.Duration
	// SwapTimeout bounds a single Run, 0 means until the swap is final.
	SwapTimeout time.Duration
	// PollInterval paces chain polling while waiting for confirmations or
	// for the refund timeout.
	PollInterval time.Duration
	// RetryInterval is the first backoff step of transient failures.
	RetryInterval time.Duration
	// LowballBroadcast relays reverse claims through the service first.
	LowballBroadcast bool
	// FeeRate overrides the chain estimate, in sat/vbyte.
	FeeRate float64
}

// Swap is everything needed to drive one swap to completion and to resume it
// after a restart.
type Swap struct {
	Id        string
	Direction Direction
	Invoice   string
	// Amount is what we send (submarine) or what the service locks (reverse).
	Amount        uint64
	LockupAddress string
	// Destination receives refunds (submarine) or claims (reverse).
	Destination string
	Key         *btcec.PrivateKey
	Commitment  *Commitment
	Script      *SwapScript
	Session     Session
	CreatedAt   int64
}

// Progress is an intermediate notification for display and persistence.
type Progress struct {
	SwapId      string
	State       State
	Status      string
	Message     string
	Instruction *PaymentInstruction
}

// ProgressFunc receives a snapshot of the swap along with every progress
// notification.
type ProgressFunc func(swap Swap, progress Progress)

// Result is the outcome of a Run. NextAction tells the user what is still
// possible when the swap did not settle.
type Result struct {
	SwapId     string
	State      State
	Txid       string
	Reason     string
	NextAction string
}

type HandlerOption func(*SwapHandler)

// WithFunder lets the handler pay submarine lockups itself.
func WithFunder(funder Funder) HandlerOption {
	return func(h *SwapHandler) { h.funder = funder }
}

// WithRefundScheduler delegates refunds waiting for the timeout height.
func WithRefundScheduler(scheduler RefundScheduler) HandlerOption {
	return func(h *SwapHandler) { h.scheduler = scheduler }
}

type SwapHandler struct {
	service   Service
	stream    StatusStream
	chain     ChainBackend
	funder    Funder
	scheduler RefundScheduler
	cfg       Config
}

func NewSwapHandler(
	service Service, stream StatusStream, chain ChainBackend, cfg Config,
	opts ...HandlerOption,
) (*SwapHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("missing swap service")
	}
	if stream == nil {
		return nil, fmt.Errorf("missing status stream")
	}
	if chain == nil {
		return nil, fmt.Errorf("missing chain backend")
	}
	if cfg.Network == nil {
		return nil, fmt.Errorf("missing network")
	}
	if cfg.CooperativeTimeout <= 0 {
		cfg.CooperativeTimeout = defaultCooperativeTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}

	h := &SwapHandler{
		service: service,
		stream:  stream,
		chain:   chain,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// PayInvoice prepares a submarine swap paying invoice. If the invoice carries
// a valid magic routing hint, no swap is created and only the direct payment
// instruction is returned.
func (h *SwapHandler) PayInvoice(
	ctx context.Context, invoice, refundAddress string, key *btcec.PrivateKey,
) (*Swap, *PaymentInstruction, error) {
	if len(invoice) <= 0 {
		return nil, nil, fmt.Errorf("missing invoice")
	}
	if key == nil {
		return nil, nil, fmt.Errorf("missing refund key")
	}

	if record, ok := CheckForMRH(ctx, h.service, invoice, h.cfg.Network); ok {
		instruction := PaymentInstruction{
			Address: record.Address,
			Amount:  record.Amount,
			Bip21:   record.Bip21,
		}
		return nil, &instruction, nil
	}

	if err := h.validateAddress(refundAddress); err != nil {
		return nil, nil, err
	}
	decoded, err := utils.DecodeInvoice(invoice)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	if err := h.checkSubmarineLimits(ctx, decoded.Amount); err != nil {
		return nil, nil, err
	}
	paymentHash := decoded.PaymentHash

	resp, err := h.service.CreateSubmarineSwap(ctx, boltz.CreateSubmarineRequest{
		From:            boltz.CurrencyBtc,
		To:              boltz.CurrencyBtc,
		Invoice:         invoice,
		RefundPublicKey: hex.EncodeToString(key.PubKey().SerializeCompressed()),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create submarine swap: %w", err)
	}

	script, err := FromSwapResponse(
		Submarine, SubmarineParams(resp), key.PubKey(), paymentHash, h.cfg.Network,
	)
	if err != nil {
		return nil, nil, err
	}
	if resp.ExpectedAmount == 0 {
		return nil, nil, fmt.Errorf("%w: service expects no lockup amount", ErrCounterpartyProtocol)
	}

	height, err := h.chain.GetBlockHeight(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get block height: %w", err)
	}
	if script.TimeoutBlockHeight <= height {
		return nil, nil, fmt.Errorf(
			"%w: refund timeout %d already reached at height %d",
			ErrValidation, script.TimeoutBlockHeight, height,
		)
	}

	swap := &Swap{
		Id:            resp.Id,
		Direction:     Submarine,
		Invoice:       invoice,
		Amount:        resp.ExpectedAmount,
		LockupAddress: resp.Address,
		Destination:   refundAddress,
		Key:           key,
		Commitment:    &Commitment{Hash: paymentHash},
		Script:        script,
		Session:       NewSession(Submarine, script.TimeoutBlockHeight, h.cfg.ConfirmationDepth),
		CreatedAt:     time.Now().Unix(),
	}

	log.WithField("swap", swap.Id).Infof(
		"submarine swap created, lock %d sats in %s before block %d",
		swap.Amount, swap.LockupAddress, script.TimeoutBlockHeight,
	)
	return swap, nil, nil
}

// ReceivePayment prepares a reverse swap: the returned swap's invoice, once
// paid, makes the service lock amount minus fees for claimAddress.
func (h *SwapHandler) ReceivePayment(
	ctx context.Context, amount uint64, claimAddress string, key *btcec.PrivateKey,
) (*Swap, error) {
	if amount == 0 {
		return nil, fmt.Errorf("missing amount")
	}
	if key == nil {
		return nil, fmt.Errorf("missing claim key")
	}
	if err := h.validateAddress(claimAddress); err != nil {
		return nil, err
	}

	commitment, err := NewCommitment()
	if err != nil {
		return nil, err
	}
	addressSignature, err := SignAddress(key, claimAddress)
	if err != nil {
		return nil, err
	}

	resp, err := h.service.CreateReverseSwap(ctx, boltz.CreateReverseRequest{
		From:             boltz.CurrencyBtc,
		To:               boltz.CurrencyBtc,
		InvoiceAmount:    amount,
		PreimageHash:     hex.EncodeToString(commitment.Hash[:]),
		ClaimPublicKey:   hex.EncodeToString(key.PubKey().SerializeCompressed()),
		Address:          claimAddress,
		AddressSignature: addressSignature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reverse swap: %w", err)
	}

	decoded, err := utils.DecodeInvoice(resp.Invoice)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid invoice from service: %s", ErrCounterpartyProtocol, err)
	}
	if decoded.PaymentHash != commitment.Hash {
		return nil, fmt.Errorf(
			"%w: invoice payment hash %s does not match ours", ErrCommitmentMismatch, decoded.PaymentHash,
		)
	}
	if decoded.Amount != amount {
		return nil, fmt.Errorf(
			"%w: invoice amount %d does not match requested %d", ErrValidation, decoded.Amount, amount,
		)
	}
	if resp.OnchainAmount == 0 || resp.OnchainAmount > amount {
		return nil, fmt.Errorf(
			"%w: unexpected onchain amount %d for invoice of %d",
			ErrCounterpartyProtocol, resp.OnchainAmount, amount,
		)
	}

	script, err := FromSwapResponse(
		Reverse, ReverseParams(resp), key.PubKey(), commitment.Hash, h.cfg.Network,
	)
	if err != nil {
		return nil, err
	}

	swap := &Swap{
		Id:            resp.Id,
		Direction:     Reverse,
		Invoice:       resp.Invoice,
		Amount:        resp.OnchainAmount,
		LockupAddress: resp.LockupAddress,
		Destination:   claimAddress,
		Key:           key,
		Commitment:    commitment,
		Script:        script,
		Session:       NewSession(Reverse, script.TimeoutBlockHeight, h.cfg.ConfirmationDepth),
		CreatedAt:     time.Now().Unix(),
	}

	log.WithField("swap", swap.Id).Infof(
		"reverse swap created, %d sats will be claimed to %s", swap.Amount, claimAddress,
	)
	return swap, nil
}

// Run drives swap until it reaches a final state, ctx is done, the swap
// timeout expires or its refund was handed to the scheduler. It updates
// swap.Session in place and reports every step to progress.
func (h *SwapHandler) Run(ctx context.Context, swap *Swap, progress ProgressFunc) Result {
	if h.cfg.SwapTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.SwapTimeout)
		defer cancel()
	}

	logger := log.WithField("swap", swap.Id)
	report := reporter(progress)

	// A refund left pending by a previous run does not wait for the service:
	// it is attempted again and rescheduled if the timeout is still ahead.
	if swap.Session.State == StateRefundNeeded {
		h.apply(ctx, swap, Event{Kind: EventHeightReached}, report)
	}

	for !h.halted(swap) {
		updates, cancel, err := h.subscribe(ctx, swap.Id)
		if err != nil {
			logger.WithError(err).Warn("stopped waiting for swap updates")
			break
		}
		reconnect := h.consume(ctx, swap, updates, report)
		cancel()
		if !reconnect {
			break
		}
		logger.Debug("status stream closed, subscribing again")
	}

	return h.result(swap)
}

func (h *SwapHandler) subscribe(
	ctx context.Context, swapId string,
) (<-chan boltz.SwapUpdate, context.CancelFunc, error) {
	subCtx, cancel := context.WithCancel(ctx)

	var updates <-chan boltz.SwapUpdate
	err := h.retry(ctx, func() error {
		var err error
		updates, err = h.stream.Subscribe(subCtx, swapId)
		return err
	})
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return updates, cancel, nil
}

// consume applies updates until the swap halts or the stream closes. It
// returns true if the caller should subscribe again.
func (h *SwapHandler) consume(
	ctx context.Context, swap *Swap, updates <-chan boltz.SwapUpdate, report reportFunc,
) bool {
	logger := log.WithField("swap", swap.Id)

	for {
		select {
		case <-ctx.Done():
			return false
		case update, ok := <-updates:
			if !ok {
				return ctx.Err() == nil
			}
			if update.Id != swap.Id {
				continue
			}
			if update.Error != "" {
				logger.Warnf("service reported an error: %s", update.Error)
				continue
			}

			ev := StatusEvent(update)
			if ev.Status == boltz.SwapUpdateUnknown {
				logger.Warnf("ignoring unknown status %q", update.Status)
				continue
			}

			logger.Debugf("status %s", update.Status)
			report(swap, Progress{Status: update.Status})
			h.apply(ctx, swap, ev, report)

			if h.halted(swap) {
				return false
			}
		}
	}
}

// apply feeds ev and every event produced by the resulting actions through
// Transition, in order.
func (h *SwapHandler) apply(ctx context.Context, swap *Swap, ev Event, report reportFunc) {
	logger := log.WithField("swap", swap.Id)

	queue := []Event{ev}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		prev := swap.Session.State
		next, actions := Transition(swap.Session, ev)
		swap.Session = next

		if next.State != prev {
			msg := fmt.Sprintf("%s -> %s", prev, next.State)
			if next.State == StateFailed || next.State == StateRefundNeeded {
				logger.Errorf("%s: %s", msg, next.FailureReason)
			} else {
				logger.Info(msg)
			}
			report(swap, Progress{Message: msg})
		}

		for _, action := range actions {
			if follow, ok := h.execute(ctx, swap, action, report); ok {
				queue = append(queue, follow)
			}
		}
	}
}

func (h *SwapHandler) execute(
	ctx context.Context, swap *Swap, action Action, report reportFunc,
) (Event, bool) {
	logger := log.WithField("swap", swap.Id)
	logger.Debugf("running %s", action.Kind)

	failed := func(err error) (Event, bool) {
		logger.WithError(err).Warnf("%s failed", action.Kind)
		return Event{Kind: EventActionFailed, Action: action.Kind, Err: err}, true
	}

	switch action.Kind {
	case ActionPayLockup:
		instruction := NewPaymentInstruction(swap.LockupAddress, swap.Amount)
		if h.funder == nil {
			report(swap, Progress{
				Instruction: &instruction,
				Message:     fmt.Sprintf("send %d sats to %s", swap.Amount, swap.LockupAddress),
			})
			return Event{}, false
		}

		var txid string
		err := h.retry(ctx, func() error {
			var err error
			txid, err = h.funder.Fund(ctx, swap.LockupAddress, swap.Amount)
			return err
		})
		if err != nil {
			return failed(err)
		}
		logger.Infof("lockup %s sent", txid)
		return Event{Kind: EventFunded, Txid: txid}, true

	case ActionCosignClaim:
		if err := h.retry(ctx, func() error { return h.Cosign(ctx, swap) }); err != nil {
			return failed(err)
		}
		return Event{Kind: EventCosigned}, true

	case ActionWaitConfirmations:
		report(swap, Progress{
			Message: fmt.Sprintf("waiting for %d confirmations of the lockup", action.Depth),
		})
		if err := h.waitConfirmations(ctx, swap, action.Depth); err != nil {
			return failed(err)
		}
		return Event{Kind: EventFundingConfirmed}, true

	case ActionClaim:
		var txid string
		err := h.retry(ctx, func() error {
			var err error
			txid, err = h.claim(ctx, swap, action.FeeBump)
			return err
		})
		if err != nil {
			return failed(err)
		}
		return Event{Kind: EventClaimBroadcast, Txid: txid}, true

	case ActionRefund:
		var txid string
		err := h.retry(ctx, func() error {
			var err error
			txid, err = h.Refund(ctx, swap)
			return err
		})
		var notReached *TimeoutNotReachedError
		if errors.As(err, &notReached) {
			return Event{Kind: EventTimeoutNotReached, Height: notReached.Required}, true
		}
		if err != nil {
			return failed(err)
		}
		return Event{Kind: EventRefundBroadcast, Txid: txid}, true

	case ActionScheduleRefund:
		report(swap, Progress{
			Message: fmt.Sprintf("refund available after block height %d", action.Height),
		})
		if h.scheduler != nil {
			err := h.scheduleRefund(swap, action.Height, report)
			if err == nil {
				logger.Infof("refund scheduled at block height %d", action.Height)
				return Event{}, false
			}
			logger.WithError(err).Warn("failed to schedule refund, waiting in place")
			swap.Session.RefundAt = 0
		}
		if err := h.waitForHeight(ctx, action.Height); err != nil {
			return Event{}, false
		}
		return Event{Kind: EventHeightReached, Height: action.Height}, true
	}

	return Event{}, false
}

// scheduleRefund hands a snapshot of swap to the scheduler. The refund runs
// on the snapshot and reports through the same progress callback.
func (h *SwapHandler) scheduleRefund(swap *Swap, height uint32, report reportFunc) error {
	scheduled := *swap
	return h.scheduler.ScheduleRefundAtHeight(height, func() {
		ctx := context.Background()
		if h.cfg.SwapTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.cfg.SwapTimeout)
			defer cancel()
		}
		h.apply(ctx, &scheduled, Event{Kind: EventHeightReached, Height: height}, report)
	})
}

// Cosign gives the service our partial signature for its key-path claim of a
// submarine lockup, once it proved it paid the invoice.
func (h *SwapHandler) Cosign(ctx context.Context, swap *Swap) error {
	signer, err := NewCooperativeSigner(h.service, swap.Id, swap.Script, swap.Key)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CooperativeTimeout)
	defer cancel()
	return signer.CosignSubmarineClaim(ctx)
}

// Claim spends a reverse lockup to the swap destination and returns the txid.
func (h *SwapHandler) Claim(ctx context.Context, swap *Swap) (string, error) {
	return h.claim(ctx, swap, 0)
}

func (h *SwapHandler) claim(ctx context.Context, swap *Swap, feeBump uint32) (string, error) {
	if swap.Direction != Reverse {
		return "", fmt.Errorf("only reverse swaps can be claimed")
	}
	if swap.Commitment == nil || swap.Commitment.Preimage == nil {
		return "", fmt.Errorf("%w: missing preimage", ErrValidation)
	}

	opts, err := h.txOptions(ctx, swap, feeBump)
	if err != nil {
		return "", err
	}
	tx, err := NewClaimTransaction(
		ctx, swap.Id, swap.Script, swap.Destination, h.chain, h.cfg.Network, opts...,
	)
	if err != nil {
		return "", err
	}
	if err := tx.SignClaim(
		ctx, swap.Key, *swap.Commitment.Preimage, h.service, h.cfg.CooperativeTimeout,
	); err != nil {
		return "", err
	}

	var relay Relay
	if h.cfg.LowballBroadcast {
		relay = h.service
	}
	return tx.Broadcast(ctx, h.chain, relay)
}

// Refund spends a submarine lockup back to the swap destination and returns
// the txid. It fails with a TimeoutNotReachedError if the service refuses to
// cooperate before the timeout height.
func (h *SwapHandler) Refund(ctx context.Context, swap *Swap) (string, error) {
	if swap.Direction != Submarine {
		return "", fmt.Errorf("only submarine swaps can be refunded")
	}

	opts, err := h.txOptions(ctx, swap, 0)
	if err != nil {
		return "", err
	}
	tx, err := NewRefundTransaction(
		ctx, swap.Id, swap.Script, swap.Destination, h.chain, h.cfg.Network, opts...,
	)
	if err != nil {
		return "", err
	}
	if err := tx.SignRefund(
		ctx, swap.Key, h.service, h.chain, h.cfg.CooperativeTimeout,
	); err != nil {
		return "", err
	}
	return tx.Broadcast(ctx, h.chain, nil)
}

func (h *SwapHandler) txOptions(ctx context.Context, swap *Swap, feeBump uint32) ([]TxOption, error) {
	opts := []TxOption{WithLockupTxid(swap.Session.LockupTxid)}

	feeRate := h.cfg.FeeRate
	if feeBump > 0 && feeRate <= 0 {
		estimate, err := h.chain.EstimateFeeRate(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to estimate fee rate: %w", err)
		}
		feeRate = math.Max(estimate, minFeeRate)
	}
	if feeRate > 0 {
		opts = append(opts, WithFeeRate(bumpFeeRate(feeRate, feeBump)))
	}
	return opts, nil
}

func bumpFeeRate(feeRate float64, feeBump uint32) float64 {
	return feeRate * (1 + feeBumpStep*float64(feeBump))
}

func (h *SwapHandler) waitConfirmations(ctx context.Context, swap *Swap, depth uint32) error {
	logger := log.WithField("swap", swap.Id)

	for {
		confirmations, err := h.lockupConfirmations(ctx, swap)
		switch {
		case err == nil && confirmations >= depth:
			return nil
		case err != nil && !IsRetryable(err):
			return err
		case err != nil:
			logger.WithError(err).Debug("lockup not visible yet")
		default:
			logger.Debugf("lockup has %d/%d confirmations", confirmations, depth)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cfg.PollInterval):
		}
	}
}

func (h *SwapHandler) lockupConfirmations(ctx context.Context, swap *Swap) (uint32, error) {
	utxos, err := h.chain.ListUnspent(ctx, swap.LockupAddress)
	if err != nil {
		return 0, err
	}
	lockup, ok := selectFunding(utxos, swap.Session.LockupTxid)
	if !ok {
		return 0, fmt.Errorf("%w: nothing locked in %s", ErrFundingNotFound, swap.LockupAddress)
	}
	tip, err := h.chain.GetBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	return lockup.Confirmations(tip), nil
}

func (h *SwapHandler) waitForHeight(ctx context.Context, height uint32) error {
	for {
		current, err := h.chain.GetBlockHeight(ctx)
		if err == nil && current >= height {
			return nil
		}
		if err != nil {
			log.WithError(err).Debug("failed to get block height")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cfg.PollInterval):
		}
	}
}

// retry repeats op with exponential backoff for as long as it fails with a
// retryable error and ctx is alive.
func (h *SwapHandler) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.cfg.RetryInterval
	bo.MaxInterval = maxRetryInterval
	bo.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		log.WithError(err).Debugf("retrying in %s", next)
	})
}

func (h *SwapHandler) delegated(swap *Swap) bool {
	return h.scheduler != nil && swap.Session.RefundAt > 0
}

func (h *SwapHandler) halted(swap *Swap) bool {
	return swap.Session.State.IsFinal() || h.delegated(swap)
}

func (h *SwapHandler) result(swap *Swap) Result {
	s := swap.Session
	res := Result{
		SwapId: swap.Id,
		State:  s.State,
		Reason: s.FailureReason,
	}

	switch s.State {
	case StateSettled:
		res.Txid = s.ClaimTxid
		if swap.Direction == Submarine {
			res.Txid = s.LockupTxid
		}
		res.Reason = ""
	case StateRefunded:
		res.Txid = s.RefundTxid
	default:
		res.NextAction = NextAction(*swap)
	}
	return res
}

// NextAction describes the last safe action left on a swap that did not
// settle, if any.
func NextAction(swap Swap) string {
	s := swap.Session
	switch {
	case s.State == StateSettled || s.State == StateRefunded:
		return ""
	case s.RefundAt > 0:
		return fmt.Sprintf("refund scheduled at block height %d", s.RefundAt)
	case swap.Direction == Submarine && s.Funded:
		return fmt.Sprintf("refund available after block height %d", s.TimeoutBlockHeight)
	case swap.Direction == Reverse && s.Funded && s.State != StateFailed:
		return fmt.Sprintf("claim before block height %d", s.TimeoutBlockHeight)
	}
	return ""
}

// checkSubmarineLimits rejects amounts outside the service's published limits
// before a swap is created. Services without limits are not checked.
func (h *SwapHandler) checkSubmarineLimits(ctx context.Context, amount uint64) error {
	source, ok := h.service.(LimitsSource)
	if !ok {
		return nil
	}
	pairs, err := source.GetSubmarinePairs(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to get submarine limits")
		return nil
	}
	pair, ok := pairs[boltz.CurrencyBtc][boltz.CurrencyBtc]
	if !ok {
		return nil
	}
	limits := pair.Limits
	if amount < limits.Minimal || (limits.Maximal > 0 && amount > limits.Maximal) {
		return fmt.Errorf(
			"%w: invoice amount %d out of limits: must be between %d and %d",
			ErrValidation, amount, limits.Minimal, limits.Maximal,
		)
	}
	return nil
}

func (h *SwapHandler) validateAddress(address string) error {
	decoded, err := btcutil.DecodeAddress(address, h.cfg.Network)
	if err != nil {
		return fmt.Errorf("%w: invalid address %s: %s", ErrValidation, address, err)
	}
	if !decoded.IsForNet(h.cfg.Network) {
		return fmt.Errorf("%w: address %s is not for %s", ErrValidation, address, h.cfg.Network.Name)
	}
	return nil
}

type reportFunc func(swap *Swap, progress Progress)

func reporter(progress ProgressFunc) reportFunc {
	return func(swap *Swap, p Progress) {
		if progress == nil {
			return
		}
		p.SwapId = swap.Id
		p.State = swap.Session.State
		progress(*swap, p)
	}
}
