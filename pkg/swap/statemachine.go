package swap

import (
	"errors"
	"fmt"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
)

type State int

const (
	StateCreated State = iota
	StateAwaitingSettlement
	StateClaimPending
	StateRefundNeeded
	StateSettled
	StateRefunded
	StateFailed
)

var stateNames = map[State]string{
	StateCreated:            "created",
	StateAwaitingSettlement: "awaiting_settlement",
	StateClaimPending:       "claim_pending",
	StateRefundNeeded:       "refund_needed",
	StateSettled:            "settled",
	StateRefunded:           "refunded",
	StateFailed:             "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) IsFinal() bool {
	return s == StateSettled || s == StateRefunded || s == StateFailed
}

func ParseState(s string) (State, error) {
	for state, name := range stateNames {
		if name == s {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown swap state %q", s)
}

type EventKind int

const (
	// EventStatus is a status update from the service.
	EventStatus EventKind = iota
	// EventFunded: our lockup transaction was sent.
	EventFunded
	// EventFundingConfirmed: the service's lockup reached the required depth.
	EventFundingConfirmed
	EventCosigned
	EventClaimBroadcast
	EventRefundBroadcast
	EventTimeoutNotReached
	EventHeightReached
	EventActionFailed
)

type Event struct {
	Kind   EventKind
	Status boltz.SwapUpdateEvent
	// Txid is the lockup, claim or refund txid carried by the event.
	Txid   string
	Height uint32
	// Action and Err are set for EventActionFailed.
	Action ActionKind
	Err    error
}

// StatusEvent converts a service update.
func StatusEvent(update boltz.SwapUpdate) Event {
	ev := Event{Kind: EventStatus, Status: boltz.ParseEvent(update.Status)}
	if update.Transaction != nil {
		ev.Txid = update.Transaction.Id
	}
	return ev
}

type ActionKind int

const (
	// ActionPayLockup sends the submarine lockup.
	ActionPayLockup ActionKind = iota
	// ActionCosignClaim gives the service our partial signature for its claim.
	ActionCosignClaim
	// ActionWaitConfirmations waits for the reverse lockup to reach Depth.
	ActionWaitConfirmations
	ActionClaim
	ActionRefund
	// ActionScheduleRefund waits for Height before refunding unilaterally.
	ActionScheduleRefund
)

func (a ActionKind) String() string {
	switch a {
	case ActionPayLockup:
		return "pay lockup"
	case ActionCosignClaim:
		return "cosign claim"
	case ActionWaitConfirmations:
		return "wait confirmations"
	case ActionClaim:
		return "claim"
	case ActionRefund:
		return "refund"
	case ActionScheduleRefund:
		return "schedule refund"
	default:
		return "unknown"
	}
}

// maxClaimFeeBumps caps how many times a rejected reverse claim is retried
// with a higher fee rate.
const maxClaimFeeBumps = 3

type Action struct {
	Kind   ActionKind
	Height uint32
	Depth  uint32
	// FeeBump is the number of fee rate increases applied to a claim.
	FeeBump uint32
}

// Session is the protocol state of one swap. It is a value: Transition
// returns an updated copy.
type Session struct {
	Direction          Direction
	State              State
	ConfirmationDepth  uint32
	TimeoutBlockHeight uint32

	Funded        bool
	LockupTxid    string
	ClaimTxid     string
	RefundTxid    string
	RefundAt      uint32
	ClaimFeeBumps uint32
	FailureReason string
}

func NewSession(direction Direction, timeoutBlockHeight, confirmationDepth uint32) Session {
	return Session{
		Direction:          direction,
		State:              StateCreated,
		TimeoutBlockHeight: timeoutBlockHeight,
		ConfirmationDepth:  confirmationDepth,
	}
}

// Transition is the pure swap protocol: given a session and an event it
// returns the next session and the actions to run. Final states absorb every
// event and unknown statuses change nothing.
func Transition(s Session, ev Event) (Session, []Action) {
	if s.State.IsFinal() {
		return s, nil
	}
	if ev.Kind == EventStatus && ev.Status == boltz.SwapUpdateUnknown {
		return s, nil
	}

	if s.Direction == Reverse {
		return transitionReverse(s, ev)
	}
	return transitionSubmarine(s, ev)
}

func transitionSubmarine(s Session, ev Event) (Session, []Action) {
	switch ev.Kind {
	case EventFunded:
		s.Funded = true
		if ev.Txid != "" {
			s.LockupTxid = ev.Txid
		}
		if s.State == StateCreated {
			s.State = StateAwaitingSettlement
		}
		return s, nil

	case EventCosigned:
		return s, nil

	case EventRefundBroadcast:
		s.RefundTxid = ev.Txid
		s.RefundAt = 0
		s.State = StateRefunded
		return s, nil

	case EventTimeoutNotReached:
		if s.State != StateRefundNeeded {
			return s, nil
		}
		s.RefundAt = ev.Height
		return s, []Action{{Kind: ActionScheduleRefund, Height: ev.Height}}

	case EventHeightReached:
		if s.State != StateRefundNeeded {
			return s, nil
		}
		s.RefundAt = 0
		return s, []Action{{Kind: ActionRefund}}

	case EventActionFailed:
		return submarineActionFailed(s, ev)

	case EventStatus:
		return submarineStatus(s, ev)
	}

	return s, nil
}

func submarineStatus(s Session, ev Event) (Session, []Action) {
	switch ev.Status {
	case boltz.InvoiceSet:
		if s.State != StateCreated {
			return s, nil
		}
		s.State = StateAwaitingSettlement
		if s.Funded {
			return s, nil
		}
		return s, []Action{{Kind: ActionPayLockup}}

	case boltz.TransactionMempool, boltz.TransactionConfirmed:
		// The service saw our lockup, whoever sent it.
		s.recordLockup(ev.Txid)
		if s.State == StateCreated {
			s.State = StateAwaitingSettlement
		}
		return s, nil

	case boltz.TransactionClaimPending:
		if s.State == StateRefundNeeded {
			return s, nil
		}
		s.State = StateClaimPending
		return s, []Action{{Kind: ActionCosignClaim}}

	case boltz.TransactionClaimed, boltz.InvoiceSettled:
		s.State = StateSettled
		s.RefundAt = 0
		return s, nil

	case boltz.TransactionLockupFailed, boltz.InvoiceFailedToPay,
		boltz.SwapExpired, boltz.InvoiceExpired:
		// A rejected lockup, e.g. of the wrong amount, is still ours to refund
		// even if it was sent outside the handler.
		if ev.Status == boltz.TransactionLockupFailed || ev.Txid != "" {
			s.recordLockup(ev.Txid)
		}
		return submarineNeedsRefund(s, fmt.Sprintf("swap failed: %s", ev.Status))
	}

	return s, nil
}

func submarineActionFailed(s Session, ev Event) (Session, []Action) {
	reason := "unknown error"
	if ev.Err != nil {
		reason = ev.Err.Error()
	}

	switch ev.Action {
	case ActionPayLockup:
		if s.Funded {
			return s, nil
		}
		s.State = StateFailed
		s.FailureReason = fmt.Sprintf("failed to pay lockup: %s", reason)
		return s, nil

	case ActionCosignClaim:
		// A service that cannot prove payment gets no signature, only a refund.
		if errors.Is(ev.Err, ErrValidation) {
			return submarineNeedsRefund(s, reason)
		}
		s.FailureReason = reason
		return s, nil

	case ActionRefund:
		s.FailureReason = reason
		return s, nil
	}

	return s, nil
}

func submarineNeedsRefund(s Session, reason string) (Session, []Action) {
	s.FailureReason = reason
	if !s.Funded {
		s.State = StateFailed
		return s, nil
	}
	if s.State == StateRefundNeeded {
		return s, nil
	}
	s.State = StateRefundNeeded
	return s, []Action{{Kind: ActionRefund}}
}

func transitionReverse(s Session, ev Event) (Session, []Action) {
	switch ev.Kind {
	case EventFundingConfirmed:
		return reverseClaim(s)

	case EventClaimBroadcast:
		s.ClaimTxid = ev.Txid
		s.State = StateSettled
		return s, nil

	case EventActionFailed:
		if ev.Err != nil {
			s.FailureReason = ev.Err.Error()
		}
		if ev.Action != ActionClaim {
			return s, nil
		}
		switch {
		case errors.Is(ev.Err, ErrValidation):
			s.State = StateFailed
		case errors.Is(ev.Err, ErrBroadcastRejected) && s.ClaimFeeBumps < maxClaimFeeBumps:
			// Mostly a fee below the mempool minimum.
			s.ClaimFeeBumps++
			return s, []Action{{Kind: ActionClaim, FeeBump: s.ClaimFeeBumps}}
		}
		return s, nil

	case EventStatus:
		return reverseStatus(s, ev)
	}

	return s, nil
}

func reverseStatus(s Session, ev Event) (Session, []Action) {
	switch ev.Status {
	case boltz.TransactionMempool:
		s.recordLockup(ev.Txid)
		if s.ConfirmationDepth == 0 {
			return reverseClaim(s)
		}
		return reverseAwaitDepth(s)

	case boltz.TransactionConfirmed:
		s.recordLockup(ev.Txid)
		if s.ConfirmationDepth <= 1 {
			return reverseClaim(s)
		}
		return reverseAwaitDepth(s)

	case boltz.InvoiceSettled:
		// Only reachable if our claim was not recorded yet.
		return reverseClaim(s)

	case boltz.TransactionFailed, boltz.TransactionRefunded,
		boltz.TransactionLockupFailed, boltz.SwapExpired, boltz.InvoiceExpired:
		s.State = StateFailed
		s.FailureReason = fmt.Sprintf("swap failed: %s", ev.Status)
		return s, nil
	}

	return s, nil
}

func (s *Session) recordLockup(txid string) {
	s.Funded = true
	if txid != "" {
		s.LockupTxid = txid
	}
}

func reverseAwaitDepth(s Session) (Session, []Action) {
	if s.State == StateClaimPending {
		return s, nil
	}
	s.State = StateAwaitingSettlement
	return s, []Action{{Kind: ActionWaitConfirmations, Depth: s.ConfirmationDepth}}
}

func reverseClaim(s Session) (Session, []Action) {
	s.State = StateClaimPending
	return s, []Action{{Kind: ActionClaim, FeeBump: s.ClaimFeeBumps}}
}
