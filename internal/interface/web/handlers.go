package web

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ArkLabsHQ/swapd/internal/core/application"
	"github.com/ArkLabsHQ/swapd/internal/core/domain"
	"github.com/ArkLabsHQ/swapd/internal/interface/web/types"
	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/ArkLabsHQ/swapd/pkg/swap"
	"github.com/gin-gonic/gin"
)

type handler struct {
	svc       SwapService
	buildInfo application.BuildInfo
	network   string
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) info(c *gin.Context) {
	pending, err := h.svc.ListSwaps(c.Request.Context(), true)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, types.Info{
		Version: h.buildInfo.Version,
		Commit:  h.buildInfo.Commit,
		Date:    h.buildInfo.Date,
		Network: h.network,
		Pending: len(pending),
	})
}

func (h *handler) tasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Tasks())
}

func (h *handler) payInvoice(c *gin.Context) {
	var req types.PayInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	result, err := h.svc.PayInvoice(c.Request.Context(), req.Invoice, req.RefundAddress)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := types.PayInvoiceResponse{
		Direct:      result.Direct,
		Instruction: toInstruction(result.Instruction),
	}
	if result.Swap != nil {
		sw := toSwap(*result.Swap)
		resp.Swap = &sw
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *handler) receivePayment(c *gin.Context) {
	var req types.ReceivePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	record, err := h.svc.ReceivePayment(c.Request.Context(), req.Amount, req.ClaimAddress)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSwap(*record))
}

func (h *handler) listSwaps(c *gin.Context) {
	pendingOnly := false
	if v := c.Query("pending"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.badRequest(c, errors.New("invalid pending filter"))
			return
		}
		pendingOnly = parsed
	}
	filter, err := parseSwapFilter(c.Query("state"), c.Query("kind"))
	if err != nil {
		h.badRequest(c, err)
		return
	}

	records, err := h.svc.ListSwaps(c.Request.Context(), pendingOnly)
	if err != nil {
		h.fail(c, err)
		return
	}
	swaps := make([]types.Swap, 0, len(records))
	for _, record := range records {
		if filter.match(record) {
			swaps = append(swaps, toSwap(record))
		}
	}
	c.JSON(http.StatusOK, types.ListSwapsResponse{Swaps: swaps})
}

type swapFilter struct {
	state     *swap.State
	direction *swap.Direction
}

func parseSwapFilter(state, kind string) (swapFilter, error) {
	var f swapFilter
	if state != "" {
		parsed, err := swap.ParseState(state)
		if err != nil {
			return f, err
		}
		f.state = &parsed
	}
	if kind != "" {
		parsed, err := swap.ParseDirection(kind)
		if err != nil {
			return f, err
		}
		f.direction = &parsed
	}
	return f, nil
}

func (f swapFilter) match(record domain.Swap) bool {
	if f.state != nil && record.State != *f.state {
		return false
	}
	return f.direction == nil || record.Direction == *f.direction
}

func (h *handler) getSwap(c *gin.Context) {
	record, err := h.svc.GetSwap(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSwap(*record))
}

func (h *handler) refundSwap(c *gin.Context) {
	txid, err := h.svc.RefundSwap(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, types.RefundResponse{Txid: txid})
}

// swapEvents streams the progress of a swap as server-sent events, starting
// with its current record and ending once it reaches a final state.
func (h *handler) swapEvents(c *gin.Context) {
	id := c.Param("id")

	progress, unsubscribe := h.svc.Subscribe(id)
	defer unsubscribe()

	record, err := h.svc.GetSwap(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.SSEvent("swap", toSwap(*record))
	c.Writer.Flush()
	if record.State.IsFinal() {
		return
	}

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case p, ok := <-progress:
			if !ok {
				return false
			}
			c.SSEvent("progress", toProgress(p))
			return !p.State.IsFinal()
		}
	})
}

func (h *handler) badRequest(c *gin.Context, err error) {
	// nolint:all
	c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, types.Error{Error: err.Error()})
}

func (h *handler) fail(c *gin.Context, err error) {
	// nolint:all
	c.Error(err)
	c.AbortWithStatusJSON(httpStatus(err), types.Error{Error: err.Error()})
}

func httpStatus(err error) int {
	var httpErr *boltz.HTTPError
	switch {
	case errors.Is(err, domain.ErrSwapNotFound):
		return http.StatusNotFound
	case errors.Is(err, swap.ErrValidation),
		errors.Is(err, application.ErrInvoiceExpired):
		return http.StatusBadRequest
	case errors.Is(err, application.ErrSwapRunning),
		errors.Is(err, application.ErrNotRefundable),
		errors.Is(err, swap.ErrTimeoutNotReached):
		return http.StatusConflict
	case errors.Is(err, swap.ErrTransientNetwork), boltz.IsTransient(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &httpErr),
		errors.Is(err, swap.ErrCounterpartyProtocol),
		errors.Is(err, swap.ErrCooperativeSignFailed),
		errors.Is(err, swap.ErrBroadcastRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toSwap(s domain.Swap) types.Swap {
	return types.Swap{
		Id:                 s.Id,
		Kind:               s.Direction.String(),
		State:              s.State.String(),
		Invoice:            s.Invoice,
		Amount:             s.Amount,
		LockupAddress:      s.LockupAddress,
		Destination:        s.Destination,
		PaymentHash:        s.PaymentHash,
		TimeoutBlockHeight: s.TimeoutBlockHeight,
		Funded:             s.Funded,
		LockupTxid:         s.LockupTxid,
		ClaimTxid:          s.ClaimTxid,
		RefundTxid:         s.RefundTxid,
		RefundAt:           s.RefundAt,
		FailureReason:      s.FailureReason,
		NextAction:         s.NextAction(),
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func toInstruction(i swap.PaymentInstruction) types.PaymentInstruction {
	return types.PaymentInstruction{Address: i.Address, Amount: i.Amount, Bip21: i.Bip21}
}

func toProgress(p swap.Progress) types.Progress {
	progress := types.Progress{
		SwapId:  p.SwapId,
		State:   p.State.String(),
		Status:  p.Status,
		Message: p.Message,
	}
	if p.Instruction != nil {
		instruction := toInstruction(*p.Instruction)
		progress.Instruction = &instruction
	}
	return progress
}
