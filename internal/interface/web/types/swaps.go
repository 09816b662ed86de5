package types

type PayInvoiceRequest struct {
	Invoice       string `json:"invoice" binding:"required"`
	RefundAddress string `json:"refund_address" binding:"required"`
}

type ReceivePaymentRequest struct {
	Amount       uint64 `json:"amount" binding:"required,gt=0"`
	ClaimAddress string `json:"claim_address" binding:"required"`
}

// PaymentInstruction tells the payer where to send funds onchain.
type PaymentInstruction struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
	Bip21   string `json:"bip21"`
}

type PayInvoiceResponse struct {
	// Direct is set when the invoice can be paid onchain without a swap.
	Direct      bool               `json:"direct"`
	Swap        *Swap              `json:"swap,omitempty"`
	Instruction PaymentInstruction `json:"instruction"`
}

type Swap struct {
	Id                 string `json:"id"`
	Kind               string `json:"kind"`
	State              string `json:"state"`
	Invoice            string `json:"invoice,omitempty"`
	Amount             uint64 `json:"amount"`
	LockupAddress      string `json:"lockup_address"`
	Destination        string `json:"destination"`
	PaymentHash        string `json:"payment_hash"`
	TimeoutBlockHeight uint32 `json:"timeout_block_height"`
	Funded             bool   `json:"funded"`
	LockupTxid         string `json:"lockup_txid,omitempty"`
	ClaimTxid          string `json:"claim_txid,omitempty"`
	RefundTxid         string `json:"refund_txid,omitempty"`
	RefundAt           uint32 `json:"refund_at,omitempty"`
	FailureReason      string `json:"failure_reason,omitempty"`
	NextAction         string `json:"next_action,omitempty"`
	CreatedAt          int64  `json:"created_at"`
	UpdatedAt          int64  `json:"updated_at"`
}

type ListSwapsResponse struct {
	Swaps []Swap `json:"swaps"`
}

type RefundResponse struct {
	Txid string `json:"txid"`
}

type Progress struct {
	SwapId      string              `json:"swap_id"`
	State       string              `json:"state"`
	Status      string              `json:"status,omitempty"`
	Message     string              `json:"message,omitempty"`
	Instruction *PaymentInstruction `json:"instruction,omitempty"`
}

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Network string `json:"network"`
	Pending int    `json:"pending"`
}

type Error struct {
	Error string `json:"error"`
}
