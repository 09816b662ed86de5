package boltz

const (
	CurrencyBtc    Currency = "BTC"
	CurrencyLiquid Currency = "L-BTC"
)

type Currency string

type SwapTreeLeaf struct {
	Version uint8  `json:"version"`
	Output  string `json:"output"`
}

type SwapTree struct {
	ClaimLeaf  SwapTreeLeaf `json:"claimLeaf"`
	RefundLeaf SwapTreeLeaf `json:"refundLeaf"`
}

type Limits struct {
	Minimal         uint64 `json:"minimal"`
	Maximal         uint64 `json:"maximal"`
	MaximalZeroConf uint64 `json:"maximalZeroConf,omitempty"`
}

type Fees struct {
	Percentage float64 `json:"percentage"`
	// Submarine pairs return a single number, reverse pairs an object; kept raw.
	MinerFees any `json:"minerFees"`
}

type Pair struct {
	Hash   string  `json:"hash"`
	Rate   float64 `json:"rate"`
	Limits Limits  `json:"limits"`
	Fees   Fees    `json:"fees"`
}

// Pairs is indexed by from-currency, then to-currency.
type Pairs map[Currency]map[Currency]Pair

type CreateSubmarineRequest struct {
	From            Currency `json:"from"`
	To              Currency `json:"to"`
	Invoice         string   `json:"invoice"`
	RefundPublicKey string   `json:"refundPublicKey"`
	ReferralId      string   `json:"referralId,omitempty"`
}

type CreateSubmarineResponse struct {
	Id                 string   `json:"id"`
	Bip21              string   `json:"bip21"`
	Address            string   `json:"address"`
	SwapTree           SwapTree `json:"swapTree"`
	ClaimPublicKey     string   `json:"claimPublicKey"`
	TimeoutBlockHeight uint32   `json:"timeoutBlockHeight"`
	AcceptZeroConf     bool     `json:"acceptZeroConf"`
	ExpectedAmount     uint64   `json:"expectedAmount"`

	Error string `json:"error"`
}

type CreateReverseRequest struct {
	From             Currency `json:"from"`
	To               Currency `json:"to"`
	InvoiceAmount    uint64   `json:"invoiceAmount"`
	PreimageHash     string   `json:"preimageHash"`
	ClaimPublicKey   string   `json:"claimPublicKey"`
	Address          string   `json:"address,omitempty"`
	AddressSignature string   `json:"addressSignature,omitempty"`
	ReferralId       string   `json:"referralId,omitempty"`
}

type CreateReverseResponse struct {
	Id                 string   `json:"id"`
	Invoice            string   `json:"invoice"`
	SwapTree           SwapTree `json:"swapTree"`
	LockupAddress      string   `json:"lockupAddress"`
	RefundPublicKey    string   `json:"refundPublicKey"`
	TimeoutBlockHeight uint32   `json:"timeoutBlockHeight"`
	OnchainAmount      uint64   `json:"onchainAmount"`

	Error string `json:"error"`
}

// SubmarineClaimDetails is what the service hands out once it paid the invoice
// and wants our partial signature for its key-path claim.
type SubmarineClaimDetails struct {
	Preimage        string `json:"preimage"`
	PubNonce        string `json:"pubNonce"`
	PublicKey       string `json:"publicKey"`
	TransactionHash string `json:"transactionHash"`

	Error string `json:"error"`
}

type PartialSignature struct {
	PubNonce         string `json:"pubNonce"`
	PartialSignature string `json:"partialSignature"`

	Error string `json:"error,omitempty"`
}

type SubmarineRefundRequest struct {
	PubNonce    string `json:"pubNonce"`
	Transaction string `json:"transaction"`
	Index       int    `json:"index"`
}

type ReverseClaimRequest struct {
	Index       int    `json:"index"`
	Transaction string `json:"transaction"`
	Preimage    string `json:"preimage"`
	PubNonce    string `json:"pubNonce"`
}

type Bip21Response struct {
	Bip21     string `json:"bip21"`
	Signature string `json:"signature"`

	Error string `json:"error"`
}

type BroadcastRequest struct {
	Hex string `json:"hex"`
}

type BroadcastResponse struct {
	Id string `json:"id"`

	Error string `json:"error"`
}

type SwapTransaction struct {
	Id  string `json:"id"`
	Hex string `json:"hex,omitempty"`
}

type SwapStatusResponse struct {
	Status        string           `json:"status"`
	FailureReason string           `json:"failureReason,omitempty"`
	Transaction   *SwapTransaction `json:"transaction,omitempty"`

	Error string `json:"error"`
}
