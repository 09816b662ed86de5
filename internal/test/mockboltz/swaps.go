package mockboltz

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	kindSubmarine = "submarine"
	kindReverse   = "reverse"

	magicRoutingHintChannelId uint64 = 596385002596073472
)

// Statuses after which a submarine lockup may be refunded cooperatively.
var refundableStatuses = map[string]bool{
	boltz.TransactionLockupFailed.String(): true,
	boltz.InvoiceFailedToPay.String():      true,
	boltz.SwapExpired.String():             true,
}

type pendingClaim struct {
	tx     *wire.MsgTx
	msg    [32]byte
	nonces *musig2.Nonces
}

type swapState struct {
	Id        string
	Kind      string
	CreatedAt time.Time

	Invoice       string
	InvoiceAmount uint64
	PaymentHash   lntypes.Hash
	Preimage      *lntypes.Preimage

	ClientKey          *btcec.PublicKey
	Tree               boltz.SwapTree
	ClaimLeaf          []byte
	RefundLeaf         []byte
	LockupScript       []byte
	LockupAddress      string
	TimeoutBlockHeight uint32
	// Amount is the expected lockup of a submarine swap and the amount the
	// service locks for a reverse swap.
	Amount uint64

	// Address and AddressSignature enable the direct payment shortcut of a
	// reverse swap invoice.
	Address          string
	AddressSignature string

	Lockup     *wire.OutPoint
	LockupTx   *wire.MsgTx
	ClaimTxid  string
	RefundTxid string

	Status   string
	StatusTx *boltz.SwapTransaction

	ClaimRequests  int
	RefundRequests int

	claim *pendingClaim
}

// SwapInfo is the externally visible state of a mock swap.
type SwapInfo struct {
	Id                 string `json:"id"`
	Kind               string `json:"kind"`
	Status             string `json:"status"`
	Invoice            string `json:"invoice"`
	LockupAddress      string `json:"lockupAddress"`
	TimeoutBlockHeight uint32 `json:"timeoutBlockHeight"`
	Amount             uint64 `json:"amount"`
	LockupTxid         string `json:"lockupTxid,omitempty"`
	ClaimTxid          string `json:"claimTxid,omitempty"`
	RefundTxid         string `json:"refundTxid,omitempty"`
	Preimage           string `json:"preimage,omitempty"`
	ClaimRequests      int    `json:"claimRequests"`
	RefundRequests     int    `json:"refundRequests"`
}

func (st *swapState) info() SwapInfo {
	info := SwapInfo{
		Id:                 st.Id,
		Kind:               st.Kind,
		Status:             st.Status,
		Invoice:            st.Invoice,
		LockupAddress:      st.LockupAddress,
		TimeoutBlockHeight: st.TimeoutBlockHeight,
		Amount:             st.Amount,
		ClaimTxid:          st.ClaimTxid,
		RefundTxid:         st.RefundTxid,
		ClaimRequests:      st.ClaimRequests,
		RefundRequests:     st.RefundRequests,
	}
	if st.Lockup != nil {
		info.LockupTxid = st.Lockup.Hash.String()
	}
	if st.Preimage != nil {
		info.Preimage = st.Preimage.String()
	}
	return info
}

func (st *swapState) MarshalJSON() ([]byte, error) {
	return json.Marshal(st.info())
}

func (s *Server) keys(st *swapState) []*btcec.PublicKey {
	return []*btcec.PublicKey{s.publicKey, st.ClientKey}
}

func (s *Server) fee(amount uint64) uint64 {
	return uint64(math.Ceil(float64(amount)*float64(s.cfg.ServiceFeePPM)/1_000_000)) + s.cfg.MinerFeeSat
}

func (s *Server) pairs(minerFees any) boltz.Pairs {
	pair := boltz.Pair{
		Hash: "mock",
		Rate: 1,
		Limits: boltz.Limits{
			Minimal: s.cfg.MinAmount,
			Maximal: s.cfg.MaxAmount,
		},
		Fees: boltz.Fees{
			Percentage: float64(s.cfg.ServiceFeePPM) / 10_000,
			MinerFees:  minerFees,
		},
	}
	return boltz.Pairs{boltz.CurrencyBtc: {boltz.CurrencyBtc: pair}}
}

func (s *Server) handleSubmarineRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.pairs(s.cfg.MinerFeeSat))
	case http.MethodPost:
		var req boltz.CreateSubmarineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		resp, err := s.createSubmarine(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubmarineSubroutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) != 5 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id, action := parts[3], parts[4]

	switch {
	case action == "claim" && r.Method == http.MethodGet:
		s.handleGetSubmarineClaim(w, id)
	case action == "claim" && r.Method == http.MethodPost:
		s.handlePostSubmarineClaim(w, r, id)
	case action == "refund" && r.Method == http.MethodPost:
		s.handleSubmarineRefund(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleReverseRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.pairs(map[string]uint64{
			"claim":  s.cfg.MinerFeeSat / 2,
			"lockup": s.cfg.MinerFeeSat / 2,
		}))
	case http.MethodPost:
		var req boltz.CreateReverseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		resp, err := s.createReverse(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleReverseSubroutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) != 5 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case parts[4] == "claim" && r.Method == http.MethodPost:
		s.handleReverseClaim(w, r, parts[3])
	case parts[4] == "bip21" && r.Method == http.MethodGet:
		s.handleBip21(w, parts[3])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) createSubmarine(req boltz.CreateSubmarineRequest) (*boltz.CreateSubmarineResponse, error) {
	if req.From != boltz.CurrencyBtc || req.To != boltz.CurrencyBtc {
		return nil, fmt.Errorf("unsupported pair %s/%s", req.From, req.To)
	}
	bolt11, err := decodepay.Decodepay(req.Invoice)
	if err != nil {
		return nil, fmt.Errorf("invalid invoice: %w", err)
	}
	amount := uint64(bolt11.MSatoshi / 1000)
	if err := s.checkLimits(amount); err != nil {
		return nil, err
	}
	hash, err := lntypes.MakeHashFromStr(bolt11.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash: %w", err)
	}
	refundKey, err := parseKey(req.RefundPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid refund public key: %w", err)
	}

	s.mu.RLock()
	for _, other := range s.swaps {
		if other.Kind == kindSubmarine && other.Invoice == req.Invoice {
			s.mu.RUnlock()
			return nil, fmt.Errorf("a swap with this invoice exists already")
		}
	}
	s.mu.RUnlock()

	st := &swapState{
		Id:                 newSwapId(),
		Kind:               kindSubmarine,
		CreatedAt:          time.Now(),
		Invoice:            req.Invoice,
		InvoiceAmount:      amount,
		PaymentHash:        hash,
		ClientKey:          refundKey,
		TimeoutBlockHeight: s.chain.tip() + s.cfg.TimeoutBlocks,
		Amount:             amount + s.fee(amount),
		Status:             boltz.InvoiceSet.String(),
	}
	if err := s.buildLockup(st, s.publicKey, refundKey); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.swaps[st.Id] = st
	s.mu.Unlock()

	log.WithField("swap", st.Id).Infof(
		"submarine swap created, expecting %d sats in %s", st.Amount, st.LockupAddress,
	)

	return &boltz.CreateSubmarineResponse{
		Id:                 st.Id,
		Bip21:              bip21(st.LockupAddress, st.Amount, ""),
		Address:            st.LockupAddress,
		SwapTree:           st.Tree,
		ClaimPublicKey:     hex.EncodeToString(s.publicKey.SerializeCompressed()),
		TimeoutBlockHeight: st.TimeoutBlockHeight,
		ExpectedAmount:     st.Amount,
	}, nil
}

func (s *Server) createReverse(req boltz.CreateReverseRequest) (*boltz.CreateReverseResponse, error) {
	if req.From != boltz.CurrencyBtc || req.To != boltz.CurrencyBtc {
		return nil, fmt.Errorf("unsupported pair %s/%s", req.From, req.To)
	}
	if err := s.checkLimits(req.InvoiceAmount); err != nil {
		return nil, err
	}
	hash, err := lntypes.MakeHashFromStr(req.PreimageHash)
	if err != nil {
		return nil, fmt.Errorf("invalid preimage hash: %w", err)
	}
	claimKey, err := parseKey(req.ClaimPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid claim public key: %w", err)
	}
	if req.Address != "" {
		if err := verifyAddressSignature(req.Address, req.AddressSignature, claimKey); err != nil {
			return nil, err
		}
	}

	invoice, err := s.newInvoice(hash, req.InvoiceAmount, claimKey, req.Address != "")
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	st := &swapState{
		Id:                 newSwapId(),
		Kind:               kindReverse,
		CreatedAt:          time.Now(),
		Invoice:            invoice,
		InvoiceAmount:      req.InvoiceAmount,
		PaymentHash:        hash,
		ClientKey:          claimKey,
		TimeoutBlockHeight: s.chain.tip() + s.cfg.TimeoutBlocks,
		Amount:             req.InvoiceAmount - s.fee(req.InvoiceAmount),
		Address:            req.Address,
		AddressSignature:   req.AddressSignature,
		Status:             boltz.SwapCreated.String(),
	}
	if err := s.buildLockup(st, claimKey, s.publicKey); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.swaps[st.Id] = st
	s.mu.Unlock()

	log.WithField("swap", st.Id).Infof(
		"reverse swap created, will lock %d sats in %s", st.Amount, st.LockupAddress,
	)

	if s.cfg.AutoLockReverse > 0 {
		go func(id string) {
			time.Sleep(s.cfg.AutoLockReverse)
			if err := s.LockReverse(id); err != nil {
				log.WithError(err).WithField("swap", id).Warn("failed to lock reverse swap")
			}
		}(st.Id)
	}

	return &boltz.CreateReverseResponse{
		Id:                 st.Id,
		Invoice:            invoice,
		SwapTree:           st.Tree,
		LockupAddress:      st.LockupAddress,
		RefundPublicKey:    hex.EncodeToString(s.publicKey.SerializeCompressed()),
		TimeoutBlockHeight: st.TimeoutBlockHeight,
		OnchainAmount:      st.Amount,
	}, nil
}

func (s *Server) checkLimits(amount uint64) error {
	if amount < s.cfg.MinAmount || amount > s.cfg.MaxAmount {
		return fmt.Errorf(
			"amount %d out of limits: must be between %d and %d",
			amount, s.cfg.MinAmount, s.cfg.MaxAmount,
		)
	}
	if amount <= s.fee(amount)+dustAmount {
		return fmt.Errorf("amount %d does not cover the fees", amount)
	}
	return nil
}

// LockReverse pays the reverse swap's invoice and sends the lockup.
func (s *Server) LockReverse(id string) error {
	st, ok := s.getSwap(id)
	if !ok {
		return fmt.Errorf("swap %s not found", id)
	}
	if st.Kind != kindReverse {
		return fmt.Errorf("swap %s is not a reverse swap", id)
	}
	if st.Lockup != nil {
		return fmt.Errorf("swap %s is locked already", id)
	}
	if st.Status != boltz.SwapCreated.String() {
		return fmt.Errorf("swap %s cannot be locked in status %s", id, st.Status)
	}

	_, err := s.Fund(st.LockupAddress, st.Amount)
	return err
}

func (s *Server) handleBip21(w http.ResponseWriter, invoice string) {
	s.mu.RLock()
	var found *swapState
	for _, st := range s.swaps {
		if st.Kind == kindReverse && st.Invoice == invoice {
			found = st
			break
		}
	}
	s.mu.RUnlock()

	if found == nil || found.Address == "" {
		writeError(w, http.StatusNotFound, "no bip21 for invoice")
		return
	}
	writeJSON(w, http.StatusOK, boltz.Bip21Response{
		Bip21:     bip21(found.Address, found.InvoiceAmount, ""),
		Signature: found.AddressSignature,
	})
}

func (s *Server) handleGetSubmarineClaim(w http.ResponseWriter, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.swaps[id]
	if !ok || st.Kind != kindSubmarine {
		writeError(w, http.StatusNotFound, "swap not found")
		return
	}
	if st.Preimage == nil || st.Lockup == nil || st.ClaimTxid != "" {
		writeError(w, http.StatusBadRequest, "swap not eligible for a cooperative claim")
		return
	}

	lockup, ok := s.chain.utxo(*st.Lockup)
	if !ok {
		writeError(w, http.StatusBadRequest, "lockup already spent")
		return
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: *st.Lockup, Sequence: wire.MaxTxInSequenceNum})
	pkScript, err := txscript.PayToTaprootScript(txscript.ComputeTaprootKeyNoScript(s.publicKey))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tx.AddTxOut(&wire.TxOut{Value: lockup.out.Value - int64(s.cfg.MinerFeeSat), PkScript: pkScript})

	msg, err := taprootMessage(tx, lockup)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	nonces, err := musig2.GenNonces(musig2.WithPublicKey(s.publicKey))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st.claim = &pendingClaim{tx: tx, msg: msg, nonces: nonces}
	st.ClaimRequests++

	writeJSON(w, http.StatusOK, boltz.SubmarineClaimDetails{
		Preimage:        st.Preimage.String(),
		PubNonce:        hex.EncodeToString(nonces.PubNonce[:]),
		PublicKey:       hex.EncodeToString(s.publicKey.SerializeCompressed()),
		TransactionHash: hex.EncodeToString(msg[:]),
	})
}

// handlePostSubmarineClaim completes the service's key-path claim with the
// client's partial signature and broadcasts it.
func (s *Server) handlePostSubmarineClaim(w http.ResponseWriter, r *http.Request, id string) {
	var req boltz.PartialSignature
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if s.getRuntime().ClaimMode == modeFail {
		writeError(w, http.StatusBadRequest, "cooperative claim disabled by mock config")
		return
	}

	s.mu.Lock()
	st, ok := s.swaps[id]
	if !ok || st.Kind != kindSubmarine {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "swap not found")
		return
	}
	claim := st.claim
	st.claim = nil
	keys, root, clientKey := s.keys(st), merkleRoot(st), st.ClientKey
	s.mu.Unlock()

	if claim == nil {
		writeError(w, http.StatusBadRequest, "no claim in progress")
		return
	}

	clientNonce, err := parsePubNonce(req.PubNonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid nonce: %v", err))
		return
	}
	theirs, err := parsePartialSignature(req.PartialSignature)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid partial signature: %v", err))
		return
	}
	combined, err := musig2.AggregateNonces(
		[][musig2.PubNonceSize]byte{claim.nonces.PubNonce, clientNonce},
	)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !theirs.Verify(
		clientNonce, combined, keys, clientKey, claim.msg, musig2.WithTaprootSignTweak(root),
	) {
		writeError(w, http.StatusBadRequest, "invalid partial signature")
		return
	}

	ours, err := musig2.Sign(
		claim.nonces.SecNonce, s.privateKey, combined, keys, claim.msg,
		musig2.WithTaprootSignTweak(root),
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	final := musig2.CombineSigs(
		ours.R, []*musig2.PartialSignature{ours, theirs},
		musig2.WithTaprootTweakedCombine(claim.msg, keys, root, false),
	)
	claim.tx.TxIn[0].Witness = wire.TxWitness{final.Serialize()}

	s.mu.Lock()
	st.ClaimTxid = claim.tx.TxHash().String()
	s.mu.Unlock()

	if err := s.submit(claim.tx); err != nil {
		s.mu.Lock()
		st.ClaimTxid = ""
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("broadcast claim: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleSubmarineRefund(w http.ResponseWriter, r *http.Request, id string) {
	var req boltz.SubmarineRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	st, ok := s.swaps[id]
	if ok {
		st.RefundRequests++
	}
	s.mu.Unlock()
	if !ok || st.Kind != kindSubmarine {
		writeError(w, http.StatusNotFound, "swap not found")
		return
	}
	if s.getRuntime().RefundMode == modeFail {
		writeError(w, http.StatusBadRequest, "cooperative refund disabled by mock config")
		return
	}

	snapshot, _ := s.getSwap(id)
	if !refundableStatuses[snapshot.Status] {
		writeError(w, http.StatusBadRequest, "swap not eligible for a cooperative refund")
		return
	}

	sig, err := s.signSpend(snapshot, req.Transaction, req.Index, req.PubNonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleReverseClaim(w http.ResponseWriter, r *http.Request, id string) {
	var req boltz.ReverseClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	snapshot, ok := s.getSwap(id)
	if !ok || snapshot.Kind != kindReverse {
		writeError(w, http.StatusNotFound, "swap not found")
		return
	}
	s.mu.Lock()
	s.swaps[id].ClaimRequests++
	s.mu.Unlock()

	if s.getRuntime().ClaimMode == modeFail {
		writeError(w, http.StatusBadRequest, "cooperative claim disabled by mock config")
		return
	}

	preimage, err := lntypes.MakePreimageFromStr(req.Preimage)
	if err != nil || !preimage.Matches(snapshot.PaymentHash) {
		writeError(w, http.StatusBadRequest, "invalid preimage")
		return
	}

	sig, err := s.signSpend(snapshot, req.Transaction, req.Index, req.PubNonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The preimage settles the invoice whether or not the claim is published.
	s.mu.Lock()
	s.swaps[id].Preimage = &preimage
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, sig)
}

// signSpend returns the service's partial signature for a key-path spend of
// the swap's lockup.
func (s *Server) signSpend(
	st *swapState, txHex string, index int, clientNonceHex string,
) (*boltz.PartialSignature, error) {
	if st.Lockup == nil {
		return nil, fmt.Errorf("swap has no lockup")
	}
	tx, err := deserializeTx(txHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	if index < 0 || index >= len(tx.TxIn) {
		return nil, fmt.Errorf("invalid input index %d", index)
	}
	if tx.TxIn[index].PreviousOutPoint != *st.Lockup {
		return nil, fmt.Errorf("transaction does not spend the lockup")
	}
	lockup, ok := s.chain.utxo(*st.Lockup)
	if !ok {
		return nil, fmt.Errorf("lockup already spent")
	}

	clientNonce, err := parsePubNonce(clientNonceHex)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	nonces, err := musig2.GenNonces(musig2.WithPublicKey(s.publicKey))
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	combined, err := musig2.AggregateNonces(
		[][musig2.PubNonceSize]byte{nonces.PubNonce, clientNonce},
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate nonces: %w", err)
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(lockup.out.PkScript, lockup.out.Value)
	sighash, err := txscript.CalcTaprootSignatureHash(
		txscript.NewTxSigHashes(tx, fetcher), txscript.SigHashDefault, tx, index, fetcher,
	)
	if err != nil {
		return nil, fmt.Errorf("taproot message: %w", err)
	}
	var msg [32]byte
	copy(msg[:], sighash)

	partial, err := musig2.Sign(
		nonces.SecNonce, s.privateKey, combined, s.keys(st), msg,
		musig2.WithTaprootSignTweak(merkleRoot(st)), musig2.WithFastSign(),
	)
	if err != nil {
		return nil, fmt.Errorf("musig sign: %w", err)
	}

	var scalar [32]byte
	partial.S.PutBytesUnchecked(scalar[:])
	return &boltz.PartialSignature{
		PubNonce:         hex.EncodeToString(nonces.PubNonce[:]),
		PartialSignature: hex.EncodeToString(scalar[:]),
	}, nil
}

type pushedStatus struct {
	id     string
	status string
	tx     *wire.MsgTx
}

// observe reacts to an accepted transaction paying to or spending a swap
// lockup.
func (s *Server) observe(tx *wire.MsgTx) {
	txid := tx.TxHash()
	var (
		pushes  []pushedStatus
		settled []string
	)

	s.mu.Lock()
	for _, st := range s.swaps {
		for _, in := range tx.TxIn {
			if st.Lockup == nil || in.PreviousOutPoint != *st.Lockup {
				continue
			}
			switch {
			case st.Kind == kindSubmarine && st.ClaimTxid == txid.String():
				pushes = append(pushes, pushedStatus{st.Id, boltz.TransactionClaimed.String(), tx})
			case st.Kind == kindSubmarine:
				st.RefundTxid = txid.String()
			case st.Kind == kindReverse && st.RefundTxid == txid.String():
				pushes = append(pushes, pushedStatus{st.Id, boltz.TransactionRefunded.String(), tx})
			case st.Kind == kindReverse:
				st.ClaimTxid = txid.String()
				if preimage, ok := witnessPreimage(in.Witness, st.PaymentHash); ok {
					st.Preimage = &preimage
				}
				pushes = append(pushes, pushedStatus{st.Id, boltz.InvoiceSettled.String(), tx})
			}
		}

		if st.Lockup != nil {
			continue
		}
		for i, out := range tx.TxOut {
			if string(out.PkScript) != string(st.LockupScript) {
				continue
			}
			st.Lockup = &wire.OutPoint{Hash: txid, Index: uint32(i)}
			st.LockupTx = tx

			if st.Kind == kindReverse {
				pushes = append(pushes, pushedStatus{st.Id, boltz.TransactionMempool.String(), tx})
				break
			}
			if out.Value < int64(st.Amount) {
				log.WithField("swap", st.Id).Warnf(
					"lockup of %d sats is below the expected %d", out.Value, st.Amount,
				)
				pushes = append(pushes, pushedStatus{st.Id, boltz.TransactionLockupFailed.String(), tx})
				break
			}
			pushes = append(pushes, pushedStatus{st.Id, boltz.TransactionMempool.String(), tx})
			settled = append(settled, st.Id)
			break
		}
	}
	s.mu.Unlock()

	for _, p := range pushes {
		// nolint:all
		s.pushStatus(p.id, p.status, p.tx)
	}
	for _, id := range settled {
		s.payInvoice(id)
	}
}

// payInvoice pays the invoice of a funded submarine swap. It succeeds only
// when the preimage of the invoice was registered.
func (s *Server) payInvoice(id string) {
	s.mu.Lock()
	st := s.swaps[id]
	preimage, ok := s.preimages[st.PaymentHash]
	if ok {
		st.Preimage = &preimage
	}
	s.mu.Unlock()

	logger := log.WithField("swap", id)
	if !ok {
		logger.Info("invoice could not be paid")
		// nolint:all
		s.PushStatus(id, boltz.InvoiceFailedToPay.String())
		return
	}

	logger.Info("invoice paid")
	for _, status := range []boltz.SwapUpdateEvent{
		boltz.InvoicePending, boltz.InvoicePaid, boltz.TransactionClaimPending,
	} {
		// nolint:all
		s.PushStatus(id, status.String())
	}
}

func (s *Server) onConfirmed(txs []*wire.MsgTx) {
	confirmed := make(map[chainhash.Hash]*wire.MsgTx, len(txs))
	for _, tx := range txs {
		confirmed[tx.TxHash()] = tx
	}

	var pushes []pushedStatus
	s.mu.RLock()
	for _, st := range s.swaps {
		if st.Lockup == nil || st.Status != boltz.TransactionMempool.String() {
			continue
		}
		if tx, ok := confirmed[st.Lockup.Hash]; ok {
			pushes = append(pushes, pushedStatus{st.Id, boltz.TransactionConfirmed.String(), tx})
		}
	}
	s.mu.RUnlock()

	for _, p := range pushes {
		// nolint:all
		s.pushStatus(p.id, p.status, p.tx)
	}
}

// expireSwaps times out swaps whose refund height was reached. Unclaimed
// reverse lockups are swept back through the refund leaf.
func (s *Server) expireSwaps(height uint32) {
	var (
		expired []string
		refunds []string
	)

	s.mu.RLock()
	for _, st := range s.swaps {
		if height < st.TimeoutBlockHeight {
			continue
		}
		switch {
		case st.Kind == kindSubmarine && st.Status == boltz.InvoiceSet.String():
			expired = append(expired, st.Id)
		case st.Kind == kindReverse && st.Status == boltz.SwapCreated.String():
			expired = append(expired, st.Id)
		case st.Kind == kindReverse && st.Lockup != nil && st.ClaimTxid == "" && st.RefundTxid == "":
			refunds = append(refunds, st.Id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		// nolint:all
		s.PushStatus(id, boltz.SwapExpired.String())
	}
	for _, id := range refunds {
		if err := s.refundReverse(id); err != nil {
			log.WithError(err).WithField("swap", id).Warn("failed to refund reverse lockup")
		}
	}
}

func (s *Server) refundReverse(id string) error {
	st, ok := s.getSwap(id)
	if !ok {
		return fmt.Errorf("swap %s not found", id)
	}
	lockup, ok := s.chain.utxo(*st.Lockup)
	if !ok {
		return fmt.Errorf("lockup already spent")
	}

	pkScript, err := txscript.PayToTaprootScript(txscript.ComputeTaprootKeyNoScript(s.publicKey))
	if err != nil {
		return err
	}
	tx := wire.NewMsgTx(2)
	tx.LockTime = st.TimeoutBlockHeight
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: *st.Lockup, Sequence: wire.MaxTxInSequenceNum - 1})
	tx.AddTxOut(&wire.TxOut{Value: lockup.out.Value - int64(s.cfg.MinerFeeSat), PkScript: pkScript})

	claimLeaf := txscript.NewBaseTapLeaf(st.ClaimLeaf)
	refundLeaf := txscript.NewBaseTapLeaf(st.RefundLeaf)
	tree := txscript.AssembleTaprootScriptTree(claimLeaf, refundLeaf)

	internalKey, err := s.internalKey(st)
	if err != nil {
		return err
	}
	controlBlock := tree.LeafMerkleProofs[1].ToControlBlock(internalKey)
	controlBlockBytes, err := controlBlock.ToBytes()
	if err != nil {
		return err
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(lockup.out.PkScript, lockup.out.Value)
	sig, err := txscript.RawTxInTapscriptSignature(
		tx, txscript.NewTxSigHashes(tx, fetcher), 0, lockup.out.Value, lockup.out.PkScript,
		refundLeaf, txscript.SigHashDefault, s.privateKey,
	)
	if err != nil {
		return err
	}
	tx.TxIn[0].Witness = wire.TxWitness{sig, st.RefundLeaf, controlBlockBytes}

	s.mu.Lock()
	s.swaps[id].RefundTxid = tx.TxHash().String()
	s.mu.Unlock()

	if err := s.submit(tx); err != nil {
		s.mu.Lock()
		s.swaps[id].RefundTxid = ""
		s.mu.Unlock()
		return err
	}
	log.WithField("swap", id).Infof("reverse lockup refunded in %s", tx.TxHash())
	return nil
}

// buildLockup derives the swap tree and the lockup output of st.
func (s *Server) buildLockup(st *swapState, claimKey, refundKey *btcec.PublicKey) error {
	hash160 := input.Ripemd160H(st.PaymentHash[:])

	claimLeaf, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_SIZE).
		AddData([]byte{0x20}).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_HASH160).
		AddData(hash160).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(schnorr.SerializePubKey(claimKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return fmt.Errorf("build claim script: %w", err)
	}

	refundLeaf, err := txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(refundKey)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(int64(st.TimeoutBlockHeight)).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		Script()
	if err != nil {
		return fmt.Errorf("build refund script: %w", err)
	}

	st.ClaimLeaf = claimLeaf
	st.RefundLeaf = refundLeaf
	st.Tree = boltz.SwapTree{
		ClaimLeaf:  boltz.SwapTreeLeaf{Version: uint8(txscript.BaseLeafVersion), Output: hex.EncodeToString(claimLeaf)},
		RefundLeaf: boltz.SwapTreeLeaf{Version: uint8(txscript.BaseLeafVersion), Output: hex.EncodeToString(refundLeaf)},
	}

	internalKey, err := s.internalKey(st)
	if err != nil {
		return err
	}
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, merkleRoot(st))
	if st.LockupScript, err = txscript.PayToTaprootScript(outputKey); err != nil {
		return fmt.Errorf("build p2tr script: %w", err)
	}
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), s.cfg.Network)
	if err != nil {
		return fmt.Errorf("encode p2tr address: %w", err)
	}
	st.LockupAddress = addr.EncodeAddress()
	return nil
}

func (s *Server) internalKey(st *swapState) (*btcec.PublicKey, error) {
	agg, _, _, err := musig2.AggregateKeys(s.keys(st), false)
	if err != nil {
		return nil, fmt.Errorf("aggregate keys: %w", err)
	}
	return agg.PreTweakedKey, nil
}

func (s *Server) newInvoice(
	hash lntypes.Hash, amount uint64, receiverKey *btcec.PublicKey, magicHint bool,
) (string, error) {
	var paymentAddr [32]byte
	if _, err := rand.Read(paymentAddr[:]); err != nil {
		return "", err
	}
	opts := []func(*zpay32.Invoice){
		zpay32.PaymentAddr(paymentAddr),
		zpay32.Amount(lnwire.NewMSatFromSatoshis(btcutil.Amount(amount))),
		zpay32.Description("Send to BTC address"),
		zpay32.Expiry(time.Hour),
	}
	if magicHint {
		opts = append(opts, zpay32.RouteHint([]zpay32.HopHint{{
			NodeID:          receiverKey,
			ChannelID:       magicRoutingHintChannelId,
			CLTVExpiryDelta: 9,
		}}))
	}

	invoice, err := zpay32.NewInvoice(s.cfg.Network, hash, time.Now(), opts...)
	if err != nil {
		return "", err
	}
	return invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(s.privateKey, chainhash.HashB(msg), true), nil
		},
	})
}

const dustAmount = 330

func merkleRoot(st *swapState) []byte {
	tree := txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(st.ClaimLeaf), txscript.NewBaseTapLeaf(st.RefundLeaf),
	)
	root := tree.RootNode.TapHash()
	return root[:]
}

func taprootMessage(tx *wire.MsgTx, prev chainUtxo) ([32]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(prev.out.PkScript, prev.out.Value)
	sighash, err := txscript.CalcTaprootSignatureHash(
		txscript.NewTxSigHashes(tx, fetcher), txscript.SigHashDefault, tx, 0, fetcher,
	)
	if err != nil {
		return [32]byte{}, err
	}
	var msg [32]byte
	copy(msg[:], sighash)
	return msg, nil
}

// witnessPreimage finds the preimage revealed by a script-path claim.
func witnessPreimage(witness wire.TxWitness, hash lntypes.Hash) (lntypes.Preimage, bool) {
	for _, item := range witness {
		if len(item) != lntypes.PreimageSize {
			continue
		}
		preimage, err := lntypes.MakePreimage(item)
		if err == nil && preimage.Matches(hash) {
			return preimage, true
		}
	}
	return lntypes.Preimage{}, false
}

func verifyAddressSignature(address, signature string, key *btcec.PublicKey) error {
	raw, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid address signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(raw)
	if err != nil {
		return fmt.Errorf("invalid address signature: %w", err)
	}
	msg := sha256.Sum256([]byte(address))
	if !sig.Verify(msg[:], key) {
		return fmt.Errorf("address signature does not match the claim public key")
	}
	return nil
}

func bip21(address string, amount uint64, label string) string {
	sats, err := safecast.ToInt64(amount)
	if err != nil {
		return "bitcoin:" + address
	}
	uri := fmt.Sprintf("bitcoin:%s?amount=%s", address, decimal.NewFromInt(sats).Shift(-8).String())
	if label != "" {
		uri += "&label=" + label
	}
	return uri
}

func parseKey(keyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}

func parsePubNonce(nonceHex string) ([musig2.PubNonceSize]byte, error) {
	var out [musig2.PubNonceSize]byte
	b, err := hex.DecodeString(nonceHex)
	if err != nil {
		return out, err
	}
	if len(b) != musig2.PubNonceSize {
		return out, fmt.Errorf("expected %d bytes, got %d", musig2.PubNonceSize, len(b))
	}
	copy(out[:], b)
	return out, nil
}

func parsePartialSignature(sigHex string) (*musig2.PartialSignature, error) {
	b, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	ps := &musig2.PartialSignature{S: new(btcec.ModNScalar)}
	if overflow := ps.S.SetByteSlice(b); overflow {
		return nil, fmt.Errorf("scalar overflow")
	}
	return ps, nil
}

func newSwapId() string {
	id := uuid.New()
	return hex.EncodeToString(id[:6])
}

