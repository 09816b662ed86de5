// Package mockboltz is an in-process swap service speaking the Boltz v2 REST
// and websocket protocol for submarine and reverse swaps, backed by a single
// node chain exposed through the Esplora REST endpoints. Its side of every
// cooperative MuSig2 round is real, and every transaction it accepts is
// script-verified.
package mockboltz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
)

const (
	modeSuccess = "success"
	modeFail    = "fail"
)

type Config struct {
	// ListenAddr defaults to a random local port.
	ListenAddr  string
	Network     *chaincfg.Params
	StartHeight uint32
	// TimeoutBlocks is the distance between creation and the refund timeout.
	TimeoutBlocks uint32
	ServiceFeePPM uint64
	MinerFeeSat   uint64
	// FeeRate is the chain's fee estimate in sat/vB.
	FeeRate   float64
	MinAmount uint64
	MaxAmount uint64
	// AutoLockReverse, when set, pays every reverse swap invoice and sends the
	// lockup that long after creation.
	AutoLockReverse time.Duration
}

type runtimeConfig struct {
	ClaimMode  string `json:"claimMode"`
	RefundMode string `json:"refundMode"`
}

type updateRuntimeConfigRequest struct {
	ClaimMode  *string  `json:"claimMode"`
	RefundMode *string  `json:"refundMode"`
	FeeRate    *float64 `json:"feeRate"`
}

type wsClient struct {
	subs map[string]struct{}
	mu   sync.Mutex
}

type Server struct {
	cfg   Config
	chain *chain

	runtimeMu sync.RWMutex
	runtime   runtimeConfig

	mu        sync.RWMutex
	swaps     map[string]*swapState
	preimages map[lntypes.Hash]lntypes.Preimage

	wsMu      sync.RWMutex
	wsClients map[*websocket.Conn]*wsClient
	upgrader  websocket.Upgrader

	privateKey *btcec.PrivateKey
	publicKey  *btcec.PublicKey

	httpServer *http.Server
	listener   net.Listener
}

func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.Network == nil {
		cfg.Network = &chaincfg.RegressionNetParams
	}
	if cfg.StartHeight == 0 {
		cfg.StartHeight = 100
	}
	if cfg.TimeoutBlocks == 0 {
		cfg.TimeoutBlocks = 144
	}
	if cfg.ServiceFeePPM == 0 {
		cfg.ServiceFeePPM = 5000 // 0.5%
	}
	if cfg.MinerFeeSat == 0 {
		cfg.MinerFeeSat = 300
	}
	if cfg.FeeRate <= 0 {
		cfg.FeeRate = 2
	}
	if cfg.MinAmount == 0 {
		cfg.MinAmount = 1000
	}
	if cfg.MaxAmount == 0 {
		cfg.MaxAmount = 10_000_000
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("new server private key: %w", err)
	}

	return &Server{
		cfg:        cfg,
		chain:      newChain(cfg.Network, cfg.StartHeight, cfg.FeeRate),
		runtime:    runtimeConfig{ClaimMode: modeSuccess, RefundMode: modeSuccess},
		swaps:      make(map[string]*swapState),
		preimages:  make(map[lntypes.Hash]lntypes.Preimage),
		wsClients:  make(map[*websocket.Conn]*wsClient),
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		privateKey: priv,
		publicKey:  priv.PubKey(),
	}, nil
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v2/ws", s.handleWS)
	mux.HandleFunc("/v2/swap/submarine", s.handleSubmarineRoot)
	mux.HandleFunc("/v2/swap/submarine/", s.handleSubmarineSubroutes)
	mux.HandleFunc("/v2/swap/reverse", s.handleReverseRoot)
	mux.HandleFunc("/v2/swap/reverse/", s.handleReverseSubroutes)
	mux.HandleFunc("/v2/swap/", s.handleSwapStatus)
	mux.HandleFunc("/v2/chain/", s.handleChainBroadcast)
	mux.HandleFunc("/tx", s.handleEsploraBroadcast)
	s.chain.register(mux)
	mux.HandleFunc("/admin/reset", s.handleAdminReset)
	mux.HandleFunc("/admin/config", s.handleAdminConfig)
	mux.HandleFunc("/admin/mine", s.handleAdminMine)
	mux.HandleFunc("/admin/fund", s.handleAdminFund)
	mux.HandleFunc("/admin/preimage", s.handleAdminPreimage)
	mux.HandleFunc("/admin/swaps/", s.handleAdminSwap)

	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("mock boltz server stopped unexpectedly")
		}
	}()

	return nil
}

func (s *Server) Stop() error {
	s.wsMu.Lock()
	for conn := range s.wsClients {
		_ = conn.Close()
	}
	s.wsClients = make(map[*websocket.Conn]*wsClient)
	s.wsMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// URL is the base of both the swap API and the Esplora endpoints.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	addr := s.listener.Addr().String()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func (s *Server) Network() *chaincfg.Params {
	return s.cfg.Network
}

// PublicKey is the service key used in every swap tree.
func (s *Server) PublicKey() *btcec.PublicKey {
	return s.publicKey
}

func (s *Server) Height() uint32 {
	return s.chain.tip()
}

// Mine adds n blocks, confirming the mempool, and lets expired swaps time
// out.
func (s *Server) Mine(n uint32) uint32 {
	confirmed := s.chain.mine(n)
	height := s.chain.tip()
	log.Debugf("mined %d blocks, height %d", n, height)

	s.onConfirmed(confirmed)
	s.expireSwaps(height)
	return height
}

// Fund sends amount to address from the mock's wallet and returns the txid.
func (s *Server) Fund(address string, amount uint64) (string, error) {
	tx, err := s.chain.fund(address, amount)
	if err != nil {
		return "", err
	}
	s.observe(tx)
	return tx.TxHash().String(), nil
}

// AddPreimage makes submarine swaps paying an invoice for its hash succeed.
func (s *Server) AddPreimage(preimage lntypes.Preimage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preimages[preimage.Hash()] = preimage
}

// Unspent returns the outputs held by address as txid:vout to value.
func (s *Server) Unspent(address string) map[string]int64 {
	utxos := s.chain.unspent(address)
	out := make(map[string]int64, len(utxos))
	for _, u := range utxos {
		out[u.outpoint.String()] = u.out.Value
	}
	return out
}

func (s *Server) SetClaimMode(mode string) error {
	return s.updateRuntime(updateRuntimeConfigRequest{ClaimMode: &mode})
}

func (s *Server) SetRefundMode(mode string) error {
	return s.updateRuntime(updateRuntimeConfigRequest{RefundMode: &mode})
}

// submit broadcasts tx and lets the swaps it touches react.
func (s *Server) submit(tx *wire.MsgTx) error {
	if err := s.chain.broadcast(tx); err != nil {
		log.WithError(err).Debugf("rejected transaction %s", tx.TxHash())
		return err
	}
	log.Debugf("accepted transaction %s", tx.TxHash())
	s.observe(tx)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEsploraBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	tx, err := deserializeTx(string(body))
	if err != nil {
		http.Error(w, "TX decode failed", http.StatusBadRequest)
		return
	}
	if err := s.submit(tx); err != nil {
		http.Error(w, "sendrawtransaction RPC error: "+err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	// nolint:all
	io.WriteString(w, tx.TxHash().String())
}

func (s *Server) handleChainBroadcast(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) != 4 || parts[3] != "transaction" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if boltz.Currency(parts[2]) != boltz.CurrencyBtc {
		writeError(w, http.StatusBadRequest, "unsupported currency "+parts[2])
		return
	}

	var req boltz.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	tx, err := deserializeTx(req.Hex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction")
		return
	}
	if err := s.submit(tx); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, boltz.BroadcastResponse{Id: tx.TxHash().String()})
}

func (s *Server) handleSwapStatus(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) != 3 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	st, ok := s.getSwap(parts[2])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("could not find swap with id: %s", parts[2]))
		return
	}
	writeJSON(w, http.StatusOK, boltz.SwapStatusResponse{
		Status:      st.Status,
		Transaction: st.StatusTx,
	})
}

func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.mu.Lock()
	s.swaps = make(map[string]*swapState)
	s.preimages = make(map[lntypes.Hash]lntypes.Preimage)
	s.mu.Unlock()

	s.runtimeMu.Lock()
	s.runtime = runtimeConfig{ClaimMode: modeSuccess, RefundMode: modeSuccess}
	s.runtimeMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.getRuntime())
	case http.MethodPost:
		var req updateRuntimeConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := s.updateRuntime(req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.getRuntime())
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAdminMine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	req := struct {
		Blocks uint32 `json:"blocks"`
	}{Blocks: 1}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"height": s.Mine(req.Blocks)})
}

func (s *Server) handleAdminFund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Address string `json:"address"`
		Amount  uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "amount is required")
		return
	}
	txid, err := s.Fund(req.Address, req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"txid": txid})
}

func (s *Server) handleAdminPreimage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Preimage string `json:"preimage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	preimage, err := lntypes.MakePreimageFromStr(req.Preimage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.AddPreimage(preimage)
	writeJSON(w, http.StatusOK, map[string]string{"hash": preimage.Hash().String()})
}

func (s *Server) handleAdminSwap(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id := parts[2]

	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		st, ok := s.getSwap(id)
		if !ok {
			writeError(w, http.StatusNotFound, "swap not found")
			return
		}
		writeJSON(w, http.StatusOK, st)

	case len(parts) == 4 && parts[3] == "lock" && r.Method == http.MethodPost:
		if err := s.LockReverse(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		st, _ := s.getSwap(id)
		writeJSON(w, http.StatusOK, st)

	case len(parts) == 4 && parts[3] == "event" && r.Method == http.MethodPost:
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if req.Status == "" {
			writeError(w, http.StatusBadRequest, "status is required")
			return
		}
		if err := s.PushStatus(id, req.Status); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		st, _ := s.getSwap(id)
		writeJSON(w, http.StatusOK, st)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &wsClient{subs: make(map[string]struct{})}
	s.wsMu.Lock()
	s.wsClients[conn] = client
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, conn)
		s.wsMu.Unlock()
		_ = conn.Close()
	}()

	for {
		var msg struct {
			Op      string   `json:"op"`
			Channel string   `json:"channel"`
			Args    []string `json:"args"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch {
		case msg.Op == "ping":
			client.mu.Lock()
			_ = conn.WriteJSON(map[string]string{"event": "pong"})
			client.mu.Unlock()

		case msg.Op == "subscribe" && msg.Channel == "swap.update":
			s.wsMu.Lock()
			for _, id := range msg.Args {
				client.subs[id] = struct{}{}
			}
			s.wsMu.Unlock()

			// The service answers a subscription with the current status of
			// every known swap.
			updates := make([]map[string]any, 0, len(msg.Args))
			for _, id := range msg.Args {
				if st, ok := s.getSwap(id); ok {
					updates = append(updates, updateArg(id, st.Status, st.StatusTx))
				}
			}

			client.mu.Lock()
			_ = conn.WriteJSON(map[string]any{
				"event": "subscribe", "channel": "swap.update", "args": msg.Args,
			})
			if len(updates) > 0 {
				_ = conn.WriteJSON(map[string]any{
					"event": "update", "channel": "swap.update", "args": updates,
				})
			}
			client.mu.Unlock()

		case msg.Op == "unsubscribe":
			s.wsMu.Lock()
			for _, id := range msg.Args {
				delete(client.subs, id)
			}
			s.wsMu.Unlock()
		}
	}
}

// PushStatus sets the status of swap id and notifies its subscribers.
func (s *Server) PushStatus(id, status string) error {
	return s.pushStatus(id, status, nil)
}

func (s *Server) pushStatus(id, status string, tx *wire.MsgTx) error {
	var statusTx *boltz.SwapTransaction
	if tx != nil {
		txHex, err := serializeTx(tx)
		if err != nil {
			return err
		}
		statusTx = &boltz.SwapTransaction{Id: tx.TxHash().String(), Hex: txHex}
	}

	s.mu.Lock()
	st, ok := s.swaps[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("swap %s not found", id)
	}
	st.Status = status
	st.StatusTx = statusTx
	s.mu.Unlock()

	log.WithField("swap", id).Debugf("status %s", status)

	payload := map[string]any{
		"event":   "update",
		"channel": "swap.update",
		"args":    []map[string]any{updateArg(id, status, statusTx)},
	}

	s.wsMu.RLock()
	defer s.wsMu.RUnlock()

	for conn, client := range s.wsClients {
		if _, ok := client.subs[id]; !ok {
			continue
		}
		client.mu.Lock()
		err := conn.WriteJSON(payload)
		client.mu.Unlock()
		if err != nil {
			log.WithError(err).Warn("failed to push ws event")
		}
	}

	return nil
}

func updateArg(id, status string, tx *boltz.SwapTransaction) map[string]any {
	arg := map[string]any{"id": id, "status": status}
	if tx != nil {
		arg["transaction"] = map[string]string{"id": tx.Id, "hex": tx.Hex}
	}
	return arg
}

func (s *Server) getSwap(id string) (*swapState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.swaps[id]
	if !ok {
		return nil, false
	}
	cp := *st
	return &cp, true
}

// Swap returns a snapshot of swap id.
func (s *Server) Swap(id string) (SwapInfo, bool) {
	st, ok := s.getSwap(id)
	if !ok {
		return SwapInfo{}, false
	}
	return st.info(), true
}

func (s *Server) getRuntime() runtimeConfig {
	s.runtimeMu.RLock()
	defer s.runtimeMu.RUnlock()
	return s.runtime
}

func (s *Server) updateRuntime(req updateRuntimeConfigRequest) error {
	s.runtimeMu.Lock()
	defer s.runtimeMu.Unlock()

	parseMode := func(name, raw string) (string, error) {
		mode := strings.ToLower(strings.TrimSpace(raw))
		if mode != modeSuccess && mode != modeFail {
			return "", fmt.Errorf("unsupported %s: %s", name, mode)
		}
		return mode, nil
	}

	if req.ClaimMode != nil {
		mode, err := parseMode("claimMode", *req.ClaimMode)
		if err != nil {
			return err
		}
		s.runtime.ClaimMode = mode
	}
	if req.RefundMode != nil {
		mode, err := parseMode("refundMode", *req.RefundMode)
		if err != nil {
			return err
		}
		s.runtime.RefundMode = mode
	}
	if req.FeeRate != nil {
		if *req.FeeRate <= 0 {
			return fmt.Errorf("feeRate must be > 0")
		}
		s.chain.setFeeRate(*req.FeeRate)
	}

	return nil
}
