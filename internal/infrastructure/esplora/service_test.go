package esplora

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ArkLabsHQ/swapd/pkg/swap"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

var testNetwork = &chaincfg.RegressionNetParams

func newAddress(t *testing.T) string {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(txscript.ComputeTaprootKeyNoScript(key.PubKey())), testNetwork,
	)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

// electrumServer answers JSON-RPC requests from handlers keyed by method. A
// handler returning an *ElectrumError is sent as an error response.
type electrumServer struct {
	listener net.Listener
	handlers map[string]func(params []any) any

	mu       sync.Mutex
	requests []ElectrumRequest
	notify   bool
}

func newElectrumServer(t *testing.T, handlers map[string]func(params []any) any) *electrumServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &electrumServer{listener: listener, handlers: handlers}
	go s.serve()
	t.Cleanup(func() {
		// nolint:all
		listener.Close()
	})
	return s
}

func (s *electrumServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *electrumServer) handle(conn net.Conn) {
	// nolint:all
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req ElectrumRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		notify := s.notify
		s.mu.Unlock()

		if notify {
			// nolint:all
			io.WriteString(conn, `{"jsonrpc":"2.0","method":"blockchain.headers.subscribe","params":[{"height":1}]}`+"\n")
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		handler, ok := s.handlers[req.Method]
		switch {
		case !ok:
			resp["error"] = map[string]any{"code": -32601, "message": "unknown method"}
		default:
			result := handler(req.Params)
			if rpcErr, isErr := result.(*ElectrumError); isErr {
				resp["error"] = rpcErr
			} else {
				resp["result"] = result
			}
		}
		raw, _ := json.Marshal(resp)
		// nolint:all
		conn.Write(append(raw, '\n'))
	}
}

func (s *electrumServer) lastRequest() ElectrumRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func TestElectrumService(t *testing.T) {
	address := newAddress(t)
	scriptHash, err := AddressToScriptHash(address, testNetwork)
	require.NoError(t, err)
	require.Len(t, scriptHash, 64)

	server := newElectrumServer(t, map[string]func([]any) any{
		"blockchain.headers.subscribe": func([]any) any {
			return map[string]any{"height": 812, "hex": "00"}
		},
		"blockchain.scripthash.listunspent": func(params []any) any {
			if params[0] != scriptHash {
				return []any{}
			}
			return []map[string]any{
				{"tx_hash": "aa", "tx_pos": 0, "height": 800, "value": 50_000},
				{"tx_hash": "bb", "tx_pos": 1, "height": 0, "value": 20_000},
				{"tx_hash": "cc", "tx_pos": 2, "height": -1, "value": 10_000},
			}
		},
		"blockchain.estimatefee": func([]any) any { return 0.00012 },
		"blockchain.transaction.broadcast": func(params []any) any {
			if params[0] == "bad" {
				return &ElectrumError{Code: 1, Message: "bad-txns-inputs-missingorspent"}
			}
			return "txid"
		},
	})
	svc := NewService("", "tcp://"+server.listener.Addr().String(), testNetwork)
	defer svc.Close()
	ctx := context.Background()

	t.Run("height", func(t *testing.T) {
		height, err := svc.GetBlockHeight(ctx)
		require.NoError(t, err)
		require.Equal(t, uint32(812), height)
	})

	t.Run("unspent", func(t *testing.T) {
		utxos, err := svc.ListUnspent(ctx, address)
		require.NoError(t, err)
		require.Equal(t, []swap.Utxo{
			{Txid: "aa", Vout: 0, Amount: 50_000, Height: 800},
			{Txid: "bb", Vout: 1, Amount: 20_000},
			{Txid: "cc", Vout: 2, Amount: 10_000},
		}, utxos)
		require.Equal(t, "blockchain.scripthash.listunspent", server.lastRequest().Method)

		_, err = svc.ListUnspent(ctx, "not an address")
		require.Error(t, err)
	})

	t.Run("fee rate", func(t *testing.T) {
		rate, err := svc.EstimateFeeRate(ctx)
		require.NoError(t, err)
		require.InDelta(t, 12, rate, 0.001)
	})

	t.Run("broadcast", func(t *testing.T) {
		txid, err := svc.Broadcast(ctx, "raw")
		require.NoError(t, err)
		require.Equal(t, "txid", txid)

		_, err = svc.Broadcast(ctx, "bad")
		require.ErrorIs(t, err, swap.ErrBroadcastRejected)
		require.False(t, swap.IsRetryable(err))
	})

	t.Run("skips notifications", func(t *testing.T) {
		server.mu.Lock()
		server.notify = true
		server.mu.Unlock()
		defer func() {
			server.mu.Lock()
			server.notify = false
			server.mu.Unlock()
		}()

		height, err := svc.GetBlockHeight(ctx)
		require.NoError(t, err)
		require.Equal(t, uint32(812), height)
	})

	t.Run("unknown method", func(t *testing.T) {
		client := NewElectrumClient(server.listener.Addr().String(), time.Second)
		defer client.Close()
		_, err := client.call(ctx, "server.banner")
		require.Error(t, err)
		require.False(t, swap.IsRetryable(electrumErr("banner", err)))
	})
}

func TestElectrumUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	// nolint:all
	listener.Close()

	svc := NewElectrumService(address, testNetwork)
	_, err = svc.GetBlockHeight(context.Background())
	require.ErrorIs(t, err, swap.ErrTransientNetwork)
	require.True(t, swap.IsRetryable(err))
}

func TestElectrumFeeFallback(t *testing.T) {
	server := newElectrumServer(t, map[string]func([]any) any{
		"blockchain.estimatefee": func([]any) any { return -1 },
	})
	svc := NewElectrumService(server.listener.Addr().String(), testNetwork)
	defer svc.Close()

	rate, err := svc.EstimateFeeRate(context.Background())
	require.NoError(t, err)
	require.Equal(t, float64(1), rate)
}

func TestHTTPService(t *testing.T) {
	address := newAddress(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "812\n")
	})
	mux.HandleFunc("/address/"+address+"/utxo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"txid":"aa","vout":0,"value":50000,"status":{"confirmed":true,"block_height":800}},
			{"txid":"bb","vout":1,"value":20000,"status":{"confirmed":false}}
		]`)
	})
	mux.HandleFunc("/fee-estimates", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"1":12.5,"6":4.1}`)
	})
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch string(body) {
		case "bad":
			http.Error(w, "sendrawtransaction RPC error: bad-txns", http.StatusBadRequest)
		case "later":
			http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		default:
			fmt.Fprint(w, "txid")
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	svc := NewService(server.URL+"/", "", testNetwork)
	ctx := context.Background()

	height, err := svc.GetBlockHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(812), height)

	utxos, err := svc.ListUnspent(ctx, address)
	require.NoError(t, err)
	require.Equal(t, []swap.Utxo{
		{Txid: "aa", Vout: 0, Amount: 50_000, Height: 800},
		{Txid: "bb", Vout: 1, Amount: 20_000},
	}, utxos)

	rate, err := svc.EstimateFeeRate(ctx)
	require.NoError(t, err)
	require.Equal(t, 12.5, rate)

	txid, err := svc.Broadcast(ctx, "raw")
	require.NoError(t, err)
	require.Equal(t, "txid", txid)

	_, err = svc.Broadcast(ctx, "bad")
	require.ErrorIs(t, err, swap.ErrBroadcastRejected)

	_, err = svc.Broadcast(ctx, "later")
	require.ErrorIs(t, err, swap.ErrTransientNetwork)

	_, err = svc.ListUnspent(ctx, "unknown")
	require.Error(t, err)
	require.False(t, swap.IsRetryable(err))
}

func TestHTTPFeeFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	rate, err := NewHTTPService(server.URL).EstimateFeeRate(context.Background())
	require.NoError(t, err)
	require.Equal(t, float64(1), rate)
}

func TestElectrumClient_TLSDetection(t *testing.T) {
	tests := []struct {
		name    string
		address string
		useTLS  bool
	}{
		{"port 700 uses TLS", "blockstream.info:700", true},
		{"port 50002 uses TLS", "server.example.com:50002", true},
		{"port 50001 does not", "server.example.com:50001", false},
		{"ssl prefix", "ssl://server.example.com:60002", true},
		{"tcp prefix wins over port", "tcp://server.example.com:50002", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewElectrumClient(tt.address, 10*time.Second)
			require.Equal(t, tt.useTLS, client.useTLS)
		})
	}
}

func TestElectrumClient_GetBlockchainHeight(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping network test in short mode")
	}

	client := NewElectrumClient("blockstream.info:700", 10*time.Second)
	defer client.Close()

	height, err := client.GetBlockchainHeight(context.Background())
	if err != nil {
		t.Skipf("network test skipped: %v", err)
	}
	require.Greater(t, height, int64(800000))
}
