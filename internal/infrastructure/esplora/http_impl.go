package esplora

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ArkLabsHQ/swapd/pkg/swap"
	"github.com/ccoveille/go-safecast"
)

// httpService is the chain backend over the Esplora REST API.
type httpService struct {
	baseURL string
	client  *http.Client
}

func NewHTTPService(url string) Service {
	return &httpService{
		baseURL: strings.TrimRight(url, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *httpService) GetBlockHeight(ctx context.Context) (uint32, error) {
	body, err := s.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, fmt.Errorf("get height: %w", err)
	}

	n, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse height: %w", err)
	}
	return uint32(n), nil
}

func (s *httpService) ListUnspent(ctx context.Context, address string) ([]swap.Utxo, error) {
	body, err := s.get(ctx, "/address/"+address+"/utxo")
	if err != nil {
		return nil, fmt.Errorf("get address utxos: %w", err)
	}

	var unspents []struct {
		Txid   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Value  uint64 `json:"value"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &unspents); err != nil {
		return nil, fmt.Errorf("failed to parse utxos: %w", err)
	}

	utxos := make([]swap.Utxo, 0, len(unspents))
	for _, u := range unspents {
		utxo := swap.Utxo{Txid: u.Txid, Vout: u.Vout, Amount: u.Value}
		if u.Status.Confirmed {
			if utxo.Height, err = safecast.ToUint32(u.Status.BlockHeight); err != nil {
				return nil, err
			}
		}
		utxos = append(utxos, utxo)
	}
	return utxos, nil
}

// EstimateFeeRate returns the next block estimate in sat/vB, 1 if the
// explorer has none.
func (s *httpService) EstimateFeeRate(ctx context.Context) (float64, error) {
	body, err := s.get(ctx, "/fee-estimates")
	if err != nil {
		return 0, fmt.Errorf("get fee estimates: %w", err)
	}

	var estimates map[string]float64
	if err := json.Unmarshal(body, &estimates); err != nil {
		return 0, fmt.Errorf("failed to parse fee estimates: %w", err)
	}
	if rate, ok := estimates["1"]; ok && rate > 0 {
		return rate, nil
	}
	return minFeeRate, nil
}

func (s *httpService) Broadcast(ctx context.Context, txHex string) (string, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.baseURL+"/tx", strings.NewReader(txHex),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: broadcast: %w", swap.ErrTransientNetwork, err)
	}
	// nolint:all
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", swap.ErrTransientNetwork, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf(
			"%w: broadcast failed with status %d: %s",
			swap.ErrTransientNetwork, resp.StatusCode, strings.TrimSpace(string(body)),
		)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf(
			"%w: %s", swap.ErrBroadcastRejected, strings.TrimSpace(string(body)),
		)
	}

	return strings.TrimSpace(string(body)), nil
}

func (s *httpService) Close() error {
	return nil
}

// get returns the body of a 200 response. Transport failures and 5xx
// responses are transient.
func (s *httpService) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", swap.ErrTransientNetwork, err)
	}
	// nolint:all
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", swap.ErrTransientNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode >= http.StatusInternalServerError ||
		resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf(
			"%w: unexpected status %d: %s",
			swap.ErrTransientNetwork, resp.StatusCode, strings.TrimSpace(string(body)),
		)
	default:
		return nil, fmt.Errorf(
			"unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)),
		)
	}
}
