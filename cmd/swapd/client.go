package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ArkLabsHQ/swapd/internal/interface/web/types"
)

const requestTimeout = 30 * time.Second

type apiClient struct {
	url    string
	client http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{url: strings.TrimSuffix(baseURL, "/")}
}

func (a *apiClient) payInvoice(ctx context.Context, invoice, refundAddress string) (*types.PayInvoiceResponse, error) {
	return send[types.PayInvoiceResponse](ctx, a, http.MethodPost, "/v1/swaps/submarine", types.PayInvoiceRequest{
		Invoice: invoice, RefundAddress: refundAddress,
	})
}

func (a *apiClient) receivePayment(ctx context.Context, amount uint64, claimAddress string) (*types.Swap, error) {
	return send[types.Swap](ctx, a, http.MethodPost, "/v1/swaps/reverse", types.ReceivePaymentRequest{
		Amount: amount, ClaimAddress: claimAddress,
	})
}

func (a *apiClient) refund(ctx context.Context, swapId string) (*types.RefundResponse, error) {
	return send[types.RefundResponse](ctx, a, http.MethodPost, "/v1/swaps/"+swapId+"/refund", nil)
}

func (a *apiClient) getSwap(ctx context.Context, swapId string) (*types.Swap, error) {
	return send[types.Swap](ctx, a, http.MethodGet, "/v1/swaps/"+swapId, nil)
}

func (a *apiClient) listSwaps(
	ctx context.Context, pendingOnly bool, state, kind string,
) (*types.ListSwapsResponse, error) {
	query := url.Values{}
	query.Set("pending", fmt.Sprintf("%t", pendingOnly))
	if state != "" {
		query.Set("state", state)
	}
	if kind != "" {
		query.Set("kind", kind)
	}
	return send[types.ListSwapsResponse](ctx, a, http.MethodGet, "/v1/swaps?"+query.Encode(), nil)
}

// follow calls onEvent for every server-sent event of the swap until the
// stream ends.
func (a *apiClient) follow(ctx context.Context, swapId string, onEvent func(name string, data []byte)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url+"/v1/swaps/"+swapId+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	// nolint:all
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	var name string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			onEvent(name, []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))))
		}
	}
	return scanner.Err()
}

func send[T any](ctx context.Context, a *apiClient, method, path string, body any) (*T, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.url+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	// nolint:all
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, readError(resp)
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

func readError(resp *http.Response) error {
	var apiErr types.Error
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
		return fmt.Errorf("swapd returned %s", resp.Status)
	}
	return fmt.Errorf("%s", apiErr.Error)
}
