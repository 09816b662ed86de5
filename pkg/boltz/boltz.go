package boltz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Api struct {
	URL    string
	WSURL  string
	Client http.Client
}

func (boltz *Api) GetSubmarinePairs(ctx context.Context) (Pairs, error) {
	resp, err := sendGetRequest[Pairs](ctx, boltz, "/swap/submarine")
	if err != nil {
		return nil, err
	}
	return *resp, nil
}

func (boltz *Api) GetReversePairs(ctx context.Context) (Pairs, error) {
	resp, err := sendGetRequest[Pairs](ctx, boltz, "/swap/reverse")
	if err != nil {
		return nil, err
	}
	return *resp, nil
}

func (boltz *Api) CreateSubmarineSwap(
	ctx context.Context, request CreateSubmarineRequest,
) (*CreateSubmarineResponse, error) {
	resp, err := sendPostRequest[CreateSubmarineResponse](ctx, boltz, "/swap/submarine", request)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}

	return resp, nil
}

func (boltz *Api) CreateReverseSwap(
	ctx context.Context, request CreateReverseRequest,
) (*CreateReverseResponse, error) {
	pairs, err := boltz.GetReversePairs(ctx)
	if err != nil {
		return nil, err
	}

	if pair, ok := pairs[request.From][request.To]; ok {
		limits := pair.Limits
		if limits.Minimal > request.InvoiceAmount || limits.Maximal < request.InvoiceAmount {
			return nil, fmt.Errorf(
				"out of limits: invoice amount %d must be between %d and %d",
				request.InvoiceAmount, limits.Minimal, limits.Maximal,
			)
		}
	}

	resp, err := sendPostRequest[CreateReverseResponse](ctx, boltz, "/swap/reverse", request)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}

	return resp, nil
}

func (boltz *Api) GetSubmarineClaimDetails(
	ctx context.Context, swapId string,
) (*SubmarineClaimDetails, error) {
	endpoint := fmt.Sprintf("/swap/submarine/%s/claim", swapId)
	resp, err := sendGetRequest[SubmarineClaimDetails](ctx, boltz, endpoint)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}

	return resp, nil
}

func (boltz *Api) PostSubmarineClaimSignature(
	ctx context.Context, swapId string, sig PartialSignature,
) error {
	endpoint := fmt.Sprintf("/swap/submarine/%s/claim", swapId)
	resp, err := sendPostRequest[PartialSignature](ctx, boltz, endpoint, sig)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

func (boltz *Api) RefundSubmarine(
	ctx context.Context, swapId string, request SubmarineRefundRequest,
) (*PartialSignature, error) {
	endpoint := fmt.Sprintf("/swap/submarine/%s/refund", swapId)
	resp, err := sendPostRequest[PartialSignature](ctx, boltz, endpoint, request)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}

	return resp, nil
}

func (boltz *Api) ClaimReverse(
	ctx context.Context, swapId string, request ReverseClaimRequest,
) (*PartialSignature, error) {
	endpoint := fmt.Sprintf("/swap/reverse/%s/claim", swapId)
	resp, err := sendPostRequest[PartialSignature](ctx, boltz, endpoint, request)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}

	return resp, nil
}

// GetReverseBip21 returns the onchain fallback the receiver of invoice embedded
// via its magic routing hint.
func (boltz *Api) GetReverseBip21(ctx context.Context, invoice string) (*Bip21Response, error) {
	endpoint := fmt.Sprintf("/swap/reverse/%s/bip21", url.PathEscape(invoice))
	resp, err := sendGetRequest[Bip21Response](ctx, boltz, endpoint)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}

	return resp, nil
}

// BroadcastTransaction relays a raw transaction through the service. For reverse
// claims the service accepts fees below the mempool minimum.
func (boltz *Api) BroadcastTransaction(
	ctx context.Context, currency Currency, txHex string,
) (string, error) {
	endpoint := fmt.Sprintf("/chain/%s/transaction", currency)
	resp, err := sendPostRequest[BroadcastResponse](ctx, boltz, endpoint, BroadcastRequest{Hex: txHex})
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%s", resp.Error)
	}

	return resp.Id, nil
}

func (boltz *Api) GetSwapStatus(ctx context.Context, swapId string) (*SwapStatusResponse, error) {
	endpoint := fmt.Sprintf("/swap/%s", swapId)
	resp, err := sendGetRequest[SwapStatusResponse](ctx, boltz, endpoint)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}

	return resp, nil
}

const defaultHTTPTimeout = 15 * time.Second

func sendGetRequest[T any](ctx context.Context, boltz *Api, endpoint string) (*T, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	url := boltz.URL + "/v2" + endpoint
	return callApi[T](ctx, &boltz.Client, http.MethodGet, url, nil)
}

func sendPostRequest[T any](ctx context.Context, boltz *Api, endpoint string, requestBody any) (*T, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	url := boltz.URL + "/v2" + endpoint
	return callApi[T](ctx, &boltz.Client, http.MethodPost, url, requestBody)
}

func callApi[T any](ctx context.Context, c *http.Client, method, url string, reqBody any) (*T, error) {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("new %s %s: %w", method, url, err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	// nolint:all
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		var errBody struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		if len(msg) > 2000 {
			msg = msg[:2000] + "...(truncated)"
		}
		return nil, &HTTPError{
			Method:     method,
			URL:        url,
			StatusCode: res.StatusCode,
			Body:       msg,
		}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		var zero T
		return &zero, nil
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		snip := strings.TrimSpace(string(raw))
		if len(snip) > 300 {
			snip = snip[:300] + "...(truncated)"
		}
		return nil, fmt.Errorf("unmarshal JSON: %w (body: %q)", err, snip)
	}

	return &out, nil
}

type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsTransient reports whether err is worth retrying: connection failures,
// timeouts, rate limiting and server-side errors. A 4xx means the service
// rejected the request itself.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
