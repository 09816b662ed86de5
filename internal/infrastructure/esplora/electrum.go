package esplora

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ElectrumClient speaks newline delimited JSON-RPC to an Electrum server over
// one lazily dialed connection. Calls are serialized.
type ElectrumClient struct {
	address string
	useTLS  bool
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	reqID  uint64
}

type ElectrumRequest struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type ElectrumResponse struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result"`
	Error  *ElectrumError  `json:"error,omitempty"`
}

type ElectrumError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ElectrumError) Error() string {
	return fmt.Sprintf("electrum error %d: %s", e.Code, e.Message)
}

// NewElectrumClient accepts host:port, optionally prefixed with tcp:// or
// ssl://. Without a prefix, the well known TLS ports select TLS.
func NewElectrumClient(address string, timeout time.Duration) *ElectrumClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	useTLS := strings.HasSuffix(address, ":700") || strings.HasSuffix(address, ":50002")
	switch {
	case strings.HasPrefix(address, "ssl://"):
		address, useTLS = strings.TrimPrefix(address, "ssl://"), true
	case strings.HasPrefix(address, "tcp://"):
		address, useTLS = strings.TrimPrefix(address, "tcp://"), false
	}

	return &ElectrumClient{
		address: address,
		useTLS:  useTLS,
		timeout: timeout,
	}
}

// connect must be called with mu held.
func (c *ElectrumClient) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialer := &net.Dialer{Timeout: c.timeout}

	var (
		conn net.Conn
		err  error
	)
	if c.useTLS {
		host, _, _ := net.SplitHostPort(c.address)
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", c.address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.address)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.address, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// disconnect must be called with mu held.
func (c *ElectrumClient) disconnect() {
	if c.conn != nil {
		// nolint:all
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// call returns the result of method. Transport failures drop the connection
// so the next call dials again.
func (c *ElectrumClient) call(
	ctx context.Context, method string, params ...interface{},
) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.reqID++
	reqID := c.reqID
	if params == nil {
		params = []interface{}{}
	}

	request, err := json.Marshal(ElectrumRequest{ID: reqID, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	request = append(request, '\n')

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.disconnect()
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if _, err := c.conn.Write(request); err != nil {
		c.disconnect()
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			c.disconnect()
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		var response ElectrumResponse
		if err := json.Unmarshal(line, &response); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		// Subscriptions push notifications on the same connection.
		if response.Method != "" {
			log.Debugf("skipping electrum notification %s", response.Method)
			continue
		}
		if response.ID != reqID {
			log.Debugf("skipping stale electrum response %d", response.ID)
			continue
		}
		if response.Error != nil {
			return nil, response.Error
		}
		return response.Result, nil
	}
}

func (c *ElectrumClient) GetBlockchainHeight(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "blockchain.headers.subscribe")
	if err != nil {
		return 0, fmt.Errorf("blockchain.headers.subscribe failed: %w", err)
	}

	var header struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(result, &header); err != nil {
		return 0, fmt.Errorf("failed to parse header: %w", err)
	}
	return header.Height, nil
}

func (c *ElectrumClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect()
}
