package boltz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
)

type SwapUpdateEvent int

const (
	SwapUpdateUnknown SwapUpdateEvent = iota
	SwapCreated
	SwapExpired
	InvoiceSet
	InvoicePending
	InvoicePaid
	InvoiceSettled
	InvoiceFailedToPay
	InvoiceExpired
	TransactionMempool
	TransactionConfirmed
	TransactionClaimPending
	TransactionClaimed
	TransactionFailed
	TransactionRefunded
	TransactionLockupFailed
	TransactionZeroConfRejected
)

var swapUpdateEvents = map[string]SwapUpdateEvent{
	"swap.created":                  SwapCreated,
	"swap.expired":                  SwapExpired,
	"invoice.set":                   InvoiceSet,
	"invoice.pending":               InvoicePending,
	"invoice.paid":                  InvoicePaid,
	"invoice.settled":               InvoiceSettled,
	"invoice.failedToPay":           InvoiceFailedToPay,
	"invoice.expired":               InvoiceExpired,
	"transaction.mempool":           TransactionMempool,
	"transaction.confirmed":         TransactionConfirmed,
	"transaction.claim.pending":     TransactionClaimPending,
	"transaction.claimed":           TransactionClaimed,
	"transaction.failed":            TransactionFailed,
	"transaction.refunded":          TransactionRefunded,
	"transaction.lockupFailed":      TransactionLockupFailed,
	"transaction.zeroconf.rejected": TransactionZeroConfRejected,
}

// ParseEvent maps a status string to its event. The vocabulary is owned by the
// service and grows over time, anything unrecognized is SwapUpdateUnknown.
func ParseEvent(status string) SwapUpdateEvent {
	if event, ok := swapUpdateEvents[status]; ok {
		return event
	}
	return SwapUpdateUnknown
}

func (e SwapUpdateEvent) String() string {
	for status, event := range swapUpdateEvents {
		if event == e {
			return status
		}
	}
	return "unknown"
}

type SwapUpdate struct {
	Id            string           `json:"id" mapstructure:"id"`
	Status        string           `json:"status" mapstructure:"status"`
	FailureReason string           `json:"failureReason,omitempty" mapstructure:"failureReason"`
	Transaction   *SwapTransaction `json:"transaction,omitempty" mapstructure:"transaction"`
	// Error is set when the service reports a problem for this swap id instead
	// of a status.
	Error string `json:"error,omitempty" mapstructure:"error"`
}

type wsRequest struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel,omitempty"`
	Args    []string `json:"args,omitempty"`
}

type wsResponse struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Args    json.RawMessage `json:"args"`
}

const (
	swapUpdateChannel = "swap.update"
	pingInterval      = 15 * time.Second
	writeTimeout      = 10 * time.Second
)

// Websocket streams swap.update notifications. Updates is closed when the
// connection drops; callers reconnect with a fresh Websocket.
type Websocket struct {
	Updates chan SwapUpdate

	url    string
	dialer *websocket.Dialer

	conn    *websocket.Conn
	writeMu sync.Mutex

	subscribed chan []string
	closeOnce  sync.Once
	closed     chan struct{}
}

func (boltz *Api) NewWebsocket() *Websocket {
	return &Websocket{
		Updates:    make(chan SwapUpdate, 16),
		url:        boltz.wsURL(),
		dialer:     websocket.DefaultDialer,
		subscribed: make(chan []string, 1),
		closed:     make(chan struct{}),
	}
}

func (boltz *Api) wsURL() string {
	if boltz.WSURL != "" {
		return strings.TrimRight(boltz.WSURL, "/") + "/v2/ws"
	}
	u := strings.TrimRight(boltz.URL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v2/ws"
}

// ConnectAndSubscribe dials the service and subscribes to swapIds, waiting up
// to ackTimeout for the subscription to be acknowledged.
func (ws *Websocket) ConnectAndSubscribe(
	ctx context.Context, swapIds []string, ackTimeout time.Duration,
) error {
	if err := ws.Connect(ctx); err != nil {
		return err
	}

	if err := ws.Subscribe(swapIds); err != nil {
		// nolint:all
		ws.Close()
		return err
	}

	select {
	case <-ws.subscribed:
		return nil
	case <-time.After(ackTimeout):
		// nolint:all
		ws.Close()
		return fmt.Errorf("no subscription ack for %v within %s", swapIds, ackTimeout)
	case <-ctx.Done():
		// nolint:all
		ws.Close()
		return ctx.Err()
	}
}

func (ws *Websocket) Connect(ctx context.Context) error {
	conn, _, err := ws.dialer.DialContext(ctx, ws.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", ws.url, err)
	}
	ws.conn = conn

	go ws.readLoop()
	go ws.pingLoop()

	return nil
}

func (ws *Websocket) Subscribe(swapIds []string) error {
	return ws.write(wsRequest{Op: "subscribe", Channel: swapUpdateChannel, Args: swapIds})
}

func (ws *Websocket) Unsubscribe(swapIds []string) error {
	return ws.write(wsRequest{Op: "unsubscribe", Channel: swapUpdateChannel, Args: swapIds})
}

func (ws *Websocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.closed)
		if ws.conn != nil {
			ws.writeMu.Lock()
			// nolint:all
			ws.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			ws.writeMu.Unlock()
			err = ws.conn.Close()
		}
	})
	return err
}

func (ws *Websocket) write(req wsRequest) error {
	if ws.conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	if err := ws.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ws.conn.WriteJSON(req)
}

func (ws *Websocket) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.closed:
			return
		case <-ticker.C:
			ws.writeMu.Lock()
			err := ws.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(writeTimeout),
			)
			ws.writeMu.Unlock()
			if err != nil {
				log.WithError(err).Debug("websocket ping failed")
				return
			}
		}
	}
}

func (ws *Websocket) readLoop() {
	defer close(ws.Updates)
	// nolint:all
	defer ws.Close()

	for {
		_, raw, err := ws.conn.ReadMessage()
		if err != nil {
			select {
			case <-ws.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.WithError(err).Warn("websocket connection lost")
				}
			}
			return
		}

		updates, err := ws.parseMessage(raw)
		if err != nil {
			log.WithError(err).Warnf("ignoring malformed websocket message: %s", raw)
			continue
		}

		for _, update := range updates {
			select {
			case ws.Updates <- update:
			case <-ws.closed:
				return
			}
		}
	}
}

func (ws *Websocket) parseMessage(raw []byte) ([]SwapUpdate, error) {
	var msg wsResponse
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}

	switch msg.Event {
	case "subscribe":
		var ids []string
		// nolint:all
		json.Unmarshal(msg.Args, &ids)
		select {
		case ws.subscribed <- ids:
		default:
		}
		return nil, nil
	case "pong", "unsubscribe":
		return nil, nil
	case "update", "error":
		if msg.Channel != "" && msg.Channel != swapUpdateChannel {
			return nil, nil
		}
		var args []map[string]any
		if err := json.Unmarshal(msg.Args, &args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		updates := make([]SwapUpdate, 0, len(args))
		for _, arg := range args {
			var update SwapUpdate
			if err := mapstructure.Decode(arg, &update); err != nil {
				return nil, fmt.Errorf("decode swap update: %w", err)
			}
			if update.Id == "" {
				return nil, errors.New("swap update without id")
			}
			updates = append(updates, update)
		}
		return updates, nil
	default:
		return nil, nil
	}
}
