package swap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ArkLabsHQ/swapd/pkg/boltz"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const defaultAckTimeout = 5 * time.Second

// Notifier shares one websocket among all running swaps and fans updates out
// by swap id. The connection is re-established and every live subscription
// renewed when it drops.
type Notifier struct {
	api        *boltz.Api
	ackTimeout time.Duration

	mu     sync.Mutex
	ws     *boltz.Websocket
	subs   map[string]map[*subscription]struct{}
	closed bool
}

func NewNotifier(api *boltz.Api) *Notifier {
	return &Notifier{
		api:        api,
		ackTimeout: defaultAckTimeout,
		subs:       make(map[string]map[*subscription]struct{}),
	}
}

type subscription struct {
	out    chan boltz.SwapUpdate
	mu     sync.Mutex
	queue  []boltz.SwapUpdate
	signal chan struct{}
}

func (s *subscription) push(update boltz.SwapUpdate) {
	s.mu.Lock()
	s.queue = append(s.queue, update)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// forward keeps the consumer's channel fed without ever blocking the reader.
func (s *subscription) forward(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, update := range pending {
			select {
			case s.out <- update:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			return
		}
	}
}

func (n *Notifier) Subscribe(ctx context.Context, swapId string) (<-chan boltz.SwapUpdate, error) {
	sub := &subscription{
		out:    make(chan boltz.SwapUpdate),
		signal: make(chan struct{}, 1),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, fmt.Errorf("notifier closed")
	}
	if n.subs[swapId] == nil {
		n.subs[swapId] = make(map[*subscription]struct{})
	}
	n.subs[swapId][sub] = struct{}{}
	ws := n.ws
	n.mu.Unlock()

	if ws == nil {
		if err := n.connect(ctx); err != nil {
			n.remove(swapId, sub)
			return nil, fmt.Errorf(
				"%w: failed to subscribe to %s: %w", ErrTransientNetwork, swapId, err,
			)
		}
	} else if err := ws.Subscribe([]string{swapId}); err != nil {
		// The reconnect that follows a dropped connection subscribes every id.
		log.WithError(err).Warnf("failed to subscribe to %s, waiting for reconnect", swapId)
	}

	go sub.forward(ctx)
	go func() {
		<-ctx.Done()
		n.remove(swapId, sub)
	}()

	return sub.out, nil
}

func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	ws := n.ws
	n.ws = nil
	n.mu.Unlock()

	if ws != nil {
		// nolint:all
		ws.Close()
	}
}

func (n *Notifier) ids() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]string, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	return ids
}

func (n *Notifier) connect(ctx context.Context) error {
	ids := n.ids()
	if len(ids) == 0 {
		return nil
	}

	ws := n.api.NewWebsocket()
	if err := ws.ConnectAndSubscribe(ctx, ids, n.ackTimeout); err != nil {
		return err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		// nolint:all
		ws.Close()
		return fmt.Errorf("notifier closed")
	}
	if n.ws != nil {
		// Lost a race with a concurrent connect, keep the first one.
		current := n.ws
		n.mu.Unlock()
		// nolint:all
		ws.Close()
		return current.Subscribe(ids)
	}
	n.ws = ws
	n.mu.Unlock()

	go n.pump(ws)
	return nil
}

func (n *Notifier) pump(ws *boltz.Websocket) {
	for update := range ws.Updates {
		n.dispatch(update)
	}

	n.mu.Lock()
	if n.ws == ws {
		n.ws = nil
	}
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}

	n.reconnect()
}

func (n *Notifier) reconnect() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	// nolint:all
	backoff.RetryNotify(func() error {
		n.mu.Lock()
		done := n.closed || len(n.subs) == 0 || n.ws != nil
		n.mu.Unlock()
		if done {
			return nil
		}
		return n.connect(context.Background())
	}, bo, func(err error, next time.Duration) {
		log.WithError(err).Warnf("websocket reconnect failed, retrying in %s", next)
	})
}

func (n *Notifier) dispatch(update boltz.SwapUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.subs[update.Id]
	if !ok {
		log.Debugf("dropping update for unknown swap %s", update.Id)
		return
	}
	for sub := range subs {
		sub.push(update)
	}
}

func (n *Notifier) remove(swapId string, sub *subscription) {
	n.mu.Lock()
	subs := n.subs[swapId]
	delete(subs, sub)
	empty := len(subs) == 0
	if empty {
		delete(n.subs, swapId)
	}
	ws := n.ws
	n.mu.Unlock()

	if empty && ws != nil {
		// nolint:all
		ws.Unsubscribe([]string{swapId})
	}
}
