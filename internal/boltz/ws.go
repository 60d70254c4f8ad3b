package boltz

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tidewallet-labs/tidewallet/internal/swap"
	"github.com/tidewallet-labs/tidewallet/pkg/logging"
)

const (
	// reconnectDelay paces redial attempts after a dropped connection.
	reconnectDelay = 5 * time.Second

	// pingInterval keeps the connection alive through idle periods.
	pingInterval = 30 * time.Second

	writeTimeout = 10 * time.Second
)

// wsRequest is an outgoing subscription command.
type wsRequest struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Args    []string `json:"args"`
}

// wsMessage is an incoming frame.
type wsMessage struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Args    []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		Transaction *struct {
			ID  string `json:"id"`
			Hex string `json:"hex"`
		} `json:"transaction"`
		ZeroConfRejected bool   `json:"zeroConfRejected"`
		FailureReason    string `json:"failureReason"`
	} `json:"args"`
}

// Subscription is a live status feed for a set of swaps. It redials
// and resubscribes on connection loss; the updates channel closes only
// when the context is cancelled.
type Subscription struct {
	url string
	log *logging.Logger

	updates chan swap.StatusEvent

	mu      sync.Mutex
	swapIDs map[string]bool
	conn    *websocket.Conn
}

// Subscribe opens the status feed and subscribes to the given swaps.
func Subscribe(ctx context.Context, wsURL string, swapIDs ...string) *Subscription {
	s := &Subscription{
		url:     wsURL,
		log:     logging.GetDefault().Component("boltz-ws"),
		updates: make(chan swap.StatusEvent, 64),
		swapIDs: make(map[string]bool),
	}
	for _, id := range swapIDs {
		s.swapIDs[id] = true
	}
	go s.run(ctx)
	return s
}

// Updates returns the status event stream.
func (s *Subscription) Updates() <-chan swap.StatusEvent {
	return s.updates
}

// Add subscribes to another swap on the live connection.
func (s *Subscription) Add(swapID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapIDs[swapID] = true
	if s.conn == nil {
		// Picked up by the resubscribe on the next (re)connect.
		return nil
	}
	return s.writeSubscribe(s.conn, []string{swapID})
}

// run owns the connection lifecycle.
func (s *Subscription) run(ctx context.Context) {
	defer close(s.updates)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.log.Warn("dial failed, retrying", "err", err)
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		s.readLoop(ctx, conn)
		conn.Close()

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		s.log.Info("connection lost, reconnecting")
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func (s *Subscription) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	ids := make([]string, 0, len(s.swapIDs))
	for id := range s.swapIDs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		if err := s.writeSubscribe(conn, ids); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (s *Subscription) writeSubscribe(conn *websocket.Conn, ids []string) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(wsRequest{
		Op:      "subscribe",
		Channel: "swap.update",
		Args:    ids,
	})
}

// readLoop pumps frames until the connection breaks or the context is
// cancelled.
func (s *Subscription) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		// Ping until the reader exits, closing the connection when the
		// context is cancelled so the blocked read returns.
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("undecodable frame", "err", err)
			continue
		}
		if msg.Event != "update" || msg.Channel != "swap.update" {
			continue
		}

		for _, arg := range msg.Args {
			event := swap.StatusEvent{
				SwapID:           arg.ID,
				Status:           swap.Status(arg.Status),
				ZeroConfRejected: arg.ZeroConfRejected,
				FailureReason:    arg.FailureReason,
			}
			if arg.Transaction != nil {
				event.TransactionID = arg.Transaction.ID
				event.TransactionHex = arg.Transaction.Hex
			}
			select {
			case s.updates <- event:
			case <-ctx.Done():
				return
			default:
				s.log.Warn("dropping status event, consumer too slow", "swap_id", arg.ID)
			}
		}
	}
}

// sleepCtx waits for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
