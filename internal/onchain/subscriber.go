package onchain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// AccountUpdate is one push notification. Data is nil when the account was closed.
// Subscribed marks the notice sent once a subscription is confirmed; it carries no
// data, and pushes that arrived before it may have been missed.
type AccountUpdate struct {
	Address    Address
	Data       []byte
	Slot       uint64
	Subscribed bool
}

// Subscriber delivers push updates for a single account. Subscribe blocks until the
// context ends or the connection fails; callers own reconnection. The first value
// sent on out is always the Subscribed notice.
type Subscriber interface {
	Subscribe(ctx context.Context, addr Address, out chan<- AccountUpdate) error
}

// WSSubscriber subscribes over the node's websocket endpoint, one connection per account.
type WSSubscriber struct {
	wsURL        string
	commitment   string
	readTimeout  time.Duration
	pingInterval time.Duration
	dialer       *websocket.Dialer
	logger       *zap.SugaredLogger
}

func NewWSSubscriber(wsURL string, logger *zap.SugaredLogger) *WSSubscriber {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WSSubscriber{
		wsURL:        wsURL,
		commitment:   "confirmed",
		readTimeout:  90 * time.Second,
		pingInterval: 30 * time.Second,
		dialer:       websocket.DefaultDialer,
		logger:       logger,
	}
}

// WithKeepalive sets how often the connection is pinged and how long it may stay
// silent, pongs included, before it is dropped.
func (s *WSSubscriber) WithKeepalive(pingInterval, readTimeout time.Duration) *WSSubscriber {
	s.pingInterval = pingInterval
	s.readTimeout = readTimeout
	return s
}

type subscribeResponse struct {
	ID     uint64    `json:"id"`
	Result *uint64   `json:"result"`
	Error  *RPCError `json:"error"`
}

type accountNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription uint64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value *accountValue `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

func (s *WSSubscriber) Subscribe(ctx context.Context, addr Address, out chan<- AccountUpdate) error {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, http.Header{})
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.wsURL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	// keep quiet accounts alive and unblock ReadMessage when the context ends
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.pingInterval)); err != nil {
					s.logger.Debugw("Websocket ping failed", "address", addr.String(), "error", err)
				}
			case <-done:
				return
			}
		}
	}()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "accountSubscribe",
		Params: []any{
			addr.String(),
			map[string]any{"encoding": "base64", "commitment": s.commitment},
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send accountSubscribe: %w", err)
	}

	var subID uint64
	subscribed := false
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}

		if !subscribed {
			var resp subscribeResponse
			if err := json.Unmarshal(message, &resp); err != nil {
				return fmt.Errorf("decode subscribe response: %w", err)
			}
			if resp.Error != nil {
				return resp.Error
			}
			if resp.Result == nil {
				return fmt.Errorf("subscribe response without subscription id")
			}
			subID = *resp.Result
			subscribed = true
			s.logger.Debugw("Account subscription active", "address", addr.String(), "subscription", subID)
			select {
			case out <- AccountUpdate{Address: addr, Subscribed: true}:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		var note accountNotification
		if err := json.Unmarshal(message, &note); err != nil {
			s.logger.Warnw("Failed to parse account notification", "address", addr.String(), "error", err)
			continue
		}
		if note.Method != "accountNotification" || note.Params.Subscription != subID {
			continue
		}

		update := AccountUpdate{Address: addr, Slot: note.Params.Result.Context.Slot}
		if v := note.Params.Result.Value; v != nil {
			data, err := v.Data.bytes()
			if err != nil {
				s.logger.Warnw("Failed to decode account notification data", "address", addr.String(), "error", err)
				continue
			}
			update.Data = data
		}
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		select {
		case out <- update:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
