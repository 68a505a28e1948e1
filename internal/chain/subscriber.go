package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ElMartidel96/mbxarts-platform-sub008/pkg/logger"
)

// BatchHandler receives each delivered batch of logs. The subscriber invokes
// it from a single goroutine, so batches arrive in delivery order.
type BatchHandler func(batch []*Log)

// logFilter is one registered watch: one event signature on one contract.
type logFilter struct {
	Address string
	Topic   string
}

// Subscriber maintains a persistent websocket connection to the node and one
// log subscription per registered (contract, signature) pair. A dropped
// connection is redialed with capped backoff and every filter re-armed; logs
// missed during the gap are not backfilled here.
type Subscriber struct {
	mu      sync.Mutex
	wsURL   string
	log     *logger.Entry
	filters []logFilter
	running bool
	done    chan struct{}

	// ReconnectWait is the initial redial delay; it doubles up to maxWait.
	ReconnectWait time.Duration
}

const maxReconnectWait = time.Minute

// NewSubscriber creates a subscriber for the node's websocket endpoint.
func NewSubscriber(wsURL string, log *logger.Logger) *Subscriber {
	return &Subscriber{
		wsURL:         wsURL,
		log:           log.WithComponent("chain.subscriber"),
		done:          make(chan struct{}),
		ReconnectWait: time.Second,
	}
}

// Register adds one (contract, topic0) watch. Must be called before Start.
func (s *Subscriber) Register(address, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, logFilter{Address: address, Topic: topic})
}

// Start connects and runs the subscription loop until ctx is cancelled or
// Stop is called.
func (s *Subscriber) Start(ctx context.Context, handler BatchHandler) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("subscriber already running")
	}
	if len(s.filters) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no filters registered")
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx, handler)
	return nil
}

// Stop tears the connection down.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.done)
}

func (s *Subscriber) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscriber) run(ctx context.Context, handler BatchHandler) {
	wait := s.ReconnectWait
	for {
		if s.stopped(ctx) {
			return
		}

		conn, err := s.connect(ctx)
		if err != nil {
			s.log.WithError(err).Warnf("connect failed, retrying in %s", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
			if wait *= 2; wait > maxReconnectWait {
				wait = maxReconnectWait
			}
			continue
		}

		wait = s.ReconnectWait
		s.readLoop(ctx, conn, handler)
		conn.Close()

		if s.stopped(ctx) {
			return
		}
		s.log.Warn("subscription dropped, reconnecting")
	}
}

// connect dials the node and re-arms every registered filter.
func (s *Subscriber) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	filters := make([]logFilter, len(s.filters))
	copy(filters, s.filters)
	s.mu.Unlock()

	for i, f := range filters {
		req := RPCRequest{
			JSONRPC: "2.0",
			Method:  "eth_subscribe",
			Params: []any{"logs", map[string]any{
				"address": f.Address,
				"topics":  []any{f.Topic},
			}},
			ID: i + 1,
		}
		if err := conn.WriteJSON(req); err != nil {
			conn.Close()
			return nil, fmt.Errorf("arm filter %s/%s: %w", f.Address, f.Topic, err)
		}
	}
	s.log.Infof("armed %d log subscriptions", len(filters))
	return conn, nil
}

// wsMessage covers both subscription confirmations (carry an id) and
// eth_subscription notifications (carry a method and params).
type wsMessage struct {
	ID     int             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn, handler BatchHandler) {
	for {
		if s.stopped(ctx) {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !s.stopped(ctx) {
				s.log.WithError(err).Warn("read failed")
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.WithError(err).Warn("malformed node message dropped")
			continue
		}

		switch {
		case msg.Error != nil:
			s.log.WithError(msg.Error).Warnf("subscription request %d rejected", msg.ID)
		case msg.Method == "eth_subscription" && msg.Params != nil:
			batch, err := decodeBatch(msg.Params.Result)
			if err != nil {
				s.log.WithError(err).Warn("malformed log notification dropped")
				continue
			}
			if len(batch) > 0 {
				handler(batch)
			}
		}
	}
}

// decodeBatch accepts either a single log object or an array of logs per
// notification; either way the handler sees a batch.
func decodeBatch(raw json.RawMessage) ([]*Log, error) {
	trimmed := []byte(raw)
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\n' || trimmed[0] == '\t') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var batch []*Log
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	var lg Log
	if err := json.Unmarshal(raw, &lg); err != nil {
		return nil, err
	}
	return []*Log{&lg}, nil
}
