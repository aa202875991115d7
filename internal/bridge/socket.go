package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/lifelink/alertcore/internal/domain"
)

// SocketBridge speaks newline-delimited JSON envelopes over a unix domain
// socket owned by the background agent.
//
// Writes are serialized by a mutex; a single reader goroutine decodes
// inbound envelopes and resolves pending acknowledgements by ID. If the
// connection drops, the next send redials once; persistent agent outages
// surface as delivery failures and go through the normal retry path.
type SocketBridge struct {
	path   string
	logger *zap.Logger

	connMu sync.Mutex
	conn   net.Conn
	enc    *json.Encoder

	pendingMu sync.Mutex
	pending   map[string]chan AckResponse

	actions chan ActionResponse

	closeMu sync.Mutex
	closed  bool
}

// Dial connects to the agent socket and starts the reader.
func Dial(path string, logger *zap.Logger) (*SocketBridge, error) {
	b := &SocketBridge{
		path:    path,
		logger:  logger,
		pending: make(map[string]chan AckResponse),
		actions: make(chan ActionResponse, 64),
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SocketBridge) connect() error {
	conn, err := net.Dial("unix", b.path)
	if err != nil {
		return fmt.Errorf("dial agent socket: %w", err)
	}

	b.connMu.Lock()
	if b.conn != nil {
		// Another sender reconnected while we were dialing; keep its
		// connection and discard ours.
		b.connMu.Unlock()
		conn.Close()
		return nil
	}
	b.conn = conn
	b.enc = json.NewEncoder(conn)
	b.connMu.Unlock()

	go b.readLoop(conn)
	return nil
}

func (b *SocketBridge) readLoop(conn net.Conn) {
	dec := json.NewDecoder(conn)
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			b.connMu.Lock()
			if b.conn == conn {
				b.conn = nil
				b.enc = nil
			}
			b.connMu.Unlock()

			b.closeMu.Lock()
			closed := b.closed
			b.closeMu.Unlock()
			if !closed {
				b.logger.Warn("agent connection lost", zap.Error(err))
				b.failAllPending()
			}
			return
		}
		b.dispatch(env)
	}
}

func (b *SocketBridge) dispatch(env Envelope) {
	switch env.Type {
	case TypeNotificationResponse:
		var resp AckResponse
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			b.logger.Warn("malformed agent response", zap.Error(err))
			return
		}
		b.resolve(resp)

	case TypeDeliveryFailed:
		// The agent reports a failure it detected on its side; resolve the
		// pending wait negatively so the retry path takes over.
		var resp AckResponse
		if err := json.Unmarshal(env.Payload, &resp); err == nil && resp.ID != "" {
			resp.Success = false
			b.resolve(resp)
		}

	case TypeActionResponse:
		var ar ActionResponse
		if err := json.Unmarshal(env.Payload, &ar); err != nil {
			b.logger.Warn("malformed action response", zap.Error(err))
			return
		}
		select {
		case b.actions <- ar:
		default:
			b.logger.Warn("action response dropped: consumer too slow",
				zap.String("notification_id", ar.NotificationID))
		}

	case TypeSyncComplete:
		b.logger.Debug("background sync complete signal received")

	default:
		b.logger.Debug("ignoring unknown agent message", zap.String("type", env.Type))
	}
}

func (b *SocketBridge) resolve(resp AckResponse) {
	b.pendingMu.Lock()
	ch, ok := b.pending[resp.ID]
	if ok {
		delete(b.pending, resp.ID)
	}
	b.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (b *SocketBridge) failAllPending() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, ch := range b.pending {
		ch <- AckResponse{ID: id, Success: false, Error: domain.ErrNotConnected.Error()}
		delete(b.pending, id)
	}
}

func (b *SocketBridge) send(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env := Envelope{Type: msgType, Payload: raw}

	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.enc == nil {
		b.connMu.Unlock()
		err := b.connect()
		b.connMu.Lock()
		if err != nil {
			return domain.ErrNotConnected
		}
		// The reader may already have torn the fresh connection down if the
		// agent accepted and dropped it immediately. Fail the send instead
		// of encoding on a nil encoder; the retry path absorbs it.
		if b.enc == nil {
			return domain.ErrNotConnected
		}
	}
	if err := b.enc.Encode(env); err != nil {
		b.conn = nil
		b.enc = nil
		return fmt.Errorf("send to agent: %w", err)
	}
	return nil
}

func (b *SocketBridge) Deliver(ctx context.Context, id string, n domain.ComposedNotification, priority int) error {
	ack := make(chan AckResponse, 1)
	b.pendingMu.Lock()
	b.pending[id] = ack
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	if err := b.send(TypeProcessNotification, ProcessRequest{
		ID: id, Notification: n, Priority: priority,
	}); err != nil {
		return err
	}

	select {
	case resp := <-ack:
		if !resp.Success {
			return fmt.Errorf("%w: %s", domain.ErrAgentRejected, resp.Error)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ErrAckTimeout
		}
		return ctx.Err()
	}
}

func (b *SocketBridge) NotifyFailure(_ context.Context, id string, reason string, attempts int) error {
	return b.send(TypeProcessingFailed, ProcessingFailed{ID: id, Error: reason, Attempts: attempts})
}

func (b *SocketBridge) SetBadge(_ context.Context, count int) error {
	return b.send(TypeUpdateBadgeCount, BadgeUpdate{Count: count})
}

func (b *SocketBridge) ClearBadge(_ context.Context) error {
	return b.send(TypeClearBadge, struct{}{})
}

func (b *SocketBridge) ActionResponses() <-chan ActionResponse {
	return b.actions
}

// Close tears down the connection. Pending deliveries resolve as failures.
func (b *SocketBridge) Close() error {
	b.closeMu.Lock()
	b.closed = true
	b.closeMu.Unlock()

	b.connMu.Lock()
	conn := b.conn
	b.conn = nil
	b.enc = nil
	b.connMu.Unlock()

	b.failAllPending()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// compile-time check that SocketBridge implements Bridge
var _ Bridge = (*SocketBridge)(nil)
