package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lifelink/alertcore/internal/bridge"
	"github.com/lifelink/alertcore/internal/domain"
)

// fakeAgent is a minimal background agent on a unix socket: it records
// inbound envelopes and answers PROCESS_BACKGROUND_NOTIFICATION per its
// script.
type fakeAgent struct {
	t        *testing.T
	listener net.Listener

	mu       sync.Mutex
	received []bridge.Envelope

	// ackSuccess decides how deliveries are acknowledged; silent suppresses
	// the acknowledgement entirely.
	ackSuccess bool
	silent     bool

	conns []net.Conn
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	a := &fakeAgent{t: t, listener: l, ackSuccess: true}
	go a.accept()
	t.Cleanup(func() {
		l.Close()
		a.mu.Lock()
		for _, c := range a.conns {
			c.Close()
		}
		a.mu.Unlock()
	})
	return a
}

func (a *fakeAgent) path() string { return a.listener.Addr().String() }

func (a *fakeAgent) accept() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		a.mu.Lock()
		a.conns = append(a.conns, conn)
		a.mu.Unlock()
		go a.serve(conn)
	}
}

func (a *fakeAgent) serve(conn net.Conn) {
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var env bridge.Envelope
		if err := dec.Decode(&env); err != nil {
			return
		}
		a.mu.Lock()
		a.received = append(a.received, env)
		silent, ok := a.silent, a.ackSuccess
		a.mu.Unlock()

		if env.Type != bridge.TypeProcessNotification || silent {
			continue
		}
		var req bridge.ProcessRequest
		_ = json.Unmarshal(env.Payload, &req)
		ack := bridge.AckResponse{ID: req.ID, Success: ok}
		if !ok {
			ack.Error = "presentation failed"
		}
		payload, _ := json.Marshal(ack)
		_ = enc.Encode(bridge.Envelope{Type: bridge.TypeNotificationResponse, Payload: payload})
	}
}

func (a *fakeAgent) push(env bridge.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		a.t.Fatal("no connection to push on")
	}
	enc := json.NewEncoder(a.conns[len(a.conns)-1])
	if err := enc.Encode(env); err != nil {
		a.t.Fatal(err)
	}
}

func (a *fakeAgent) envelopes() []bridge.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bridge.Envelope(nil), a.received...)
}

func sample() domain.ComposedNotification {
	return domain.ComposedNotification{Title: "t", Body: "b", Urgency: domain.TierUrgent}
}

func TestSocketBridge_DeliverAck(t *testing.T) {
	agent := newFakeAgent(t)
	b, err := bridge.Dial(agent.path(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Deliver(ctx, "n-1", sample(), 2); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	envs := agent.envelopes()
	if len(envs) != 1 || envs[0].Type != bridge.TypeProcessNotification {
		t.Fatalf("agent saw %v", envs)
	}
	var req bridge.ProcessRequest
	_ = json.Unmarshal(envs[0].Payload, &req)
	if req.ID != "n-1" || req.Priority != 2 || req.Notification.Title != "t" {
		t.Fatalf("wire request wrong: %+v", req)
	}
}

func TestSocketBridge_DeliverRejected(t *testing.T) {
	agent := newFakeAgent(t)
	agent.mu.Lock()
	agent.ackSuccess = false
	agent.mu.Unlock()

	b, err := bridge.Dial(agent.path(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = b.Deliver(ctx, "n-1", sample(), 2)
	if !errors.Is(err, domain.ErrAgentRejected) {
		t.Fatalf("err = %v, want ErrAgentRejected", err)
	}
}

// A silent agent must resolve as ErrAckTimeout when the bounded wait
// expires, never hang.
func TestSocketBridge_DeliverAckTimeout(t *testing.T) {
	agent := newFakeAgent(t)
	agent.mu.Lock()
	agent.silent = true
	agent.mu.Unlock()

	b, err := bridge.Dial(agent.path(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = b.Deliver(ctx, "n-1", sample(), 1)
	if !errors.Is(err, domain.ErrAckTimeout) {
		t.Fatalf("err = %v, want ErrAckTimeout", err)
	}
}

func TestSocketBridge_ActionResponsesSurface(t *testing.T) {
	agent := newFakeAgent(t)
	b, err := bridge.Dial(agent.path(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	// the agent needs a live conn registered before it can push
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = b.SetBadge(ctx, 1)
	time.Sleep(20 * time.Millisecond)

	payload, _ := json.Marshal(bridge.ActionResponse{
		NotificationID: "n-1", RequestID: "req-1", Action: "accept",
	})
	agent.push(bridge.Envelope{Type: bridge.TypeActionResponse, Payload: payload})

	select {
	case ar := <-b.ActionResponses():
		if ar.NotificationID != "n-1" || ar.Action != "accept" {
			t.Fatalf("action response wrong: %+v", ar)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("action response never surfaced")
	}
}

func TestSocketBridge_BadgeAndFailureMessages(t *testing.T) {
	agent := newFakeAgent(t)
	b, err := bridge.Dial(agent.path(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	if err := b.SetBadge(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if err := b.ClearBadge(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.NotifyFailure(ctx, "n-1", "gave up", 3); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(agent.envelopes()) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	envs := agent.envelopes()
	if len(envs) != 3 {
		t.Fatalf("agent saw %d envelopes, want 3", len(envs))
	}
	want := []string{bridge.TypeUpdateBadgeCount, bridge.TypeClearBadge, bridge.TypeProcessingFailed}
	for i, w := range want {
		if envs[i].Type != w {
			t.Fatalf("envelope %d type = %s, want %s", i, envs[i].Type, w)
		}
	}
}

// An agent that accepts connections and drops them immediately exercises
// the reconnect path under the worst timing: the reader can tear a fresh
// connection down before the pending send proceeds. Every send must return
// an error or succeed; once the socket is gone entirely, sends must settle
// on ErrNotConnected.
func TestSocketBridge_SendSurvivesAgentFlap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	b, err := bridge.Dial(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		// Outcomes vary with timing and are not asserted; each call just
		// has to come back.
		_ = b.SetBadge(ctx, i)
	}

	l.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := b.SetBadge(ctx, 0)
		if errors.Is(err, domain.ErrNotConnected) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("send after socket removal = %v, want ErrNotConnected", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
