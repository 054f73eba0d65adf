package deriv

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"deriv-trading-core/config"
)

// fakeConn is a scripted in-memory socket
type fakeConn struct {
	mu       sync.Mutex
	incoming chan []byte
	writes   chan []byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		writes:   make(chan []byte, 64),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.incoming
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	f.writes <- data
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.incoming)
	}
	return nil
}

func (f *fakeConn) push(v interface{}) {
	data, _ := json.Marshal(v)
	f.incoming <- data
}

// autoRespond services writes: authorize succeeds, other envelopes go
// through the supplied handler. A nil result drops the request.
func (f *fakeConn) autoRespond(t *testing.T, handler func(env map[string]interface{}) interface{}) {
	go func() {
		for data := range f.writes {
			var env map[string]interface{}
			if err := json.Unmarshal(data, &env); err != nil {
				t.Errorf("unparseable write: %v", err)
				continue
			}
			reqID := int64(0)
			if v, ok := env["req_id"].(float64); ok {
				reqID = int64(v)
			}
			if _, ok := env["authorize"]; ok {
				f.push(map[string]interface{}{
					"msg_type":  "authorize",
					"req_id":    reqID,
					"authorize": map[string]interface{}{"loginid": "CR1", "balance": 1000.0, "currency": "USD"},
				})
				continue
			}
			if resp := handler(env); resp != nil {
				f.push(resp)
			}
		}
	}()
}

func testConfig() config.DerivConfig {
	return config.DerivConfig{
		AppID:            "1089",
		RequestTimeoutMS: 200,
		HeartbeatSecs:    3600,
		ReconnectBaseMS:  10,
		ReconnectMaxMS:   50,
	}
}

func newTestSession(t *testing.T, handler func(env map[string]interface{}) interface{}) (*Session, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	fc.autoRespond(t, handler)

	s := NewSession("acct-1", "token-1", testConfig())
	s.dial = func(ctx context.Context) (wsConn, error) { return fc, nil }

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return s, fc
}

func TestSendCorrelatesByRequestID(t *testing.T) {
	s, _ := newTestSession(t, func(env map[string]interface{}) interface{} {
		reqID := int64(env["req_id"].(float64))
		if _, ok := env["proposal"]; ok {
			return map[string]interface{}{
				"msg_type": "proposal",
				"req_id":   reqID,
				"proposal": map[string]interface{}{"id": "p1", "ask_price": 1.0, "payout": 1.95, "spot": 100.0},
			}
		}
		return nil
	})
	defer s.Close()

	resp, err := s.Send(context.Background(), NewProposalRequest(1, "CALL", "USD", 5, "t", "R_100"), 0)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Proposal == nil || resp.Proposal.ID != "p1" {
		t.Fatalf("expected proposal p1, got %+v", resp)
	}
	if resp.Proposal.Payout != 1.95 {
		t.Errorf("payout = %v, want 1.95", resp.Proposal.Payout)
	}
}

func TestSendTimesOutWithoutReply(t *testing.T) {
	s, _ := newTestSession(t, func(env map[string]interface{}) interface{} {
		return nil // swallow everything after authorize
	})
	defer s.Close()

	_, err := s.Send(context.Background(), NewProposalRequest(1, "CALL", "USD", 5, "t", "R_100"), 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("timeout should be retryable")
	}

	s.pendingMu.Lock()
	leftover := len(s.pending)
	s.pendingMu.Unlock()
	if leftover != 0 {
		t.Errorf("pending table not cleaned up, %d entries left", leftover)
	}
}

func TestStreamingFanOut(t *testing.T) {
	s, fc := newTestSession(t, func(env map[string]interface{}) interface{} { return nil })
	defer s.Close()

	got := make(chan *Response, 4)
	id := s.RegisterStreamingListener(func(resp *Response) {
		got <- resp
	})
	defer s.UnregisterStreamingListener(id)

	fc.push(map[string]interface{}{
		"msg_type": "proposal_open_contract",
		"proposal_open_contract": map[string]interface{}{
			"contract_id": 42, "is_sold": 1, "profit": 0.95, "status": "won",
		},
	})

	select {
	case resp := <-got:
		if resp.ProposalOpenContract == nil {
			t.Fatalf("expected contract update, got %+v", resp)
		}
		if resp.ProposalOpenContract.ContractID != 42 {
			t.Errorf("contract_id = %d, want 42", resp.ProposalOpenContract.ContractID)
		}
		if !resp.ProposalOpenContract.IsSold.Bool() {
			t.Error("is_sold flag not decoded from numeric form")
		}
	case <-time.After(time.Second):
		t.Fatal("listener never received the update")
	}
}

func TestLateReplyGoesToListeners(t *testing.T) {
	s, fc := newTestSession(t, func(env map[string]interface{}) interface{} { return nil })
	defer s.Close()

	got := make(chan *Response, 1)
	s.RegisterStreamingListener(func(resp *Response) { got <- resp })

	_, err := s.Send(context.Background(), NewProposalRequest(1, "CALL", "USD", 5, "t", "R_100"), 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// Reply arriving after the waiter gave up must not be lost
	fc.push(map[string]interface{}{"msg_type": "proposal", "req_id": 2})

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("late reply was dropped instead of dispatched")
	}
}

func TestCloseCancelsWaiters(t *testing.T) {
	s, _ := newTestSession(t, func(env map[string]interface{}) interface{} { return nil })

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), NewProposalRequest(1, "CALL", "USD", 5, "t", "R_100"), 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("waiter returned nil after close")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not cancelled by Close")
	}

	if _, err := s.Send(context.Background(), &PingRequest{Ping: 1}, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestSubscribeContractTracksSubscription(t *testing.T) {
	s, _ := newTestSession(t, func(env map[string]interface{}) interface{} {
		reqID := int64(env["req_id"].(float64))
		if _, ok := env["proposal_open_contract"]; ok {
			return map[string]interface{}{
				"msg_type":     "proposal_open_contract",
				"req_id":       reqID,
				"subscription": map[string]interface{}{"id": "sub-1"},
				"proposal_open_contract": map[string]interface{}{
					"contract_id": 42, "is_sold": 0, "status": "open",
				},
			}
		}
		if _, ok := env["forget"]; ok {
			return map[string]interface{}{"msg_type": "forget", "req_id": reqID}
		}
		return nil
	})
	defer s.Close()

	resp, err := s.SubscribeContract(context.Background(), 42, 0)
	if err != nil {
		t.Fatalf("SubscribeContract failed: %v", err)
	}
	if resp.ProposalOpenContract.IsSold.Bool() {
		t.Error("fresh contract reported sold")
	}

	s.subMu.Lock()
	subID := s.subscriptions[42]
	s.subMu.Unlock()
	if subID != "sub-1" {
		t.Fatalf("subscription id = %q, want sub-1", subID)
	}

	if err := s.ForgetContract(context.Background(), 42); err != nil {
		t.Fatalf("ForgetContract failed: %v", err)
	}
	s.subMu.Lock()
	_, still := s.subscriptions[42]
	s.subMu.Unlock()
	if still {
		t.Error("subscription not removed after forget")
	}
}

func TestSessionManagerReusesSessions(t *testing.T) {
	mgr := NewSessionManager(testConfig())

	dials := 0
	mkSession := func(accountID string) *Session {
		fc := newFakeConn()
		fc.autoRespond(t, func(env map[string]interface{}) interface{} { return nil })
		s := NewSession(accountID, "tok", testConfig())
		s.dial = func(ctx context.Context) (wsConn, error) {
			dials++
			return fc, nil
		}
		return s
	}

	// Seed the manager the way GetOrCreate would, then verify reuse
	s1 := mkSession("acct-1")
	if err := s1.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	mgr.mu.Lock()
	mgr.sessions["acct-1"] = s1
	mgr.mu.Unlock()

	s2, err := mgr.GetOrCreate(context.Background(), "acct-1", "tok")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if s2 != s1 {
		t.Error("expected the existing session to be reused")
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}

	mgr.CloseAll()
	if _, ok := mgr.Get("acct-1"); ok {
		t.Error("session still registered after CloseAll")
	}
}

func TestRequestIDsAreMonotone(t *testing.T) {
	seen := make(chan int64, 16)
	s, _ := newTestSession(t, func(env map[string]interface{}) interface{} {
		reqID := int64(env["req_id"].(float64))
		seen <- reqID
		return map[string]interface{}{"msg_type": "ping", "req_id": reqID}
	})
	defer s.Close()

	for i := 0; i < 5; i++ {
		if _, err := s.Send(context.Background(), &PingRequest{Ping: 1}, 0); err != nil {
			t.Fatalf("ping %d failed: %v", i, err)
		}
	}

	var prev int64
	for i := 0; i < 5; i++ {
		id := <-seen
		if id <= prev {
			t.Fatalf("req_id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}
