// Package deriv maintains the upstream broker WebSocket connections, one
// per authorized account, and routes request/response and streaming traffic.
package deriv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"deriv-trading-core/config"
	"deriv-trading-core/internal/metrics"
)

// Transport-level failures. Callers decide whether to retry; IsRetryable
// reports whether the cause is transport-level.
var (
	ErrTimeout    = errors.New("request timed out")
	ErrConnection = errors.New("connection lost")
	ErrClosed     = errors.New("session closed")
)

// IsRetryable reports whether err is a transport-level failure that a
// caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection)
}

// StreamListener receives every inbound message that is not a reply to an
// outstanding request. Listeners run on the reader goroutine and must not
// block.
type StreamListener func(resp *Response)

// wsConn is the subset of *websocket.Conn the session uses
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one live broker connection for one account
type Session struct {
	accountID string
	token     string
	cfg       config.DerivConfig
	log       zerolog.Logger

	dial func(ctx context.Context) (wsConn, error)

	mu        sync.Mutex
	conn      wsConn
	connected bool

	writeMu sync.Mutex

	reqID int64

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	listenerMu sync.RWMutex
	listeners  map[int64]StreamListener
	listenerID int64

	// contract subscriptions to re-register after a reconnect
	subMu         sync.Mutex
	subscriptions map[int64]string // contractID -> subscription id

	closed  chan struct{}
	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewSession creates an unconnected session for one account
func NewSession(accountID, token string, cfg config.DerivConfig) *Session {
	s := &Session{
		accountID:     accountID,
		token:         token,
		cfg:           cfg,
		log:           zerolog.New(os.Stdout).With().Timestamp().Str("component", "ws-session").Str("account", accountID).Logger(),
		pending:       make(map[int64]chan *Response),
		listeners:     make(map[int64]StreamListener),
		subscriptions: make(map[int64]string),
		closed:        make(chan struct{}),
	}
	s.dial = s.dialBroker
	return s
}

func (s *Session) dialBroker(ctx context.Context) (wsConn, error) {
	endpoint := s.cfg.Endpoint
	if endpoint == "" {
		endpoint = "wss://ws.derivws.com/websockets/v3"
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("app_id", s.cfg.AppID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect opens the socket, authorizes and starts the reader and heartbeat.
// Idempotent: a connected session returns immediately.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: dial failed: %v", ErrConnection, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)

	if err := s.authorize(ctx); err != nil {
		s.teardownConn()
		return err
	}

	s.wg.Add(1)
	go s.heartbeatLoop()

	s.log.Info().Msg("session connected and authorized")
	return nil
}

func (s *Session) authorize(ctx context.Context) error {
	timeout := s.requestTimeout()
	resp, err := s.Send(ctx, &AuthorizeRequest{Authorize: s.token}, timeout)
	if err != nil {
		return fmt.Errorf("authorize failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("authorize rejected: %s (%s)", resp.Error.Message, resp.Error.Code)
	}
	return nil
}

func (s *Session) requestTimeout() time.Duration {
	if s.cfg.RequestTimeoutMS > 0 {
		return time.Duration(s.cfg.RequestTimeoutMS) * time.Millisecond
	}
	return 10 * time.Second
}

// Send assigns a request id, writes the envelope and waits for the matching
// reply. A zero timeout falls back to the configured request timeout.
func (s *Session) Send(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	if s.closing.Load() {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = s.requestTimeout()
	}

	id := atomic.AddInt64(&s.reqID, 1)
	req.setReqID(id)

	respCh := make(chan *Response, 1)
	s.pendingMu.Lock()
	s.pending[id] = respCh
	s.pendingMu.Unlock()

	cleanup := func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}

	if err := s.write(req); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: write failed: %v", ErrConnection, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrConnection
		}
		return resp, nil
	case <-time.After(timeout):
		cleanup()
		return nil, fmt.Errorf("%w: no reply for req_id %d within %s", ErrTimeout, id, timeout)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-s.closed:
		cleanup()
		return nil, ErrClosed
	}
}

// write serializes outbound frames. The broker tolerates concurrent reads
// but writes must not interleave.
func (s *Session) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop is the single reader for the socket. Replies are routed to the
// request table by req_id; everything else fans out to streaming listeners
// in FIFO order.
func (s *Session) readLoop(conn wsConn) {
	defer s.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return
			}
			s.log.Warn().Err(err).Msg("read failed, reconnecting")
			s.handleDisconnect(conn)
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			s.log.Warn().Err(err).Msg("dropping unparseable frame")
			continue
		}

		if resp.ReqID != 0 {
			s.pendingMu.Lock()
			ch, ok := s.pending[resp.ReqID]
			if ok {
				delete(s.pending, resp.ReqID)
			}
			s.pendingMu.Unlock()
			if ok {
				ch <- &resp
				continue
			}
			// Late reply after a timed-out waiter; treat as streaming data
		}

		s.dispatch(&resp)
	}
}

func (s *Session) dispatch(resp *Response) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, fn := range s.listeners {
		fn(resp)
	}
}

// handleDisconnect fails all waiters and drives the reconnect loop with
// capped exponential backoff.
func (s *Session) handleDisconnect(old wsConn) {
	old.Close()
	s.mu.Lock()
	if s.conn == old {
		s.connected = false
	}
	s.mu.Unlock()

	s.failPending()

	backoff := time.Duration(s.cfg.ReconnectBaseMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxBackoff := time.Duration(s.cfg.ReconnectMaxMS) * time.Millisecond
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-s.closed:
			return
		case <-time.After(backoff):
		}

		metrics.WSReconnects.WithLabelValues(s.accountID).Inc()
		s.log.Info().Int("attempt", attempt).Msg("reconnecting")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		conn, err := s.dial(ctx)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.connected = true
			s.mu.Unlock()

			s.wg.Add(1)
			go s.readLoop(conn)

			authCtx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
			err = s.authorize(authCtx)
			cancel()
			if err == nil {
				s.log.Info().Int("attempt", attempt).Msg("reconnected")
				s.resubscribe()
				return
			}
			s.log.Warn().Err(err).Msg("re-authorize failed")
			s.teardownConn()
		} else {
			s.log.Warn().Err(err).Msg("reconnect dial failed")
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// resubscribe re-registers contract subscriptions after a reconnect.
// Callers must tolerate update gaps around the outage.
func (s *Session) resubscribe() {
	s.subMu.Lock()
	ids := make([]int64, 0, len(s.subscriptions))
	for contractID := range s.subscriptions {
		ids = append(ids, contractID)
	}
	s.subMu.Unlock()

	for _, contractID := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
		if _, err := s.SubscribeContract(ctx, contractID, 0); err != nil {
			s.log.Warn().Int64("contract_id", contractID).Err(err).Msg("resubscribe failed")
		}
		cancel()
	}
}

func (s *Session) failPending() {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
}

func (s *Session) teardownConn() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connected = false
	s.mu.Unlock()
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.HeartbeatSecs) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
			if _, err := s.Send(ctx, &PingRequest{Ping: 1}, 0); err != nil && !errors.Is(err, ErrClosed) {
				s.log.Debug().Err(err).Msg("ping failed")
			}
			cancel()
		}
	}
}

// SubscribeContract subscribes to proposal_open_contract updates for one
// contract and records the subscription for replay after reconnects.
func (s *Session) SubscribeContract(ctx context.Context, contractID int64, timeout time.Duration) (*Response, error) {
	resp, err := s.Send(ctx, &ContractSubscribeRequest{
		ProposalOpenContract: 1,
		ContractID:           contractID,
		Subscribe:            1,
	}, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Error == nil {
		subID := ""
		if resp.Subscription != nil {
			subID = resp.Subscription.ID
		}
		s.subMu.Lock()
		s.subscriptions[contractID] = subID
		s.subMu.Unlock()
	}
	return resp, nil
}

// ForgetContract cancels the streaming subscription for a contract.
// Errors are returned but safe to ignore on the settlement exit path.
func (s *Session) ForgetContract(ctx context.Context, contractID int64) error {
	s.subMu.Lock()
	subID, ok := s.subscriptions[contractID]
	delete(s.subscriptions, contractID)
	s.subMu.Unlock()
	if !ok || subID == "" {
		return nil
	}

	_, err := s.Send(ctx, &ForgetRequest{Forget: subID}, 0)
	return err
}

// RegisterStreamingListener adds a listener for non-reply traffic and
// returns its handle for unregistration.
func (s *Session) RegisterStreamingListener(fn StreamListener) int64 {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listenerID++
	id := s.listenerID
	s.listeners[id] = fn
	return id
}

// UnregisterStreamingListener removes a listener by handle
func (s *Session) UnregisterStreamingListener(id int64) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	delete(s.listeners, id)
}

// AccountID returns the account this session belongs to
func (s *Session) AccountID() string { return s.accountID }

// IsConnected reports whether the socket is currently up
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close shuts the session down and cancels all waiters with a terminal error
func (s *Session) Close() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	close(s.closed)
	s.failPending()
	s.teardownConn()
	s.log.Info().Msg("session closed")
}

// Stats returns session counters for diagnostics
func (s *Session) Stats() map[string]interface{} {
	s.pendingMu.Lock()
	pending := len(s.pending)
	s.pendingMu.Unlock()
	s.listenerMu.RLock()
	listeners := len(s.listeners)
	s.listenerMu.RUnlock()
	s.subMu.Lock()
	subs := len(s.subscriptions)
	s.subMu.Unlock()

	return map[string]interface{}{
		"account_id":    s.accountID,
		"connected":     s.IsConnected(),
		"pending":       pending,
		"listeners":     listeners,
		"subscriptions": subs,
		"last_req_id":   atomic.LoadInt64(&s.reqID),
	}
}
