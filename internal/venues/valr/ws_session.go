package valr

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/quantfold/marlin/errs"
	"github.com/quantfold/marlin/internal/observability"
)

const (
	wsHandshakeTimeout   = 10 * time.Second
	wsWriteTimeout       = 5 * time.Second
	wsMaxReconnectDelay  = 20 * time.Second
	wsReadLimit          = 4 * 1024 * 1024
	wsDegradedAfterFails = 3
)

// SessionState is the connection lifecycle of one websocket session.
type SessionState int32

const (
	// SessionDisconnected means the session has not started or has stopped.
	SessionDisconnected SessionState = iota
	// SessionConnecting means a dial or redial is in progress.
	SessionConnecting
	// SessionReady means frames are flowing.
	SessionReady
	// SessionDegraded means repeated reconnect attempts have failed; the
	// session keeps retrying while callers fall back to REST.
	SessionDegraded
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionReady:
		return "ready"
	case SessionDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// FrameHandler consumes one raw frame from the session's read loop.
type FrameHandler func(ctx context.Context, frame []byte) error

// SessionConfig wires one websocket session.
type SessionConfig struct {
	Name string // "market" or "account", used in logs and errors
	URL  string
	Path string // signed path of the upgrade request

	// Signer authenticates the handshake when set.
	Signer *Signer

	PingInterval time.Duration
	// HandshakeTimeout bounds each dial and the initial wait in Start.
	HandshakeTimeout time.Duration

	// Handler receives every frame in arrival order.
	Handler FrameHandler
	// OnConnect runs after every successful (re)connect, before frames
	// flow. Used to resubscribe and to mark local state suspect.
	OnConnect func(ctx context.Context)
	// OnDisconnect runs after a connection is lost, not on Stop.
	OnDisconnect func()
	// OnStateChange observes session state transitions.
	OnStateChange func(state SessionState)
}

// Session maintains one websocket connection to the venue, redialing with
// exponential backoff for as long as its context lives.
type Session struct {
	cfg    SessionConfig
	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	state atomic.Int32

	ready     chan struct{}
	readyOnce sync.Once

	errorChan chan<- error
}

// NewSession builds a session; Start begins connecting.
func NewSession(ctx context.Context, cfg SessionConfig, errCh chan<- error) *Session {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = wsHandshakeTimeout
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	return &Session{
		cfg:       cfg,
		ctx:       sessionCtx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		errorChan: errCh,
	}
}

// State returns the session's current connection state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Start launches the connect loop and waits for the first connection.
func (s *Session) Start() error {
	go func() {
		if err := s.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			s.reportError(err)
		}
	}()

	select {
	case <-s.ready:
		return nil
	case <-time.After(s.cfg.HandshakeTimeout):
		return errs.New(VenueName, errs.CodeTransport,
			errs.WithMessage("timeout waiting for "+s.cfg.Name+" session"))
	case <-s.ctx.Done():
		return errs.New(VenueName, errs.CodeTransport,
			errs.WithMessage(s.cfg.Name+" session context done"),
			errs.WithCause(s.ctx.Err()))
	}
}

// Stop tears the session down.
func (s *Session) Stop() {
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	s.setState(SessionDisconnected)
}

// Send writes one text frame. Callers get ErrNotConnected while the session
// is between connections.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return errs.New(VenueName, errs.CodeTransport,
			errs.WithMessage(s.cfg.Name+" session not connected"),
			errs.WithCause(errs.ErrNotConnected))
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return errs.New(VenueName, errs.CodeTransport,
			errs.WithMessage("write "+s.cfg.Name+" frame"),
			errs.WithCause(err))
	}
	return nil
}

// Subscribe sends a SUBSCRIBE request for the given event over the pairs.
func (s *Session) Subscribe(ctx context.Context, event string, pairs []string) error {
	payload, err := json.Marshal(subscribeRequest{
		Type: msgSubscribe,
		Subscriptions: []subscription{
			{Event: event, Pairs: pairs},
		},
	})
	if err != nil {
		return errs.New(VenueName, errs.CodeInvalid,
			errs.WithMessage("marshal subscribe request"),
			errs.WithCause(err))
	}
	return s.Send(ctx, payload)
}

// EnableCancelOnDisconnect asks the venue to cancel this session's open
// orders if the connection drops without a clean shutdown. Must be re-armed
// after every reconnect.
func (s *Session) EnableCancelOnDisconnect(ctx context.Context) error {
	req := cancelOnDisconnectRequest{Type: msgCancelOnDisconnect}
	req.Payload.Enabled = true
	payload, err := json.Marshal(req)
	if err != nil {
		return errs.New(VenueName, errs.CodeInvalid,
			errs.WithMessage("marshal cancel-on-disconnect request"),
			errs.WithCause(err))
	}
	return s.Send(ctx, payload)
}

func (s *Session) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = wsMaxReconnectDelay

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		s.setState(SessionConnecting)

		var opts *websocket.DialOptions
		if s.cfg.Signer != nil {
			opts = &websocket.DialOptions{
				HTTPHeader: s.cfg.Signer.HandshakeHeaders(s.cfg.Path),
			}
		}
		dialCtx, dialCancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
		conn, resp, err := websocket.Dial(dialCtx, s.cfg.URL, opts)
		dialCancel()
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				// Credentials are wrong; retrying cannot help.
				authErr := errs.New(VenueName, errs.CodeAuth,
					errs.WithMessage(s.cfg.Name+" handshake rejected"),
					errs.WithHTTP(resp.StatusCode))
				s.reportError(authErr)
				s.setState(SessionDisconnected)
				return authErr
			}
			s.reportError(errs.New(VenueName, errs.CodeTransport,
				errs.WithMessage("dial "+s.cfg.Name+" session"),
				errs.WithCause(err)))
			failures++
			if failures >= wsDegradedAfterFails {
				s.setState(SessionDegraded)
			}
			if !s.sleep(nextDelay(backoffCfg)) {
				return context.Canceled
			}
			continue
		}

		conn.SetReadLimit(wsReadLimit)
		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		failures = 0
		backoffCfg.Reset()
		s.setState(SessionReady)
		s.readyOnce.Do(func() { close(s.ready) })

		if s.cfg.OnConnect != nil {
			s.cfg.OnConnect(s.ctx)
		}

		connCtx, connCancel := context.WithCancel(s.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- s.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- s.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			s.reportError(errs.New(VenueName, errs.CodeTransport,
				errs.WithMessage(s.cfg.Name+" session lost"),
				errs.WithCause(firstErr)))
		}

		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		s.setState(SessionConnecting)
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect()
		}
		if !s.sleep(nextDelay(backoffCfg)) {
			return context.Canceled
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Every PING is answered with a PONG, so a healthy connection never
	// goes a full ping interval without a frame; half an interval of slack
	// covers delivery jitter.
	readTimeout := s.cfg.PingInterval + s.cfg.PingInterval/2
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return err
		}
		trimmed := strings.TrimSpace(string(data))
		if trimmed == "" {
			continue
		}
		if s.cfg.Handler != nil {
			if err := s.cfg.Handler(ctx, data); err != nil {
				s.reportError(err)
			}
		}
	}
}

// pingLoop sends the venue's JSON keepalive. The PONG response comes back
// as a regular frame and is absorbed by the router.
func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	payload, _ := json.Marshal(envelope{Type: msgPing})
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (s *Session) setState(state SessionState) {
	prev := SessionState(s.state.Swap(int32(state)))
	if prev == state {
		return
	}
	observability.Log().Info("session state change",
		observability.F("session", s.cfg.Name),
		observability.F("from", prev.String()),
		observability.F("to", state.String()),
	)
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(state)
	}
}

func (s *Session) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Session) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case <-s.ctx.Done():
	case s.errorChan <- err:
	default:
	}
}

func nextDelay(b *backoff.ExponentialBackOff) time.Duration {
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = wsMaxReconnectDelay
	}
	return delay
}
