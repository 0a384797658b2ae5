package valr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/marlin/errs"
)

type wsTestServer struct {
	*httptest.Server
	mu      sync.Mutex
	conns   []*websocket.Conn
	headers []http.Header
	accepts chan *websocket.Conn
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	srv := &wsTestServer{accepts: make(chan *websocket.Conn, 4)}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.mu.Lock()
		srv.headers = append(srv.headers, r.Header.Clone())
		srv.mu.Unlock()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		srv.mu.Lock()
		srv.conns = append(srv.conns, conn)
		srv.mu.Unlock()
		srv.accepts <- conn
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *wsTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsTestServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.accepts:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for websocket accept")
		return nil
	}
}

func TestSessionDeliversFramesInOrder(t *testing.T) {
	srv := newWSTestServer(t)

	frames := make(chan string, 8)
	errCh := make(chan error, 8)
	session := NewSession(context.Background(), SessionConfig{
		Name:         "market",
		URL:          srv.wsURL(),
		PingInterval: time.Minute,
		Handler: func(_ context.Context, frame []byte) error {
			frames <- string(frame)
			return nil
		},
	}, errCh)
	t.Cleanup(session.Stop)

	require.NoError(t, session.Start())
	assert.Equal(t, SessionReady, session.State())

	conn := srv.waitConn(t)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"A"}`)))
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"B"}`)))

	assert.Equal(t, `{"type":"A"}`, <-frames)
	assert.Equal(t, `{"type":"B"}`, <-frames)
}

func TestSessionSendBeforeConnect(t *testing.T) {
	session := NewSession(context.Background(), SessionConfig{Name: "market", URL: "ws://127.0.0.1:0"}, make(chan error, 1))
	t.Cleanup(session.Stop)
	err := session.Send(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotConnected))
}

func TestSessionReconnectsAndNotifies(t *testing.T) {
	srv := newWSTestServer(t)

	var mu sync.Mutex
	connects := 0
	disconnects := 0
	errCh := make(chan error, 16)
	session := NewSession(context.Background(), SessionConfig{
		Name:         "account",
		URL:          srv.wsURL(),
		PingInterval: time.Minute,
		Handler:      func(context.Context, []byte) error { return nil },
		OnConnect: func(context.Context) {
			mu.Lock()
			connects++
			mu.Unlock()
		},
		OnDisconnect: func() {
			mu.Lock()
			disconnects++
			mu.Unlock()
		},
	}, errCh)
	t.Cleanup(session.Stop)

	require.NoError(t, session.Start())
	first := srv.waitConn(t)

	// Drop the connection server-side and wait for the redial.
	_ = first.Close(websocket.StatusGoingAway, "bye")
	srv.waitConn(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects >= 2 && disconnects >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, SessionReady, session.State())
}

func TestSessionSilentConnectionRedials(t *testing.T) {
	srv := newWSTestServer(t)
	session := NewSession(context.Background(), SessionConfig{
		Name:         "market",
		URL:          srv.wsURL(),
		PingInterval: 100 * time.Millisecond,
		Handler:      func(context.Context, []byte) error { return nil },
	}, make(chan error, 16))
	t.Cleanup(session.Stop)

	require.NoError(t, session.Start())
	first := srv.waitConn(t)
	go func() {
		// Absorb keepalives without ever answering.
		for {
			if _, _, err := first.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	// No frame within one and a half ping intervals: the session treats
	// the connection as dead and redials.
	srv.waitConn(t)
}

func TestSessionStartHonorsHandshakeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	session := NewSession(context.Background(), SessionConfig{
		Name:             "market",
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		PingInterval:     time.Minute,
		HandshakeTimeout: 100 * time.Millisecond,
		Handler:          func(context.Context, []byte) error { return nil },
	}, make(chan error, 16))
	t.Cleanup(session.Stop)

	start := time.Now()
	err := session.Start()
	require.Error(t, err)
	assert.Equal(t, errs.CodeTransport, errs.CodeOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSessionSignsHandshake(t *testing.T) {
	srv := newWSTestServer(t)
	signer, err := NewSigner("key", "secret")
	require.NoError(t, err)

	session := NewSession(context.Background(), SessionConfig{
		Name:         "account",
		URL:          srv.wsURL(),
		Path:         "/ws/account",
		Signer:       signer,
		PingInterval: time.Minute,
		Handler:      func(context.Context, []byte) error { return nil },
	}, make(chan error, 4))
	t.Cleanup(session.Stop)

	require.NoError(t, session.Start())
	srv.waitConn(t)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.NotEmpty(t, srv.headers)
	h := srv.headers[0]
	assert.Equal(t, "key", h.Get("X-Valr-Api-Key"))
	assert.NotEmpty(t, h.Get("X-Valr-Signature"))
	assert.NotEmpty(t, h.Get("X-Valr-Timestamp"))
}

func TestSessionSendsJSONKeepalive(t *testing.T) {
	srv := newWSTestServer(t)
	session := NewSession(context.Background(), SessionConfig{
		Name:         "market",
		URL:          srv.wsURL(),
		PingInterval: 30 * time.Millisecond,
		Handler:      func(context.Context, []byte) error { return nil },
	}, make(chan error, 4))
	t.Cleanup(session.Stop)

	require.NoError(t, session.Start())
	conn := srv.waitConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "PING", env.Type)
}

func TestSessionSubscribePayload(t *testing.T) {
	srv := newWSTestServer(t)
	session := NewSession(context.Background(), SessionConfig{
		Name:         "market",
		URL:          srv.wsURL(),
		PingInterval: time.Minute,
		Handler:      func(context.Context, []byte) error { return nil },
	}, make(chan error, 4))
	t.Cleanup(session.Stop)

	require.NoError(t, session.Start())
	conn := srv.waitConn(t)

	require.NoError(t, session.Subscribe(context.Background(), "AGGREGATED_ORDERBOOK_UPDATE", []string{"BTCZAR", "ETHZAR"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var req subscribeRequest
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, "SUBSCRIBE", req.Type)
	require.Len(t, req.Subscriptions, 1)
	assert.Equal(t, "AGGREGATED_ORDERBOOK_UPDATE", req.Subscriptions[0].Event)
	assert.Equal(t, []string{"BTCZAR", "ETHZAR"}, req.Subscriptions[0].Pairs)
}

func TestSessionCancelOnDisconnectPayload(t *testing.T) {
	srv := newWSTestServer(t)
	session := NewSession(context.Background(), SessionConfig{
		Name:         "account",
		URL:          srv.wsURL(),
		PingInterval: time.Minute,
		Handler:      func(context.Context, []byte) error { return nil },
	}, make(chan error, 4))
	t.Cleanup(session.Stop)

	require.NoError(t, session.Start())
	conn := srv.waitConn(t)

	require.NoError(t, session.EnableCancelOnDisconnect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var req cancelOnDisconnectRequest
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, "CANCEL_ON_DISCONNECT", req.Type)
	assert.True(t, req.Payload.Enabled)
}
