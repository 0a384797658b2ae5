// Package integration exercises the connector against an in-process fake of
// the venue's REST API and websocket endpoints.
package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/quantfold/marlin/config"
)

// FakeVenue serves the REST endpoints and both websocket sessions the
// connector needs to start.
type FakeVenue struct {
	REST    *httptest.Server
	Market  *httptest.Server
	Account *httptest.Server

	MarketConns  chan *websocket.Conn
	AccountConns chan *websocket.Conn
}

// NewFakeVenue starts the three servers. They stop with the test.
func NewFakeVenue(t *testing.T) *FakeVenue {
	t.Helper()
	v := &FakeVenue{
		MarketConns:  make(chan *websocket.Conn, 8),
		AccountConns: make(chan *websocket.Conn, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/public/time", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"epochTime": 1757572690}`)
	})
	mux.HandleFunc("/v1/public/pairs", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{
			"symbol": "BTCZAR", "baseCurrency": "BTC", "quoteCurrency": "ZAR",
			"active": true, "minBaseAmount": "0.0001", "maxBaseAmount": "100",
			"minQuoteAmount": "10", "tickSize": "1", "baseDecimalPlaces": "8"
		}]`)
	})
	mux.HandleFunc("/v1/public/BTCZAR/orderbook", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
			"Bids": [{"price": "1250000", "quantity": "0.5"}],
			"Asks": [{"price": "1251000", "quantity": "0.3"}],
			"SequenceNumber": 100,
			"LastChange": 1757572690093
		}`)
	})
	mux.HandleFunc("/v1/public/marketsummary", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	})
	mux.HandleFunc("/v1/orders/limit", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id": "venue-1"}`)
	})
	mux.HandleFunc("/v1/orders/order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v1/orders/open", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	})
	mux.HandleFunc("/v1/account/balances", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	})
	v.REST = httptest.NewServer(mux)

	accept := func(conns chan *websocket.Conn) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			conns <- conn
			go func() {
				for {
					if _, _, err := conn.Read(context.Background()); err != nil {
						return
					}
				}
			}()
		}
	}
	v.Market = httptest.NewServer(accept(v.MarketConns))
	v.Account = httptest.NewServer(accept(v.AccountConns))

	t.Cleanup(func() {
		v.REST.Close()
		v.Market.Close()
		v.Account.Close()
	})
	return v
}

// Settings builds connector settings pointed at the fake venue.
func (v *FakeVenue) Settings() config.Settings {
	cfg := config.Default()
	cfg.Instruments = []string{"BTC-ZAR"}
	cfg.Venue.RESTURL = v.REST.URL
	cfg.Venue.MarketWSURL = wsScheme(v.Market.URL)
	cfg.Venue.AccountWSURL = wsScheme(v.Account.URL)
	cfg.Venue.Credentials = config.Credentials{APIKey: "key", APISecret: "secret"}
	cfg.Venue.PingInterval = time.Minute
	return cfg
}

// WaitConn returns the next accepted connection on conns.
func (v *FakeVenue) WaitConn(t *testing.T, conns chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		return conn
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for websocket connection")
		return nil
	}
}

// Send writes one text frame on conn.
func (v *FakeVenue) Send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.Write(context.Background(), websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func wsScheme(url string) string {
	return "ws" + strings.TrimPrefix(url, "http")
}
