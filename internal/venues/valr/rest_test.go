package valr

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/marlin/errs"
	"github.com/quantfold/marlin/internal/schema"
)

func newRESTTestClient(t *testing.T, handler http.HandlerFunc) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	signer, err := NewSigner("key", "secret")
	require.NoError(t, err)
	return NewRESTClient(srv.URL, 5*time.Second, signer)
}

func TestInstrumentsDecodesCatalogue(t *testing.T) {
	client := newRESTTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/public/pairs", r.URL.Path)
		assert.Empty(t, r.Header.Get("X-VALR-API-KEY"), "public endpoint is unsigned")
		io.WriteString(w, `[{
			"symbol": "BTCZAR", "baseCurrency": "BTC", "quoteCurrency": "ZAR",
			"active": true, "minBaseAmount": "0.0001", "maxBaseAmount": "2",
			"minQuoteAmount": "10", "tickSize": "1", "baseDecimalPlaces": "8"
		}]`)
	})

	instruments, err := client.Instruments(context.Background())
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	inst := instruments[0]
	assert.Equal(t, "BTC-ZAR", inst.Symbol)
	assert.Equal(t, "BTCZAR", inst.VenueSymbol)
	assert.True(t, inst.Active)
	assert.Equal(t, "0.00000001", inst.StepSize.String())
	assert.Equal(t, "10", inst.MinNotional.String())
}

func TestOrderBookFetch(t *testing.T) {
	client := newRESTTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/public/BTCZAR/orderbook", r.URL.Path)
		io.WriteString(w, `{
			"Bids": [{"price": "1250000", "quantity": "0.5"}],
			"Asks": [{"price": "1251000", "quantity": "0.2"}],
			"SequenceNumber": 77,
			"LastChange": 1757572690093
		}`)
	})

	snap, err := client.OrderBook(context.Background(), "BTCZAR")
	require.NoError(t, err)
	assert.Equal(t, uint64(77), snap.Sequence)
	assert.Equal(t, "BTCZAR", snap.Symbol)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, "0.5", snap.Bids[0].Quantity.String())
}

func TestPlaceLimitSignsAndReturnsVenueID(t *testing.T) {
	var captured struct {
		body    placeLimitPayload
		headers http.Header
	}
	client := newRESTTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/orders/limit", r.URL.Path)
		captured.headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured.body))
		io.WriteString(w, `{"id": "venue-123"}`)
	})

	venueID, err := client.PlaceLimit(context.Background(), PlaceLimitRequest{
		VenueSymbol:     "BTCZAR",
		Side:            schema.SideBuy,
		Price:           decimal.RequireFromString("1250000"),
		Quantity:        decimal.RequireFromString("0.01"),
		CustomerOrderID: "ord-1",
		PostOnly:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, "venue-123", venueID)
	assert.Equal(t, "BTCZAR", captured.body.Pair)
	assert.Equal(t, "BUY", captured.body.Side)
	assert.Equal(t, "ord-1", captured.body.CustomerOrderID)
	assert.True(t, captured.body.PostOnly)
	assert.NotEmpty(t, captured.headers.Get("X-Valr-Signature"))
	assert.NotEmpty(t, captured.headers.Get("X-Valr-Timestamp"))
}

func TestCancelPrefersVenueID(t *testing.T) {
	var body cancelPayload
	client := newRESTTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
	})

	require.NoError(t, client.Cancel(context.Background(), "BTCZAR", "venue-123", "ord-1"))
	assert.Equal(t, "venue-123", body.OrderID)
	assert.Empty(t, body.CustomerOrderID, "venue id wins when both are known")
}

func TestOpenOrdersDecodesListVocabulary(t *testing.T) {
	client := newRESTTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/open", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Valr-Api-Key"))
		io.WriteString(w, `[{
			"orderId": "v-1", "customerOrderId": "ord-1", "side": "buy",
			"price": "1250000", "originalQuantity": "0.5", "remainingQuantity": "0.4",
			"currencyPair": "BTCZAR", "status": "Placed"
		}]`)
	})

	open, err := client.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, schema.StateOpen, open[0].State)
	assert.Equal(t, "0.1", open[0].FilledQuantity.String())
}

func TestRateLimitedRequestRetries(t *testing.T) {
	var calls atomic.Int32
	client := newRESTTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.05")
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"code": -429, "message": "slow down"}`)
			return
		}
		io.WriteString(w, `{"epochTime": 1757572690}`)
	})

	at, err := client.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1757572690), at.Unix())
	assert.Equal(t, int32(2), calls.Load())
}

func TestAuthFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	client := newRESTTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"code": -10, "message": "invalid api key"}`)
	})

	_, err := client.Balances(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.CodeAuth, errs.CodeOf(err))
	assert.False(t, errs.Retryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestVenue5xxIsRetryableVenueError(t *testing.T) {
	var calls atomic.Int32
	client := newRESTTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"epochTime": 1}`)
	})

	_, err := client.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPrivateEndpointWithoutSignerFails(t *testing.T) {
	client := NewRESTClient("http://127.0.0.1:0", time.Second, nil)
	_, err := client.OpenOrders(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.CodeAuth, errs.CodeOf(err))
}
