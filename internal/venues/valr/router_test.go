package valr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/marlin/errs"
	"github.com/quantfold/marlin/internal/schema"
)

type marketRecorder struct {
	snapshots []schema.BookSnapshot
	diffs     []schema.BookDiff
	trades    []schema.PublicTrade
	summaries []MarketSummary
}

func (m *marketRecorder) OnBookSnapshot(_ context.Context, snap schema.BookSnapshot) {
	m.snapshots = append(m.snapshots, snap)
}
func (m *marketRecorder) OnBookDiff(_ context.Context, diff schema.BookDiff) {
	m.diffs = append(m.diffs, diff)
}
func (m *marketRecorder) OnTrade(_ context.Context, trade schema.PublicTrade) {
	m.trades = append(m.trades, trade)
}
func (m *marketRecorder) OnMarketSummary(_ context.Context, summary MarketSummary) {
	m.summaries = append(m.summaries, summary)
}

type accountRecorder struct {
	acks       []string
	failures   []string
	statuses   []OrderStatus
	openLists  [][]OpenOrder
	trades     []AccountTrade
	balances   []schema.Balance
	cancelErrs []string
}

func (a *accountRecorder) OnOrderAck(_ context.Context, localID, venueID string, _ time.Time) {
	a.acks = append(a.acks, localID+"/"+venueID)
}
func (a *accountRecorder) OnOrderFailed(_ context.Context, localID, _ string, reason string, _ time.Time) {
	a.failures = append(a.failures, localID+":"+reason)
}
func (a *accountRecorder) OnOrderStatus(_ context.Context, status OrderStatus) {
	a.statuses = append(a.statuses, status)
}
func (a *accountRecorder) OnOpenOrders(_ context.Context, entries []OpenOrder, _ time.Time) {
	a.openLists = append(a.openLists, entries)
}
func (a *accountRecorder) OnAccountTrade(_ context.Context, trade AccountTrade) {
	a.trades = append(a.trades, trade)
}
func (a *accountRecorder) OnBalanceUpdate(_ context.Context, balance schema.Balance) {
	a.balances = append(a.balances, balance)
}
func (a *accountRecorder) OnCancelFailed(_ context.Context, localID, _ string, reason string, _ time.Time) {
	a.cancelErrs = append(a.cancelErrs, localID+":"+reason)
}

func newTestRouter() (*Router, *marketRecorder, *accountRecorder) {
	market := &marketRecorder{}
	account := &accountRecorder{}
	return NewRouter(market, account), market, account
}

func TestHandleMarketBookUpdate(t *testing.T) {
	r, market, _ := newTestRouter()
	frame := []byte(`{
		"type": "AGGREGATED_ORDERBOOK_UPDATE",
		"currencyPairSymbol": "BTCZAR",
		"data": {
			"Bids": [{"price": "1250000", "quantity": "0.5"}],
			"Asks": [{"price": "1251000", "quantity": "0"}],
			"SequenceNumber": 42,
			"Checksum": 7,
			"LastChange": 1757572690093
		}
	}`)
	require.NoError(t, r.HandleMarket(context.Background(), frame))
	require.Len(t, market.diffs, 1)
	diff := market.diffs[0]
	assert.Equal(t, "BTCZAR", diff.Symbol)
	assert.Equal(t, uint64(42), diff.Sequence)
	assert.Equal(t, uint32(7), diff.Checksum)
	assert.Equal(t, "1250000", diff.Bids[0].Price.String())
	assert.True(t, diff.Asks[0].Quantity.IsZero())
}

func TestHandleMarketSnapshotAndTrade(t *testing.T) {
	r, market, _ := newTestRouter()
	require.NoError(t, r.HandleMarket(context.Background(), []byte(`{
		"type": "FULL_ORDERBOOK_SNAPSHOT",
		"currencyPairSymbol": "BTCZAR",
		"data": {"Bids": [], "Asks": [], "SequenceNumber": 10}
	}`)))
	require.Len(t, market.snapshots, 1)
	assert.Equal(t, uint64(10), market.snapshots[0].Sequence)

	require.NoError(t, r.HandleMarket(context.Background(), []byte(`{
		"type": "NEW_TRADE",
		"currencyPairSymbol": "BTCZAR",
		"data": {"price": "1250500", "quantity": "0.01", "currencyPair": "BTCZAR", "takerSide": "sell", "tradedAt": "2026-03-14T09:00:00Z"}
	}`)))
	require.Len(t, market.trades, 1)
	assert.Equal(t, schema.SideSell, market.trades[0].TakerSide)
}

func TestHandleMarketControlFramesAbsorbed(t *testing.T) {
	r, market, _ := newTestRouter()
	for _, frame := range []string{
		`{"type":"PONG"}`,
		`{"type":"AUTHENTICATED"}`,
		`{"type":"SUBSCRIBED"}`,
	} {
		assert.NoError(t, r.HandleMarket(context.Background(), []byte(frame)))
	}
	assert.Empty(t, market.diffs)
}

func TestHandleMarketUnrecognizedType(t *testing.T) {
	r, _, _ := newTestRouter()
	err := r.HandleMarket(context.Background(), []byte(`{"type":"MYSTERY_EVENT"}`))
	require.Error(t, err)
	assert.Equal(t, errs.CodeProtocol, errs.CodeOf(err))
}

func TestHandleMarketMalformedFrame(t *testing.T) {
	r, _, _ := newTestRouter()
	assert.Equal(t, errs.CodeProtocol, errs.CodeOf(r.HandleMarket(context.Background(), []byte(`{not json`))))
	assert.Equal(t, errs.CodeProtocol, errs.CodeOf(r.HandleMarket(context.Background(), []byte(`{"data":{}}`))))
}

func TestHandleAccountAckAndFailure(t *testing.T) {
	r, _, account := newTestRouter()
	require.NoError(t, r.HandleAccount(context.Background(), []byte(`{
		"type": "ORDER_PLACED",
		"data": {"orderId": "v-1", "customerOrderId": "ord-1", "currencyPair": "BTCZAR"}
	}`)))
	require.NoError(t, r.HandleAccount(context.Background(), []byte(`{
		"type": "ORDER_FAILED",
		"data": {"customerOrderId": "ord-2", "failedReason": "insufficient balance"}
	}`)))
	assert.Equal(t, []string{"ord-1/v-1"}, account.acks)
	assert.Equal(t, []string{"ord-2:insufficient balance"}, account.failures)
}

func TestHandleAccountOrderStatusUsesOrderStatusType(t *testing.T) {
	r, _, account := newTestRouter()
	require.NoError(t, r.HandleAccount(context.Background(), []byte(`{
		"type": "ORDER_STATUS_UPDATE",
		"data": {
			"orderId": "v-1",
			"customerOrderId": "ord-1",
			"orderStatusType": "Partially Filled",
			"currencyPair": "BTCZAR",
			"originalQuantity": "0.5",
			"remainingQuantity": "0.3",
			"orderUpdatedAt": "2026-03-14T09:00:02Z"
		}
	}`)))
	require.Len(t, account.statuses, 1)
	status := account.statuses[0]
	assert.Equal(t, schema.StatePartiallyFilled, status.State)
	assert.Equal(t, "0.2", status.FilledQuantity.String())
	assert.Equal(t, "v-1", status.VenueID)
}

func TestHandleAccountUnknownStatusIsProtocolError(t *testing.T) {
	r, _, account := newTestRouter()
	err := r.HandleAccount(context.Background(), []byte(`{
		"type": "ORDER_STATUS_UPDATE",
		"data": {"orderId": "v-1", "orderStatusType": "Quarantined"}
	}`))
	require.Error(t, err)
	assert.Equal(t, errs.CodeProtocol, errs.CodeOf(err))
	assert.Empty(t, account.statuses)
}

func TestHandleAccountOpenOrdersList(t *testing.T) {
	r, _, account := newTestRouter()
	require.NoError(t, r.HandleAccount(context.Background(), []byte(`{
		"type": "OPEN_ORDERS_UPDATE",
		"data": [
			{"orderId": "v-1", "customerOrderId": "ord-1", "side": "buy", "price": "1250000",
			 "originalQuantity": "0.5", "remainingQuantity": "0.5", "currencyPair": "BTCZAR", "status": "Placed"},
			{"orderId": "v-2", "side": "sell", "price": "66000",
			 "originalQuantity": "2", "remainingQuantity": "1", "currencyPair": "ETHZAR", "status": "Partially Filled"}
		]
	}`)))
	require.Len(t, account.openLists, 1)
	list := account.openLists[0]
	require.Len(t, list, 2)
	assert.Equal(t, "ord-1", list[0].LocalID)
	assert.Equal(t, schema.StateOpen, list[0].State)
	assert.Equal(t, schema.StatePartiallyFilled, list[1].State)
	assert.Equal(t, "1", list[1].FilledQuantity.String())
}

func TestHandleAccountTradeBalanceAndCancelFailure(t *testing.T) {
	r, _, account := newTestRouter()
	require.NoError(t, r.HandleAccount(context.Background(), []byte(`{
		"type": "NEW_ACCOUNT_TRADE",
		"data": {"id": "t-1", "orderId": "v-1", "customerOrderId": "ord-1",
		 "currencyPair": "BTCZAR", "price": "1250000", "quantity": "0.1", "side": "buy",
		 "tradedAt": "2026-03-14T09:00:05Z"}
	}`)))
	require.NoError(t, r.HandleAccount(context.Background(), []byte(`{
		"type": "BALANCE_UPDATE",
		"data": {"currency": {"shortName": "ZAR"}, "available": "1000", "total": "1500",
		 "updatedAt": "2026-03-14T09:00:06Z"}
	}`)))
	require.NoError(t, r.HandleAccount(context.Background(), []byte(`{
		"type": "FAILED_CANCEL_ORDER",
		"data": {"customerOrderId": "ord-1", "message": "order not found"}
	}`)))

	require.Len(t, account.trades, 1)
	assert.Equal(t, "0.1", account.trades[0].Quantity.String())
	require.Len(t, account.balances, 1)
	assert.Equal(t, "ZAR", account.balances[0].Asset)
	assert.Equal(t, []string{"ord-1:order not found"}, account.cancelErrs)
}
