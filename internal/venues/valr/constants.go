// Package valr implements the VALR venue: request signing, the two
// authenticated websocket sessions, the REST client, and the frame router
// that dispatches venue events to the domain layers.
package valr

import "time"

// VenueName identifies this venue in errors and logs.
const VenueName = "valr"

// REST paths.
const (
	pathServerTime     = "/v1/public/time"
	pathPairs          = "/v1/public/pairs"
	pathMarketSummary  = "/v1/public/marketsummary"
	pathOrderBook      = "/v1/public/%s/orderbook" // venue pair symbol
	pathPlaceLimit     = "/v1/orders/limit"
	pathCancelOrder    = "/v1/orders/order"
	pathOpenOrders     = "/v1/orders/open"
	pathBalances       = "/v1/account/balances"
)

// Websocket endpoint paths, signed during the upgrade handshake.
const (
	WSPathTrade   = "/ws/trade"
	WSPathAccount = "/ws/account"
)

// Websocket message types.
const (
	msgPing               = "PING"
	msgPong               = "PONG"
	msgSubscribe          = "SUBSCRIBE"
	msgCancelOnDisconnect = "CANCEL_ON_DISCONNECT"
	msgAuthenticated      = "AUTHENTICATED"
	msgSubscribed         = "SUBSCRIBED"
	msgUnsubscribed       = "UNSUBSCRIBED"
	msgNoSubscriptions    = "NO_SUBSCRIPTIONS"

	// Market session events.
	msgBookUpdate    = "AGGREGATED_ORDERBOOK_UPDATE"
	msgBookSnapshot  = "FULL_ORDERBOOK_SNAPSHOT"
	msgNewTrade      = "NEW_TRADE"
	msgMarketSummary = "MARKET_SUMMARY_UPDATE"

	// Account session events.
	msgOrderPlaced        = "ORDER_PLACED"
	msgOrderFailed        = "ORDER_FAILED"
	msgOrderStatusUpdate  = "ORDER_STATUS_UPDATE"
	msgOpenOrdersUpdate   = "OPEN_ORDERS_UPDATE"
	msgAccountTrade       = "NEW_ACCOUNT_TRADE"
	msgBalanceUpdate      = "BALANCE_UPDATE"
	msgCancelFailed       = "FAILED_CANCEL_ORDER"
	msgCancelOrderSuccess = "CANCEL_ORDER_SUCCESS"
	msgCancelOrderFailed  = "CANCEL_ORDER_FAILED"
)

// Signing header names, applied to every authenticated REST request and to
// the websocket upgrade handshake.
const (
	headerAPIKey    = "X-VALR-API-KEY"
	headerSignature = "X-VALR-SIGNATURE"
	headerTimestamp = "X-VALR-TIMESTAMP"
)

const defaultPingInterval = 30 * time.Second
