package valr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/quantfold/marlin/errs"
	"github.com/quantfold/marlin/internal/observability"
	"github.com/quantfold/marlin/internal/schema"
)

const restMaxAttempts = 4

// RESTClient talks to the venue's HTTP API. Public and private endpoints
// are throttled independently; transient failures retry with backoff.
type RESTClient struct {
	baseURL string
	http    *http.Client
	signer  *Signer

	publicLimit  *rate.Limiter
	privateLimit *rate.Limiter
}

// NewRESTClient builds a client. signer may be nil for public-only use.
func NewRESTClient(baseURL string, timeout time.Duration, signer *Signer) *RESTClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: timeout},
		signer:       signer,
		publicLimit:  rate.NewLimiter(rate.Limit(10), 10),
		privateLimit: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// ServerTime fetches the venue clock, a cheap connectivity and auth-clock probe.
func (c *RESTClient) ServerTime(ctx context.Context) (time.Time, error) {
	var payload struct {
		EpochTime int64 `json:"epochTime"`
	}
	if err := c.get(ctx, pathServerTime, false, &payload); err != nil {
		return time.Time{}, err
	}
	return time.Unix(payload.EpochTime, 0), nil
}

type pairPayload struct {
	Symbol            string          `json:"symbol"`
	BaseCurrency      string          `json:"baseCurrency"`
	QuoteCurrency     string          `json:"quoteCurrency"`
	Active            bool            `json:"active"`
	MinBaseAmount     decimal.Decimal `json:"minBaseAmount"`
	MaxBaseAmount     decimal.Decimal `json:"maxBaseAmount"`
	MinQuoteAmount    decimal.Decimal `json:"minQuoteAmount"`
	TickSize          decimal.Decimal `json:"tickSize"`
	BaseDecimalPlaces int32           `json:"baseDecimalPlaces,string"`
}

// Instruments fetches the tradable pair catalogue.
func (c *RESTClient) Instruments(ctx context.Context) ([]schema.Instrument, error) {
	var payload []pairPayload
	if err := c.get(ctx, pathPairs, false, &payload); err != nil {
		return nil, err
	}
	out := make([]schema.Instrument, 0, len(payload))
	for _, p := range payload {
		out = append(out, schema.Instrument{
			Symbol:      p.BaseCurrency + "-" + p.QuoteCurrency,
			VenueSymbol: p.Symbol,
			Base:        p.BaseCurrency,
			Quote:       p.QuoteCurrency,
			Active:      p.Active,
			MinQuantity: p.MinBaseAmount,
			MaxQuantity: p.MaxBaseAmount,
			MinNotional: p.MinQuoteAmount,
			TickSize:    p.TickSize,
			StepSize:    stepFromDecimals(p.BaseDecimalPlaces),
		})
	}
	return out, nil
}

func stepFromDecimals(places int32) decimal.Decimal {
	if places <= 0 {
		return decimal.Zero
	}
	return decimal.New(1, -places)
}

// OrderBook fetches a full aggregated book for the venue pair.
func (c *RESTClient) OrderBook(ctx context.Context, venueSymbol string) (schema.BookSnapshot, error) {
	var payload bookPayload
	path := fmt.Sprintf(pathOrderBook, venueSymbol)
	if err := c.get(ctx, path, false, &payload); err != nil {
		return schema.BookSnapshot{}, err
	}
	snap := payload.snapshot(venueSymbol)
	if snap.At.IsZero() || payload.LastChange == 0 {
		snap.At = time.Now()
	}
	return snap, nil
}

type marketSummaryREST struct {
	CurrencyPair    string          `json:"currencyPair"`
	AskPrice        decimal.Decimal `json:"askPrice"`
	BidPrice        decimal.Decimal `json:"bidPrice"`
	LastTradedPrice decimal.Decimal `json:"lastTradedPrice"`
	Created         time.Time       `json:"created"`
}

// MarketSummaries fetches the venue-wide market summary list.
func (c *RESTClient) MarketSummaries(ctx context.Context) ([]MarketSummary, error) {
	var payload []marketSummaryREST
	if err := c.get(ctx, pathMarketSummary, false, &payload); err != nil {
		return nil, err
	}
	out := make([]MarketSummary, 0, len(payload))
	for _, p := range payload {
		out = append(out, MarketSummary{
			VenueSymbol: p.CurrencyPair,
			BidPrice:    p.BidPrice,
			AskPrice:    p.AskPrice,
			LastPrice:   p.LastTradedPrice,
			At:          p.Created,
		})
	}
	return out, nil
}

// PlaceLimitRequest is a limit order placement.
type PlaceLimitRequest struct {
	VenueSymbol     string
	Side            schema.TradeSide
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	CustomerOrderID string
	PostOnly        bool
}

type placeLimitPayload struct {
	Pair            string `json:"pair"`
	Side            string `json:"side"`
	Quantity        string `json:"quantity"`
	Price           string `json:"price"`
	PostOnly        bool   `json:"postOnly"`
	CustomerOrderID string `json:"customerOrderId"`
}

// PlaceLimit submits a limit order and returns the venue order id. The
// response only acknowledges receipt; the order's fate arrives on the
// account stream.
func (c *RESTClient) PlaceLimit(ctx context.Context, req PlaceLimitRequest) (string, error) {
	body := placeLimitPayload{
		Pair:            req.VenueSymbol,
		Side:            string(req.Side),
		Quantity:        req.Quantity.String(),
		Price:           req.Price.String(),
		PostOnly:        req.PostOnly,
		CustomerOrderID: req.CustomerOrderID,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, pathPlaceLimit, body, true, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type cancelPayload struct {
	Pair            string `json:"pair"`
	OrderID         string `json:"orderId,omitempty"`
	CustomerOrderID string `json:"customerOrderId,omitempty"`
}

// Cancel requests removal of an order by venue id or customer order id.
// Success only means the cancel was accepted for processing.
func (c *RESTClient) Cancel(ctx context.Context, venueSymbol, venueID, customerOrderID string) error {
	body := cancelPayload{
		Pair:            venueSymbol,
		OrderID:         venueID,
		CustomerOrderID: customerOrderID,
	}
	if venueID != "" {
		body.CustomerOrderID = ""
	}
	return c.do(ctx, http.MethodDelete, pathCancelOrder, body, true, nil)
}

// OpenOrders fetches the authoritative list of currently open orders, the
// REST substitute for OPEN_ORDERS_UPDATE while the account session is down.
func (c *RESTClient) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var payload []openOrderEntry
	if err := c.get(ctx, pathOpenOrders, true, &payload); err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(payload))
	for _, entry := range payload {
		state, ok := stateFromVenueStatus(entry.Status)
		if !ok {
			state = schema.StateOpen
		}
		out = append(out, OpenOrder{
			LocalID:        entry.CustomerOrderID,
			VenueID:        entry.OrderID,
			VenueSymbol:    entry.CurrencyPair,
			Side:           sideFromVenue(entry.Side),
			Price:          entry.Price,
			Quantity:       entry.OriginalQuantity,
			FilledQuantity: filledOf(entry.OriginalQuantity, entry.RemainingQuantity, decimal.Zero),
			State:          state,
		})
	}
	return out, nil
}

type balanceREST struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Balances fetches all account balances.
func (c *RESTClient) Balances(ctx context.Context) ([]schema.Balance, error) {
	var payload []balanceREST
	if err := c.get(ctx, pathBalances, true, &payload); err != nil {
		return nil, err
	}
	out := make([]schema.Balance, 0, len(payload))
	for _, b := range payload {
		out = append(out, schema.Balance{
			Asset:     b.Currency,
			Available: b.Available,
			Total:     b.Total,
			UpdatedAt: b.UpdatedAt,
		})
	}
	return out, nil
}

func (c *RESTClient) get(ctx context.Context, path string, private bool, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, private, out)
}

// do runs one request with throttling and bounded retries. Non-retryable
// failures return immediately; rate-limit responses honor Retry-After.
func (c *RESTClient) do(ctx context.Context, method, path string, body any, private bool, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return errs.New(VenueName, errs.CodeInvalid,
				errs.WithMessage("marshal request body"),
				errs.WithCause(err))
		}
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 5 * time.Second

	var lastErr error
	for attempt := 1; attempt <= restMaxAttempts; attempt++ {
		if err := c.throttle(ctx, private); err != nil {
			return err
		}
		lastErr = c.once(ctx, method, path, encoded, private, out)
		if lastErr == nil {
			return nil
		}
		if !errs.Retryable(lastErr) || attempt == restMaxAttempts {
			return lastErr
		}

		delay := nextDelay(backoffCfg)
		var venueErr *errs.E
		if errors.As(lastErr, &venueErr) && venueErr.RetryAfterSec > 0 {
			delay = time.Duration(venueErr.RetryAfterSec) * time.Second
		}
		observability.Log().Debug("rest retry",
			observability.F("method", method),
			observability.F("path", path),
			observability.F("attempt", attempt),
			observability.F("error", lastErr),
		)
		select {
		case <-ctx.Done():
			return errs.New(VenueName, errs.CodeTransport,
				errs.WithMessage("request canceled"),
				errs.WithCause(ctx.Err()))
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (c *RESTClient) throttle(ctx context.Context, private bool) error {
	limiter := c.publicLimit
	if private {
		limiter = c.privateLimit
	}
	if err := limiter.Wait(ctx); err != nil {
		return errs.New(VenueName, errs.CodeTransport,
			errs.WithMessage("rate limiter wait"),
			errs.WithCause(err))
	}
	return nil
}

func (c *RESTClient) once(ctx context.Context, method, path string, body []byte, private bool, out any) error {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.New(VenueName, errs.CodeInvalid,
			errs.WithMessage("build request"),
			errs.WithCause(err))
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if private {
		if c.signer == nil {
			return errs.New(VenueName, errs.CodeAuth,
				errs.WithMessage("private endpoint requires credentials"))
		}
		c.signer.Apply(req, string(body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(VenueName, errs.CodeTransport,
			errs.WithMessage(method+" "+path),
			errs.WithCause(err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errs.New(VenueName, errs.CodeTransport,
			errs.WithMessage("read response body"),
			errs.WithCause(err))
	}

	if resp.StatusCode >= 400 {
		return decodeHTTPError(resp, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errs.New(VenueName, errs.CodeProtocol,
			errs.WithMessage("decode response"),
			errs.WithHTTP(resp.StatusCode),
			errs.WithCause(err))
	}
	return nil
}

func decodeHTTPError(resp *http.Response, payload []byte) error {
	var venueBody struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &venueBody)

	opts := []errs.Option{
		errs.WithHTTP(resp.StatusCode),
		errs.WithRawMessage(venueBody.Message),
	}
	if venueBody.Code != 0 {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(venueBody.Code)))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.New(VenueName, errs.CodeAuth, append(opts, errs.WithMessage("request rejected"))...)
	case resp.StatusCode == http.StatusTooManyRequests:
		opts = append(opts, errs.WithMessage("rate limited"), errs.WithRetryAfter(retryAfterSeconds(resp)))
		return errs.New(VenueName, errs.CodeRateLimited, opts...)
	case resp.StatusCode == http.StatusNotFound:
		return errs.New(VenueName, errs.CodeUnknownEntity, append(opts, errs.WithMessage("not found"))...)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return errs.New(VenueName, errs.CodeInvalid, append(opts, errs.WithMessage("invalid request"))...)
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout:
		return errs.New(VenueName, errs.CodeUnavailable, append(opts, errs.WithMessage("venue unavailable"))...)
	default:
		return errs.New(VenueName, errs.CodeVenue, append(opts, errs.WithMessage("venue error"))...)
	}
}

func retryAfterSeconds(resp *http.Response) int {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return int(math.Ceil(seconds))
}
