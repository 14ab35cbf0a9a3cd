// Package binance implements the venue adapter for Binance spot.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/domain/venue"
)

const maxResponseBytes = 1 << 20

// Adapter talks to the Binance spot REST API and user data stream.
type Adapter struct {
	opts    Options
	name    string
	logger  *slog.Logger
	clock   func() time.Time
	limiter *rate.Limiter
	metrics *adapterMetrics

	refreshMu sync.Mutex
	infoMu    sync.RWMutex
	info      venue.ExchangeInfo
}

// New constructs a Binance adapter.
func New(opts Options) *Adapter {
	opts = withDefaults(opts)
	a := &Adapter{
		opts:    opts,
		name:    opts.Config.Name,
		logger:  opts.Logger.With("venue", opts.Config.Name),
		clock:   opts.Clock,
		limiter: rate.NewLimiter(rate.Limit(opts.Config.RequestsPerSecond), opts.Config.Burst),
	}
	a.metrics = newAdapterMetrics(a.name)
	return a
}

// Name returns the configured venue identifier.
func (a *Adapter) Name() string { return a.name }

// GetExchangeInfo returns the cached trading rules, refreshing them once the cache expires.
func (a *Adapter) GetExchangeInfo(ctx context.Context) (venue.ExchangeInfo, error) {
	if info, ok := a.cachedInfo(); ok {
		return info, nil
	}
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()
	if info, ok := a.cachedInfo(); ok {
		return info, nil
	}
	info, err := a.fetchExchangeInfo(ctx)
	if err != nil {
		return venue.ExchangeInfo{}, err
	}
	a.infoMu.Lock()
	a.info = info
	a.infoMu.Unlock()
	a.logger.Debug("exchange info refreshed", "symbols", len(info.Symbols))
	return info, nil
}

func (a *Adapter) cachedInfo() (venue.ExchangeInfo, bool) {
	a.infoMu.RLock()
	defer a.infoMu.RUnlock()
	if a.info.Symbols == nil {
		return venue.ExchangeInfo{}, false
	}
	if a.clock().Sub(a.info.FetchedAt) > a.opts.Config.ExchangeInfoTTL {
		return venue.ExchangeInfo{}, false
	}
	return a.info, true
}

// ValidateOrder checks o against the last fetched trading rules.
func (a *Adapter) ValidateOrder(o venue.Order) error {
	a.infoMu.RLock()
	rules, ok := a.info.Rules(o.Symbol)
	a.infoMu.RUnlock()
	if !ok {
		return venue.UnknownSymbol(a.name, o.Symbol)
	}
	return venue.Validate(a.name, rules, o)
}

// PlaceOrder submits o. A duplicate client order id resolves to the order
// already resting on the venue.
func (a *Adapter) PlaceOrder(ctx context.Context, o venue.Order) (venue.Ack, error) {
	params, err := orderParams(o)
	if err != nil {
		return venue.Ack{}, errs.New(a.name, errs.CodeValidation, errs.WithMessage(err.Error()))
	}
	body, err := a.signedRequest(ctx, http.MethodPost, a.opts.orderEndpoint(), opPlaceOrder, params)
	if err != nil {
		if isDuplicateOrder(err) {
			a.logger.Info("duplicate client order id, resolving existing order", "client_order_id", o.ClientOrderID)
			return a.ackFromQuery(ctx, o)
		}
		return venue.Ack{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return venue.Ack{}, fmt.Errorf("decode order response: %w", err)
	}
	a.metrics.recordOrder(ctx, o, string(resp.Status))
	return resp.ack(), nil
}

func (a *Adapter) ackFromQuery(ctx context.Context, o venue.Order) (venue.Ack, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("origClientOrderId", o.ClientOrderID)
	status, err := a.queryOrder(ctx, params)
	if err != nil {
		return venue.Ack{}, err
	}
	return venue.Ack{
		VenueOrderID:  status.VenueOrderID,
		ClientOrderID: status.ClientOrderID,
		Status:        status.Status,
		ExecutedQty:   status.ExecutedQty,
		TransactTime:  status.UpdatedAt,
	}, nil
}

// CancelOrder cancels a resting order by venue order id.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", venueOrderID)
	_, err := a.signedRequest(ctx, http.MethodDelete, a.opts.orderEndpoint(), opCancelOrder, params)
	return err
}

// GetOrderStatus queries a single order by venue order id.
func (a *Adapter) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (venue.Status, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", venueOrderID)
	return a.queryOrder(ctx, params)
}

func (a *Adapter) queryOrder(ctx context.Context, params url.Values) (venue.Status, error) {
	body, err := a.signedRequest(ctx, http.MethodGet, a.opts.orderEndpoint(), opOrderStatus, params)
	if err != nil {
		return venue.Status{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return venue.Status{}, fmt.Errorf("decode order status: %w", err)
	}
	return resp.status(), nil
}

func (a *Adapter) hasTradingCredentials() bool {
	return strings.TrimSpace(a.opts.Config.APIKey) != "" && strings.TrimSpace(a.opts.Config.APISecret) != ""
}

func (a *Adapter) signedRequest(ctx context.Context, method, endpoint, op string, params url.Values) ([]byte, error) {
	if !a.hasTradingCredentials() {
		return nil, errs.New(a.name, errs.CodeAuth, errs.WithCause(errMissingCredentials))
	}
	if recv := a.opts.Config.RecvWindow; recv > 0 {
		params.Set("recvWindow", strconv.FormatInt(recv.Milliseconds(), 10))
	}
	params.Set("timestamp", strconv.FormatInt(a.clock().UTC().UnixMilli(), 10))
	payload := params.Encode()
	signed := payload + "&signature=" + signPayload(payload, a.opts.Config.APISecret)

	var (
		body   io.Reader
		target = endpoint
	)
	if method == http.MethodPost {
		body = strings.NewReader(signed)
	} else {
		target = endpoint + "?" + signed
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-MBX-APIKEY", a.opts.Config.APIKey)
	return a.do(ctx, req, op)
}

func (a *Adapter) do(ctx context.Context, req *http.Request, op string) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, transportError(a.name, op+": rate limiter", err)
	}
	start := a.clock()
	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		a.metrics.recordCall(ctx, op, string(errs.CodeTransient), a.clock().Sub(start))
		return nil, transportError(a.name, op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		a.metrics.recordCall(ctx, op, string(errs.CodeTransient), a.clock().Sub(start))
		return nil, transportError(a.name, op+": read response", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		err := parseError(a.name, resp.StatusCode, resp.Header, body)
		a.metrics.recordCall(ctx, op, string(errs.CodeOf(err)), a.clock().Sub(start))
		a.logger.Warn("binance request failed", "operation", op, "status", resp.StatusCode, "error", err)
		return nil, err
	}
	a.metrics.recordCall(ctx, op, resultSuccess, a.clock().Sub(start))
	return body, nil
}

func orderParams(o venue.Order) (url.Values, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	side, err := binanceSide(o.Direction)
	if err != nil {
		return nil, err
	}
	params.Set("side", side)
	typeValue, err := binanceOrderType(o.Type)
	if err != nil {
		return nil, err
	}
	params.Set("type", typeValue)
	if !o.Quantity.IsPositive() {
		return nil, fmt.Errorf("binance: quantity required")
	}
	params.Set("quantity", o.Quantity.String())

	switch o.Type {
	case order.TypeLimit, order.TypeStopLimit:
		if o.Price == nil {
			return nil, fmt.Errorf("binance: %s order requires price", o.Type)
		}
		params.Set("price", o.Price.String())
		params.Set("timeInForce", "GTC")
	}
	switch o.Type {
	case order.TypeStop, order.TypeStopLimit:
		if o.StopPrice == nil {
			return nil, fmt.Errorf("binance: %s order requires stop price", o.Type)
		}
		params.Set("stopPrice", o.StopPrice.String())
	}
	if o.ClientOrderID != "" {
		params.Set("newClientOrderId", o.ClientOrderID)
	}
	params.Set("newOrderRespType", "FULL")
	return params, nil
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func binanceSide(direction order.Direction) (string, error) {
	switch direction {
	case order.DirectionLong:
		return "BUY", nil
	case order.DirectionShort:
		return "SELL", nil
	default:
		return "", fmt.Errorf("binance: unsupported direction %q", direction)
	}
}

func binanceOrderType(t order.Type) (string, error) {
	switch t {
	case order.TypeMarket:
		return "MARKET", nil
	case order.TypeLimit:
		return "LIMIT", nil
	case order.TypeStop:
		return "STOP_LOSS", nil
	case order.TypeStopLimit:
		return "STOP_LOSS_LIMIT", nil
	default:
		return "", fmt.Errorf("binance: unsupported order type %q", t)
	}
}

func binanceStatus(status string) venue.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PARTIALLY_FILLED":
		return venue.StatusPartiallyFilled
	case "FILLED":
		return venue.StatusFilled
	case "CANCELED":
		return venue.StatusCanceled
	case "REJECTED":
		return venue.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return venue.StatusExpired
	default:
		// NEW, PENDING_NEW and PENDING_CANCEL are still working on the book.
		return venue.StatusNew
	}
}

type orderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	TransactTime        int64           `json:"transactTime"`
	UpdateTime          int64           `json:"updateTime"`
	Price               string          `json:"price"`
	OrigQty             string          `json:"origQty"`
	ExecutedQty         string          `json:"executedQty"`
	CummulativeQuoteQty string          `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	TimeInForce         string          `json:"timeInForce"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
	Fills               []orderFillJSON `json:"fills"`
}

type orderFillJSON struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	TradeID         int64  `json:"tradeId"`
}

func (r orderResponse) ack() venue.Ack {
	ts := resolveTimestamp(r.TransactTime)
	fills := make([]order.Fill, 0, len(r.Fills))
	for _, f := range r.Fills {
		qty, ok := parseDecimal(f.Qty)
		if !ok || !qty.IsPositive() {
			continue
		}
		price, _ := parseDecimal(f.Price)
		commission, _ := parseDecimal(f.Commission)
		fills = append(fills, order.Fill{
			FillID:          fillID(f.TradeID),
			Quantity:        qty,
			Price:           price,
			Commission:      commission,
			CommissionAsset: f.CommissionAsset,
			Timestamp:       ts,
		})
	}
	executed, _ := parseDecimal(r.ExecutedQty)
	return venue.Ack{
		VenueOrderID:  strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Status:        binanceStatus(r.Status),
		ExecutedQty:   executed,
		Fills:         fills,
		TransactTime:  ts,
	}
}

func (r orderResponse) status() venue.Status {
	executed, _ := parseDecimal(r.ExecutedQty)
	quote, _ := parseDecimal(r.CummulativeQuoteQty)
	ts := r.UpdateTime
	if ts == 0 {
		ts = r.TransactTime
	}
	return venue.Status{
		VenueOrderID:    strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:   r.ClientOrderID,
		Status:          binanceStatus(r.Status),
		ExecutedQty:     executed,
		CumulativeQuote: quote,
		UpdatedAt:       resolveTimestamp(ts),
	}
}

// fillID derives the fill identity from the venue trade id so fills seen
// in the order response and on the user stream deduplicate.
func fillID(tradeID int64) string {
	return "binance-" + strconv.FormatInt(tradeID, 10)
}

func resolveTimestamp(ms int64) time.Time {
	if ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

func parseDecimal(value string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, false
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, false
	}
	return dec, true
}
