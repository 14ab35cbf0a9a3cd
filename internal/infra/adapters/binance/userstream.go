package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/domain/venue"
)

type userDataEvent struct {
	EventType string `json:"e"`
}

type executionReportEvent struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	Quantity        string `json:"q"`
	Price           string `json:"p"`
	ExecutionType   string `json:"x"`
	OrderStatus     string `json:"X"`
	RejectReason    string `json:"r"`
	OrderID         int64  `json:"i"`
	LastExecutedQty string `json:"l"`
	CumulativeQty   string `json:"z"`
	LastPrice       string `json:"L"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TransactionTime int64  `json:"T"`
	TradeID         int64  `json:"t"`
}

// StreamFills consumes the user data stream, delivering each trade execution
// to handler. It reconnects with exponential backoff until ctx is cancelled.
func (a *Adapter) StreamFills(ctx context.Context, handler func(venue.FillEvent)) error {
	if !a.hasTradingCredentials() {
		return errs.New(a.name, errs.CodeAuth, errs.WithCause(errMissingCredentials))
	}
	backoffCfg := backoff.NewExponentialBackOff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		listenKey, err := a.createListenKey(ctx)
		if err != nil {
			a.logger.Warn("binance listen key", "error", err)
			a.metrics.recordReconnect(ctx, "listen_key_error")
			if !sleepContext(ctx, backoffCfg.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}
		backoffCfg.Reset()
		err = a.consumeUserDataStream(ctx, listenKey, handler)
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.Config.HTTPTimeout)
		_ = a.closeListenKey(closeCtx, listenKey)
		cancel()
		if errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		if err != nil {
			a.logger.Warn("binance user stream disconnected", "error", err)
		}
		a.metrics.recordReconnect(ctx, "disconnected")
		if !sleepContext(ctx, backoffCfg.NextBackOff()) {
			return ctx.Err()
		}
	}
}

func (a *Adapter) consumeUserDataStream(ctx context.Context, listenKey string, handler func(venue.FillEvent)) error {
	base := strings.TrimSuffix(a.opts.websocketURL(), "/")
	url := base + "/" + strings.TrimSpace(listenKey)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", base, err)
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}()
	a.logger.Info("binance user stream connected")

	keepCtx, keepCancel := context.WithCancel(ctx)
	defer keepCancel()
	ticker := time.NewTicker(a.opts.Config.UserStreamKeepAlive)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-keepCtx.Done():
				return
			case <-ticker.C:
				if err := a.keepAliveListenKey(keepCtx, listenKey); err != nil {
					a.logger.Warn("binance listen key keepalive", "error", err)
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			return fmt.Errorf("read user stream: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		evt, ok, err := decodeFill(a.name, data)
		if err != nil {
			a.logger.Warn("binance user stream decode", "error", err)
			continue
		}
		if !ok {
			continue
		}
		a.metrics.recordFill(ctx, evt.Symbol)
		handler(evt)
	}
}

// decodeFill converts an executionReport TRADE message into a fill event.
// Other user data messages report ok=false.
func decodeFill(venueName string, data []byte) (venue.FillEvent, bool, error) {
	var header userDataEvent
	if err := json.Unmarshal(data, &header); err != nil {
		return venue.FillEvent{}, false, fmt.Errorf("decode user data header: %w", err)
	}
	if !strings.EqualFold(header.EventType, "executionReport") {
		return venue.FillEvent{}, false, nil
	}
	var report executionReportEvent
	if err := json.Unmarshal(data, &report); err != nil {
		return venue.FillEvent{}, false, fmt.Errorf("decode execution report: %w", err)
	}
	if !strings.EqualFold(report.ExecutionType, "TRADE") {
		return venue.FillEvent{}, false, nil
	}
	qty, ok := parseDecimal(report.LastExecutedQty)
	if !ok || !qty.IsPositive() {
		return venue.FillEvent{}, false, nil
	}
	price, _ := parseDecimal(report.LastPrice)
	commission, _ := parseDecimal(report.Commission)
	ts := report.TransactionTime
	if ts == 0 {
		ts = report.EventTime
	}
	return venue.FillEvent{
		Venue:         venueName,
		Symbol:        strings.ToUpper(report.Symbol),
		ClientOrderID: report.ClientOrderID,
		VenueOrderID:  strconv.FormatInt(report.OrderID, 10),
		Fill: order.Fill{
			FillID:          fillID(report.TradeID),
			Quantity:        qty,
			Price:           price,
			Commission:      commission,
			CommissionAsset: report.CommissionAsset,
			Timestamp:       resolveTimestamp(ts),
		},
	}, true, nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = time.Minute
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
