package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/execgate/internal/domain/venue"
)

type exchangeInfoResponse struct {
	Symbols []exchangeInfoSymbol `json:"symbols"`
}

type exchangeInfoSymbol struct {
	Symbol     string               `json:"symbol"`
	Status     string               `json:"status"`
	BaseAsset  string               `json:"baseAsset"`
	QuoteAsset string               `json:"quoteAsset"`
	Filters    []exchangeInfoFilter `json:"filters"`
}

type exchangeInfoFilter struct {
	FilterType  string `json:"filterType"`
	MinPrice    string `json:"minPrice"`
	MaxPrice    string `json:"maxPrice"`
	TickSize    string `json:"tickSize"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

func (a *Adapter) fetchExchangeInfo(ctx context.Context) (venue.ExchangeInfo, error) {
	endpoint := a.opts.exchangeInfoEndpoint()
	if strings.TrimSpace(endpoint) == "" {
		return venue.ExchangeInfo{}, errors.New("binance: exchange info endpoint not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return venue.ExchangeInfo{}, fmt.Errorf("create exchangeInfo request: %w", err)
	}
	body, err := a.do(ctx, req, opExchangeInfo)
	if err != nil {
		return venue.ExchangeInfo{}, err
	}
	var payload exchangeInfoResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return venue.ExchangeInfo{}, fmt.Errorf("decode exchangeInfo: %w", err)
	}

	permitted := make(map[string]struct{}, len(a.opts.Config.Symbols))
	for _, symbol := range a.opts.Config.Symbols {
		permitted[strings.ToUpper(strings.TrimSpace(symbol))] = struct{}{}
	}

	info := venue.ExchangeInfo{
		Venue:     a.name,
		Symbols:   make(map[string]venue.SymbolRules, len(payload.Symbols)),
		FetchedAt: a.clock(),
	}
	for _, sym := range payload.Symbols {
		if !strings.EqualFold(sym.Status, "TRADING") {
			continue
		}
		symbol := strings.ToUpper(strings.TrimSpace(sym.Symbol))
		if len(permitted) > 0 {
			if _, ok := permitted[symbol]; !ok {
				continue
			}
		}
		info.Symbols[symbol] = buildRules(symbol, sym.Filters)
	}
	return info, nil
}

func buildRules(symbol string, filters []exchangeInfoFilter) venue.SymbolRules {
	rules := venue.SymbolRules{Symbol: symbol}
	for _, filter := range filters {
		switch strings.ToUpper(strings.TrimSpace(filter.FilterType)) {
		case "PRICE_FILTER":
			rules.MinPrice, _ = parseDecimal(filter.MinPrice)
			rules.MaxPrice, _ = parseDecimal(filter.MaxPrice)
			rules.TickSize, _ = parseDecimal(filter.TickSize)
		case "LOT_SIZE":
			rules.MinQuantity, _ = parseDecimal(filter.MinQty)
			rules.MaxQuantity, _ = parseDecimal(filter.MaxQty)
			rules.StepSize, _ = parseDecimal(filter.StepSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			if v, ok := parseDecimal(filter.MinNotional); ok {
				rules.MinNotional = v
			}
		}
	}
	return rules
}

func (a *Adapter) createListenKey(ctx context.Context) (string, error) {
	body, err := a.listenKeyRequest(ctx, http.MethodPost, "")
	if err != nil {
		return "", err
	}
	var payload listenKeyResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if strings.TrimSpace(payload.ListenKey) == "" {
		return "", errors.New("binance: empty listen key")
	}
	return payload.ListenKey, nil
}

func (a *Adapter) keepAliveListenKey(ctx context.Context, listenKey string) error {
	_, err := a.listenKeyRequest(ctx, http.MethodPut, listenKey)
	return err
}

func (a *Adapter) closeListenKey(ctx context.Context, listenKey string) error {
	_, err := a.listenKeyRequest(ctx, http.MethodDelete, listenKey)
	return err
}

func (a *Adapter) listenKeyRequest(ctx context.Context, method, listenKey string) ([]byte, error) {
	endpoint := a.opts.listenKeyEndpoint()
	if listenKey != "" {
		endpoint += "?listenKey=" + listenKey
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create listen key request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", a.opts.Config.APIKey)
	return a.do(ctx, req, opListenKey)
}
