package binance

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type metadata struct {
	apiBaseURL       string
	websocketBaseURL string
	identifier       string
	exchangeInfoPath string
	listenKeyPath    string
	orderPath        string
}

var binanceMetadata = metadata{
	apiBaseURL:       "https://api.binance.com",
	websocketBaseURL: "wss://stream.binance.com:9443/ws",
	identifier:       "binance",
	exchangeInfoPath: "/api/v3/exchangeInfo",
	listenKeyPath:    "/api/v3/userDataStream",
	orderPath:        "/api/v3/order",
}

const (
	defaultHTTPTimeout         = 10 * time.Second
	defaultRecvWindow          = 5 * time.Second
	defaultUserStreamKeepAlive = 30 * time.Minute
	defaultExchangeInfoTTL     = 30 * time.Minute
	defaultRequestsPerSecond   = 10
	defaultBurst               = 5
)

// Config captures user-overridable Binance settings.
type Config struct {
	Name         string
	BaseURL      string
	WebsocketURL string
	APIKey       string
	APISecret    string
	// Symbols restricts the cached trading rules; empty keeps every TRADING symbol.
	Symbols             []string
	HTTPTimeout         time.Duration
	RecvWindow          time.Duration
	UserStreamKeepAlive time.Duration
	ExchangeInfoTTL     time.Duration
	RequestsPerSecond   float64
	Burst               int
}

// Options configure the Binance adapter.
type Options struct {
	Config     Config
	HTTPClient *http.Client
	Logger     *slog.Logger
	Clock      func() time.Time

	metadata metadata
}

func withDefaults(in Options) Options {
	in.metadata = binanceMetadata
	if strings.TrimSpace(in.Config.Name) == "" {
		in.Config.Name = in.metadata.identifier
	}
	if base := strings.TrimSpace(in.Config.BaseURL); base != "" {
		in.metadata.apiBaseURL = base
	}
	if ws := strings.TrimSpace(in.Config.WebsocketURL); ws != "" {
		in.metadata.websocketBaseURL = ws
	}
	if in.Config.HTTPTimeout <= 0 {
		in.Config.HTTPTimeout = defaultHTTPTimeout
	}
	if in.Config.RecvWindow <= 0 {
		in.Config.RecvWindow = defaultRecvWindow
	}
	if in.Config.UserStreamKeepAlive <= 0 {
		in.Config.UserStreamKeepAlive = defaultUserStreamKeepAlive
	}
	if in.Config.ExchangeInfoTTL <= 0 {
		in.Config.ExchangeInfoTTL = defaultExchangeInfoTTL
	}
	if in.Config.RequestsPerSecond <= 0 {
		in.Config.RequestsPerSecond = defaultRequestsPerSecond
	}
	if in.Config.Burst <= 0 {
		in.Config.Burst = defaultBurst
	}
	if in.HTTPClient == nil {
		in.HTTPClient = &http.Client{Timeout: in.Config.HTTPTimeout}
	}
	if in.Logger == nil {
		in.Logger = slog.Default()
	}
	if in.Clock == nil {
		in.Clock = time.Now
	}
	return in
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.metadata.apiBaseURL), "/")
	if base == "" {
		return ""
	}
	if strings.TrimSpace(path) == "" {
		return base
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

func (o Options) exchangeInfoEndpoint() string {
	return o.restEndpoint(o.metadata.exchangeInfoPath)
}

func (o Options) listenKeyEndpoint() string {
	return o.restEndpoint(o.metadata.listenKeyPath)
}

func (o Options) orderEndpoint() string {
	return o.restEndpoint(o.metadata.orderPath)
}

func (o Options) websocketURL() string {
	return o.metadata.websocketBaseURL
}
