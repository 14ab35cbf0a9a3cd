package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DefaultVenue() != "mock" {
		t.Fatalf("expected mock default venue, got %q", cfg.DefaultVenue())
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.CircuitBreaker.FailureThreshold != 5 {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Retry, cfg.CircuitBreaker)
	}
}

func TestLoadDuplicateVenueName(t *testing.T) {
	path := writeConfig(t, `
environment: dev
venues:
  Binance: {kind: binance}
  binance: {kind: binance}
`)
	_, err := Load(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), `duplicate venue name "binance"`) {
		t.Fatalf("expected duplicate venue name error, got %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("EXECGATE_TEST_SECRET", "s3cret")
	path := writeConfig(t, `
environment: PROD
apiServer:
  addr: ":9999"
logging:
  level: DEBUG
  format: text
retry:
  maxAttempts: 3
  baseDelay: 50ms
  maxDelay: 2s
  attemptTimeout: 1s
circuitBreaker:
  failureThreshold: 2
  recoveryTimeout: 45s
venues:
  binance:
    kind: Binance
    default: true
    apiKey: key
    apiSecret: ${EXECGATE_TEST_SECRET}
    symbols: [btcusdt, " ethusdt "]
    requestsPerSecond: 8
  sim:
    kind: mock
    mock:
      failureRate: 0.25
      fillSteps: 2
eventbus:
  bufferSize: 128
  fanoutWorkers: auto
events:
  kafka:
    enabled: true
    brokers: ["localhost:9092"]
database:
  enabled: true
  dsn: postgresql://db/execgate
  runMigrations: true
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("expected prod environment, got %q", cfg.Environment)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("unexpected logging config %+v", cfg.Logging)
	}
	if cfg.Retry.BaseDelay != 50*time.Millisecond || cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("unexpected retry config %+v", cfg.Retry)
	}
	if cfg.CircuitBreaker.RecoveryTimeout != 45*time.Second {
		t.Fatalf("unexpected breaker config %+v", cfg.CircuitBreaker)
	}
	binance := cfg.Venues["binance"]
	if binance.Kind != VenueKindBinance || binance.APISecret != "s3cret" {
		t.Fatalf("unexpected binance config %+v", binance)
	}
	if len(binance.Symbols) != 2 || binance.Symbols[1] != "ETHUSDT" {
		t.Fatalf("unexpected symbols %v", binance.Symbols)
	}
	if cfg.DefaultVenue() != "binance" {
		t.Fatalf("expected binance default, got %q", cfg.DefaultVenue())
	}
	if cfg.Venues["sim"].Mock.FillSteps != 2 {
		t.Fatalf("unexpected mock config %+v", cfg.Venues["sim"].Mock)
	}
	if cfg.Events.Kafka.Topic != "execgate.order-events" {
		t.Fatalf("expected default kafka topic, got %q", cfg.Events.Kafka.Topic)
	}
	if cfg.Eventbus.FanoutWorkerCount() <= 0 {
		t.Fatalf("expected resolved fanout workers")
	}
	if !cfg.Database.Enabled || cfg.Database.MaxConns != 16 {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"environment": `
environment: qa
venues: {m: {kind: mock}}
`,
		"no venues": `
environment: dev
`,
		"unknown kind": `
venues: {m: {kind: ftx}}
`,
		"failure rate": `
venues: {m: {kind: mock, mock: {failureRate: 2}}}
`,
		"two defaults": `
venues:
  a: {kind: mock, default: true}
  b: {kind: mock, default: true}
`,
		"kafka brokers": `
venues: {m: {kind: mock}}
events: {kafka: {enabled: true}}
`,
		"fanout": `
venues: {m: {kind: mock}}
eventbus: {fanoutWorkers: -1}
`,
		"risk quantity": `
venues: {m: {kind: mock}}
risk: {maxOrderQuantity: lots}
`,
		"risk throttle": `
venues: {m: {kind: mock}}
risk: {ordersPerSecond: -1}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(context.Background(), writeConfig(t, body)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestBuildVenueSpecsSorted(t *testing.T) {
	specs, err := BuildVenueSpecs(map[string]VenueConfig{
		"zeta":  {Kind: VenueKindMock},
		"alpha": {Kind: VenueKindBinance},
	})
	if err != nil {
		t.Fatalf("build specs: %v", err)
	}
	if len(specs) != 2 || specs[0].Name != "alpha" || specs[1].Name != "zeta" {
		t.Fatalf("unexpected specs %+v", specs)
	}
	if _, err := BuildVenueSpecs(nil); err == nil {
		t.Fatalf("expected error for empty venues")
	}
}

func TestRiskQuantities(t *testing.T) {
	qty, notional, err := RiskConfig{MaxOrderQuantity: " 2.5 ", MaxOrderNotional: ""}.Quantities()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qty.String() != "2.5" || !notional.IsZero() {
		t.Fatalf("unexpected limits qty=%s notional=%s", qty, notional)
	}
	if _, _, err := (RiskConfig{MaxOrderNotional: "-1"}).Quantities(); err == nil {
		t.Fatal("expected negative notional to fail")
	}
}
