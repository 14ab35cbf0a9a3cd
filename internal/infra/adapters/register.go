// Package adapters constructs venue adapters from configuration.
package adapters

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/execgate/internal/domain/venue"
	"github.com/coachpo/execgate/internal/infra/adapters/binance"
	"github.com/coachpo/execgate/internal/infra/adapters/mock"
	"github.com/coachpo/execgate/internal/infra/config"
)

// Factory builds an adapter for a named venue.
type Factory func(name string, cfg config.VenueConfig, logger *slog.Logger) (venue.Adapter, error)

// Registry maps venue kinds to factories.
type Registry struct {
	factories map[config.VenueKind]Factory
}

// NewRegistry returns a registry holding the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[config.VenueKind]Factory)}
	r.Register(config.VenueKindBinance, newBinance)
	r.Register(config.VenueKindMock, newMock)
	return r
}

// Register installs or replaces the factory for kind.
func (r *Registry) Register(kind config.VenueKind, factory Factory) {
	r.factories[kind] = factory
}

// Build constructs one adapter per configured venue.
func (r *Registry) Build(specs []config.VenueSpec, logger *slog.Logger) (map[string]venue.Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(map[string]venue.Adapter, len(specs))
	for _, spec := range specs {
		factory, ok := r.factories[spec.Config.Kind]
		if !ok {
			return nil, fmt.Errorf("venue %q: no adapter for kind %q", spec.Name, spec.Config.Kind)
		}
		adapter, err := factory(spec.Name, spec.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("venue %q: %w", spec.Name, err)
		}
		out[spec.Name] = adapter
	}
	return out, nil
}

func newBinance(name string, cfg config.VenueConfig, logger *slog.Logger) (venue.Adapter, error) {
	return binance.New(binance.Options{
		Config: binance.Config{
			Name:              name,
			BaseURL:           cfg.BaseURL,
			WebsocketURL:      cfg.WebsocketURL,
			APIKey:            cfg.APIKey,
			APISecret:         cfg.APISecret,
			Symbols:           cfg.Symbols,
			HTTPTimeout:       cfg.HTTPTimeout,
			RecvWindow:        cfg.RecvWindow,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		},
		Logger: logger,
	}), nil
}

func newMock(name string, cfg config.VenueConfig, _ *slog.Logger) (venue.Adapter, error) {
	opts := mock.Options{
		Name:        name,
		LatencyMin:  cfg.Mock.LatencyMin,
		LatencyMax:  cfg.Mock.LatencyMax,
		FailureRate: cfg.Mock.FailureRate,
		FillSteps:   cfg.Mock.FillSteps,
		Seed:        cfg.Mock.Seed,
	}
	if raw := strings.TrimSpace(cfg.Mock.FillPrice); raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("mock fillPrice: %w", err)
		}
		opts.FillPrice = price
	}
	return mock.New(opts), nil
}
