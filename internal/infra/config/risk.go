package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RiskConfig sets the pre-trade limits applied to every new order. Empty or
// zero values disable the corresponding limit.
type RiskConfig struct {
	MaxOrderQuantity string  `yaml:"maxOrderQuantity"`
	MaxOrderNotional string  `yaml:"maxOrderNotional"`
	OrdersPerSecond  float64 `yaml:"ordersPerSecond"`
	Burst            int     `yaml:"burst"`
}

// Quantities parses the configured quantity and notional limits.
func (r RiskConfig) Quantities() (maxQuantity, maxNotional decimal.Decimal, err error) {
	if maxQuantity, err = parseLimit("maxOrderQuantity", r.MaxOrderQuantity); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if maxNotional, err = parseLimit("maxOrderNotional", r.MaxOrderNotional); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return maxQuantity, maxNotional, nil
}

func (r RiskConfig) validate() error {
	if _, _, err := r.Quantities(); err != nil {
		return err
	}
	if r.OrdersPerSecond < 0 {
		return fmt.Errorf("ordersPerSecond must be >=0")
	}
	if r.Burst < 0 {
		return fmt.Errorf("burst must be >=0")
	}
	return nil
}

func parseLimit(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must be >=0", field)
	}
	return value, nil
}
